package graph

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// constraintNamespace seeds the deterministic uuid of every constraint.
var constraintNamespace = uuid.MustParse("3f2f8a77-51de-4c63-8c11-b2a4f0e6c502")

// VariableGetter resolves a variable id to its current value, or nil when the
// graph does not hold it.
type VariableGetter func(id uuid.UUID) *Variable

// Constraint relates one or more variables through a measurement with a
// covariance. Identity is derived from the source tag and the involved
// variables, so re-adding the "same" constraint is detectable.
type Constraint interface {
	ID() uuid.UUID
	// Source tags where the constraint came from, e.g. "imu_preintegration"
	// or "lidar_multiscan".
	Source() string
	Variables() []uuid.UUID
	// Dim is the residual dimension.
	Dim() int
	// Residual evaluates the unwhitened residual at the given variable values.
	Residual(get VariableGetter) ([]float64, error)
	// Covariance is the Dim x Dim measurement covariance.
	Covariance() *mat.SymDense
}

// AnalyticJacobians is implemented by constraints that can linearize
// themselves; others are differentiated numerically by the solver.
type AnalyticJacobians interface {
	// Jacobians returns one Dim x TangentDim matrix per involved variable, in
	// the order of Variables().
	Jacobians(get VariableGetter) ([]*mat.Dense, error)
}

// constraintID derives a deterministic constraint uuid.
func constraintID(source string, vars []uuid.UUID) uuid.UUID {
	name := source
	for _, v := range vars {
		name += "|" + v.String()
	}
	return uuid.NewSHA1(constraintNamespace, []byte(name))
}

// ScaledIdentityCovariance builds a sigma^2 * I covariance of the given dim.
func ScaledIdentityCovariance(dim int, sigma float64) *mat.SymDense {
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, sigma*sigma)
	}
	return cov
}

// NumericJacobians linearizes a constraint by central differences on each
// variable's tangent space.
func NumericJacobians(c Constraint, get VariableGetter, eps float64) ([]*mat.Dense, error) {
	if eps <= 0 {
		eps = 1e-6
	}
	ids := c.Variables()
	jacs := make([]*mat.Dense, len(ids))
	for vi, id := range ids {
		v := get(id)
		if v == nil {
			return nil, errors.Errorf("constraint %s: missing variable %s", c.Source(), id)
		}
		td := v.TangentDim()
		jac := mat.NewDense(c.Dim(), td, nil)
		for d := 0; d < td; d++ {
			delta := make([]float64, td)

			delta[d] = eps
			plus := v.Clone()
			plus.Retract(delta)
			rPlus, err := c.Residual(overlayGetter(get, plus))
			if err != nil {
				return nil, err
			}

			delta[d] = -eps
			minus := v.Clone()
			minus.Retract(delta)
			rMinus, err := c.Residual(overlayGetter(get, minus))
			if err != nil {
				return nil, err
			}

			for r := 0; r < c.Dim(); r++ {
				jac.Set(r, d, (rPlus[r]-rMinus[r])/(2*eps))
			}
		}
		jacs[vi] = jac
	}
	return jacs, nil
}

// overlayGetter shadows one variable of the underlying getter.
func overlayGetter(get VariableGetter, v *Variable) VariableGetter {
	id := v.ID()
	return func(q uuid.UUID) *Variable {
		if q == id {
			return v
		}
		return get(q)
	}
}

func missingVariableError(source string, id uuid.UUID) error {
	return errors.New(fmt.Sprintf("constraint %s: variable %s not in graph", source, id))
}
