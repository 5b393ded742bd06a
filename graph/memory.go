package graph

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Snapshot is the read-only view of a graph handed to front-ends after an
// optimization. Variables returned are copies.
type Snapshot interface {
	Variable(id uuid.UUID) (*Variable, bool)
}

// FactorGraph is the transactional estimator interface: add/remove variables
// and constraints atomically, request optimization, and read back values.
type FactorGraph interface {
	Snapshot
	Apply(tx *Transaction) error
	Optimize(ctx context.Context) error
}

// MemoryGraph is a dense in-memory FactorGraph solved by damped Gauss-Newton.
// It exists to make the estimator boundary concrete: tests, the trajectory
// initializer, and the offline runner all drive the same interface the
// production solver implements.
type MemoryGraph struct {
	mu          sync.RWMutex
	logger      golog.Logger
	variables   map[uuid.UUID]*Variable
	constraints map[uuid.UUID]Constraint

	// MaxIterations bounds each Optimize call.
	MaxIterations int
	// StepTolerance ends optimization when the tangent update norm falls
	// below it.
	StepTolerance float64
}

// NewMemoryGraph creates an empty graph.
func NewMemoryGraph(logger golog.Logger) *MemoryGraph {
	return &MemoryGraph{
		logger:        logger,
		variables:     map[uuid.UUID]*Variable{},
		constraints:   map[uuid.UUID]Constraint{},
		MaxIterations: 50,
		StepTolerance: 1e-12,
	}
}

// Apply atomically applies a transaction: removals first, then variable and
// constraint additions under the transaction's override semantics.
func (g *MemoryGraph) Apply(tx *Transaction) error {
	if tx == nil || tx.Empty() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range tx.removeVariables {
		delete(g.variables, id)
	}
	for _, id := range tx.removeConstraints {
		delete(g.constraints, id)
	}
	for _, v := range tx.variables {
		id := v.ID()
		if _, exists := g.variables[id]; exists && !tx.OverrideVariables {
			continue
		}
		g.variables[id] = v.Clone()
	}
	for _, c := range tx.constraints {
		id := c.ID()
		if _, exists := g.constraints[id]; exists && !tx.OverrideConstraints {
			continue
		}
		g.constraints[id] = c
	}
	return nil
}

// Variable returns a copy of the variable with the given id.
func (g *MemoryGraph) Variable(id uuid.UUID) (*Variable, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.variables[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Variables returns copies of all variables in the graph.
func (g *MemoryGraph) Variables() []*Variable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Variable, 0, len(g.variables))
	for _, v := range g.variables {
		out = append(out, v.Clone())
	}
	return out
}

// Constraints returns the constraints in the graph.
func (g *MemoryGraph) Constraints() []Constraint {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Constraint, 0, len(g.constraints))
	for _, c := range g.constraints {
		out = append(out, c)
	}
	return out
}

// Optimize runs damped Gauss-Newton until convergence, iteration bound, or
// context cancellation. On cancellation the best state so far is kept and the
// context error returned.
func (g *MemoryGraph) Optimize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.variables) == 0 || len(g.constraints) == 0 {
		return nil
	}

	// assign tangent offsets
	ids := make([]uuid.UUID, 0, len(g.variables))
	for id := range g.variables {
		ids = append(ids, id)
	}
	offsets := make(map[uuid.UUID]int, len(ids))
	dim := 0
	for _, id := range ids {
		offsets[id] = dim
		dim += g.variables[id].TangentDim()
	}

	get := func(id uuid.UUID) *Variable { return g.variables[id] }

	for iter := 0; iter < g.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		h := mat.NewSymDense(dim, nil)
		b := mat.NewVecDense(dim, nil)

		for _, c := range g.constraints {
			if err := g.accumulate(c, get, offsets, h, b); err != nil {
				return err
			}
		}

		// light damping keeps the normal equations solvable when a variable
		// is only weakly observed
		for i := 0; i < dim; i++ {
			h.SetSym(i, i, h.At(i, i)+1e-9)
		}

		var chol mat.Cholesky
		if !chol.Factorize(h) {
			return errors.New("normal equations not positive definite")
		}
		step := mat.NewVecDense(dim, nil)
		if err := chol.SolveVecTo(step, b); err != nil {
			return errors.Wrap(err, "solving normal equations")
		}

		stepNorm := 0.0
		for _, id := range ids {
			v := g.variables[id]
			td := v.TangentDim()
			delta := make([]float64, td)
			for d := 0; d < td; d++ {
				delta[d] = -step.AtVec(offsets[id] + d)
				stepNorm += delta[d] * delta[d]
			}
			v.Retract(delta)
		}
		if stepNorm < g.StepTolerance {
			return nil
		}
	}
	return nil
}

// accumulate whitens one constraint and adds its normal-equation contribution.
func (g *MemoryGraph) accumulate(c Constraint, get VariableGetter, offsets map[uuid.UUID]int,
	h *mat.SymDense, b *mat.VecDense,
) error {
	residual, err := c.Residual(get)
	if err != nil {
		return err
	}

	var jacs []*mat.Dense
	if aj, ok := c.(AnalyticJacobians); ok {
		jacs, err = aj.Jacobians(get)
	} else {
		jacs, err = NumericJacobians(c, get, 0)
	}
	if err != nil {
		return err
	}

	// whiten: cov = L L^T, r' = L^-1 r, J' = L^-1 J
	var chol mat.Cholesky
	if !chol.Factorize(c.Covariance()) {
		return errors.Errorf("constraint %s: covariance not positive definite", c.Source())
	}
	d := c.Dim()
	rhs := mat.NewDense(d, 1, residual)
	var whitenedR mat.Dense
	if err := solveLower(&chol, &whitenedR, rhs); err != nil {
		return err
	}

	ids := c.Variables()
	whitenedJ := make([]*mat.Dense, len(ids))
	for i, jac := range jacs {
		var wj mat.Dense
		if err := solveLower(&chol, &wj, jac); err != nil {
			return err
		}
		whitenedJ[i] = &wj
	}

	for a, idA := range ids {
		ja := whitenedJ[a]
		_, tda := ja.Dims()
		offA := offsets[idA]

		// J^T r
		for ra := 0; ra < tda; ra++ {
			sum := 0.0
			for k := 0; k < d; k++ {
				sum += ja.At(k, ra) * whitenedR.At(k, 0)
			}
			b.SetVec(offA+ra, b.AtVec(offA+ra)+sum)
		}

		// J^T J blocks
		for bi, idB := range ids {
			jb := whitenedJ[bi]
			_, tdb := jb.Dims()
			offB := offsets[idB]
			for ra := 0; ra < tda; ra++ {
				for rb := 0; rb < tdb; rb++ {
					row, col := offA+ra, offB+rb
					if col < row {
						continue
					}
					sum := 0.0
					for k := 0; k < d; k++ {
						sum += ja.At(k, ra) * jb.At(k, rb)
					}
					h.SetSym(row, col, h.At(row, col)+sum)
				}
			}
		}
	}
	return nil
}

// solveLower solves L x = rhs where L is the lower Cholesky factor.
func solveLower(chol *mat.Cholesky, dst *mat.Dense, rhs mat.Matrix) error {
	var l mat.TriDense
	chol.LTo(&l)
	return dst.Solve(&l, rhs)
}
