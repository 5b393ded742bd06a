package graph

import (
	"time"

	"github.com/google/uuid"
)

// Transaction is an atomic batch of variable additions, constraint additions,
// and removals submitted to the estimator. Producers build transactions; the
// estimator consumes them.
type Transaction struct {
	// Stamp is the time of the event this transaction stems from.
	Stamp time.Time

	variables         []*Variable
	constraints       []Constraint
	removeVariables   []uuid.UUID
	removeConstraints []uuid.UUID

	// OverrideVariables makes the application of a variable that already
	// exists in the graph replace its value rather than keep it.
	OverrideVariables bool
	// OverrideConstraints likewise replaces a constraint of identical
	// identity rather than keeping the incumbent.
	OverrideConstraints bool
}

// NewTransaction creates an empty transaction for the given stamp.
func NewTransaction(stamp time.Time) *Transaction {
	return &Transaction{Stamp: stamp}
}

// AddVariable stages a variable addition; a variable with the same identity
// already staged is replaced.
func (tx *Transaction) AddVariable(v *Variable) {
	id := v.ID()
	for i, existing := range tx.variables {
		if existing.ID() == id {
			tx.variables[i] = v
			return
		}
	}
	tx.variables = append(tx.variables, v)
}

// AddConstraint stages a constraint addition; a constraint with the same
// identity already staged is replaced.
func (tx *Transaction) AddConstraint(c Constraint) {
	id := c.ID()
	for i, existing := range tx.constraints {
		if existing.ID() == id {
			tx.constraints[i] = c
			return
		}
	}
	tx.constraints = append(tx.constraints, c)
}

// RemoveVariable stages a variable removal, applied before additions.
func (tx *Transaction) RemoveVariable(id uuid.UUID) {
	tx.removeVariables = append(tx.removeVariables, id)
}

// RemoveConstraint stages a constraint removal, applied before additions.
func (tx *Transaction) RemoveConstraint(id uuid.UUID) {
	tx.removeConstraints = append(tx.removeConstraints, id)
}

// Variables returns the staged variable additions.
func (tx *Transaction) Variables() []*Variable {
	return tx.variables
}

// Constraints returns the staged constraint additions.
func (tx *Transaction) Constraints() []Constraint {
	return tx.constraints
}

// Empty reports whether applying the transaction would be a no-op.
func (tx *Transaction) Empty() bool {
	return len(tx.variables) == 0 && len(tx.constraints) == 0 &&
		len(tx.removeVariables) == 0 && len(tx.removeConstraints) == 0
}

// Merge appends the contents of other into tx. Later additions win on
// identity collisions; override flags are OR-ed.
func (tx *Transaction) Merge(other *Transaction) {
	if other == nil {
		return
	}
	for _, v := range other.variables {
		tx.AddVariable(v)
	}
	for _, c := range other.constraints {
		tx.AddConstraint(c)
	}
	tx.removeVariables = append(tx.removeVariables, other.removeVariables...)
	tx.removeConstraints = append(tx.removeConstraints, other.removeConstraints...)
	tx.OverrideVariables = tx.OverrideVariables || other.OverrideVariables
	tx.OverrideConstraints = tx.OverrideConstraints || other.OverrideConstraints
	if tx.Stamp.IsZero() {
		tx.Stamp = other.Stamp
	}
}
