package admm

import (
	"fmt"
	"math"

	"mapnerd/internal/model"
)

// LinearConstraintTerm is the hard constraint c.x <cmp> b. It carries no weight.
type LinearConstraintTerm struct {
	linearForm
	comparator model.Comparator
}

// NewLinearConstraintTerm builds a constraint term. It panics if the counts
// differ, the coefficients are all zero, or the comparator is missing.
func NewLinearConstraintTerm(variables []*LocalVariable, coefficients []float64, constant float64, cmp model.Comparator) *LinearConstraintTerm {
	switch cmp {
	case model.ComparatorLE, model.ComparatorGE, model.ComparatorEQ:
	default:
		panic(fmt.Sprintf("linear constraint term: invalid comparator %d", cmp))
	}

	t := &LinearConstraintTerm{
		linearForm: newLinearForm(kindLinearConstraint, uint8(cmp), variables, coefficients, constant),
		comparator: cmp,
	}
	t.requireDirection("linear constraint term")
	return t
}

// Comparator returns the constraint's comparison.
func (t *LinearConstraintTerm) Comparator() model.Comparator {
	return t.comparator
}

// Minimize keeps the unconstrained point when it is feasible and otherwise
// projects it onto the hyperplane c.x = b.
func (t *LinearConstraintTerm) Minimize(stepSize float64, consensus []float64) {
	value := t.startAtConsensus(stepSize, consensus)
	if t.satisfied(value) {
		return
	}
	t.project(value)
}

func (t *LinearConstraintTerm) satisfied(value float64) bool {
	switch t.comparator {
	case model.ComparatorLE:
		return value <= t.constant
	case model.ComparatorGE:
		return value >= t.constant
	default:
		return value == t.constant
	}
}

// Evaluate returns how far the consensus values violate the constraint.
func (t *LinearConstraintTerm) Evaluate(consensus []float64) float64 {
	d := t.valueAt(consensus) - t.constant
	switch t.comparator {
	case model.ComparatorLE:
		return math.Max(0, d)
	case model.ComparatorGE:
		return math.Max(0, -d)
	default:
		return math.Abs(d)
	}
}
