package admm

import (
	"errors"
	"fmt"

	"mapnerd/internal/model"
)

// ErrUnsupportedRule is returned by AddGroundRule for rules it cannot turn into terms.
var ErrUnsupportedRule = errors.New("unsupported ground rule")

// AddGroundRule turns a ground arithmetic rule into objective terms, registers
// their local variables and adds them under rule. It returns how many terms were
// added; rules with no unobserved atoms add none.
//
// Weighted rules map by comparator: none to linear loss, <= and >= to (squared)
// hinge loss, = to two hinges or one squared linear loss. Unweighted rules map to
// a linear constraint.
func (s *TermStore) AddGroundRule(rule model.GroundRule) (int, error) {
	var (
		base     *model.GroundArithmeticRule
		weighted bool
	)
	switch r := rule.(type) {
	case *model.WeightedGroundArithmeticRule:
		base, weighted = r.GroundArithmeticRule, true
	case *model.GroundArithmeticRule:
		base = r
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedRule, rule)
	}

	if allZero(base.Coefficients) {
		return 0, nil
	}

	template := base.Rule()
	if !weighted {
		if template.Comparator == model.ComparatorNone {
			return 0, fmt.Errorf("%w: constraint %s has no comparator", ErrUnsupportedRule, template.Name)
		}
		s.Add(rule, NewLinearConstraintTerm(s.locals(base), base.Coefficients, base.Constant, template.Comparator))
		return 1, nil
	}

	w := template.Weight()
	coeffs, constant := base.Coefficients, base.Constant
	switch template.Comparator {
	case model.ComparatorNone:
		s.Add(rule, NewLinearLossTerm(s.locals(base), coeffs, w))
		return 1, nil
	case model.ComparatorLE:
		s.Add(rule, s.hinge(base, coeffs, constant, w, template.Squared))
		return 1, nil
	case model.ComparatorGE:
		s.Add(rule, s.hinge(base, negate(coeffs), -constant, w, template.Squared))
		return 1, nil
	case model.ComparatorEQ:
		if template.Squared {
			s.Add(rule, NewSquaredLinearLossTerm(s.locals(base), coeffs, constant, w))
			return 1, nil
		}
		s.Add(rule, NewHingeLossTerm(s.locals(base), coeffs, constant, w))
		s.Add(rule, NewHingeLossTerm(s.locals(base), negate(coeffs), -constant, w))
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: comparator %d", ErrUnsupportedRule, template.Comparator)
	}
}

func (s *TermStore) hinge(base *model.GroundArithmeticRule, coeffs []float64, constant, w float64, squared bool) ObjectiveTerm {
	if squared {
		return NewSquaredHingeLossTerm(s.locals(base), coeffs, constant, w)
	}
	return NewHingeLossTerm(s.locals(base), coeffs, constant, w)
}

func (s *TermStore) locals(rule *model.GroundArithmeticRule) []*LocalVariable {
	out := make([]*LocalVariable, len(rule.Atoms))
	for i, atom := range rule.Atoms {
		out[i] = s.CreateLocalVariable(atom)
	}
	return out
}

func negate(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = -v
	}
	return out
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}
