package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// GroundRule is any fully instantiated rule. The hash must be stable across runs
// so term stores can be sorted deterministically.
type GroundRule interface {
	Hash() uint64
}

// WeightedGroundRule is a ground rule whose terms carry the rule's weight.
// Weight reads through to the rule template so a template reweight is visible
// to every grounding.
type WeightedGroundRule interface {
	GroundRule
	Weight() float64
}

// Comparator relates the linear combination of a rule to its constant.
type Comparator int

const (
	// ComparatorNone marks a linear objective with no comparison (linear loss).
	ComparatorNone Comparator = iota
	ComparatorLE
	ComparatorGE
	ComparatorEQ
)

// ParseComparator accepts "", "<=", ">=", "=" and "==".
func ParseComparator(s string) (Comparator, error) {
	switch strings.TrimSpace(s) {
	case "":
		return ComparatorNone, nil
	case "<=":
		return ComparatorLE, nil
	case ">=":
		return ComparatorGE, nil
	case "=", "==":
		return ComparatorEQ, nil
	default:
		return ComparatorNone, fmt.Errorf("unknown comparator %q", s)
	}
}

func (c Comparator) String() string {
	switch c {
	case ComparatorLE:
		return "<="
	case ComparatorGE:
		return ">="
	case ComparatorEQ:
		return "="
	default:
		return ""
	}
}

// Rule is a rule template. Weighted rules produce loss terms; unweighted rules
// produce hard constraints.
type Rule struct {
	Name       string
	Squared    bool
	Comparator Comparator

	mu       sync.RWMutex
	weight   float64
	weighted bool
}

// NewWeightedRule creates a soft rule.
func NewWeightedRule(name string, weight float64, squared bool, cmp Comparator) *Rule {
	return &Rule{Name: name, Squared: squared, Comparator: cmp, weight: weight, weighted: true}
}

// NewConstraintRule creates a hard rule. Constraints need a comparator.
func NewConstraintRule(name string, cmp Comparator) *Rule {
	return &Rule{Name: name, Comparator: cmp}
}

// IsWeighted reports whether the rule is soft.
func (r *Rule) IsWeighted() bool {
	return r.weighted
}

// Weight returns the current weight. Constraints report zero.
func (r *Rule) Weight() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weight
}

// SetWeight changes the template weight. Ground rules observe it immediately,
// terms only after the term store's UpdateWeight.
func (r *Rule) SetWeight(w float64) {
	if !r.weighted {
		panic(fmt.Sprintf("rule %s is a constraint and has no weight", r.Name))
	}
	r.mu.Lock()
	r.weight = w
	r.mu.Unlock()
}

func (r *Rule) String() string {
	if r.weighted {
		return fmt.Sprintf("%s (w=%g)", r.Name, r.Weight())
	}
	return fmt.Sprintf("%s (constraint)", r.Name)
}

// GroundArithmeticRule is sum_i Coefficients[i]*Atoms[i] <cmp> Constant, with every
// observed atom already folded into Constant. It is the unweighted (constraint)
// form; weighted rules are wrapped by WeightedGroundArithmeticRule.
type GroundArithmeticRule struct {
	rule         *Rule
	Atoms        []*Atom
	Coefficients []float64
	Constant     float64
	hash         uint64
}

// WeightedGroundArithmeticRule is a ground rule of a soft template.
type WeightedGroundArithmeticRule struct {
	*GroundArithmeticRule
}

// Weight returns the template's current weight.
func (r *WeightedGroundArithmeticRule) Weight() float64 {
	return r.rule.Weight()
}

// Ground instantiates a rule template. The returned value implements
// WeightedGroundRule when the template is weighted.
func Ground(rule *Rule, atoms []*Atom, coefficients []float64, constant float64) GroundRule {
	if len(atoms) != len(coefficients) {
		panic(fmt.Sprintf("rule %s: %d atoms but %d coefficients", rule.Name, len(atoms), len(coefficients)))
	}

	g := &GroundArithmeticRule{
		rule:         rule,
		Atoms:        atoms,
		Coefficients: coefficients,
		Constant:     constant,
	}
	g.hash = g.computeHash()

	if rule.IsWeighted() {
		return &WeightedGroundArithmeticRule{GroundArithmeticRule: g}
	}
	return g
}

func (r *GroundArithmeticRule) computeHash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(r.rule.Name)
	var buf [8]byte
	for i, atom := range r.Atoms {
		binary.LittleEndian.PutUint64(buf[:], atom.Hash())
		_, _ = d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.Coefficients[i]))
		_, _ = d.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.Constant))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Rule returns the template.
func (r *GroundArithmeticRule) Rule() *Rule {
	return r.rule
}

// Hash is stable across runs: it depends only on the template name, atoms,
// coefficients and constant.
func (r *GroundArithmeticRule) Hash() uint64 {
	return r.hash
}

func (r *GroundArithmeticRule) String() string {
	parts := make([]string, len(r.Atoms))
	for i, atom := range r.Atoms {
		parts[i] = fmt.Sprintf("%g*%s", r.Coefficients[i], atom)
	}
	cmp := r.rule.Comparator.String()
	if cmp == "" {
		return fmt.Sprintf("%s: %s", r.rule.Name, strings.Join(parts, " + "))
	}
	return fmt.Sprintf("%s: %s %s %g", r.rule.Name, strings.Join(parts, " + "), cmp, r.Constant)
}
