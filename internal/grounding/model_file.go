package grounding

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"mapnerd/internal/model"
)

// ErrInvalidModel is wrapped by every model file validation failure.
var ErrInvalidModel = errors.New("invalid model")

// Model is a model file: predicates, a Mangle program that derives rule bodies,
// inline evidence and the rule templates to ground.
type Model struct {
	Predicates   []PredicateDecl `yaml:"predicates"`
	Program      string          `yaml:"program"`
	Observations []AtomValue     `yaml:"observations"`
	Targets      []AtomValue     `yaml:"targets"`
	Rules        []RuleTemplate      `yaml:"rules"`
}

// PredicateDecl declares an atom predicate. Closed predicates are fully observed.
type PredicateDecl struct {
	Name   string `yaml:"name"`
	Arity  int    `yaml:"arity"`
	Closed bool   `yaml:"closed"`
}

// AtomValue is an atom in key form, e.g. "friend(alice, bob)", with a value.
type AtomValue struct {
	Atom  string  `yaml:"atom"`
	Value float64 `yaml:"value"`
}

// RuleTemplate is a rule template. Body names a Mangle predicate whose tuples bind
// Variables positionally; each tuple grounds
//
//	sum_i coefficient_i * atom_i <comparator> constant
//
// A rule without a weight is a hard constraint.
type RuleTemplate struct {
	Name       string         `yaml:"name"`
	Body       string         `yaml:"body"`
	Variables  []string       `yaml:"variables"`
	Terms      []TermTemplate `yaml:"terms"`
	Comparator string         `yaml:"comparator"`
	Constant   string         `yaml:"constant"`
	Weight     *float64       `yaml:"weight"`
	Squared    bool           `yaml:"squared"`
}

// TermTemplate is one summand of a rule. Coefficient is an expression over the
// rule's variables; Atom is a pattern such as "votes(A, P)".
type TermTemplate struct {
	Coefficient string `yaml:"coefficient"`
	Atom        string `yaml:"atom"`
}

// LoadModel reads and validates a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return ParseModel(data)
}

// ParseModel decodes and validates a model file.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks names, arities and rule shapes. Expressions are checked
// when a Grounder compiles them.
func (m *Model) Validate() error {
	arity := make(map[string]int, len(m.Predicates))
	for _, p := range m.Predicates {
		if p.Name == "" || p.Arity <= 0 {
			return fmt.Errorf("%w: predicate %q needs a name and a positive arity", ErrInvalidModel, p.Name)
		}
		if _, dup := arity[p.Name]; dup {
			return fmt.Errorf("%w: predicate %q declared twice", ErrInvalidModel, p.Name)
		}
		arity[p.Name] = p.Arity
	}

	checkAtom := func(where, s string) error {
		pred, args, err := ParseAtom(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidModel, where, err)
		}
		n, ok := arity[pred]
		if !ok {
			return fmt.Errorf("%w: %s: undeclared predicate %q", ErrInvalidModel, where, pred)
		}
		if n != len(args) {
			return fmt.Errorf("%w: %s: %s expects %d args, got %d", ErrInvalidModel, where, pred, n, len(args))
		}
		return nil
	}

	for _, o := range m.Observations {
		if err := checkAtom("observation", o.Atom); err != nil {
			return err
		}
	}
	for _, t := range m.Targets {
		if err := checkAtom("target", t.Atom); err != nil {
			return err
		}
	}

	names := make(map[string]bool, len(m.Rules))
	for _, r := range m.Rules {
		if r.Name == "" || names[r.Name] {
			return fmt.Errorf("%w: rule names must be unique and non-empty, got %q", ErrInvalidModel, r.Name)
		}
		names[r.Name] = true

		if r.Body == "" {
			return fmt.Errorf("%w: rule %s has no body", ErrInvalidModel, r.Name)
		}
		if len(r.Terms) == 0 {
			return fmt.Errorf("%w: rule %s has no terms", ErrInvalidModel, r.Name)
		}
		cmp, err := model.ParseComparator(r.Comparator)
		if err != nil {
			return fmt.Errorf("%w: rule %s: %v", ErrInvalidModel, r.Name, err)
		}
		if r.Weight == nil && cmp == model.ComparatorNone {
			return fmt.Errorf("%w: constraint %s needs a comparator", ErrInvalidModel, r.Name)
		}
		if r.Weight != nil && *r.Weight < 0 {
			return fmt.Errorf("%w: rule %s has negative weight %g", ErrInvalidModel, r.Name, *r.Weight)
		}

		vars := make(map[string]bool, len(r.Variables))
		for _, v := range r.Variables {
			if !IsVariable(v) || vars[v] {
				return fmt.Errorf("%w: rule %s: bad or repeated variable %q", ErrInvalidModel, r.Name, v)
			}
			vars[v] = true
		}
		for _, t := range r.Terms {
			if err := checkAtom("rule "+r.Name, t.Atom); err != nil {
				return err
			}
			_, args, quoted, _ := splitAtom(t.Atom)
			for i, a := range args {
				if !quoted[i] && IsVariable(a) && !vars[a] {
					return fmt.Errorf("%w: rule %s: variable %s is not bound by the body", ErrInvalidModel, r.Name, a)
				}
			}
		}
	}
	return nil
}

// Database builds an atom database holding the declared predicates and the
// inline observations and targets.
func (m *Model) Database() (*model.Database, error) {
	db := model.NewDatabase()
	for _, p := range m.Predicates {
		db.DeclarePredicate(model.Predicate{Name: p.Name, Arity: p.Arity, Closed: p.Closed})
	}
	for _, o := range m.Observations {
		pred, args, err := ParseAtom(o.Atom)
		if err != nil {
			return nil, err
		}
		if _, err := db.Observe(pred, args, o.Value); err != nil {
			return nil, err
		}
	}
	for _, t := range m.Targets {
		pred, args, err := ParseAtom(t.Atom)
		if err != nil {
			return nil, err
		}
		if _, err := db.Target(pred, args, t.Value); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ParseAtom splits "pred(a, b)" into its predicate and arguments. Arguments may
// be double-quoted.
func ParseAtom(s string) (string, []string, error) {
	pred, args, _, err := splitAtom(s)
	return pred, args, err
}

// splitAtom is ParseAtom that also reports which arguments were quoted.
// Quoted arguments are always constants.
func splitAtom(s string) (string, []string, []bool, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, nil, fmt.Errorf("malformed atom %q", s)
	}

	pred := strings.TrimSpace(s[:open])
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return "", nil, nil, fmt.Errorf("atom %q has no arguments", s)
	}

	parts := strings.Split(inner, ",")
	args := make([]string, len(parts))
	quoted := make([]bool, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
			p = p[1 : len(p)-1]
			quoted[i] = true
		}
		if p == "" {
			return "", nil, nil, fmt.Errorf("atom %q has an empty argument", s)
		}
		args[i] = p
	}
	return pred, args, quoted, nil
}

// IsVariable reports whether a pattern argument is a variable: an identifier
// starting with an upper-case letter.
func IsVariable(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsUpper(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
