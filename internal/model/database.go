package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownPredicate is returned when an atom references an undeclared predicate.
	ErrUnknownPredicate = errors.New("unknown predicate")
	// ErrArity is returned when an atom has the wrong number of arguments.
	ErrArity = errors.New("arity mismatch")
)

// Predicate declares a relation. Closed predicates are fully observed: atoms not
// present in the database are false. Open predicates are inferred: missing atoms
// become targets with value zero.
type Predicate struct {
	Name   string
	Arity  int
	Closed bool
}

// Database is the in-memory atom set for one inference. It is safe for concurrent use.
type Database struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
	atoms      map[string]*Atom
	order      []*Atom
}

// NewDatabase creates a database over the given predicates.
func NewDatabase(predicates ...Predicate) *Database {
	db := &Database{
		predicates: make(map[string]Predicate, len(predicates)),
		atoms:      make(map[string]*Atom),
	}
	for _, p := range predicates {
		db.predicates[p.Name] = p
	}
	return db
}

// DeclarePredicate adds or replaces a predicate declaration.
func (db *Database) DeclarePredicate(p Predicate) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.predicates[p.Name] = p
}

// Predicate looks up a declaration.
func (db *Database) Predicate(name string) (Predicate, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.predicates[name]
	return p, ok
}

// Predicates returns all declarations sorted by name.
func (db *Database) Predicates() []Predicate {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]Predicate, 0, len(db.predicates))
	for _, p := range db.predicates {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Observe records an evidence atom. Atoms of closed predicates are always observed.
func (db *Database) Observe(predicate string, args []string, value float64) (*Atom, error) {
	return db.put(predicate, args, value, true)
}

// Target records an atom to infer, seeded with the given value.
func (db *Database) Target(predicate string, args []string, value float64) (*Atom, error) {
	return db.put(predicate, args, value, false)
}

func (db *Database) put(predicate string, args []string, value float64, observed bool) (*Atom, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	p, err := db.checkLocked(predicate, args)
	if err != nil {
		return nil, err
	}
	if p.Closed {
		observed = true
	}

	key := AtomKey(predicate, args)
	if existing, ok := db.atoms[key]; ok {
		existing.SetValue(value)
		existing.Observed = observed
		return existing, nil
	}

	atom := NewAtom(predicate, args, value, observed)
	db.atoms[key] = atom
	db.order = append(db.order, atom)
	return atom, nil
}

// Resolve returns the atom for predicate(args). Missing atoms are created as
// observed zeros for closed predicates and as zero-valued targets for open ones.
func (db *Database) Resolve(predicate string, args []string) (*Atom, error) {
	key := AtomKey(predicate, args)

	db.mu.RLock()
	atom, ok := db.atoms[key]
	db.mu.RUnlock()
	if ok {
		return atom, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if atom, ok := db.atoms[key]; ok {
		return atom, nil
	}
	p, err := db.checkLocked(predicate, args)
	if err != nil {
		return nil, err
	}
	atom = NewAtom(predicate, args, 0, p.Closed)
	db.atoms[key] = atom
	db.order = append(db.order, atom)
	return atom, nil
}

func (db *Database) checkLocked(predicate string, args []string) (Predicate, error) {
	p, ok := db.predicates[predicate]
	if !ok {
		return Predicate{}, fmt.Errorf("%w: %s", ErrUnknownPredicate, predicate)
	}
	if p.Arity != len(args) {
		return Predicate{}, fmt.Errorf("%w: %s expects %d args, got %d", ErrArity, predicate, p.Arity, len(args))
	}
	return p, nil
}

// Lookup returns an existing atom by key.
func (db *Database) Lookup(key string) (*Atom, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	atom, ok := db.atoms[key]
	return atom, ok
}

// Atoms returns every atom in insertion order.
func (db *Database) Atoms() []*Atom {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]*Atom(nil), db.order...)
}

// Targets returns the unobserved atoms in insertion order.
func (db *Database) Targets() []*Atom {
	return db.filter(false)
}

// Observed returns the evidence atoms in insertion order.
func (db *Database) Observed() []*Atom {
	return db.filter(true)
}

func (db *Database) filter(observed bool) []*Atom {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*Atom
	for _, atom := range db.order {
		if atom.Observed == observed {
			out = append(out, atom)
		}
	}
	return out
}

// Size returns the number of atoms.
func (db *Database) Size() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.order)
}
