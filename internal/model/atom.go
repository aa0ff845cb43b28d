// Package model holds the atoms and ground rules that the reasoner consumes.
// Atoms are the external variables of inference; ground rules are the fully
// instantiated rules that produce objective terms.
package model

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// AtomVariable is the value holder the reasoner reads from and writes to.
// Implementations must have a stable identity: the same pointer must be used for
// the same atom for the lifetime of a term store, and Hash must not change.
type AtomVariable interface {
	Value() float64
	SetValue(v float64)
	Hash() uint64
	String() string
}

// Atom is a predicate applied to constant arguments with a truth value in [0, 1].
// Observed atoms are evidence and are folded into rule constants during grounding;
// unobserved (target) atoms become consensus variables.
type Atom struct {
	Predicate string
	Args      []string
	Observed  bool

	key   string
	hash  uint64
	value atomic.Uint64
}

// NewAtom creates an atom with the given initial value.
func NewAtom(predicate string, args []string, value float64, observed bool) *Atom {
	a := &Atom{
		Predicate: predicate,
		Args:      append([]string(nil), args...),
		Observed:  observed,
	}
	a.key = AtomKey(predicate, args)
	a.hash = xxhash.Sum64String(a.key)
	a.value.Store(math.Float64bits(value))
	return a
}

// AtomKey returns the canonical string form used to index atoms, e.g. "votes(alice, red)".
func AtomKey(predicate string, args []string) string {
	return fmt.Sprintf("%s(%s)", predicate, strings.Join(args, ", "))
}

// Value returns the current truth value.
func (a *Atom) Value() float64 {
	return math.Float64frombits(a.value.Load())
}

// SetValue overwrites the truth value.
func (a *Atom) SetValue(v float64) {
	a.value.Store(math.Float64bits(v))
}

// Hash returns a hash of the atom's key. It is identical across runs.
func (a *Atom) Hash() uint64 {
	return a.hash
}

// Key returns the canonical key of the atom.
func (a *Atom) Key() string {
	return a.key
}

func (a *Atom) String() string {
	return a.key
}
