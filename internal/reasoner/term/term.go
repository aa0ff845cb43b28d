// Package term stores the objective terms produced by grounding.
//
// A Store is an ordered, indexable collection of terms plus a secondary index
// from weighted ground rule to the term indices it produced. The index lets a
// weight-learning loop push a new rule weight to all of the rule's terms without
// grounding again. Sort gives the collection a total order that does not depend on
// the order grounding workers happened to add terms in.
package term

import (
	"errors"
	"iter"

	"mapnerd/internal/model"
)

var (
	// ErrRuleNotFound is returned for a weighted rule that never produced a term.
	ErrRuleNotFound = errors.New("ground rule has no terms in store")
	// ErrClosed is the panic value for operations on a closed store.
	ErrClosed = errors.New("term store is closed")
	// ErrUnknownStore is returned by NewStore for an unregistered kind.
	ErrUnknownStore = errors.New("unknown term store kind")
)

// Term is the minimum a stored term provides. Hash must be stable across runs and
// must not depend on global variable ids.
type Term interface {
	Hash() uint64
}

// WeightedTerm is a term whose influence is scaled by its rule's weight.
type WeightedTerm interface {
	Term
	Weight() float64
	SetWeight(w float64)
}

// Store is an ordered collection of terms.
//
// Add must be safe for concurrent use. Sort requires exclusive access: no Add or
// iteration may be in flight.
type Store[T Term] interface {
	// Add appends a term; weighted rules with weighted terms are indexed for UpdateWeight.
	Add(rule model.GroundRule, t T)
	// Get panics if index is outside [0, Size()).
	Get(index int) T
	Size() int
	// EnsureCapacity panics for negative n and never shrinks.
	EnsureCapacity(n int)
	// Iterator yields live terms in current order. It can be ranged over repeatedly.
	Iterator() iter.Seq[T]
	// UpdateWeight copies rule.Weight() into every term the rule produced.
	UpdateWeight(rule model.WeightedGroundRule) error
	// TermIndices returns a copy of the indices the rule produced.
	TermIndices(rule model.WeightedGroundRule) ([]int, error)
	// Sort reorders terms deterministically and returns the applied permutation.
	Sort() Permutation
	Clear()
	Close()
}
