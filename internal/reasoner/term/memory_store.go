package term

import (
	"encoding/binary"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"mapnerd/internal/logging"
	"mapnerd/internal/model"
)

// DefaultInitialSize is the capacity a memory store starts with.
const DefaultInitialSize = 5000

// MemoryStore keeps every term in a slice. Add is guarded by a single mutex;
// everything else assumes grounding has finished.
type MemoryStore[T Term] struct {
	mu     sync.Mutex
	terms  []T
	owners []model.GroundRule

	// Only weighted rules with weighted terms are indexed. A ground rule may
	// produce more than one term.
	ruleIndex map[model.WeightedGroundRule][]int

	closed atomic.Bool
}

// NewMemoryStore creates a store with room for initialSize terms.
func NewMemoryStore[T Term](initialSize int) *MemoryStore[T] {
	if initialSize < 0 {
		initialSize = 0
	}
	return &MemoryStore[T]{
		terms:     make([]T, 0, initialSize),
		owners:    make([]model.GroundRule, 0, initialSize),
		ruleIndex: make(map[model.WeightedGroundRule][]int, initialSize),
	}
}

func (s *MemoryStore[T]) checkOpen() {
	if s.closed.Load() {
		panic(ErrClosed)
	}
}

// Add appends t and records its index under rule when both are weighted.
func (s *MemoryStore[T]) Add(rule model.GroundRule, t T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()

	if weighted, ok := rule.(model.WeightedGroundRule); ok {
		if _, ok := any(t).(WeightedTerm); ok {
			s.ruleIndex[weighted] = append(s.ruleIndex[weighted], len(s.terms))
		}
	}

	s.terms = append(s.terms, t)
	s.owners = append(s.owners, rule)
}

// Get returns the term at index.
func (s *MemoryStore[T]) Get(index int) T {
	s.checkOpen()
	if index < 0 || index >= len(s.terms) {
		panic(fmt.Sprintf("term index %d out of range [0, %d)", index, len(s.terms)))
	}
	return s.terms[index]
}

// Size returns the number of terms.
func (s *MemoryStore[T]) Size() int {
	s.checkOpen()
	return len(s.terms)
}

// EnsureCapacity reserves room for at least n terms.
func (s *MemoryStore[T]) EnsureCapacity(n int) {
	if n < 0 {
		panic(fmt.Sprintf("negative term store capacity: %d", n))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()

	if n == 0 {
		return
	}
	if extra := n - len(s.terms); extra > 0 {
		s.terms = slices.Grow(s.terms, extra)
	}
	if extra := n - len(s.owners); extra > 0 {
		s.owners = slices.Grow(s.owners, extra)
	}

	// A map can't grow in place; reallocate only while it is still empty.
	if len(s.ruleIndex) == 0 {
		s.ruleIndex = make(map[model.WeightedGroundRule][]int, n)
	}
}

// Iterator yields terms in current order.
func (s *MemoryStore[T]) Iterator() iter.Seq[T] {
	s.checkOpen()
	return func(yield func(T) bool) {
		for _, t := range s.terms {
			if !yield(t) {
				return
			}
		}
	}
}

// UpdateWeight sets the rule's current weight on every term it produced.
func (s *MemoryStore[T]) UpdateWeight(rule model.WeightedGroundRule) error {
	s.checkOpen()

	indices, ok := s.ruleIndex[rule]
	if !ok {
		return fmt.Errorf("update weight: %w", ErrRuleNotFound)
	}

	weight := rule.Weight()
	for _, index := range indices {
		any(s.terms[index]).(WeightedTerm).SetWeight(weight)
	}
	return nil
}

// TermIndices returns a copy of the indices produced by rule.
func (s *MemoryStore[T]) TermIndices(rule model.WeightedGroundRule) ([]int, error) {
	s.checkOpen()

	indices, ok := s.ruleIndex[rule]
	if !ok {
		return nil, fmt.Errorf("term indices: %w", ErrRuleNotFound)
	}
	return slices.Clone(indices), nil
}

// Owner returns the ground rule that produced the term at index.
func (s *MemoryStore[T]) Owner(index int) model.GroundRule {
	s.checkOpen()
	return s.owners[index]
}

type sortEntry struct {
	key      uint64
	ruleHash uint64
	termHash uint64
	old      int
}

// SortKey combines a rule hash and a term hash into the primary sort key.
// Several terms of one rule, and identical terms of different rules, get
// different keys.
func SortKey(ruleHash, termHash uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], ruleHash)
	binary.LittleEndian.PutUint64(buf[8:], termHash)
	return xxhash.Sum64(buf[:])
}

// Sort orders terms by SortKey, then rule hash, then term hash. Terms equal on
// all three are indistinguishable and keep their relative position.
// The returned permutation has already been applied to the rule index.
func (s *MemoryStore[T]) Sort() Permutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()

	timer := logging.StartTimer(logging.CategoryTermStore, "term sort")
	defer timer.Stop()

	entries := make([]sortEntry, len(s.terms))
	for i, t := range s.terms {
		var ruleHash uint64
		if s.owners[i] != nil {
			ruleHash = s.owners[i].Hash()
		}
		termHash := t.Hash()
		entries[i] = sortEntry{
			key:      SortKey(ruleHash, termHash),
			ruleHash: ruleHash,
			termHash: termHash,
			old:      i,
		}
	}

	slices.SortFunc(entries, func(a, b sortEntry) int {
		switch {
		case a.key != b.key:
			return cmpUint64(a.key, b.key)
		case a.ruleHash != b.ruleHash:
			return cmpUint64(a.ruleHash, b.ruleHash)
		case a.termHash != b.termHash:
			return cmpUint64(a.termHash, b.termHash)
		default:
			return a.old - b.old
		}
	})

	newOrder := make([]int, len(entries))
	for newIndex, e := range entries {
		newOrder[newIndex] = e.old
	}
	perm := NewPermutation(newOrder)

	terms := make([]T, len(s.terms), cap(s.terms))
	owners := make([]model.GroundRule, len(s.owners), cap(s.owners))
	for newIndex, old := range newOrder {
		terms[newIndex] = s.terms[old]
		owners[newIndex] = s.owners[old]
	}
	s.terms = terms
	s.owners = owners

	for _, indices := range s.ruleIndex {
		for i, old := range indices {
			indices[i] = perm.New(old)
		}
		slices.Sort(indices)
	}

	logging.TermStoreDebug("sorted %d terms across %d weighted rules", len(s.terms), len(s.ruleIndex))
	return perm
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

// Clear drops all terms and rule indices. The store stays usable.
func (s *MemoryStore[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	clear(s.terms)
	s.terms = s.terms[:0]
	clear(s.owners)
	s.owners = s.owners[:0]
	clear(s.ruleIndex)
}

// Close clears the store and makes further use panic.
func (s *MemoryStore[T]) Close() {
	s.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
	s.terms = nil
	s.owners = nil
	s.ruleIndex = nil
}

// RuleCount returns the number of indexed weighted rules.
func (s *MemoryStore[T]) RuleCount() int {
	s.checkOpen()
	return len(s.ruleIndex)
}
