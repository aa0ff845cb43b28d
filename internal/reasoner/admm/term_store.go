package admm

import (
	"cmp"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"mapnerd/internal/logging"
	"mapnerd/internal/model"
	"mapnerd/internal/reasoner/term"
)

// DefaultSeed seeds the generator used by InitialValueRandom.
const DefaultSeed uint64 = 4

// TermStore wraps a term store and maps every atom that appears in a term to a
// dense global id. Each global id has the list of local variables copying it.
type TermStore struct {
	store term.Store[ObjectiveTerm]

	mu              sync.Mutex
	variableIndexes map[model.AtomVariable]int
	atoms           []model.AtomVariable
	localVariables  [][]*LocalVariable
	numLocals       int
	globalPerm      term.Permutation
	rng             *rand.Rand
	closed          atomic.Bool
}

// NewTermStore wraps store. seed feeds the generator behind InitialValueRandom.
func NewTermStore(store term.Store[ObjectiveTerm], seed uint64) *TermStore {
	return &TermStore{
		store:           store,
		variableIndexes: make(map[model.AtomVariable]int),
		globalPerm:      term.Identity(0),
		rng:             rand.New(rand.NewPCG(seed, seed)),
	}
}

// NewMemoryTermStore is NewTermStore over a memory store of initialSize.
func NewMemoryTermStore(initialSize int) *TermStore {
	return NewTermStore(term.NewMemoryStore[ObjectiveTerm](initialSize), DefaultSeed)
}

// CreateLocalVariable registers a new local copy of atom, assigning the atom the
// next global id the first time it is seen. The local starts at the atom's
// current value with a zero multiplier.
func (s *TermStore) CreateLocalVariable(atom model.AtomVariable) *LocalVariable {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.variableIndexes[atom]
	if !ok {
		id = len(s.atoms)
		s.variableIndexes[atom] = id
		s.atoms = append(s.atoms, atom)
		s.localVariables = append(s.localVariables, nil)
	}

	local := &LocalVariable{GlobalID: id, Value: atom.Value(), atomHash: atom.Hash()}
	s.localVariables[id] = append(s.localVariables[id], local)
	s.numLocals++
	return local
}

// NumGlobalVariables returns the number of distinct atoms.
func (s *TermStore) NumGlobalVariables() int {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.atoms)
}

// NumLocalVariables returns the number of local variables across all globals.
func (s *TermStore) NumLocalVariables() int {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numLocals
}

// LocalVariables returns the locals of global id g. The slice is shared; callers
// must not modify it. It does not lock, so it must not race with
// CreateLocalVariable or Sort.
func (s *TermStore) LocalVariables(g int) []*LocalVariable {
	s.checkOpen()
	if g < 0 || g >= len(s.localVariables) {
		panic(fmt.Sprintf("global id %d out of range [0, %d)", g, len(s.localVariables)))
	}
	return s.localVariables[g]
}

// Atom returns the atom behind global id g.
func (s *TermStore) Atom(g int) model.AtomVariable {
	s.checkOpen()
	if g < 0 || g >= len(s.atoms) {
		panic(fmt.Sprintf("global id %d out of range [0, %d)", g, len(s.atoms)))
	}
	return s.atoms[g]
}

// GlobalID returns the id assigned to atom.
func (s *TermStore) GlobalID(atom model.AtomVariable) (int, bool) {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.variableIndexes[atom]
	return id, ok
}

// GlobalPermutation returns the permutation applied by the last SortGlobals.
func (s *TermStore) GlobalPermutation() term.Permutation {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalPerm
}

// PushToAtoms writes consensus[g] into the atom of every global id.
func (s *TermStore) PushToAtoms(consensus []float64) {
	s.checkOpen()
	if len(consensus) < len(s.atoms) {
		panic(fmt.Sprintf("consensus has %d values for %d globals", len(consensus), len(s.atoms)))
	}
	for g, atom := range s.atoms {
		atom.SetValue(consensus[g])
	}
}

// PullFromAtoms copies every atom's value into out[g].
func (s *TermStore) PullFromAtoms(out []float64) {
	s.checkOpen()
	if len(out) < len(s.atoms) {
		panic(fmt.Sprintf("buffer has %d slots for %d globals", len(out), len(s.atoms)))
	}
	for g, atom := range s.atoms {
		out[g] = atom.Value()
	}
}

// ResetLocalVariables sets every local value by strategy and zeroes every
// multiplier. An unknown strategy returns ErrUnknownInitialValue and leaves the
// locals untouched.
func (s *TermStore) ResetLocalVariables(initial InitialValue) error {
	s.checkOpen()
	if !initial.valid() {
		return fmt.Errorf("reset local variables: %w: %d", ErrUnknownInitialValue, int(initial))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for g, locals := range s.localVariables {
		for _, local := range locals {
			switch initial {
			case InitialValueZero:
				local.Value = 0
			case InitialValueRandom:
				local.Value = s.rng.Float64()
			case InitialValueAtom:
				local.Value = s.atoms[g].Value()
			}
			local.Lagrange = 0
		}
	}
	return nil
}

// ResetLocalVariablesDefault resets with DefaultInitialValue.
func (s *TermStore) ResetLocalVariablesDefault() error {
	return s.ResetLocalVariables(DefaultInitialValue)
}

// Sort sorts the terms and then the global ids. It returns the term permutation;
// the global permutation is available from GlobalPermutation.
func (s *TermStore) Sort() term.Permutation {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()

	perm := s.store.Sort()
	s.sortGlobals()
	return perm
}

// SortGlobals reassigns global ids in atom hash order and rewrites every local
// variable to match.
func (s *TermStore) SortGlobals() term.Permutation {
	s.checkOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortGlobals()
}

func (s *TermStore) sortGlobals() term.Permutation {
	timer := logging.StartTimer(logging.CategoryTermStore, "global sort")
	defer timer.Stop()

	order := make([]int, len(s.atoms))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(s.atoms[a].Hash(), s.atoms[b].Hash()); c != 0 {
			return c
		}
		if c := strings.Compare(s.atoms[a].String(), s.atoms[b].String()); c != 0 {
			return c
		}
		return a - b
	})
	perm := term.NewPermutation(order)

	atoms := make([]model.AtomVariable, len(order))
	for newID, old := range order {
		atoms[newID] = s.atoms[old]
		s.variableIndexes[atoms[newID]] = newID
	}

	// Every registered local is rewritten exactly once, from its own list.
	for old, locals := range s.localVariables {
		for _, local := range locals {
			local.GlobalID = perm.New(old)
		}
	}

	// Rebuild the back references in term order so they do not depend on the
	// order locals were created in.
	rebuilt := make([][]*LocalVariable, len(order))
	count := 0
	for t := range s.store.Iterator() {
		for _, local := range t.Variables() {
			rebuilt[local.GlobalID] = append(rebuilt[local.GlobalID], local)
			count++
		}
	}
	if count != s.numLocals {
		// Some locals belong to no stored term; keep creation order.
		logging.Get(logging.CategoryTermStore).Warn("%d of %d local variables are not in any term", s.numLocals-count, s.numLocals)
		rebuilt = make([][]*LocalVariable, len(order))
		for old, locals := range s.localVariables {
			rebuilt[perm.New(old)] = locals
		}
	}

	s.atoms = atoms
	s.localVariables = rebuilt
	s.globalPerm = perm

	logging.TermStoreDebug("sorted %d globals with %d locals", len(atoms), s.numLocals)
	return perm
}

// Add stores t as produced by rule.
func (s *TermStore) Add(rule model.GroundRule, t ObjectiveTerm) {
	s.store.Add(rule, t)
}

// Get returns the term at index.
func (s *TermStore) Get(index int) ObjectiveTerm {
	return s.store.Get(index)
}

// Size returns the number of terms.
func (s *TermStore) Size() int {
	return s.store.Size()
}

// EnsureCapacity reserves room for n terms.
func (s *TermStore) EnsureCapacity(n int) {
	s.store.EnsureCapacity(n)
}

// Iterator yields the terms in current order.
func (s *TermStore) Iterator() iter.Seq[ObjectiveTerm] {
	return s.store.Iterator()
}

// UpdateWeight pushes rule's weight to its terms.
func (s *TermStore) UpdateWeight(rule model.WeightedGroundRule) error {
	return s.store.UpdateWeight(rule)
}

// TermIndices returns the indices of the terms rule produced.
func (s *TermStore) TermIndices(rule model.WeightedGroundRule) ([]int, error) {
	return s.store.TermIndices(rule)
}

// Clear drops every term and every global; the store can be reused.
func (s *TermStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	s.store.Clear()
	clear(s.variableIndexes)
	clear(s.atoms)
	s.atoms = s.atoms[:0]
	s.localVariables = nil
	s.numLocals = 0
	s.globalPerm = term.Identity(0)
}

// Close clears the store and closes the inner term store. Every later call
// except Clear and Close panics with term.ErrClosed.
func (s *TermStore) Close() {
	s.Clear()
	if s.closed.Swap(true) {
		return
	}
	s.store.Close()
}

func (s *TermStore) checkOpen() {
	if s.closed.Load() {
		panic(term.ErrClosed)
	}
}
