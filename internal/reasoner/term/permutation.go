package term

import "fmt"

// Permutation maps old positions to new positions. It is always total over [0, Len()).
type Permutation struct {
	oldToNew []int
}

// NewPermutation builds a permutation from newOrder, where newOrder[newIndex] = oldIndex.
// It panics if newOrder is not a permutation of [0, len(newOrder)).
func NewPermutation(newOrder []int) Permutation {
	oldToNew := make([]int, len(newOrder))
	for i := range oldToNew {
		oldToNew[i] = -1
	}
	for newIndex, oldIndex := range newOrder {
		if oldIndex < 0 || oldIndex >= len(newOrder) || oldToNew[oldIndex] != -1 {
			panic(fmt.Sprintf("invalid permutation: old index %d at position %d", oldIndex, newIndex))
		}
		oldToNew[oldIndex] = newIndex
	}
	return Permutation{oldToNew: oldToNew}
}

// Identity returns the permutation that leaves n positions in place.
func Identity(n int) Permutation {
	oldToNew := make([]int, n)
	for i := range oldToNew {
		oldToNew[i] = i
	}
	return Permutation{oldToNew: oldToNew}
}

// Len returns the number of positions.
func (p Permutation) Len() int {
	return len(p.oldToNew)
}

// New returns the new position of old.
func (p Permutation) New(old int) int {
	return p.oldToNew[old]
}

// Inverse returns the new-to-old mapping as a permutation.
func (p Permutation) Inverse() Permutation {
	inv := make([]int, len(p.oldToNew))
	for old, n := range p.oldToNew {
		inv[n] = old
	}
	return Permutation{oldToNew: inv}
}

// IsIdentity reports whether nothing moved.
func (p Permutation) IsIdentity() bool {
	for old, n := range p.oldToNew {
		if old != n {
			return false
		}
	}
	return true
}

// Map returns the old-to-new mapping as a map.
func (p Permutation) Map() map[int]int {
	out := make(map[int]int, len(p.oldToNew))
	for old, n := range p.oldToNew {
		out[old] = n
	}
	return out
}
