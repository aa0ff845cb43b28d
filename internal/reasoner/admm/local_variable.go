package admm

import "fmt"

// LocalVariable is one term's copy of a consensus variable together with its
// Lagrange multiplier. It is owned by the term that holds it; the term store keeps
// a non-owning reference per global id for the consensus and dual updates.
type LocalVariable struct {
	GlobalID int
	Value    float64
	Lagrange float64

	atomHash uint64
}

// NewLocalVariable creates a detached local variable. Terms built from grounding
// get theirs from TermStore.CreateLocalVariable instead.
func NewLocalVariable(globalID int, value float64) *LocalVariable {
	return &LocalVariable{GlobalID: globalID, Value: value}
}

// AtomHash is the hash of the atom this variable copies. Unlike GlobalID it does
// not change when globals are reordered, so terms hash through it.
func (v *LocalVariable) AtomHash() uint64 {
	return v.atomHash
}

func (v *LocalVariable) String() string {
	return fmt.Sprintf("local(g=%d, x=%g, y=%g)", v.GlobalID, v.Value, v.Lagrange)
}
