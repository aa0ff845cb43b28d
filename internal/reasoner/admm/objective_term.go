package admm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"mapnerd/internal/reasoner/term"
)

// ObjectiveTerm is one convex piece of the objective. Minimize solves the term's
// proximal problem
//
//	argmin_x  w*L(x) + (stepSize/2) * sum_i (x_i - z_i + y_i/stepSize)^2
//
// in closed form and writes x into the term's local variables. Minimize only
// touches the term's own variables and reads consensus, so distinct terms can be
// minimized in parallel.
type ObjectiveTerm interface {
	term.Term
	Minimize(stepSize float64, consensus []float64)
	Variables() []*LocalVariable
	// Evaluate returns the weighted loss (or, for constraints, the violation)
	// at the given consensus values.
	Evaluate(consensus []float64) float64
}

type termKind uint8

const (
	kindLinearLoss termKind = iota + 1
	kindHingeLoss
	kindSquaredHingeLoss
	kindSquaredLinearLoss
	kindLinearConstraint
)

// linearForm is sum_i coefficients[i]*x_i compared against constant.
type linearForm struct {
	variables    []*LocalVariable
	coefficients []float64
	constant     float64
	normSq       float64
	hash         uint64
}

func newLinearForm(kind termKind, tag uint8, variables []*LocalVariable, coefficients []float64, constant float64) linearForm {
	if len(variables) != len(coefficients) {
		panic(fmt.Sprintf("objective term: %d variables but %d coefficients", len(variables), len(coefficients)))
	}

	f := linearForm{
		variables:    append([]*LocalVariable(nil), variables...),
		coefficients: append([]float64(nil), coefficients...),
		constant:     constant,
	}
	for _, c := range f.coefficients {
		f.normSq += c * c
	}

	d := xxhash.New()
	var buf [8]byte
	_, _ = d.Write([]byte{byte(kind), tag})
	for i, v := range f.variables {
		binary.LittleEndian.PutUint64(buf[:], v.atomHash)
		_, _ = d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f.coefficients[i]))
		_, _ = d.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(constant))
	_, _ = d.Write(buf[:])
	f.hash = d.Sum64()

	return f
}

// requireDirection panics for forms whose projection would divide by zero.
func (f *linearForm) requireDirection(name string) {
	if f.normSq == 0 {
		panic(fmt.Sprintf("%s: coefficients must not all be zero", name))
	}
}

// Variables returns the term's local variables.
func (f *linearForm) Variables() []*LocalVariable {
	return f.variables
}

// Coefficients returns the term's coefficients, parallel to Variables.
func (f *linearForm) Coefficients() []float64 {
	return f.coefficients
}

// Constant returns the right-hand side of the form.
func (f *linearForm) Constant() float64 {
	return f.constant
}

// Hash depends on atoms, coefficients and constant, never on global ids or weight.
func (f *linearForm) Hash() uint64 {
	return f.hash
}

// startAtConsensus sets every variable to z - y/stepSize and returns the
// form's value there.
func (f *linearForm) startAtConsensus(stepSize float64, consensus []float64) float64 {
	value := 0.0
	for i, v := range f.variables {
		v.Value = consensus[v.GlobalID] - v.Lagrange/stepSize
		value += f.coefficients[i] * v.Value
	}
	return value
}

// project moves the variables from a point where the form equals value onto the
// hyperplane where it equals the constant.
func (f *linearForm) project(value float64) {
	scale := (value - f.constant) / f.normSq
	for i, v := range f.variables {
		v.Value -= scale * f.coefficients[i]
	}
}

func (f *linearForm) valueAt(consensus []float64) float64 {
	value := 0.0
	for i, v := range f.variables {
		value += f.coefficients[i] * consensus[v.GlobalID]
	}
	return value
}

// weight is embedded by the weighted variants.
type weight struct {
	w float64
}

// Weight returns the current weight.
func (w *weight) Weight() float64 {
	return w.w
}

// SetWeight overwrites the weight; the term store calls this from UpdateWeight.
func (w *weight) SetWeight(v float64) {
	w.w = v
}
