package admm

import "math"

// LinearLossTerm is w * c.x.
type LinearLossTerm struct {
	linearForm
	weight
}

// NewLinearLossTerm builds a linear loss term. It panics if the variable and
// coefficient counts differ.
func NewLinearLossTerm(variables []*LocalVariable, coefficients []float64, w float64) *LinearLossTerm {
	return &LinearLossTerm{
		linearForm: newLinearForm(kindLinearLoss, 0, variables, coefficients, 0),
		weight:     weight{w: w},
	}
}

// Minimize sets x = z - y/rho - w*c/rho.
func (t *LinearLossTerm) Minimize(stepSize float64, consensus []float64) {
	for i, v := range t.variables {
		v.Value = consensus[v.GlobalID] - v.Lagrange/stepSize - t.w*t.coefficients[i]/stepSize
	}
}

// Evaluate returns w * c.z.
func (t *LinearLossTerm) Evaluate(consensus []float64) float64 {
	return t.w * t.valueAt(consensus)
}

// HingeLossTerm is w * max(0, c.x - b).
type HingeLossTerm struct {
	linearForm
	weight
}

// NewHingeLossTerm builds a hinge loss term. It panics if the counts differ or
// every coefficient is zero.
func NewHingeLossTerm(variables []*LocalVariable, coefficients []float64, constant, w float64) *HingeLossTerm {
	t := &HingeLossTerm{
		linearForm: newLinearForm(kindHingeLoss, 0, variables, coefficients, constant),
		weight:     weight{w: w},
	}
	t.requireDirection("hinge loss term")
	return t
}

// Minimize tries the zero-loss side, then the linear side, and otherwise
// projects onto the hinge c.x = b.
func (t *HingeLossTerm) Minimize(stepSize float64, consensus []float64) {
	value := t.startAtConsensus(stepSize, consensus)
	if value <= t.constant {
		return
	}

	// On the linear side the step moves c.x by -w*||c||^2/rho.
	linear := value - t.w*t.normSq/stepSize
	if linear >= t.constant {
		for i, v := range t.variables {
			v.Value -= t.w * t.coefficients[i] / stepSize
		}
		return
	}

	t.project(value)
}

// Evaluate returns w * max(0, c.z - b).
func (t *HingeLossTerm) Evaluate(consensus []float64) float64 {
	return t.w * math.Max(0, t.valueAt(consensus)-t.constant)
}

// SquaredHingeLossTerm is w * max(0, c.x - b)^2.
type SquaredHingeLossTerm struct {
	linearForm
	weight
}

// NewSquaredHingeLossTerm builds a squared hinge term. It panics if the counts differ.
func NewSquaredHingeLossTerm(variables []*LocalVariable, coefficients []float64, constant, w float64) *SquaredHingeLossTerm {
	return &SquaredHingeLossTerm{
		linearForm: newLinearForm(kindSquaredHingeLoss, 0, variables, coefficients, constant),
		weight:     weight{w: w},
	}
}

// Minimize keeps the unconstrained point when it has zero loss, otherwise takes
// the closed-form step of the squared side.
func (t *SquaredHingeLossTerm) Minimize(stepSize float64, consensus []float64) {
	value := t.startAtConsensus(stepSize, consensus)
	if value <= t.constant {
		return
	}
	squaredStep(&t.linearForm, t.w, stepSize, value)
}

// Evaluate returns w * max(0, c.z - b)^2.
func (t *SquaredHingeLossTerm) Evaluate(consensus []float64) float64 {
	d := math.Max(0, t.valueAt(consensus)-t.constant)
	return t.w * d * d
}

// SquaredLinearLossTerm is w * (c.x - b)^2.
type SquaredLinearLossTerm struct {
	linearForm
	weight
}

// NewSquaredLinearLossTerm builds a squared linear term. It panics if the counts differ.
func NewSquaredLinearLossTerm(variables []*LocalVariable, coefficients []float64, constant, w float64) *SquaredLinearLossTerm {
	return &SquaredLinearLossTerm{
		linearForm: newLinearForm(kindSquaredLinearLoss, 0, variables, coefficients, constant),
		weight:     weight{w: w},
	}
}

// Minimize takes the closed-form step from the unconstrained point.
func (t *SquaredLinearLossTerm) Minimize(stepSize float64, consensus []float64) {
	value := t.startAtConsensus(stepSize, consensus)
	squaredStep(&t.linearForm, t.w, stepSize, value)
}

// Evaluate returns w * (c.z - b)^2.
func (t *SquaredLinearLossTerm) Evaluate(consensus []float64) float64 {
	d := t.valueAt(consensus) - t.constant
	return t.w * d * d
}

// squaredStep solves argmin_x w*(c.x - b)^2 + rho/2*||x - x0||^2 given the
// variables at x0 and value = c.x0. The optimum is x = x0 - (2w/rho)(s-b)c with
// s = (value + k*b)/(1+k) and k = 2w||c||^2/rho.
func squaredStep(f *linearForm, w, stepSize, value float64) {
	k := 2 * w * f.normSq / stepSize
	s := (value + k*f.constant) / (1 + k)
	scale := 2 * w * (s - f.constant) / stepSize
	for i, v := range f.variables {
		v.Value -= scale * f.coefficients[i]
	}
}
