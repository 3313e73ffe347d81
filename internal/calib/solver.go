// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package calib

import (
	"fmt"
	"math"
	"strings"

	"github.com/mlnoga/photocal/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Smallest magnitude of a gain delta used as a divisor in the forward model
const minAbsDelta = 1e-9

// Settings for the inner minimization
type SolverSettings struct {
	MaxIterations int    // major iterations of the minimizer
	Method        string // one of config.Methods
}

// Incremental corrections found by the solver. The caller applies them as
// gain -= eta*GainDelta, bias -= eta*BiasDelta, curve -= eta*CurveDelta
type Correction struct {
	GainDelta  []float64
	BiasDelta  []float64
	CurveDelta model.Curve

	InitialObjective float64         // objective at the no-correction point
	Objective        float64         // objective at the returned point
	Status           optimize.Status // termination status of the minimizer
	Iterations       int             // major iterations performed
	Converged        bool            // false if the minimizer stopped early, e.g. on its iteration limit
}

// Evaluates the forward model F(p,k): the residual of pixel p in frame k predicted from the
// other frames' measurements under the proposed corrections (gainDelta, biasDelta, curveDelta):
//
//	F(p,k) = sum_{i!=k} weight[i]*gain[k]/da[i] * (dg[f_i[p]] - db[i] - E[p]*da[i])
//	       + (weight[k]-1) * (curve[f_k[p]] - bias[k] - E[p]*gain[k])
//
// Direct evaluation over all frames, used for diagnostics and as reference for the solver's
// fused objective. Out of range indices, codes or mismatched vector lengths yield
// model.ErrInputShapeMismatch.
func ForwardModel(m *model.Model, fs *model.FrameSet, irradiance, weight []float64,
	gainDelta, biasDelta []float64, curveDelta *model.Curve, p, k int) (float64, error) {
	numFrames := fs.NumFrames()
	if err := m.CheckShape(numFrames); err != nil {
		return 0, err
	}
	if len(weight) != numFrames || len(gainDelta) != numFrames || len(biasDelta) != numFrames {
		return 0, fmt.Errorf("%w: %d weights, %d gain and %d bias deltas for %d frames",
			model.ErrInputShapeMismatch, len(weight), len(gainDelta), len(biasDelta), numFrames)
	}
	if k < 0 || k >= numFrames || p < 0 || p >= len(irradiance) {
		return 0, fmt.Errorf("%w: pixel %d of frame %d outside %s with %d irradiance values",
			model.ErrInputShapeMismatch, p, k, fs, len(irradiance))
	}
	e := irradiance[p]
	sum := 0.0
	for i, frame := range fs.Samples {
		if p >= len(frame) || frame[p] < 0 || frame[p] >= model.NumCodes {
			return 0, fmt.Errorf("%w: frame %d has no valid code at pixel %d", model.ErrInputShapeMismatch, i, p)
		}
		if i == k {
			continue
		}
		da := safeDelta(gainDelta[i])
		sum += weight[i] * m.Gain[k] / da * (curveDelta[frame[p]] - biasDelta[i] - e*da)
	}
	code := fs.Samples[k][p]
	return sum + (weight[k]-1)*(m.Curve[code]-m.Bias[k]-e*m.Gain[k]), nil
}

// Solves for corrections to gain, bias and curve which make the forward model match the
// pooled residuals, minimizing sum_k sum_p (e[p,k]-F(p,k))^2 / errorScale[k] over the
// flat parameter vector [da (frames), db (frames), dg (256)] starting from da=1, db=0, dg=0.
// The minimizer is bounded to s.MaxIterations. If it stops early, the partial result is
// returned with Converged=false.
func SolveCorrection(c *Context, m *model.Model, res *ResidualTable, errorScale, irradiance []float64,
	fs *model.FrameSet, weight []float64, s SolverSettings) (*Correction, error) {
	obj, err := newObjective(c, m, res, errorScale, irradiance, fs, weight)
	if err != nil {
		return nil, err
	}
	method, err := NewMethod(s.Method)
	if err != nil {
		return nil, err
	}
	numFrames := fs.NumFrames()

	x0 := NoCorrection(numFrames)
	initial := obj.evaluate(x0, nil)

	problem := optimize.Problem{
		Func: func(x []float64) float64 { return obj.evaluate(x, nil) },
		Grad: func(grad, x []float64) { obj.evaluate(x, grad) },
	}
	settings := &optimize.Settings{MajorIterations: s.MaxIterations}
	result, err := optimize.Minimize(problem, x0, settings, method)
	if result == nil {
		return nil, fmt.Errorf("minimizer failed: %v", err)
	}

	corr := &Correction{
		InitialObjective: initial,
		Objective:        result.F,
		Status:           result.Status,
		Iterations:       result.MajorIterations,
		Converged:        err == nil && !result.Status.Early(),
	}
	x := result.X
	if len(x) != len(x0) || !allFinite(x) || math.IsNaN(result.F) || result.F > initial {
		// nothing better than the starting point
		x, corr.Objective, corr.Converged = x0, initial, false
	}
	corr.GainDelta = append([]float64(nil), x[:numFrames]...)
	corr.BiasDelta = append([]float64(nil), x[numFrames:2*numFrames]...)
	copy(corr.CurveDelta[:], x[2*numFrames:])
	return corr, nil
}

// Returns the flat parameter vector of the no-correction point: da=1, db=0, dg=0
func NoCorrection(numFrames int) []float64 {
	x := make([]float64, 2*numFrames+model.NumCodes)
	for i := 0; i < numFrames; i++ {
		x[i] = 1
	}
	return x
}

// Returns the gonum minimization method with the given name
func NewMethod(name string) (optimize.Method, error) {
	switch strings.ToLower(name) {
	case "", "lbfgs":
		return &optimize.LBFGS{}, nil
	case "bfgs":
		return &optimize.BFGS{}, nil
	case "cg":
		return &optimize.CG{}, nil
	case "gd":
		return &optimize.GradientDescent{}, nil
	case "neldermead":
		return &optimize.NelderMead{}, nil
	}
	return nil, fmt.Errorf("unknown minimizer method '%s'", name)
}

// The solver objective with its scratch buffers. Exploits that the sum over i!=k in
// the forward model is the sum over all frames minus frame k, so one evaluation costs
// O(frames*pixels) instead of O(frames^2*pixels). Not safe for concurrent evaluation.
type objective struct {
	c          *Context
	fs         *model.FrameSet
	gain       []float64
	weight     []float64
	irradiance []float64
	pooled     [][]float64 // e[k][p]
	invScale   []float64   // 1/errorScale[k]
	self       [][]float64 // self term of F, independent of the corrections

	q         [][]float64 // per frame contribution q_i(p) = weight[i]*((dg[f_i[p]]-db[i])/da[i] - E[p])
	qSum      []float64   // sum_i q_i(p)
	u         [][]float64 // derivative of the objective by F(p,k), times gain[k]
	uSum      []float64   // sum_k u[k][p]
	partial   []float64   // per frame objective
	curveGrad [][]float64 // per frame gradient by dg
}

func newObjective(c *Context, m *model.Model, res *ResidualTable, errorScale, irradiance []float64,
	fs *model.FrameSet, weight []float64) (*objective, error) {
	numFrames, numPixels := fs.NumFrames(), fs.NumPixels()
	if err := m.CheckShape(numFrames); err != nil {
		return nil, err
	}
	if rf, rp := res.Dims(); rf != numFrames || rp != numPixels {
		return nil, fmt.Errorf("%w: residual table %dx%d for %d frames of %d pixels", model.ErrInputShapeMismatch, rf, rp, numFrames, numPixels)
	}
	if len(errorScale) != numFrames || len(weight) != numFrames || len(irradiance) != numPixels {
		return nil, fmt.Errorf("%w: %d error scales, %d weights, %d irradiance values for %d frames of %d pixels",
			model.ErrInputShapeMismatch, len(errorScale), len(weight), len(irradiance), numFrames, numPixels)
	}

	o := &objective{
		c:          c,
		fs:         fs,
		gain:       m.Gain,
		weight:     weight,
		irradiance: irradiance,
		pooled:     res.Pooled,
		invScale:   make([]float64, numFrames),
		self:       make([][]float64, numFrames),
		q:          make([][]float64, numFrames),
		qSum:       make([]float64, numPixels),
		u:          make([][]float64, numFrames),
		uSum:       make([]float64, numPixels),
		partial:    make([]float64, numFrames),
		curveGrad:  make([][]float64, numFrames),
	}
	for k, s := range errorScale {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: error scale[%d]=%g", model.ErrDegenerateParameter, k, s)
		}
		o.invScale[k] = 1 / s
	}
	for k, codes := range fs.Samples {
		self := make([]float64, numPixels)
		for p, code := range codes {
			self[p] = (weight[k] - 1) * (m.Curve[code] - m.Bias[k] - irradiance[p]*m.Gain[k])
		}
		o.self[k] = self
		o.q[k] = make([]float64, numPixels)
		o.u[k] = make([]float64, numPixels)
		o.curveGrad[k] = make([]float64, model.NumCodes)
	}
	return o, nil
}

// Returns the objective at x. If grad is not nil, also stores the gradient by x into it
func (o *objective) evaluate(x, grad []float64) float64 {
	numFrames := len(o.gain)
	da, db, dg := x[:numFrames], x[numFrames:2*numFrames], x[2*numFrames:]

	// per frame contributions to the forward model of all other frames
	parallelFor(numFrames, o.c.MaxThreads, func(i int) error {
		d, w, q := safeDelta(da[i]), o.weight[i], o.q[i]
		for p, code := range o.fs.Samples[i] {
			q[p] = w * ((dg[code]-db[i])/d - o.irradiance[p])
		}
		return nil
	})
	for p := range o.qSum {
		o.qSum[p] = 0
	}
	for _, q := range o.q {
		floats.Add(o.qSum, q)
	}

	// F(p,k) = gain[k]*(qSum[p]-q_k[p]) + self_k[p]
	parallelFor(numFrames, o.c.MaxThreads, func(k int) error {
		a, inv, total := o.gain[k], o.invScale[k], 0.0
		q, self, e, u := o.q[k], o.self[k], o.pooled[k], o.u[k]
		for p := range q {
			r := e[p] - (a*(o.qSum[p]-q[p]) + self[p])
			total += r * r * inv
			u[p] = -2 * r * a * inv
		}
		o.partial[k] = total
		return nil
	})
	value := floats.Sum(o.partial)
	if grad == nil {
		return value
	}

	// q_i(p) enters F(p,k) for all k!=i with factor gain[k], which u already carries
	for p := range o.uSum {
		o.uSum[p] = 0
	}
	for _, u := range o.u {
		floats.Add(o.uSum, u)
	}
	parallelFor(numFrames, o.c.MaxThreads, func(i int) error {
		d, w, u, cg := safeDelta(da[i]), o.weight[i], o.u[i], o.curveGrad[i]
		for c := range cg {
			cg[c] = 0
		}
		coeff := w / d
		gradA, gradB := 0.0, 0.0
		for p, code := range o.fs.Samples[i] {
			dq := o.uSum[p] - u[p]
			cg[code] += dq * coeff
			gradB -= dq * coeff
			gradA -= dq * w * (dg[code] - db[i]) / (d * d)
		}
		if math.Abs(da[i]) < minAbsDelta {
			gradA = 0 // divisor is clamped, hence locally constant
		}
		grad[i], grad[numFrames+i] = gradA, gradB
		return nil
	})
	curveGrad := grad[2*numFrames:]
	for c := range curveGrad {
		curveGrad[c] = 0
	}
	for _, cg := range o.curveGrad {
		floats.Add(curveGrad, cg)
	}
	return value
}

// Clamps the magnitude of a divisor to at least minAbsDelta, preserving its sign
func safeDelta(d float64) float64 {
	if math.Abs(d) >= minAbsDelta {
		return d
	}
	if d < 0 {
		return -minAbsDelta
	}
	return minAbsDelta
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
