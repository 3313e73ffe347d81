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

package model

import (
	"fmt"
	"math"
)

// Smallest gain magnitude accepted as a divisor
const MinAbsGain = 1e-12

// A response curve maps each sensor code to a real response value
type Curve [NumCodes]float64

// Returns the identity curve, mapping each code to its own value
func IdentityCurve() Curve {
	var c Curve
	for i := range c {
		c[i] = float64(i)
	}
	return c
}

// Looks up the response for each code in codes and stores it into dst.
// Fails on codes outside [0,255], and if dst is shorter than codes.
func (c *Curve) Lookup(codes []int32, dst []float64) error {
	if len(dst) < len(codes) {
		return fmt.Errorf("%w: lookup of %d codes into %d values", ErrInputShapeMismatch, len(codes), len(dst))
	}
	for i, code := range codes {
		if code < 0 || code >= NumCodes {
			return fmt.Errorf("%w: code %d at index %d outside [0,%d]", ErrInputShapeMismatch, code, i, NumCodes-1)
		}
		dst[i] = c[code]
	}
	return nil
}

// Returns true if the curve is non-decreasing
func (c *Curve) IsMonotonic() bool {
	for i := 1; i < len(c); i++ {
		if c[i] < c[i-1] {
			return false
		}
	}
	return true
}

// The fitted photometric model: per-frame gain and bias, and the response curve shared by all frames
type Model struct {
	Gain  []float64 `json:"gain"`
	Bias  []float64 `json:"bias"`
	Curve Curve     `json:"curve"`
}

// Creates a neutral model for the given number of frames: unit gains, zero biases and the identity curve
func New(numFrames int) *Model {
	m := &Model{
		Gain:  make([]float64, numFrames),
		Bias:  make([]float64, numFrames),
		Curve: IdentityCurve(),
	}
	for i := range m.Gain {
		m.Gain[i] = 1
	}
	return m
}

// Returns a deep copy of the model
func (m *Model) Clone() *Model {
	c := &Model{
		Gain:  make([]float64, len(m.Gain)),
		Bias:  make([]float64, len(m.Bias)),
		Curve: m.Curve,
	}
	copy(c.Gain, m.Gain)
	copy(c.Bias, m.Bias)
	return c
}

// Returns the number of frames the model describes
func (m *Model) NumFrames() int { return len(m.Gain) }

// Checks that gain and bias vectors both have numFrames entries
func (m *Model) CheckShape(numFrames int) error {
	if len(m.Gain) != numFrames || len(m.Bias) != numFrames {
		return fmt.Errorf("%w: model has %d gains and %d biases for %d frames", ErrInputShapeMismatch, len(m.Gain), len(m.Bias), numFrames)
	}
	return nil
}

// Checks that all gains are finite and usable as divisors
func (m *Model) CheckGains() error {
	for i, g := range m.Gain {
		if math.IsNaN(g) || math.IsInf(g, 0) || math.Abs(g) < MinAbsGain {
			return fmt.Errorf("%w: gain[%d]=%g", ErrDegenerateParameter, i, g)
		}
	}
	return nil
}

// Returns true if no parameter is NaN or infinite
func (m *Model) IsFinite() bool {
	for _, vs := range [][]float64{m.Gain, m.Bias, m.Curve[:]} {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Returns the smallest gain, or +Inf for a model without frames
func (m *Model) MinGain() float64 {
	min := math.Inf(1)
	for _, g := range m.Gain {
		if g < min {
			min = g
		}
	}
	return min
}

// Subtracts the given deltas scaled by eta from gains, biases and curve.
// Deltas must match the model shape.
func (m *Model) Step(gainDelta, biasDelta []float64, curveDelta *Curve, eta float64) {
	for i := range m.Gain {
		m.Gain[i] -= eta * gainDelta[i]
		m.Bias[i] -= eta * biasDelta[i]
	}
	for c := range m.Curve {
		m.Curve[c] -= eta * curveDelta[c]
	}
}

// Calibrates the codes of a raw frame which took part in the fit, returning
// irradiance values (curve[code]-bias[frame])/gain[frame]
func (m *Model) Apply(frame int, codes []int32) ([]float64, error) {
	if frame < 0 || frame >= len(m.Gain) || frame >= len(m.Bias) {
		return nil, fmt.Errorf("%w: frame %d not in model with %d frames", ErrInputShapeMismatch, frame, len(m.Gain))
	}
	return m.ApplyWith(m.Gain[frame], m.Bias[frame], codes)
}

// Calibrates the codes of a raw frame with explicitly given gain and bias, e.g. for a frame
// which did not take part in the fit
func (m *Model) ApplyWith(gain, bias float64, codes []int32) ([]float64, error) {
	if math.IsNaN(gain) || math.IsInf(gain, 0) || math.Abs(gain) < MinAbsGain {
		return nil, fmt.Errorf("%w: gain=%g", ErrDegenerateParameter, gain)
	}
	out := make([]float64, len(codes))
	if err := m.Curve.Lookup(codes, out); err != nil {
		return nil, err
	}
	for i, v := range out {
		out[i] = (v - bias) / gain
	}
	return out, nil
}

// Pretty print gains and biases
func (m *Model) String() string {
	return fmt.Sprintf("gain %.4g bias %.4g curve[0]=%.4g curve[128]=%.4g curve[255]=%.4g",
		m.Gain, m.Bias, m.Curve[0], m.Curve[128], m.Curve[255])
}
