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

	"github.com/mlnoga/photocal/internal/model"
	"github.com/mlnoga/photocal/internal/qsort"
	"gonum.org/v1/gonum/floats"
)

// Per-pixel, per-frame residuals of one iteration. Stored frame-major,
// i.e. Raw[k][p] is the raw residual of pixel p in frame k
type ResidualTable struct {
	Raw    [][]float64
	Pooled [][]float64
}

// Returns the pooled residual e[p,k]
func (r *ResidualTable) At(p, k int) float64 { return r.Pooled[k][p] }

// Returns the number of frames and pixels of the table
func (r *ResidualTable) Dims() (numFrames, numPixels int) {
	if len(r.Pooled) == 0 {
		return 0, 0
	}
	return len(r.Pooled), len(r.Pooled[0])
}

// Computes raw residuals gain[k]*E[p] + bias[k] - curve[frames[k][p]], the pooled residuals
// averaged over all pixels of a frame with codes within the given tolerance, and the per-frame
// error scale colorCorrection * median(raw[:,k] - pooled[:,k]). Frames are processed in parallel.
func AggregateResiduals(c *Context, fs *model.FrameSet, irradiance []float64, m *model.Model,
	tolerance, colorCorrection float64) (*ResidualTable, []float64, error) {
	if !(tolerance > 0) {
		return nil, nil, fmt.Errorf("%w: %g", model.ErrInvalidTolerance, tolerance)
	}
	numFrames, numPixels := fs.NumFrames(), fs.NumPixels()
	if err := m.CheckShape(numFrames); err != nil {
		return nil, nil, err
	}
	if len(irradiance) != numPixels {
		return nil, nil, fmt.Errorf("%w: %d irradiance values for %d pixels", model.ErrInputShapeMismatch, len(irradiance), numPixels)
	}
	window := poolWindow(tolerance)

	res := &ResidualTable{
		Raw:    make([][]float64, numFrames),
		Pooled: make([][]float64, numFrames),
	}
	scale := make([]float64, numFrames)
	err := parallelFor(numFrames, c.MaxThreads, func(k int) error {
		codes := fs.Samples[k]
		raw, err := rawResiduals(codes, irradiance, m, k)
		if err != nil {
			return err
		}
		pooled, err := PoolResiduals(codes, raw, window)
		if err != nil {
			return fmt.Errorf("frame %d: %w", k, err)
		}

		diff := make([]float64, numPixels)
		floats.SubTo(diff, raw, pooled)
		scale[k] = colorCorrection * qsort.QSelectMedianFloat64(diff)

		res.Raw[k], res.Pooled[k] = raw, pooled
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, scale, nil
}

// Raw residuals of frame k: gain[k]*E[p] + bias[k] - curve[codes[p]]
func rawResiduals(codes []int32, irradiance []float64, m *model.Model, k int) ([]float64, error) {
	if len(codes) != len(irradiance) {
		return nil, fmt.Errorf("%w: frame %d has %d samples, want %d", model.ErrInputShapeMismatch, k, len(codes), len(irradiance))
	}
	response := make([]float64, len(codes))
	if err := m.Curve.Lookup(codes, response); err != nil {
		return nil, fmt.Errorf("frame %d: %w", k, err)
	}
	raw := make([]float64, len(codes))
	floats.ScaleTo(raw, m.Gain[k], irradiance)
	floats.AddConst(m.Bias[k], raw)
	floats.Sub(raw, response)
	return raw, nil
}

// Converts a tolerance in codes into the half width of the integer code window.
// Codes q and p pool together iff |q-p| <= tolerance, which for integers is |q-p| <= floor(tolerance)
func poolWindow(tolerance float64) int {
	if tolerance >= model.NumCodes {
		return model.NumCodes - 1
	}
	return int(math.Floor(tolerance))
}

// Returns for each pixel the mean raw residual over all pixels of the same frame whose
// code lies within +-window of its own code. Buckets residuals by code, so runs in
// O(len(codes) + 256*window) instead of comparing all pairs of pixels.
// A pixel with no neighbours within the window keeps its own residual exactly.
// Codes outside [0,255] or a length mismatch yield model.ErrInputShapeMismatch.
func PoolResiduals(codes []int32, raw []float64, window int) ([]float64, error) {
	if len(raw) != len(codes) {
		return nil, fmt.Errorf("%w: %d residuals for %d codes", model.ErrInputShapeMismatch, len(raw), len(codes))
	}
	var sums [model.NumCodes]float64
	var counts [model.NumCodes]int
	for p, code := range codes {
		if code < 0 || code >= model.NumCodes {
			return nil, fmt.Errorf("%w: code %d at index %d outside [0,%d]", model.ErrInputShapeMismatch, code, p, model.NumCodes-1)
		}
		sums[code] += raw[p]
		counts[code]++
	}

	var means [model.NumCodes]float64
	for code := 0; code < model.NumCodes; code++ {
		if counts[code] == 0 {
			continue
		}
		lo, hi := code-window, code+window
		if lo < 0 {
			lo = 0
		}
		if hi > model.NumCodes-1 {
			hi = model.NumCodes - 1
		}
		sum, count := 0.0, 0
		for q := lo; q <= hi; q++ {
			if counts[q] == 0 {
				continue
			}
			sum += sums[q]
			count += counts[q]
		}
		means[code] = sum / float64(count)
	}

	pooled := make([]float64, len(codes))
	for p, code := range codes {
		pooled[p] = means[code]
	}
	return pooled, nil
}
