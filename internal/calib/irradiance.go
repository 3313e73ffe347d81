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

	"github.com/mlnoga/photocal/internal/model"
	"gonum.org/v1/gonum/floats"
)

// Predicts the scene irradiance at each pixel position as the weighted combination
// of the response-corrected, bias- and gain-normalized measurements of all frames:
//
//	E[p] = sum_i weight[i] * (curve[frames[i][p]] - bias[i]) / gain[i]
//
// Frame contributions are computed in parallel, then summed.
func EstimateIrradiance(c *Context, fs *model.FrameSet, m *model.Model, weight []float64) ([]float64, error) {
	numFrames, numPixels := fs.NumFrames(), fs.NumPixels()
	if numFrames == 0 || numPixels == 0 {
		return nil, fmt.Errorf("%w: empty frame set", model.ErrInputShapeMismatch)
	}
	if err := m.CheckShape(numFrames); err != nil {
		return nil, err
	}
	if len(weight) != numFrames {
		return nil, fmt.Errorf("%w: %d weights for %d frames", model.ErrInputShapeMismatch, len(weight), numFrames)
	}
	if err := m.CheckGains(); err != nil {
		return nil, err
	}

	contribs := make([][]float64, numFrames)
	err := parallelFor(numFrames, c.MaxThreads, func(i int) error {
		codes := fs.Samples[i]
		if len(codes) != numPixels {
			return fmt.Errorf("%w: frame %d has %d samples, want %d", model.ErrInputShapeMismatch, i, len(codes), numPixels)
		}
		contrib := make([]float64, numPixels)
		if err := m.Curve.Lookup(codes, contrib); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		floats.AddConst(-m.Bias[i], contrib)
		floats.Scale(weight[i]/m.Gain[i], contrib)
		contribs[i] = contrib
		return nil
	})
	if err != nil {
		return nil, err
	}

	irradiance := make([]float64, numPixels)
	for _, contrib := range contribs {
		floats.Add(irradiance, contrib)
	}
	return irradiance, nil
}

// Returns uniform weights 1/n for n frames
func UniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
