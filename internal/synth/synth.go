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

package synth

import (
	"fmt"
	"math"
	"sort"

	"github.com/mlnoga/photocal/internal/model"
	"github.com/valyala/fastrand"
)

// Parameters of a synthetic scene observed through a known photometric model
type Params struct {
	Gain       []float64    // per-frame gain
	Bias       []float64    // per-frame bias, nil for all zero
	Curve      *model.Curve // response curve, nil for identity. Must be non-decreasing
	Irradiance []float64    // true per-pixel scene irradiance
	Noise      float64      // amplitude of uniform noise added to the response, 0 for none
	Seed       uint32       // noise seed
}

// Generates the frames a sensor with the given model would record for the scene:
// each sample is the code whose response is closest to gain[k]*E[p]+bias[k] (+noise),
// clipped to [0,255].
func Generate(p Params) (*model.FrameSet, error) {
	numFrames := len(p.Gain)
	if numFrames == 0 || len(p.Irradiance) == 0 {
		return nil, fmt.Errorf("%w: need at least one frame and one pixel", model.ErrInputShapeMismatch)
	}
	if p.Bias != nil && len(p.Bias) != numFrames {
		return nil, fmt.Errorf("%w: %d biases for %d gains", model.ErrInputShapeMismatch, len(p.Bias), numFrames)
	}
	curve := model.IdentityCurve()
	if p.Curve != nil {
		if !p.Curve.IsMonotonic() {
			return nil, fmt.Errorf("response curve must be non-decreasing")
		}
		curve = *p.Curve
	}

	rng := fastrand.RNG{}
	rng.Seed(p.Seed)
	samples := make([][]int32, numFrames)
	for k := range samples {
		bias := 0.0
		if p.Bias != nil {
			bias = p.Bias[k]
		}
		frame := make([]int32, len(p.Irradiance))
		for i, e := range p.Irradiance {
			v := p.Gain[k]*e + bias
			if p.Noise > 0 {
				v += p.Noise * (2*float64(rng.Uint32())/math.MaxUint32 - 1)
			}
			frame[i] = InverseLookup(&curve, v)
		}
		samples[k] = frame
	}
	return model.NewFrameSet(samples)
}

// Returns the code whose response is closest to v on a non-decreasing curve.
// Values beyond either end of the curve clip to code 0 or 255.
func InverseLookup(curve *model.Curve, v float64) int32 {
	// first code with response >= v
	i := sort.Search(model.NumCodes, func(c int) bool { return curve[c] >= v })
	switch {
	case i == 0:
		return 0
	case i == model.NumCodes:
		return model.NumCodes - 1
	case v-curve[i-1] <= curve[i]-v:
		return int32(i - 1)
	}
	return int32(i)
}

// Returns a gamma response curve scaled to [0,255], i.e. curve[c] = 255*(c/255)^gamma
func GammaCurve(gamma float64) model.Curve {
	var c model.Curve
	for i := range c {
		c[i] = 255 * math.Pow(float64(i)/255, gamma)
	}
	return c
}

// Returns n irradiance values spread evenly over [min,max]
func Ramp(n int, min, max float64) []float64 {
	e := make([]float64, n)
	for i := range e {
		if n == 1 {
			e[i] = min
			continue
		}
		e[i] = min + (max-min)*float64(i)/float64(n-1)
	}
	return e
}
