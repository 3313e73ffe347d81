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
	"errors"
	"io"
	"math"
	"sync/atomic"
	"testing"

	"github.com/mlnoga/photocal/internal/model"
	"github.com/valyala/fastrand"
)

func newTestContext() *Context {
	c := NewContext(io.Discard)
	if c.MaxThreads < 2 {
		c.MaxThreads = 2 // exercise the worker pool even on single core hosts
	}
	return c
}

// Returns numFrames frames of numPixels random codes
func randomFrames(t *testing.T, rng *fastrand.RNG, numFrames, numPixels int) *model.FrameSet {
	samples := make([][]int32, numFrames)
	for k := range samples {
		samples[k] = make([]int32, numPixels)
		for p := range samples[k] {
			samples[k][p] = int32(rng.Uint32n(model.NumCodes))
		}
	}
	fs, err := model.NewFrameSet(samples)
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestParallelForVisitsAll(t *testing.T) {
	for _, threads := range []int{0, 1, 3, 64} {
		var visited [17]int32
		err := parallelFor(len(visited), threads, func(i int) error {
			atomic.AddInt32(&visited[i], 1)
			return nil
		})
		if err != nil {
			t.Errorf("threads=%d: err=%v", threads, err)
		}
		for i, v := range visited {
			if v != 1 {
				t.Errorf("threads=%d: index %d visited %d times; want 1", threads, i, v)
			}
		}
	}
}

func TestParallelForReturnsError(t *testing.T) {
	failure := errors.New("failure")
	err := parallelFor(10, 4, func(i int) error {
		if i == 7 {
			return failure
		}
		return nil
	})
	if err != failure {
		t.Errorf("err=%v; want %v", err, failure)
	}
}

func TestIrradianceIdenticalFrames(t *testing.T) {
	codes := []int32{0, 17, 100, 255}
	fs, err := model.NewFrameSet([][]int32{codes, codes, codes})
	if err != nil {
		t.Fatal(err)
	}
	m := model.New(3)
	for k := range m.Gain {
		m.Gain[k], m.Bias[k] = 2, 5
	}
	weights := [][]float64{{0.2, 0.3, 0.5}, UniformWeights(3), {1, 0, 0}}
	for _, w := range weights {
		e, err := EstimateIrradiance(newTestContext(), fs, m, w)
		if err != nil {
			t.Fatal(err)
		}
		for p, code := range codes {
			want := (float64(code) - 5) / 2
			if math.Abs(e[p]-want) > 1e-9 {
				t.Errorf("weights %v: E[%d]=%f; want %f", w, p, e[p], want)
			}
		}
	}
}

func TestIrradianceGainsAndBiases(t *testing.T) {
	fs, err := model.NewFrameSet([][]int32{{10, 20}, {30, 50}})
	if err != nil {
		t.Fatal(err)
	}
	m := model.New(2)
	m.Gain[1], m.Bias[1] = 2, 10
	e, err := EstimateIrradiance(newTestContext(), fs, m, []float64{0.25, 0.75})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0.25*10 + 0.75*10, 0.25*20 + 0.75*20}
	for p := range want {
		if math.Abs(e[p]-want[p]) > 1e-12 {
			t.Errorf("E[%d]=%f; want %f", p, e[p], want[p])
		}
	}
}

func TestIrradianceErrors(t *testing.T) {
	fs, err := model.NewFrameSet([][]int32{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatal(err)
	}
	zeroGain := model.New(2)
	zeroGain.Gain[1] = 0
	testcases := []struct {
		name   string
		m      *model.Model
		weight []float64
		want   error
	}{
		{"zero gain", zeroGain, UniformWeights(2), model.ErrDegenerateParameter},
		{"short model", model.New(1), UniformWeights(2), model.ErrInputShapeMismatch},
		{"short weights", model.New(2), UniformWeights(1), model.ErrInputShapeMismatch},
	}
	for _, tc := range testcases {
		if _, err := EstimateIrradiance(newTestContext(), fs, tc.m, tc.weight); !errors.Is(err, tc.want) {
			t.Errorf("%s: err=%v; want %v", tc.name, err, tc.want)
		}
	}
}
