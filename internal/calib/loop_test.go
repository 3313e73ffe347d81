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
	"bytes"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/model"
	"github.com/mlnoga/photocal/internal/synth"
)

func threeFrameScene(t *testing.T) *model.FrameSet {
	fs, err := synth.Generate(synth.Params{
		Gain:       []float64{1, 2, 0.5},
		Irradiance: []float64{10, 20, 30, 40},
	})
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

// Checks the invariants every calibration run must keep
func checkRun(t *testing.T, name string, res *Result, iterations int) {
	if len(res.History) != iterations {
		t.Errorf("%s: %d history entries; want %d", name, len(res.History), iterations)
	}
	prev := res.InitialRMS
	for _, r := range res.History {
		if r.RMS > prev {
			t.Errorf("%s: iteration %d increased residual RMS from %g to %g", name, r.Iteration, prev, r.RMS)
		}
		if math.IsNaN(r.RMS) {
			t.Errorf("%s: iteration %d RMS is NaN", name, r.Iteration)
		}
		prev = r.RMS
	}
	if res.FinalRMS > res.InitialRMS {
		t.Errorf("%s: final RMS %g > initial %g", name, res.FinalRMS, res.InitialRMS)
	}
	if !res.Model.IsFinite() {
		t.Errorf("%s: non-finite model %v", name, res.Model)
	}
	for k, g := range res.Model.Gain {
		if !(g > 0) {
			t.Errorf("%s: gain[%d]=%g; want > 0", name, k, g)
		}
	}
}

// Checks that the run actually updated the model and reduced the residuals
func checkImproved(t *testing.T, name string, res *Result, initial *model.Model) {
	if !(res.FinalRMS < res.InitialRMS) {
		t.Errorf("%s: final RMS %g not below initial %g", name, res.FinalRMS, res.InitialRMS)
	}
	accepted := 0
	for _, r := range res.History {
		if r.Accepted && r.StepScale > 0 {
			accepted++
		}
	}
	if accepted == 0 {
		t.Errorf("%s: no step accepted in %d iterations", name, len(res.History))
	}
	if reflect.DeepEqual(res.Model, initial) {
		t.Errorf("%s: model unchanged at %v", name, res.Model)
	}
}

func TestCalibrateZeroIterations(t *testing.T) {
	fs := threeFrameScene(t)
	initial := model.New(3)
	initial.Gain[2], initial.Bias[1] = 0.7, 3
	cfg := config.Default()
	cfg.Iterations = 0

	res, err := Calibrate(newTestContext(), fs, initial, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Model, initial) {
		t.Errorf("model=%v; want %v", res.Model, initial)
	}
	if res.Model == initial {
		t.Errorf("result aliases the initial model")
	}
	if len(res.History) != 0 || res.FinalRMS != res.InitialRMS {
		t.Errorf("history %v, final RMS %g, initial RMS %g", res.History, res.FinalRMS, res.InitialRMS)
	}
}

func TestCalibrateThreeFrames(t *testing.T) {
	fs := threeFrameScene(t)
	initial := model.New(3)
	cfg := config.Default()
	cfg.Iterations = 5

	observed := 0
	res, err := Calibrate(newTestContext(), fs, initial, cfg, func(r IterationReport) {
		if r.Iteration != observed {
			t.Errorf("observed iteration %d; want %d", r.Iteration, observed)
		}
		if len(r.Weights) != 3 || math.Abs(r.Weights[0]+r.Weights[1]+r.Weights[2]-1) > 1e-9 {
			t.Errorf("iteration %d: weights %v do not sum to 1", r.Iteration, r.Weights)
		}
		observed++
	})
	if err != nil {
		t.Fatal(err)
	}
	if observed != 5 {
		t.Errorf("observer called %d times; want 5", observed)
	}
	checkRun(t, "three frames", res, 5)
	checkImproved(t, "three frames", res, initial)
	if !reflect.DeepEqual(initial, model.New(3)) {
		t.Errorf("initial model modified to %v", initial)
	}
}

func TestCalibrateWithoutStepGuard(t *testing.T) {
	initial := model.New(3)
	cfg := config.Default()
	cfg.Iterations, cfg.StepGuard = 5, false

	res, err := Calibrate(newTestContext(), threeFrameScene(t), initial, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkRun(t, "no step guard", res, 5)
	checkImproved(t, "no step guard", res, initial)
	for _, r := range res.History {
		if !r.Accepted || r.StepScale != cfg.LearningRate {
			t.Errorf("iteration %d: accepted %v with step %g; want every step at %g", r.Iteration, r.Accepted, r.StepScale, cfg.LearningRate)
		}
	}
}

func TestCalibrateRejectsStepsBelowMinGain(t *testing.T) {
	var logBuf bytes.Buffer
	c := newTestContext()
	c.Log = &logBuf
	initial := model.New(3)
	cfg := config.Default()
	cfg.Iterations, cfg.MinGain = 3, 10 // no step can lift all gains from 1 to above 10

	res, err := Calibrate(c, threeFrameScene(t), initial, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkRun(t, "min gain", res, 3)
	for _, r := range res.History {
		if r.Accepted || r.StepScale != 0 {
			t.Errorf("iteration %d: accepted %v with step %g; want rejected", r.Iteration, r.Accepted, r.StepScale)
		}
	}
	if !reflect.DeepEqual(res.Model, initial) || res.FinalRMS != res.InitialRMS {
		t.Errorf("model %v with final RMS %g; want initial model with RMS %g", res.Model, res.FinalRMS, res.InitialRMS)
	}
	want := "Rejected step after 6 halvings"
	if n := strings.Count(logBuf.String(), want); n != 3 {
		t.Errorf("log has %d lines %q; want 3", n, want)
	}
}

func TestCalibrateNoisyGamma(t *testing.T) {
	curve := synth.GammaCurve(1.8)
	fs, err := synth.Generate(synth.Params{
		Gain:       []float64{1, 1.6, 0.6, 2.5},
		Bias:       []float64{0, 3, -2, 5},
		Curve:      &curve,
		Irradiance: synth.Ramp(200, 5, 100),
		Noise:      1.5,
		Seed:       11,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, method := range []string{"lbfgs", "cg"} {
		cfg := config.Default()
		cfg.Iterations, cfg.Method = 4, method
		res, err := Calibrate(newTestContext(), fs, model.New(4), cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		checkRun(t, method, res, 4)
	}
}

func TestCalibrateStopTolerance(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations, cfg.StopTolerance = 5, 2
	res, err := Calibrate(newTestContext(), threeFrameScene(t), model.New(3), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	checkRun(t, "stop tolerance", res, 1)
}

func TestCalibrateErrors(t *testing.T) {
	fs := threeFrameScene(t)
	zeroTol := config.Default()
	zeroTol.Tolerance = 0
	zeroGain := model.New(3)
	zeroGain.Gain[0] = 0

	testcases := []struct {
		name string
		m    *model.Model
		cfg  config.Calibration
		want error
	}{
		{"zero tolerance", model.New(3), zeroTol, model.ErrInvalidTolerance},
		{"short model", model.New(2), config.Default(), model.ErrInputShapeMismatch},
		{"zero gain", zeroGain, config.Default(), model.ErrDegenerateParameter},
	}
	for _, tc := range testcases {
		if _, err := Calibrate(newTestContext(), fs, tc.m, tc.cfg, nil); !errors.Is(err, tc.want) {
			t.Errorf("%s: err=%v; want %v", tc.name, err, tc.want)
		}
	}
}

func TestGuardErrorScale(t *testing.T) {
	scale := []float64{0, -2, 3, math.NaN(), math.Inf(1), 1e-9, 0.5}
	got, count := GuardErrorScale(scale, 1e-6)
	want := []float64{1e-6, 2, 3, 1e-6, 1e-6, 1e-6, 0.5}
	if count != 5 {
		t.Errorf("count=%d; want 5", count)
	}
	for k := range want {
		if got[k] != want[k] {
			t.Errorf("guarded[%d]=%g; want %g", k, got[k], want[k])
		}
	}
	if scale[0] != 0 {
		t.Errorf("input modified")
	}
}

func TestWeightsFromScale(t *testing.T) {
	w, err := WeightsFromScale([]float64{1, 2, 4})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{4.0 / 7, 2.0 / 7, 1.0 / 7}
	for k := range want {
		if math.Abs(w[k]-want[k]) > 1e-12 {
			t.Errorf("w[%d]=%f; want %f", k, w[k], want[k])
		}
	}
	if _, err := WeightsFromScale([]float64{1, 0}); !errors.Is(err, model.ErrDegenerateParameter) {
		t.Errorf("zero scale: err=%v; want %v", err, model.ErrDegenerateParameter)
	}
}

func TestResidualRMSPerfectModel(t *testing.T) {
	rms, err := ResidualRMS(newTestContext(), threeFrameScene(t), &model.Model{
		Gain:  []float64{1, 2, 0.5},
		Bias:  []float64{0, 0, 0},
		Curve: model.IdentityCurve(),
	})
	if err != nil {
		t.Fatal(err)
	}
	// uniform weights predict the irradiance exactly when all frames agree
	if rms > 1e-12 {
		t.Errorf("rms=%g; want 0", rms)
	}
}
