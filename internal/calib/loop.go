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

	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/model"
	"gonum.org/v1/gonum/floats"
)

// Snapshot of one outer iteration, handed to observers
type IterationReport struct {
	Iteration    int          `json:"iteration"`
	Model        *model.Model `json:"-"`          // model after the update, a copy owned by the observer
	ErrorScale   []float64    `json:"errorScale"` // as computed, before any guard
	Weights      []float64    `json:"weights"`
	RMS          float64      `json:"rms"`        // uniform-weight residual RMS after the update
	StepScale    float64      `json:"stepScale"`  // learning rate actually applied, 0 if the step was rejected
	Accepted     bool         `json:"accepted"`
	Converged    bool         `json:"converged"` // inner minimizer converged
	Objective    float64      `json:"objective"`
	SolverStatus string       `json:"solverStatus"`
}

// Called after every outer iteration
type Observer func(r IterationReport)

// Outcome of a calibration run
type Result struct {
	Model      *model.Model      `json:"model"`
	History    []IterationReport `json:"history"`
	InitialRMS float64           `json:"initialRMS"`
	FinalRMS   float64           `json:"finalRMS"`
}

// Calibrates the model against the frame set. Runs cfg.Iterations outer iterations of
// irradiance estimation, residual pooling, correction solving and a damped update.
// The initial model is not modified; the result holds an updated copy. Shape and
// configuration errors are returned before any work is done, degenerate parameters
// abort the run, minimizer non-convergence is logged and absorbed.
func Calibrate(c *Context, fs *model.FrameSet, initial *model.Model, cfg config.Calibration, observer Observer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	numFrames := fs.NumFrames()
	if err := initial.CheckShape(numFrames); err != nil {
		return nil, err
	}
	if !c.Fits(numFrames, fs.NumPixels()) {
		fmt.Fprintf(c.Log, "Warning: %s may exceed the %d MB of physical memory\n", fs, c.MemoryMB)
	}

	m := initial.Clone()
	weight := UniformWeights(numFrames)
	rms, err := ResidualRMS(c, fs, m)
	if err != nil {
		return nil, err
	}
	res := &Result{InitialRMS: rms}
	fmt.Fprintf(c.Log, "Calibrating %s with %s\nInitial residual RMS %.6g\n", fs, cfg.String(), rms)

	for it := 0; it < cfg.Iterations; it++ {
		irradiance, err := EstimateIrradiance(c, fs, m, weight)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		table, scale, err := AggregateResiduals(c, fs, irradiance, m, cfg.Tolerance, cfg.ColorCorrection)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}

		solverScale := scale
		if cfg.GuardScale {
			var guarded int
			solverScale, guarded = GuardErrorScale(scale, cfg.MinErrorScale)
			if guarded > 0 {
				fmt.Fprintf(c.Log, "%d: replaced %d tiny, negative or non-finite error scales\n", it, guarded)
			}
		}
		weight, err = WeightsFromScale(solverScale)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}

		corr, err := SolveCorrection(c, m, table, solverScale, irradiance, fs, weight,
			SolverSettings{MaxIterations: cfg.InnerIterations, Method: cfg.Method})
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		if !corr.Converged {
			fmt.Fprintf(c.Log, "%d: minimizer did not converge after %d iterations (%v), applying partial correction\n",
				it, corr.Iterations, corr.Status)
		}

		next, eta, nextRMS, err := applyStep(c, fs, m, corr, cfg, rms)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		accepted := next != m
		improvement := 0.0
		if rms > 0 {
			improvement = (rms - nextRMS) / rms
		}
		m, rms = next, nextRMS

		report := IterationReport{
			Iteration:    it,
			Model:        m.Clone(),
			ErrorScale:   scale,
			Weights:      append([]float64(nil), weight...),
			RMS:          rms,
			StepScale:    eta,
			Accepted:     accepted,
			Converged:    corr.Converged,
			Objective:    corr.Objective,
			SolverStatus: corr.Status.String(),
		}
		res.History = append(res.History, report)
		fmt.Fprintf(c.Log, "%d: objective %.6g -> %.6g, step %.4g, residual RMS %.6g\n",
			it, corr.InitialObjective, corr.Objective, eta, rms)
		if observer != nil {
			observer(report)
		}

		if cfg.StopTolerance > 0 && improvement < cfg.StopTolerance {
			fmt.Fprintf(c.Log, "%d: relative improvement %.4g below %.4g, stopping\n", it, improvement, cfg.StopTolerance)
			break
		}
	}

	res.Model, res.FinalRMS = m, rms
	return res, nil
}

// Applies the damped update to a copy of m. With the step guard enabled, halves the
// learning rate until the update keeps all gains above cfg.MinGain, keeps all values
// finite and does not increase the residual RMS. If no such step is found within
// cfg.MaxBacktracks halvings, returns m itself and a zero step.
func applyStep(c *Context, fs *model.FrameSet, m *model.Model, corr *Correction, cfg config.Calibration,
	rms float64) (next *model.Model, eta, nextRMS float64, err error) {
	eta = cfg.LearningRate
	if !cfg.StepGuard {
		next = m.Clone()
		next.Step(corr.GainDelta, corr.BiasDelta, &corr.CurveDelta, eta)
		nextRMS, err = ResidualRMS(c, fs, next)
		return next, eta, nextRMS, err
	}

	for attempt := 0; attempt <= cfg.MaxBacktracks; attempt++ {
		next = m.Clone()
		next.Step(corr.GainDelta, corr.BiasDelta, &corr.CurveDelta, eta)
		if next.MinGain() > cfg.MinGain && next.IsFinite() {
			nextRMS, err = ResidualRMS(c, fs, next)
			if err == nil && !math.IsNaN(nextRMS) && nextRMS <= rms {
				return next, eta, nextRMS, nil
			}
		}
		eta *= 0.5
	}
	fmt.Fprintf(c.Log, "Rejected step after %d halvings of the learning rate\n", cfg.MaxBacktracks)
	return m, 0, rms, nil
}

// Returns the root mean square of the raw residuals of the model, with irradiance
// estimated under uniform frame weights. Comparable across iterations, as it does
// not depend on the per-iteration weights.
func ResidualRMS(c *Context, fs *model.FrameSet, m *model.Model) (float64, error) {
	irradiance, err := EstimateIrradiance(c, fs, m, UniformWeights(fs.NumFrames()))
	if err != nil {
		return 0, err
	}
	sumSq := make([]float64, fs.NumFrames())
	err = parallelFor(fs.NumFrames(), c.MaxThreads, func(k int) error {
		raw, err := rawResiduals(fs.Samples[k], irradiance, m, k)
		if err != nil {
			return err
		}
		norm := floats.Norm(raw, 2)
		sumSq[k] = norm * norm
		return nil
	})
	if err != nil {
		return 0, err
	}
	return math.Sqrt(floats.Sum(sumSq) / float64(fs.NumFrames()*fs.NumPixels())), nil
}

// Replaces error scales which are not finite or whose magnitude is below min by min, and
// negative ones by their magnitude. Returns the guarded copy and the number of replaced values.
// Deviates from using the plain median as scale, which can be zero or negative.
func GuardErrorScale(scale []float64, min float64) ([]float64, int) {
	guarded, count := make([]float64, len(scale)), 0
	for k, s := range scale {
		switch {
		case math.IsNaN(s) || math.IsInf(s, 0) || math.Abs(s) < min:
			guarded[k] = min
			count++
		case s < 0:
			guarded[k] = -s
			count++
		default:
			guarded[k] = s
		}
	}
	return guarded, count
}

// Derives frame weights 1/scale[k], normalized to sum to one. This deviates from using
// 1/scale[k] directly, which changes results: the irradiance estimate is a plain weighted
// sum and the forward model's self term (weight[k]-1) uses absolute weights. Normalized,
// the irradiance is a weighted mean in the units of the measurements, and the self term
// stays in [-1,0] however small the error scales get.
func WeightsFromScale(scale []float64) ([]float64, error) {
	weight := make([]float64, len(scale))
	for k, s := range scale {
		weight[k] = 1 / s
	}
	sum := floats.Sum(weight)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: weights from error scales %v sum to %g", model.ErrDegenerateParameter, scale, sum)
	}
	floats.Scale(1/sum, weight)
	return weight, nil
}
