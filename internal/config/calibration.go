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

package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mlnoga/photocal/internal/model"
)

// Bias correction factors for the per-frame error scale, by colour band
const (
	ColorCorrectionGreen = 1.265
	ColorCorrectionRed   = 1.333
	ColorCorrectionBlue  = 1.333
)

// Upper bounds on the iteration counts accepted by Validate
const (
	MaxIterations      = 10000
	MaxInnerIterations = 10000
	MaxBacktrackLimit  = 64
)

// Minimizer methods understood by the correction solver
var Methods = []string{"lbfgs", "bfgs", "cg", "gd", "neldermead"}

// Parameters of the calibration loop
type Calibration struct {
	Tolerance       float64 `json:"tolerance"       yaml:"tolerance"`       // pooling tolerance in codes
	ColorCorrection float64 `json:"colorCorrection" yaml:"colorcorrection"` // error scale bias correction for the calibrated band
	LearningRate    float64 `json:"learningRate"    yaml:"learningrate"`    // damping factor eta of the update step
	Iterations      int     `json:"iterations"      yaml:"iterations"`      // outer iterations
	InnerIterations int     `json:"innerIterations" yaml:"inneriterations"` // minimizer iterations per outer iteration
	Method          string  `json:"method"          yaml:"method"`          // minimizer method

	GuardScale    bool    `json:"guardScale"    yaml:"guardscale"`    // replace tiny, negative or non-finite error scales
	MinErrorScale float64 `json:"minErrorScale" yaml:"minerrorscale"` // floor for error scale magnitudes

	StepGuard     bool    `json:"stepGuard"     yaml:"stepguard"`     // shrink or reject steps which degrade the model
	MaxBacktracks int     `json:"maxBacktracks" yaml:"maxbacktracks"` // step halvings before a step is rejected
	MinGain       float64 `json:"minGain"       yaml:"mingain"`       // smallest gain an accepted step may produce

	StopTolerance float64 `json:"stopTolerance" yaml:"stoptolerance"` // stop on relative RMS improvement below this, 0=never
}

// Returns the default calibration parameters
func Default() Calibration {
	return Calibration{
		Tolerance:       1,
		ColorCorrection: ColorCorrectionGreen,
		LearningRate:    0.1,
		Iterations:      10,
		InnerIterations: 10,
		Method:          "lbfgs",
		GuardScale:      true,
		MinErrorScale:   1e-6,
		StepGuard:       true,
		MaxBacktracks:   6,
		MinGain:         1e-6,
		StopTolerance:   0,
	}
}

// Checks parameters for consistency. A non-positive tolerance yields model.ErrInvalidTolerance
func (c *Calibration) Validate() error {
	if !(c.Tolerance > 0) {
		return fmt.Errorf("%w: %g", model.ErrInvalidTolerance, c.Tolerance)
	}
	if !isFinite(c.ColorCorrection) || c.ColorCorrection == 0 {
		return fmt.Errorf("invalid color correction %g", c.ColorCorrection)
	}
	if !(c.LearningRate > 0) || !isFinite(c.LearningRate) {
		return fmt.Errorf("invalid learning rate %g", c.LearningRate)
	}
	if c.Iterations < 0 || c.Iterations > MaxIterations {
		return fmt.Errorf("invalid iteration count %d, want 0 to %d", c.Iterations, MaxIterations)
	}
	if c.InnerIterations < 1 || c.InnerIterations > MaxInnerIterations {
		return fmt.Errorf("invalid inner iteration count %d, want 1 to %d", c.InnerIterations, MaxInnerIterations)
	}
	if !isMethod(c.Method) {
		return fmt.Errorf("unknown method '%s', want one of %s", c.Method, strings.Join(Methods, ", "))
	}
	if c.GuardScale && !(c.MinErrorScale > 0) {
		return fmt.Errorf("invalid minimum error scale %g", c.MinErrorScale)
	}
	if c.StepGuard && (c.MaxBacktracks < 0 || c.MaxBacktracks > MaxBacktrackLimit) {
		return fmt.Errorf("invalid backtrack count %d, want 0 to %d", c.MaxBacktracks, MaxBacktrackLimit)
	}
	if c.StepGuard && (math.IsNaN(c.MinGain) || c.MinGain < 0) {
		return fmt.Errorf("invalid minimum gain %g", c.MinGain)
	}
	if math.IsNaN(c.StopTolerance) || c.StopTolerance < 0 {
		return errors.New("stop tolerance must not be negative")
	}
	return nil
}

// Pretty print the parameters in one line
func (c *Calibration) String() string {
	return fmt.Sprintf("tol %g colorCorr %g eta %g iter %d inner %d method %s guardScale %v stepGuard %v stopTol %g",
		c.Tolerance, c.ColorCorrection, c.LearningRate, c.Iterations, c.InnerIterations, c.Method,
		c.GuardScale, c.StepGuard, c.StopTolerance)
}

func isMethod(m string) bool {
	for _, known := range Methods {
		if strings.EqualFold(m, known) {
			return true
		}
	}
	return false
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
