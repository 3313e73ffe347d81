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
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/photocal/internal/model"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Errorf("default calibration invalid: %v", err)
	}
	l := DefaultLoader()
	if err := l.Validate(); err != nil {
		t.Errorf("default loader invalid: %v", err)
	}
	if c.Tolerance != 1 || c.ColorCorrection != 1.265 || c.LearningRate != 0.1 || c.Iterations != 10 || c.InnerIterations != 10 {
		t.Errorf("defaults %s", c.String())
	}
}

func TestValidateTolerance(t *testing.T) {
	for _, tol := range []float64{0, -1} {
		c := Default()
		c.Tolerance = tol
		if err := c.Validate(); !errors.Is(err, model.ErrInvalidTolerance) {
			t.Errorf("tolerance %g: err=%v; want ErrInvalidTolerance", tol, err)
		}
	}
}

type calibrationTestCase struct {
	Name   string
	Modify func(c *Calibration)
}

func TestValidateRejects(t *testing.T) {
	tcs := []calibrationTestCase{
		{"eta", func(c *Calibration) { c.LearningRate = 0 }},
		{"iterations", func(c *Calibration) { c.Iterations = -1 }},
		{"too many iterations", func(c *Calibration) { c.Iterations = MaxIterations + 1 }},
		{"inner", func(c *Calibration) { c.InnerIterations = 0 }},
		{"too many inner", func(c *Calibration) { c.InnerIterations = MaxInnerIterations + 1 }},
		{"method", func(c *Calibration) { c.Method = "simplex" }},
		{"minErrorScale", func(c *Calibration) { c.MinErrorScale = 0 }},
		{"backtracks", func(c *Calibration) { c.MaxBacktracks = -2 }},
		{"too many backtracks", func(c *Calibration) { c.MaxBacktracks = MaxBacktrackLimit + 1 }},
		{"stopTol", func(c *Calibration) { c.StopTolerance = -0.1 }},
	}
	for _, tc := range tcs {
		c := Default()
		tc.Modify(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: err=nil; want error", tc.Name)
		}
	}
}

func TestLoaderValidateRejects(t *testing.T) {
	for _, samples := range []int{-1, MaxSamples + 1} {
		l := DefaultLoader()
		l.Samples = samples
		if err := l.Validate(); err == nil {
			t.Errorf("samples %d: err=nil; want error", samples)
		}
	}
	l := DefaultLoader()
	l.Samples = MaxSamples
	if err := l.Validate(); err != nil {
		t.Errorf("samples %d: %v", MaxSamples, err)
	}
}

func TestParseChannel(t *testing.T) {
	for in, want := range map[string]Channel{"r": ChannelRed, "G": ChannelGreen, "b": ChannelBlue, "l": ChannelLuminance} {
		got, err := ParseChannel(in)
		if err != nil || got != want {
			t.Errorf("ParseChannel(%s)=%s,%v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseChannel("x"); err == nil {
		t.Errorf("ParseChannel(x) err=nil; want error")
	}
	if ChannelGreen.ColorCorrection() != 1.265 || ChannelBlue.ColorCorrection() != 1.333 {
		t.Errorf("unexpected color correction constants")
	}
}

func TestLoadFileYaml(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "cal.yaml")
	contents := "calibration:\n  iterations: 3\n  method: bfgs\nloader:\n  channel: r\n  stride: 4\n"
	if err := os.WriteFile(fileName, []byte(contents), 0666); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(fileName)
	if err != nil {
		t.Fatal(err)
	}
	if f.Calibration.Iterations != 3 || f.Calibration.Method != "bfgs" {
		t.Errorf("calibration %s", f.Calibration.String())
	}
	if f.Calibration.Tolerance != 1 || f.Calibration.LearningRate != 0.1 {
		t.Errorf("defaults not kept: %s", f.Calibration.String())
	}
	if f.Loader.Channel != ChannelRed || f.Loader.Stride != 4 {
		t.Errorf("loader %+v", f.Loader)
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	fileName := filepath.Join(dir, "cal.json")
	contents := `{"calibration":{"tolerance":0}}`
	if err := os.WriteFile(fileName, []byte(contents), 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(fileName); !errors.Is(err, model.ErrInvalidTolerance) {
		t.Errorf("err=%v; want ErrInvalidTolerance", err)
	}
}
