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

package rest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/photocal/internal/calib"
	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/frames"
	"github.com/mlnoga/photocal/internal/model"
)

// Returns the router for the calibration API. Requests run with the thread
// limit of the given context, and log into their own response.
func NewRouter(ctx *calib.Context) *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/calibrate", func(c *gin.Context) { postCalibrate(c, ctx) })
			v1.POST("/apply", postApply)
		}
	}
	return r
}

// Serves the API on the given address until the listener fails
func Serve(addr string, ctx *calib.Context) error {
	fmt.Fprintf(ctx.Log, "Serving calibration API on %s\n", addr)
	return NewRouter(ctx).Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// Limits on the work a single calibration request may ask for
const (
	maxRequestIterations      = 100
	maxRequestInnerIterations = 1000
	maxRequestCodes           = 1 << 22 // frames times pixels
)

var errRequestTooLarge = errors.New("request too large")

// Checks the request against the per-request limits, before any frames are loaded
func checkRequestLimits(args *postCalibrateArgs) error {
	cal := &args.Calibration
	if cal.Iterations > maxRequestIterations {
		return fmt.Errorf("%w: %d iterations, at most %d", errRequestTooLarge, cal.Iterations, maxRequestIterations)
	}
	if cal.InnerIterations > maxRequestInnerIterations {
		return fmt.Errorf("%w: %d inner iterations, at most %d", errRequestTooLarge, cal.InnerIterations, maxRequestInnerIterations)
	}
	if args.Loader.Samples > maxRequestCodes {
		return fmt.Errorf("%w: %d samples per frame, at most %d", errRequestTooLarge, args.Loader.Samples, maxRequestCodes)
	}
	codes := 0
	for _, frame := range args.Samples {
		codes += len(frame)
	}
	return checkCodeCount(codes)
}

func checkCodeCount(codes int) error {
	if codes > maxRequestCodes {
		return fmt.Errorf("%w: %d codes, at most %d", errRequestTooLarge, codes, maxRequestCodes)
	}
	return nil
}

type postCalibrateArgs struct {
	Samples      [][]int32          `json:"samples"`      // frames given inline, or
	FilePatterns []string           `json:"filePatterns"` // frames loaded from files below the working directory
	Loader       config.Loader      `json:"loader"`
	Calibration  config.Calibration `json:"calibration"`
	Model        *model.Model       `json:"model"` // initial model, identity if omitted
}

type postCalibrateResult struct {
	*calib.Result
	FileNames []string `json:"fileNames,omitempty"`
	Log       string   `json:"log"`
}

func postCalibrate(c *gin.Context, ctx *calib.Context) {
	args := postCalibrateArgs{Loader: config.DefaultLoader(), Calibration: config.Default()}
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := checkRequestLimits(&args); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	var logBuf bytes.Buffer
	reqCtx := &calib.Context{Log: &logBuf, MaxThreads: ctx.MaxThreads, MemoryMB: ctx.MemoryMB}

	var fs *model.FrameSet
	var fileNames []string
	var err error
	switch {
	case len(args.Samples) > 0 && len(args.FilePatterns) > 0:
		err = errors.New("give either samples or filePatterns, not both")
	case len(args.FilePatterns) > 0:
		fs, fileNames, err = loadFrames(args.FilePatterns, args.Loader, &logBuf)
	default:
		fs, err = model.NewFrameSet(args.Samples)
	}
	if err == nil {
		err = checkCodeCount(fs.NumFrames() * fs.NumPixels())
	}
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error(), "log": logBuf.String()})
		return
	}

	initial := args.Model
	if initial == nil {
		initial = model.New(fs.NumFrames())
	}
	res, err := calib.Calibrate(reqCtx, fs, initial, args.Calibration, nil)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error(), "log": logBuf.String()})
		return
	}
	c.JSON(http.StatusOK, postCalibrateResult{Result: res, FileNames: fileNames, Log: logBuf.String()})
}

func loadFrames(patterns []string, cfg config.Loader, logWriter io.Writer) (*model.FrameSet, []string, error) {
	fileNames, err := frames.Glob(patterns, true, logWriter)
	if err != nil {
		return nil, nil, err
	}
	set, err := frames.Load(fileNames, cfg, logWriter)
	if err != nil {
		return nil, nil, err
	}
	return set.FrameSet, set.FileNames, nil
}

type postApplyArgs struct {
	Model *model.Model `json:"model" binding:"required"`
	Frame int          `json:"frame"`
	Gain  *float64     `json:"gain"` // with bias, overrides the frame's parameters
	Bias  *float64     `json:"bias"`
	Codes []int32      `json:"codes"`
}

func postApply(c *gin.Context) {
	var args postApplyArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var values []float64
	var err error
	if args.Gain != nil || args.Bias != nil {
		gain, bias := 1.0, 0.0
		if args.Gain != nil {
			gain = *args.Gain
		}
		if args.Bias != nil {
			bias = *args.Bias
		}
		values, err = args.Model.ApplyWith(gain, bias, args.Codes)
	} else {
		values, err = args.Model.Apply(args.Frame, args.Codes)
	}
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": values})
}

// Maps calibration errors to HTTP status codes. Everything but a degenerate
// model or an oversized request is rejected input, e.g. ragged frames or an invalid tolerance
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrDegenerateParameter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
