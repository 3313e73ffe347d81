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

package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	nl "github.com/mlnoga/photocal/internal"
	"github.com/mlnoga/photocal/internal/calib"
	"github.com/mlnoga/photocal/internal/chart"
	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/frames"
	"github.com/mlnoga/photocal/internal/model"
	"github.com/mlnoga/photocal/internal/rest"
	"github.com/mlnoga/photocal/internal/synth"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", "", "read calibration and loader settings from .yaml, .yml or .json `file`. Flags override file values")
var out = flag.String("out", "model.json", "save calibrated model to `file`")
var logFile = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var charts = flag.String("charts", "", "save response curve and RMS charts as PNG into `dir`")
var threads = flag.Int("threads", runtime.GOMAXPROCS(0), "maximum number of worker threads")

var tol = flag.Float64("tol", 1, "pooling tolerance in codes. Pixels of a frame whose codes differ by at most this are pooled")
var colorCorr = flag.Float64("colorCorr", config.ColorCorrectionGreen, "error scale bias correction. Default depends on -channel: 1.265 for G and L, 1.333 for R and B")
var eta = flag.Float64("eta", 0.1, "learning rate of the damped update")
var iter = flag.Int("iter", 10, "outer iterations, 0=return the initial model")
var inner = flag.Int("inner", 10, "minimizer iterations per outer iteration")
var method = flag.String("method", "lbfgs", "minimizer, one of "+strings.Join(config.Methods, ", "))
var guardScale = flag.Bool("guardScale", true, "replace tiny, negative or non-finite error scales")
var stepGuard = flag.Bool("stepGuard", true, "halve or reject update steps which increase the residual RMS")
var stopTol = flag.Float64("stopTol", 0, "stop when the relative RMS improvement of an iteration drops below this, 0=never")

var channel = flag.String("channel", "G", "colour channel to calibrate, one of R, G, B or L for CIE lightness")
var stride = flag.Int("stride", 16, "sample every n-th pixel in x and y")
var samples = flag.Int("samples", 0, "sample this many random pixel positions instead of a grid, 0=grid")
var seed = flag.Uint("seed", 1, "seed for random pixel positions and synthetic noise")

var modelFile = flag.String("model", "", "read initial model for calibrate, or model to apply, from `file`")
var frame = flag.Int("frame", -1, "apply: calibrate all files with this frame's gain and bias. -1=n-th file uses frame n")
var gain = flag.Float64("gain", math.NaN(), "apply: calibrate with this gain instead of a frame's")
var bias = flag.Float64("bias", 0, "apply: bias to use with -gain")
var tiffOut = flag.String("tiff", "%auto", "apply: save calibrated 16-bit TIFF with given filename pattern, e.g. `cal%02d.tiff`. `%auto` replaces the suffix of each input with .cal.tiff")
var gamma = flag.Float64("gamma", 1, "apply: output gamma, 1=keep linear light data")

var gains = flag.String("gains", "1,2,0.5,4", "synth: comma-separated frame gains")
var biases = flag.String("biases", "", "synth: comma-separated frame biases, blank for zero")
var synthGamma = flag.Float64("synthGamma", 2.2, "synth: gamma of the response curve, 1=linear")
var noise = flag.Float64("noise", 1, "synth: amplitude of uniform noise in codes")
var width = flag.Int("width", 256, "synth: image width")
var height = flag.Int("height", 64, "synth: image height")
var synthOut = flag.String("synthOut", "synth%02d.png", "synth: save frames with given filename pattern")

var addr = flag.String("addr", ":8080", "serve: listen on this address")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving")
var setuid = flag.Int("setuid", -1, "serve: change user id before serving, -1=don't")

func main() {
	logWriter := nl.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Photocal Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (calibrate|apply|synth|serve|legal|version) (img0.png ... imgn.png)

Commands:
  calibrate Estimate gains, biases and the response curve from images of a static scene
  apply     Calibrate images with a model, writing linear 16-bit TIFFs
  synth     Write synthetic frames of a known model, for testing
  serve     Serve the calibration API over HTTP
  legal     Show license and attribution information
  version   Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *logFile == "%auto" {
		if *out != "" {
			*logFile = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*logFile = ""
		}
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	if *logFile != "" && (args[0] == "calibrate" || args[0] == "apply") {
		if err := nl.LogAlsoToFile(*logFile); err != nil {
			nl.LogFatalf("Unable to open logfile '%s': %s\n", *logFile, err.Error())
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatalf("Could not create CPU profile: %s\n", err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatalf("Could not start CPU profile: %s\n", err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	ctx := calib.NewContext(logWriter)
	if *threads > 0 {
		ctx.MaxThreads = *threads
	}

	var err error
	switch args[0] {
	case "calibrate":
		err = cmdCalibrate(args[1:], ctx)
	case "apply":
		err = cmdApply(args[1:], logWriter)
	case "synth":
		err = cmdSynth(logWriter)
	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logWriter); err == nil {
			err = rest.Serve(*addr, ctx)
		}
	case "legal":
		cmdLegal()
	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
	case "help", "?":
		flag.Usage()
	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	if args[0] == "calibrate" || args[0] == "apply" || args[0] == "synth" {
		fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))
	}

	// Store memory profile if flagged
	if *memprofile != "" {
		f, ferr := os.Create(*memprofile)
		if ferr != nil {
			nl.LogFatalf("Could not create memory profile: %s\n", ferr.Error())
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if ferr := pprof.Lookup("allocs").WriteTo(f, 0); ferr != nil {
			nl.LogFatalf("Could not write allocation profile: %s\n", ferr.Error())
		}
	}

	if err != nil {
		nl.LogFatalf("Error: %s\n", err.Error())
	}
	nl.LogSync()
}

// Returns the settings from the config file if any, overridden by explicitly set flags
func settings() (config.File, error) {
	f := config.NewFile()
	if *configFile != "" {
		var err error
		if f, err = config.LoadFile(*configFile); err != nil {
			return f, err
		}
	}

	channelSet, colorCorrSet := false, false
	var err error
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "tol":
			f.Calibration.Tolerance = *tol
		case "colorCorr":
			f.Calibration.ColorCorrection, colorCorrSet = *colorCorr, true
		case "eta":
			f.Calibration.LearningRate = *eta
		case "iter":
			f.Calibration.Iterations = *iter
		case "inner":
			f.Calibration.InnerIterations = *inner
		case "method":
			f.Calibration.Method = *method
		case "guardScale":
			f.Calibration.GuardScale = *guardScale
		case "stepGuard":
			f.Calibration.StepGuard = *stepGuard
		case "stopTol":
			f.Calibration.StopTolerance = *stopTol
		case "channel":
			ch, perr := config.ParseChannel(*channel)
			if perr != nil {
				err = perr
			}
			f.Loader.Channel, channelSet = ch, true
		case "stride":
			f.Loader.Stride = *stride
		case "samples":
			f.Loader.Samples = *samples
		case "seed":
			f.Loader.Seed = uint32(*seed)
		}
	})
	if err != nil {
		return f, err
	}
	// the colour correction follows the channel unless given explicitly
	if channelSet && !colorCorrSet {
		f.Calibration.ColorCorrection = f.Loader.Channel.ColorCorrection()
	}
	return f, f.Validate()
}

// Perform calibration command
func cmdCalibrate(args []string, ctx *calib.Context) error {
	cfg, err := settings()
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Log, "Running on %s\nSettings:\n%s\n", ctx, cfg.AsYaml())

	fileNames, err := frames.Glob(args, false, ctx.Log)
	if err != nil {
		return err
	}
	set, err := frames.Load(fileNames, cfg.Loader, ctx.Log)
	if err != nil {
		return err
	}

	var initial *model.Model
	if *modelFile != "" {
		if initial, err = model.ReadFile(*modelFile); err != nil {
			return err
		}
		fmt.Fprintf(ctx.Log, "Starting from model %s: %s\n", *modelFile, initial)
	} else {
		initial = model.New(set.FrameSet.NumFrames())
	}

	var observer calib.Observer
	var recorder *chart.Recorder
	if *charts != "" {
		recorder = chart.NewRecorder(*charts, ctx.Log)
		if err := recorder.Init(); err != nil {
			return err
		}
		observer = recorder.Observe
	}

	res, err := calib.Calibrate(ctx, set.FrameSet, initial, cfg.Calibration, observer)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Log, "\nResidual RMS %.6g -> %.6g after %d iterations\n", res.InitialRMS, res.FinalRMS, len(res.History))
	for k, fileName := range set.FileNames {
		fmt.Fprintf(ctx.Log, "%d: gain %.6g bias %.6g %s\n", k, res.Model.Gain[k], res.Model.Bias[k], fileName)
	}
	if !res.Model.Curve.IsMonotonic() {
		fmt.Fprintf(ctx.Log, "Warning: calibrated response curve is not monotonic\n")
	}
	if recorder != nil {
		if err := recorder.Finish(res); err != nil {
			return err
		}
	}

	if *out == "" {
		return nil
	}
	fmt.Fprintf(ctx.Log, "Writing model to %s\n", *out)
	return res.Model.WriteFile(*out)
}

// Perform apply command
func cmdApply(args []string, logWriter io.Writer) error {
	if *modelFile == "" {
		return errors.New("apply needs a model, see -model")
	}
	m, err := model.ReadFile(*modelFile)
	if err != nil {
		return err
	}
	fileNames, err := frames.Glob(args, false, logWriter)
	if err != nil {
		return err
	}

	for i, fileName := range fileNames {
		g, b, err := frameParameters(m, i)
		if err != nil {
			return err
		}
		img, err := frames.ReadImage(fileName)
		if err != nil {
			return err
		}
		l, err := frames.ApplyImage(m, g, b, img)
		if err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
		min, max := l.Range()

		outName := *tiffOut
		if outName == "%auto" {
			outName = strings.TrimSuffix(fileName, filepath.Ext(fileName)) + ".cal.tiff"
		} else if strings.Contains(outName, "%") {
			outName = fmt.Sprintf(outName, i)
		}
		fmt.Fprintf(logWriter, "%d: Calibrated %s with gain %.6g bias %.6g, range [%.6g,%.6g], writing %s\n",
			i, fileName, g, b, min, max, outName)
		if err := l.WriteTIFF16ToFile(outName, min, max, *gamma); err != nil {
			return err
		}
	}
	return nil
}

// Returns gain and bias to calibrate the i-th input file with
func frameParameters(m *model.Model, i int) (float64, float64, error) {
	if !math.IsNaN(*gain) {
		return *gain, *bias, nil
	}
	k := *frame
	if k < 0 {
		k = i
	}
	if k >= m.NumFrames() {
		return 0, 0, fmt.Errorf("%w: no frame %d in model with %d frames, see -frame and -gain",
			model.ErrInputShapeMismatch, k, m.NumFrames())
	}
	return m.Gain[k], m.Bias[k], nil
}

// Perform synth command: writes gray frames of a scene whose irradiance
// ramps up from left to right and from top to bottom
func cmdSynth(logWriter io.Writer) error {
	g, err := parseFloats(*gains)
	if err != nil {
		return fmt.Errorf("gains: %w", err)
	}
	var b []float64
	if *biases != "" {
		if b, err = parseFloats(*biases); err != nil {
			return fmt.Errorf("biases: %w", err)
		}
	}
	w, h := *width, *height
	if w < 1 || h < 1 {
		return fmt.Errorf("invalid synthetic image size %dx%d", w, h)
	}

	maxGain := 0.0
	for _, v := range g {
		maxGain = math.Max(maxGain, v)
	}
	if maxGain <= 0 {
		return fmt.Errorf("need a positive gain, have %v", g)
	}
	// spans [0,255/maxGain), so the brightest frame just saturates
	irradiance := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			irradiance[y*w+x] = 255 / maxGain * (float64(x)/float64(2*w) + float64(y)/float64(2*h))
		}
	}
	curve := synth.GammaCurve(*synthGamma)
	fs, err := synth.Generate(synth.Params{Gain: g, Bias: b, Curve: &curve, Irradiance: irradiance, Noise: *noise, Seed: uint32(*seed)})
	if err != nil {
		return err
	}

	for k, codes := range fs.Samples {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for p, code := range codes {
			img.SetGray(p%w, p/w, color.Gray{uint8(code)})
		}
		fileName := fmt.Sprintf(*synthOut, k)
		fmt.Fprintf(logWriter, "%d: Writing frame with gain %.4g to %s\n", k, g[k], fileName)
		if err := writePNG(fileName, img); err != nil {
			return err
		}
	}
	return nil
}

func writePNG(fileName string, img image.Image) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Parses a comma-separated list of numbers
func parseFloats(s string) ([]float64, error) {
	var res []float64
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}
