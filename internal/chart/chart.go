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

package chart

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mlnoga/photocal/internal/calib"
	"github.com/mlnoga/photocal/internal/model"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plot dimensions
const (
	Width  = 8 * vg.Inch
	Height = 6 * vg.Inch
)

// Records calibration progress as PNG charts: the response curve after every
// iteration, and the residual RMS history once the run is finished
type Recorder struct {
	Dir string    // output directory
	Log io.Writer // plotting errors are reported here
	err error     // first error encountered
}

func NewRecorder(dir string, logWriter io.Writer) *Recorder {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &Recorder{Dir: dir, Log: logWriter}
}

// Plots the response curve of the reported model. Suitable as calib.Observer.
// Errors are logged and remembered, the calibration continues.
func (r *Recorder) Observe(rep calib.IterationReport) {
	p, err := CurvePlot(&rep.Model.Curve, fmt.Sprintf("Response curve after iteration %d, RMS %.4g", rep.Iteration, rep.RMS))
	if err == nil {
		fileName := filepath.Join(r.Dir, fmt.Sprintf("curve_%03d.png", rep.Iteration))
		err = p.Save(Width, Height, fileName)
	}
	r.fail(err)
}

// Plots the residual RMS history of a finished run into rms.png
func (r *Recorder) Finish(res *calib.Result) error {
	p, err := RMSPlot(res)
	if err == nil {
		err = p.Save(Width, Height, filepath.Join(r.Dir, "rms.png"))
	}
	r.fail(err)
	return r.err
}

// Returns the first error encountered while plotting, if any
func (r *Recorder) Err() error { return r.err }

func (r *Recorder) fail(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(r.Log, "Error plotting: %s\n", err.Error())
	if r.err == nil {
		r.err = err
	}
}

// Creates the output directory if needed
func (r *Recorder) Init() error {
	return os.MkdirAll(r.Dir, 0755)
}

// Returns a plot of a response curve against the identity
func CurvePlot(curve *model.Curve, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Code"
	p.Y.Label.Text = "Response"

	pts, ident := make(plotter.XYs, model.NumCodes), make(plotter.XYs, model.NumCodes)
	identity := model.IdentityCurve()
	for c := range curve {
		pts[c] = plotter.XY{X: float64(c), Y: curve[c]}
		ident[c] = plotter.XY{X: float64(c), Y: identity[c]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1.5)
	identLine, err := plotter.NewLine(ident)
	if err != nil {
		return nil, err
	}
	identLine.Width = vg.Points(0.5)
	identLine.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}

	p.Add(plotter.NewGrid(), identLine, line)
	p.Legend.Add("curve", line)
	p.Legend.Add("identity", identLine)
	p.Legend.Top = true
	p.Legend.Left = true
	return p, nil
}

// Returns a plot of the residual RMS before and after every iteration
func RMSPlot(res *calib.Result) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Residual RMS"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "RMS"

	pts := make(plotter.XYs, 0, len(res.History)+1)
	pts = append(pts, plotter.XY{X: 0, Y: res.InitialRMS})
	for _, rep := range res.History {
		pts = append(pts, plotter.XY{X: float64(rep.Iteration + 1), Y: rep.RMS})
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(plotter.NewGrid(), line, points)
	return p, nil
}
