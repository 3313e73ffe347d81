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

package stats

import (
	"fmt"
	"math"

	"github.com/mlnoga/photocal/internal/model"
	"gonum.org/v1/gonum/optimize"
)

// Histogram of 8-bit codes
type Histogram [model.NumCodes]int32

// Calculates the histogram of the given codes. Codes outside [0,255] are ignored
func NewHistogram(codes []int32) *Histogram {
	var h Histogram
	for _, c := range codes {
		if c >= 0 && c < model.NumCodes {
			h[c]++
		}
	}
	return &h
}

// Returns the total number of codes counted
func (h *Histogram) Count() int {
	n := 0
	for _, v := range h {
		n += int(v)
	}
	return n
}

// Returns the location and the value of the histogram peak
func (h *Histogram) Peak() (code int, count int32) {
	code, count = -1, int32(math.MinInt32)
	for i, v := range h {
		if v > count {
			code, count = i, v
		}
	}
	return code, count
}

// Calculates the mode and the standard deviation of the histogram, by fitting a normal distribution
func (h *Histogram) ModeStdDev() (mode, stdDev float64, err error) {
	// Take an educated initial guess: the maximum value of the histogram
	peak, peakVal := h.Peak()

	// Now minimize the distance between the histogram and a normal distribution
	x0 := []float64{float64(peakVal) * 5 * math.Sqrt(2*math.Pi), float64(peak), 5.0}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], x[2]
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := 0.0
			for i, y := range h {
				xmusig := (float64(i) - mu) / sigma
				diff := float64(y) - scaler*math.Exp(-0.5*xmusig*xmusig)
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / model.NumCodes)
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return -1, -1, err
	}
	return result.X[1], math.Abs(result.X[2]), nil
}

// Summary of the codes of one frame
type FrameStats struct {
	Min, Max  int32
	Peak      int
	Mean      float64
	Clipped   float64 // fraction of codes at 0 or 255
	Histogram *Histogram
}

// Calculates statistics of the codes of one frame
func NewFrameStats(codes []int32) FrameStats {
	h := NewHistogram(codes)
	s := FrameStats{Min: -1, Max: -1, Histogram: h}
	s.Peak, _ = h.Peak()
	sum, n := 0.0, 0
	for c, v := range h {
		if v == 0 {
			continue
		}
		if s.Min < 0 {
			s.Min = int32(c)
		}
		s.Max = int32(c)
		sum += float64(c) * float64(v)
		n += int(v)
	}
	if n > 0 {
		s.Mean = sum / float64(n)
		s.Clipped = float64(h[0]+h[model.NumCodes-1]) / float64(n)
	}
	return s
}

// Returns a warning if the frame is unlikely to help calibration, else the empty string
func (s FrameStats) Warning() string {
	switch {
	case s.Max-s.Min < 8:
		return "low dynamic range"
	case s.Clipped > 0.5:
		return fmt.Sprintf("%.0f%% of codes clipped", 100*s.Clipped)
	}
	return ""
}

// Pretty print stats to string
func (s FrameStats) String() string {
	return fmt.Sprintf("min %d max %d peak %d mean %.4g clipped %.2f%%", s.Min, s.Max, s.Peak, s.Mean, 100*s.Clipped)
}
