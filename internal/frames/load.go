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

package frames

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/model"
	"github.com/mlnoga/photocal/internal/stats"
	"github.com/pbnjay/memory"
	"github.com/valyala/fastrand"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Frames loaded from image files, with the sample positions used
type Set struct {
	FrameSet  *model.FrameSet
	FileNames []string
	Bounds    image.Rectangle // common bounds of all images
	Positions []image.Point   // sample positions, one per pixel of the frame set
	Stats     []stats.FrameStats
}

// Decodes an image file in any registered format
func ReadImage(fileName string) (image.Image, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, format, err := image.Decode(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%s: empty %s image", fileName, format)
	}
	return img, nil
}

// Loads the given files, extracts the configured channel and samples it at the configured
// positions. All images must have the same bounds. Images are decoded one at a time, so only
// the samples of all frames and a single decoded image are held in memory.
func Load(fileNames []string, cfg config.Loader, logWriter io.Writer) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(fileNames) == 0 {
		return nil, fmt.Errorf("%w: no files to load", model.ErrInputShapeMismatch)
	}

	set := &Set{FileNames: fileNames}
	samples := make([][]int32, len(fileNames))
	for i, fileName := range fileNames {
		img, err := ReadImage(fileName)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			set.Bounds = img.Bounds()
			set.Positions = Positions(set.Bounds, cfg)
			if err := checkMemory(len(fileNames), len(set.Positions), set.Bounds); err != nil {
				return nil, err
			}
		} else if !img.Bounds().Eq(set.Bounds) {
			return nil, fmt.Errorf("%w: %s has bounds %v, %s has %v", model.ErrInputShapeMismatch,
				fileName, img.Bounds(), fileNames[0], set.Bounds)
		}
		samples[i] = Extract(img, cfg.Channel, set.Positions)
		st := stats.NewFrameStats(samples[i])
		set.Stats = append(set.Stats, st)

		info := ""
		if mode, stdDev, err := st.Histogram.ModeStdDev(); err == nil {
			info = fmt.Sprintf(" mode %.4g stdDev %.4g", mode, stdDev)
		}
		if w := st.Warning(); w != "" {
			info += "; WARNING " + w
		}
		fmt.Fprintf(logWriter, "%d: Loaded %dx%d image from %s, %d samples of channel %s with %v%s\n",
			i, set.Bounds.Dx(), set.Bounds.Dy(), fileName, len(samples[i]), cfg.Channel, st, info)
	}

	fs, err := model.NewFrameSet(samples)
	if err != nil {
		return nil, err
	}
	set.FrameSet = fs
	return set, nil
}

// Returns the sample positions within the bounds: cfg.Samples seeded random positions,
// or a grid with cfg.Stride spacing if cfg.Samples is zero
func Positions(bounds image.Rectangle, cfg config.Loader) []image.Point {
	if cfg.Samples > 0 {
		rng := fastrand.RNG{}
		rng.Seed(cfg.Seed)
		w, h := uint32(bounds.Dx()), uint32(bounds.Dy())
		points := make([]image.Point, cfg.Samples)
		for i := range points {
			points[i] = image.Point{bounds.Min.X + int(rng.Uint32n(w)), bounds.Min.Y + int(rng.Uint32n(h))}
		}
		return points
	}

	stride := cfg.Stride
	if stride < 1 {
		stride = 1
	}
	var points []image.Point
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			points = append(points, image.Point{x, y})
		}
	}
	return points
}

// Returns the 8-bit codes of the given channel at the given positions.
// Deeper images are reduced to their most significant 8 bits.
func Extract(img image.Image, ch config.Channel, positions []image.Point) []int32 {
	codes := make([]int32, len(positions))
	for i, pt := range positions {
		r, g, b, _ := img.At(pt.X, pt.Y).RGBA()
		switch ch {
		case config.ChannelRed:
			codes[i] = int32(r >> 8)
		case config.ChannelBlue:
			codes[i] = int32(b >> 8)
		case config.ChannelLuminance:
			codes[i] = Luminance(r, g, b)
		default:
			codes[i] = int32(g >> 8)
		}
	}
	return codes
}

// Returns the CIE lightness of a 16-bit sRGB colour as an 8-bit code
func Luminance(r, g, b uint32) int32 {
	col := colorful.Color{R: float64(r) / 0xffff, G: float64(g) / 0xffff, B: float64(b) / 0xffff}
	_, _, l := col.Hcl()
	code := int32(math.Round(l * 255))
	if code < 0 {
		return 0
	}
	if code > model.NumCodes-1 {
		return model.NumCodes - 1
	}
	return code
}

// Checks that the samples plus one decoded 16-bit RGBA image fit into physical memory
func checkMemory(numFrames, numPositions int, bounds image.Rectangle) error {
	totalMB := int64(memory.TotalMemory() / 1024 / 1024)
	if totalMB <= 0 {
		return nil
	}
	bytes := int64(numFrames)*int64(numPositions)*4 + int64(bounds.Dx())*int64(bounds.Dy())*8
	if neededMB := bytes / 1024 / 1024; neededMB > totalMB*7/10 {
		return errors.New(fmt.Sprintf("loading %d frames of %d samples needs %d MB, more than 70%% of %d MB physical memory",
			numFrames, numPositions, neededMB, totalMB))
	}
	return nil
}
