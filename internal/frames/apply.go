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
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/mlnoga/photocal/internal/model"
	"golang.org/x/image/tiff"
)

// A linear RGB image, with one plane of width*height calibrated values per colour
type Linear struct {
	Width, Height int
	Data          [3][]float64
}

// Calibrates all colour values of an image with the given gain and bias and the model's
// response curve. Deeper images are reduced to their most significant 8 bits first.
func ApplyImage(m *model.Model, gain, bias float64, img image.Image) (*Linear, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	var codes [3][]int32
	for ch := range codes {
		codes[ch] = make([]int32, width*height)
	}
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			codes[0][yoffset+x] = int32(r >> 8)
			codes[1][yoffset+x] = int32(g >> 8)
			codes[2][yoffset+x] = int32(b >> 8)
		}
	}

	l := &Linear{Width: width, Height: height}
	for ch := range codes {
		data, err := m.ApplyWith(gain, bias, codes[ch])
		if err != nil {
			return nil, err
		}
		l.Data[ch] = data
	}
	return l, nil
}

// Returns the smallest and largest finite value of all planes
func (l *Linear) Range() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, plane := range l.Data {
		for _, v := range plane {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	return min, max
}

// Write a linear image to 16-bit TIFF, using the given min, max and gamma.
func (l *Linear) WriteTIFF16ToFile(fileName string, min, max, gamma float64) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := l.WriteTIFF16(writer, min, max, gamma); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a linear image to 16-bit TIFF, using the given min, max and gamma.
func (l *Linear) WriteTIFF16(writer io.Writer, min, max, gamma float64) error {
	img := image.NewRGBA64(image.Rect(0, 0, l.Width, l.Height))
	scale := 1.0
	if max > min {
		scale = 1 / (max - min)
	}
	gammaInv := 1 / gamma
	for y := 0; y < l.Height; y++ {
		yoffset := y * l.Width
		var rgb [3]uint16
		for x := 0; x < l.Width; x++ {
			for ch, plane := range l.Data {
				v := (plane[yoffset+x] - min) * scale
				// replace NaNs with zeros for export, else TIFF output breaks
				if math.IsNaN(v) || v < 0 {
					v = 0
				}
				if v > 1 {
					v = 1
				}
				if gammaInv != 1 {
					v = math.Pow(v, gammaInv)
				}
				rgb[ch] = uint16(math.Round(v * 65535))
			}
			img.SetRGBA64(x, y, color.RGBA64{rgb[0], rgb[1], rgb[2], 65535})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}
