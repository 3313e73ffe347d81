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
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mlnoga/photocal/internal/config"
	"github.com/mlnoga/photocal/internal/model"
	"golang.org/x/image/tiff"
)

// Writes a w*h PNG whose pixel (x,y) has red x*10+offset, green y*10+offset and blue offset
func writeTestPNG(t *testing.T, dir, name string, w, h int, offset uint8) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x*10) + offset, uint8(y*10) + offset, offset, 255})
		}
	}
	fileName := filepath.Join(dir, name)
	file, err := os.Create(fileName)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatal(err)
	}
	return fileName
}

func TestLoadChannels(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		writeTestPNG(t, dir, "a.png", 4, 3, 0),
		writeTestPNG(t, dir, "b.png", 4, 3, 5),
	}
	testcases := []struct {
		channel config.Channel
		want    []int32 // frame 1 at stride 2: (0,0) (2,0) (0,2) (2,2)
	}{
		{config.ChannelRed, []int32{5, 25, 5, 25}},
		{config.ChannelGreen, []int32{5, 5, 25, 25}},
		{config.ChannelBlue, []int32{5, 5, 5, 5}},
	}
	for _, tc := range testcases {
		set, err := Load(names, config.Loader{Channel: tc.channel, Stride: 2}, io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		if set.FrameSet.NumFrames() != 2 {
			t.Errorf("%s: %d frames; want 2", tc.channel, set.FrameSet.NumFrames())
		}
		if got := set.FrameSet.Samples[1]; !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: samples %v; want %v", tc.channel, got, tc.want)
		}
	}
}

func TestLoadRejectsMismatchedBounds(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		writeTestPNG(t, dir, "a.png", 4, 3, 0),
		writeTestPNG(t, dir, "b.png", 3, 4, 0),
	}
	if _, err := Load(names, config.DefaultLoader(), io.Discard); !errors.Is(err, model.ErrInputShapeMismatch) {
		t.Errorf("err=%v; want %v", err, model.ErrInputShapeMismatch)
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, dir, "b.png", 1, 1, 0)
	writeTestPNG(t, dir, "a.png", 1, 1, 0)
	names, err := Glob([]string{filepath.Join(dir, "*.png"), filepath.Join(dir, "a.png")}, false, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png")}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names=%v; want %v", names, want)
	}
	// temp dirs are absolute
	if _, err := Glob([]string{filepath.Join(dir, "*.png")}, true, io.Discard); err == nil {
		t.Errorf("relativeOnly: err=nil for absolute matches")
	}
}

func TestIsPathAllowed(t *testing.T) {
	testcases := []struct {
		path string
		want bool
	}{
		{"frames/a.png", true},
		{"a.png", true},
		{"../a.png", false},
		{"/etc/passwd", false},
	}
	for _, tc := range testcases {
		if got := IsPathAllowed(tc.path); got != tc.want {
			t.Errorf("IsPathAllowed(%s)=%v; want %v", tc.path, got, tc.want)
		}
	}
}

func TestPositions(t *testing.T) {
	bounds := image.Rect(2, 3, 7, 5)
	grid := Positions(bounds, config.Loader{Stride: 2})
	want := []image.Point{{2, 3}, {4, 3}, {6, 3}}
	if !reflect.DeepEqual(grid, want) {
		t.Errorf("grid=%v; want %v", grid, want)
	}

	cfg := config.Loader{Samples: 50, Seed: 9}
	random := Positions(bounds, cfg)
	if len(random) != 50 {
		t.Errorf("%d random positions; want 50", len(random))
	}
	for _, pt := range random {
		if !pt.In(bounds) {
			t.Errorf("position %v outside %v", pt, bounds)
		}
	}
	if again := Positions(bounds, cfg); !reflect.DeepEqual(random, again) {
		t.Errorf("positions differ for the same seed")
	}
}

func TestLuminance(t *testing.T) {
	if l := Luminance(0, 0, 0); l != 0 {
		t.Errorf("black=%d; want 0", l)
	}
	if l := Luminance(0xffff, 0xffff, 0xffff); l != 255 {
		t.Errorf("white=%d; want 255", l)
	}
	prev := int32(-1)
	for v := uint32(0); v <= 0xffff; v += 0x101 {
		l := Luminance(v, v, v)
		if l < prev {
			t.Errorf("luminance of gray %d is %d, below %d", v, l, prev)
		}
		prev = l
	}
}

func TestApplyImageWritesTIFF(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{0, 51, 255, 255})
	img.SetRGBA(1, 0, color.RGBA{102, 204, 153, 255})

	m := model.New(1)
	l, err := ApplyImage(m, 1, 0, img)
	if err != nil {
		t.Fatal(err)
	}
	want := [3][]float64{{0, 102}, {51, 204}, {255, 153}}
	if !reflect.DeepEqual(l.Data, want) {
		t.Errorf("data=%v; want %v", l.Data, want)
	}
	if min, max := l.Range(); min != 0 || max != 255 {
		t.Errorf("range=[%g,%g]; want [0,255]", min, max)
	}

	var buf bytes.Buffer
	if err := l.WriteTIFF16(&buf, 0, 255, 1); err != nil {
		t.Fatal(err)
	}
	decoded, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := decoded.At(1, 0).RGBA()
	if r != 102*257 || g != 204*257 || b != 153*257 {
		t.Errorf("pixel=(%d,%d,%d); want (%d,%d,%d)", r, g, b, 102*257, 204*257, 153*257)
	}

	if _, err := ApplyImage(m, 0, 0, img); !errors.Is(err, model.ErrDegenerateParameter) {
		t.Errorf("zero gain: err=%v; want %v", err, model.ErrDegenerateParameter)
	}
}
