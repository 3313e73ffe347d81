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

package model

import (
	"fmt"
)

// Number of distinct 8-bit sensor codes
const NumCodes = 256

// An ordered set of frames of one colour channel. Samples[frame][pixel] holds
// the sensor code of a subsampled pixel position. All frames have the same
// number of samples, and a pixel index refers to the same scene position in every frame.
// Treated as read-only once validated.
type FrameSet struct {
	Samples [][]int32 `json:"samples"`
}

// Creates a new frame set from the given samples, and validates it
func NewFrameSet(samples [][]int32) (*FrameSet, error) {
	fs := &FrameSet{Samples: samples}
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Returns the number of frames
func (fs *FrameSet) NumFrames() int { return len(fs.Samples) }

// Returns the number of pixel positions per frame
func (fs *FrameSet) NumPixels() int {
	if len(fs.Samples) == 0 {
		return 0
	}
	return len(fs.Samples[0])
}

// Checks the frame set is non-empty, rectangular, and only holds codes in [0,255]
func (fs *FrameSet) Validate() error {
	if len(fs.Samples) == 0 {
		return fmt.Errorf("%w: no frames", ErrInputShapeMismatch)
	}
	numPixels := len(fs.Samples[0])
	if numPixels == 0 {
		return fmt.Errorf("%w: frame 0 has no samples", ErrInputShapeMismatch)
	}
	for i, frame := range fs.Samples {
		if len(frame) != numPixels {
			return fmt.Errorf("%w: frame %d has %d samples, frame 0 has %d", ErrInputShapeMismatch, i, len(frame), numPixels)
		}
		for p, code := range frame {
			if code < 0 || code >= NumCodes {
				return fmt.Errorf("%w: frame %d pixel %d has code %d outside [0,%d]", ErrInputShapeMismatch, i, p, code, NumCodes-1)
			}
		}
	}
	return nil
}

// Pretty print frame set dimensions
func (fs *FrameSet) String() string {
	return fmt.Sprintf("%d frames x %d pixels", fs.NumFrames(), fs.NumPixels())
}
