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
	"fmt"
	"strings"
)

// Colour channel to extract from loaded images
type Channel string

const (
	ChannelRed       Channel = "R"
	ChannelGreen     Channel = "G"
	ChannelBlue      Channel = "B"
	ChannelLuminance Channel = "L"
)

// Parses a channel name, case-insensitive
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(s)) {
	case ChannelRed:
		return ChannelRed, nil
	case ChannelGreen:
		return ChannelGreen, nil
	case ChannelBlue:
		return ChannelBlue, nil
	case ChannelLuminance:
		return ChannelLuminance, nil
	}
	return "", fmt.Errorf("unknown channel '%s', want one of R, G, B or L", s)
}

// Returns the error scale correction factor for the band
func (ch Channel) ColorCorrection() float64 {
	switch ch {
	case ChannelRed:
		return ColorCorrectionRed
	case ChannelBlue:
		return ColorCorrectionBlue
	}
	return ColorCorrectionGreen
}

// Largest number of random sample positions per frame
const MaxSamples = 1 << 24

// Parameters of the frame loader
type Loader struct {
	Channel Channel `json:"channel" yaml:"channel"` // colour channel to calibrate
	Stride  int     `json:"stride"  yaml:"stride"`  // sample every n-th pixel in x and y
	Samples int     `json:"samples" yaml:"samples"` // if >0, sample this many random positions instead of a grid
	Seed    uint32  `json:"seed"    yaml:"seed"`    // seed for random positions
}

// Returns the default loader parameters
func DefaultLoader() Loader {
	return Loader{
		Channel: ChannelGreen,
		Stride:  16,
		Samples: 0,
		Seed:    1,
	}
}

// Checks loader parameters for consistency, and normalizes the channel name
func (l *Loader) Validate() error {
	ch, err := ParseChannel(string(l.Channel))
	if err != nil {
		return err
	}
	l.Channel = ch
	if l.Stride < 1 {
		return fmt.Errorf("invalid stride %d", l.Stride)
	}
	if l.Samples < 0 || l.Samples > MaxSamples {
		return fmt.Errorf("invalid sample count %d, want 0 to %d", l.Samples, MaxSamples)
	}
	return nil
}
