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
	"errors"
)

// Error kinds shared by all calibration stages. Callers test for them with errors.Is,
// the stages wrap them with details on the offending frame or value.
var (
	// A gain is zero, numerically indistinguishable from zero, or not finite
	ErrDegenerateParameter = errors.New("degenerate parameter")

	// The pooling tolerance is not strictly positive
	ErrInvalidTolerance = errors.New("invalid pooling tolerance")

	// Frame lengths, frame count and parameter vector lengths disagree, or a code is out of range
	ErrInputShapeMismatch = errors.New("input shape mismatch")
)
