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

package calib

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// An execution context for the calibration stages
type Context struct {
	Log        io.Writer // progress and soft conditions are reported here
	MaxThreads int       `json:"maxThreads"`
	MemoryMB   int       // memory.TotalMemory()/1024/1024
}

func NewContext(log io.Writer) *Context {
	if log == nil {
		log = io.Discard
	}
	return &Context{
		Log:        log,
		MaxThreads: runtime.GOMAXPROCS(0),
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
	}
}

// Describes the host the context runs on
func (c *Context) String() string {
	return fmt.Sprintf("%s, %d logical cores, AVX2 %v, %d MB physical memory, %d threads",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2(), c.MemoryMB, c.MaxThreads)
}

// Returns true if buffers for the given number of frames and pixels fit
// comfortably into physical memory
func (c *Context) Fits(numFrames, numPixels int) bool {
	if c.MemoryMB <= 0 {
		return true
	}
	// raw, pooled and solver scratch tables, 8 bytes per value
	bytes := int64(numFrames) * int64(numPixels) * 8 * 5
	return bytes/1024/1024 < int64(c.MemoryMB)*7/10
}
