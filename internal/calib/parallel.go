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

// Runs fn(i) for all i in [0,n) with at most maxThreads goroutines in flight.
// Returns once all calls completed, with the first error encountered if any
func parallelFor(n, maxThreads int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	if maxThreads > n {
		maxThreads = n
	}
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		limiter <- true
		go func(i int) {
			defer func() { <-limiter }()
			errs <- fn(i)
		}(i)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var err error
	for i := 0; i < n; i++ { // collect errors
		if e := <-errs; e != nil && err == nil {
			err = e
		}
	}
	return err
}
