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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

// Expands file name wildcards into a sorted list of distinct file names.
// With relativeOnly, matches outside the current directory tree are skipped,
// which is what the server needs.
func Glob(patterns []string, relativeOnly bool, logWriter io.Writer) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if relativeOnly && !IsPathAllowed(match) {
				fmt.Fprintf(logWriter, "Pattern match %s outside current directory tree, skipping\n", match)
				continue
			}
			if !seen[match] {
				seen[match] = true
				names = append(names, match)
			}
		}
	}
	if len(names) == 0 {
		return nil, errors.New(fmt.Sprintf("no files to load from pattern %v", patterns))
	}
	sort.Strings(names)
	fmt.Fprintf(logWriter, "Found %d files.\n", len(names))
	return names, nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	return !strings.Contains(p, "..")
}
