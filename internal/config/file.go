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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

/* Example config file ...

calibration:
  tolerance: 1
  colorcorrection: 1.265
  learningrate: 0.1
  iterations: 10
  inneriterations: 10
  method: lbfgs

loader:
  channel: G
  stride: 16

*/

// Contents of a configuration file
type File struct {
	Calibration Calibration `json:"calibration" yaml:"calibration"`
	Loader      Loader      `json:"loader"      yaml:"loader"`
}

// Returns a configuration with all defaults set
func NewFile() File {
	return File{
		Calibration: Default(),
		Loader:      DefaultLoader(),
	}
}

// Loads a configuration from a .yaml, .yml or .json file. Values missing
// from the file keep their defaults. The result is validated.
func LoadFile(fileName string) (File, error) {
	f := NewFile()
	contents, err := os.ReadFile(fileName)
	if err != nil {
		return f, fmt.Errorf("read '%s': %w", fileName, err)
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(contents, &f)
	case ".json":
		err = json.Unmarshal(contents, &f)
	default:
		return f, fmt.Errorf("config '%s': unknown suffix, want .yaml, .yml or .json", fileName)
	}
	if err != nil {
		return f, fmt.Errorf("parse '%s': %w", fileName, err)
	}
	return f, f.Validate()
}

// Validates both sections
func (f *File) Validate() error {
	if err := f.Calibration.Validate(); err != nil {
		return err
	}
	return f.Loader.Validate()
}

// Renders the configuration as YAML
func (f *File) AsYaml() string {
	bs, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Sprintf("(%v)", err)
	}
	return string(bs)
}
