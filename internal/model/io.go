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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Writes the model as indented JSON to the given file
func (m *Model) WriteFile(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := m.Write(writer); err != nil {
		return err
	}
	return writer.Flush()
}

// Writes the model as indented JSON
func (m *Model) Write(writer io.Writer) error {
	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = writer.Write(bs)
	return err
}

// Reads a model from the given JSON file
func ReadFile(fileName string) (*Model, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	m, err := Read(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return m, nil
}

// Reads a model from JSON, and checks gain and bias vectors have equal length
func Read(reader io.Reader) (*Model, error) {
	m := &Model{}
	if err := json.NewDecoder(reader).Decode(m); err != nil {
		return nil, err
	}
	if err := m.CheckShape(len(m.Gain)); err != nil {
		return nil, err
	}
	return m, nil
}
