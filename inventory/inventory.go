// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inventory stores the records a parser can return.
package inventory

import (
	"github.com/imgdeps/imgdeps/extractor"
)

// FileError is a recoverable failure to parse one extracted file.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *FileError) Unwrap() error { return e.Err }

// Inventory stores the packages found by one or more parsers along with the files that could not
// be parsed.
type Inventory struct {
	Packages   []*extractor.Package
	FileErrors []*FileError
}

// Append adds one or more inventories to the current one.
func (i *Inventory) Append(other ...Inventory) {
	for _, o := range other {
		i.Packages = append(i.Packages, o.Packages...)
		i.FileErrors = append(i.FileErrors, o.FileErrors...)
	}
}

// AddFileError records a failure to parse path.
func (i *Inventory) AddFileError(path string, err error) {
	i.FileErrors = append(i.FileErrors, &FileError{Path: path, Err: err})
}

// IsEmpty returns true if there are no packages in this Inventory.
func (i Inventory) IsEmpty() bool {
	return len(i.Packages) == 0
}
