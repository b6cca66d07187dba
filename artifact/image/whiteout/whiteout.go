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

// Package whiteout defines the overlay whiteout markers found in image layer tars and the
// helpers used to classify them during layer replay.
package whiteout

import (
	"path"
	"strings"
)

const (
	// WhiteoutPrefix is the prefix found on whiteout files.
	WhiteoutPrefix = ".wh."
	// OpaqueMarker is the name of the file marking its parent directory as opaque. All content of
	// the directory coming from lower layers is hidden.
	OpaqueMarker = ".wh..wh..opq"
)

// Kind classifies a layer path with respect to whiteout semantics.
type Kind int

const (
	// None is a regular path.
	None Kind = iota
	// File deletes a single path (and everything below it) from lower layers.
	File
	// Opaque hides the lower-layer content of a directory.
	Opaque
)

// Classify returns the whiteout kind of p along with the path it targets. For a File whiteout the
// target is the deleted path, for an Opaque marker it is the directory. Regular paths are returned
// unchanged.
func Classify(p string) (Kind, string) {
	dir, file := path.Split(p)
	switch {
	case file == OpaqueMarker:
		return Opaque, cleanDir(dir)
	case strings.HasPrefix(file, WhiteoutPrefix):
		return File, path.Join(dir, strings.TrimPrefix(file, WhiteoutPrefix))
	default:
		return None, p
	}
}

// IsWhiteout returns true if a path is a whiteout path, including opaque markers.
func IsWhiteout(p string) bool {
	_, file := path.Split(p)
	return strings.HasPrefix(file, WhiteoutPrefix)
}

// ToWhiteout returns the whiteout version of a path.
func ToWhiteout(p string) string {
	dir, file := path.Split(p)
	return path.Join(dir, WhiteoutPrefix+file)
}

// ToPath returns the non whiteout version of a path.
func ToPath(p string) string {
	_, target := Classify(p)
	return target
}

func cleanDir(dir string) string {
	if dir == "" {
		return "/"
	}
	return path.Clean(dir)
}
