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

package extract

import (
	"slices"

	"github.com/imgdeps/imgdeps/artifact/image/pathtree"
)

// File is the result of decoding a path with one action.
type File struct {
	Path   string
	Action string
	// LayerIndex is the index of the layer that wrote the visible version of the file.
	LayerIndex int
	// Value is the decoded value. It is nil when decoding failed or the action declined the
	// content.
	Value any
	// Err is the decode failure, if any.
	Err error
}

// node holds the files decoded at one path, one per action, in action order.
type node struct {
	files []*File
}

// Layers is the merged view of every file decoded during an extraction pass, keyed by path. At
// most one File exists per (path, action) and it reflects the topmost write of the path.
type Layers struct {
	tree  *pathtree.Node[node]
	count int
}

// NewLayers returns an empty Layers.
func NewLayers() *Layers {
	return &Layers{tree: pathtree.NewNode[node]()}
}

// Get returns the file decoded at path by action, or nil.
func (l *Layers) Get(path, action string) *File {
	n := l.tree.Get(path)
	if n == nil {
		return nil
	}
	for _, f := range n.files {
		if f.Action == action {
			return f
		}
	}
	return nil
}

// Files returns every file decoded at path.
func (l *Layers) Files(path string) []*File {
	n := l.tree.Get(path)
	if n == nil {
		return nil
	}
	return slices.Clone(n.files)
}

// ByAction returns the files decoded by action, ordered by path.
func (l *Layers) ByAction(action string) []*File {
	var out []*File
	_ = l.tree.Walk(func(_ string, n *node) error {
		for _, f := range n.files {
			if f.Action == action {
				out = append(out, f)
			}
		}
		return nil
	})
	return out
}

// Paths returns every path holding at least one file, in lexical order.
func (l *Layers) Paths() []string {
	var out []string
	_ = l.tree.Walk(func(p string, _ *node) error {
		out = append(out, p)
		return nil
	})
	return out
}

// Len returns the number of decoded files.
func (l *Layers) Len() int {
	return l.count
}

// Put stores f, replacing the file decoded at the same path by the same action.
func (l *Layers) Put(f *File) {
	n := l.tree.Get(f.Path)
	if n == nil {
		n = &node{}
		// The path is absolute, so Set cannot fail.
		_ = l.tree.Set(f.Path, n)
	}
	for i, existing := range n.files {
		if existing.Action == f.Action {
			n.files[i] = f
			return
		}
	}
	n.files = append(n.files, f)
	l.count++
}

// Remove deletes the files written below layer at path and, if recursive, everything beneath it.
// It returns the number of removed files.
func (l *Layers) Remove(path string, below int, includeSelf, recursive bool) int {
	removed := 0
	drop := func(p string, n *node) bool {
		if !recursive && p != path {
			return false
		}
		if !includeSelf && p == path {
			return false
		}
		kept := n.files[:0]
		for _, f := range n.files {
			if f.LayerIndex < below {
				removed++
				continue
			}
			kept = append(kept, f)
		}
		n.files = kept
		return len(n.files) == 0
	}
	l.tree.Prune(path, includeSelf, drop)
	l.count -= removed
	return removed
}
