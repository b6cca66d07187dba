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

// Package pathtree provides a tree structure for representing file paths.
// Each path segment is a node in the tree, so a whole directory subtree can be
// looked up, walked or removed with a single descent.
package pathtree

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const divider string = "/"

// ErrNodeAlreadyExists is returned by Insert when a value already exists at the given path.
var ErrNodeAlreadyExists = errors.New("node already exists")

// Node root represents the root directory /
type Node[V any] struct {
	value    *V
	children map[string]*Node[V]
}

// NewNode creates a new empty node.
func NewNode[V any]() *Node[V] {
	return &Node[V]{
		children: make(map[string]*Node[V]),
	}
}

// Insert inserts a value into the tree at the given path.
// If a value already exists at the given path, an error is returned.
func (node *Node[V]) Insert(path string, value *V) error {
	cursor, err := node.makeNode(path)
	if err != nil {
		return fmt.Errorf("Insert() error: %w", err)
	}
	if cursor.value != nil {
		return fmt.Errorf("Insert(%q):%w", path, ErrNodeAlreadyExists)
	}
	cursor.value = value
	return nil
}

// Set stores value at the given path, replacing any existing value.
func (node *Node[V]) Set(path string, value *V) error {
	cursor, err := node.makeNode(path)
	if err != nil {
		return fmt.Errorf("Set() error: %w", err)
	}
	cursor.value = value
	return nil
}

// makeNode returns the node at path, creating intermediate nodes with nil values.
func (node *Node[V]) makeNode(path string) (*Node[V], error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return node, nil
	}

	cursor := node
	for _, segment := range strings.Split(path, divider) {
		next, ok := cursor.children[segment]
		if !ok {
			next = NewNode[V]()
			cursor.children[segment] = next
		}
		cursor = next
	}
	return cursor, nil
}

// getNode returns the node at the given path.
func (node *Node[V]) getNode(path string) *Node[V] {
	path, err := cleanPath(path)
	if err != nil {
		return nil
	}

	// If the path is empty, node is the root.
	if path == "" {
		return node
	}

	cursor := node
	for _, segment := range strings.Split(path, divider) {
		next, ok := cursor.children[segment]
		if !ok {
			return nil
		}
		cursor = next
	}

	return cursor
}

// Get retrieves the value at the given path.
// If no node exists at the given path, nil is returned.
func (node *Node[V]) Get(path string) *V {
	pathNode := node.getNode(path)
	if pathNode == nil {
		return nil
	}

	return pathNode.value
}

// GetChildren retrieves all the direct children values of the given path, ordered by name.
func (node *Node[V]) GetChildren(path string) []*V {
	pathNode := node.getNode(path)
	if pathNode == nil {
		return nil
	}

	children := make([]*V, 0, len(pathNode.children))
	for _, key := range pathNode.sortedKeys() {
		// Intermediate directories have nil values.
		if child := pathNode.children[key]; child.value != nil {
			children = append(children, child.value)
		}
	}

	return children
}

// Prune visits the value stored at path and every value below it. Values for which drop returns
// true are removed, and branches left without any value are detached from the tree. If
// includeSelf is false, the value stored at path itself is left untouched. Prune returns the
// number of removed values.
func (node *Node[V]) Prune(path string, includeSelf bool, drop func(string, *V) bool) int {
	clean, err := cleanPath(path)
	if err != nil {
		return 0
	}
	target := node.getNode(path)
	if target == nil {
		return 0
	}

	prefix := ""
	if clean != "" {
		prefix = divider + clean
	}
	removed := 0
	if includeSelf && target.value != nil && drop(prefixOrRoot(prefix), target.value) {
		target.value = nil
		removed++
	}
	for key, child := range target.children {
		removed += child.prune(prefix+divider+key, drop)
		if child.empty() {
			delete(target.children, key)
		}
	}
	return removed
}

func (node *Node[V]) prune(path string, drop func(string, *V) bool) int {
	removed := 0
	if node.value != nil && drop(path, node.value) {
		node.value = nil
		removed++
	}
	for key, child := range node.children {
		removed += child.prune(path+divider+key, drop)
		if child.empty() {
			delete(node.children, key)
		}
	}
	return removed
}

func (node *Node[V]) empty() bool {
	return node.value == nil && len(node.children) == 0
}

func (node *Node[V]) sortedKeys() []string {
	keys := make([]string, 0, len(node.children))
	for key := range node.children {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// cleanPath returns a path for use in the tree. An error is returned if path is not formatted as
// expected.
func cleanPath(inputPath string) (string, error) {
	path, found := strings.CutPrefix(inputPath, divider)
	if !found {
		return "", fmt.Errorf("path %q is not an absolute path", inputPath)
	}

	return path, nil
}

func prefixOrRoot(p string) string {
	if p == "" {
		return divider
	}
	return p
}

// Walk walks through all elements of this tree depth first in lexical order, calling fn at every
// node that holds a value.
func (node *Node[V]) Walk(fn func(string, *V) error) error {
	return node.walk("", fn)
}

// walk is a recursive function for walking through the tree and calling fn at every node.
func (node *Node[V]) walk(path string, fn func(string, *V) error) error {
	if node.value != nil {
		if err := fn(prefixOrRoot(path), node.value); err != nil {
			return err
		}
	}
	for _, key := range node.sortedKeys() {
		if err := node.children[key].walk(path+divider+key, fn); err != nil {
			return err
		}
	}

	return nil
}
