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

// Package depgraph assembles the dependency records of a scan into a single acyclic graph
// rooted at the scanned image.
package depgraph

import (
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"deps.dev/util/semver"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/hashicorp/go-version"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/purl"
	"github.com/opencontainers/go-digest"
)

// PurposeImage is the purpose of the synthetic root node.
const PurposeImage extractor.Purpose = "image"

// EdgeKind is the relationship an edge stands for.
type EdgeKind string

// Edge kinds.
const (
	// DependsOn links a package to a declared dependency, or a binary to a needed library.
	DependsOn EdgeKind = "depends-on"
	// Contains links a package to a binary among its files, or the root to a top-level node.
	Contains EdgeKind = "contains"
)

// Node is a vertex of the graph.
type Node struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Version        string                   `json:"version,omitempty"`
	PackageManager extractor.PackageManager `json:"packageManager,omitempty"`
	Purpose        extractor.Purpose        `json:"purpose"`
	PURL           string                   `json:"purl,omitempty"`
	Digest         digest.Digest            `json:"digest,omitempty"`
	// Locations lists where the node was found, earliest discovery first.
	Locations []string `json:"locations,omitempty"`
	// Children are the IDs of the targets of the node's edges, in edge order.
	Children []string `json:"children,omitempty"`

	sources  []*extractor.Package
	out      []*Node
	indegree int
}

// Packages returns the records merged into the node, in discovery order.
func (n *Node) Packages() []*extractor.Package {
	return n.sources
}

// Edge is a directed edge of the graph.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Diagnostic is an edge that was dropped while building the graph.
type Diagnostic struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// Graph is the dependency graph of an image. Nodes and edges iterate in insertion order.
type Graph struct {
	// Root is the synthetic node standing for the scanned image.
	Root *Node
	// PackageManager is the OS package manager the packages were read from.
	PackageManager string
	OS             *extractor.TargetOS
	Diagnostics    []Diagnostic

	nodes   *linkedhashmap.Map
	edges   []Edge
	edgeSet *hashset.Set
}

// Key returns the identity key of pkg: name@digest for binaries and unversioned records that
// carry a digest, name@version otherwise, with "unknown" standing in for an empty version.
func Key(pkg *extractor.Package) string {
	if pkg.Digest != "" && (pkg.Purpose == extractor.PurposeBinary || pkg.Version == "") {
		return pkg.Name + "@" + pkg.Digest.String()
	}
	return pkg.Name + "@" + pkg.VersionOrUnknown()
}

// Build assembles pkgs into a graph rooted at a node named after target. Records sharing an
// identity key collapse into one node. Declared dependencies become edges when they resolve to
// a record of the same package manager; nodes left without an incoming edge become children of
// the root.
func Build(target string, pkgManager string, pkgs []*extractor.Package, targetOS *extractor.TargetOS) *Graph {
	g := &Graph{
		Root:           &Node{ID: target, Name: target, Purpose: PurposeImage},
		PackageManager: pkgManager,
		OS:             targetOS,
		nodes:          linkedhashmap.New(),
		edgeSet:        hashset.New(),
	}
	idx := newIndex()
	for _, pkg := range pkgs {
		if pkg == nil || pkg.Name == "" {
			continue
		}
		g.insert(pkg, idx)
	}
	g.link(idx)

	for _, n := range g.Nodes() {
		if n.indegree > 0 {
			continue
		}
		g.Root.Children = append(g.Root.Children, n.ID)
		g.edges = append(g.edges, Edge{From: g.Root.ID, To: n.ID, Kind: Contains})
	}
	return g
}

// Nodes returns the nodes of the graph, root excluded, in insertion order.
func (g *Graph) Nodes() []*Node {
	values := g.nodes.Values()
	nodes := make([]*Node, 0, len(values))
	for _, v := range values {
		nodes = append(nodes, v.(*Node))
	}
	return nodes
}

// Node returns the node with the given ID. The root is found by its ID too.
func (g *Graph) Node(id string) (*Node, bool) {
	if id == g.Root.ID {
		return g.Root, true
	}
	v, found := g.nodes.Get(id)
	if !found {
		return nil, false
	}
	return v.(*Node), true
}

// Edges returns the edges of the graph, root edges last.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Len returns the number of nodes, root excluded.
func (g *Graph) Len() int {
	return g.nodes.Size()
}

// MarshalJSON encodes the graph as its root, node list, edge list and diagnostics.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Root           *Node               `json:"root"`
		PackageManager string              `json:"packageManager,omitempty"`
		OS             *extractor.TargetOS `json:"os,omitempty"`
		Nodes          []*Node             `json:"nodes"`
		Edges          []Edge              `json:"edges"`
		Diagnostics    []Diagnostic        `json:"diagnostics,omitempty"`
	}{
		Root:           g.Root,
		PackageManager: g.PackageManager,
		OS:             g.OS,
		Nodes:          g.Nodes(),
		Edges:          g.Edges(),
		Diagnostics:    g.Diagnostics,
	})
}

func (g *Graph) insert(pkg *extractor.Package, idx *index) {
	id := Key(pkg)
	if v, found := g.nodes.Get(id); found {
		n := v.(*Node)
		n.Locations = appendUnique(n.Locations, pkg.Locations...)
		n.sources = append(n.sources, pkg)
		idx.add(n, pkg)
		return
	}
	n := &Node{
		ID:             id,
		Name:           pkg.Name,
		Version:        pkg.Version,
		PackageManager: pkg.PackageManager,
		Purpose:        pkg.Purpose,
		PURL:           purl.String(pkg),
		Digest:         pkg.Digest,
		Locations:      appendUnique(nil, pkg.Locations...),
		sources:        []*extractor.Package{pkg},
	}
	g.nodes.Put(id, n)
	idx.add(n, pkg)
}

// link adds the edges between nodes: package dependencies first, then binary ownership, then
// needed libraries.
func (g *Graph) link(idx *index) {
	nodes := g.Nodes()
	for _, n := range nodes {
		if n.Purpose == extractor.PurposeBinary {
			continue
		}
		for _, src := range n.sources {
			for _, dep := range src.Dependencies {
				if to := idx.resolve(src.PackageManager, dep); to != nil {
					g.addEdge(n, to, DependsOn)
				}
			}
		}
	}
	for _, n := range nodes {
		if n.Purpose != extractor.PurposeBinary {
			continue
		}
		for _, loc := range n.Locations {
			if owner, ok := idx.owners[loc]; ok {
				g.addEdge(owner, n, Contains)
				break
			}
		}
	}
	for _, n := range nodes {
		if n.Purpose != extractor.PurposeBinary {
			continue
		}
		for _, src := range n.sources {
			for _, dep := range src.Dependencies {
				if libs := idx.libs[dep.Name]; len(libs) > 0 {
					g.addEdge(n, libs[0], DependsOn)
				}
			}
		}
	}
}

func (g *Graph) addEdge(from, to *Node, kind EdgeKind) {
	key := from.ID + "\x00" + to.ID
	if from == to || g.edgeSet.Contains(key) {
		return
	}
	if g.reachable(to, from) {
		msg := fmt.Sprintf("dropped %s edge %s -> %s: it would close a cycle", kind, from.ID, to.ID)
		log.Debugf("depgraph: %s", msg)
		g.Diagnostics = append(g.Diagnostics, Diagnostic{From: from.ID, To: to.ID, Message: msg})
		return
	}
	g.edgeSet.Add(key)
	g.edges = append(g.edges, Edge{From: from.ID, To: to.ID, Kind: kind})
	from.Children = append(from.Children, to.ID)
	from.out = append(from.out, to)
	to.indegree++
}

// reachable reports whether to can be reached from from.
func (g *Graph) reachable(from, to *Node) bool {
	if from == to {
		return true
	}
	// Nodes without edges, such as freshly linked leaves, cannot reach anything.
	if len(from.out) == 0 || to.indegree == 0 {
		return false
	}
	visited := map[*Node]bool{from: true}
	stack := []*Node{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range n.out {
			if c == to {
				return true
			}
			if !visited[c] {
				visited[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

// index holds the lookup tables used to resolve dependencies to nodes. Package names are scoped
// by package manager; library names are global.
type index struct {
	byName      map[string][]*Node
	byProvides  map[string][]*Node
	libs        map[string][]*Node
	owners      map[string]*Node
	constraints map[string]matchFunc
}

func newIndex() *index {
	return &index{
		byName:      map[string][]*Node{},
		byProvides:  map[string][]*Node{},
		libs:        map[string][]*Node{},
		owners:      map[string]*Node{},
		constraints: map[string]matchFunc{},
	}
}

func scoped(pm extractor.PackageManager, name string) string {
	return string(pm) + "/" + name
}

func (x *index) add(n *Node, pkg *extractor.Package) {
	if pkg.Purpose == extractor.PurposeBinary {
		names := append(slices.Clone(pkg.Provides), pkg.Name)
		for _, loc := range pkg.Locations {
			names = append(names, path.Base(loc))
		}
		for _, name := range names {
			x.libs[name] = appendNode(x.libs[name], n)
		}
		return
	}
	x.byName[scoped(pkg.PackageManager, pkg.Name)] = appendNode(x.byName[scoped(pkg.PackageManager, pkg.Name)], n)
	for _, p := range pkg.Provides {
		x.byProvides[scoped(pkg.PackageManager, p)] = appendNode(x.byProvides[scoped(pkg.PackageManager, p)], n)
	}
	for _, f := range pkg.Files {
		if _, ok := x.owners[f]; !ok {
			x.owners[f] = n
		}
	}
}

// resolve returns the node satisfying dep, trying the dependency name and then its alternatives.
// Each name is looked up among package names first and provided names second.
func (x *index) resolve(pm extractor.PackageManager, dep extractor.Dependency) *Node {
	for _, name := range slices.Concat([]string{dep.Name}, dep.Alternatives) {
		if n := x.pick(pm, x.byName[scoped(pm, name)], dep); n != nil {
			return n
		}
		if n := x.pick(pm, x.byProvides[scoped(pm, name)], dep); n != nil {
			return n
		}
	}
	return nil
}

// pick chooses among candidates: an exact version match, then the first candidate satisfying the
// constraint, then the first candidate.
func (x *index) pick(pm extractor.PackageManager, candidates []*Node, dep extractor.Dependency) *Node {
	if len(candidates) == 0 {
		return nil
	}
	if dep.Version != "" {
		for _, c := range candidates {
			if c.Version == dep.Version {
				return c
			}
		}
	}
	if match := x.constraint(pm, dep.Constraint); match != nil {
		for _, n := range candidates {
			if match(n.Version) {
				return n
			}
		}
	}
	return candidates[0]
}

// matchFunc reports whether a version satisfies a parsed range.
type matchFunc func(ver string) bool

// ecosystems maps language package managers to their range syntax. OS package managers use
// go-version with the operators of dpkg and rpm rewritten.
var ecosystems = map[extractor.PackageManager]semver.System{
	extractor.PackageManagerNPM:   semver.NPM,
	extractor.PackageManagerPip:   semver.PyPI,
	extractor.PackageManagerCargo: semver.Cargo,
	extractor.PackageManagerMaven: semver.Maven,
}

var operatorReplacer = strings.NewReplacer("<<", "<", ">>", ">", "==", "=")

// constraint parses raw in the syntax of pm, caching the result. Unparsable ranges yield nil.
func (x *index) constraint(pm extractor.PackageManager, raw string) matchFunc {
	if raw == "" {
		return nil
	}
	key := scoped(pm, raw)
	if m, ok := x.constraints[key]; ok {
		return m
	}
	m, err := parseConstraint(pm, raw)
	if err != nil {
		log.Debugf("depgraph: unsupported %s version range %q: %v", pm, raw, err)
	}
	x.constraints[key] = m
	return m
}

func parseConstraint(pm extractor.PackageManager, raw string) (matchFunc, error) {
	if sys, ok := ecosystems[pm]; ok {
		c, err := sys.ParseConstraint(raw)
		if err != nil {
			return nil, err
		}
		return func(ver string) bool {
			v, err := sys.Parse(ver)
			return err == nil && c.MatchVersion(v)
		}, nil
	}
	c, err := version.NewConstraint(operatorReplacer.Replace(stripEpoch(raw)))
	if err != nil {
		return nil, err
	}
	return func(ver string) bool { return satisfies(c, raw, ver) }, nil
}

// satisfies reports whether ver satisfies c. The package revision of ver is ignored unless the
// constraint names one.
func satisfies(c version.Constraints, raw, ver string) bool {
	ver = stripEpoch(ver)
	if !strings.Contains(raw, "-") {
		ver, _, _ = strings.Cut(ver, "-")
	}
	v, err := version.NewVersion(ver)
	return err == nil && c.Check(v)
}

// stripEpoch removes an "N:" epoch from a version or from each version of a range.
func stripEpoch(s string) string {
	for {
		i := strings.IndexByte(s, ':')
		if i < 0 {
			return s
		}
		j := i
		for j > 0 && s[j-1] >= '0' && s[j-1] <= '9' {
			j--
		}
		if j == i {
			return s
		}
		s = s[:j] + s[i+1:]
	}
}

func appendNode(nodes []*Node, n *Node) []*Node {
	if slices.Contains(nodes, n) {
		return nodes
	}
	return append(nodes, n)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
