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

// Package cargolock extracts Cargo.lock files for rust projects
package cargolock

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
)

const (
	// Name is the unique name of this parser.
	Name = "rust/cargolock"
	// ActionName is the name of the extract action decoding Cargo.lock files.
	ActionName = "cargo-lock"
)

type cargoLockPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source"`
	Checksum     string   `toml:"checksum"`
	Dependencies []string `toml:"dependencies"`
}

type cargoLockFile struct {
	Version  int                `toml:"version"`
	Packages []cargoLockPackage `toml:"package"`
}

// Metadata holds parsing information for a crate.
type Metadata struct {
	Source   string
	Checksum string
}

// Parser extracts crates.io packages from Cargo.lock files.
type Parser struct{}

// New returns a new instance of the parser.
func New() filesystem.Parser { return &Parser{} }

// Name of the parser
func (p Parser) Name() string { return Name }

// Version of the parser
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerCargo }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the extract action decoding Cargo.lock files.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name:   ActionName,
		Filter: func(base string) bool { return base == "Cargo.lock" },
		Decode: decode,
	}}
}

func decode(r io.Reader, _ extract.EntryInfo) (any, error) {
	var parsedLockfile *cargoLockFile
	if _, err := toml.NewDecoder(r).Decode(&parsedLockfile); err != nil {
		return nil, fmt.Errorf("could not extract: %w", err)
	}
	if parsedLockfile == nil {
		return nil, nil
	}
	return parsedLockfile, nil
}

// Parse turns the decoded lockfiles into crates.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		lock, ok := f.Value.(*cargoLockFile)
		if !ok {
			continue
		}

		versions := map[string][]string{}
		for _, pkg := range lock.Packages {
			versions[pkg.Name] = append(versions[pkg.Name], pkg.Version)
		}
		for _, pkg := range lock.Packages {
			inv.Packages = append(inv.Packages, &extractor.Package{
				Name:           pkg.Name,
				Version:        pkg.Version,
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerCargo,
				Dependencies:   dependencies(pkg.Dependencies, versions),
				Locations:      []string{f.Path},
				Metadata: &Metadata{
					Source:   pkg.Source,
					Checksum: pkg.Checksum,
				},
			})
		}
	}

	return inv, nil
}

// dependencies resolves entries of a dependencies array, e.g. "libc", "syn 2.0.48" or
// "syn 1.0.109 (registry+https://github.com/rust-lang/crates.io-index)". Cargo only writes the
// version when the lockfile holds several versions of the crate.
func dependencies(entries []string, versions map[string][]string) []extractor.Dependency {
	var deps []extractor.Dependency
	for _, entry := range entries {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		dep := extractor.Dependency{Name: fields[0]}
		switch {
		case len(fields) > 1:
			dep.Version = fields[1]
		case len(versions[dep.Name]) == 1:
			dep.Version = versions[dep.Name][0]
		}
		deps = append(deps, dep)
	}
	return deps
}
