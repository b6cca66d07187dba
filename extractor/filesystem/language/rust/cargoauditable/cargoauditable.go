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

// Package cargoauditable extracts the crates embedded by cargo auditable into Rust binaries.
package cargoauditable

import (
	"context"
	"fmt"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/binary/elf"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/rust-secure-code/go-rustaudit"
)

// Name is the unique name of this parser.
const Name = "rust/cargoauditable"

// Metadata records the binary a crate was linked into.
type Metadata struct {
	BinaryPath string
	Source     string
}

// Config is the configuration for the Parser.
type Config struct {
	ELF elf.Config
	// BuildDependencies also reports crates only used at build time.
	BuildDependencies bool
}

// DefaultConfig returns a default configuration for the parser.
func DefaultConfig() Config {
	return Config{ELF: elf.DefaultConfig()}
}

// Parser reads the dependency tree of Rust binaries decoded by the ELF action.
type Parser struct {
	decoder           *elf.Decoder
	buildDependencies bool
}

// New returns a cargo auditable parser.
func New(cfg Config) *Parser {
	return &Parser{decoder: elf.NewDecoder(cfg.ELF), buildDependencies: cfg.BuildDependencies}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerCargo }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the ELF action, shared with the binary analyzer.
func (p Parser) Actions() []extract.Action { return []extract.Action{p.decoder.Action()} }

// Parse emits the crates of each auditable binary with the edges recorded in the binary.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	var inv inventory.Inventory
	for _, f := range input.Layers.ByAction(elf.ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		info, ok := f.Value.(*elf.Info)
		if !ok || info.RustDeps == nil {
			continue
		}
		inv.Packages = append(inv.Packages, p.packages(info.RustDeps, f.Path)...)
	}
	return inv, nil
}

func (p Parser) packages(vi *rustaudit.VersionInfo, binaryPath string) []*extractor.Package {
	keep := func(c rustaudit.Package) bool {
		return c.Root || c.Kind == rustaudit.Runtime || p.buildDependencies
	}

	var pkgs []*extractor.Package
	for _, crate := range vi.Packages {
		if !keep(crate) {
			continue
		}
		pkg := &extractor.Package{
			Name:           crate.Name,
			Version:        crate.Version,
			Purpose:        extractor.PurposeApplication,
			PackageManager: extractor.PackageManagerCargo,
			Locations:      []string{binaryPath},
			Metadata:       &Metadata{BinaryPath: binaryPath, Source: crate.Source},
		}
		for _, i := range crate.Dependencies {
			// Indices point into the package list of the same binary.
			if int(i) >= len(vi.Packages) || !keep(vi.Packages[i]) {
				continue
			}
			dep := vi.Packages[i]
			pkg.Dependencies = append(pkg.Dependencies, extractor.Dependency{Name: dep.Name, Version: dep.Version})
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}
