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

// Package gobinary extracts packages from buildinfo inside go binaries files.
package gobinary

import (
	"context"
	"debug/buildinfo"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/binary/elf"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
)

const (
	// Name is the unique name of this parser.
	Name = "go/binary"

	// devel is the version of the development binary.
	devel = "(devel)"
	// stdlib is the name of the record carrying the Go toolchain version.
	stdlib = "stdlib"
)

// Metadata holds the build information of the binary a module was linked into.
type Metadata struct {
	GoVersion  string
	BinaryPath string
}

// Parser extracts Go modules from the build info of ELF binaries.
type Parser struct {
	decoder *elf.Decoder
}

// New returns a Go binary parser. cfg configures the shared ELF decoder.
func New(cfg elf.Config) *Parser {
	return &Parser{decoder: elf.NewDecoder(cfg)}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(elf.DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerGo }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the ELF action, shared with the binary analyzer.
func (p Parser) Actions() []extract.Action { return []extract.Action{p.decoder.Action()} }

// Parse emits the main module of each Go binary and the modules linked into it.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	var inv inventory.Inventory

	for _, f := range input.Layers.ByAction(elf.ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		info, ok := f.Value.(*elf.Info)
		if !ok || info.GoBuildInfo == nil {
			continue
		}
		inv.Packages = append(inv.Packages, packagesFromBuildInfo(info.GoBuildInfo, f.Path)...)
	}

	return inv, nil
}

func packagesFromBuildInfo(binfo *buildinfo.BuildInfo, filename string) []*extractor.Package {
	meta := &Metadata{GoVersion: binfo.GoVersion, BinaryPath: filename}
	newPackage := func(name, version string) *extractor.Package {
		return &extractor.Package{
			Name:           name,
			Version:        version,
			Purpose:        extractor.PurposeApplication,
			PackageManager: extractor.PackageManagerGo,
			Locations:      []string{filename},
			Metadata:       meta,
		}
	}

	var deps []*extractor.Package
	if goVersion := validateGoVersion(binfo.GoVersion); goVersion != "" {
		deps = append(deps, newPackage(stdlib, goVersion))
	} else {
		log.Warnf("failed to validate the Go version from buildinfo of %q: %q", filename, binfo.GoVersion)
	}
	for _, dep := range binfo.Deps {
		pkgName, pkgVers := parseDependency(dep)
		if pkgName == "" {
			continue
		}
		deps = append(deps, newPackage(pkgName, strings.TrimPrefix(pkgVers, "v")))
	}

	mainPath := binfo.Main.Path
	if mainPath == "" {
		mainPath = binfo.Path
	}
	if mainPath == "" {
		return deps
	}
	version := binfo.Main.Version
	if version == devel {
		version = ""
	}
	mainPkg := newPackage(mainPath, strings.TrimPrefix(version, "v"))
	for _, d := range deps {
		mainPkg.Dependencies = append(mainPkg.Dependencies, extractor.Dependency{Name: d.Name, Version: d.Version})
	}
	return append([]*extractor.Package{mainPkg}, deps...)
}

// validateGoVersion returns the toolchain version without its "go" prefix. Development
// versions keep their first part only, e.g. 'go1.20-pre3 +a813be86df' -> '1.20-pre3'.
func validateGoVersion(vers string) string {
	fields := strings.Fields(vers)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[0], "go")
}

func parseDependency(d *debug.Module) (string, string) {
	dep := d
	// Handle module replacement, but don't replace module if the replacement
	// doesn't have a package name.
	if dep.Replace != nil && dep.Replace.Path != "" {
		dep = dep.Replace
	}

	return dep.Path, dep.Version
}
