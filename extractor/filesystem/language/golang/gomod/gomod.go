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

// Package gomod extracts the module requirements of go.mod files left in the image.
package gomod

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

const (
	// Name is the unique name of this parser.
	Name = "go/gomod"
	// ActionName is the name of the extract action decoding go.mod files.
	ActionName = "go-mod"

	stdlib = "stdlib"
)

// Metadata holds parsing information for a module requirement.
type Metadata struct {
	// Indirect is set for requirements marked "// indirect".
	Indirect bool
	// Replaces is the module path the requirement was replaced from, if any.
	Replaces string
}

// Parser extracts Go modules from go.mod files.
type Parser struct{}

// New returns a new instance of the parser.
func New() filesystem.Parser { return &Parser{} }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerGo }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the extract action decoding go.mod files.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name:   ActionName,
		Filter: func(base string) bool { return base == "go.mod" },
		Decode: decode,
	}}
}

func decode(r io.Reader, info extract.EntryInfo) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f, err := modfile.Parse(info.Path, b, nil)
	if err != nil {
		return nil, fmt.Errorf("modfile.Parse: %w", err)
	}
	return f, nil
}

// Parse emits the module of each go.mod file, its requirements and the Go toolchain it needs.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		mf, ok := f.Value.(*modfile.File)
		if !ok {
			continue
		}
		inv.Packages = append(inv.Packages, packages(mf, f.Path)...)
	}
	return inv, nil
}

func packages(mf *modfile.File, location string) []*extractor.Package {
	newPackage := func(name, version string, meta *Metadata) *extractor.Package {
		pkg := &extractor.Package{
			Name:           name,
			Version:        strings.TrimPrefix(version, "v"),
			Purpose:        extractor.PurposeApplication,
			PackageManager: extractor.PackageManagerGo,
			Locations:      []string{location},
		}
		if meta != nil {
			pkg.Metadata = meta
		}
		return pkg
	}

	var deps []*extractor.Package
	if v := goVersion(mf); v != "" {
		deps = append(deps, newPackage(stdlib, v, nil))
	}
	for _, req := range mf.Require {
		mod, replaces := applyReplace(req.Mod, mf.Replace)
		deps = append(deps, newPackage(mod.Path, mod.Version, &Metadata{Indirect: req.Indirect, Replaces: replaces}))
	}

	if mf.Module == nil || mf.Module.Mod.Path == "" {
		return deps
	}
	mainPkg := newPackage(mf.Module.Mod.Path, "", nil)
	for _, d := range deps {
		mainPkg.Dependencies = append(mainPkg.Dependencies, extractor.Dependency{Name: d.Name, Version: d.Version})
	}
	return append([]*extractor.Package{mainPkg}, deps...)
}

// goVersion returns the toolchain directive version, falling back to the go directive.
func goVersion(mf *modfile.File) string {
	if mf.Toolchain != nil {
		return strings.TrimPrefix(mf.Toolchain.Name, "go")
	}
	if mf.Go != nil {
		return mf.Go.Version
	}
	return ""
}

// applyReplace returns the module a requirement resolves to. Version specific replacements
// win over path wide ones. Replacements by local directories keep the required module.
func applyReplace(mod module.Version, replaces []*modfile.Replace) (module.Version, string) {
	var match *modfile.Replace
	for _, r := range replaces {
		if r.Old.Path != mod.Path {
			continue
		}
		if r.Old.Version == mod.Version {
			match = r
			break
		}
		if r.Old.Version == "" {
			match = r
		}
	}
	if match == nil || modfile.IsDirectoryPath(match.New.Path) {
		return mod, ""
	}
	return match.New, mod.Path
}
