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

// Package packagelockjson extracts package-lock.json files.
package packagelockjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/tidwall/gjson"
)

const (
	// Name is the unique name of this parser.
	Name = "javascript/packagelockjson"
	// ActionName is the name of the extract action decoding npm lockfiles.
	ActionName = "npm-lockfile"

	shrinkwrap = "npm-shrinkwrap.json"
)

// ErrInvalidLockfile is returned for lockfiles that are not valid JSON.
var ErrInvalidLockfile = errors.New("invalid package-lock.json")

// Metadata holds parsing information for an npm package.
type Metadata struct {
	// Path is the install path inside the project, e.g. "node_modules/a/node_modules/b".
	Path      string
	Resolved  string
	Integrity string
	Dev       bool
	Optional  bool
}

// lockPackage is one resolved package of a lockfile.
type lockPackage struct {
	name     string
	version  string
	deps     []extractor.Dependency
	metadata *Metadata
}

// Config is the configuration for the Parser.
type Config struct {
	// MaxFileSizeBytes is the maximum file size this parser will decode. 0 means no limit.
	MaxFileSizeBytes int64
}

// DefaultConfig returns the default configuration for the parser.
func DefaultConfig() Config {
	return Config{
		MaxFileSizeBytes: 0,
	}
}

// Parser extracts npm packages from package-lock.json files.
type Parser struct {
	maxFileSizeBytes int64
}

// New returns a package-lock.json parser.
//
// For most use cases, initialize with:
// ```
// p := New(DefaultConfig())
// ```
func New(cfg Config) *Parser {
	return &Parser{
		maxFileSizeBytes: cfg.MaxFileSizeBytes,
	}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerNPM }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the extract action decoding package-lock.json and npm-shrinkwrap.json.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name: ActionName,
		Filter: func(base string) bool {
			return base == "package-lock.json" || base == shrinkwrap
		},
		Matches: fileRequired,
		Decode:  p.decode,
	}}
}

// fileRequired skips lockfiles inside node_modules directories since the packages they list
// aren't necessarily installed by the root project.
func fileRequired(p string) bool {
	return !slices.Contains(strings.Split(path.Dir(p), "/"), "node_modules")
}

func (p Parser) decode(r io.Reader, info extract.EntryInfo) (any, error) {
	if p.maxFileSizeBytes > 0 && info.Size > p.maxFileSizeBytes {
		return nil, fmt.Errorf("%s is %d bytes, above the %d bytes limit", info.Path, info.Size, p.maxFileSizeBytes)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(content) {
		return nil, ErrInvalidLockfile
	}
	lock := gjson.ParseBytes(content)
	if packages := lock.Get("packages"); packages.Exists() {
		return parsePackages(packages), nil
	}
	return parseDependencies(lock.Get("dependencies")), nil
}

// parsePackages reads the "packages" section of lockfile v2 and v3, keyed by install path.
func parsePackages(packages gjson.Result) []*lockPackage {
	entries := map[string]gjson.Result{}
	var paths []string
	packages.ForEach(func(key, value gjson.Result) bool {
		entries[key.String()] = value
		paths = append(paths, key.String())
		return true
	})

	var out []*lockPackage
	for _, installPath := range paths {
		detail := entries[installPath]
		// The root project and workspace links are not installed packages.
		if installPath == "" || detail.Get("link").Bool() {
			continue
		}
		name := detail.Get("name").String()
		if name == "" {
			name = packageName(installPath)
		}
		pkg := &lockPackage{
			name:    name,
			version: detail.Get("version").String(),
			metadata: &Metadata{
				Path:      installPath,
				Resolved:  detail.Get("resolved").String(),
				Integrity: detail.Get("integrity").String(),
				Dev:       detail.Get("dev").Bool(),
				Optional:  detail.Get("optional").Bool(),
			},
		}
		for _, field := range []string{"dependencies", "optionalDependencies", "peerDependencies"} {
			detail.Get(field).ForEach(func(dep, constraint gjson.Result) bool {
				d := extractor.Dependency{Name: dep.String(), Constraint: constraint.String()}
				if target, ok := resolve(entries, installPath, d.Name); ok {
					d.Version = target.Get("version").String()
				}
				pkg.deps = append(pkg.deps, d)
				return true
			})
		}
		out = append(out, pkg)
	}
	return out
}

// resolve finds the install path a dependency of the package at from resolves to, following
// the node_modules lookup: the package's own node_modules first, then each ancestor's.
func resolve(entries map[string]gjson.Result, from, dep string) (gjson.Result, bool) {
	dir := from
	for {
		candidate := dir + "/node_modules/" + dep
		if dir == "" {
			candidate = "node_modules/" + dep
		}
		if e, ok := entries[candidate]; ok {
			return e, true
		}
		if dir == "" {
			return gjson.Result{}, false
		}
		i := strings.LastIndex(dir, "node_modules/")
		if i < 0 {
			dir = ""
			continue
		}
		dir = strings.TrimSuffix(dir[:i], "/")
	}
}

// packageName returns the package name of an install path, keeping the scope of scoped
// packages, e.g. "node_modules/@babel/core" is "@babel/core".
func packageName(installPath string) string {
	maybeScope := path.Base(path.Dir(installPath))
	pkgName := path.Base(installPath)

	if strings.HasPrefix(maybeScope, "@") {
		pkgName = maybeScope + "/" + pkgName
	}

	return pkgName
}

// parseDependencies reads the nested "dependencies" section of lockfile v1.
func parseDependencies(dependencies gjson.Result) []*lockPackage {
	var out []*lockPackage
	var walk func(deps gjson.Result, scopes []gjson.Result, prefix string)
	walk = func(deps gjson.Result, scopes []gjson.Result, prefix string) {
		scopes = append(slices.Clone(scopes), deps)
		deps.ForEach(func(key, detail gjson.Result) bool {
			name := key.String()
			version := detail.Get("version").String()
			// Aliased packages, e.g. npm:string-width@^4.2.0
			if strings.HasPrefix(version, "npm:") {
				if i := strings.LastIndex(version, "@"); i > len("npm:") {
					name, version = version[len("npm:"):i], version[i+1:]
				}
			}
			// A "file:" dependency has no resolvable version.
			if strings.HasPrefix(version, "file:") {
				version = ""
			}
			installPath := prefix + "node_modules/" + key.String()
			pkg := &lockPackage{
				name:    name,
				version: version,
				metadata: &Metadata{
					Path:      installPath,
					Resolved:  detail.Get("resolved").String(),
					Integrity: detail.Get("integrity").String(),
					Dev:       detail.Get("dev").Bool(),
					Optional:  detail.Get("optional").Bool(),
				},
			}
			nested := detail.Get("dependencies")
			inner := scopes
			if nested.Exists() {
				inner = append(slices.Clone(scopes), nested)
			}
			detail.Get("requires").ForEach(func(dep, constraint gjson.Result) bool {
				d := extractor.Dependency{Name: dep.String(), Constraint: constraint.String()}
				for i := len(inner) - 1; i >= 0; i-- {
					if target := inner[i].Get(gjson.Escape(d.Name)); target.Exists() {
						d.Version = target.Get("version").String()
						break
					}
				}
				pkg.deps = append(pkg.deps, d)
				return true
			})
			out = append(out, pkg)
			if nested.Exists() {
				walk(nested, scopes, installPath+"/")
			}
			return true
		})
	}
	walk(dependencies, nil, "")
	return out
}

// Parse turns the decoded lockfiles into packages. When a directory holds both lockfiles,
// npm-shrinkwrap.json takes precedence and package-lock.json is ignored.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		if path.Base(f.Path) == "package-lock.json" && input.Layers.Get(path.Join(path.Dir(f.Path), shrinkwrap), ActionName) != nil {
			continue
		}
		pkgs, ok := f.Value.([]*lockPackage)
		if !ok {
			continue
		}
		seen := map[string]bool{}
		for _, pkg := range pkgs {
			key := pkg.name + "@" + pkg.version
			if pkg.name == "" || seen[key] {
				continue
			}
			seen[key] = true
			inv.Packages = append(inv.Packages, &extractor.Package{
				Name:           pkg.name,
				Version:        pkg.version,
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerNPM,
				Dependencies:   pkg.deps,
				Locations:      []string{f.Path},
				Metadata:       pkg.metadata,
			})
		}
	}

	return inv, nil
}
