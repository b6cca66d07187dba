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

// Package apk extracts packages from the APK database.
package apk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
)

const (
	// Name is the unique name of this parser.
	Name = "os/apk"
	// ActionName is the name of the extract action decoding the installed database.
	ActionName = "apk-installed"
)

// ErrFileTooLarge is returned for databases above the configured size.
var ErrFileTooLarge = errors.New("file exceeds the maximum size")

var dbPaths = map[string]bool{
	"/lib/apk/db/installed":     true,
	"/usr/lib/apk/db/installed": true,
	"/var/lib/apk/db/installed": true,
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

// Parser extracts packages from the APK database.
type Parser struct {
	maxFileSizeBytes int64
}

// New returns an APK parser.
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
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerAPK }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeOS }

// Actions returns the extract action decoding lib/apk/db/installed.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name:    ActionName,
		Filter:  func(base string) bool { return base == "installed" },
		Matches: func(path string) bool { return dbPaths[path] },
		Decode:  p.decode,
	}}
}

// installedPackage is one record of the installed database.
type installedPackage struct {
	name         string
	version      string
	origin       string
	architecture string
	license      string
	maintainer   string
	commit       string
	depends      []extractor.Dependency
	provides     []string
	files        []string
}

func (p Parser) decode(r io.Reader, info extract.EntryInfo) (any, error) {
	if p.maxFileSizeBytes > 0 && info.Size > p.maxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFileTooLarge, info.Size, p.maxFileSizeBytes)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pkgs []*installedPackage
	for {
		record, err := parseSingleApkRecord(scanner)
		if err != nil {
			return nil, fmt.Errorf("error while parsing apk status file %q: %w", info.Path, err)
		}
		if record == nil {
			return pkgs, nil
		}
		pkgs = append(pkgs, record)
	}
}

// parseSingleApkRecord reads from the scanner a single record,
// returns nil, nil when scanner ends.
func parseSingleApkRecord(scanner *bufio.Scanner) (*installedPackage, error) {
	// The keys are defined under "Installed Database V2":
	// https://wiki.alpinelinux.org/wiki/Apk_spec
	var pkg *installedPackage
	dir := ""

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Avoids double empty lines returning early.
			if pkg != nil {
				return pkg, nil
			}
			continue
		}

		key, val, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("invalid line: %q", line)
		}
		if pkg == nil {
			pkg = &installedPackage{}
		}
		switch key {
		case "P":
			pkg.name = val
		case "V":
			pkg.version = val
		case "o":
			pkg.origin = val
		case "A":
			pkg.architecture = val
		case "L":
			pkg.license = val
		case "m":
			pkg.maintainer = val
		case "c":
			pkg.commit = val
		case "D":
			pkg.depends = append(pkg.depends, parseDepends(val)...)
		case "p":
			pkg.provides = append(pkg.provides, parseProvides(val)...)
		case "F":
			dir = val
		case "R":
			pkg.files = append(pkg.files, path.Join("/", dir, val))
		}
	}

	return pkg, scanner.Err()
}

// parseDepends parses a D: line, e.g. "so:libc.musl-x86_64.so.1 busybox>=1.36 !conflict".
func parseDepends(val string) []extractor.Dependency {
	var deps []extractor.Dependency
	for _, token := range strings.Fields(val) {
		// Conflicts are not dependencies.
		if strings.HasPrefix(token, "!") {
			continue
		}
		name, constraint := splitConstraint(token)
		deps = append(deps, extractor.Dependency{Name: name, Constraint: constraint})
	}
	return deps
}

// parseProvides parses a p: line, e.g. "cmd:ls so:libcrypto.so.3=3.3.2-r0".
func parseProvides(val string) []string {
	var provides []string
	for _, token := range strings.Fields(val) {
		name, _ := splitConstraint(token)
		provides = append(provides, name)
	}
	return provides
}

func splitConstraint(token string) (string, string) {
	i := strings.IndexAny(token, "=<>~")
	if i <= 0 {
		return token, ""
	}
	return token[:i], token[i:]
}

// Parse turns the decoded databases into packages.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		records, ok := f.Value.([]*installedPackage)
		if !ok {
			continue
		}
		for _, r := range records {
			if r.name == "" {
				log.Warnf("APK package without name in %q (version: %q)", f.Path, r.version)
				continue
			}
			inv.Packages = append(inv.Packages, &extractor.Package{
				Name:           r.name,
				Version:        r.version,
				Purpose:        extractor.PurposeOS,
				PackageManager: extractor.PackageManagerAPK,
				TargetOS:       input.OS,
				Dependencies:   r.depends,
				Provides:       r.provides,
				Files:          r.files,
				Locations:      []string{f.Path},
				Metadata: &Metadata{
					PackageName:  r.name,
					OriginName:   r.origin,
					Architecture: r.architecture,
					License:      r.license,
					Maintainer:   r.maintainer,
					Commit:       r.commit,
				},
			})
		}
	}

	return inv, nil
}
