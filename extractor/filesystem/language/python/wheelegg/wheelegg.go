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

// Package wheelegg extracts wheel and egg files.
package wheelegg

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strings"

	"deps.dev/util/pypi"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
)

const (
	// Name is the unique name of this parser.
	Name = "python/wheelegg"
	// ActionName is the name of the extract action decoding python package metadata.
	ActionName = "python-metadata"
)

var (
	requiredFiles = []string{
		// Metadata format
		"EGG-INFO/PKG-INFO",
		".egg-info",
		".egg-info/PKG-INFO",
		".dist-info/METADATA",
		// zip file with Metadata files inside.
		".egg",
		".whl",
	}

	// https://peps.python.org/pep-0503/#normalized-names
	nonAlnum = regexp.MustCompile(`[-_.]+`)
)

// Config is the configuration for the Parser.
type Config struct {
	// MaxFileSizeBytes is the maximum file size this parser will decode. 0 means no limit.
	MaxFileSizeBytes int64
}

// DefaultConfig returns the default configuration for the wheel/egg parser.
func DefaultConfig() Config {
	return Config{
		MaxFileSizeBytes: 100 * 1024 * 1024,
	}
}

// Parser extracts python packages from wheel/egg files.
type Parser struct {
	maxFileSizeBytes int64
}

// New returns a wheel/egg parser.
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
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerPip }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the extract action decoding python Metadata files and archives.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name: ActionName,
		Matches: func(path string) bool {
			for _, r := range requiredFiles {
				if strings.HasSuffix(path, r) {
					return true
				}
			}
			return false
		},
		Decode: p.decode,
	}}
}

// pythonPackage is one package read from a Metadata file.
type pythonPackage struct {
	name     string
	version  string
	requires []extractor.Dependency
	metadata *PythonPackageMetadata
}

func (p Parser) decode(r io.Reader, info extract.EntryInfo) (any, error) {
	if p.maxFileSizeBytes > 0 && info.Size > p.maxFileSizeBytes {
		return nil, fmt.Errorf("%s is %d bytes, above the %d bytes limit", info.Path, info.Size, p.maxFileSizeBytes)
	}
	if strings.HasSuffix(info.Path, ".egg") || strings.HasSuffix(info.Path, ".whl") {
		return decodeZip(r, info.Path)
	}
	pkg, err := parse(r)
	if err != nil {
		return nil, fmt.Errorf("wheelegg.parse: %w", err)
	}
	return []*pythonPackage{pkg}, nil
}

func decodeZip(r io.Reader, path string) ([]*pythonPackage, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("zip.NewReader(): %w", err)
	}
	var pkgs []*pythonPackage
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, "EGG-INFO/PKG-INFO") && !strings.HasSuffix(f.Name, ".dist-info/METADATA") {
			continue
		}
		pkg, err := openAndParse(f)
		if err != nil {
			return nil, fmt.Errorf("%s in %s: %w", f.Name, path, err)
		}
		pkg.metadata.Archive = path
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func openAndParse(f *zip.File) (*pythonPackage, error) {
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("f.Open(%s): %w", f.Name, err)
	}
	defer r.Close()
	return parse(r)
}

func parse(r io.Reader) (*pythonPackage, error) {
	rd := textproto.NewReader(bufio.NewReader(r))
	h, err := rd.ReadMIMEHeader()
	name := h.Get("Name")
	version := h.Get("version")
	if name == "" {
		// In case we got a name but also an error, we ignore the error. This can happen in
		// malformed files like passlib 1.7.4.
		if err != nil {
			return nil, fmt.Errorf("ReadMIMEHeader(): %w %s %s", err, h.Get("Name"), h.Get("version"))
		}
		return nil, fmt.Errorf("Name is empty (version: %q)", version)
	}

	pkg := &pythonPackage{
		name:    name,
		version: version,
		metadata: &PythonPackageMetadata{
			Author:      h.Get("Author"),
			AuthorEmail: h.Get("Author-email"),
		},
	}
	for _, req := range h.Values("Requires-Dist") {
		if dep, ok := parseRequirement(req); ok {
			pkg.requires = append(pkg.requires, dep)
		}
	}
	return pkg, nil
}

// parseRequirement parses a Requires-Dist value, e.g. `urllib3 (<3,>=1.21.1)` or
// `PySocks!=1.5.7,>=1.5.6; extra == "socks"`. Requirements only pulled in by extras are dropped.
func parseRequirement(req string) (extractor.Dependency, bool) {
	d, err := pypi.ParseDependency(req)
	if err != nil {
		log.Debugf("%s: unparsable requirement %q: %v", Name, req, err)
		return extractor.Dependency{}, false
	}
	if d.Name == "" || strings.Contains(d.Environment, "extra") {
		return extractor.Dependency{}, false
	}
	constraint := strings.TrimSpace(strings.Trim(strings.TrimSpace(d.Constraint), "()"))
	return extractor.Dependency{Name: NormalizeName(d.Name), Constraint: constraint}, true
}

// NormalizeName returns the PEP 503 normalized form of a python package name.
func NormalizeName(name string) string {
	return strings.ToLower(nonAlnum.ReplaceAllString(name, "-"))
}

// Parse turns the decoded Metadata files into packages.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		pkgs, ok := f.Value.([]*pythonPackage)
		if !ok {
			continue
		}
		if len(pkgs) == 0 {
			log.Debugf("%s: no python metadata in %q", p.Name(), f.Path)
		}
		for _, pkg := range pkgs {
			inv.Packages = append(inv.Packages, &extractor.Package{
				Name:           pkg.name,
				Version:        pkg.version,
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerPip,
				Dependencies:   pkg.requires,
				Provides:       []string{NormalizeName(pkg.name)},
				Locations:      []string{f.Path},
				Metadata:       pkg.metadata,
			})
		}
	}

	return inv, nil
}
