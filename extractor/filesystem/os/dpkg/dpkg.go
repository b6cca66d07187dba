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

// Package dpkg extracts packages from the dpkg status database.
package dpkg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
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
	Name = "os/dpkg"
	// StatusAction decodes the status file and the distroless status.d entries.
	StatusAction = "dpkg-status"
	// ListAction decodes the per-package file lists under info/.
	ListAction = "dpkg-info-list"

	statusPath = "/var/lib/dpkg/status"
	statusDir  = "/var/lib/dpkg/status.d/"
	infoDir    = "/var/lib/dpkg/info/"
)

// Config is the configuration for the Parser.
type Config struct {
	// IncludeNotInstalled includes packages whose status is not "installed".
	IncludeNotInstalled bool
}

// DefaultConfig returns the default configuration for the parser.
func DefaultConfig() Config {
	return Config{
		IncludeNotInstalled: false,
	}
}

// Parser extracts packages from the dpkg status database.
type Parser struct {
	includeNotInstalled bool
}

// New returns a dpkg parser.
func New(cfg Config) *Parser {
	return &Parser{
		includeNotInstalled: cfg.IncludeNotInstalled,
	}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerDeb }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeOS }

// Actions returns the extract actions for the status database and the file lists.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{
		{
			Name: StatusAction,
			Matches: func(path string) bool {
				if path == statusPath {
					return true
				}
				// Should only match status files in status.d directory.
				return strings.HasPrefix(path, statusDir) && !strings.HasSuffix(path, ".md5sums")
			},
			Decode: decodeStatus,
		},
		{
			Name:   ListAction,
			Filter: func(base string) bool { return strings.HasSuffix(base, ".list") },
			Matches: func(p string) bool {
				return path.Dir(p)+"/" == infoDir
			},
			Decode: decodeList,
		},
	}
}

// record is one paragraph of a status file.
type record struct {
	name          string
	version       string
	status        string
	installed     bool
	architecture  string
	maintainer    string
	sourceName    string
	sourceVersion string
	depends       []extractor.Dependency
	provides      []string
}

func decodeStatus(r io.Reader, info extract.EntryInfo) (any, error) {
	rd := textproto.NewReader(bufio.NewReader(r))
	distroless := strings.HasPrefix(info.Path, statusDir)

	var records []*record
	for eof := false; !eof; {
		h, err := rd.ReadMIMEHeader()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read MIME header from %q: %w", info.Path, err)
			}
			// We might still have one more paragraph to parse.
			eof = true
		}
		if len(h) == 0 {
			continue
		}

		rec := &record{
			name:         h.Get("Package"),
			version:      h.Get("Version"),
			status:       h.Get("Status"),
			architecture: h.Get("Architecture"),
			maintainer:   h.Get("Maintainer"),
			provides:     parseProvides(h.Get("Provides")),
		}
		// Distroless distributions have their packages in status.d, which does not contain the
		// Status value.
		switch {
		case rec.status != "":
			installed, err := statusInstalled(rec.status)
			if err != nil {
				return nil, fmt.Errorf("statusInstalled(%q): %w", rec.status, err)
			}
			rec.installed = installed
		case distroless:
			rec.installed = true
		}
		rec.sourceName, rec.sourceVersion, err = parseSourceNameVersion(h.Get("Source"))
		if err != nil {
			return nil, fmt.Errorf("parseSourceNameVersion(%q): %w", h.Get("Source"), err)
		}
		rec.depends = append(parseDepends(h.Get("Pre-Depends")), parseDepends(h.Get("Depends"))...)
		records = append(records, rec)
	}
	return records, nil
}

func decodeList(r io.Reader, _ extract.EntryInfo) (any, error) {
	var files []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "/." {
			continue
		}
		files = append(files, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

func statusInstalled(status string) (bool, error) {
	// Status field format: "want flag status", e.g. "install ok installed"
	// The package is currently installed if the status field is set to installed.
	// Other fields just show the intent of the package manager but not the current state.
	parts := strings.Split(status, " ")
	if len(parts) != 3 {
		return false, fmt.Errorf("invalid DPKG Status field %q", status)
	}
	return parts[2] == "installed", nil
}

func parseSourceNameVersion(source string) (string, string, error) {
	if source == "" {
		return "", "", nil
	}
	// Format is either "name" or "name (version)"
	if idx := strings.Index(source, " ("); idx != -1 {
		if !strings.HasSuffix(source, ")") {
			return "", "", fmt.Errorf("invalid DPKG Source field: %q", source)
		}
		return source[:idx], source[idx+2 : len(source)-1], nil
	}
	return source, "", nil
}

// parseDepends parses a Depends field, e.g. "libc6 (>= 2.34), debconf (>= 0.5) | debconf-2.0".
func parseDepends(field string) []extractor.Dependency {
	var deps []extractor.Dependency
	for _, group := range strings.Split(field, ",") {
		var dep extractor.Dependency
		for i, alt := range strings.Split(group, "|") {
			name, constraint := parseRelation(alt)
			if name == "" {
				continue
			}
			if i == 0 || dep.Name == "" {
				dep.Name, dep.Constraint = name, constraint
				continue
			}
			dep.Alternatives = append(dep.Alternatives, name)
		}
		if dep.Name != "" {
			deps = append(deps, dep)
		}
	}
	return deps
}

// parseRelation splits "libc6:any (>= 2.34) [amd64]" into the name and the version constraint.
func parseRelation(rel string) (string, string) {
	constraint := ""
	if open := strings.Index(rel, "("); open >= 0 {
		if end := strings.Index(rel, ")"); end > open {
			constraint = strings.Join(strings.Fields(rel[open+1:end]), " ")
		}
		rel = rel[:open]
	}
	fields := strings.Fields(rel)
	if len(fields) == 0 {
		return "", ""
	}
	name, _, _ := strings.Cut(fields[0], ":")
	return name, constraint
}

func parseProvides(field string) []string {
	var provides []string
	for _, rel := range strings.Split(field, ",") {
		if name, _ := parseRelation(rel); name != "" {
			provides = append(provides, name)
		}
	}
	return provides
}

// Parse turns the decoded status files into packages and attaches their file lists.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, StatusAction)}
	inv.FileErrors = append(inv.FileErrors, filesystem.DecodeFailures(input.Layers, ListAction)...)

	owned := map[string][]string{}
	for _, f := range input.Layers.ByAction(ListAction) {
		files, ok := f.Value.([]string)
		if !ok {
			continue
		}
		owned[strings.TrimSuffix(path.Base(f.Path), ".list")] = files
	}

	for _, f := range input.Layers.ByAction(StatusAction) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		records, ok := f.Value.([]*record)
		if !ok {
			continue
		}
		for _, r := range records {
			if !r.installed && !p.includeNotInstalled {
				if r.status == "" {
					log.Warnf("Package %q has no status field", r.name)
				}
				continue
			}
			if r.name == "" {
				log.Warnf("DPKG package without name in %q (version: %q)", f.Path, r.version)
				continue
			}
			files, ok := owned[r.name]
			if !ok && r.architecture != "" {
				files = owned[r.name+":"+r.architecture]
			}
			inv.Packages = append(inv.Packages, &extractor.Package{
				Name:           r.name,
				Version:        r.version,
				Purpose:        extractor.PurposeOS,
				PackageManager: extractor.PackageManagerDeb,
				TargetOS:       input.OS,
				Dependencies:   r.depends,
				Provides:       r.provides,
				Files:          files,
				Locations:      []string{f.Path},
				Metadata: &Metadata{
					PackageName:    r.name,
					PackageVersion: r.version,
					Status:         r.status,
					SourceName:     r.sourceName,
					SourceVersion:  r.sourceVersion,
					Maintainer:     r.maintainer,
					Architecture:   r.architecture,
				},
			})
		}
	}

	return inv, nil
}
