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

// Package rpm extracts packages from rpm database.
package rpm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	rpmdb "github.com/erikvarga/go-rpmdb/pkg"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"

	// SQLite driver needed for parsing rpmdb.sqlite files.
	_ "modernc.org/sqlite"
)

const (
	// Name is the name for the RPM parser
	Name = "os/rpm"
	// ActionName is the name of the extract action decoding rpm databases.
	ActionName = "rpmdb"

	defaultTimeout = 5 * time.Minute
)

var (
	requiredDirectory = []string{
		"/usr/lib/sysimage/rpm/",
		"/var/lib/rpm/",
		"/usr/share/rpm/",
	}

	requiredFilename = []string{
		// Berkley DB (old format)
		"Packages",
		// NDB (very rare alternative to sqlite)
		"Packages.db",
		// SQLite3 (new format)
		"rpmdb.sqlite",
	}
)

// Config contains RPM specific configuration values
type Config struct {
	// TmpDir is where databases are spooled before being opened. Defaults to os.TempDir.
	TmpDir string
	// Timeout is the timeout duration for parsing the RPM database.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration values for the RPM parser.
func DefaultConfig() Config {
	return Config{
		Timeout: defaultTimeout,
	}
}

// Parser extracts rpm packages from rpm database.
type Parser struct {
	tmpDir  string
	timeout time.Duration
}

// New returns an RPM parser.
func New(cfg Config) *Parser {
	return &Parser{
		tmpDir:  cfg.TmpDir,
		timeout: cfg.Timeout,
	}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerRPM }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeOS }

// Actions returns the extract action decoding rpm databases.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name:    ActionName,
		Filter:  func(base string) bool { return slices.Contains(requiredFilename, base) },
		Matches: fileRequired,
		Decode:  p.decode,
	}}
}

func fileRequired(p string) bool {
	dir, base := path.Split(p)
	return slices.Contains(requiredDirectory, dir) && slices.Contains(requiredFilename, base)
}

// record is one installed rpm package.
type record struct {
	name         string
	version      string
	release      string
	epoch        int
	sourceRPM    string
	vendor       string
	architecture string
	license      string
	requires     []extractor.Dependency
	provides     []string
	files        []string
}

// decode spools the database to a temporary directory, as the rpmdb readers need a real file.
func (p Parser) decode(r io.Reader, info extract.EntryInfo) (any, error) {
	dir, err := os.MkdirTemp(p.tmpDir, "imgdeps-rpmdb-")
	if err != nil {
		return nil, fmt.Errorf("os.MkdirTemp(): %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Errorf("os.RemoveAll(%q): %v", dir, err)
		}
	}()

	dbPath := filepath.Join(dir, path.Base(info.Path))
	if err := spool(dbPath, r); err != nil {
		return nil, err
	}
	return p.parseRPMDB(dbPath)
}

func spool(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("os.Create(%q): %w", dst, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("spooling %q: %w", dst, err)
	}
	return f.Close()
}

// parseRPMDB returns the packages of the RPM DB at path.
func (p Parser) parseRPMDB(path string) ([]*record, error) {
	db, err := rpmdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rpmdb.Open(): %w", err)
	}
	defer db.Close()

	var pkgs []*rpmdb.PackageInfo
	if p.timeout == 0 {
		pkgs, err = db.ListPackages()
	} else {
		// The timeout is only for corrupt bdb databases
		ctx, cancelFunc := context.WithTimeout(context.Background(), p.timeout)
		defer cancelFunc()
		pkgs, err = db.ListPackagesWithContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("ListPackages(): %w", err)
	}

	records := make([]*record, 0, len(pkgs))
	for _, pkg := range pkgs {
		records = append(records, toRecord(pkg))
	}
	return records, nil
}

func toRecord(pkg *rpmdb.PackageInfo) *record {
	files, err := pkg.InstalledFileNames()
	if err != nil {
		log.Warnf("rpm package %q: %v", pkg.Name, err)
	}
	return &record{
		name:         pkg.Name,
		version:      pkg.Version,
		release:      pkg.Release,
		epoch:        pkg.EpochNum(),
		sourceRPM:    pkg.SourceRpm,
		vendor:       pkg.Vendor,
		architecture: pkg.Arch,
		license:      pkg.License,
		requires:     parseRequires(pkg.Requires),
		provides:     parseProvides(pkg.Provides),
		files:        files,
	}
}

// parseRequires drops the rpmlib() feature requirements and duplicates.
func parseRequires(requires []string) []extractor.Dependency {
	var deps []extractor.Dependency
	seen := map[string]bool{}
	for _, req := range requires {
		if strings.HasPrefix(req, "rpmlib(") || seen[req] {
			continue
		}
		seen[req] = true
		name, constraint, _ := strings.Cut(req, " ")
		deps = append(deps, extractor.Dependency{Name: name, Constraint: strings.TrimSpace(constraint)})
	}
	return deps
}

func parseProvides(provides []string) []string {
	var out []string
	for _, prov := range provides {
		name, _, _ := strings.Cut(prov, " ")
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Parse turns the decoded databases into packages.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		records, ok := f.Value.([]*record)
		if !ok {
			continue
		}
		for _, r := range records {
			if r.name == "" {
				log.Warnf("RPM package without a name in %q", f.Path)
				continue
			}
			inv.Packages = append(inv.Packages, r.toPackage(f.Path, input.OS))
		}
	}

	return inv, nil
}

func (r *record) toPackage(location string, targetOS *extractor.TargetOS) *extractor.Package {
	version := r.version
	if r.release != "" {
		version = fmt.Sprintf("%s-%s", r.version, r.release)
	}
	return &extractor.Package{
		Name:           r.name,
		Version:        version,
		Purpose:        extractor.PurposeOS,
		PackageManager: extractor.PackageManagerRPM,
		TargetOS:       targetOS,
		Dependencies:   r.requires,
		Provides:       r.provides,
		Files:          r.files,
		Locations:      []string{location},
		Metadata: &Metadata{
			PackageName:  r.name,
			SourceRPM:    r.sourceRPM,
			Epoch:        r.epoch,
			Vendor:       r.vendor,
			Architecture: r.architecture,
			License:      r.license,
		},
	}
}
