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

// Package archive extracts Java archive files.
package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"slices"
	"strings"

	"deps.dev/util/maven"
	"github.com/dustin/go-humanize"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"
	"golang.org/x/net/html/charset"
)

const (
	// Name is the unique name of this parser.
	Name = "java/archive"
	// ActionName is the name of the extract action decoding Java archives.
	ActionName = "java-archive"

	// defaultMaxZipDepth is the maximum number of inner zip files within an archive the default
	// parser will unzip.
	defaultMaxZipDepth = 16
	// defaultMaxOpenedBytes is the maximum number of bytes recursively read from one archive.
	defaultMaxOpenedBytes = 1 << 30
	// minZipBytes is slightly larger than an empty zip file which is 22 bytes.
	minZipBytes = 30
)

// ErrOpenedBytesExceeded is returned when an archive and its inner archives are larger than
// the configured limit.
var ErrOpenedBytesExceeded = errors.New("max opened bytes exceeded")

var (
	archiveExtensions = []string{".jar", ".war", ".ear", ".jmod", ".par", ".sar", ".jpi", ".hpi", ".nar"}

	// Regexes to determine if a string is a version
	digit           = regexp.MustCompile("^[0-9]")
	buildAndDigit   = regexp.MustCompile("^build[0-9]")
	releaseAndDigit = regexp.MustCompile("^rc?[0-9]+([^a-zA-Z]|$)")
)

// Metadata holds parsing information for a Java archive package.
type Metadata struct {
	ArtifactID string
	GroupID    string
	// SHA1 is base64(sha1()) of the archive the package was found in.
	SHA1 string
}

// Config is the configuration for the Parser.
type Config struct {
	// MaxZipDepth is the maximum nesting of inner archives that is explored.
	MaxZipDepth int
	// MaxOpenedBytes is the maximum number of bytes read from an archive, inner archives included.
	MaxOpenedBytes int64
	// ExtractFromFilename guesses coordinates from the file name when pom.properties is missing.
	ExtractFromFilename bool
}

// DefaultConfig returns the default configuration for the Java archive parser.
func DefaultConfig() Config {
	return Config{
		MaxZipDepth:         defaultMaxZipDepth,
		MaxOpenedBytes:      defaultMaxOpenedBytes,
		ExtractFromFilename: true,
	}
}

// Parser extracts Java packages from archive files.
type Parser struct {
	maxZipDepth         int
	maxOpenedBytes      int64
	extractFromFilename bool
}

// New returns a Java archive parser.
func New(cfg Config) *Parser {
	return &Parser{
		maxZipDepth:         cfg.MaxZipDepth,
		maxOpenedBytes:      cfg.MaxOpenedBytes,
		extractFromFilename: cfg.ExtractFromFilename,
	}
}

// NewDefault returns a parser with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the parser.
func (p Parser) Name() string { return Name }

// Version of the parser.
func (p Parser) Version() int { return 0 }

// PackageManager of the produced records.
func (p Parser) PackageManager() extractor.PackageManager { return extractor.PackageManagerMaven }

// Purpose of the produced records.
func (p Parser) Purpose() extractor.Purpose { return extractor.PurposeApplication }

// Actions returns the extract action decoding Java archives.
func (p Parser) Actions() []extract.Action {
	return []extract.Action{{
		Name:   ActionName,
		Filter: IsArchive,
		Decode: p.decode,
	}}
}

// IsArchive returns true if the file path ends with one of the supported archive extensions.
func IsArchive(p string) bool {
	ext := path.Ext(p)
	for _, archiveExt := range archiveExtensions {
		if strings.EqualFold(ext, archiveExt) {
			return true
		}
	}
	return false
}

// javaPackage is a package found in an archive. Locations start with the outermost archive.
type javaPackage struct {
	groupID    string
	artifactID string
	version    string
	locations  []string
	sha1       string
	digest     digest.Digest
	// nested are the packages of the inner archives.
	nested []*javaPackage
	// declared are the dependencies listed in the pom.xml next to pom.properties.
	declared []extractor.Dependency
}

func (p Parser) decode(r io.Reader, info extract.EntryInfo) (any, error) {
	var opened int64
	return p.decodeArchive(r, info.Path, []string{info.Path}, 0, &opened)
}

func (p Parser) decodeArchive(r io.Reader, name string, locations []string, depth int, opened *int64) ([]*javaPackage, error) {
	// Return early if any max/min thresholds are hit.
	if depth > p.maxZipDepth {
		return nil, fmt.Errorf("%s reached max zip depth %d", Name, depth)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s failed to read file: %w", Name, err)
	}
	*opened += int64(len(b))
	if p.maxOpenedBytes > 0 && *opened > p.maxOpenedBytes {
		return nil, fmt.Errorf("%w: %s read %s at %q", ErrOpenedBytesExceeded, Name, humanize.IBytes(uint64(*opened)), name)
	}
	if len(b) < minZipBytes {
		log.Warnf("%s ignoring zip with size %d because it is smaller than min size %d at %q", Name, len(b), minZipBytes, name)
		return nil, nil
	}

	sum := hashJar(b)
	zipReader, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("%s invalid archive: %w", Name, err)
	}

	// Aggregate errors while looping through files in the zip to continue extraction of other files.
	var errs error
	var own, nested []*javaPackage
	poms := map[string][]extractor.Dependency{}
	for _, file := range zipReader.File {
		switch {
		case path.Base(file.Name) == "pom.xml" && strings.HasPrefix(file.Name, "META-INF/maven/"):
			deps, err := parsePomXML(file)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			poms[path.Dir(file.Name)] = deps
		case path.Base(file.Name) == "pom.properties":
			pp, err := parsePomProps(file)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if pp.valid() {
				pp.locations = append(slices.Clone(locations), file.Name)
				own = append(own, pp)
			}
		case IsArchive(file.Name):
			pkgs, err := p.decodeInner(file, append(slices.Clone(locations), file.Name), depth, opened)
			if errors.Is(err, ErrOpenedBytesExceeded) {
				return nil, err
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", file.Name, err))
				continue
			}
			nested = append(nested, pkgs...)
		}
	}

	if len(own) == 0 && p.extractFromFilename {
		if pp := parseFilename(name); pp != nil {
			log.Debugf("parseFilename(%q): %+v", name, pp)
			pp.locations = locations
			own = append(own, pp)
		}
	}
	for _, pkg := range own {
		if n := len(pkg.locations); n > 0 {
			pkg.declared = poms[path.Dir(pkg.locations[n-1])]
		}
	}
	// If nothing worked, return the hash.
	if len(own) == 0 {
		own = append(own, &javaPackage{artifactID: path.Base(name), locations: locations})
	}
	d := digest.FromBytes(b)
	for _, pkg := range own {
		pkg.sha1 = sum
		pkg.digest = d
	}
	// Shaded archives carry several pom.properties; the bundled archives belong to the first.
	own[0].nested = nested
	if errs != nil {
		log.Warnf("%s: error(s) in %q: %v", Name, name, errs)
	}
	return own, nil
}

func (p Parser) decodeInner(file *zip.File, locations []string, depth int, opened *int64) ([]*javaPackage, error) {
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", file.Name, err)
	}
	// Do not need to handle error from f.Close() because it only happens if the file was previously closed.
	defer f.Close()
	return p.decodeArchive(f, file.Name, locations, depth+1, opened)
}

// hashJar returns base64(sha1()) of the file.
func hashJar(b []byte) string {
	h := sha1.Sum(b)
	return base64.StdEncoding.EncodeToString(h[:])
}

func (j *javaPackage) valid() bool {
	for _, s := range []string{j.groupID, j.artifactID, j.version} {
		if s == "" || strings.Contains(s, " ") {
			return false
		}
	}
	return true
}

func parsePomProps(f *zip.File) (*javaPackage, error) {
	file, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", f.Name, err)
	}
	defer file.Close()

	p := &javaPackage{}
	s := bufio.NewScanner(file)
	for s.Scan() {
		attribute, value, ok := strings.Cut(strings.TrimSpace(s.Text()), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(attribute) {
		case "groupId":
			p.groupID = strings.TrimSpace(value)
		case "artifactId":
			p.artifactID = strings.TrimSpace(value)
		case "version":
			p.version = strings.TrimSpace(value)
		}
	}
	if s.Err() != nil {
		return nil, fmt.Errorf("error while scanning zip file %q for pom properties: %w", f.Name, s.Err())
	}
	return p, nil
}

// parsePomXML returns the runtime dependencies declared by an embedded pom.xml. Versions that
// reference properties are dropped, since the parent POM is not available.
func parsePomXML(f *zip.File) ([]extractor.Dependency, error) {
	file, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", f.Name, err)
	}
	defer file.Close()

	var project maven.Project
	dec := xml.NewDecoder(file)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(&project); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", f.Name, err)
	}
	// Empty JDK and ActivationOS merge the default profiles.
	if err := project.MergeProfiles("", maven.ActivationOS{}); err != nil {
		return nil, fmt.Errorf("failed to merge profiles of %q: %w", f.Name, err)
	}
	// Fill in versions from the local dependency management only.
	project.ProcessDependencies(func(groupID, artifactID, version maven.String) (maven.DependencyManagement, error) {
		return maven.DependencyManagement{}, nil
	})

	var deps []extractor.Dependency
	for _, d := range project.Dependencies {
		switch d.Scope {
		case "", "compile", "runtime":
		default:
			continue
		}
		if d.Optional.Boolean() || d.GroupID.ContainsProperty() || d.ArtifactID.ContainsProperty() {
			continue
		}
		dep := extractor.Dependency{Name: string(d.GroupID) + ":" + string(d.ArtifactID)}
		switch v := string(d.Version); {
		case d.Version.ContainsProperty() || v == "":
		case strings.ContainsAny(v, "[("):
			dep.Constraint = v
		default:
			dep.Version = v
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// parseFilename guesses the coordinates of an archive from its file name, e.g.
// "guava-31.1-jre.jar". Returns nil if no version is found.
func parseFilename(filePath string) *javaPackage {
	name, version := nameVersionFromFilename(filePath)
	if version == "" {
		return nil
	}
	// Legacy packages without a reverse-domain group use the artifact ID as group ID, e.g.
	// junit:junit. Artifact IDs namespaced by their group keep it, e.g. org.apache.felix.framework.
	groupID := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		groupID = strings.ToLower(name[:i])
	}
	return &javaPackage{groupID: groupID, artifactID: name, version: version}
}

func nameVersionFromFilename(filePath string) (string, string) {
	base := path.Base(filePath)
	filename := strings.TrimSuffix(base, path.Ext(base))
	// Most archive names follow the convention "some-package-name-1.2.3"
	for i, c := range filename {
		if c == '-' && isVersion(filename[i+1:]) {
			return filename[:i], filename[i+1:]
		}
	}
	// Also try package_version and package.version
	for _, sep := range []string{"_", "."} {
		if name, v, ok := strings.Cut(filename, sep); ok && isVersion(v) {
			return name, v
		}
	}
	return filename, ""
}

func isVersion(str string) bool {
	return digit.MatchString(str) || buildAndDigit.MatchString(str) || releaseAndDigit.MatchString(str)
}

// Parse turns the decoded archives into packages. Packages of inner archives become
// dependencies of the archive that bundles them.
func (p Parser) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", p.Name(), f.Path, err)
		}
		pkgs, ok := f.Value.([]*javaPackage)
		if !ok {
			continue
		}
		for _, pkg := range pkgs {
			inv.Packages = appendPackage(inv.Packages, pkg)
		}
	}

	return inv, nil
}

func appendPackage(out []*extractor.Package, pkg *javaPackage) []*extractor.Package {
	rec := &extractor.Package{
		Name:           pkg.name(),
		Version:        pkg.version,
		Purpose:        extractor.PurposeApplication,
		PackageManager: extractor.PackageManagerMaven,
		Locations:      pkg.locations,
		Digest:         pkg.digest,
		Metadata: &Metadata{
			ArtifactID: pkg.artifactID,
			GroupID:    pkg.groupID,
			SHA1:       pkg.sha1,
		},
	}
	out = append(out, rec)
	for _, n := range pkg.nested {
		rec.Dependencies = append(rec.Dependencies, extractor.Dependency{Name: n.name(), Version: n.version})
		out = appendPackage(out, n)
	}
	for _, d := range pkg.declared {
		if !slices.ContainsFunc(rec.Dependencies, func(e extractor.Dependency) bool { return e.Name == d.Name }) {
			rec.Dependencies = append(rec.Dependencies, d)
		}
	}
	return out
}

func (j *javaPackage) name() string {
	if j.groupID == "" {
		return j.artifactID
	}
	return j.groupID + ":" + j.artifactID
}
