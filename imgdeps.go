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

// Package imgdeps builds the dependency graph of a container image, either from an image archive
// on disk or from a container started by a runtime.
package imgdeps

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/artifact/image/layersource"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/containerruntime/manifest"
	"github.com/imgdeps/imgdeps/depgraph"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/list"
	"github.com/imgdeps/imgdeps/extractor/filesystem/os/osrelease"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/plugin"
	"github.com/imgdeps/imgdeps/stats"
	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Scanner is the main entry point of the scanner.
type Scanner struct{}

// New creates a new scanner instance.
func New() *Scanner { return &Scanner{} }

// StaticOptions select a static scan of an image archive.
type StaticOptions struct {
	// ImagePath is the path of the archive, or of the directory of an OCI layout.
	ImagePath string
	// ImageType is the archive format, one of the layersource.ImageType values.
	ImageType string
	// TmpDirPath is where OCI archives are unpacked. Defaults to the system temp dir.
	TmpDirPath string
}

// ScanConfig stores the settings of a scan run.
type ScanConfig struct {
	// Target identifies the scanned image. Dynamic scans pass it to the runtime as the image
	// reference; static scans default it to the archive path.
	Target string
	// Static selects a static scan. Without it the image is scanned through Runtime.
	Static  *StaticOptions
	Runtime containerruntime.Runtime
	// ManifestGlobs select files to collect from the container of a dynamic scan.
	ManifestGlobs        []string
	ManifestExcludeGlobs []string
	// Extraction bounds the extraction pass. Defaults to extract.DefaultConfig().
	Extraction *extract.Config
	// Parsers to run. Defaults to list.All().
	Parsers []filesystem.Parser
	Stats   stats.Collector
}

func (cfg *ScanConfig) target() string {
	if cfg.Target == "" && cfg.Static != nil {
		return cfg.Static.ImagePath
	}
	return cfg.Target
}

func (cfg *ScanConfig) validate() error {
	if cfg.Static != nil {
		if cfg.Static.ImagePath == "" || cfg.Static.ImageType == "" {
			return &ScanError{Target: cfg.target(), Stage: StageConfig, Err: ErrMissingStaticOptions}
		}
		if _, err := layersource.ParseImageType(cfg.Static.ImageType); err != nil {
			return &ScanError{Target: cfg.target(), Stage: StageConfig, Err: err}
		}
		return nil
	}
	if cfg.Target == "" {
		return &ScanError{Stage: StageConfig, Err: ErrNoTarget}
	}
	if cfg.Runtime == nil {
		return &ScanError{Target: cfg.Target, Stage: StageConfig, Err: ErrNoRuntime}
	}
	return nil
}

// Binary is an ELF object found in the image.
type Binary struct {
	Name   string        `json:"name"`
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest"`
}

// ScanResult is the outcome of a scan.
type ScanResult struct {
	// ScanID uniquely identifies the scan run.
	ScanID  string `json:"scanId"`
	Target  string `json:"target"`
	ImageID string `json:"imageId,omitempty"`
	// OS is the resolved OS identity. It is nil when unknown.
	OS *extractor.TargetOS `json:"os,omitempty"`
	// PackageManager is the OS package manager whose packages are in the graph.
	PackageManager string `json:"packageManager,omitempty"`
	// LowConfidence is set when the OS was unknown and the package manager was guessed.
	LowConfidence bool            `json:"lowConfidence,omitempty"`
	Graph         *depgraph.Graph `json:"graph"`
	Binaries      []Binary        `json:"binaries,omitempty"`
	ManifestFiles []manifest.File `json:"manifestFiles,omitempty"`
	// Layers are the layer digests, base first.
	Layers       []string         `json:"layers"`
	Diagnostics  []Diagnostic     `json:"diagnostics,omitempty"`
	ParserStatus []*plugin.Status `json:"parserStatus,omitempty"`
	StartTime    time.Time        `json:"startTime"`
	EndTime      time.Time        `json:"endTime"`
}

// Scan builds the dependency graph of the image named by cfg. It returns a complete result,
// possibly carrying diagnostics, or a *ScanError; never both.
func (s Scanner) Scan(ctx context.Context, cfg *ScanConfig) (sr *ScanResult, err error) {
	start := time.Now()
	if cfg == nil {
		cfg = &ScanConfig{}
	}
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NoopCollector{}
	}
	defer func() {
		collector.AfterScan(time.Since(start), scanStatus(err))
	}()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	target := cfg.target()

	src, err := openSource(ctx, cfg)
	if err != nil {
		return nil, &ScanError{Target: target, Stage: StageOpen, Err: err}
	}
	defer func() {
		cerr := src.Close()
		if cerr == nil {
			return
		}
		cerr = &ScanError{Target: target, Stage: StageCleanup, Err: cerr}
		if err != nil {
			err = multierr.Append(err, cerr)
			return
		}
		log.Warnf("%v", cerr)
		sr.Diagnostics = append(sr.Diagnostics, Diagnostic{Stage: StageCleanup, Message: cerr.Error()})
	}()

	var (
		result    *ScanResult
		manifests []manifest.File
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = s.ScanSource(gctx, target, src, cfg)
		return err
	})
	if rs, ok := src.(*layersource.RuntimeSource); ok && len(cfg.ManifestGlobs) > 0 {
		g.Go(func() error {
			files, err := manifest.Find(gctx, rs.Runtime(), rs.ContainerID(), cfg.ManifestGlobs, cfg.ManifestExcludeGlobs)
			if err != nil {
				return &ScanError{Target: target, Stage: StageManifest, Err: err}
			}
			manifests = files
			return nil
		})
	} else if len(cfg.ManifestGlobs) > 0 {
		log.Debugf("manifest globs are ignored by static scans")
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.ManifestFiles = manifests
	result.StartTime = start
	result.EndTime = time.Now()
	return result, nil
}

func openSource(ctx context.Context, cfg *ScanConfig) (layersource.Source, error) {
	if cfg.Static != nil {
		typ, err := layersource.ParseImageType(cfg.Static.ImageType)
		if err != nil {
			return nil, err
		}
		src, err := layersource.FromArchive(cfg.Static.ImagePath, typ, &layersource.ArchiveOptions{TmpDir: cfg.Static.TmpDirPath})
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	src, err := layersource.FromRuntime(ctx, cfg.Runtime, cfg.Target)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// ScanSource builds the dependency graph of the layers of src. It neither closes src nor
// collects manifest files; Scan does both.
func (Scanner) ScanSource(ctx context.Context, target string, src layersource.Source, cfg *ScanConfig) (*ScanResult, error) {
	start := time.Now()
	if cfg == nil {
		cfg = &ScanConfig{}
	}
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NoopCollector{}
	}
	parsers := cfg.Parsers
	if len(parsers) == 0 {
		parsers = list.All()
	}
	extractCfg := extract.DefaultConfig()
	if cfg.Extraction != nil {
		c := *cfg.Extraction
		extractCfg = &c
	}
	if extractCfg.Stats == nil {
		extractCfg.Stats = collector
	}

	actions := slices.Concat(osrelease.Actions(), filesystem.Actions(parsers...))
	layers, err := extract.Run(ctx, src, actions, extractCfg)
	if err != nil {
		return nil, &ScanError{Target: target, Stage: StageExtract, Err: err}
	}
	srcLayers, err := src.Layers(ctx)
	if err != nil {
		return nil, &ScanError{Target: target, Stage: StageExtract, Err: err}
	}

	identity := osrelease.Resolve(layers)
	if identity.Known() {
		log.Infof("%s: resolved OS %q from %s", target, identity.PrettyName, identity.Source)
	} else {
		log.Warnf("%s: could not resolve the OS, trying all OS package managers", target)
	}
	input := &filesystem.ParseInput{Layers: layers, OS: identity.TargetOS()}

	var osParsers, otherParsers []filesystem.Parser
	for _, p := range parsers {
		if p.Purpose() == extractor.PurposeOS {
			osParsers = append(osParsers, p)
		} else {
			otherParsers = append(otherParsers, p)
		}
	}
	var (
		osResult     *list.OSResult
		otherResults []*filesystem.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		osResult, err = list.RunOS(gctx, identity.Family, osParsers, input, collector)
		return err
	})
	g.Go(func() error {
		var err error
		otherResults, err = filesystem.Run(gctx, otherParsers, input, collector)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, &ScanError{Target: target, Stage: StageParse, Err: err}
	}

	res := &ScanResult{
		ScanID:         uuid.NewString(),
		Target:         target,
		ImageID:        src.ImageID(),
		OS:             identity.TargetOS(),
		PackageManager: string(osResult.Kind),
		LowConfidence:  osResult.LowConfidence,
		StartTime:      start,
	}
	for _, l := range srcLayers {
		res.Layers = append(res.Layers, l.Digest().String())
	}

	var pkgs []*extractor.Package
	if osResult.Selected != nil {
		pkgs = append(pkgs, osResult.Selected.Inventory.Packages...)
	}
	for _, r := range otherResults {
		pkgs = append(pkgs, r.Inventory.Packages...)
	}
	for _, r := range slices.Concat(osResult.Results, otherResults) {
		res.ParserStatus = append(res.ParserStatus, r.Status)
		res.Diagnostics = append(res.Diagnostics, parserDiagnostics(r)...)
	}

	res.Graph = depgraph.Build(target, res.PackageManager, pkgs, res.OS)
	for _, d := range res.Graph.Diagnostics {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Stage: StageBuild, Source: "depgraph", Message: d.Message})
	}
	for _, p := range pkgs {
		if p.Purpose != extractor.PurposeBinary || len(p.Locations) == 0 {
			continue
		}
		res.Binaries = append(res.Binaries, Binary{Name: p.Name, Path: p.Locations[0], Digest: p.Digest})
	}
	log.Infof("%s: %d packages, %d graph nodes, %d diagnostics", target, len(pkgs), res.Graph.Len(), len(res.Diagnostics))

	res.EndTime = time.Now()
	return res, nil
}

func parserDiagnostics(r *filesystem.Result) []Diagnostic {
	name := r.Parser.Name()
	var out []Diagnostic
	if r.Status.Status.Status == plugin.ScanStatusFailed && len(r.Inventory.FileErrors) == 0 {
		out = append(out, Diagnostic{Stage: StageParse, Source: name, Message: r.Status.Status.FailureReason})
	}
	for _, fe := range r.Inventory.FileErrors {
		out = append(out, Diagnostic{Stage: StageParse, Source: name, Path: fe.Path, Message: fe.Err.Error()})
	}
	return out
}

func scanStatus(err error) *plugin.ScanStatus {
	if err != nil {
		return &plugin.ScanStatus{Status: plugin.ScanStatusFailed, FailureReason: err.Error()}
	}
	return &plugin.ScanStatus{Status: plugin.ScanStatusSucceeded}
}
