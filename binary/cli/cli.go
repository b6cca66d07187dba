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

// Package cli defines the flags of the imgdeps binary and turns them into a scan config.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/imgdeps/imgdeps"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/artifact/image/layersource"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/extractor/filesystem/list"
	"github.com/imgdeps/imgdeps/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Flag names.
const (
	FlagConfig               = "config"
	FlagImagePath            = "image-path"
	FlagImageType            = "image-type"
	FlagTmpDir               = "tmp-dir"
	FlagManifestGlobs        = "manifest-globs"
	FlagManifestExcludeGlobs = "manifest-exclude-globs"
	FlagParsers              = "parsers"
	FlagMaxExtractBytes      = "max-extract-bytes"
	FlagMaxExtractFiles      = "max-extract-files"
	FlagTimeout              = "timeout"
	FlagOutput               = "output"
	FlagVerbose              = "verbose"
)

// StdoutOutput writes the result to standard output.
const StdoutOutput = "-"

// Flags contains a field for all the settings of the binary. Each can come from the YAML config
// file, an IMGDEPS_* environment variable or a command line flag.
type Flags struct {
	// Target is the image reference of a dynamic scan, or the name reported for a static one.
	Target               string        `yaml:"target" env:"IMGDEPS_TARGET"`
	ImagePath            string        `yaml:"imagePath" env:"IMGDEPS_IMAGE_PATH"`
	ImageType            string        `yaml:"imageType" env:"IMGDEPS_IMAGE_TYPE"`
	TmpDir               string        `yaml:"tmpDir" env:"IMGDEPS_TMP_DIR"`
	ManifestGlobs        []string      `yaml:"manifestGlobs" env:"IMGDEPS_MANIFEST_GLOBS" envSeparator:","`
	ManifestExcludeGlobs []string      `yaml:"manifestExcludeGlobs" env:"IMGDEPS_MANIFEST_EXCLUDE_GLOBS" envSeparator:","`
	Parsers              []string      `yaml:"parsers" env:"IMGDEPS_PARSERS" envSeparator:","`
	MaxExtractBytes      int64         `yaml:"maxExtractBytes" env:"IMGDEPS_MAX_EXTRACT_BYTES"`
	MaxExtractFiles      int           `yaml:"maxExtractFiles" env:"IMGDEPS_MAX_EXTRACT_FILES"`
	Timeout              time.Duration `yaml:"timeout" env:"IMGDEPS_TIMEOUT"`
	Output               string        `yaml:"output" env:"IMGDEPS_OUTPUT"`
	Verbose              bool          `yaml:"verbose" env:"IMGDEPS_VERBOSE"`
}

// DefaultFlags returns the flag values used when nothing else is set.
func DefaultFlags() *Flags {
	return &Flags{
		Parsers:         []string{"all"},
		MaxExtractBytes: extract.DefaultMaxBytes,
		MaxExtractFiles: extract.DefaultMaxFiles,
		Timeout:         30 * time.Minute,
		Output:          StdoutOutput,
	}
}

// RegisterFlags defines the command line flags on fs, storing their values in f.
func RegisterFlags(fs *pflag.FlagSet, f *Flags) {
	d := DefaultFlags()
	fs.String(FlagConfig, "", "Path of a YAML file holding default values for the other flags")
	fs.StringVar(&f.ImagePath, FlagImagePath, "", "Path of an image archive to scan statically instead of starting a container")
	fs.StringVar(&f.ImageType, FlagImageType, "", "Format of the image archive: docker-archive, oci-archive or oci-layout")
	fs.StringVar(&f.TmpDir, FlagTmpDir, "", "Directory used to unpack OCI archives")
	fs.StringSliceVar(&f.ManifestGlobs, FlagManifestGlobs, nil, "Globs of manifest files to collect from the container (dynamic scans only)")
	fs.StringSliceVar(&f.ManifestExcludeGlobs, FlagManifestExcludeGlobs, nil, "Globs of manifest files to leave out")
	fs.StringSliceVar(&f.Parsers, FlagParsers, d.Parsers, "Parsers to run, by name or group (all, os, application, binary)")
	fs.Int64Var(&f.MaxExtractBytes, FlagMaxExtractBytes, d.MaxExtractBytes, "Maximum bytes decoded from the image layers; 0 disables the cap")
	fs.IntVar(&f.MaxExtractFiles, FlagMaxExtractFiles, d.MaxExtractFiles, "Maximum files decoded from the image layers; 0 disables the cap")
	fs.DurationVar(&f.Timeout, FlagTimeout, d.Timeout, "Deadline of the whole scan")
	fs.StringVarP(&f.Output, FlagOutput, "o", d.Output, `Path of the JSON result, "-" for stdout`)
	fs.BoolVarP(&f.Verbose, FlagVerbose, "v", d.Verbose, "Print debug logs")
}

// flagSetters copy a flag value from the command line flags into the loaded flags.
var flagSetters = map[string]func(dst, src *Flags){
	FlagImagePath:            func(dst, src *Flags) { dst.ImagePath = src.ImagePath },
	FlagImageType:            func(dst, src *Flags) { dst.ImageType = src.ImageType },
	FlagTmpDir:               func(dst, src *Flags) { dst.TmpDir = src.TmpDir },
	FlagManifestGlobs:        func(dst, src *Flags) { dst.ManifestGlobs = src.ManifestGlobs },
	FlagManifestExcludeGlobs: func(dst, src *Flags) { dst.ManifestExcludeGlobs = src.ManifestExcludeGlobs },
	FlagParsers:              func(dst, src *Flags) { dst.Parsers = src.Parsers },
	FlagMaxExtractBytes:      func(dst, src *Flags) { dst.MaxExtractBytes = src.MaxExtractBytes },
	FlagMaxExtractFiles:      func(dst, src *Flags) { dst.MaxExtractFiles = src.MaxExtractFiles },
	FlagTimeout:              func(dst, src *Flags) { dst.Timeout = src.Timeout },
	FlagOutput:               func(dst, src *Flags) { dst.Output = src.Output },
	FlagVerbose:              func(dst, src *Flags) { dst.Verbose = src.Verbose },
}

// Load resolves the flags from, in increasing precedence, the defaults, the YAML file named by
// the config flag, IMGDEPS_* environment variables and the flags explicitly set on fs. cmdline
// holds the values bound by RegisterFlags.
func Load(fs *pflag.FlagSet, cmdline *Flags) (*Flags, error) {
	f := DefaultFlags()
	configPath, err := fs.GetString(FlagConfig)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := loadFile(configPath, f); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(f); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	fs.Visit(func(fl *pflag.Flag) {
		if set, ok := flagSetters[fl.Name]; ok {
			set(f, cmdline)
		}
	})
	if cmdline.Target != "" {
		f.Target = cmdline.Target
	}
	return f, nil
}

func loadFile(path string, f *Flags) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, f); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ValidateFlags validates the resolved flags.
func ValidateFlags(f *Flags) error {
	if f.Target == "" && f.ImagePath == "" {
		return errors.New("either an image reference or --image-path needs to be set")
	}
	if f.ImagePath != "" && f.ImageType == "" {
		return errors.New("--image-type is required with --image-path")
	}
	if f.ImageType != "" {
		if f.ImagePath == "" {
			return errors.New("--image-type cannot be used without --image-path")
		}
		if _, err := layersource.ParseImageType(f.ImageType); err != nil {
			return fmt.Errorf("--image-type: %w", err)
		}
	}
	if err := validateMultiStringArg(f.Parsers); err != nil {
		return fmt.Errorf("--parsers: %w", err)
	}
	if _, err := list.ParsersFromNames(f.Parsers); err != nil {
		return fmt.Errorf("--parsers: %w", err)
	}
	if err := validateGlobs(f.ManifestGlobs); err != nil {
		return fmt.Errorf("--manifest-globs: %w", err)
	}
	if err := validateGlobs(f.ManifestExcludeGlobs); err != nil {
		return fmt.Errorf("--manifest-exclude-globs: %w", err)
	}
	if f.MaxExtractBytes < 0 || f.MaxExtractFiles < 0 {
		return errors.New("extraction limits cannot be negative")
	}
	if f.Timeout < 0 {
		return errors.New("--timeout cannot be negative")
	}
	if f.Output == "" {
		return errors.New("--output cannot be empty")
	}
	return nil
}

func validateMultiStringArg(arg []string) error {
	for _, item := range arg {
		if strings.TrimSpace(item) == "" {
			return errors.New("list item cannot be left empty")
		}
	}
	return nil
}

func validateGlobs(globs []string) error {
	for _, g := range globs {
		if _, err := glob.Compile(g, '/'); err != nil {
			return fmt.Errorf("%q: %w", g, err)
		}
	}
	return nil
}

// IsStatic returns whether the flags select a static scan.
func (f *Flags) IsStatic() bool {
	return f.ImagePath != ""
}

// GetScanConfig constructs a scan config from the flags. rt is only used by dynamic scans.
func (f *Flags) GetScanConfig(rt containerruntime.Runtime) (*imgdeps.ScanConfig, error) {
	parsers, err := list.ParsersFromNames(f.Parsers)
	if err != nil {
		return nil, err
	}
	extraction := extract.DefaultConfig()
	extraction.MaxBytes = f.MaxExtractBytes
	extraction.MaxFiles = f.MaxExtractFiles

	cfg := &imgdeps.ScanConfig{
		Target:               f.Target,
		ManifestGlobs:        f.ManifestGlobs,
		ManifestExcludeGlobs: f.ManifestExcludeGlobs,
		Extraction:           extraction,
		Parsers:              parsers,
	}
	if f.IsStatic() {
		cfg.Static = &imgdeps.StaticOptions{
			ImagePath:  f.ImagePath,
			ImageType:  f.ImageType,
			TmpDirPath: f.TmpDir,
		}
	} else {
		cfg.Runtime = rt
	}
	return cfg, nil
}

// WriteScanResult writes the result as indented JSON to the output named by the flags.
func (f *Flags) WriteScanResult(result *imgdeps.ScanResult) error {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if f.Output == StdoutOutput {
		_, err := os.Stdout.Write(b)
		return err
	}
	log.Infof("Writing scan result (%s) to %s", humanize.Bytes(uint64(len(b))), f.Output)
	return os.WriteFile(f.Output, b, 0o644)
}
