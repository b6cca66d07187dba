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

// Package scanrunner provides the main function for running a scan with the imgdeps binary.
package scanrunner

import (
	"context"

	"github.com/imgdeps/imgdeps"
	"github.com/imgdeps/imgdeps/binary/cli"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/containerruntime/docker"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/plugin"
)

// RunScan executes the scan with the given CLI flags and returns the exit code passed to
// os.Exit() in the main binary. Dynamic scans connect to the Docker daemon of the environment.
func RunScan(ctx context.Context, flags *cli.Flags) int {
	var rt containerruntime.Runtime
	if !flags.IsStatic() {
		d, err := docker.New()
		if err != nil {
			log.Errorf("Failed to connect to the container runtime: %v", err)
			return 1
		}
		rt = d
	}
	return Run(ctx, flags, rt)
}

// Run executes the scan through rt, which is ignored by static scans.
func Run(ctx context.Context, flags *cli.Flags, rt containerruntime.Runtime) int {
	log.SetVerbose(flags.Verbose)

	cfg, err := flags.GetScanConfig(rt)
	if err != nil {
		log.Errorf("GetScanConfig(): %v", err)
		return 1
	}
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}

	if flags.IsStatic() {
		log.Infof("Scanning %s archive %s with %d parsers", flags.ImageType, flags.ImagePath, len(cfg.Parsers))
	} else {
		log.Infof("Scanning image %s with %d parsers", flags.Target, len(cfg.Parsers))
	}

	result, err := imgdeps.New().Scan(ctx, cfg)
	if err != nil {
		log.Errorf("Scan failed: %v", err)
		return 1
	}

	for _, s := range result.ParserStatus {
		if s.Status.Status != plugin.ScanStatusSucceeded {
			log.Warnf("Parser '%s' did not succeed. Status: %v", s.Name, s.Status)
		}
	}
	for _, d := range result.Diagnostics {
		log.Warnf("%s: %s %s: %s", d.Stage, d.Source, d.Path, d.Message)
	}
	if result.LowConfidence {
		log.Warnf("OS could not be identified, package manager %q was guessed", result.PackageManager)
	}
	log.Infof(
		"Found %d packages, %d dependency edges, %d binaries, %d manifest files",
		result.Graph.Len(), len(result.Graph.Edges()), len(result.Binaries), len(result.ManifestFiles),
	)

	if err := flags.WriteScanResult(result); err != nil {
		log.Errorf("Error writing scan result: %v", err)
		return 1
	}
	return 0
}
