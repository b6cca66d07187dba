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

package imgdeps

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingStaticOptions is returned when a static scan lacks an image path or image type.
	ErrMissingStaticOptions = errors.New("missing required parameters for static analysis: image path and image type")
	// ErrNoTarget is returned when no scan target is given.
	ErrNoTarget = errors.New("no scan target specified")
	// ErrNoRuntime is returned when a dynamic scan has no container runtime.
	ErrNoRuntime = errors.New("dynamic analysis requires a container runtime")
)

// Stage is the step of a scan an error occurred in.
type Stage string

// Scan stages.
const (
	StageConfig   Stage = "config"
	StageOpen     Stage = "open"
	StageExtract  Stage = "extract"
	StageParse    Stage = "parse"
	StageBuild    Stage = "build"
	StageManifest Stage = "manifest"
	StageCleanup  Stage = "cleanup"
)

// ScanError is a fatal scan failure. It identifies the scanned target and the failing stage.
type ScanError struct {
	Target string
	Stage  Stage
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("analysis of %s failed during %s: %v", e.Target, e.Stage, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Diagnostic is a recoverable problem recorded during a scan.
type Diagnostic struct {
	Stage Stage `json:"stage"`
	// Source is the parser or component that reported the problem.
	Source  string `json:"source,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}
