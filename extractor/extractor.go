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

// Package extractor defines the dependency records produced by the package-manager parsers and
// the binary analyzer.
package extractor

import (
	"github.com/opencontainers/go-digest"
)

// Purpose is the role of a package within the image.
type Purpose string

// Purpose values.
const (
	PurposeOS          Purpose = "os"
	PurposeApplication Purpose = "application"
	PurposeBinary      Purpose = "binary"
)

// PackageManager names the ecosystem a package was found in.
type PackageManager string

// Supported package managers.
const (
	PackageManagerAPK    PackageManager = "apk"
	PackageManagerDeb    PackageManager = "deb"
	PackageManagerRPM    PackageManager = "rpm"
	PackageManagerNPM    PackageManager = "npm"
	PackageManagerPip    PackageManager = "pip"
	PackageManagerMaven  PackageManager = "maven"
	PackageManagerCargo  PackageManager = "cargo"
	PackageManagerGo     PackageManager = "gomodules"
	PackageManagerBinary PackageManager = "binary"
)

// TargetOS describes the operating system a package was built for.
type TargetOS struct {
	Name    string
	Version string
	// PrettyName is the human readable name of the OS, e.g. "Alpine Linux v3.20".
	PrettyName string
}

// Dependency is a declared dependency of a package.
type Dependency struct {
	Name string
	// Constraint is the raw version range, e.g. ">= 2.31" or "^1.2.0". Empty means any.
	Constraint string
	// Version is the exact resolved version, when the manifest records it.
	Version string
	// Alternatives are other names that satisfy the dependency, in preference order.
	Alternatives []string
}

// Package is one package or binary fact found in the image, prior to graph assembly.
type Package struct {
	// Name of the package. Binaries are named after their file name.
	Name string
	// Version of the package. An empty version means it is unknown.
	Version        string
	Purpose        Purpose
	PackageManager PackageManager
	TargetOS       *TargetOS

	// Dependencies declared by the package.
	Dependencies []Dependency
	// Provides lists the virtual names and sonames the package satisfies.
	Provides []string
	// Files owned by the package, as absolute paths.
	Files []string

	// Locations of the files the package was found in.
	Locations []string
	// Digest identifies binaries and archives by content.
	Digest digest.Digest

	// Metadata holds parser specific data.
	Metadata any
}

// VersionOrUnknown returns the version, or "unknown" if it is empty.
func (p *Package) VersionOrUnknown() string {
	if p.Version == "" {
		return "unknown"
	}
	return p.Version
}
