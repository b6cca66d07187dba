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

package cargolock_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/rust/cargolock"
	"github.com/imgdeps/imgdeps/testing/parsertest"
)

const lockfile = `# This file is automatically @generated by Cargo.
version = 3

[[package]]
name = "app"
version = "0.1.0"
dependencies = [
 "libc",
 "syn 2.0.48",
]

[[package]]
name = "libc"
version = "0.2.153"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = "9c198f91728a82281a64e1f4f9eeb25d82cb32a5de251c6bd1b5154d63a8e7bd"

[[package]]
name = "syn"
version = "1.0.109"
source = "registry+https://github.com/rust-lang/crates.io-index"

[[package]]
name = "syn"
version = "2.0.48"
source = "registry+https://github.com/rust-lang/crates.io-index"
`

func TestParse(t *testing.T) {
	tests := []struct {
		name          string
		files         map[string]string
		wantPackages  []*extractor.Package
		wantFileError bool
	}{
		{
			name:  "lockfile",
			files: map[string]string{"/src/app/Cargo.lock": lockfile},
			wantPackages: []*extractor.Package{
				{
					Name:           "app",
					Version:        "0.1.0",
					Purpose:        extractor.PurposeApplication,
					PackageManager: extractor.PackageManagerCargo,
					Dependencies: []extractor.Dependency{
						{Name: "libc", Version: "0.2.153"},
						{Name: "syn", Version: "2.0.48"},
					},
					Locations: []string{"/src/app/Cargo.lock"},
					Metadata:  &cargolock.Metadata{},
				},
				{
					Name:           "libc",
					Version:        "0.2.153",
					Purpose:        extractor.PurposeApplication,
					PackageManager: extractor.PackageManagerCargo,
					Locations:      []string{"/src/app/Cargo.lock"},
					Metadata: &cargolock.Metadata{
						Source:   "registry+https://github.com/rust-lang/crates.io-index",
						Checksum: "9c198f91728a82281a64e1f4f9eeb25d82cb32a5de251c6bd1b5154d63a8e7bd",
					},
				},
				{
					Name:           "syn",
					Version:        "1.0.109",
					Purpose:        extractor.PurposeApplication,
					PackageManager: extractor.PackageManagerCargo,
					Locations:      []string{"/src/app/Cargo.lock"},
					Metadata:       &cargolock.Metadata{Source: "registry+https://github.com/rust-lang/crates.io-index"},
				},
				{
					Name:           "syn",
					Version:        "2.0.48",
					Purpose:        extractor.PurposeApplication,
					PackageManager: extractor.PackageManagerCargo,
					Locations:      []string{"/src/app/Cargo.lock"},
					Metadata:       &cargolock.Metadata{Source: "registry+https://github.com/rust-lang/crates.io-index"},
				},
			},
		},
		{
			name:          "invalid toml",
			files:         map[string]string{"/src/Cargo.lock": "[[package]\nname ="},
			wantFileError: true,
		},
		{
			name:  "other file names",
			files: map[string]string{"/src/Cargo.toml": lockfile},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cargolock.New()
			input := parsertest.Input(t, nil, []filesystem.Parser{p}, parsertest.Files(tt.files))

			got, err := p.Parse(context.Background(), input)
			if err != nil {
				t.Fatalf("Parse(): %v", err)
			}
			if diff := cmp.Diff(tt.wantPackages, got.Packages, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Parse() packages diff (-want +got):\n%s", diff)
			}
			if gotErr := len(got.FileErrors) > 0; gotErr != tt.wantFileError {
				t.Errorf("Parse() file errors = %v, want file error: %v", got.FileErrors, tt.wantFileError)
			}
		})
	}
}
