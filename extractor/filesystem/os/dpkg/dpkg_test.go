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

package dpkg_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/testing/fakelayer"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/os/dpkg"
	"github.com/imgdeps/imgdeps/testing/parsertest"
)

const status = `Package: libc6
Status: install ok installed
Priority: optional
Section: libs
Installed-Size: 12345
Maintainer: GNU Libc Maintainers <debian-glibc@lists.debian.org>
Architecture: amd64
Multi-Arch: same
Source: glibc
Version: 2.36-9+deb12u4
Depends: libgcc-s1
Description: GNU C Library: Shared libraries
 Contains the standard libraries that are used by nearly all programs on
 the system.

Package: removed
Status: deinstall ok config-files
Architecture: amd64
Version: 1.0

Package: base-passwd
Status: install ok installed
Architecture: amd64
Source: base-passwd (3.6.1)
Version: 3.6.1
Pre-Depends: libc6 (>= 2.34)
Depends: libdebconfclient0 (>= 0.145), debconf (>= 0.5) | debconf-2.0
Provides: passwd-base, base:any (= 3.6.1)
`

var debian = &extractor.TargetOS{Name: "debian", Version: "12"}

func TestParse(t *testing.T) {
	tests := []struct {
		name          string
		cfg           dpkg.Config
		layers        [][]fakelayer.File
		wantPackages  []*extractor.Package
		wantFileError bool
	}{
		{
			name: "status with file lists",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status":                   status,
					"/var/lib/dpkg/info/libc6:amd64.list":    "/.\n/lib\n/lib/x86_64-linux-gnu/libc.so.6\n",
					"/var/lib/dpkg/info/base-passwd.list":    "/usr/sbin/update-passwd\n",
					"/var/lib/dpkg/info/base-passwd.md5sums": "abc  usr/sbin/update-passwd\n",
				}),
			},
			wantPackages: []*extractor.Package{
				{
					Name:           "libc6",
					Version:        "2.36-9+deb12u4",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Dependencies:   []extractor.Dependency{{Name: "libgcc-s1"}},
					Files:          []string{"/lib", "/lib/x86_64-linux-gnu/libc.so.6"},
					Locations:      []string{"/var/lib/dpkg/status"},
					Metadata: &dpkg.Metadata{
						PackageName:    "libc6",
						PackageVersion: "2.36-9+deb12u4",
						Status:         "install ok installed",
						SourceName:     "glibc",
						Maintainer:     "GNU Libc Maintainers <debian-glibc@lists.debian.org>",
						Architecture:   "amd64",
					},
				},
				{
					Name:           "base-passwd",
					Version:        "3.6.1",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Dependencies: []extractor.Dependency{
						{Name: "libc6", Constraint: ">= 2.34"},
						{Name: "libdebconfclient0", Constraint: ">= 0.145"},
						{Name: "debconf", Constraint: ">= 0.5", Alternatives: []string{"debconf-2.0"}},
					},
					Provides:  []string{"passwd-base", "base"},
					Files:     []string{"/usr/sbin/update-passwd"},
					Locations: []string{"/var/lib/dpkg/status"},
					Metadata: &dpkg.Metadata{
						PackageName:    "base-passwd",
						PackageVersion: "3.6.1",
						Status:         "install ok installed",
						SourceName:     "base-passwd",
						SourceVersion:  "3.6.1",
						Architecture:   "amd64",
					},
				},
			},
		},
		{
			name: "distroless status.d",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status.d/tzdata":         "Package: tzdata\nVersion: 2024a-0+deb12u1\nArchitecture: all\n",
					"/var/lib/dpkg/status.d/tzdata.md5sums": "abc  usr/share/zoneinfo/UTC\n",
				}),
			},
			wantPackages: []*extractor.Package{
				{
					Name:           "tzdata",
					Version:        "2024a-0+deb12u1",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Locations:      []string{"/var/lib/dpkg/status.d/tzdata"},
					Metadata: &dpkg.Metadata{
						PackageName:    "tzdata",
						PackageVersion: "2024a-0+deb12u1",
						Architecture:   "all",
					},
				},
			},
		},
		{
			name: "include not installed",
			cfg:  dpkg.Config{IncludeNotInstalled: true},
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status": "Package: removed\nStatus: deinstall ok config-files\nVersion: 1.0\n",
				}),
			},
			wantPackages: []*extractor.Package{
				{
					Name:           "removed",
					Version:        "1.0",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Locations:      []string{"/var/lib/dpkg/status"},
					Metadata: &dpkg.Metadata{
						PackageName:    "removed",
						PackageVersion: "1.0",
						Status:         "deinstall ok config-files",
					},
				},
			},
		},
		{
			name: "status replaced in upper layer",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{"/var/lib/dpkg/status": status}),
				parsertest.Files(map[string]string{"/var/lib/dpkg/status": "Package: only\nStatus: install ok installed\nVersion: 2\n"}),
			},
			wantPackages: []*extractor.Package{
				{
					Name:           "only",
					Version:        "2",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Locations:      []string{"/var/lib/dpkg/status"},
					Metadata: &dpkg.Metadata{
						PackageName:    "only",
						PackageVersion: "2",
						Status:         "install ok installed",
					},
				},
			},
		},
		{
			name: "record without version is kept",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status": "Package: nover\nStatus: install ok installed\nArchitecture: amd64\n\nStatus: install ok installed\nVersion: 1\n",
				}),
			},
			wantPackages: []*extractor.Package{
				{
					Name:           "nover",
					Purpose:        extractor.PurposeOS,
					PackageManager: extractor.PackageManagerDeb,
					TargetOS:       debian,
					Locations:      []string{"/var/lib/dpkg/status"},
					Metadata: &dpkg.Metadata{
						PackageName:  "nover",
						Status:       "install ok installed",
						Architecture: "amd64",
					},
				},
			},
		},
		{
			name: "invalid status field",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{"/var/lib/dpkg/status": "Package: x\nStatus: installed\nVersion: 1\n"}),
			},
			wantFileError: true,
		},
		{
			name: "invalid source field",
			cfg:  dpkg.DefaultConfig(),
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{"/var/lib/dpkg/status": "Package: x\nStatus: install ok installed\nSource: x (1.0\nVersion: 1\n"}),
			},
			wantFileError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := dpkg.New(tt.cfg)
			input := parsertest.Input(t, debian, []filesystem.Parser{p}, tt.layers...)

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

func TestParse_Idempotent(t *testing.T) {
	tests := []struct {
		name   string
		layers [][]fakelayer.File
	}{
		{
			name: "status with file lists",
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status":                "Package: libc6\nStatus: install ok installed\nArchitecture: amd64\nVersion: 2.36\n",
					"/var/lib/dpkg/info/libc6:amd64.list": "/.\n/lib\n/lib/x86_64-linux-gnu/libc.so.6\n",
				}),
				parsertest.Files(map[string]string{"/var/lib/dpkg/status": status}),
			},
		},
		{
			name: "distroless status.d",
			layers: [][]fakelayer.File{
				parsertest.Files(map[string]string{
					"/var/lib/dpkg/status.d/tzdata":     "Package: tzdata\nVersion: 2024a-0+deb12u1\nArchitecture: all\n",
					"/var/lib/dpkg/status.d/libssl3":    "Package: libssl3\nVersion: 3.0.11-1~deb12u2\nDepends: libc6 (>= 2.34)\n",
					"/var/lib/dpkg/status.d/netbase":    "Package: netbase\nVersion: 6.4\n",
					"/var/lib/dpkg/status.d/base-files": "Package: base-files\nVersion: 12.4+deb12u5\n",
				}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := dpkg.NewDefault()
			input := parsertest.Input(t, debian, []filesystem.Parser{p}, tt.layers...)

			first, err := p.Parse(context.Background(), input)
			if err != nil {
				t.Fatalf("Parse(): %v", err)
			}
			second, err := p.Parse(context.Background(), input)
			if err != nil {
				t.Fatalf("Parse() second run: %v", err)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("Parse() is not deterministic (-first +second):\n%s", diff)
			}
		})
	}
}
