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

package purl_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/purl"
	"github.com/package-url/packageurl-go"
)

func TestFromPackage(t *testing.T) {
	tests := []struct {
		desc string
		pkg  *extractor.Package
		want *packageurl.PackageURL
	}{
		{
			desc: "apk with distro",
			pkg: &extractor.Package{
				Name:           "busybox",
				Version:        "1.30.1-r2",
				PackageManager: extractor.PackageManagerAPK,
				TargetOS:       &extractor.TargetOS{Name: "alpine", Version: "3.20"},
			},
			want: packageurl.NewPackageURL(purl.TypeApk, "alpine", "busybox", "1.30.1-r2",
				packageurl.Qualifiers{{Key: purl.Distro, Value: "alpine-3.20"}}, ""),
		},
		{
			desc: "maven coordinates",
			pkg: &extractor.Package{
				Name:           "org.apache.commons:commons-lang3",
				Version:        "3.12.0",
				PackageManager: extractor.PackageManagerMaven,
			},
			want: packageurl.NewPackageURL(purl.TypeMaven, "org.apache.commons", "commons-lang3", "3.12.0", nil, ""),
		},
		{
			desc: "scoped npm package",
			pkg: &extractor.Package{
				Name:           "@babel/core",
				Version:        "7.24.0",
				PackageManager: extractor.PackageManagerNPM,
			},
			want: packageurl.NewPackageURL(purl.TypeNPM, "@babel", "core", "7.24.0", nil, ""),
		},
		{
			desc: "pypi normalization",
			pkg: &extractor.Package{
				Name:           "Typing_Extensions",
				Version:        "4.12.2",
				PackageManager: extractor.PackageManagerPip,
			},
			want: packageurl.NewPackageURL(purl.TypePyPi, "", "typing-extensions", "4.12.2", nil, ""),
		},
		{
			desc: "binary checksum",
			pkg: &extractor.Package{
				Name:           "libz.so.1",
				PackageManager: extractor.PackageManagerBinary,
				Digest:         "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			},
			want: packageurl.NewPackageURL(purl.TypeGeneric, "", "libz.so.1", "",
				packageurl.Qualifiers{{Key: purl.Checksum, Value: "sha256:0000000000000000000000000000000000000000000000000000000000000000"}}, ""),
		},
		{
			desc: "unknown manager",
			pkg:  &extractor.Package{Name: "x", PackageManager: "conan"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got := purl.FromPackage(tt.pkg)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FromPackage(%+v) returned unexpected diff (-want +got):\n%s", tt.pkg, diff)
			}
		})
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		desc string
		pkg  *extractor.Package
		want string
	}{
		{
			desc: "deb with distro",
			pkg: &extractor.Package{
				Name:           "libc6",
				Version:        "2.36-9",
				PackageManager: extractor.PackageManagerDeb,
				TargetOS:       &extractor.TargetOS{Name: "debian", Version: "12"},
			},
			want: "pkg:deb/debian/libc6@2.36-9?distro=debian-12",
		},
		{
			desc: "go module",
			pkg: &extractor.Package{
				Name:           "github.com/spf13/cobra",
				Version:        "v1.9.1",
				PackageManager: extractor.PackageManagerGo,
			},
			want: "pkg:golang/github.com/spf13/cobra@v1.9.1",
		},
		{
			desc: "unknown manager",
			pkg:  &extractor.Package{Name: "x", PackageManager: "conan"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := purl.String(tt.pkg); got != tt.want {
				t.Errorf("String(%+v) = %q, want %q", tt.pkg, got, tt.want)
			}
		})
	}
}
