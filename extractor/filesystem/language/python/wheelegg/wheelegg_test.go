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

package wheelegg_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/python/wheelegg"
	"github.com/imgdeps/imgdeps/testing/parsertest"
)

const requestsMetadata = `Metadata-Version: 2.1
Name: requests
Version: 2.31.0
Summary: Python HTTP for Humans.
Author: Kenneth Reitz
Author-email: me@kennethreitz.org
Requires-Python: >=3.7
Requires-Dist: charset-normalizer (<4,>=2)
Requires-Dist: idna<4,>=2.5
Requires-Dist: urllib3[socks]<3,>=1.21.1
Requires-Dist: PySocks (!=1.5.7,>=1.5.6) ; extra == 'socks'

Body of the description.
`

func zipped(t *testing.T, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip.Create(%q): %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip.Write(%q): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip.Close(): %v", err)
	}
	return buf.String()
}

func TestParse(t *testing.T) {
	tests := []struct {
		name          string
		files         map[string]string
		wantPackages  []*extractor.Package
		wantFileError bool
	}{
		{
			name: "dist-info",
			files: map[string]string{
				"/usr/lib/python3/site-packages/requests-2.31.0.dist-info/METADATA": requestsMetadata,
			},
			wantPackages: []*extractor.Package{{
				Name:           "requests",
				Version:        "2.31.0",
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerPip,
				Dependencies: []extractor.Dependency{
					{Name: "charset-normalizer", Constraint: "<4,>=2"},
					{Name: "idna", Constraint: "<4,>=2.5"},
					{Name: "urllib3", Constraint: "<3,>=1.21.1"},
				},
				Provides:  []string{"requests"},
				Locations: []string{"/usr/lib/python3/site-packages/requests-2.31.0.dist-info/METADATA"},
				Metadata:  &wheelegg.PythonPackageMetadata{Author: "Kenneth Reitz", AuthorEmail: "me@kennethreitz.org"},
			}},
		},
		{
			name: "egg-info with normalized provides",
			files: map[string]string{
				"/app/PyYAML.egg-info/PKG-INFO": "Metadata-Version: 1.1\nName: PyYAML\nVersion: 6.0.1\n",
			},
			wantPackages: []*extractor.Package{{
				Name:           "PyYAML",
				Version:        "6.0.1",
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerPip,
				Provides:       []string{"pyyaml"},
				Locations:      []string{"/app/PyYAML.egg-info/PKG-INFO"},
				Metadata:       &wheelegg.PythonPackageMetadata{},
			}},
		},
		{
			name: "wheel archive",
			files: map[string]string{
				"/wheels/six-1.16.0-py2.py3-none-any.whl": zipped(t, map[string]string{
					"six.py":                        "",
					"six-1.16.0.dist-info/METADATA": "Name: six\nVersion: 1.16.0\n",
				}),
			},
			wantPackages: []*extractor.Package{{
				Name:           "six",
				Version:        "1.16.0",
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerPip,
				Provides:       []string{"six"},
				Locations:      []string{"/wheels/six-1.16.0-py2.py3-none-any.whl"},
				Metadata:       &wheelegg.PythonPackageMetadata{Archive: "/wheels/six-1.16.0-py2.py3-none-any.whl"},
			}},
		},
		{
			name: "missing version is kept",
			files: map[string]string{
				"/app/nover.dist-info/METADATA": "Name: nover\n",
			},
			wantPackages: []*extractor.Package{{
				Name:           "nover",
				Purpose:        extractor.PurposeApplication,
				PackageManager: extractor.PackageManagerPip,
				Provides:       []string{"nover"},
				Locations:      []string{"/app/nover.dist-info/METADATA"},
				Metadata:       &wheelegg.PythonPackageMetadata{},
			}},
		},
		{
			name: "missing name",
			files: map[string]string{
				"/app/broken.dist-info/METADATA": "Version: 1.0\n",
			},
			wantFileError: true,
		},
		{
			name: "corrupt egg",
			files: map[string]string{
				"/app/broken.egg": "not a zip",
			},
			wantFileError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := wheelegg.NewDefault()
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

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"PyYAML":             "pyyaml",
		"zope.interface":     "zope-interface",
		"typing__extensions": "typing-extensions",
		"Foo-_-Bar":          "foo-bar",
	}
	for in, want := range tests {
		if got := wheelegg.NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
