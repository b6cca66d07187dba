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

package manifest_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/imgdeps/imgdeps/containerruntime/fakeruntime"
	"github.com/imgdeps/imgdeps/containerruntime/manifest"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestFind(t *testing.T) {
	rt := &fakeruntime.Runtime{
		Files: map[string]string{
			"/app/package.json":                  `{"name":"app"}`,
			"/app/node_modules/dep/package.json": `{"name":"dep"}`,
			"/app/requirements.txt":              "flask==3.0.0\n",
			"/app/empty/package.json":            "",
			"/srv/a/package.json":                "a",
			"/srv/b/package.json":                "b",
			"/srv/c/package.json":                "c",
			"/srv/d/package.json":                "d",
			"/etc/os-release":                    "ID=alpine\n",
		},
	}

	tests := []struct {
		name     string
		globs    []string
		excludes []string
		want     []manifest.File
		wantErr  error
	}{
		{
			name: "no_globs",
		},
		{
			name:     "include_and_exclude",
			globs:    []string{"/app/**"},
			excludes: []string{"**/node_modules/**"},
			want: []manifest.File{
				{Name: "package.json", Path: "/app", Contents: b64(`{"name":"app"}`)},
				{Name: "requirements.txt", Path: "/app", Contents: b64("flask==3.0.0\n")},
			},
		},
		{
			name:  "empty_files_are_dropped",
			globs: []string{"/app/empty/*"},
		},
		{
			name:  "capped_in_listing_order",
			globs: []string{"**/package.json"},
			// Sorted listing: /app/empty, /app/node_modules/dep, /app, /srv/a, /srv/b. The empty
			// file counts against the cap and is dropped afterwards.
			want: []manifest.File{
				{Name: "package.json", Path: "/app/node_modules/dep", Contents: b64(`{"name":"dep"}`)},
				{Name: "package.json", Path: "/app", Contents: b64(`{"name":"app"}`)},
				{Name: "package.json", Path: "/srv/a", Contents: b64("a")},
				{Name: "package.json", Path: "/srv/b", Contents: b64("b")},
			},
		},
		{
			name:    "invalid_glob",
			globs:   []string{"[a-"},
			wantErr: manifest.ErrInvalidGlob,
		},
		{
			name:     "invalid_exclude",
			globs:    []string{"**"},
			excludes: []string{"[a-"},
			wantErr:  manifest.ErrInvalidGlob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := manifest.Find(context.Background(), rt, fakeruntime.ContainerID, tt.globs, tt.excludes)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Find() error: got %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Find() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFind_Cancelled(t *testing.T) {
	rt := &fakeruntime.Runtime{Files: map[string]string{"/app/package.json": "{}"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := manifest.Find(ctx, rt, fakeruntime.ContainerID, []string{"**"}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Find() error: got %v, want %v", err, context.Canceled)
	}
}
