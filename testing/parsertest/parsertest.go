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

// Package parsertest provides helpers to run parsers over fake image layers in tests.
package parsertest

import (
	"context"
	"testing"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/testing/fakelayer"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
)

// Files is a shorthand for a single layer made of regular files, keyed by path.
func Files(files map[string]string) []fakelayer.File {
	var layer []fakelayer.File
	for p, content := range files {
		layer = append(layer, fakelayer.File{Path: p, Content: content})
	}
	return layer
}

// Input replays layers with the actions of parsers and returns the resulting parse input.
func Input(t *testing.T, os *extractor.TargetOS, parsers []filesystem.Parser, layers ...[]fakelayer.File) *filesystem.ParseInput {
	t.Helper()

	src, err := fakelayer.NewSource("sha256:test", layers...)
	if err != nil {
		t.Fatalf("fakelayer.NewSource(): %v", err)
	}
	extracted, err := extract.Run(context.Background(), src, filesystem.Actions(parsers...), nil)
	if err != nil {
		t.Fatalf("extract.Run(): %v", err)
	}
	return &filesystem.ParseInput{Layers: extracted, OS: os}
}
