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

// Package manifest collects manifest files matching a set of globs from a running container.
package manifest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/log"
	"golang.org/x/sync/errgroup"
)

// MaxFiles is the maximum number of manifest files read from a container. Matches beyond it are
// dropped in listing order before any file is read.
const MaxFiles = 5

// ErrInvalidGlob is returned for a glob pattern that does not compile.
var ErrInvalidGlob = errors.New("invalid glob")

// File is a manifest file read from a container.
type File struct {
	// Name is the base name of the file.
	Name string `json:"name"`
	// Path is the directory holding the file.
	Path string `json:"path"`
	// Contents is the base64 encoded file content.
	Contents string `json:"contents"`
}

// Find lists the regular files of the container, keeps those matching one of globs and none of
// excludes, and reads up to MaxFiles of them concurrently. Files with empty content are omitted.
func Find(ctx context.Context, rt containerruntime.Runtime, containerID string, globs, excludes []string) ([]File, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	include, err := compile(globs)
	if err != nil {
		return nil, err
	}
	exclude, err := compile(excludes)
	if err != nil {
		return nil, err
	}

	res, err := rt.Exec(ctx, containerID, "find", "/", "-xdev", "-type", "f")
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	// find exits non-zero on unreadable directories while still listing the rest.
	if res.ExitCode != 0 && res.Stdout == "" {
		return nil, fmt.Errorf("%w: find exited with %d: %s", containerruntime.ErrRuntime, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	var matched []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		p := strings.TrimSpace(line)
		if p == "" || !matchAny(include, p) || matchAny(exclude, p) {
			continue
		}
		matched = append(matched, p)
	}
	if len(matched) > MaxFiles {
		log.Debugf("manifest: %d files match, reading the first %d", len(matched), MaxFiles)
		matched = matched[:MaxFiles]
	}

	contents := make([]string, len(matched))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range matched {
		g.Go(func() error {
			c, err := containerruntime.CatSafe(gctx, rt, containerID, p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			contents[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var files []File
	for i, p := range matched {
		if contents[i] == "" {
			continue
		}
		files = append(files, File{
			Name:     path.Base(p),
			Path:     path.Dir(p),
			Contents: base64.StdEncoding.EncodeToString([]byte(contents[i])),
		})
	}
	return files, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidGlob, p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, p string) bool {
	for _, g := range globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}
