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

// Package fakeruntime provides an in-memory containerruntime.Runtime for tests.
package fakeruntime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/imgdeps/imgdeps/containerruntime"
)

// ContainerID is the ID returned for every created container.
const ContainerID = "fake-container"

// Runtime serves a single image whose container filesystem is Files.
type Runtime struct {
	Image *containerruntime.ImageInfo
	// Files maps absolute paths to file content. Paths are exported in Order if set, else sorted.
	Files map[string]string
	Order []string

	CreateErr error
	ExportErr error

	mu      sync.Mutex
	created []string
	removed []string
	execs   [][]string
}

// Inspect implements containerruntime.Runtime.
func (r *Runtime) Inspect(ctx context.Context, image string) (*containerruntime.ImageInfo, error) {
	if r.Image == nil {
		return nil, fmt.Errorf("%w: no such image %s", containerruntime.ErrRuntime, image)
	}
	return r.Image, nil
}

// Create implements containerruntime.Runtime.
func (r *Runtime) Create(ctx context.Context, image string) (string, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, ContainerID)
	return ContainerID, nil
}

// Exec implements containerruntime.Runtime. It understands "cat <path>" and "find / ...".
func (r *Runtime) Exec(ctx context.Context, containerID string, cmd ...string) (*containerruntime.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.execs = append(r.execs, cmd)
	r.mu.Unlock()

	switch {
	case len(cmd) == 2 && cmd[0] == "cat":
		content, ok := r.Files[cmd[1]]
		if !ok {
			return &containerruntime.ExecResult{
				Stderr:   fmt.Sprintf("cat: %s: No such file or directory\n", cmd[1]),
				ExitCode: 1,
			}, nil
		}
		return &containerruntime.ExecResult{Stdout: content}, nil
	case len(cmd) > 0 && cmd[0] == "find":
		return &containerruntime.ExecResult{Stdout: strings.Join(r.paths(), "\n") + "\n"}, nil
	default:
		return &containerruntime.ExecResult{Stderr: "unsupported command", ExitCode: 127}, nil
	}
}

// Export implements containerruntime.Runtime.
func (r *Runtime) Export(ctx context.Context, containerID string) (io.ReadCloser, error) {
	if r.ExportErr != nil {
		return nil, r.ExportErr
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range r.paths() {
		content := r.Files[p]
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(p, "/"),
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// Remove implements containerruntime.Runtime.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.created, containerID) {
		return errors.New("no such container")
	}
	r.removed = append(r.removed, containerID)
	return nil
}

// Removed returns the IDs of removed containers.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}

// Execs returns the commands executed so far.
func (r *Runtime) Execs() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.execs)
}

func (r *Runtime) paths() []string {
	if len(r.Order) > 0 {
		return r.Order
	}
	paths := make([]string, 0, len(r.Files))
	for p := range r.Files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
