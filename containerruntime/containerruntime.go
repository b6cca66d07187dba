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

// Package containerruntime defines the boundary to a live container runtime used by dynamic
// scans: creating a container from an image, running commands in it, exporting its filesystem
// and tearing it down.
package containerruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrRuntime wraps every failure reported by a runtime implementation.
var ErrRuntime = errors.New("container runtime error")

// ImageInfo describes an image known to the runtime.
type ImageInfo struct {
	// ID is the image config digest, e.g. "sha256:...".
	ID       string
	RepoTags []string
	// Layers are the uncompressed layer digests, base first.
	Layers       []string
	OS           string
	Architecture string
}

// ExecResult holds the outcome of a command run inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is a container runtime. All operations may fail and must honor ctx.
type Runtime interface {
	// Inspect returns metadata about an image.
	Inspect(ctx context.Context, image string) (*ImageInfo, error)
	// Create creates and starts a container from image and returns its ID.
	Create(ctx context.Context, image string) (string, error)
	// Exec runs cmd in the container and captures its output.
	Exec(ctx context.Context, containerID string, cmd ...string) (*ExecResult, error)
	// Export streams the container filesystem as a tar archive.
	Export(ctx context.Context, containerID string) (io.ReadCloser, error)
	// Remove stops and deletes the container.
	Remove(ctx context.Context, containerID string) error
}

// CatSafe returns the content of path inside the container. A missing file yields empty content
// rather than an error; any other non-zero exit is reported.
func CatSafe(ctx context.Context, rt Runtime, containerID, path string) (string, error) {
	res, err := rt.Exec(ctx, containerID, "cat", path)
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		return res.Stdout, nil
	}
	if strings.Contains(res.Stderr, "No such file") {
		return "", nil
	}
	return "", fmt.Errorf("%w: cat %s exited with %d: %s", ErrRuntime, path, res.ExitCode, strings.TrimSpace(res.Stderr))
}
