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

// Package docker implements containerruntime.Runtime on top of the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Client is the subset of the Docker API client used by the runtime.
type Client interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerExport(ctx context.Context, containerID string) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runtime talks to a Docker daemon.
type Runtime struct {
	client Client
}

// New returns a Runtime connected to the daemon configured in the environment
// (DOCKER_HOST and friends).
func New() (*Runtime, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect with docker: %w", containerruntime.ErrRuntime, err)
	}
	return &Runtime{client: c}, nil
}

// NewWithClient returns a Runtime which uses a specified docker client.
func NewWithClient(c Client) *Runtime {
	return &Runtime{client: c}
}

// Inspect implements containerruntime.Runtime.
func (r *Runtime) Inspect(ctx context.Context, img string) (*containerruntime.ImageInfo, error) {
	resp, err := r.client.ImageInspect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %w", containerruntime.ErrRuntime, img, err)
	}
	info := &containerruntime.ImageInfo{
		ID:           resp.ID,
		RepoTags:     resp.RepoTags,
		OS:           resp.Os,
		Architecture: resp.Architecture,
	}
	info.Layers = append(info.Layers, resp.RootFS.Layers...)
	return info, nil
}

// Create implements containerruntime.Runtime. The container runs an idle shell so that commands
// can be executed in it.
func (r *Runtime) Create(ctx context.Context, img string) (string, error) {
	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Entrypoint: []string{"/bin/sh"},
		Tty:        true,
		OpenStdin:  true,
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("%w: create container from %s: %w", containerruntime.ErrRuntime, img, err)
	}
	for _, w := range resp.Warnings {
		log.Warnf("docker: %s", w)
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("%w: start container %s: %w", containerruntime.ErrRuntime, resp.ID, err)
	}
	return resp.ID, nil
}

// Exec implements containerruntime.Runtime.
func (r *Runtime) Exec(ctx context.Context, containerID string, cmd ...string) (*containerruntime.ExecResult, error) {
	created, err := r.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: exec create in %s: %w", containerruntime.ErrRuntime, containerID, err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach in %s: %w", containerruntime.ErrRuntime, containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("%w: reading exec output in %s: %w", containerruntime.ErrRuntime, containerID, err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: exec inspect in %s: %w", containerruntime.ErrRuntime, containerID, err)
	}
	return &containerruntime.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Export implements containerruntime.Runtime.
func (r *Runtime) Export(ctx context.Context, containerID string) (io.ReadCloser, error) {
	rc, err := r.client.ContainerExport(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: export %s: %w", containerruntime.ErrRuntime, containerID, err)
	}
	return rc, nil
}

// Remove implements containerruntime.Runtime.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("%w: remove %s: %w", containerruntime.ErrRuntime, containerID, err)
	}
	return nil
}
