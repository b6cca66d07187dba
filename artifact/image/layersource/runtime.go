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

package layersource

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/log"
	"github.com/opencontainers/go-digest"
)

// removeTimeout bounds container teardown, which runs after the scan context may be done.
const removeTimeout = 30 * time.Second

// RuntimeSource exposes the exported filesystem of a container as a single flattened layer.
type RuntimeSource struct {
	rt          containerruntime.Runtime
	image       string
	info        *containerruntime.ImageInfo
	containerID string
}

// FromRuntime creates a container from image. The container lives until Close.
func FromRuntime(ctx context.Context, rt containerruntime.Runtime, image string) (*RuntimeSource, error) {
	info, err := rt.Inspect(ctx, image)
	if err != nil {
		return nil, err
	}
	id, err := rt.Create(ctx, image)
	if err != nil {
		if id != "" {
			removeContainer(rt, id)
		}
		return nil, err
	}
	log.Debugf("created container %s from %s", id, image)
	return &RuntimeSource{rt: rt, image: image, info: info, containerID: id}, nil
}

// ImageID returns the image ID reported by the runtime.
func (s *RuntimeSource) ImageID() string { return s.info.ID }

// ContainerID returns the ID of the container backing the source.
func (s *RuntimeSource) ContainerID() string { return s.containerID }

// Runtime returns the runtime the container lives in.
func (s *RuntimeSource) Runtime() containerruntime.Runtime { return s.rt }

// Layers returns the single exported layer.
func (s *RuntimeSource) Layers(ctx context.Context) ([]Layer, error) {
	d, err := digest.Parse(s.info.ID)
	if err != nil {
		d = digest.FromString(s.image)
	}
	return []Layer{&exportLayer{src: s, digest: d}}, nil
}

// Close removes the container.
func (s *RuntimeSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	return s.rt.Remove(ctx, s.containerID)
}

type exportLayer struct {
	src    *RuntimeSource
	digest digest.Digest
}

func (l *exportLayer) Index() int            { return 0 }
func (l *exportLayer) Digest() digest.Digest { return l.digest }

func (l *exportLayer) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.src.rt.Export(ctx, l.src.containerID)
	if err != nil {
		return nil, &LayerError{Index: 0, Digest: l.digest, Err: fmt.Errorf("export container %s: %w", l.src.containerID, err)}
	}
	return withContext(ctx, rc), nil
}

func removeContainer(rt containerruntime.Runtime, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := rt.Remove(ctx, id); err != nil {
		log.Warnf("failed to remove container %s: %v", id, err)
	}
}
