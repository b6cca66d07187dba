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

// Package fakelayer provides in-memory implementations of layersource.Layer and
// layersource.Source for testing purposes.
package fakelayer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layersource"
	"github.com/imgdeps/imgdeps/artifact/image/whiteout"
	"github.com/opencontainers/go-digest"
)

// File is an entry of a fake layer. Path is absolute. Exactly one of the kind flags may be set;
// a File without flags is a regular file with Content.
type File struct {
	Path    string
	Content string
	Dir     bool
	Symlink string
	// Whiteout deletes Path in lower layers.
	Whiteout bool
	// Opaque marks the directory at Path as opaque.
	Opaque bool
}

// FakeLayer is a fake implementation of the layersource.Layer interface for testing purposes.
type FakeLayer struct {
	index  int
	diffID digest.Digest
	data   []byte

	// OpenErr is returned by Open when set.
	OpenErr error
	// Truncate, when positive, cuts the tar stream after that many bytes.
	Truncate int
}

// New creates a new FakeLayer at index containing files in the given order.
func New(index int, files ...File) (*FakeLayer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		name := strings.TrimPrefix(f.Path, "/")
		hdr := &tar.Header{Name: name, Mode: 0o644, Typeflag: tar.TypeReg}
		var content []byte
		switch {
		case f.Whiteout:
			hdr.Name = strings.TrimPrefix(whiteout.ToWhiteout(f.Path), "/")
		case f.Opaque:
			hdr.Name = strings.TrimPrefix(path.Join(f.Path, whiteout.OpaqueMarker), "/")
		case f.Dir:
			hdr.Name = name + "/"
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case f.Symlink != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Symlink
		default:
			content = []byte(f.Content)
		}
		hdr.Size = int64(len(content))
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &FakeLayer{
		index:  index,
		diffID: digest.FromBytes(buf.Bytes()),
		data:   buf.Bytes(),
	}, nil
}

// Index returns the position of the layer.
func (fakeLayer *FakeLayer) Index() int {
	return fakeLayer.index
}

// Digest returns the diffID of the layer.
func (fakeLayer *FakeLayer) Digest() digest.Digest {
	return fakeLayer.diffID
}

// Open returns the tar stream of the layer.
func (fakeLayer *FakeLayer) Open(ctx context.Context) (io.ReadCloser, error) {
	if fakeLayer.OpenErr != nil {
		return nil, &layersource.LayerError{Index: fakeLayer.index, Digest: fakeLayer.diffID, Err: fakeLayer.OpenErr}
	}
	data := fakeLayer.data
	if fakeLayer.Truncate > 0 && fakeLayer.Truncate < len(data) {
		data = data[:fakeLayer.Truncate]
	}
	return &ctxReader{ctx: ctx, r: bytes.NewReader(data)}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error { return nil }

// Source is a fake layersource.Source.
type Source struct {
	ID        string
	LayerList []*FakeLayer
	LayersErr error
	closed    bool
}

// NewSource returns a Source made of one layer per file list, base first.
func NewSource(id string, layers ...[]File) (*Source, error) {
	src := &Source{ID: id}
	for i, files := range layers {
		l, err := New(i, files...)
		if err != nil {
			return nil, err
		}
		src.LayerList = append(src.LayerList, l)
	}
	return src, nil
}

// ImageID returns the configured ID.
func (s *Source) ImageID() string { return s.ID }

// Layers returns the fake layers.
func (s *Source) Layers(ctx context.Context) ([]layersource.Layer, error) {
	if s.LayersErr != nil {
		return nil, s.LayersErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	layers := make([]layersource.Layer, 0, len(s.LayerList))
	for _, l := range s.LayerList {
		layers = append(layers, l)
	}
	return layers, nil
}

// Close marks the source closed. Closing twice is an error.
func (s *Source) Close() error {
	if s.closed {
		return errors.New("source already closed")
	}
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Source) Closed() bool { return s.closed }
