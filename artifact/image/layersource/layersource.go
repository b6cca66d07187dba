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

// Package layersource provides the ordered filesystem layers of a container image, either read
// from an image archive on disk or exported from a container created by a live runtime.
package layersource

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/whiteout"
	"github.com/opencontainers/go-digest"
)

// tarBlockSize is the size of a tar header and of the padding unit of entry contents.
const tarBlockSize = 512

var (
	// ErrDiffIDMissingFromLayer is returned when the diffID is missing from a v1 layer.
	ErrDiffIDMissingFromLayer = errors.New("failed to get diffID from v1 layer")
	// ErrUncompressedReaderMissingFromLayer is returned when the uncompressed reader is missing
	// from a v1 layer.
	ErrUncompressedReaderMissingFromLayer = errors.New("failed to get uncompressed reader from v1 layer")
)

// Source is an ordered sequence of image layers.
type Source interface {
	// ImageID identifies the scanned image, e.g. its config digest.
	ImageID() string
	// Layers returns the layers base first.
	Layers(ctx context.Context) ([]Layer, error)
	// Close releases temporary resources held by the source.
	Close() error
}

// Layer is one filesystem diff of an image.
type Layer interface {
	// Index is the position of the layer, 0 being the base.
	Index() int
	// Digest is the content digest of the uncompressed layer.
	Digest() digest.Digest
	// Open returns the uncompressed tar stream of the layer. Reads fail once ctx is done.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// LayerError reports a failure to open or read a layer.
type LayerError struct {
	Index  int
	Digest digest.Digest
	Err    error
}

func (e *LayerError) Error() string {
	if e.Digest == "" {
		return fmt.Sprintf("layer %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("layer %d (%s): %v", e.Index, e.Digest, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// Kind is the kind of a layer entry.
type Kind int

const (
	// KindRegular is a regular file with content.
	KindRegular Kind = iota
	// KindDir is a directory.
	KindDir
	// KindSymlink is a symbolic link.
	KindSymlink
	// KindLink is a hard link to another entry of the archive.
	KindLink
	// KindWhiteout deletes Path and its descendants from lower layers.
	KindWhiteout
	// KindOpaque hides the lower-layer content of the directory at Path.
	KindOpaque
	// KindOther covers devices, fifos and other special files.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindLink:
		return "link"
	case KindWhiteout:
		return "whiteout"
	case KindOpaque:
		return "opaque"
	default:
		return "other"
	}
}

// Entry is a single entry of a layer. For whiteouts Path is the deleted path, for opaque markers
// it is the directory.
type Entry struct {
	Path     string
	Kind     Kind
	Size     int64
	Mode     fs.FileMode
	Linkname string
}

// EntryReader iterates over the entries of an uncompressed layer tar. The content of the current
// entry is read through the EntryReader itself and is only valid until the next call to Next.
type EntryReader struct {
	tr *tar.Reader
	cr *countingReader
}

// NewEntryReader returns an EntryReader over the tar stream r.
func NewEntryReader(r io.Reader) *EntryReader {
	cr := &countingReader{r: r}
	return &EntryReader{tr: tar.NewReader(cr), cr: cr}
}

// Next advances to the next entry. It returns io.EOF at the end of the layer, and
// io.ErrUnexpectedEOF when the stream ends before the end-of-archive blocks. Entries whose path
// escapes the root are skipped.
func (er *EntryReader) Next() (*Entry, error) {
	for {
		header, err := er.tr.Next()
		if errors.Is(err, io.EOF) && !er.cr.complete() {
			return nil, fmt.Errorf("layer stream ended after %d bytes: %w", er.cr.n, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}
		// Some tools prepend everything with "./", so the name is cleaned. The path module keeps
		// forward slashes regardless of the host OS.
		cleaned := path.Clean(filepath.ToSlash(header.Name))

		// Prevent "Zip Slip"
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			continue
		}
		abs := path.Join("/", cleaned)

		entry := &Entry{
			Path:     abs,
			Size:     header.Size,
			Mode:     header.FileInfo().Mode(),
			Linkname: header.Linkname,
		}
		switch kind, target := whiteout.Classify(abs); kind {
		case whiteout.File:
			entry.Kind = KindWhiteout
			entry.Path = target
			return entry, nil
		case whiteout.Opaque:
			entry.Kind = KindOpaque
			entry.Path = target
			return entry, nil
		}

		switch header.Typeflag {
		case tar.TypeReg:
			entry.Kind = KindRegular
		case tar.TypeDir:
			entry.Kind = KindDir
		case tar.TypeSymlink:
			entry.Kind = KindSymlink
		case tar.TypeLink:
			entry.Kind = KindLink
		default:
			entry.Kind = KindOther
		}
		return entry, nil
	}
}

// Read reads the content of the current entry.
func (er *EntryReader) Read(p []byte) (int, error) {
	return er.tr.Read(p)
}

// countingReader counts the bytes of a tar stream and the zero bytes at its end.
type countingReader struct {
	r     io.Reader
	n     int64
	zeros int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	for _, b := range p[:n] {
		if b != 0 {
			c.zeros = 0
			continue
		}
		c.zeros++
	}
	return n, err
}

// complete reports whether the stream read so far is empty or ends on a block boundary with the
// two zero blocks that close a tar archive.
func (c *countingReader) complete() bool {
	if c.n == 0 {
		return true
	}
	return c.n%tarBlockSize == 0 && c.zeros >= 2*tarBlockSize
}

// contextReader fails reads once its context is done.
type contextReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func withContext(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	return &contextReader{ctx: ctx, rc: rc}
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *contextReader) Close() error {
	return r.rc.Close()
}
