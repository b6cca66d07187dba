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
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/imgdeps/imgdeps/log"
	"github.com/opencontainers/go-digest"
)

// ImageType is the format of an image archive on disk.
type ImageType string

// Supported archive formats.
const (
	// ImageTypeDockerArchive is the output of "docker save".
	ImageTypeDockerArchive ImageType = "docker-archive"
	// ImageTypeOCIArchive is a tar of an OCI image layout.
	ImageTypeOCIArchive ImageType = "oci-archive"
	// ImageTypeOCILayout is an unpacked OCI image layout directory.
	ImageTypeOCILayout ImageType = "oci-layout"
)

// ErrUnsupportedImageType is returned for unknown archive formats.
var ErrUnsupportedImageType = errors.New("unsupported image type")

// ParseImageType parses the name of an archive format.
func ParseImageType(s string) (ImageType, error) {
	switch t := ImageType(strings.ToLower(strings.TrimSpace(s))); t {
	case ImageTypeDockerArchive, ImageTypeOCIArchive, ImageTypeOCILayout:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImageType, s)
	}
}

// ArchiveOptions configure FromArchive.
type ArchiveOptions struct {
	// TmpDir is where OCI archives are unpacked. Defaults to the system temp dir.
	TmpDir string
}

// ArchiveSource reads the layers of an image archive.
type ArchiveSource struct {
	image      v1.Image
	extractDir string
}

// FromArchive opens the image archive at archivePath.
func FromArchive(archivePath string, typ ImageType, opts *ArchiveOptions) (*ArchiveSource, error) {
	if opts == nil {
		opts = &ArchiveOptions{}
	}
	switch typ {
	case ImageTypeDockerArchive:
		img, err := tarball.ImageFromPath(archivePath, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load image from tarball with path %q: %w", archivePath, err)
		}
		return &ArchiveSource{image: img}, nil
	case ImageTypeOCILayout:
		img, err := imageFromLayout(archivePath)
		if err != nil {
			return nil, err
		}
		return &ArchiveSource{image: img}, nil
	case ImageTypeOCIArchive:
		dir, err := os.MkdirTemp(opts.TmpDir, "imgdeps-oci-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary directory: %w", err)
		}
		if err := untarFile(archivePath, dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to unpack OCI archive %q: %w", archivePath, err)
		}
		img, err := imageFromLayout(dir)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		return &ArchiveSource{image: img, extractDir: dir}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedImageType, typ)
	}
}

// FromV1Image wraps an already loaded image.
func FromV1Image(img v1.Image) *ArchiveSource {
	return &ArchiveSource{image: img}
}

// ImageID returns the config digest of the image.
func (s *ArchiveSource) ImageID() string {
	h, err := s.image.ConfigName()
	if err != nil {
		log.Warnf("failed to compute image config digest: %v", err)
		return ""
	}
	return h.String()
}

// Layers returns the image layers in manifest order.
func (s *ArchiveSource) Layers(ctx context.Context) ([]Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v1Layers, err := s.image.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to load layers: %w", err)
	}
	layers := make([]Layer, 0, len(v1Layers))
	for i, l := range v1Layers {
		diffID, err := l.DiffID()
		if err != nil {
			return nil, &LayerError{Index: i, Err: fmt.Errorf("%w: %w", ErrDiffIDMissingFromLayer, err)}
		}
		d, err := digest.Parse(diffID.String())
		if err != nil {
			return nil, &LayerError{Index: i, Err: fmt.Errorf("%w: %w", ErrDiffIDMissingFromLayer, err)}
		}
		layers = append(layers, &v1Layer{index: i, diffID: d, layer: l})
	}
	return layers, nil
}

// Close removes the unpacked OCI layout, if any.
func (s *ArchiveSource) Close() error {
	if s.extractDir == "" {
		return nil
	}
	return os.RemoveAll(s.extractDir)
}

type v1Layer struct {
	index  int
	diffID digest.Digest
	layer  v1.Layer
}

func (l *v1Layer) Index() int            { return l.index }
func (l *v1Layer) Digest() digest.Digest { return l.diffID }

func (l *v1Layer) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := l.layer.Uncompressed()
	if err != nil {
		return nil, &LayerError{Index: l.index, Digest: l.diffID, Err: fmt.Errorf("%w: %w", ErrUncompressedReaderMissingFromLayer, err)}
	}
	return withContext(ctx, rc), nil
}

// imageFromLayout returns the first image of the OCI layout at dir, descending into nested
// indexes.
func imageFromLayout(dir string) (v1.Image, error) {
	idx, err := layout.ImageIndexFromPath(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCI layout %q: %w", dir, err)
	}
	for depth := 0; depth < 4; depth++ {
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("failed to read OCI index in %q: %w", dir, err)
		}
		if len(manifest.Manifests) == 0 {
			return nil, fmt.Errorf("OCI layout %q has no manifests", dir)
		}
		desc := manifest.Manifests[0]
		if !desc.MediaType.IsIndex() {
			return idx.Image(desc.Digest)
		}
		if idx, err = idx.ImageIndex(desc.Digest); err != nil {
			return nil, fmt.Errorf("failed to read nested OCI index in %q: %w", dir, err)
		}
	}
	return nil, fmt.Errorf("OCI layout %q nests indexes too deeply", dir)
}

// untarFile unpacks the directories and regular files of the tar at src into dst.
func untarFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read tar: %w", err)
		}
		cleaned := path.Clean(filepath.ToSlash(header.Name))
		// Prevent "Zip Slip"
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(cleaned))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
