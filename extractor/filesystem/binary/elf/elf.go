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

// Package elf analyzes ELF executables and shared libraries found in the image.
package elf

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"debug/buildinfo"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
	"github.com/opencontainers/go-digest"
	"github.com/rust-secure-code/go-rustaudit"
)

const (
	// Name is the unique name of the binary analyzer.
	Name = "binary/elf"
	// ActionName is the name of the extract action decoding ELF files. It is shared by every
	// parser that reads binaries.
	ActionName = "elf"

	// DefaultMaxInMemoryBytes is the size above which binaries are spilled to a temporary file.
	DefaultMaxInMemoryBytes = 32 * 1024 * 1024
)

var (
	elfMagic = []byte("\x7fELF")

	binaryDirs = []string{
		"/bin/", "/sbin/", "/lib/", "/lib64/", "/usr/bin/", "/usr/sbin/", "/usr/lib/", "/usr/lib64/",
		"/usr/local/bin/", "/usr/local/sbin/", "/usr/local/lib/", "/usr/libexec/",
	}
)

// Info is what the ELF decoder recovers from one binary.
type Info struct {
	Digest  digest.Digest
	Size    int64
	Machine string
	Class   string
	Type    string
	// Needed lists the DT_NEEDED entries, in dynamic section order.
	Needed      []string
	Soname      string
	Interpreter string
	// GoBuildInfo is set for Go binaries.
	GoBuildInfo *buildinfo.BuildInfo
	// RustDeps is set for Rust binaries built with cargo auditable.
	RustDeps *rustaudit.VersionInfo
}

// Config is the configuration of the binary analyzer.
type Config struct {
	// MaxInMemoryBytes is the size above which binaries are spilled to TmpDir while decoded.
	MaxInMemoryBytes int64
	// TmpDir is where large binaries are spilled. Defaults to os.TempDir.
	TmpDir string
}

// DefaultConfig returns the default configuration of the binary analyzer.
func DefaultConfig() Config {
	return Config{
		MaxInMemoryBytes: DefaultMaxInMemoryBytes,
	}
}

// Analyzer emits one record per ELF binary in the image.
type Analyzer struct {
	decoder *Decoder
}

// New returns a binary analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{decoder: NewDecoder(cfg)}
}

// NewDefault returns a binary analyzer with the default config settings.
func NewDefault() filesystem.Parser { return New(DefaultConfig()) }

// Name of the analyzer.
func (a Analyzer) Name() string { return Name }

// Version of the analyzer.
func (a Analyzer) Version() int { return 0 }

// PackageManager of the produced records.
func (a Analyzer) PackageManager() extractor.PackageManager { return extractor.PackageManagerBinary }

// Purpose of the produced records.
func (a Analyzer) Purpose() extractor.Purpose { return extractor.PurposeBinary }

// Actions returns the ELF extract action.
func (a Analyzer) Actions() []extract.Action { return []extract.Action{a.decoder.Action()} }

// Parse emits one binary record per decoded ELF file.
func (a Analyzer) Parse(ctx context.Context, input *filesystem.ParseInput) (inventory.Inventory, error) {
	inv := inventory.Inventory{FileErrors: filesystem.DecodeFailures(input.Layers, ActionName)}

	for _, f := range input.Layers.ByAction(ActionName) {
		if err := ctx.Err(); err != nil {
			return inventory.Inventory{}, fmt.Errorf("%s halted at %q because of context error: %w", a.Name(), f.Path, err)
		}
		info, ok := f.Value.(*Info)
		if !ok {
			continue
		}
		pkg := &extractor.Package{
			Name:           path.Base(f.Path),
			Purpose:        extractor.PurposeBinary,
			PackageManager: extractor.PackageManagerBinary,
			Locations:      []string{f.Path},
			Digest:         info.Digest,
			Metadata:       info,
		}
		for _, needed := range info.Needed {
			pkg.Dependencies = append(pkg.Dependencies, extractor.Dependency{Name: needed})
		}
		if info.Soname != "" {
			pkg.Provides = []string{info.Soname}
		}
		inv.Packages = append(inv.Packages, pkg)
	}

	return inv, nil
}

// Decoder decodes ELF files into *Info.
type Decoder struct {
	maxInMemoryBytes int64
	tmpDir           string
}

// NewDecoder returns an ELF decoder.
func NewDecoder(cfg Config) *Decoder {
	return &Decoder{
		maxInMemoryBytes: cfg.MaxInMemoryBytes,
		tmpDir:           cfg.TmpDir,
	}
}

// Action returns the extract action decoding ELF files in binary directories and shared
// libraries anywhere in the image.
func (d *Decoder) Action() extract.Action {
	return extract.Action{
		Name:    ActionName,
		Matches: IsCandidate,
		Decode:  d.Decode,
	}
}

// IsCandidate reports whether the file at p may be a binary worth decoding.
func IsCandidate(p string) bool {
	if strings.Contains(path.Base(p), ".so") {
		return true
	}
	for _, dir := range binaryDirs {
		if strings.HasPrefix(p, dir) {
			return true
		}
	}
	return false
}

// Decode returns the *Info of an ELF file, or (nil, nil) if r is not an ELF file.
func (d *Decoder) Decode(r io.Reader, info extract.EntryInfo) (any, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(elfMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if !bytes.Equal(magic, elfMagic) {
		return nil, nil
	}

	buf := &spillBuffer{limit: d.maxInMemoryBytes, tmpDir: d.tmpDir}
	defer buf.Close()
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(buf, h), br)
	if err != nil {
		return nil, err
	}
	if buf.file != nil {
		log.Debugf("%s: spilled %s (%s) to disk", Name, info.Path, humanize.IBytes(uint64(size)))
	}

	ra, err := buf.ReaderAt()
	if err != nil {
		return nil, err
	}
	f, err := elf.NewFile(ra)
	if err != nil {
		return nil, fmt.Errorf("elf.NewFile(): %w", err)
	}
	defer f.Close()

	out := &Info{
		Digest:  digest.NewDigest(digest.SHA256, h),
		Size:    size,
		Machine: f.Machine.String(),
		Class:   f.Class.String(),
		Type:    f.Type.String(),
	}
	// Static binaries have no dynamic section.
	if needed, err := f.ImportedLibraries(); err == nil {
		out.Needed = needed
	}
	if soname, err := f.DynString(elf.DT_SONAME); err == nil && len(soname) > 0 {
		out.Soname = soname[0]
	}
	out.Interpreter = interpreter(f)
	if bi, err := buildinfo.Read(ra); err == nil {
		out.GoBuildInfo = bi
	}
	if vi, err := rustaudit.GetDependencyInfo(ra); err == nil {
		out.RustDeps = &vi
	} else if !errors.Is(err, rustaudit.ErrNoRustDepInfo) && !errors.Is(err, rustaudit.ErrUnknownFileFormat) {
		log.Debugf("%s: reading cargo auditable data of %s: %v", Name, info.Path, err)
	}
	return out, nil
}

func interpreter(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		b, err := io.ReadAll(prog.Open())
		if err != nil {
			return ""
		}
		return strings.TrimRight(string(b), "\x00")
	}
	return ""
}

// spillBuffer keeps writes in memory up to limit bytes and moves them to a temporary file
// beyond that. A limit of 0 keeps everything in memory.
type spillBuffer struct {
	limit  int64
	tmpDir string
	mem    bytes.Buffer
	file   *os.File
	size   int64
}

func (b *spillBuffer) Write(p []byte) (int, error) {
	if b.file == nil && b.limit > 0 && b.size+int64(len(p)) > b.limit {
		f, err := os.CreateTemp(b.tmpDir, "imgdeps-elf-")
		if err != nil {
			return 0, fmt.Errorf("os.CreateTemp(): %w", err)
		}
		b.file = f
		if _, err := f.Write(b.mem.Bytes()); err != nil {
			return 0, err
		}
		b.mem = bytes.Buffer{}
	}
	var n int
	var err error
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return n, err
}

// ReaderAt returns a view of everything written so far.
func (b *spillBuffer) ReaderAt() (io.ReaderAt, error) {
	if b.file == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	return b.file, nil
}

// Close removes the temporary file, if any.
func (b *spillBuffer) Close() error {
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rmErr := os.Remove(name); rmErr != nil {
		log.Warnf("os.Remove(%q): %v", name, rmErr)
	}
	return err
}
