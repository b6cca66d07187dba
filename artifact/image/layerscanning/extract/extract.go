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

// Package extract replays the layers of an image base to top and decodes the files matched by a
// fixed set of extract actions, emulating union filesystem overlay and whiteout semantics in
// memory.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imgdeps/imgdeps/artifact/image/layersource"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/stats"
)

const (
	// DefaultMaxBytes is the default cap on the bytes handed to decoders during one pass.
	DefaultMaxBytes = 2 * 1024 * 1024 * 1024 // 2GiB
	// DefaultMaxFiles is the default cap on the number of decoded files during one pass.
	DefaultMaxFiles = 200_000
)

var (
	// ErrLimitExceeded is returned when a pass decodes more bytes or files than allowed.
	ErrLimitExceeded = errors.New("extraction limit exceeded")
	// ErrInvalidConfig is returned when the extraction config is invalid.
	ErrInvalidConfig = errors.New("invalid extraction config")
	// ErrInvalidAction is returned for actions without a name, predicate or decoder.
	ErrInvalidAction = errors.New("invalid extract action")
)

// EntryInfo describes the entry handed to a decoder.
type EntryInfo struct {
	Path  string
	Size  int64
	Mode  fs.FileMode
	Layer int
}

// Action decodes the files whose path it matches.
type Action struct {
	Name string
	// Filter is a cheap test on the base name run before Matches. A nil Filter accepts everything.
	Filter func(base string) bool
	// Matches is the full path predicate. A nil Matches accepts every path Filter accepts. At
	// least one of the two must be set.
	Matches func(path string) bool
	// Decode turns the content into a value. Returning a nil value and a nil error declines the
	// file without reporting a failure.
	Decode func(r io.Reader, info EntryInfo) (any, error)
}

// Config contains the configuration of an extraction pass. Zero limits disable the cap.
type Config struct {
	MaxBytes int64
	MaxFiles int
	Stats    stats.Collector
}

// DefaultConfig returns the default extraction configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxBytes: DefaultMaxBytes,
		MaxFiles: DefaultMaxFiles,
		Stats:    stats.NoopCollector{},
	}
}

func validateConfig(config *Config, actions []Action) error {
	if config.MaxBytes < 0 {
		return fmt.Errorf("%w: max bytes must be non-negative: %d", ErrInvalidConfig, config.MaxBytes)
	}
	if config.MaxFiles < 0 {
		return fmt.Errorf("%w: max files must be non-negative: %d", ErrInvalidConfig, config.MaxFiles)
	}
	seen := make(map[string]bool, len(actions))
	for i, a := range actions {
		if a.Name == "" || (a.Filter == nil && a.Matches == nil) || a.Decode == nil {
			return fmt.Errorf("%w: action %d is incomplete", ErrInvalidAction, i)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate action name %q", ErrInvalidAction, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Run performs one streaming pass over the layers of src and returns the decoded files visible in
// the final merged filesystem. Layer failures, cancellation and exceeded limits abort the pass;
// decode failures are recorded on the affected File.
func Run(ctx context.Context, src layersource.Source, actions []Action, config *Config) (*Layers, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config, actions); err != nil {
		return nil, err
	}
	collector := config.Stats
	if collector == nil {
		collector = stats.NoopCollector{}
	}

	layers, err := src.Layers(ctx)
	if err != nil {
		return nil, err
	}

	p := &pass{
		actions:   actions,
		out:       NewLayers(),
		config:    config,
		collector: collector,
	}
	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.replay(ctx, layer); err != nil {
			return nil, err
		}
	}
	return p.out, nil
}

type pass struct {
	actions   []Action
	out       *Layers
	config    *Config
	collector stats.Collector

	bytes int64
	files int
}

func (p *pass) replay(ctx context.Context, layer layersource.Layer) error {
	start := time.Now()
	layerStats := &stats.LayerReadStats{Index: layer.Index(), Digest: layer.Digest().String()}

	rc, err := layer.Open(ctx)
	if err != nil {
		return asLayerError(layer, err)
	}
	defer rc.Close()

	er := layersource.NewEntryReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := er.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return asLayerError(layer, fmt.Errorf("could not read tar: %w", err))
		}
		layerStats.Entries++

		switch entry.Kind {
		case layersource.KindWhiteout:
			layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), true, true)
		case layersource.KindOpaque:
			layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), false, true)
		case layersource.KindRegular:
			// A file replaces whatever directory lower layers had there.
			layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), false, true)
			decoded, err := p.decode(ctx, layer, entry, er)
			if err != nil {
				return err
			}
			if decoded {
				layerStats.Decoded++
			} else {
				layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), true, false)
			}
		case layersource.KindDir:
			// A directory merges with a lower directory but replaces a lower file.
			layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), true, false)
		default:
			// A link or special file replaces the lower file or directory tree at its path.
			layerStats.Removed += p.out.Remove(entry.Path, layer.Index(), true, true)
		}
	}

	layerStats.Runtime = time.Since(start)
	p.collector.AfterLayerRead(layerStats)
	log.Debugf("layer %d (%s): %d entries, %d decoded, %d removed", layerStats.Index, layerStats.Digest, layerStats.Entries, layerStats.Decoded, layerStats.Removed)
	return nil
}

// decode runs every matching action on the current entry. It returns whether any action matched.
func (p *pass) decode(ctx context.Context, layer layersource.Layer, entry *layersource.Entry, content io.Reader) (bool, error) {
	base := path.Base(entry.Path)
	var matched []Action
	for _, a := range p.actions {
		if a.Filter != nil && !a.Filter(base) {
			continue
		}
		if a.Matches == nil || a.Matches(entry.Path) {
			matched = append(matched, a)
		}
	}
	if len(matched) == 0 {
		return false, nil
	}

	p.files++
	if p.config.MaxFiles > 0 && p.files > p.config.MaxFiles {
		return false, fmt.Errorf("%w: more than %d files matched", ErrLimitExceeded, p.config.MaxFiles)
	}

	info := EntryInfo{Path: entry.Path, Size: entry.Size, Mode: entry.Mode, Layer: layer.Index()}
	cr := &countingReader{r: content, pass: p}

	// The entry stream can only be consumed once, so content shared by several actions is
	// buffered.
	var shared []byte
	if len(matched) > 1 {
		b, err := io.ReadAll(cr)
		if err != nil {
			if cr.exceeded || ctx.Err() != nil {
				return false, p.fatal(ctx)
			}
			return false, asLayerError(layer, fmt.Errorf("could not read %s: %w", entry.Path, err))
		}
		shared = b
	}

	for _, a := range matched {
		var r io.Reader = cr
		if shared != nil {
			r = bytes.NewReader(shared)
		}
		value, err := a.Decode(r, info)
		if cr.exceeded || ctx.Err() != nil {
			return false, p.fatal(ctx)
		}

		result := stats.FileDecodedResultSuccess
		switch {
		case err != nil:
			result = stats.FileDecodedResultErrorUnknown
			value = nil
			log.Debugf("%s: failed to decode %s in layer %d: %v", a.Name, entry.Path, layer.Index(), err)
		case value == nil:
			result = stats.FileDecodedResultSkipped
		}
		p.out.Put(&File{
			Path:       entry.Path,
			Action:     a.Name,
			LayerIndex: layer.Index(),
			Value:      value,
			Err:        err,
		})
		p.collector.AfterFileDecoded(a.Name, &stats.FileDecodedStats{
			Path:          entry.Path,
			Layer:         layer.Index(),
			Result:        result,
			FileSizeBytes: entry.Size,
		})
	}
	return true, nil
}

func (p *pass) fatal(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: decoded content exceeds %s", ErrLimitExceeded, humanize.IBytes(uint64(p.config.MaxBytes)))
}

// countingReader charges the bytes read from an entry against the pass budget.
type countingReader struct {
	r        io.Reader
	pass     *pass
	exceeded bool
}

func (c *countingReader) Read(b []byte) (int, error) {
	if c.exceeded {
		return 0, ErrLimitExceeded
	}
	n, err := c.r.Read(b)
	c.pass.bytes += int64(n)
	if limit := c.pass.config.MaxBytes; limit > 0 && c.pass.bytes > limit {
		c.exceeded = true
		return n, ErrLimitExceeded
	}
	return n, err
}

func asLayerError(layer layersource.Layer, err error) error {
	var layerErr *layersource.LayerError
	if errors.As(err, &layerErr) {
		return err
	}
	return &layersource.LayerError{Index: layer.Index(), Digest: layer.Digest(), Err: err}
}
