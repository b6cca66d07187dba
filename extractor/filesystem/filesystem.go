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

// Package filesystem defines the parser capability shared by the package-manager parsers and
// the binary analyzer, and runs a set of parsers concurrently over an extraction result.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/inventory"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/plugin"
	"github.com/imgdeps/imgdeps/stats"
	"golang.org/x/sync/errgroup"
)

// ParseInput is the read-only input shared by all parsers of a scan.
type ParseInput struct {
	// Layers holds the files decoded during the extraction pass.
	Layers *extract.Layers
	// OS is the resolved OS identity. It is nil when unknown.
	OS *extractor.TargetOS
}

// Parser produces dependency records from the files decoded by its extract actions.
type Parser interface {
	plugin.Plugin
	// PackageManager is the ecosystem of the produced records.
	PackageManager() extractor.PackageManager
	// Purpose is the purpose of the produced records.
	Purpose() extractor.Purpose
	// Actions are the extract actions whose results the parser consumes.
	Actions() []extract.Action
	// Parse turns decoded files into records. Malformed files are reported as file errors on the
	// returned inventory; a non-nil error means the parser could not run at all.
	Parse(ctx context.Context, input *ParseInput) (inventory.Inventory, error)
}

// Result is the output of one parser run.
type Result struct {
	Parser    Parser
	Inventory inventory.Inventory
	Status    *plugin.Status
}

// Actions returns the union of the actions of parsers, keeping the first action registered
// under each name.
func Actions(parsers ...Parser) []extract.Action {
	seen := map[string]bool{}
	var actions []extract.Action
	for _, p := range parsers {
		for _, a := range p.Actions() {
			if seen[a.Name] {
				continue
			}
			seen[a.Name] = true
			actions = append(actions, a)
		}
	}
	return actions
}

// Run runs parsers concurrently over input. Results are returned in the order of parsers. Only
// cancellation of ctx makes Run fail; failing parsers are reported through their status.
func Run(ctx context.Context, parsers []Parser, input *ParseInput, collector stats.Collector) ([]*Result, error) {
	if collector == nil {
		collector = stats.NoopCollector{}
	}
	results := make([]*Result, len(parsers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parsers {
		g.Go(func() error {
			start := time.Now()
			inv, err := p.Parse(gctx, input)
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			if err != nil {
				log.Warnf("%s: parser failed: %v", p.Name(), err)
				inv = inventory.Inventory{}
			}
			collector.AfterParserRun(p.Name(), &stats.ParserRunStats{
				Runtime:    time.Since(start),
				Packages:   len(inv.Packages),
				FileErrors: len(inv.FileErrors),
				Error:      err,
			})
			results[i] = &Result{
				Parser:    p,
				Inventory: inv,
				Status:    plugin.StatusFromErr(p, err, toPluginFileErrors(inv.FileErrors)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func toPluginFileErrors(errs []*inventory.FileError) []*plugin.FileError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]*plugin.FileError, 0, len(errs))
	for _, e := range errs {
		out = append(out, &plugin.FileError{Path: e.Path, Message: e.Err.Error()})
	}
	return out
}

// DecodeFailures turns the decode errors of the files produced by action into file errors.
// Parsers call it so a corrupt file surfaces as a diagnostic of the parser that owns it.
func DecodeFailures(layers *extract.Layers, action string) []*inventory.FileError {
	var out []*inventory.FileError
	for _, f := range layers.ByAction(action) {
		if f.Err != nil {
			out = append(out, &inventory.FileError{Path: f.Path, Err: fmt.Errorf("decode: %w", f.Err)})
		}
	}
	return out
}
