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

// Package testcollector provides an implementation of stats.Collector that
// stores recorded metrics for verification in tests.
package testcollector

import (
	"sync"
	"time"

	"github.com/imgdeps/imgdeps/plugin"
	"github.com/imgdeps/imgdeps/stats"
)

// Collector implements the stats.Collector interface and simply stores metrics
// by path, layer and parser.
type Collector struct {
	stats.NoopCollector

	mu               sync.Mutex
	fileDecodedStats map[string]*stats.FileDecodedStats
	layerReadStats   []*stats.LayerReadStats
	parserRunStats   map[string]*stats.ParserRunStats
	scanStatus       *plugin.ScanStatus
}

// New returns a new test Collector with maps initialized.
func New() *Collector {
	return &Collector{
		fileDecodedStats: make(map[string]*stats.FileDecodedStats),
		parserRunStats:   make(map[string]*stats.ParserRunStats),
	}
}

// AfterLayerRead stores the metrics for each layer of the extraction pass.
func (c *Collector) AfterLayerRead(layerstats *stats.LayerReadStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layerReadStats = append(c.layerReadStats, layerstats)
}

// AfterFileDecoded stores the metrics for calls to decode callbacks. Later layers overwrite
// earlier records for the same path.
func (c *Collector) AfterFileDecoded(_ string, filestats *stats.FileDecodedStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileDecodedStats[filestats.Path] = filestats
}

// AfterParserRun stores the metrics of a parser run. Parsers run concurrently.
func (c *Collector) AfterParserRun(name string, parserstats *stats.ParserRunStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parserRunStats[name] = parserstats
}

// AfterScan stores the status of the last scan.
func (c *Collector) AfterScan(_ time.Duration, status *plugin.ScanStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanStatus = status
}

// FileDecodedResult returns the result metric for a given path, if found.
// Otherwise, returns an empty string.
func (c *Collector) FileDecodedResult(path string) stats.FileDecodedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if filestats, ok := c.fileDecodedStats[path]; ok {
		return filestats.Result
	}
	return ""
}

// FileDecodedFileSize returns the file size recorded for a given path, if
// found. Otherwise, returns 0.
func (c *Collector) FileDecodedFileSize(path string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if filestats, ok := c.fileDecodedStats[path]; ok {
		return filestats.FileSizeBytes
	}
	return 0
}

// LayersRead returns the layer metrics in the order they were reported.
func (c *Collector) LayersRead() []*stats.LayerReadStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*stats.LayerReadStats(nil), c.layerReadStats...)
}

// ParserRun returns the metrics recorded for a parser, or nil.
func (c *Collector) ParserRun(name string) *stats.ParserRunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parserRunStats[name]
}

// ScanStatus returns the status reported for the last scan, or nil.
func (c *Collector) ScanStatus() *plugin.ScanStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanStatus
}
