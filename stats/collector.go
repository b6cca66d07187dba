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

// Package stats contains interfaces and utilities relating to the collection of
// statistics from a scan.
package stats

import (
	"time"

	"github.com/imgdeps/imgdeps/plugin"
)

// Collector is a component which is notified when certain events occur. It can be implemented with
// different metric backends to enable monitoring of scans.
type Collector interface {
	// AfterLayerRead is called once the extraction pass has consumed a layer.
	AfterLayerRead(layerstats *LayerReadStats)

	// AfterFileDecoded is called by the extraction engine after an extract action decoded (or
	// declined) a matched file.
	AfterFileDecoded(action string, filestats *FileDecodedStats)

	// AfterParserRun is called after a package-manager parser or the binary analyzer finished.
	AfterParserRun(parserName string, parserstats *ParserRunStats)

	AfterScan(runtime time.Duration, status *plugin.ScanStatus)
}

// NoopCollector implements Collector by doing nothing.
type NoopCollector struct{}

// AfterLayerRead implements Collector by doing nothing.
func (c NoopCollector) AfterLayerRead(layerstats *LayerReadStats) {}

// AfterFileDecoded implements Collector by doing nothing.
func (c NoopCollector) AfterFileDecoded(action string, filestats *FileDecodedStats) {}

// AfterParserRun implements Collector by doing nothing.
func (c NoopCollector) AfterParserRun(parserName string, parserstats *ParserRunStats) {}

// AfterScan implements Collector by doing nothing.
func (c NoopCollector) AfterScan(runtime time.Duration, status *plugin.ScanStatus) {}
