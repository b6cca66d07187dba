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

// Package list provides the parsers of the scanner and the OS dispatch table.
package list

import (
	"context"
	"fmt"
	"slices"

	"github.com/imgdeps/imgdeps/extractor/filesystem"
	"github.com/imgdeps/imgdeps/extractor/filesystem/binary/elf"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/golang/gobinary"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/golang/gomod"
	javaarchive "github.com/imgdeps/imgdeps/extractor/filesystem/language/java/archive"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/javascript/packagelockjson"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/python/wheelegg"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/rust/cargoauditable"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/rust/cargolock"
	"github.com/imgdeps/imgdeps/extractor/filesystem/os/apk"
	"github.com/imgdeps/imgdeps/extractor/filesystem/os/dpkg"
	"github.com/imgdeps/imgdeps/extractor/filesystem/os/rpm"
	"github.com/imgdeps/imgdeps/log"
	"github.com/imgdeps/imgdeps/stats"
)

// Kind identifies an OS package manager in the dispatch table.
type Kind string

// OS package manager kinds, in table order.
const (
	KindAPK  Kind = "apk"
	KindDPKG Kind = "dpkg"
	KindRPM  Kind = "rpm"
)

// InitFn is the parser initializer function.
type InitFn func() filesystem.Parser

// osEntry maps OS families to the parser of their package manager.
type osEntry struct {
	kind      Kind
	name      string
	families  []string
	newParser InitFn
}

// osTable is the static OS dispatch table. Families are os-release IDs.
var osTable = []osEntry{
	{
		kind:      KindAPK,
		name:      apk.Name,
		families:  []string{"alpine", "wolfi", "chainguard", "postmarketos"},
		newParser: apk.NewDefault,
	},
	{
		kind:      KindDPKG,
		name:      dpkg.Name,
		families:  []string{"debian", "ubuntu", "linuxmint", "raspbian", "kali", "pureos", "devuan", "pop"},
		newParser: dpkg.NewDefault,
	},
	{
		kind: KindRPM,
		name: rpm.Name,
		families: []string{
			"rhel", "centos", "fedora", "rocky", "almalinux", "ol", "amzn", "sles", "opensuse-leap",
			"opensuse-tumbleweed", "photon", "mariner", "azurelinux", "openeuler",
		},
		newParser: rpm.NewDefault,
	},
}

var (
	// Application parsers, in run order.
	Application = []InitFn{
		packagelockjson.NewDefault,
		wheelegg.NewDefault,
		javaarchive.NewDefault,
		cargolock.New,
		gomod.New,
		gobinary.NewDefault,
		cargoauditable.NewDefault,
	}
	// Binary analyzers.
	Binary = []InitFn{elf.NewDefault}
)

// KindForFamily returns the package manager kind of an OS family.
func KindForFamily(family string) (Kind, bool) {
	for _, e := range osTable {
		if slices.Contains(e.families, family) {
			return e.kind, true
		}
	}
	return "", false
}

// OS returns one parser per entry of the dispatch table, in table order.
func OS() []filesystem.Parser {
	parsers := make([]filesystem.Parser, 0, len(osTable))
	for _, e := range osTable {
		parsers = append(parsers, e.newParser())
	}
	return parsers
}

// All returns every parser: OS parsers first, then application parsers and binary analyzers.
func All() []filesystem.Parser {
	parsers := OS()
	for _, initFn := range slices.Concat(Application, Binary) {
		parsers = append(parsers, initFn())
	}
	return parsers
}

// ParsersFromNames returns the parsers named by names, in the order of All. "os", "application",
// "binary" and "all" select groups.
func ParsersFromNames(names []string) ([]filesystem.Parser, error) {
	all := All()
	groups := map[string][]filesystem.Parser{
		"all":         all,
		"os":          all[:len(osTable)],
		"application": all[len(osTable) : len(osTable)+len(Application)],
		"binary":      all[len(osTable)+len(Application):],
	}
	selected := map[string]bool{}
	for _, n := range names {
		if group, ok := groups[n]; ok {
			for _, p := range group {
				selected[p.Name()] = true
			}
			continue
		}
		if !slices.ContainsFunc(all, func(p filesystem.Parser) bool { return p.Name() == n }) {
			return nil, fmt.Errorf("unknown parser %q", n)
		}
		selected[n] = true
	}
	var result []filesystem.Parser
	for _, p := range all {
		if selected[p.Name()] {
			result = append(result, p)
		}
	}
	return result, nil
}

// OSResult is the outcome of OS package dispatch.
type OSResult struct {
	// Kind is the package manager whose parser produced Selected. It is empty when no parser
	// found packages.
	Kind     Kind
	Selected *filesystem.Result
	// Results holds every OS parser run, in table order.
	Results []*filesystem.Result
	// LowConfidence is set when the OS family was unknown and the package manager was guessed.
	LowConfidence bool
}

// RunOS runs the OS parsers among parsers for the given family. A known family runs its mapped
// parser only. An unknown family runs every OS parser in table order and keeps the first
// non-empty result.
func RunOS(ctx context.Context, family string, parsers []filesystem.Parser, input *filesystem.ParseInput, collector stats.Collector) (*OSResult, error) {
	byName := map[string]filesystem.Parser{}
	for _, p := range parsers {
		byName[p.Name()] = p
	}
	var candidates []filesystem.Parser
	var kinds []Kind
	kind, known := KindForFamily(family)
	for _, e := range osTable {
		if known && e.kind != kind {
			continue
		}
		if p, ok := byName[e.name]; ok {
			candidates = append(candidates, p)
			kinds = append(kinds, e.kind)
		}
	}

	results, err := filesystem.Run(ctx, candidates, input, collector)
	if err != nil {
		return nil, err
	}
	out := &OSResult{Results: results, LowConfidence: !known}
	for i, r := range results {
		if len(r.Inventory.Packages) == 0 {
			continue
		}
		out.Kind, out.Selected = kinds[i], r
		break
	}
	if known {
		if len(results) > 0 && out.Selected == nil {
			out.Kind, out.Selected = kinds[0], results[0]
		}
		return out, nil
	}
	if out.Selected != nil {
		log.Warnf("OS family %q is not in the dispatch table, guessed package manager %q from %d candidates", family, out.Kind, len(candidates))
	} else {
		log.Warnf("OS family %q is not in the dispatch table and no OS package database was found", family)
	}
	return out, nil
}
