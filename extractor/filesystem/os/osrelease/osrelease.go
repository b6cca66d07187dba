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

// Package osrelease resolves the OS identity of an image from the os-release file (see
// `man os-release 5`) and the distribution specific fallbacks.
package osrelease

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/extract"
	"github.com/imgdeps/imgdeps/extractor"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// maxReleaseFileBytes bounds the content read from a release file.
const maxReleaseFileBytes = 64 * 1024

// Identity is the resolved OS of an image. The zero value is the unknown identity.
type Identity struct {
	// Family is the lower case distribution ID, e.g. "alpine", "debian", "rhel".
	Family string
	// Version may be empty, e.g. for rolling releases.
	Version    string
	PrettyName string
	// Source is the path of the file the identity was read from.
	Source string
}

// Known returns whether an OS family was resolved.
func (id Identity) Known() bool {
	return id.Family != ""
}

// TargetOS converts the identity for use on dependency records. It returns nil when unknown.
func (id Identity) TargetOS() *extractor.TargetOS {
	if !id.Known() {
		return nil
	}
	return &extractor.TargetOS{Name: id.Family, Version: id.Version, PrettyName: id.PrettyName}
}

// Candidate paths, in priority order.
const (
	PathOSRelease     = "/etc/os-release"
	PathOSReleaseLib  = "/usr/lib/os-release"
	PathLSBRelease    = "/etc/lsb-release"
	PathDebianVersion = "/etc/debian_version"
	PathAlpineRelease = "/etc/alpine-release"
	PathOracleRelease = "/etc/oracle-release"
	PathRedHatRelease = "/etc/redhat-release"
)

const actionDebianVersion = "debian-version"

type candidate struct {
	action string
	path   string
	parse  func(content string, layers *extract.Layers) (Identity, bool)
}

var candidates = []candidate{
	{action: "os-release", path: PathOSRelease, parse: parseOSRelease},
	{action: "os-release-fallback", path: PathOSReleaseLib, parse: parseOSRelease},
	{action: "lsb-release", path: PathLSBRelease, parse: parseLSBRelease},
	{action: actionDebianVersion, path: PathDebianVersion, parse: parseDebianVersion},
	{action: "alpine-release", path: PathAlpineRelease, parse: parseAlpineRelease},
	{action: "oracle-release", path: PathOracleRelease, parse: parseOracleRelease},
	{action: "redhat-release", path: PathRedHatRelease, parse: parseRedHatRelease},
}

// Actions returns one extract action per candidate file. Each decodes to the file content.
func Actions() []extract.Action {
	actions := make([]extract.Action, 0, len(candidates))
	for _, c := range candidates {
		base := c.path[strings.LastIndex(c.path, "/")+1:]
		actions = append(actions, extract.Action{
			Name:    c.action,
			Filter:  func(b string) bool { return b == base },
			Matches: func(p string) bool { return p == c.path },
			Decode:  decodeString,
		})
	}
	return actions
}

func decodeString(r io.Reader, _ extract.EntryInfo) (any, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxReleaseFileBytes))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Resolve returns the identity described by the first candidate file that is present and
// parses. Missing candidates yield the unknown identity.
func Resolve(layers *extract.Layers) Identity {
	for _, c := range candidates {
		content, ok := contentOf(layers, c)
		if !ok {
			continue
		}
		id, ok := c.parse(content, layers)
		if !ok {
			continue
		}
		id.Source = c.path
		if id.PrettyName == "" {
			id.PrettyName = prettyName(id.Family, id.Version)
		}
		return id
	}
	return Identity{}
}

func contentOf(layers *extract.Layers, c candidate) (string, bool) {
	if layers == nil {
		return "", false
	}
	f := layers.Get(c.path, c.action)
	if f == nil || f.Value == nil {
		return "", false
	}
	s, ok := f.Value.(string)
	return s, ok
}

// Parse parses os-release(5) style key=value content.
func Parse(r io.Reader) map[string]string {
	s := bufio.NewScanner(r)

	m := map[string]string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())

		if !strings.Contains(line, "=") || strings.HasPrefix(line, "#") {
			continue
		}

		kv := strings.SplitN(line, "=", 2)
		m[kv[0]] = resolveString(kv[1])
	}
	return m
}

// resolveString parses the right side of an environment-like shell-compatible variable assignment.
// Currently it just removes quotes. See `man os-release 5` for more details.
func resolveString(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return s
}

func parseOSRelease(content string, layers *extract.Layers) (Identity, bool) {
	m := Parse(strings.NewReader(content))
	family := strings.ToLower(m["ID"])
	if family == "" {
		return Identity{}, false
	}
	id := Identity{Family: family, Version: m["VERSION_ID"], PrettyName: m["PRETTY_NAME"]}
	if family == "debian" && id.Version == "" {
		// testing and sid do not carry VERSION_ID.
		id.Version = "unstable"
		if dv, ok := contentOf(layers, candidate{action: actionDebianVersion, path: PathDebianVersion}); ok {
			if major, ok := numericMajor(dv); ok {
				id.Version = major
			}
		}
	}
	return id, true
}

func parseLSBRelease(content string, _ *extract.Layers) (Identity, bool) {
	m := Parse(strings.NewReader(content))
	family := strings.ToLower(m["DISTRIB_ID"])
	if family == "" {
		return Identity{}, false
	}
	return Identity{Family: family, Version: m["DISTRIB_RELEASE"], PrettyName: m["DISTRIB_DESCRIPTION"]}, true
}

func parseDebianVersion(content string, _ *extract.Layers) (Identity, bool) {
	v := strings.TrimSpace(content)
	if v == "" {
		return Identity{}, false
	}
	major, ok := numericMajor(v)
	if !ok {
		major = "unstable"
	}
	return Identity{Family: "debian", Version: major}, true
}

func parseAlpineRelease(content string, _ *extract.Layers) (Identity, bool) {
	v := strings.TrimSpace(firstLine(content))
	if v == "" {
		return Identity{}, false
	}
	return Identity{Family: "alpine", Version: v}, true
}

var releaseMajor = regexp.MustCompile(`release\s+(\d+)`)

func parseOracleRelease(content string, _ *extract.Layers) (Identity, bool) {
	line := strings.TrimSpace(firstLine(content))
	if line == "" {
		return Identity{}, false
	}
	id := Identity{Family: "ol", PrettyName: line}
	if m := releaseMajor.FindStringSubmatch(line); m != nil {
		id.Version = m[1]
	}
	return id, true
}

func parseRedHatRelease(content string, _ *extract.Layers) (Identity, bool) {
	line := strings.TrimSpace(firstLine(content))
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Identity{}, false
	}
	family := strings.ToLower(fields[0])
	if family == "red" {
		family = "rhel"
	}
	id := Identity{Family: family, PrettyName: line}
	if m := releaseMajor.FindStringSubmatch(line); m != nil {
		id.Version = m[1]
	}
	return id, true
}

// numericMajor returns the major version of a dotted numeric version such as "12.5".
func numericMajor(v string) (string, bool) {
	v = strings.TrimSpace(v)
	major, _, _ := strings.Cut(v, ".")
	if major == "" {
		return "", false
	}
	for _, r := range major {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return major, true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func prettyName(family, version string) string {
	name := cases.Title(language.English).String(family)
	if version == "" {
		return name
	}
	return fmt.Sprintf("%s %s", name, version)
}
