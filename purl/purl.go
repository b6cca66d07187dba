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

// Package purl builds package urls (https://github.com/package-url/purl-spec) for dependency
// records. It is a thin wrapper around the packageurl-go implementation.
package purl

import (
	"strings"

	"github.com/imgdeps/imgdeps/extractor"
	"github.com/package-url/packageurl-go"
)

// The purl types produced for the supported package managers.
const (
	// TypeApk is a pkg:apk purl.
	TypeApk = "apk"
	// TypeCargo is a pkg:cargo purl.
	TypeCargo = "cargo"
	// TypeDebian is a pkg:deb purl.
	TypeDebian = "deb"
	// TypeGeneric is a pkg:generic purl.
	TypeGeneric = "generic"
	// TypeGolang is a pkg:golang purl.
	TypeGolang = "golang"
	// TypeMaven is a pkg:maven purl.
	TypeMaven = "maven"
	// TypeNPM is a pkg:npm purl.
	TypeNPM = "npm"
	// TypePyPi is a pkg:pypi purl.
	TypePyPi = "pypi"
	// TypeRPM is a pkg:rpm purl.
	TypeRPM = "rpm"
)

// Qualifier keys.
const (
	Distro   = "distro"
	Checksum = "checksum"
)

var typeByManager = map[extractor.PackageManager]string{
	extractor.PackageManagerAPK:    TypeApk,
	extractor.PackageManagerDeb:    TypeDebian,
	extractor.PackageManagerRPM:    TypeRPM,
	extractor.PackageManagerNPM:    TypeNPM,
	extractor.PackageManagerPip:    TypePyPi,
	extractor.PackageManagerMaven:  TypeMaven,
	extractor.PackageManagerCargo:  TypeCargo,
	extractor.PackageManagerGo:     TypeGolang,
	extractor.PackageManagerBinary: TypeGeneric,
}

// FromPackage returns the package url of pkg, or nil for package managers without a purl type.
func FromPackage(pkg *extractor.Package) *packageurl.PackageURL {
	typ, ok := typeByManager[pkg.PackageManager]
	if !ok {
		return nil
	}
	namespace, name := "", pkg.Name
	var qualifiers packageurl.Qualifiers

	switch typ {
	case TypeApk, TypeDebian, TypeRPM:
		if pkg.TargetOS != nil && pkg.TargetOS.Name != "" {
			namespace = pkg.TargetOS.Name
			distro := pkg.TargetOS.Name
			if pkg.TargetOS.Version != "" {
				distro += "-" + pkg.TargetOS.Version
			}
			qualifiers = append(qualifiers, packageurl.Qualifier{Key: Distro, Value: distro})
		}
	case TypeMaven:
		if group, artifact, found := strings.Cut(pkg.Name, ":"); found {
			namespace, name = group, artifact
		}
	case TypeNPM, TypeGolang:
		if i := strings.LastIndex(pkg.Name, "/"); i > 0 {
			namespace, name = pkg.Name[:i], pkg.Name[i+1:]
		}
	case TypePyPi:
		name = strings.ReplaceAll(strings.ToLower(name), "_", "-")
	case TypeGeneric:
		if pkg.Digest != "" {
			qualifiers = append(qualifiers, packageurl.Qualifier{Key: Checksum, Value: pkg.Digest.String()})
		}
	}
	return packageurl.NewPackageURL(typ, namespace, name, pkg.Version, qualifiers, "")
}

// String returns the package url of pkg as a string, or "" if there is none.
func String(pkg *extractor.Package) string {
	p := FromPackage(pkg)
	if p == nil {
		return ""
	}
	return p.ToString()
}
