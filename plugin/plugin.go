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

// Package plugin collects the status types shared by the parsers that run during a scan.
package plugin

import (
	"fmt"
)

// Plugin is the part of the parser interface used for status reporting.
type Plugin interface {
	Name() string
	// Version gets bumped whenever the output of the parser changes.
	Version() int
}

// Status is the outcome of one parser run, reported on the scan result.
type Status struct {
	Name    string      `json:"name"`
	Version int         `json:"version"`
	Status  *ScanStatus `json:"status"`
}

// ScanStatus is the status of a parser run or of a whole scan.
type ScanStatus struct {
	Status        ScanStatusEnum `json:"status"`
	FailureReason string         `json:"failureReason,omitempty"`
	FileErrors    []*FileError   `json:"fileErrors,omitempty"`
}

// FileError is a file the parser could not decode.
type FileError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ScanStatusEnum is the enum for the scan status.
type ScanStatusEnum int

// ScanStatusEnum values.
const (
	ScanStatusUnspecified ScanStatusEnum = iota
	ScanStatusSucceeded
	ScanStatusPartiallySucceeded
	ScanStatusFailed
)

var statusNames = map[ScanStatusEnum]string{
	ScanStatusUnspecified:        "unspecified",
	ScanStatusSucceeded:          "succeeded",
	ScanStatusPartiallySucceeded: "partially-succeeded",
	ScanStatusFailed:             "failed",
}

// MarshalText encodes the status as its lower case name.
func (e ScanStatusEnum) MarshalText() ([]byte, error) {
	name, ok := statusNames[e]
	if !ok {
		return nil, fmt.Errorf("unknown scan status %d", int(e))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (e *ScanStatusEnum) UnmarshalText(b []byte) error {
	for v, name := range statusNames {
		if name == string(b) {
			*e = v
			return nil
		}
	}
	return fmt.Errorf("unknown scan status %q", b)
}

// StatusFromErr returns the status of a parser run. A run that only hit per-file errors
// partially succeeded.
func StatusFromErr(p Plugin, runErr error, fileErrors []*FileError) *Status {
	s := &ScanStatus{FileErrors: fileErrors}
	switch {
	case runErr != nil:
		s.Status = ScanStatusFailed
		s.FailureReason = runErr.Error()
	case len(fileErrors) > 0:
		s.Status = ScanStatusPartiallySucceeded
		s.FailureReason = fmt.Sprintf("%d file(s) could not be parsed", len(fileErrors))
	default:
		s.Status = ScanStatusSucceeded
	}
	return &Status{Name: p.Name(), Version: p.Version(), Status: s}
}

// String returns a string representation of the scan status.
func (s *ScanStatus) String() string {
	switch s.Status {
	case ScanStatusSucceeded:
		return "SUCCEEDED"
	case ScanStatusPartiallySucceeded:
		return "PARTIALLY_SUCCEEDED: " + s.FailureReason
	case ScanStatusFailed:
		return "FAILED: " + s.FailureReason
	default:
		return "UNSPECIFIED"
	}
}
