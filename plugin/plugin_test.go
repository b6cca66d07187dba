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

package plugin_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/imgdeps/imgdeps/plugin"
)

type fakeParser struct{}

func (fakeParser) Name() string { return "os/fake" }
func (fakeParser) Version() int { return 2 }

func TestStatusFromErr(t *testing.T) {
	fileErrs := []*plugin.FileError{{Path: "/var/lib/dpkg/status", Message: "truncated"}}
	testCases := []struct {
		desc       string
		runErr     error
		fileErrors []*plugin.FileError
		want       *plugin.ScanStatus
	}{
		{
			desc: "success",
			want: &plugin.ScanStatus{Status: plugin.ScanStatusSucceeded},
		},
		{
			desc:       "file errors only",
			fileErrors: fileErrs,
			want: &plugin.ScanStatus{
				Status:        plugin.ScanStatusPartiallySucceeded,
				FailureReason: "1 file(s) could not be parsed",
				FileErrors:    fileErrs,
			},
		},
		{
			desc:       "run failure keeps file errors",
			runErr:     errors.New("context canceled"),
			fileErrors: fileErrs,
			want: &plugin.ScanStatus{
				Status:        plugin.ScanStatusFailed,
				FailureReason: "context canceled",
				FileErrors:    fileErrs,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := plugin.StatusFromErr(fakeParser{}, tc.runErr, tc.fileErrors)
			want := &plugin.Status{Name: "os/fake", Version: 2, Status: tc.want}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("StatusFromErr(%v, %v) returned unexpected diff (-want +got):\n%s", tc.runErr, tc.fileErrors, diff)
			}
		})
	}
}

func TestScanStatusString(t *testing.T) {
	testCases := []struct {
		status *plugin.ScanStatus
		want   string
	}{
		{status: &plugin.ScanStatus{Status: plugin.ScanStatusSucceeded}, want: "SUCCEEDED"},
		{status: &plugin.ScanStatus{Status: plugin.ScanStatusPartiallySucceeded, FailureReason: "2 file(s)"}, want: "PARTIALLY_SUCCEEDED: 2 file(s)"},
		{status: &plugin.ScanStatus{Status: plugin.ScanStatusFailed, FailureReason: "boom"}, want: "FAILED: boom"},
		{status: &plugin.ScanStatus{}, want: "UNSPECIFIED"},
	}
	for _, tc := range testCases {
		if got := tc.status.String(); got != tc.want {
			t.Errorf("%v.String(): got %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestScanStatusJSON(t *testing.T) {
	in := &plugin.ScanStatus{Status: plugin.ScanStatusPartiallySucceeded, FailureReason: "1 file(s) could not be parsed"}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("json.Marshal(): %v", err)
	}
	want := `{"status":"partially-succeeded","failureReason":"1 file(s) could not be parsed"}`
	if string(b) != want {
		t.Errorf("json.Marshal() = %s, want %s", b, want)
	}
	got := &plugin.ScanStatus{}
	if err := json.Unmarshal(b, got); err != nil {
		t.Fatalf("json.Unmarshal(): %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("json round trip diff (-want +got):\n%s", diff)
	}
	if _, err := plugin.ScanStatusEnum(42).MarshalText(); err == nil {
		t.Error("MarshalText() of an unknown status succeeded, want error")
	}
}
