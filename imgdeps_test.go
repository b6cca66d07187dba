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

package imgdeps_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/imgdeps/imgdeps"
	"github.com/imgdeps/imgdeps/artifact/image/layerscanning/testing/fakelayer"
	"github.com/imgdeps/imgdeps/artifact/image/layersource"
	"github.com/imgdeps/imgdeps/containerruntime"
	"github.com/imgdeps/imgdeps/containerruntime/fakeruntime"
	"github.com/imgdeps/imgdeps/containerruntime/manifest"
	"github.com/imgdeps/imgdeps/depgraph"
	"github.com/imgdeps/imgdeps/extractor"
	"github.com/imgdeps/imgdeps/extractor/filesystem/language/javascript/packagelockjson"
	"github.com/imgdeps/imgdeps/plugin"
	"github.com/imgdeps/imgdeps/testing/testcollector"
	"github.com/opencontainers/go-digest"
)

const (
	target    = "alpine:3.20"
	osRelease = "ID=alpine\nVERSION_ID=3.20.1\nPRETTY_NAME=\"Alpine Linux v3.20\"\n"
	apkDB     = "P:busybox\nV:1.30.1\nA:x86_64\n\n"
)

var alpineOS = &extractor.TargetOS{Name: "alpine", Version: "3.20.1", PrettyName: "Alpine Linux v3.20"}

func source(t *testing.T, layers ...[]fakelayer.File) *fakelayer.Source {
	t.Helper()
	src, err := fakelayer.NewSource("sha256:image", layers...)
	if err != nil {
		t.Fatalf("fakelayer.NewSource(): %v", err)
	}
	return src
}

func nodeIDs(g *depgraph.Graph) []string {
	ids := []string{}
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestScan_Config(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *imgdeps.ScanConfig
		wantErr   error
		wantStage imgdeps.Stage
	}{
		{
			name:      "nil_config",
			wantErr:   imgdeps.ErrNoTarget,
			wantStage: imgdeps.StageConfig,
		},
		{
			name:      "no_target",
			cfg:       &imgdeps.ScanConfig{Runtime: &fakeruntime.Runtime{}},
			wantErr:   imgdeps.ErrNoTarget,
			wantStage: imgdeps.StageConfig,
		},
		{
			name:      "no_runtime",
			cfg:       &imgdeps.ScanConfig{Target: target},
			wantErr:   imgdeps.ErrNoRuntime,
			wantStage: imgdeps.StageConfig,
		},
		{
			name: "missing_image_path",
			cfg: &imgdeps.ScanConfig{
				Target: target,
				Static: &imgdeps.StaticOptions{ImageType: "docker-archive"},
			},
			wantErr:   imgdeps.ErrMissingStaticOptions,
			wantStage: imgdeps.StageConfig,
		},
		{
			name: "missing_image_type",
			cfg: &imgdeps.ScanConfig{
				Static: &imgdeps.StaticOptions{ImagePath: "/does/not/matter.tar"},
			},
			wantErr:   imgdeps.ErrMissingStaticOptions,
			wantStage: imgdeps.StageConfig,
		},
		{
			name: "unsupported_image_type",
			cfg: &imgdeps.ScanConfig{
				Static: &imgdeps.StaticOptions{ImagePath: "/does/not/matter.tar", ImageType: "iso"},
			},
			wantErr:   layersource.ErrUnsupportedImageType,
			wantStage: imgdeps.StageConfig,
		},
		{
			name: "missing_archive",
			cfg: &imgdeps.ScanConfig{
				Static: &imgdeps.StaticOptions{ImagePath: filepath.Join(t.TempDir(), "missing.tar"), ImageType: "docker-archive"},
			},
			wantStage: imgdeps.StageOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := testcollector.New()
			if tt.cfg != nil {
				tt.cfg.Stats = collector
			}
			got, err := imgdeps.New().Scan(context.Background(), tt.cfg)
			if err == nil {
				t.Fatalf("Scan() succeeded, want error")
			}
			if got != nil {
				t.Errorf("Scan() returned a result alongside error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Scan() error: got %v, want %v", err, tt.wantErr)
			}
			var scanErr *imgdeps.ScanError
			if !errors.As(err, &scanErr) {
				t.Fatalf("Scan() error %v is not a *ScanError", err)
			}
			if scanErr.Stage != tt.wantStage {
				t.Errorf("Scan() error stage = %q, want %q", scanErr.Stage, tt.wantStage)
			}
			if tt.cfg != nil {
				if s := collector.ScanStatus(); s == nil || s.Status != plugin.ScanStatusFailed {
					t.Errorf("AfterScan() status = %v, want failed", s)
				}
			}
		})
	}
}

func TestScanSource(t *testing.T) {
	tests := []struct {
		name          string
		layers        [][]fakelayer.File
		wantOS        *extractor.TargetOS
		wantPM        string
		wantLowConf   bool
		wantNodes     []string
		wantEdges     []depgraph.Edge
		wantDiagPaths []string
	}{
		{
			name: "alpine_busybox",
			layers: [][]fakelayer.File{
				{{Path: "/etc/os-release", Content: osRelease}},
				{{Path: "/lib/apk/db/installed", Content: apkDB}},
				{},
			},
			wantOS:    alpineOS,
			wantPM:    "apk",
			wantNodes: []string{"busybox@1.30.1"},
			wantEdges: []depgraph.Edge{
				{From: target, To: "busybox@1.30.1", Kind: depgraph.Contains},
			},
		},
		{
			name: "database_removed_by_whiteout",
			layers: [][]fakelayer.File{
				{{Path: "/etc/os-release", Content: osRelease}},
				{{Path: "/lib/apk/db/installed", Content: apkDB}},
				{{Path: "/lib/apk/db/installed", Whiteout: true}},
			},
			wantOS:    alpineOS,
			wantPM:    "apk",
			wantNodes: []string{},
		},
		{
			name: "unknown_os_guesses_package_manager",
			layers: [][]fakelayer.File{
				{{Path: "/lib/apk/db/installed", Content: apkDB}},
			},
			wantPM:      "apk",
			wantLowConf: true,
			wantNodes:   []string{"busybox@1.30.1"},
			wantEdges: []depgraph.Edge{
				{From: target, To: "busybox@1.30.1", Kind: depgraph.Contains},
			},
		},
		{
			name:        "empty_image",
			layers:      [][]fakelayer.File{{}},
			wantLowConf: true,
			wantNodes:   []string{},
		},
		{
			name: "corrupt_lockfile_is_a_diagnostic",
			layers: [][]fakelayer.File{
				{
					{Path: "/etc/os-release", Content: osRelease},
					{Path: "/lib/apk/db/installed", Content: apkDB},
					{Path: "/app/package-lock.json", Content: "{not json"},
				},
			},
			wantOS:    alpineOS,
			wantPM:    "apk",
			wantNodes: []string{"busybox@1.30.1"},
			wantEdges: []depgraph.Edge{
				{From: target, To: "busybox@1.30.1", Kind: depgraph.Contains},
			},
			wantDiagPaths: []string{"/app/package-lock.json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := source(t, tt.layers...)
			got, err := imgdeps.New().ScanSource(context.Background(), target, src, nil)
			if err != nil {
				t.Fatalf("ScanSource() error: %v", err)
			}

			if diff := cmp.Diff(tt.wantOS, got.OS); diff != "" {
				t.Errorf("ScanSource() OS diff (-want +got):\n%s", diff)
			}
			if got.PackageManager != tt.wantPM {
				t.Errorf("ScanSource() PackageManager = %q, want %q", got.PackageManager, tt.wantPM)
			}
			if got.LowConfidence != tt.wantLowConf {
				t.Errorf("ScanSource() LowConfidence = %v, want %v", got.LowConfidence, tt.wantLowConf)
			}
			if diff := cmp.Diff(tt.wantNodes, nodeIDs(got.Graph)); diff != "" {
				t.Errorf("ScanSource() nodes diff (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantEdges, got.Graph.Edges(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ScanSource() edges diff (-want +got):\n%s", diff)
			}
			var diagPaths []string
			for _, d := range got.Diagnostics {
				diagPaths = append(diagPaths, d.Path)
			}
			if diff := cmp.Diff(tt.wantDiagPaths, diagPaths, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ScanSource() diagnostics diff (-want +got):\n%s\n%+v", diff, got.Diagnostics)
			}
			if got.ImageID != "sha256:image" {
				t.Errorf("ScanSource() ImageID = %q, want %q", got.ImageID, "sha256:image")
			}
			if len(got.Layers) != len(tt.layers) {
				t.Errorf("ScanSource() returned %d layer digests, want %d", len(got.Layers), len(tt.layers))
			}
			if got.ScanID == "" {
				t.Errorf("ScanSource() ScanID is empty")
			}
		})
	}
}

func TestScanSource_CorruptLockfileSource(t *testing.T) {
	src := source(t, []fakelayer.File{{Path: "/app/package-lock.json", Content: "{not json"}})
	got, err := imgdeps.New().ScanSource(context.Background(), target, src, nil)
	if err != nil {
		t.Fatalf("ScanSource() error: %v", err)
	}
	want := []imgdeps.Diagnostic{{
		Stage:  imgdeps.StageParse,
		Source: packagelockjson.Name,
		Path:   "/app/package-lock.json",
	}}
	if diff := cmp.Diff(want, got.Diagnostics, cmpopts.IgnoreFields(imgdeps.Diagnostic{}, "Message")); diff != "" {
		t.Errorf("ScanSource() diagnostics diff (-want +got):\n%s", diff)
	}
}

func testBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skipf("test binary is not an ELF file on %s", runtime.GOOS)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable(): %v", err)
	}
	b, err := os.ReadFile(exe)
	if err != nil {
		t.Fatalf("os.ReadFile(%q): %v", exe, err)
	}
	return string(b)
}

func TestScanSource_Binaries(t *testing.T) {
	bin := testBinary(t)

	tests := []struct {
		name   string
		layers [][]fakelayer.File
		want   []imgdeps.Binary
	}{
		{
			name:   "binary",
			layers: [][]fakelayer.File{{{Path: "/bin/foo", Content: bin}}},
			want:   []imgdeps.Binary{{Name: "foo", Path: "/bin/foo", Digest: digest.FromString(bin)}},
		},
		{
			name: "binary_removed_by_whiteout",
			layers: [][]fakelayer.File{
				{{Path: "/bin/foo", Content: bin}},
				{{Path: "/bin/foo", Whiteout: true}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := imgdeps.New().ScanSource(context.Background(), target, source(t, tt.layers...), nil)
			if err != nil {
				t.Fatalf("ScanSource() error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Binaries, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ScanSource() binaries diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScanSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := source(t, []fakelayer.File{{Path: "/etc/os-release", Content: osRelease}})
	got, err := imgdeps.New().ScanSource(ctx, target, src, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ScanSource() error: got %v, want %v", err, context.Canceled)
	}
	if got != nil {
		t.Errorf("ScanSource() returned a partial result: %+v", got)
	}
	var scanErr *imgdeps.ScanError
	if !errors.As(err, &scanErr) || scanErr.Stage != imgdeps.StageExtract || scanErr.Target != target {
		t.Errorf("ScanSource() error = %#v, want a *ScanError for %q during %q", err, target, imgdeps.StageExtract)
	}
}

func dynamicRuntime() *fakeruntime.Runtime {
	return &fakeruntime.Runtime{
		Image: &containerruntime.ImageInfo{ID: digest.FromString("image").String()},
		Files: map[string]string{
			"/etc/os-release":       osRelease,
			"/lib/apk/db/installed": apkDB,
			"/app/package.json":     `{"name":"app"}`,
		},
	}
}

func TestScan_Dynamic(t *testing.T) {
	rt := dynamicRuntime()
	collector := testcollector.New()
	cfg := &imgdeps.ScanConfig{
		Target:        target,
		Runtime:       rt,
		ManifestGlobs: []string{"**/package.json"},
		Stats:         collector,
	}

	got, err := imgdeps.New().Scan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if diff := cmp.Diff([]string{"busybox@1.30.1"}, nodeIDs(got.Graph)); diff != "" {
		t.Errorf("Scan() nodes diff (-want +got):\n%s", diff)
	}
	wantManifests := []manifest.File{{Name: "package.json", Path: "/app", Contents: "eyJuYW1lIjoiYXBwIn0="}}
	if diff := cmp.Diff(wantManifests, got.ManifestFiles); diff != "" {
		t.Errorf("Scan() manifest files diff (-want +got):\n%s", diff)
	}
	if got.ImageID != rt.Image.ID {
		t.Errorf("Scan() ImageID = %q, want %q", got.ImageID, rt.Image.ID)
	}
	if diff := cmp.Diff([]string{rt.Image.ID}, got.Layers); diff != "" {
		t.Errorf("Scan() layers diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{fakeruntime.ContainerID}, rt.Removed()); diff != "" {
		t.Errorf("container removal diff (-want +got):\n%s", diff)
	}
	if s := collector.ScanStatus(); s == nil || s.Status != plugin.ScanStatusSucceeded {
		t.Errorf("AfterScan() status = %v, want succeeded", s)
	}
	if got.EndTime.Before(got.StartTime) {
		t.Errorf("Scan() EndTime %v is before StartTime %v", got.EndTime, got.StartTime)
	}
}

func TestScan_DynamicFailures(t *testing.T) {
	errCreate := errors.New("create failed")
	errExport := errors.New("export failed")

	tests := []struct {
		name        string
		mutate      func(*fakeruntime.Runtime, *imgdeps.ScanConfig)
		wantErr     error
		wantStage   imgdeps.Stage
		wantRemoved []string
	}{
		{
			name: "create",
			mutate: func(rt *fakeruntime.Runtime, _ *imgdeps.ScanConfig) {
				rt.CreateErr = errCreate
			},
			wantErr:   errCreate,
			wantStage: imgdeps.StageOpen,
		},
		{
			name: "export",
			mutate: func(rt *fakeruntime.Runtime, _ *imgdeps.ScanConfig) {
				rt.ExportErr = errExport
			},
			wantErr:     errExport,
			wantStage:   imgdeps.StageExtract,
			wantRemoved: []string{fakeruntime.ContainerID},
		},
		{
			name: "invalid_manifest_glob",
			mutate: func(_ *fakeruntime.Runtime, cfg *imgdeps.ScanConfig) {
				cfg.ManifestGlobs = []string{"[a-"}
			},
			wantErr:     manifest.ErrInvalidGlob,
			wantStage:   imgdeps.StageManifest,
			wantRemoved: []string{fakeruntime.ContainerID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := dynamicRuntime()
			cfg := &imgdeps.ScanConfig{Target: target, Runtime: rt}
			tt.mutate(rt, cfg)

			got, err := imgdeps.New().Scan(context.Background(), cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Scan() error: got %v, want %v", err, tt.wantErr)
			}
			if got != nil {
				t.Errorf("Scan() returned a result alongside error %v", err)
			}
			var scanErr *imgdeps.ScanError
			if !errors.As(err, &scanErr) || scanErr.Stage != tt.wantStage {
				t.Errorf("Scan() error = %v, want a *ScanError during %q", err, tt.wantStage)
			}
			if diff := cmp.Diff(tt.wantRemoved, rt.Removed(), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("container removal diff (-want +got):\n%s", diff)
			}
		})
	}
}

func tarLayer(t *testing.T, files map[string]string) v1.Layer {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for p, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: p, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatalf("WriteHeader(%q): %v", p, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	l, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	if err != nil {
		t.Fatalf("LayerFromOpener(): %v", err)
	}
	return l
}

func TestScan_Static(t *testing.T) {
	img, err := mutate.AppendLayers(empty.Image,
		tarLayer(t, map[string]string{"etc/os-release": osRelease}),
		tarLayer(t, map[string]string{"lib/apk/db/installed": apkDB}),
	)
	if err != nil {
		t.Fatalf("AppendLayers(): %v", err)
	}
	archive := filepath.Join(t.TempDir(), "image.tar")
	tag, err := name.NewTag("imgdeps/test:latest")
	if err != nil {
		t.Fatal(err)
	}
	if err := tarball.WriteToFile(archive, tag, img); err != nil {
		t.Fatalf("tarball.WriteToFile(): %v", err)
	}

	cfg := &imgdeps.ScanConfig{
		Static: &imgdeps.StaticOptions{
			ImagePath:  archive,
			ImageType:  "docker-archive",
			TmpDirPath: t.TempDir(),
		},
		ManifestGlobs: []string{"**"},
	}
	got, err := imgdeps.New().Scan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if got.Target != archive {
		t.Errorf("Scan() Target = %q, want %q", got.Target, archive)
	}
	if diff := cmp.Diff(alpineOS, got.OS); diff != "" {
		t.Errorf("Scan() OS diff (-want +got):\n%s", diff)
	}
	wantEdges := []depgraph.Edge{{From: archive, To: "busybox@1.30.1", Kind: depgraph.Contains}}
	if diff := cmp.Diff(wantEdges, got.Graph.Edges()); diff != "" {
		t.Errorf("Scan() edges diff (-want +got):\n%s", diff)
	}
	if len(got.ManifestFiles) != 0 {
		t.Errorf("Scan() collected %d manifest files in a static scan, want 0", len(got.ManifestFiles))
	}
	if len(got.Layers) != 2 {
		t.Errorf("Scan() returned %d layer digests, want 2", len(got.Layers))
	}
	wantID, err := img.ConfigName()
	if err != nil {
		t.Fatal(err)
	}
	if got.ImageID != wantID.String() {
		t.Errorf("Scan() ImageID = %q, want %q", got.ImageID, wantID.String())
	}
}
