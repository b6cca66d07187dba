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

package pathtree

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testVal struct {
	string
}

func assertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Errorf("%v", err)
	}
}

func testTree(t *testing.T) *Node[testVal] {
	t.Helper()

	tree := NewNode[testVal]()
	assertNoError(t, tree.Insert("/", &testVal{"value0"}))
	assertNoError(t, tree.Insert("/a", &testVal{"value1"}))
	assertNoError(t, tree.Insert("/a/b", &testVal{"value2"}))
	assertNoError(t, tree.Insert("/a/b/c", &testVal{"value3"}))
	assertNoError(t, tree.Insert("/a/b/d", &testVal{"value4"}))
	assertNoError(t, tree.Insert("/a/e", &testVal{"value5"}))
	assertNoError(t, tree.Insert("/x/y/z", &testVal{"value9"}))

	return tree
}

func collect(t *testing.T, tree *Node[testVal]) map[string]string {
	t.Helper()

	got := map[string]string{}
	err := tree.Walk(func(path string, v *testVal) error {
		got[path] = v.string
		return nil
	})
	assertNoError(t, err)
	return got
}

func TestNode_Insert_Error(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "duplicate node", key: "/a"},
		{name: "duplicate node in subtree", key: "/a/b"},
		{name: "relative path", key: "a/b/q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := testTree(t)
			if err := tree.Insert(tt.key, &testVal{"new"}); err == nil {
				t.Errorf("Node.Insert(%q) expected error, got nil", tt.key)
			}
		})
	}
}

func TestNode_Set_Overwrites(t *testing.T) {
	tree := testTree(t)
	assertNoError(t, tree.Set("/a/b/c", &testVal{"top"}))

	if got := tree.Get("/a/b/c"); got == nil || got.string != "top" {
		t.Errorf("Get(/a/b/c) = %v, want top", got)
	}
}

func TestNode_Get(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want *testVal
	}{
		{name: "root node", key: "/", want: &testVal{"value0"}},
		{name: "leaf", key: "/a/b/d", want: &testVal{"value4"}},
		{name: "intermediate without value", key: "/x/y", want: nil},
		{name: "missing", key: "/q", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := testTree(t).Get(tt.key)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(testVal{})); diff != "" {
				t.Errorf("Node.Get(%q) (-want +got):\n%s", tt.key, diff)
			}
		})
	}
}

func TestNode_GetChildren(t *testing.T) {
	got := testTree(t).GetChildren("/a/b")
	want := []*testVal{{"value3"}, {"value4"}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(testVal{})); diff != "" {
		t.Errorf("Node.GetChildren(/a/b) (-want +got):\n%s", diff)
	}
}

func TestNode_Prune(t *testing.T) {
	dropAll := func(string, *testVal) bool { return true }
	tests := []struct {
		name        string
		path        string
		includeSelf bool
		drop        func(string, *testVal) bool
		wantRemoved int
		want        map[string]string
	}{
		{
			name:        "subtree including self",
			path:        "/a/b",
			includeSelf: true,
			drop:        dropAll,
			wantRemoved: 3,
			want: map[string]string{
				"/":      "value0",
				"/a":     "value1",
				"/a/e":   "value5",
				"/x/y/z": "value9",
			},
		},
		{
			name:        "descendants only",
			path:        "/a",
			includeSelf: false,
			drop:        dropAll,
			wantRemoved: 4,
			want: map[string]string{
				"/":      "value0",
				"/a":     "value1",
				"/x/y/z": "value9",
			},
		},
		{
			name:        "predicate keeps some values",
			path:        "/a",
			includeSelf: true,
			drop:        func(p string, _ *testVal) bool { return p == "/a/b/c" || p == "/a/e" },
			wantRemoved: 2,
			want: map[string]string{
				"/":      "value0",
				"/a":     "value1",
				"/a/b":   "value2",
				"/a/b/d": "value4",
				"/x/y/z": "value9",
			},
		},
		{
			name:        "missing path",
			path:        "/nope",
			includeSelf: true,
			drop:        dropAll,
			wantRemoved: 0,
			want: map[string]string{
				"/":      "value0",
				"/a":     "value1",
				"/a/b":   "value2",
				"/a/b/c": "value3",
				"/a/b/d": "value4",
				"/a/e":   "value5",
				"/x/y/z": "value9",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := testTree(t)
			if got := tree.Prune(tt.path, tt.includeSelf, tt.drop); got != tt.wantRemoved {
				t.Errorf("Node.Prune(%q) = %d, want %d", tt.path, got, tt.wantRemoved)
			}
			if diff := cmp.Diff(tt.want, collect(t, tree)); diff != "" {
				t.Errorf("tree after Prune(%q) (-want +got):\n%s", tt.path, diff)
			}
		})
	}
}

func TestNode_Walk_Order(t *testing.T) {
	var got []string
	err := testTree(t).Walk(func(path string, _ *testVal) error {
		got = append(got, path)
		return nil
	})
	assertNoError(t, err)

	want := []string{"/", "/a", "/a/b", "/a/b/c", "/a/b/d", "/a/e", "/x/y/z"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Node.Walk() order (-want +got):\n%s", diff)
	}
}
