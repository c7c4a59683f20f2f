// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package arutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/pathutil"
)

type entry struct {
	name string
	size int
	data string // stored for metadata entries and regular archives.
}

func buildArchive(magic string, entries []entry) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	for _, e := range entries {
		size := e.size
		if e.data != "" {
			size = len(e.data)
		}
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", e.name, "0", "0", "0", "644", size)
		if e.data != "" {
			buf.WriteString(e.data)
			if len(e.data)%2 == 1 {
				buf.WriteByte('\n')
			}
		}
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, fsys afero.Fs, name string, data []byte) {
	t.Helper()
	if err := afero.WriteFile(fsys, name, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReaderThin(t *testing.T) {
	names := "very_long_object_file_name.o/\nother/long_name_for_object.o/\n"
	data := buildArchive(thinMagic, []entry{
		{name: "/", data: "sym"},
		{name: "//", data: names},
		{name: "short.o/", size: 1234},
		{name: "/0", size: 10},
		{name: "/30", size: 11},
	})
	ar, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if !ar.IsThin() {
		t.Errorf("IsThin()=false; want true")
	}
	var got []string
	for {
		m, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next()=%v", err)
		}
		if m.Data != nil {
			t.Errorf("%s: Data=%q; want nil for thin archive", m.Name, m.Data)
		}
		got = append(got, m.Name)
	}
	want := []string{"short.o", "very_long_object_file_name.o", "other/long_name_for_object.o"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members -want +got:\n%s", diff)
	}
}

func TestReaderRegular(t *testing.T) {
	data := buildArchive(archMagic, []entry{
		{name: "a.o/", data: "odd"},
		{name: "b.o/", data: "even"},
	})
	ar, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	var got []Member
	for {
		m, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next()=%v", err)
		}
		got = append(got, *m)
	}
	want := []Member{
		{Name: "a.o", Size: 3, Data: []byte("odd")},
		{Name: "b.o", Size: 4, Data: []byte("even")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members -want +got:\n%s", diff)
	}
}

func TestReaderMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"bad magic", []byte("!<bogus>\nxxxx")},
		{"short", []byte("!<th")},
		{"bad header", append([]byte(thinMagic), bytes.Repeat([]byte("x"), headerLen)...)},
		{"bad name offset", buildArchive(thinMagic, []entry{{name: "/99", size: 1}})},
		{"truncated header", append([]byte(thinMagic), "a.o/   "...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ar, err := NewReader(bytes.NewReader(tc.data))
			for err == nil {
				_, err = ar.Next()
			}
			if !errors.Is(err, ErrMalformedArchive) {
				t.Errorf("err=%v; want %v", err, ErrMalformedArchive)
			}
		})
	}
}

func TestCreateThinObjectPath(t *testing.T) {
	for _, tc := range []struct {
		archive, member, want string
	}{
		{"obj/base/libbase.a", "obj/base/a.o", "obj/base/a.o"},
		{"obj/base/libbase.a", "a.o", "obj/base/a.o"},
		{"obj/base/libbase.a", "../third_party/b.o", "obj/third_party/b.o"},
		{"libx.a", "y.o", "y.o"},
	} {
		if got := CreateThinObjectPath(tc.archive, tc.member); got != tc.want {
			t.Errorf("CreateThinObjectPath(%q, %q)=%q; want %q", tc.archive, tc.member, got, tc.want)
		}
	}
}

func TestExpandThinArchives(t *testing.T) {
	fsys := afero.NewMemMapFs()
	out := "/out/Release"
	writeFile(t, fsys, path.Join(out, "x.a"), buildArchive(thinMagic, []entry{
		{name: "/", data: "symtab"},
		{name: "obj/src/y.o/", size: 100},
	}))
	writeFile(t, fsys, path.Join(out, "obj/base/libbase.a"), buildArchive(thinMagic, []entry{
		{name: "a.o/", size: 10},
		{name: "b.o/", size: 12},
	}))
	writeFile(t, fsys, path.Join(out, "libfat.a"), buildArchive(archMagic, []entry{
		{name: "c.o/", data: "code"},
	}))
	writeFile(t, fsys, path.Join(out, "bad.a"), []byte("garbage!"))

	var issues metadata.Issues
	got, thin, err := ExpandThinArchives(fsys, []string{
		"obj/main.o",
		"x.a",
		"obj/base/libbase.a",
		"libfat.a",
		"bad.a",
		"missing.a",
	}, out, &issues)
	if err != nil {
		t.Fatalf("ExpandThinArchives=%v; want nil", err)
	}
	want := []string{
		"obj/main.o",
		"obj/src/y.o",
		"obj/base/a.o",
		"obj/base/b.o",
		"libfat.a",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExpandThinArchives -want +got:\n%s", diff)
	}
	if diff := cmp.Diff(map[string]bool{"x.a": true, "obj/base/libbase.a": true}, thin); diff != "" {
		t.Errorf("thin archives -want +got:\n%s", diff)
	}
	if got := issues.Count("malformed_archive"); got != 1 {
		t.Errorf("malformed_archive=%d; want 1", got)
	}
	// Member paths that already start with obj/ become source-tree
	// relative once normalized.
	if norm := pathutil.NormalizeObjectPath(got[1]); norm != "src/y.o" {
		t.Errorf("NormalizeObjectPath(%q)=%q; want %q", got[1], norm, "src/y.o")
	}
}

func TestIsThinArchive(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "thin.a", []byte(thinMagic))
	writeFile(t, fsys, "fat.a", []byte(archMagic))
	writeFile(t, fsys, "tiny.a", []byte("!"))
	for _, tc := range []struct {
		name string
		want bool
	}{
		{"thin.a", true},
		{"fat.a", false},
		{"tiny.a", false},
	} {
		got, err := IsThinArchive(fsys, tc.name)
		if err != nil || got != tc.want {
			t.Errorf("IsThinArchive(%q)=%t, %v; want %t, nil", tc.name, got, err, tc.want)
		}
	}
}
