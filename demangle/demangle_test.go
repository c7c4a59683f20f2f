// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package demangle

import (
	"context"
	"fmt"
	"os/exec"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.chromium.org/luci/common/data/stringset"
)

type fakeDemangler struct {
	calls  int
	inputs [][]string
	err    error
}

func (f *fakeDemangler) Demangle(ctx context.Context, names []string) ([]string, error) {
	f.calls++
	f.inputs = append(f.inputs, names)
	if f.err != nil {
		return nil, f.err
	}
	return InProcess{}.Demangle(ctx, names)
}

func TestDemangleListBatching(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDemangler{}
	b := NewBatcher(fake)
	got, err := b.DemangleList(ctx, []string{
		"_Z3fooi$0123456789abcdef0123456789abcdef.cfi",
		"** lld merge strings",
		".Lswitch.table._Z3barv",
		"main",
	})
	if err != nil {
		t.Fatalf("DemangleList=%v; want nil", err)
	}
	want := []string{
		"foo(int)",
		"** lld merge strings",
		"Switch table for bar() [Switch table]",
		"main",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DemangleList -want +got:\n%s", diff)
	}
	if fake.calls != 1 {
		t.Errorf("demangler calls=%d; want 1", fake.calls)
	}
	if diff := cmp.Diff([][]string{{"_Z3fooi", "_Z3barv"}}, fake.inputs); diff != "" {
		t.Errorf("demangler inputs -want +got:\n%s", diff)
	}
	if got := b.Stats.Calls.Load(); got != 1 {
		t.Errorf("Stats.Calls=%d; want 1", got)
	}
}

func TestDemangleListUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDemangler{err: fmt.Errorf("%w: not installed", ErrUnavailable)}
	names := []string{"_Z3foov", "bar"}
	got, err := NewBatcher(fake).DemangleList(ctx, names)
	if err != nil {
		t.Fatalf("DemangleList=%v; want nil", err)
	}
	if diff := cmp.Diff(names, got); diff != "" {
		t.Errorf("DemangleList -want +got:\n%s", diff)
	}
}

func TestDemangleListNothingToDo(t *testing.T) {
	fake := &fakeDemangler{}
	_, err := NewBatcher(fake).DemangleList(context.Background(), []string{"main", "** foo"})
	if err != nil {
		t.Fatal(err)
	}
	if fake.calls != 0 {
		t.Errorf("demangler calls=%d; want 0", fake.calls)
	}
}

func TestStripLlvmPromotedGlobalNames(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"foo() (.llvm.1234)", "foo()"},
		{"foo() (.2.llvm.1234)", "foo()"},
		{"bar.llvm.1234", "bar"},
		{"bar.3.llvm.1234", "bar"},
		{"bar.3", "bar.3"},
		{"baz(int)", "baz(int)"},
	} {
		if got := StripLlvmPromotedGlobalNames(tc.in); got != tc.want {
			t.Errorf("StripLlvmPromotedGlobalNames(%q)=%q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanDemangle(t *testing.T) {
	for _, tc := range []struct {
		name string
		want bool
	}{
		{"_Z3foov", true},
		{".Lswitch.table._Z3foov", true},
		{".Lswitch.table.foo", false},
		{"foo", false},
		{"** _Z3foov", false},
	} {
		if got := CanDemangle(tc.name); got != tc.want {
			t.Errorf("CanDemangle(%q)=%t; want %t", tc.name, got, tc.want)
		}
	}
}

func TestDemangleSetValues(t *testing.T) {
	m := map[string]stringset.Set{
		"a.o": stringset.NewFromSlice("_Z3foov", "_Z3foov.llvm.77", "kData"),
		"b.o": stringset.NewFromSlice("_Z3barv"),
	}
	fake := &fakeDemangler{}
	if err := NewBatcher(fake).DemangleSetValues(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	got := map[string][]string{}
	for k, v := range m {
		got[k] = v.ToSortedSlice()
	}
	want := map[string][]string{
		"a.o": {"foo()", "kData"},
		"b.o": {"bar()"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DemangleSetValues -want +got:\n%s", diff)
	}
	if fake.calls != 1 {
		t.Errorf("demangler calls=%d; want 1", fake.calls)
	}
}

func TestDemangleListKeys(t *testing.T) {
	m := map[string][]string{
		"_Z3foov":          {"a.o"},
		"_Z3foov.llvm.123": {"b.o"},
		"kData":            {"c.o"},
	}
	got, err := NewBatcher(InProcess{}).DemangleListKeys(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][]string{
		"foo()": {"a.o", "b.o"},
		"kData": {"c.o"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DemangleListKeys -want +got:\n%s", diff)
	}
}

func TestCxxFiltProtocol(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	// cat echoes every name back, i.e. nothing is recognized.
	c := NewCxxFilt("cat")
	defer c.Close()
	b := NewBatcher(c)
	names := []string{"_Z3foov", "plain", "_Z3barv"}
	for i := 0; i < 2; i++ {
		got, err := b.DemangleList(context.Background(), names)
		if err != nil {
			t.Fatalf("DemangleList=%v; want nil", err)
		}
		if diff := cmp.Diff(names, got); diff != "" {
			t.Errorf("DemangleList -want +got:\n%s", diff)
		}
	}
	if got := b.Stats.Failures.Load(); got != 4 {
		t.Errorf("Stats.Failures=%d; want 4", got)
	}
}

func TestCxxFiltUnavailable(t *testing.T) {
	c := NewCxxFilt("/nonexistent/c++filt")
	got, err := NewBatcher(c).DemangleList(context.Background(), []string{"_Z3foov"})
	if err != nil {
		t.Fatalf("DemangleList=%v; want nil", err)
	}
	if diff := cmp.Diff([]string{"_Z3foov"}, got); diff != "" {
		t.Errorf("DemangleList -want +got:\n%s", diff)
	}
}
