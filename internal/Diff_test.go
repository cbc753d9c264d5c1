package internal

import (
	"reflect"
	"testing"
)

func opStrings(ops []FileOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

func TestDiff_Identity(t *testing.T) {
	m := manifestOf(t,
		testEntry(t, "a.bin", "alpha", false),
		testEntry(t, "b.bin", "beta", true),
	)
	if ops := DiffManifests(m, m); len(ops) != 0 {
		t.Fatalf("diff(A, A) = %v, want empty", opStrings(ops))
	}
	empty := NewManifest()
	if ops := DiffManifests(empty, empty); len(ops) != 0 {
		t.Fatalf("diff of empty manifests = %v, want empty", opStrings(ops))
	}
}

func TestDiff_UpdateThenAdd(t *testing.T) {
	local := manifestOf(t,
		testEntry(t, "a.bin", "same content", false),
		testEntry(t, "b.bin", "old b", false),
	)
	remote := manifestOf(t,
		testEntry(t, "a.bin", "same content", false),
		testEntry(t, "b.bin", "new b", false),
		testEntry(t, "c.bin", "fresh c", false),
	)

	ops := DiffManifests(local, remote)
	want := []string{"update b.bin", "add c.bin"}
	if !reflect.DeepEqual(opStrings(ops), want) {
		t.Fatalf("diff = %v, want %v", opStrings(ops), want)
	}
}

func TestDiff_RemovalsLast(t *testing.T) {
	local := manifestOf(t,
		testEntry(t, "gone1.bin", "x", false),
		testEntry(t, "keep.bin", "old", false),
		testEntry(t, "gone2.bin", "y", false),
	)
	remote := manifestOf(t,
		testEntry(t, "keep.bin", "new", false),
		testEntry(t, "added.bin", "z", false),
	)

	ops := DiffManifests(local, remote)
	want := []string{"update keep.bin", "add added.bin", "remove gone1.bin", "remove gone2.bin"}
	if !reflect.DeepEqual(opStrings(ops), want) {
		t.Fatalf("diff = %v, want %v", opStrings(ops), want)
	}
}

func TestDiff_SameHashDifferentSizeIsUpdate(t *testing.T) {
	e := testEntry(t, "odd.bin", "content", false)
	local := manifestOf(t, e)

	corrupt := e
	corrupt.Size = e.Size + 7
	remote := manifestOf(t, corrupt)

	ops := DiffManifests(local, remote)
	if len(ops) != 1 || ops[0].Kind != OpUpdate {
		t.Fatalf("corrupt-size entry must diff as update, got %v", opStrings(ops))
	}
}

func TestDiff_Deterministic(t *testing.T) {
	local := manifestOf(t,
		testEntry(t, "a.bin", "1", false),
		testEntry(t, "b.bin", "2", false),
		testEntry(t, "c.bin", "3", false),
	)
	remote := manifestOf(t,
		testEntry(t, "b.bin", "2b", false),
		testEntry(t, "d.bin", "4", false),
	)

	first := opStrings(DiffManifests(local, remote))
	for i := 0; i < 5; i++ {
		if again := opStrings(DiffManifests(local, remote)); !reflect.DeepEqual(first, again) {
			t.Fatalf("diff not deterministic: %v vs %v", first, again)
		}
	}
}
