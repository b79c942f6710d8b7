package quark

import (
	"bytes"
	"testing"
)

func newTestPart(t *testing.T, acid Acid, fl *FreeLists, st statsView, level int, payload uint64) part {
	p, err := partAllocNew(acid, fl, st, level, payload)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPartInsertEntryLevel0LookupAndOrder(t *testing.T) {
	acid := NewMemAcid("t")
	if err := acid.Expand(64 + statsSize); err != nil {
		t.Fatal(err)
	}
	var fl FreeLists
	st := statsView{acid, 64}

	keys := [][]byte{[]byte("b"), []byte("a"), []byte("c")}
	values := [][]byte{[]byte("2"), []byte("1"), []byte("3")}

	var need uint64
	for i := range keys {
		need += entryCost(0, keys[i], values[i])
	}
	p := newTestPart(t, acid, &fl, st, 0, need)

	for i := range keys {
		_, idxT := partLowerBound(p, keys[i])
		partInsertEntry(st, 0, p, idxT, keys[i], values[i])
	}

	if got := p.numKeys(); got != 3 {
		t.Fatalf("numKeys = %d, want 3", got)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if got := string(p.idx(uint32(i)).key()); got != w {
			t.Fatalf("idx(%d).key() = %q, want %q", i, got, w)
		}
	}

	found, idxT := partLowerBound(p, []byte("b"))
	if !found {
		t.Fatal("expected to find key \"b\"")
	}
	if got := string(p.idx(idxT).value()); got != "2" {
		t.Fatalf("value for \"b\" = %q, want \"2\"", got)
	}
}

func TestPartReallocPreservesEntries(t *testing.T) {
	acid := NewMemAcid("t")
	if err := acid.Expand(64 + statsSize); err != nil {
		t.Fatal(err)
	}
	var fl FreeLists
	st := statsView{acid, 64}

	p := newTestPart(t, acid, &fl, st, 0, entryCost(0, []byte("k"), []byte("v")))
	partInsertEntry(st, 0, p, 0, []byte("k"), []byte("v"))

	grown, err := partRealloc(acid, &fl, st, 0, p, entryCost(0, []byte("k2"), []byte("v2")))
	if err != nil {
		t.Fatal(err)
	}
	if grown.numKeys() != 1 {
		t.Fatalf("numKeys after realloc = %d, want 1", grown.numKeys())
	}
	if !bytes.Equal(grown.idx(0).key(), []byte("k")) {
		t.Fatalf("key after realloc = %q, want \"k\"", grown.idx(0).key())
	}
	if !bytes.Equal(grown.idx(0).value(), []byte("v")) {
		t.Fatalf("value after realloc = %q, want \"v\"", grown.idx(0).value())
	}
	idxT := grown.numKeys()
	partInsertEntry(st, 0, grown, idxT, []byte("k2"), []byte("v2"))
	if grown.numKeys() != 2 {
		t.Fatalf("numKeys after second insert = %d, want 2", grown.numKeys())
	}
}

func TestPartInsertEntryRangeCopiesVerbatim(t *testing.T) {
	acid := NewMemAcid("t")
	if err := acid.Expand(64 + statsSize); err != nil {
		t.Fatal(err)
	}
	var fl FreeLists
	st := statsView{acid, 64}

	src := newTestPart(t, acid, &fl, st, 0, 3*entryCost(0, []byte("k"), []byte("v")))
	partInsertEntry(st, 0, src, 0, []byte("a"), []byte("1"))
	partInsertEntry(st, 0, src, 1, []byte("b"), []byte("2"))
	partInsertEntry(st, 0, src, 2, []byte("c"), []byte("3"))

	dst := newTestPart(t, acid, &fl, st, 0, rangeSpace(0, src, 1, 3))
	partInsertEntryRange(st, 0, dst, src, 1, 3)

	if dst.numKeys() != 2 {
		t.Fatalf("dst numKeys = %d, want 2", dst.numKeys())
	}
	if !bytes.Equal(dst.idx(0).key(), []byte("b")) || !bytes.Equal(dst.idx(1).key(), []byte("c")) {
		t.Fatalf("unexpected dst keys: %q %q", dst.idx(0).key(), dst.idx(1).key())
	}
}
