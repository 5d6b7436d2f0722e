package btpage

import (
	"bytes"
	"fmt"
	"testing"
)

func newLeafBuf(pageSize int) []byte { return make([]byte, pageSize) }

func TestLeafPutGetDelete(t *testing.T) {
	lp := NewLeafPage(newLeafBuf(4096))
	if err := lp.Put([]byte("bob"), []byte("25")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := lp.Put([]byte("alice"), []byte("30")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok := lp.Get([]byte("alice")); !ok || string(v) != "30" {
		t.Fatalf("get alice: %v %v", v, ok)
	}
	if v, ok := lp.Get([]byte("bob")); !ok || string(v) != "25" {
		t.Fatalf("get bob: %v %v", v, ok)
	}
	if lp.KeyAt(0) == nil || string(lp.KeyAt(0)) != "alice" {
		t.Fatalf("slots not sorted: first key %q", lp.KeyAt(0))
	}
	if !lp.Delete([]byte("bob")) {
		t.Fatalf("delete should succeed")
	}
	if _, ok := lp.Get([]byte("bob")); ok {
		t.Fatalf("bob should be gone")
	}
}

func TestLeafPutOverwrite(t *testing.T) {
	lp := NewLeafPage(newLeafBuf(4096))
	lp.Put([]byte("k"), []byte("v1"))
	lp.Put([]byte("k"), []byte("v2"))
	v, ok := lp.Get([]byte("k"))
	if !ok || string(v) != "v2" {
		t.Fatalf("expected v2, got %v %v", v, ok)
	}
	if lp.Len() != 1 {
		t.Fatalf("expected single slot after overwrite, got %d", lp.Len())
	}
}

func TestLeafCompactPreservesOrder(t *testing.T) {
	lp := NewLeafPage(newLeafBuf(4096))
	keys := []string{"d", "b", "a", "c"}
	for _, k := range keys {
		lp.Put([]byte(k), []byte("v-"+k))
	}
	lp.Delete([]byte("b"))
	lp.Compact()
	want := []string{"a", "c", "d"}
	for i, w := range want {
		if string(lp.KeyAt(i)) != w {
			t.Fatalf("slot %d: got %q want %q", i, lp.KeyAt(i), w)
		}
		if string(lp.ValueAt(i)) != "v-"+w {
			t.Fatalf("value mismatch at %d", i)
		}
	}
}

func TestLeafFillToBoundaryNoSplit(t *testing.T) {
	lp := NewLeafPage(newLeafBuf(256))
	i := 0
	for {
		k := []byte(fmt.Sprintf("k%03d", i))
		v := bytes.Repeat([]byte{'x'}, 10)
		if err := lp.Put(k, v); err != nil {
			break
		}
		i++
	}
	if i == 0 {
		t.Fatalf("expected at least one record to fit")
	}
}

func TestLeafSplit(t *testing.T) {
	lp := NewLeafPage(newLeafBuf(512))
	for i := 0; i < 12; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		lp.Put(k, bytes.Repeat([]byte{'v'}, 20))
	}
	right := NewLeafPage(newLeafBuf(512))
	sep := lp.Split(right)
	if lp.Len()+right.Len() != 12 {
		t.Fatalf("split lost records: left=%d right=%d", lp.Len(), right.Len())
	}
	if string(right.KeyAt(0)) != string(sep) {
		t.Fatalf("separator should equal first key of right half")
	}
	if bytes.Compare(lp.KeyAt(lp.Len()-1), right.KeyAt(0)) >= 0 {
		t.Fatalf("left max key should be < right min key")
	}
}
