package btree

import (
	"bytes"

	"storageengine/internal/storage/btpage"
)

// RangeIterator produces ascending (key, value) pairs over [start, end)
// (per inclusive/exclusive bound flags), pinning only the current leaf at
// any time and following NextLeaf sibling pointers instead of
// re-descending from the root for each step.
type RangeIterator struct {
	t   *BTree
	end []byte
	endIncl bool
	hasEnd  bool

	leafID BlockID
	leaf   *btpage.LeafPage
	idx    int
	done   bool
}

// Range returns keys in ascending lexicographic order in [start, end)
// according to the inclusive flags, with no duplicates (§4.4, invariant 7).
// A nil start means "from the beginning"; a nil end means "to the end".
func (t *BTree) Range(start []byte, startIncl bool, end []byte, endIncl bool, fn func(key, value []byte) bool) error {
	it, err := t.NewRangeIterator(start, startIncl, end, endIncl)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		k, v, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !fn(k, v) {
			return nil
		}
	}
}

// NewRangeIterator descends to the leaf that would contain start (or the
// leftmost leaf if start is nil) and positions just before the first
// qualifying record.
func (t *BTree) NewRangeIterator(start []byte, startIncl bool, end []byte, endIncl bool) (*RangeIterator, error) {
	id := t.pg.WorkingRoot()
	for {
		pinned, err := t.pg.PinPage(id)
		if err != nil {
			return nil, err
		}
		if btpage.KindOf(pinned.Payload) == btpage.KindLeaf {
			break
		}
		ip := btpage.WrapInternalPage(pinned.Payload)
		var next BlockID
		if start == nil {
			next = ip.FirstChild()
		} else {
			next = ip.ChildForKey(start)
		}
		t.pg.UnpinPage(id)
		id = next
	}
	pinned, err := t.pg.PinPage(id)
	if err != nil {
		return nil, err
	}
	leaf := btpage.WrapLeafPage(pinned.Payload)

	idx := 0
	if start != nil {
		idx = seekIndex(leaf, start, startIncl)
	}
	it := &RangeIterator{t: t, end: end, endIncl: endIncl, hasEnd: end != nil, leafID: id, leaf: leaf, idx: idx}
	return it, nil
}

func seekIndex(leaf *btpage.LeafPage, start []byte, inclusive bool) int {
	n := leaf.Len()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(leaf.KeyAt(mid), start)
		if c < 0 || (c == 0 && !inclusive) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Next returns the next qualifying (key, value) pair, or ok=false when the
// range is exhausted.
func (it *RangeIterator) Next() (key, value []byte, ok bool, err error) {
	if it.done {
		return nil, nil, false, nil
	}
	for {
		if it.idx >= it.leaf.Len() {
			next := it.leaf.NextLeaf()
			it.t.pg.UnpinPage(it.leafID)
			if next == 0 {
				it.done = true
				return nil, nil, false, nil
			}
			pinned, err := it.t.pg.PinPage(next)
			if err != nil {
				it.done = true
				return nil, nil, false, err
			}
			it.leafID = next
			it.leaf = btpage.WrapLeafPage(pinned.Payload)
			it.idx = 0
			continue
		}
		k := it.leaf.KeyAt(it.idx)
		if it.hasEnd {
			c := bytes.Compare(k, it.end)
			if c > 0 || (c == 0 && !it.endIncl) {
				it.done = true
				it.t.pg.UnpinPage(it.leafID)
				return nil, nil, false, nil
			}
		}
		v := it.leaf.ValueAt(it.idx)
		it.idx++
		return k, v, true, nil
	}
}

// Close releases the currently pinned leaf, if any. Safe to call multiple
// times or after exhaustion.
func (it *RangeIterator) Close() error {
	if !it.done {
		it.t.pg.UnpinPage(it.leafID)
		it.done = true
	}
	return nil
}
