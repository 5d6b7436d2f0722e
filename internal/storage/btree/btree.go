// Package btree implements the recursive B+ tree (C4) layered over the
// pager: slotted leaf/internal pages, split propagation with root growth,
// and ascending range iteration.
package btree

import (
	"bytes"
	"fmt"

	"storageengine/internal/engineerr"
	"storageengine/internal/storage/blockfile"
	"storageengine/internal/storage/btpage"
	"storageengine/internal/storage/pager"
)

// BlockID aliases the block file's id type.
type BlockID = blockfile.BlockID

// BTree is identified by its backing BlockFile via the Pager it owns.
type BTree struct {
	pg *pager.Pager
}

// Create initializes a single empty leaf as root and performs an initial
// checkpoint so StableRoot is defined.
func Create(bf *blockfile.BlockFile, pcfg pager.Config) (*BTree, error) {
	p := pager.Open(bf, pcfg)
	buf := make([]byte, int(bf.PageSize())-4)
	btpage.NewLeafPage(buf)
	h, err := p.AllocatePage(buf)
	if err != nil {
		return nil, err
	}
	if err := p.UnpinPageMutCommit(h); err != nil {
		return nil, err
	}
	p.SetWorkingRoot(h.WorkingID)
	if err := p.Checkpoint(h.WorkingID); err != nil {
		return nil, err
	}
	return &BTree{pg: p}, nil
}

// Open wraps an already-open BlockFile; working_root starts equal to the
// stable root recorded in its header.
func Open(bf *blockfile.BlockFile, pcfg pager.Config) *BTree {
	return &BTree{pg: pager.Open(bf, pcfg)}
}

// Pager exposes the underlying pager, e.g. for Checkpoint/Stats.
func (t *BTree) Pager() *pager.Pager { return t.pg }

// Get walks from working_root using ChildForKey at each internal page.
func (t *BTree) Get(key []byte) ([]byte, bool, error) {
	id := t.pg.WorkingRoot()
	for {
		pinned, err := t.pg.PinPage(id)
		if err != nil {
			return nil, false, err
		}
		kind := btpage.KindOf(pinned.Payload)
		if kind == btpage.KindLeaf {
			lp := btpage.WrapLeafPage(pinned.Payload)
			v, ok := lp.Get(key)
			t.pg.UnpinPage(id)
			return v, ok, nil
		}
		ip := btpage.WrapInternalPage(pinned.Payload)
		next := ip.ChildForKey(key)
		t.pg.UnpinPage(id)
		id = next
	}
}

// split carries a promoted separator and the new right sibling's id one
// level up the recursion.
type split struct {
	sepKey []byte
	rightID BlockID
}

// Put inserts or replaces key with value.
func (t *BTree) Put(key, value []byte) error {
	_, err := t.put(key, value, false)
	return err
}

// PutUnique behaves like Put but fails with engineerr.DuplicateKey if key
// already exists, avoiding a separate Get traversal.
func (t *BTree) PutUnique(key, value []byte) error {
	_, err := t.put(key, value, true)
	return err
}

func (t *BTree) put(key, value []byte, unique bool) (BlockID, error) {
	root := t.pg.WorkingRoot()
	newRoot, sp, err := t.putRecursive(root, key, value, unique)
	if err != nil {
		return 0, err
	}
	if sp != nil {
		buf := make([]byte, int(t.pg.BlockFile().PageSize())-4)
		ip := btpage.NewInternalPage(buf, newRoot)
		if err := ip.Insert(sp.sepKey, sp.rightID); err != nil {
			return 0, err
		}
		h, err := t.pg.AllocatePage(ip.Bytes())
		if err != nil {
			return 0, err
		}
		if err := t.pg.UnpinPageMutCommit(h); err != nil {
			return 0, err
		}
		newRoot = h.WorkingID
	}
	t.pg.SetWorkingRoot(newRoot)
	return newRoot, nil
}

func (t *BTree) putRecursive(id BlockID, key, value []byte, unique bool) (BlockID, *split, error) {
	h, err := t.pg.PinPageMut(id)
	if err != nil {
		return 0, nil, err
	}
	kind := btpage.KindOf(h.Payload)

	if kind == btpage.KindLeaf {
		lp := btpage.WrapLeafPage(h.Payload)
		if unique {
			if _, ok := lp.Get(key); ok {
				t.pg.UnpinPageMutAbort(h)
				return 0, nil, fmt.Errorf("btree: put_unique %q: %w", key, engineerr.DuplicateKey)
			}
		}
		if err := lp.Put(key, value); err != nil {
			if err != engineerr.PageFull {
				t.pg.UnpinPageMutAbort(h)
				return 0, nil, err
			}
			return t.splitLeafAndInsert(h, lp, key, value)
		}
		if err := t.pg.UnpinPageMutCommit(h); err != nil {
			return 0, nil, err
		}
		return h.WorkingID, nil, nil
	}

	ip := btpage.WrapInternalPage(h.Payload)
	childID := ip.ChildForKey(key)
	newChildID, childSplit, err := t.putRecursive(childID, key, value, unique)
	if err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, nil, err
	}
	if newChildID != childID {
		ip.ReplaceChild(childID, newChildID)
	}
	if childSplit != nil {
		if err := ip.Insert(childSplit.sepKey, childSplit.rightID); err != nil {
			if err != engineerr.PageFull {
				t.pg.UnpinPageMutAbort(h)
				return 0, nil, err
			}
			return t.splitInternalAndInsert(h, ip, childSplit)
		}
	}
	if err := t.pg.UnpinPageMutCommit(h); err != nil {
		return 0, nil, err
	}
	return h.WorkingID, nil, nil
}

func (t *BTree) splitLeafAndInsert(h *pager.PinnedPageMut, lp *btpage.LeafPage, key, value []byte) (BlockID, *split, error) {
	rightBuf := make([]byte, len(h.Payload))
	right := btpage.NewLeafPage(rightBuf)
	sep := lp.Split(right)

	target := lp
	if bytes.Compare(key, sep) >= 0 {
		target = right
	}
	if err := target.Put(key, value); err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, nil, err
	}

	oldNext := lp.NextLeaf()
	rh, err := t.pg.AllocatePage(right.Bytes())
	if err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, nil, err
	}
	right.SetPrevLeaf(h.WorkingID)
	right.SetNextLeaf(oldNext)
	lp.SetNextLeaf(rh.WorkingID)

	if oldNext != 0 {
		nh, err := t.pg.PinPageMut(oldNext)
		if err == nil {
			nlp := btpage.WrapLeafPage(nh.Payload)
			nlp.SetPrevLeaf(rh.WorkingID)
			_ = t.pg.UnpinPageMutCommit(nh)
		}
	}

	if err := t.pg.UnpinPageMutCommit(h); err != nil {
		return 0, nil, err
	}
	if err := t.pg.UnpinPageMutCommit(rh); err != nil {
		return 0, nil, err
	}
	return h.WorkingID, &split{sepKey: sep, rightID: rh.WorkingID}, nil
}

func (t *BTree) splitInternalAndInsert(h *pager.PinnedPageMut, ip *btpage.InternalPage, child *split) (BlockID, *split, error) {
	// The record that wouldn't fit still needs to be represented; the
	// simplest correct approach is to materialize all entries, split the
	// page, then insert into whichever half the new separator belongs.
	rightBuf := make([]byte, len(h.Payload))
	right := btpage.NewInternalPage(rightBuf, 0)
	sep, _ := ip.Split(right)

	target := ip
	if bytes.Compare(child.sepKey, sep) >= 0 {
		target = right
	}
	if err := target.Insert(child.sepKey, child.rightID); err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, nil, err
	}

	rh, err := t.pg.AllocatePage(right.Bytes())
	if err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, nil, err
	}
	if err := t.pg.UnpinPageMutCommit(h); err != nil {
		return 0, nil, err
	}
	if err := t.pg.UnpinPageMutCommit(rh); err != nil {
		return 0, nil, err
	}
	return h.WorkingID, &split{sepKey: sep, rightID: rh.WorkingID}, nil
}

// Delete removes key from its leaf. No merge/rebalance is performed at
// this spec level (§4.4) — deleted space is reclaimed only when the leaf
// is next compacted (by a Put that does not otherwise fit) or split.
func (t *BTree) Delete(key []byte) (bool, error) {
	root := t.pg.WorkingRoot()
	newRoot, ok, err := t.deleteRecursive(root, key)
	if err != nil {
		return false, err
	}
	t.pg.SetWorkingRoot(newRoot)
	return ok, nil
}

func (t *BTree) deleteRecursive(id BlockID, key []byte) (BlockID, bool, error) {
	h, err := t.pg.PinPageMut(id)
	if err != nil {
		return 0, false, err
	}
	kind := btpage.KindOf(h.Payload)
	if kind == btpage.KindLeaf {
		lp := btpage.WrapLeafPage(h.Payload)
		ok := lp.Delete(key)
		if err := t.pg.UnpinPageMutCommit(h); err != nil {
			return 0, false, err
		}
		return h.WorkingID, ok, nil
	}
	ip := btpage.WrapInternalPage(h.Payload)
	childID := ip.ChildForKey(key)
	newChildID, ok, err := t.deleteRecursive(childID, key)
	if err != nil {
		t.pg.UnpinPageMutAbort(h)
		return 0, false, err
	}
	if newChildID != childID {
		ip.ReplaceChild(childID, newChildID)
	}
	if err := t.pg.UnpinPageMutCommit(h); err != nil {
		return 0, false, err
	}
	return h.WorkingID, ok, nil
}

// Count walks the leaf chain and returns the total live key count
// (supplemented feature, grounded on the teacher's BTree.Count()).
func (t *BTree) Count() (int, error) {
	n := 0
	err := t.Range(nil, false, nil, false, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Checkpoint flushes this tree's pager and commits a new stable root.
func (t *BTree) Checkpoint() error {
	return t.pg.Checkpoint(t.pg.WorkingRoot())
}
