// Package engine implements the session/transaction coordinator (C8) and
// two-pass WAL recovery (C9) that sit on top of the lower engine
// layers (blockfile, pager, btpage, btree, mvcc, wal, txnstate). It is
// grounded on the teacher's top-level DB/Table orchestration in
// internal/storage/db.go and catalog.go (handle/table registry,
// open/close/list) and its AdvancedWAL/MVCCManager wiring
// (db.AttachAdvancedWAL / db.MVCC()), reshaped around this spec's
// per-store logical WAL and cross-table atomic commit (§4.8).
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"storageengine/internal/storage/blockfile"
	"storageengine/internal/storage/btree"
	"storageengine/internal/storage/mvcc"
	"storageengine/internal/storage/pager"
)

// Table owns one BTree (which owns its own Pager/BlockFile) plus the
// in-memory MVCC chains layered over it (§3 Ownership).
type Table struct {
	name string
	path string

	mu sync.RWMutex // per-handle read/write lock (§5): shared for reads, exclusive around mutation

	bf     *blockfile.BlockFile
	bt     *btree.BTree
	chains *mvcc.Chains
}

// openOrCreateTable opens path as a BlockFile+BTree, creating it with a
// fresh empty tree if it does not yet exist, and preallocating
// preallocatePages blocks into avail per the preallocate_pages option.
func openOrCreateTable(name, path string, pageSize uint32, preallocatePages uint32, pcfg pager.Config) (*Table, error) {
	var bf *blockfile.BlockFile
	var bt *btree.BTree

	if _, err := os.Stat(path); err == nil {
		var oerr error
		bf, oerr = blockfile.Open(path)
		if oerr != nil {
			return nil, oerr
		}
		bt = btree.Open(bf, pcfg)
	} else if os.IsNotExist(err) {
		if derr := os.MkdirAll(filepath.Dir(path), 0o755); derr != nil {
			return nil, fmt.Errorf("engine: mkdir %s: %w", filepath.Dir(path), derr)
		}
		var cerr error
		bf, cerr = blockfile.Create(path, pageSize)
		if cerr != nil {
			return nil, cerr
		}
		if preallocatePages > 0 {
			if perr := bf.PreallocateAvail(uint64(preallocatePages)); perr != nil {
				return nil, perr
			}
		}
		var berr error
		bt, berr = btree.Create(bf, pcfg)
		if berr != nil {
			return nil, berr
		}
	} else {
		return nil, fmt.Errorf("engine: stat %s: %w", path, err)
	}

	return &Table{name: name, path: path, bf: bf, bt: bt, chains: mvcc.New()}, nil
}

// Close flushes and closes the table's underlying block file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.bt.Pager().FlushCache(); err != nil {
		return err
	}
	return t.bf.Close()
}

// Checkpoint flushes dirty pages and publishes a new stable root.
func (t *Table) Checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bt.Checkpoint()
}

// Stats reports combined block-file and pager occupancy, used by the
// stats CLI subcommand.
type Stats struct {
	Blocks blockfile.Stats
	Cache  pager.Stats
	Count  int
}

func (t *Table) Stats() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.bt.Count()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Blocks: t.bf.Stats(), Cache: t.bt.Pager().Stats(), Count: n}, nil
}
