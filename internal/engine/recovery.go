package engine

import (
	"storageengine/internal/storage/wal"
)

// recover performs the two-pass, single-pass-per-pass WAL scan at
// connection open (§4.9). It returns the highest transaction id observed
// in the log (committed, aborted, or merely referenced by a Put/Delete),
// so the caller can seed GlobalTxnState's allocator past it. Replay never
// itself appends to the WAL, and is idempotent: running it twice over the
// same log converges on the same table state because BTree.Put/Delete
// are themselves idempotent upserts (§8, invariant 8).
func (c *Connection) recover() (uint64, error) {
	if c.w == nil {
		return 0, nil
	}

	committed := make(map[uint64]struct{})
	aborted := make(map[uint64]struct{})
	var maxTxnID uint64
	var sawAnyRecord bool

	// Pass 1: transaction table. Transactions not terminated by
	// end-of-log are implicitly aborted (never added to committed).
	startLsn := c.w.CheckpointLsn()
	if err := c.w.Scan(startLsn, func(r wal.Record) error {
		sawAnyRecord = true
		if r.TxnID > maxTxnID {
			maxTxnID = r.TxnID
		}
		switch r.Type {
		case wal.RecTxnCommit:
			committed[r.TxnID] = struct{}{}
		case wal.RecTxnAbort:
			aborted[r.TxnID] = struct{}{}
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if !sawAnyRecord {
		return 0, nil
	}

	// Pass 2: logical replay. Opens tables directly (no Session involved,
	// so nothing re-appends to the WAL — "WAL temporarily detached").
	touchedTables := make(map[string]*Table)
	if err := c.w.Scan(startLsn, func(r wal.Record) error {
		if r.Type != wal.RecPut && r.Type != wal.RecDelete {
			return nil
		}
		if r.TxnID != 0 {
			if _, ok := committed[r.TxnID]; !ok {
				return nil // uncommitted or aborted: skip
			}
		}
		t, err := c.OpenTableByURI(r.Store)
		if err != nil {
			return err
		}
		touchedTables[r.Store] = t
		switch r.Type {
		case wal.RecPut:
			return t.bt.Put(r.Key, r.Value)
		case wal.RecDelete:
			_, err := t.bt.Delete(r.Key)
			return err
		}
		return nil
	}); err != nil {
		return 0, err
	}

	// Make the replayed state durable, then truncate the log: recovery
	// itself counts as the checkpoint that retires the replayed records.
	for _, t := range touchedTables {
		if err := t.Checkpoint(); err != nil {
			return 0, err
		}
	}
	if len(touchedTables) > 0 || sawAnyRecord {
		lsn, err := c.w.AppendCheckpoint()
		if err != nil {
			return 0, err
		}
		if err := c.w.Sync(); err != nil {
			return 0, err
		}
		if err := c.w.RecordCheckpoint(lsn); err != nil {
			return 0, err
		}
		if err := c.w.TruncateToHeader(); err != nil {
			return 0, err
		}
	}

	c.log.Info().
		Int("committed", len(committed)).
		Int("aborted", len(aborted)).
		Uint64("max_txn_id", maxTxnID).
		Msg("recovery complete")

	return maxTxnID, nil
}
