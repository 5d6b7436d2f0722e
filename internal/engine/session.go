package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"storageengine/internal/engineerr"
	"storageengine/internal/storage/txnstate"
)

// pendingOp buffers one logical write until commit (§3 Transaction
// "pending_wal_ops"). The B+tree mutation itself is deferred until commit
// alongside the WAL append: PinPageMut COWs a stable page and repoints
// Pager.workingRoot permanently (internal/storage/pager/cache.go), and
// nothing restores workingRoot on abort, so applying the write eagerly and
// then aborting would leave the COW'd page (and any previously-committed
// value it overwrote) permanently visible through the B+tree with no chain
// entry left to shadow it. Deferring to commit means abort has nothing to
// undo: the table is simply never mutated. Readers still see a pending
// write immediately because MVCC.Prepend happens at Put/Delete time and
// txnstate.State.IsCommitted treats a reader's own transaction id as
// visible to itself regardless of commit status (§4.5).
type pendingOp struct {
	isDelete bool
	store    string
	table    *Table
	key      []byte
	value    []byte
}

// transaction is a Session's single active transaction (§3, §4.8).
type transaction struct {
	id          txnstate.TxnID
	hasSnapshot bool
	snapshot    txnstate.Snapshot
	touched     map[string]struct{}
	pending     []pendingOp
	auto        bool // opened implicitly for a single autocommit op
}

// Session owns at most one active Transaction, plus a reference to the
// connection's handle cache and WAL (§3 Ownership, §4.8). A Session is
// single-threaded internally but the mutex guards against accidental
// concurrent use from two goroutines sharing one Session.
type Session struct {
	conn *Connection
	id   uuid.UUID

	mu  sync.Mutex
	txn *transaction
}

// Begin allocates a new transaction id and registers it active. Fails if
// this session already has one in flight.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		return fmt.Errorf("engine: session already has an active transaction")
	}
	id := s.conn.txns.AllocTxnID()
	s.conn.txns.RegisterActive(id)
	s.txn = &transaction{id: id, touched: make(map[string]struct{})}
	return nil
}

// ensureTxn returns the active transaction, implicitly beginning a
// single-op autocommit one if none is active — the convenience path used
// by Cursor.Put/Get/Delete outside an explicit Begin/Commit bracket.
func (s *Session) ensureTxn() (*transaction, error) {
	if s.txn != nil {
		return s.txn, nil
	}
	id := s.conn.txns.AllocTxnID()
	s.conn.txns.RegisterActive(id)
	s.txn = &transaction{id: id, touched: make(map[string]struct{}), auto: true}
	return s.txn, nil
}

func (txn *transaction) ensureSnapshot(state *txnstate.State) txnstate.Snapshot {
	if !txn.hasSnapshot {
		txn.snapshot = state.TakeSnapshot(txn.id)
		txn.hasSnapshot = true
	}
	return txn.snapshot
}

// Put resolves uri to its table, prepends an MVCC update so the writer's
// own later reads (and any reader sharing its txn id) see the new value
// immediately, and buffers the logical write for the B+tree and the WAL —
// both applied together at commit (§4.8 Session.put, with the B+tree
// application deferred per the pendingOp doc comment above).
func (s *Session) Put(uri string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, _, err := uriToStoreAndPath(s.conn.dir, uri)
	if err != nil {
		return err
	}
	t, err := s.conn.OpenTableByURI(uri)
	if err != nil {
		return err
	}
	txn, err := s.ensureTxn()
	if err != nil {
		return err
	}

	t.chains.Prepend(key, txn.id, uint64(txn.id), value, false)
	txn.touched[store] = struct{}{}
	txn.pending = append(txn.pending, pendingOp{store: store, table: t, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})

	if txn.auto {
		return s.commitLocked()
	}
	return nil
}

// Delete is Put's tombstone counterpart.
func (s *Session) Delete(uri string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, _, err := uriToStoreAndPath(s.conn.dir, uri)
	if err != nil {
		return err
	}
	t, err := s.conn.OpenTableByURI(uri)
	if err != nil {
		return err
	}
	txn, err := s.ensureTxn()
	if err != nil {
		return err
	}

	t.chains.Prepend(key, txn.id, uint64(txn.id), nil, true)
	txn.touched[store] = struct{}{}
	txn.pending = append(txn.pending, pendingOp{isDelete: true, store: store, table: t, key: append([]byte(nil), key...)})

	if txn.auto {
		return s.commitLocked()
	}
	return nil
}

// Get consults the MVCC chain under the session's snapshot, falling
// through to the on-disk value, and finally to absent (§4.8 Session.get).
func (s *Session) Get(uri string, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.conn.OpenTableByURI(uri)
	if err != nil {
		return nil, false, err
	}

	var snap txnstate.Snapshot
	if s.txn != nil {
		snap = s.txn.ensureSnapshot(s.conn.txns)
	} else {
		snap = s.conn.txns.TakeSnapshot(0)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, tomb, ok := t.chains.Visible(key, s.conn.txns, snap); ok {
		if tomb {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, found, err := t.bt.Get(key)
	if err != nil {
		return nil, false, err
	}
	return v, found, nil
}

func (s *Session) currentSnapshot() txnstate.Snapshot {
	if s.txn != nil {
		return s.txn.ensureSnapshot(s.conn.txns)
	}
	return s.conn.txns.TakeSnapshot(0)
}

// Commit flushes pending WAL ops, appends the commit marker, syncs per
// policy, flips global visibility, and then applies the buffered logical
// writes to each touched table's B+tree (§4.8 Session.commit).
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Session) commitLocked() error {
	txn := s.txn
	if txn == nil {
		return nil
	}
	if len(txn.pending) == 0 {
		s.conn.txns.UnregisterActive(txn.id)
		s.txn = nil
		return nil
	}

	if s.conn.w != nil {
		for _, op := range txn.pending {
			var err error
			if op.isDelete {
				_, err = s.conn.w.AppendDelete(op.store, op.key, uint64(txn.id))
			} else {
				_, err = s.conn.w.Append(op.store, op.key, op.value, uint64(txn.id))
			}
			if err != nil {
				return err
			}
		}
		if _, err := s.conn.w.AppendCommit(uint64(txn.id), uint64(txn.id)); err != nil {
			return err
		}
		if err := s.conn.w.SyncIfDue(time.Now()); err != nil {
			return err
		}
	}

	s.conn.txns.MarkCommitted(txn.id)

	// Apply the buffered logical writes to each touched table's B+tree now
	// that the transaction is durably committed and globally visible via
	// the MVCC chain. A failure here is an I/O-level problem (e.g.
	// CachePressure) after the point of no return: the WAL already carries
	// the committed record, so a crash or retry recovers it on the next
	// open (§4.9) even though this session doesn't retry it inline.
	var applyErr error
	for _, op := range txn.pending {
		waitStart := time.Now()
		op.table.mu.Lock()
		s.conn.recordWait("table_write_lock", time.Since(waitStart))
		var err error
		if op.isDelete {
			_, err = op.table.bt.Delete(op.key)
		} else {
			err = op.table.bt.Put(op.key, op.value)
		}
		op.table.mu.Unlock()
		if err != nil && applyErr == nil {
			applyErr = err
		}
	}

	ops := len(txn.pending)
	s.txn = nil
	s.conn.log.Debug().Uint64("txn_id", uint64(txn.id)).Int("ops", ops).Msg("commit")

	if applyErr != nil {
		s.conn.log.Error().Err(applyErr).Uint64("txn_id", uint64(txn.id)).
			Msg("commit: deferred btree apply failed; durable in WAL, will replay on next recovery")
		return applyErr
	}

	return s.conn.maybeScheduledCheckpoint()
}

// Abort discards buffered WAL ops and B+tree ops (neither was ever applied
// — see the pendingOp doc comment above), walks touched tables' MVCC
// chains to drop this txn's updates, appends a best-effort TxnAbort
// marker, and marks the txn aborted (§4.8 Session.abort). Because the
// B+tree mutation itself is deferred to Commit, there is nothing to undo
// there: a table a txn only wrote to and then aborted is left byte-
// identical to its state at Begin.
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.txn
	if txn == nil {
		return nil
	}

	for store := range txn.touched {
		t, ok := s.conn.lookupHandle(store)
		if ok {
			t.chains.MarkAborted(txn.id)
		}
	}

	if s.conn.w != nil {
		if _, err := s.conn.w.AppendAbort(uint64(txn.id)); err != nil {
			return err
		}
	}
	s.conn.txns.MarkAborted(txn.id)
	s.txn = nil
	return nil
}

// Checkpoint performs a global checkpoint; fails with ActiveTxnInFlight if
// this session (the only one allowed to drive it) has a transaction open
// (§4.8 Session.checkpoint, §7).
func (s *Session) Checkpoint() error {
	s.mu.Lock()
	active := s.txn != nil
	s.mu.Unlock()
	if active {
		return fmt.Errorf("engine: checkpoint: %w", engineerr.ActiveTxnInFlight)
	}
	return s.conn.Checkpoint()
}

// OpenCursor opens a Cursor over uri (§6: "table:<name>" or
// "index:<name>:<field>").
func (s *Session) OpenCursor(uri string) (*Cursor, error) {
	t, err := s.conn.OpenTableByURI(uri)
	if err != nil {
		return nil, err
	}
	store, _, err := uriToStoreAndPath(s.conn.dir, uri)
	if err != nil {
		return nil, err
	}
	return &Cursor{sess: s, store: store, table: t}, nil
}

// lookupHandle returns an already-open table handle without creating one,
// for Abort's chain-rollback path (a table a transaction wrote to is
// always already open).
func (c *Connection) lookupHandle(store string) (*Table, bool) {
	c.handleMu.RLock()
	defer c.handleMu.RUnlock()
	t, ok := c.handles[store]
	return t, ok
}
