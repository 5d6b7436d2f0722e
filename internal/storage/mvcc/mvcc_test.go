package mvcc

import (
	"testing"

	"storageengine/internal/storage/txnstate"
)

func TestVisibleFallsThroughWhenNoUpdate(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	snap := state.TakeSnapshot(0)
	_, _, ok := c.Visible([]byte("k"), state, snap)
	if ok {
		t.Fatalf("expected no in-memory opinion on an untouched key")
	}
}

func TestVisibleSeesOwnUncommittedWrite(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	writer := state.AllocTxnID()
	state.RegisterActive(writer)

	c.Prepend([]byte("k"), writer, uint64(writer), []byte("v1"), false)

	snap := state.TakeSnapshot(writer)
	v, tomb, ok := c.Visible([]byte("k"), state, snap)
	if !ok || tomb || string(v) != "v1" {
		t.Fatalf("writer should see its own write: v=%q tomb=%v ok=%v", v, tomb, ok)
	}
}

func TestVisibleHidesOtherTxnsUncommittedWrite(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	writer := state.AllocTxnID()
	state.RegisterActive(writer)
	reader := state.AllocTxnID()
	state.RegisterActive(reader)

	c.Prepend([]byte("k"), writer, uint64(writer), []byte("v1"), false)

	snap := state.TakeSnapshot(reader)
	_, _, ok := c.Visible([]byte("k"), state, snap)
	if ok {
		t.Fatalf("reader must not see another in-flight txn's uncommitted write")
	}
}

func TestVisibleSeesCommittedWriteAfterCommit(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	writer := state.AllocTxnID()
	state.RegisterActive(writer)
	c.Prepend([]byte("k"), writer, uint64(writer), []byte("v1"), false)
	state.MarkCommitted(writer)

	snap := state.TakeSnapshot(0)
	v, tomb, ok := c.Visible([]byte("k"), state, snap)
	if !ok || tomb || string(v) != "v1" {
		t.Fatalf("expected committed write visible: v=%q tomb=%v ok=%v", v, tomb, ok)
	}
}

func TestVisibleReturnsTombstoneForDelete(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	writer := state.AllocTxnID()
	state.RegisterActive(writer)
	c.Prepend([]byte("k"), writer, uint64(writer), []byte("v1"), false)
	state.MarkCommitted(writer)

	deleter := state.AllocTxnID()
	state.RegisterActive(deleter)
	c.Prepend([]byte("k"), deleter, uint64(deleter), nil, true)
	state.MarkCommitted(deleter)

	snap := state.TakeSnapshot(0)
	v, tomb, ok := c.Visible([]byte("k"), state, snap)
	if !ok || !tomb || v != nil {
		t.Fatalf("expected visible tombstone: v=%q tomb=%v ok=%v", v, tomb, ok)
	}
}

func TestMarkAbortedDropsOnlyThatTxnsUpdates(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	a := state.AllocTxnID()
	state.RegisterActive(a)
	c.Prepend([]byte("k"), a, uint64(a), []byte("va"), false)
	state.MarkCommitted(a)

	b := state.AllocTxnID()
	state.RegisterActive(b)
	c.Prepend([]byte("k"), b, uint64(b), []byte("vb"), false)

	c.MarkAborted(b)
	state.MarkAborted(b)

	snap := state.TakeSnapshot(0)
	v, tomb, ok := c.Visible([]byte("k"), state, snap)
	if !ok || tomb || string(v) != "va" {
		t.Fatalf("expected fallback to a's committed write after b aborted: v=%q tomb=%v ok=%v", v, tomb, ok)
	}
}

func TestMarkAbortedRemovesSoleChainEntry(t *testing.T) {
	c := New()
	state := txnstate.New(1)
	a := state.AllocTxnID()
	state.RegisterActive(a)
	c.Prepend([]byte("k"), a, uint64(a), []byte("va"), false)

	c.MarkAborted(a)

	sh := &c.shards[shardIndex([]byte("k"))]
	sh.mu.RLock()
	_, present := sh.chains["k"]
	sh.mu.RUnlock()
	if present {
		t.Fatalf("expected chain entry removed once its only version aborts")
	}
}

func TestGCPrunesVersionsOlderThanOldestActive(t *testing.T) {
	c := New()
	state := txnstate.New(1)

	a := state.AllocTxnID()
	state.RegisterActive(a)
	c.Prepend([]byte("k"), a, uint64(a), []byte("v1"), false)
	state.MarkCommitted(a)

	b := state.AllocTxnID()
	state.RegisterActive(b)
	c.Prepend([]byte("k"), b, uint64(b), []byte("v2"), false)
	state.MarkCommitted(b)

	oldest := state.AdvanceOldest()
	pruned := c.GC(state, oldest)
	if pruned == 0 {
		t.Fatalf("expected GC to prune at least one superseded version")
	}

	snap := state.TakeSnapshot(0)
	v, _, ok := c.Visible([]byte("k"), state, snap)
	if !ok || string(v) != "v2" {
		t.Fatalf("expected newest committed version still visible after GC: v=%q ok=%v", v, ok)
	}
}
