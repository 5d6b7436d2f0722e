// Package mvcc implements the per-table, per-key in-memory version chains
// (C5). It is grounded on the teacher's MVCCManager/RowVersion design in
// internal/storage/mvcc.go (version chains, visibility walk, GC watermark)
// but reshaped around this spec's rules: the chain itself never stores a
// commit timestamp or mutates on commit (§9 "transaction visibility
// derivation" — too expensive under load); committed/aborted status is
// derived from a txnstate.State snapshot on every read, and only the abort
// path walks chains at all.
package mvcc

import (
	"hash/fnv"
	"sync"

	"storageengine/internal/storage/txnstate"
)

// numShards stripes chain locks across 256 shards keyed by hash(key)%256
// to reduce contention among concurrent writers touching disjoint keys
// (§4.5 "Chain lock granularity").
const numShards = 256

// Update is one version in a key's chain; newest is the head.
type Update struct {
	TxnID     txnstate.TxnID
	StartTS   uint64
	Tombstone bool
	Value     []byte
	Next      *Update
}

// Chains owns every version chain for one table (Table.Count() worth of
// keys at most). It is in-memory only — never persisted, per §3 Ownership.
type Chains struct {
	shards [numShards]shard
}

type shard struct {
	mu     sync.RWMutex
	chains map[string]*Update // raw byte key -> chain head
}

// New allocates an empty set of chains for one table.
func New() *Chains {
	c := &Chains{}
	for i := range c.shards {
		c.shards[i].chains = make(map[string]*Update)
	}
	return c
}

func shardIndex(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % numShards)
}

// Prepend pushes a new head update onto key's chain.
func (c *Chains) Prepend(key []byte, txnID txnstate.TxnID, startTS uint64, value []byte, tombstone bool) {
	sh := &c.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	head := sh.chains[string(key)]
	sh.chains[string(key)] = &Update{
		TxnID: txnID, StartTS: startTS, Tombstone: tombstone, Value: value, Next: head,
	}
}

// Visible walks key's chain newest-first, returning the first version
// visible to the reader under snap (§4.5 visibility rule). ok is false if
// no in-memory update applies and the reader should fall through to the
// on-disk value. If the visible update is a tombstone, value is nil and
// tombstone is true (the caller must treat the key as absent, not as "no
// in-memory opinion").
func (c *Chains) Visible(key []byte, state *txnstate.State, snap txnstate.Snapshot) (value []byte, tombstone bool, ok bool) {
	sh := &c.shards[shardIndex(key)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for u := sh.chains[string(key)]; u != nil; u = u.Next {
		if state.IsCommitted(u.TxnID, snap) {
			return u.Value, u.Tombstone, true
		}
	}
	return nil, false, false
}

// MarkAborted walks every chain in the table and drops updates written by
// txnID, since an aborted write must never be observed even by a reader
// whose snapshot predates the abort being recorded (this is the one path
// that does touch chains directly, per §4.5/§9).
func (c *Chains) MarkAborted(txnID txnstate.TxnID) {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for key, head := range sh.chains {
			newHead := dropTxn(head, txnID)
			if newHead == nil {
				delete(sh.chains, key)
			} else {
				sh.chains[key] = newHead
			}
		}
		sh.mu.Unlock()
	}
}

func dropTxn(u *Update, txnID txnstate.TxnID) *Update {
	if u == nil {
		return nil
	}
	rest := dropTxn(u.Next, txnID)
	if u.TxnID == txnID {
		return rest
	}
	if rest == u.Next {
		return u
	}
	cp := *u
	cp.Next = rest
	return &cp
}

// GC truncates each chain so only versions needed by a reader as old as
// oldestActive remain: once a committed update older than oldestActive is
// found, nothing further down the chain can be visible to any current or
// future reader, so the tail is dropped.
func (c *Chains) GC(state *txnstate.State, oldestActive txnstate.TxnID) (pruned int) {
	cutoffSnap := txnstate.Snapshot{SnapMax: oldestActive, SnapMin: oldestActive}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for key, head := range sh.chains {
			kept, droppedCount := gcChain(head, state, cutoffSnap)
			if kept == nil {
				delete(sh.chains, key)
			} else {
				sh.chains[key] = kept
			}
			pruned += droppedCount
		}
		sh.mu.Unlock()
	}
	return pruned
}

func gcChain(head *Update, state *txnstate.State, cutoff txnstate.Snapshot) (*Update, int) {
	if head == nil {
		return nil, 0
	}
	if state.IsCommitted(head.TxnID, cutoff) {
		// Every update reachable from here is either this one (kept, it is
		// the newest version old enough to be the fallback for any reader
		// at or before oldestActive) or older still (safe to drop).
		n := 0
		for u := head.Next; u != nil; u = u.Next {
			n++
		}
		kept := *head
		kept.Next = nil
		return &kept, n
	}
	rest, n := gcChain(head.Next, state, cutoff)
	cp := *head
	cp.Next = rest
	return &cp, n
}
