package txnstate

import "testing"

func TestAllocTxnIDMonotonic(t *testing.T) {
	s := New(1)
	a := s.AllocTxnID()
	b := s.AllocTxnID()
	if b != a+1 {
		t.Fatalf("expected monotonic ids, got %d then %d", a, b)
	}
}

func TestSnapshotExcludesSelfFromActive(t *testing.T) {
	s := New(1)
	other := s.AllocTxnID()
	s.RegisterActive(other)

	self := s.AllocTxnID()
	s.RegisterActive(self)

	snap := s.TakeSnapshot(self)
	if snap.SelfID != self {
		t.Fatalf("expected SelfID %d, got %d", self, snap.SelfID)
	}
	if _, ok := snap.Active[other]; !ok {
		t.Fatalf("expected %d in active set", other)
	}
	if snap.SnapMax <= other {
		t.Fatalf("expected snap_max > other txn id")
	}
}

func TestIsCommittedVisibility(t *testing.T) {
	s := New(1)
	writer := s.AllocTxnID()
	s.RegisterActive(writer)

	snapBeforeCommit := s.TakeSnapshot(0)
	if s.IsCommitted(writer, snapBeforeCommit) {
		t.Fatalf("writer should not be visible before commit")
	}

	s.MarkCommitted(writer)
	if !s.IsCommittedGlobally(writer) {
		t.Fatalf("expected writer committed globally")
	}

	snapAfterCommit := s.TakeSnapshot(0)
	if !s.IsCommitted(writer, snapAfterCommit) {
		t.Fatalf("writer should be visible to a snapshot taken after commit")
	}
}

func TestIsCommittedHidesTxnStartedAfterSnapshot(t *testing.T) {
	s := New(1)
	snap := s.TakeSnapshot(0)

	later := s.AllocTxnID()
	s.RegisterActive(later)
	s.MarkCommitted(later)

	if s.IsCommitted(later, snap) {
		t.Fatalf("txn allocated after the snapshot was taken must not be visible")
	}
}

func TestMarkAbortedRemovesFromActive(t *testing.T) {
	s := New(1)
	id := s.AllocTxnID()
	s.RegisterActive(id)
	if s.ActiveCount() != 1 {
		t.Fatalf("expected 1 active txn")
	}
	s.MarkAborted(id)
	if s.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after abort")
	}
	if !s.IsAborted(id) {
		t.Fatalf("expected txn marked aborted")
	}
}

func TestAdvanceOldestWithNoActiveReturnsNextID(t *testing.T) {
	s := New(5)
	if got := s.AdvanceOldest(); got != 5 {
		t.Fatalf("expected oldest == next unallocated id 5 with no active txns, got %d", got)
	}
}

func TestAdvanceOldestTracksMinActive(t *testing.T) {
	s := New(1)
	a := s.AllocTxnID()
	s.RegisterActive(a)
	b := s.AllocTxnID()
	s.RegisterActive(b)

	if got := s.AdvanceOldest(); got != a {
		t.Fatalf("expected oldest active %d, got %d", a, got)
	}
	s.MarkCommitted(a)
	if got := s.AdvanceOldest(); got != b {
		t.Fatalf("expected oldest active %d after %d committed, got %d", b, a, got)
	}
}
