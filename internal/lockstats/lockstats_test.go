package lockstats

import (
	"path/filepath"
	"testing"
)

func TestRecordWaitAccumulatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstats.db")
	sc, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := sc.RecordWait("table_write_lock", 100); err != nil {
		t.Fatalf("record wait: %v", err)
	}
	if err := sc.RecordWait("table_write_lock", 50); err != nil {
		t.Fatalf("record wait: %v", err)
	}
	if err := sc.RecordWait("checkpoint", 10); err != nil {
		t.Fatalf("record wait: %v", err)
	}

	snap, err := sc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["table_write_lock"] != 150 {
		t.Fatalf("expected table_write_lock total 150, got %d", snap["table_write_lock"])
	}
	if snap["checkpoint"] != 10 {
		t.Fatalf("expected checkpoint total 10, got %d", snap["checkpoint"])
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstats.db")
	sc, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sc.RecordWait("site", 42); err != nil {
		t.Fatalf("record wait: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sc2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sc2.Close()
	snap, err := sc2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["site"] != 42 {
		t.Fatalf("expected persisted total 42, got %d", snap["site"])
	}
}

func TestRegistryExposesCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstats.db")
	sc, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sc.Close()

	if sc.Registry() == nil {
		t.Fatalf("expected a non-nil prometheus registry")
	}
	if err := sc.RecordWait("site", 1); err != nil {
		t.Fatalf("record wait: %v", err)
	}
	mfs, err := sc.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}
