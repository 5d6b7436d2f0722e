package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndScanRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.wal")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := w.Append("table:t1", []byte("k1"), []byte("v1"), 7); err != nil {
		t.Fatalf("append put: %v", err)
	}
	if _, err := w.AppendDelete("table:t1", []byte("k2"), 7); err != nil {
		t.Fatalf("append delete: %v", err)
	}
	if _, err := w.AppendCommit(7, 7); err != nil {
		t.Fatalf("append commit: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var got []Record
	if err := w.Scan(0, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Type != RecPut || string(got[0].Key) != "k1" || string(got[0].Value) != "v1" || got[0].TxnID != 7 {
		t.Fatalf("unexpected put record: %+v", got[0])
	}
	if got[1].Type != RecDelete || string(got[1].Key) != "k2" || got[1].TxnID != 7 {
		t.Fatalf("unexpected delete record: %+v", got[1])
	}
	if got[2].Type != RecTxnCommit || got[2].TxnID != 7 {
		t.Fatalf("unexpected commit record: %+v", got[2])
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestAppendAbortPreservesTxnID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.wal")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.AppendAbort(42); err != nil {
		t.Fatalf("append abort: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var got *Record
	if err := w.Scan(0, func(r Record) error {
		got = &r
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got == nil {
		t.Fatalf("expected one record")
	}
	if got.Type != RecTxnAbort || got.TxnID != 42 {
		t.Fatalf("expected abort record with txn id 42, got %+v", got)
	}
}

func TestRecordCheckpointPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.wal")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	lsn, err := w.AppendCheckpoint()
	if err != nil {
		t.Fatalf("append checkpoint: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.RecordCheckpoint(lsn); err != nil {
		t.Fatalf("record checkpoint: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if w2.CheckpointLsn() != lsn {
		t.Fatalf("expected checkpoint lsn %d to survive reopen, got %d", lsn, w2.CheckpointLsn())
	}
}

func TestScanToleratesTruncatedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.wal")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Append("table:t1", []byte("k1"), []byte("v1"), 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append("table:t1", []byte("k2"), []byte("v2"), 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	w2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen truncated: %v", err)
	}
	defer w2.Close()

	var got []Record
	if err := w2.Scan(0, func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("scan of truncated log must not error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the one intact record to survive, got %d", len(got))
	}
	if string(got[0].Key) != "k1" {
		t.Fatalf("expected the first record to be the surviving one, got %q", got[0].Key)
	}
}

func TestTruncateToHeaderResetsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.wal")
	w, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append("table:t1", []byte("k1"), []byte("v1"), 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.TruncateToHeader(); err != nil {
		t.Fatalf("truncate to header: %v", err)
	}

	var n int
	if err := w.Scan(0, func(r Record) error { n++; return nil }); err != nil {
		t.Fatalf("scan after truncate: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty log after truncate, got %d records", n)
	}
}
