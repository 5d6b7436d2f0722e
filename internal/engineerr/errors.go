// Package engineerr defines the sentinel error kinds surfaced across the
// storage engine so callers can use errors.Is/errors.As regardless of which
// layer (block file, pager, btree, WAL, session) produced the failure.
package engineerr

import "errors"

var (
	// Corruption marks a page or WAL CRC mismatch. Fatal for the operation.
	Corruption = errors.New("engine: corruption detected")

	// HeaderCorrupt marks a block file whose checkpoint slots are both invalid.
	HeaderCorrupt = errors.New("engine: header corrupt, no valid checkpoint slot")

	// Io marks a short read/write or other underlying I/O failure.
	Io = errors.New("engine: io failure")

	// CachePressure marks a page cache that cannot admit a new page because
	// every entry is pinned at capacity.
	CachePressure = errors.New("engine: cache pressure, all pages pinned")

	// PageFull marks a leaf/internal insertion that does not fit even after
	// compaction. Callers above the slotted page layer never see this; the
	// btree handles it by splitting.
	PageFull = errors.New("engine: page full")

	// DuplicateKey marks a put_unique call against an existing key.
	DuplicateKey = errors.New("engine: duplicate key")

	// ActiveTxnInFlight marks a checkpoint attempted while a transaction is open.
	ActiveTxnInFlight = errors.New("engine: active transaction in flight")

	// NotFound marks a cursor get against an absent key.
	NotFound = errors.New("engine: not found")

	// WalVersionMismatch marks an incompatible WAL header version.
	WalVersionMismatch = errors.New("engine: wal version mismatch")

	// OutOfRange marks a block id addressed beyond the file's block count.
	OutOfRange = errors.New("engine: block id out of range")
)
