package blockfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"storageengine/internal/engineerr"
)

// BlockFile is a fixed-size paged file with a dual-slot checkpoint header
// and extent-based best-fit allocation. It is the lowest layer of the
// engine (C1): it knows nothing about B+trees, MVCC, or the WAL.
type BlockFile struct {
	mu sync.Mutex

	f        *os.File
	path     string
	pageSize uint32
	numBlock uint64 // total blocks in the file, including block 0

	h          *header
	activeSlot int
	alloc      *extentAllocator
	discard    []Extent
}

// Create initializes a fresh block file at path with the given page size,
// writing a header with both checkpoint slots pointing at an empty root.
func Create(path string, pageSize uint32) (*BlockFile, error) {
	if pageSize < MinPageSize {
		pageSize = DefaultPageSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockfile: create %s: %w", path, err)
	}
	h := newHeader(pageSize)
	buf, err := h.marshal()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: write header: %w: %v", engineerr.Io, err)
	}
	bf := &BlockFile{
		f: f, path: path, pageSize: pageSize, numBlock: 1,
		h: h, activeSlot: 0, alloc: newExtentAllocator(nil),
	}
	if err := bf.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return bf, nil
}

// Open opens an existing block file, validating the header and selecting
// the checkpoint slot with the highest valid generation.
func Open(path string) (*BlockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockfile: open %s: %w", path, err)
	}
	// Peek the page size from a minimally-sized read, then re-read the
	// full header block once the real size is known.
	probe := make([]byte, headerFixedLen)
	if _, err := f.ReadAt(probe, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: read header probe: %w: %v", engineerr.Io, err)
	}
	pageSize := binary.LittleEndian.Uint32(probe[10:14])
	if pageSize < MinPageSize {
		f.Close()
		return nil, fmt.Errorf("blockfile: implausible page size %d: %w", pageSize, engineerr.HeaderCorrupt)
	}
	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: read header: %w: %v", engineerr.Io, err)
	}
	h, err := unmarshalHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockfile: stat: %w: %v", engineerr.Io, err)
	}
	bf := &BlockFile{
		f: f, path: path, pageSize: pageSize,
		numBlock: uint64(info.Size()) / uint64(pageSize),
		h:        h, activeSlot: h.activeSlot(),
		alloc:   newExtentAllocator(h.avail),
		discard: append([]Extent(nil), h.discard...),
	}
	return bf, nil
}

// Close closes the underlying file.
func (bf *BlockFile) Close() error { return bf.f.Close() }

// PageSize returns the block size in bytes.
func (bf *BlockFile) PageSize() uint32 { return bf.pageSize }

// NumBlocks returns the current block count, including the header block.
func (bf *BlockFile) NumBlocks() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.numBlock
}

// StableRoot returns the root block id recorded in the active checkpoint slot.
func (bf *BlockFile) StableRoot() BlockID {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.h.slots[bf.activeSlot].RootBlockID
}

// StableGeneration returns the generation of the active checkpoint slot.
func (bf *BlockFile) StableGeneration() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.h.slots[bf.activeSlot].Generation
}

func (bf *BlockFile) payloadSize() int { return int(bf.pageSize) - blockCRCSize }

// ReadBlock reads and CRC-verifies block id, returning its payload (the
// block minus the 4-byte CRC prefix).
func (bf *BlockFile) ReadBlock(id BlockID) ([]byte, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if uint64(id) >= bf.numBlock {
		return nil, fmt.Errorf("blockfile: read block %d: %w", id, engineerr.OutOfRange)
	}
	buf := make([]byte, bf.pageSize)
	n, err := bf.f.ReadAt(buf, int64(uint64(id)*uint64(bf.pageSize)))
	if err != nil || n != len(buf) {
		return nil, fmt.Errorf("blockfile: read block %d: %w: %v", id, engineerr.Io, err)
	}
	stored := binary.LittleEndian.Uint32(buf[0:blockCRCSize])
	payload := buf[blockCRCSize:]
	if crc32.Checksum(payload, crcTable) != stored {
		return nil, fmt.Errorf("blockfile: block %d: %w", id, engineerr.Corruption)
	}
	return payload, nil
}

// WriteBlock writes payload (exactly PageSize()-4 bytes) to block id,
// computing and storing its CRC. id must already be within the file; this
// never implicitly extends it.
func (bf *BlockFile) WriteBlock(id BlockID, payload []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.writeBlockLocked(id, payload)
}

func (bf *BlockFile) writeBlockLocked(id BlockID, payload []byte) error {
	if uint64(id) >= bf.numBlock {
		return fmt.Errorf("blockfile: write block %d: %w", id, engineerr.OutOfRange)
	}
	if len(payload) != bf.payloadSize() {
		return fmt.Errorf("blockfile: write block %d: payload size %d != %d", id, len(payload), bf.payloadSize())
	}
	buf := make([]byte, bf.pageSize)
	binary.LittleEndian.PutUint32(buf[0:blockCRCSize], crc32.Checksum(payload, crcTable))
	copy(buf[blockCRCSize:], payload)
	if _, err := bf.f.WriteAt(buf, int64(uint64(id)*uint64(bf.pageSize))); err != nil {
		return fmt.Errorf("blockfile: write block %d: %w: %v", id, engineerr.Io, err)
	}
	return nil
}

// AllocateExtent returns the first block id of a best-fit run of sizeBlocks
// blocks, extending the file if no free extent is large enough.
func (bf *BlockFile) AllocateExtent(sizeBlocks uint64) (BlockID, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if sizeBlocks == 0 {
		return 0, fmt.Errorf("blockfile: allocate zero blocks")
	}
	if off, ok := bf.alloc.alloc(sizeBlocks); ok {
		return off, nil
	}
	start := BlockID(bf.numBlock)
	newCount := bf.numBlock + sizeBlocks
	if err := bf.f.Truncate(int64(newCount * uint64(bf.pageSize))); err != nil {
		return 0, fmt.Errorf("blockfile: extend file: %w: %v", engineerr.Io, err)
	}
	bf.numBlock = newCount
	return start, nil
}

// FreeExtent returns a run of blocks to the discard list, tagged with the
// checkpoint generation active at the time of the call. The next
// CommitCheckpoint moves it to avail. The pager frees a retired page only
// after the checkpoint that retired it, so such blocks become reusable two
// checkpoints after retirement (see COW invariant 4).
func (bf *BlockFile) FreeExtent(id BlockID, sizeBlocks uint64) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.discard = append(bf.discard, Extent{Offset: id, SizeBlocks: sizeBlocks, Generation: bf.h.slots[bf.activeSlot].Generation})
}

// PreallocateAvail extends the file by n blocks and adds them directly to
// the avail set, for the preallocate_pages configuration option.
func (bf *BlockFile) PreallocateAvail(n uint64) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if n == 0 {
		return nil
	}
	start := BlockID(bf.numBlock)
	newCount := bf.numBlock + n
	if err := bf.f.Truncate(int64(newCount * uint64(bf.pageSize))); err != nil {
		return fmt.Errorf("blockfile: preallocate: %w: %v", engineerr.Io, err)
	}
	bf.numBlock = newCount
	bf.alloc.free(Extent{Offset: start, SizeBlocks: n, Generation: bf.h.slots[bf.activeSlot].Generation})
	return nil
}

// CommitCheckpoint publishes newRoot as the new stable root: it computes the
// next generation, serializes extent metadata, writes it into the inactive
// slot, syncs, flips the in-memory active slot pointer, and coalesces any
// discard entries that are now safe to reuse.
func (bf *BlockFile) CommitCheckpoint(newRoot BlockID) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	oldGen := bf.h.slots[bf.activeSlot].Generation
	newGen := oldGen + 1
	inactive := 1 - bf.activeSlot

	// Entries retired strictly before the generation we are about to make
	// stable were retired by a checkpoint that is now fully superseded
	// (its slot is the one we are about to overwrite), so they may move
	// to avail.
	var stillDiscarded []Extent
	for _, e := range bf.discard {
		if e.Generation < newGen {
			bf.alloc.free(e)
		} else {
			stillDiscarded = append(stillDiscarded, e)
		}
	}
	bf.discard = stillDiscarded

	bf.h.avail = bf.alloc.snapshot()
	bf.h.discard = bf.discard
	bf.h.alloc = nil // alloc list is derivable from the live tree; not tracked separately
	bf.h.slots[inactive] = CheckpointSlot{RootBlockID: newRoot, Generation: newGen}

	buf, err := bf.h.marshal()
	if err != nil {
		return err
	}
	if _, err := bf.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("blockfile: write checkpoint header: %w: %v", engineerr.Io, err)
	}
	if err := bf.f.Sync(); err != nil {
		return fmt.Errorf("blockfile: sync checkpoint header: %w: %v", engineerr.Io, err)
	}
	bf.activeSlot = inactive
	return nil
}

// Sync fsyncs the underlying file.
func (bf *BlockFile) Sync() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if err := bf.f.Sync(); err != nil {
		return fmt.Errorf("blockfile: sync: %w: %v", engineerr.Io, err)
	}
	return nil
}

// Stats reports simple occupancy counters, used by tests and the CLI.
type Stats struct {
	NumBlocks     uint64
	AvailBlocks   uint64
	DiscardBlocks uint64
	StableRoot    BlockID
	Generation    uint64
}

func (bf *BlockFile) Stats() Stats {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	var avail, disc uint64
	for _, e := range bf.alloc.snapshot() {
		avail += e.SizeBlocks
	}
	for _, e := range bf.discard {
		disc += e.SizeBlocks
	}
	return Stats{
		NumBlocks:     bf.numBlock,
		AvailBlocks:   avail,
		DiscardBlocks: disc,
		StableRoot:    bf.h.slots[bf.activeSlot].RootBlockID,
		Generation:    bf.h.slots[bf.activeSlot].Generation,
	}
}
