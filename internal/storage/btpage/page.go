// Package btpage implements the slotted page format shared by B+ tree leaf
// and internal pages: a forward-growing, key-sorted slot directory over
// back-growing record bytes.
package btpage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"storageengine/internal/engineerr"
	"storageengine/internal/storage/blockfile"
)

// Kind tags the first byte of every page so the decoder can dispatch
// without subclassing.
type Kind uint8

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

const (
	// commonHeaderSize covers page_type, flags, slot_count, lower, upper.
	commonHeaderSize = 1 + 1 + 2 + 2 + 2
	slotEntrySize    = 4 // offset(u16) + length(u16)

	// MaxRecordSize is the largest inline key+value payload: offsets and
	// lengths are 16-bit (§4.3 Limits).
	MaxRecordSize = 65535
)

type slotEntry struct {
	Offset uint16
	Length uint16
}

// common is embedded by LeafPage and InternalPage and implements the slot
// directory mechanics that are identical between the two formats. headerSize
// is the byte offset where the slot directory begins (after any
// format-specific fixed header fields).
type common struct {
	buf        []byte
	headerSize int
}

func (c *common) kind() Kind     { return Kind(c.buf[0]) }
func (c *common) flags() uint8   { return c.buf[1] }
func (c *common) setFlags(f uint8) { c.buf[1] = f }

func (c *common) slotCount() int { return int(binary.LittleEndian.Uint16(c.buf[2:4])) }
func (c *common) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(c.buf[2:4], uint16(n))
}

func (c *common) lower() int { return int(binary.LittleEndian.Uint16(c.buf[4:6])) }
func (c *common) setLower(v int) {
	binary.LittleEndian.PutUint16(c.buf[4:6], uint16(v))
}

func (c *common) upper() int { return int(binary.LittleEndian.Uint16(c.buf[6:8])) }
func (c *common) setUpper(v int) {
	binary.LittleEndian.PutUint16(c.buf[6:8], uint16(v))
}

func (c *common) initHeader(k Kind) {
	c.buf[0] = byte(k)
	c.buf[1] = 0
	c.setSlotCount(0)
	c.setLower(c.headerSize)
	c.setUpper(len(c.buf))
}

func (c *common) freeSpace() int {
	return c.upper() - c.lower() - slotEntrySize
}

func (c *common) slotOff(i int) int { return c.headerSize + i*slotEntrySize }

func (c *common) getSlot(i int) slotEntry {
	off := c.slotOff(i)
	return slotEntry{
		Offset: binary.LittleEndian.Uint16(c.buf[off : off+2]),
		Length: binary.LittleEndian.Uint16(c.buf[off+2 : off+4]),
	}
}

func (c *common) setSlot(i int, e slotEntry) {
	off := c.slotOff(i)
	binary.LittleEndian.PutUint16(c.buf[off:off+2], e.Offset)
	binary.LittleEndian.PutUint16(c.buf[off+2:off+4], e.Length)
}

func (c *common) record(e slotEntry) []byte {
	return c.buf[e.Offset : int(e.Offset)+int(e.Length)]
}

// insertSlot shifts the directory to make room for a new slot at index i and
// writes the record bytes at the top of the free region. Caller must have
// already verified there is enough free space.
func (c *common) insertSlot(i int, data []byte) {
	newTop := c.upper() - len(data)
	copy(c.buf[newTop:], data)
	c.setUpper(newTop)

	sc := c.slotCount()
	// Shift slots [i, sc) forward by one to open a gap at i.
	for j := sc; j > i; j-- {
		c.setSlot(j, c.getSlot(j-1))
	}
	c.setSlot(i, slotEntry{Offset: uint16(newTop), Length: uint16(len(data))})
	c.setSlotCount(sc + 1)
	c.setLower(c.headerSize + (sc+1)*slotEntrySize)
}

// updateSlotRecord replaces the record bytes for an existing slot. If the
// new record is no larger than the old one it is written in place;
// otherwise the new bytes are appended at the top of the free region
// (leaving the old bytes as reclaimable garbage) and the slot is repointed.
func (c *common) updateSlotRecord(i int, data []byte) bool {
	old := c.getSlot(i)
	if len(data) <= int(old.Length) {
		copy(c.buf[old.Offset:], data)
		c.setSlot(i, slotEntry{Offset: old.Offset, Length: uint16(len(data))})
		return true
	}
	if c.freeSpace()+slotEntrySize < len(data) {
		return false
	}
	newTop := c.upper() - len(data)
	copy(c.buf[newTop:], data)
	c.setUpper(newTop)
	c.setSlot(i, slotEntry{Offset: uint16(newTop), Length: uint16(len(data))})
	return true
}

// removeSlot deletes slot i, shifting the remaining directory back. The
// record bytes themselves are left as garbage until compact.
func (c *common) removeSlot(i int) {
	sc := c.slotCount()
	for j := i; j < sc-1; j++ {
		c.setSlot(j, c.getSlot(j+1))
	}
	c.setSlotCount(sc - 1)
	c.setLower(c.headerSize + (sc-1)*slotEntrySize)
}

// findKey binary-searches the slot directory (sorted ascending by key) for
// key, returning the index of an exact match (found=true) or the insertion
// point (found=false).
func (c *common) findKey(key func(i int) []byte, k []byte) (idx int, found bool) {
	sc := c.slotCount()
	i := sort.Search(sc, func(i int) bool { return bytes.Compare(key(i), k) >= 0 })
	if i < sc && bytes.Equal(key(i), k) {
		return i, true
	}
	return i, false
}

func checkRecordSize(n int) error {
	if n > MaxRecordSize {
		return fmt.Errorf("btpage: record of %d bytes exceeds %d-byte limit: %w", n, MaxRecordSize, engineerr.PageFull)
	}
	return nil
}

// KindOf returns the page kind tag stored at buf[0], for dispatch without
// knowing in advance whether buf holds a leaf or internal page.
func KindOf(buf []byte) Kind { return Kind(buf[0]) }

// BlockID is re-exported for convenience so callers of this package don't
// need a separate import just to name child pointers.
type BlockID = blockfile.BlockID
