package btpage

import (
	"encoding/binary"

	"storageengine/internal/engineerr"
)

// leafHeaderSize: common header + NextLeaf(u64) + PrevLeaf(u64).
const leafHeaderSize = commonHeaderSize + 8 + 8

// LeafPage wraps a page buffer holding sorted key/value records, with
// sibling pointers so range scans can walk forward without re-descending
// from the root.
type LeafPage struct{ common }

// NewLeafPage initializes buf as an empty leaf page.
func NewLeafPage(buf []byte) *LeafPage {
	lp := &LeafPage{common{buf: buf, headerSize: leafHeaderSize}}
	lp.initHeader(KindLeaf)
	lp.SetNextLeaf(0)
	lp.SetPrevLeaf(0)
	return lp
}

// WrapLeafPage wraps an existing leaf page buffer.
func WrapLeafPage(buf []byte) *LeafPage {
	return &LeafPage{common{buf: buf, headerSize: leafHeaderSize}}
}

// Bytes returns the underlying buffer.
func (lp *LeafPage) Bytes() []byte { return lp.buf }

// NextLeaf / PrevLeaf are sibling block ids, 0 meaning none.
func (lp *LeafPage) NextLeaf() BlockID {
	return BlockID(binary.LittleEndian.Uint64(lp.buf[commonHeaderSize : commonHeaderSize+8]))
}
func (lp *LeafPage) SetNextLeaf(id BlockID) {
	binary.LittleEndian.PutUint64(lp.buf[commonHeaderSize:commonHeaderSize+8], uint64(id))
}
func (lp *LeafPage) PrevLeaf() BlockID {
	return BlockID(binary.LittleEndian.Uint64(lp.buf[commonHeaderSize+8 : commonHeaderSize+16]))
}
func (lp *LeafPage) SetPrevLeaf(id BlockID) {
	binary.LittleEndian.PutUint64(lp.buf[commonHeaderSize+8:commonHeaderSize+16], uint64(id))
}

// Len returns the number of live records.
func (lp *LeafPage) Len() int { return lp.slotCount() }

func encodeLeafRecord(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(value)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

func decodeLeafRecord(rec []byte) (key, value []byte) {
	klen := binary.LittleEndian.Uint16(rec[0:2])
	vlen := binary.LittleEndian.Uint16(rec[2:4])
	key = rec[4 : 4+klen]
	value = rec[4+klen : 4+int(klen)+int(vlen)]
	return
}

func (lp *LeafPage) keyAtSlot(i int) []byte {
	k, _ := decodeLeafRecord(lp.record(lp.getSlot(i)))
	return k
}

// KeyAt and ValueAt return the i-th record in slot order (0-indexed).
func (lp *LeafPage) KeyAt(i int) []byte {
	k, _ := decodeLeafRecord(lp.record(lp.getSlot(i)))
	return append([]byte(nil), k...)
}
func (lp *LeafPage) ValueAt(i int) []byte {
	_, v := decodeLeafRecord(lp.record(lp.getSlot(i)))
	return append([]byte(nil), v...)
}

// Get performs a binary search over the sorted slot directory.
func (lp *LeafPage) Get(key []byte) ([]byte, bool) {
	idx, found := lp.findKey(lp.keyAtSlot, key)
	if !found {
		return nil, false
	}
	_, v := decodeLeafRecord(lp.record(lp.getSlot(idx)))
	return append([]byte(nil), v...), true
}

// Put inserts or replaces key with value, keeping the slot directory sorted
// by key. Returns engineerr.PageFull if the record does not fit even after
// one internal compact-and-retry.
func (lp *LeafPage) Put(key, value []byte) error {
	if err := checkRecordSize(4 + len(key) + len(value)); err != nil {
		return err
	}
	rec := encodeLeafRecord(key, value)
	idx, found := lp.findKey(lp.keyAtSlot, key)
	if found {
		if lp.updateSlotRecord(idx, rec) {
			return nil
		}
		lp.Compact()
		if lp.updateSlotRecord(idx, rec) {
			return nil
		}
		return engineerr.PageFull
	}
	if lp.freeSpace() >= len(rec) {
		lp.insertSlot(idx, rec)
		return nil
	}
	lp.Compact()
	idx, _ = lp.findKey(lp.keyAtSlot, key)
	if lp.freeSpace() >= len(rec) {
		lp.insertSlot(idx, rec)
		return nil
	}
	return engineerr.PageFull
}

// Delete removes key's slot if present. Record bytes remain as garbage
// until the next Compact.
func (lp *LeafPage) Delete(key []byte) bool {
	idx, found := lp.findKey(lp.keyAtSlot, key)
	if !found {
		return false
	}
	lp.removeSlot(idx)
	return true
}

// Compact rewrites the page densely, preserving slot order, reclaiming
// garbage left by deletes and in-place-incompatible updates.
func (lp *LeafPage) Compact() {
	sc := lp.slotCount()
	recs := make([][]byte, sc)
	for i := 0; i < sc; i++ {
		recs[i] = append([]byte(nil), lp.record(lp.getSlot(i))...)
	}
	lp.setUpper(len(lp.buf))
	for i, r := range recs {
		newTop := lp.upper() - len(r)
		copy(lp.buf[newTop:], r)
		lp.setUpper(newTop)
		lp.setSlot(i, slotEntry{Offset: uint16(newTop), Length: uint16(len(r))})
	}
}

// UsedBytes returns the total bytes currently used for the slot directory
// and record storage (for split midpoint computation).
func (lp *LeafPage) UsedBytes() int {
	return lp.lower() + (len(lp.buf) - lp.upper())
}

// Split moves the upper half of entries (by cumulative record bytes) into
// right, which must be a freshly initialized empty leaf page, and returns
// the first key moved (the new separator). The receiver retains the lower
// half and its NextLeaf/PrevLeaf links are updated by the caller (the btree
// owns block ids, not this package).
func (lp *LeafPage) Split(right *LeafPage) []byte {
	sc := lp.slotCount()
	total := 0
	sizes := make([]int, sc)
	for i := 0; i < sc; i++ {
		e := lp.getSlot(i)
		sizes[i] = int(e.Length) + slotEntrySize
		total += sizes[i]
	}
	half := total / 2
	cum := 0
	splitAt := sc / 2
	for i := 0; i < sc; i++ {
		cum += sizes[i]
		if cum >= half {
			splitAt = i + 1
			break
		}
	}
	if splitAt >= sc {
		splitAt = sc / 2
	}
	if splitAt < 1 {
		splitAt = 1
	}

	var rightRecs [][]byte
	for i := splitAt; i < sc; i++ {
		rightRecs = append(rightRecs, append([]byte(nil), lp.record(lp.getSlot(i))...))
	}
	sepKey, _ := decodeLeafRecord(rightRecs[0])
	sepKey = append([]byte(nil), sepKey...)

	for _, r := range rightRecs {
		k, v := decodeLeafRecord(r)
		_ = right.Put(k, v)
	}

	for i := sc - 1; i >= splitAt; i-- {
		lp.removeSlot(i)
	}
	lp.Compact()
	return sepKey
}
