package btpage

import (
	"bytes"
	"encoding/binary"

	"storageengine/internal/engineerr"
)

// internalHeaderSize: common header + FirstChild(u64).
const internalHeaderSize = commonHeaderSize + 8

// InternalPage wraps a page buffer holding separator keys and child block
// ids. Keys in FirstChild are strictly less than the first separator; keys
// in the child following separator i are >= separator i and < separator i+1.
type InternalPage struct{ common }

// NewInternalPage initializes buf as an empty internal page with the given
// first child.
func NewInternalPage(buf []byte, firstChild BlockID) *InternalPage {
	ip := &InternalPage{common{buf: buf, headerSize: internalHeaderSize}}
	ip.initHeader(KindInternal)
	ip.SetFirstChild(firstChild)
	return ip
}

// WrapInternalPage wraps an existing internal page buffer.
func WrapInternalPage(buf []byte) *InternalPage {
	return &InternalPage{common{buf: buf, headerSize: internalHeaderSize}}
}

func (ip *InternalPage) Bytes() []byte { return ip.buf }
func (ip *InternalPage) Len() int      { return ip.slotCount() }

func (ip *InternalPage) FirstChild() BlockID {
	return BlockID(binary.LittleEndian.Uint64(ip.buf[commonHeaderSize : commonHeaderSize+8]))
}
func (ip *InternalPage) SetFirstChild(id BlockID) {
	binary.LittleEndian.PutUint64(ip.buf[commonHeaderSize:commonHeaderSize+8], uint64(id))
}

func encodeInternalRecord(sepKey []byte, child BlockID) []byte {
	buf := make([]byte, 4+len(sepKey)+8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(sepKey)))
	binary.LittleEndian.PutUint16(buf[2:4], 8)
	copy(buf[4:], sepKey)
	binary.LittleEndian.PutUint64(buf[4+len(sepKey):], uint64(child))
	return buf
}

func decodeInternalRecord(rec []byte) (sepKey []byte, child BlockID) {
	klen := binary.LittleEndian.Uint16(rec[0:2])
	sepKey = rec[4 : 4+klen]
	child = BlockID(binary.LittleEndian.Uint64(rec[4+klen : 4+int(klen)+8]))
	return
}

func (ip *InternalPage) sepKeyAtSlot(i int) []byte {
	k, _ := decodeInternalRecord(ip.record(ip.getSlot(i)))
	return k
}

// SeparatorAt and ChildAt return the i-th separator/child pair.
func (ip *InternalPage) SeparatorAt(i int) []byte {
	k, _ := decodeInternalRecord(ip.record(ip.getSlot(i)))
	return append([]byte(nil), k...)
}
func (ip *InternalPage) ChildAt(i int) BlockID {
	_, c := decodeInternalRecord(ip.record(ip.getSlot(i)))
	return c
}

// ChildForKey returns FirstChild if key is below every separator, otherwise
// the child of the largest slot whose separator is <= key.
func (ip *InternalPage) ChildForKey(key []byte) BlockID {
	sc := ip.slotCount()
	if sc == 0 || bytes.Compare(key, ip.sepKeyAtSlot(0)) < 0 {
		return ip.FirstChild()
	}
	// Find the last index with separator <= key.
	lo, hi := 0, sc-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if bytes.Compare(ip.sepKeyAtSlot(mid), key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return ip.ChildAt(best)
}

// ReplaceChild repoints whichever slot currently holds oldChild (including
// FirstChild) at newChild. The record size is unchanged (child ids are
// fixed-width), so this never fails for PageFull. Returns false if oldChild
// was not found.
func (ip *InternalPage) ReplaceChild(oldChild, newChild BlockID) bool {
	if ip.FirstChild() == oldChild {
		ip.SetFirstChild(newChild)
		return true
	}
	for i := 0; i < ip.slotCount(); i++ {
		if ip.ChildAt(i) == oldChild {
			sep := ip.sepKeyAtSlot(i)
			ip.updateSlotRecord(i, encodeInternalRecord(sep, newChild))
			return true
		}
	}
	return false
}

// Insert adds a (separator, child) pair, keeping the directory sorted. If
// the separator already exists its child is replaced and nil is returned.
func (ip *InternalPage) Insert(sepKey []byte, child BlockID) error {
	if err := checkRecordSize(4 + len(sepKey) + 8); err != nil {
		return err
	}
	rec := encodeInternalRecord(sepKey, child)
	idx, found := ip.findKey(ip.sepKeyAtSlot, sepKey)
	if found {
		if ip.updateSlotRecord(idx, rec) {
			return nil
		}
		ip.Compact()
		if ip.updateSlotRecord(idx, rec) {
			return nil
		}
		return engineerr.PageFull
	}
	if ip.freeSpace() >= len(rec) {
		ip.insertSlot(idx, rec)
		return nil
	}
	ip.Compact()
	idx, _ = ip.findKey(ip.sepKeyAtSlot, sepKey)
	if ip.freeSpace() >= len(rec) {
		ip.insertSlot(idx, rec)
		return nil
	}
	return engineerr.PageFull
}

// Remove deletes the separator/child pair at sepKey, if present.
func (ip *InternalPage) Remove(sepKey []byte) bool {
	idx, found := ip.findKey(ip.sepKeyAtSlot, sepKey)
	if !found {
		return false
	}
	ip.removeSlot(idx)
	return true
}

// Compact rewrites the page densely, preserving slot order.
func (ip *InternalPage) Compact() {
	sc := ip.slotCount()
	recs := make([][]byte, sc)
	for i := 0; i < sc; i++ {
		recs[i] = append([]byte(nil), ip.record(ip.getSlot(i))...)
	}
	ip.setUpper(len(ip.buf))
	for i, r := range recs {
		newTop := ip.upper() - len(r)
		copy(ip.buf[newTop:], r)
		ip.setUpper(newTop)
		ip.setSlot(i, slotEntry{Offset: uint16(newTop), Length: uint16(len(r))})
	}
}

// Split moves the upper half of separator/child pairs, chosen by cumulative
// record bytes (the same rule LeafPage.Split uses, per spec §4.4 "internal
// page splits follow the same rule"), into right (a fresh empty internal
// page; Split sets its FirstChild to the removed median's child),
// returning the promoted separator key. Unlike leaf split, the promoted key
// is removed from both sides (it moves up to the parent).
func (ip *InternalPage) Split(right *InternalPage) (sepKey []byte, rightFirstChild BlockID) {
	sc := ip.slotCount()
	total := 0
	sizes := make([]int, sc)
	for i := 0; i < sc; i++ {
		e := ip.getSlot(i)
		sizes[i] = int(e.Length) + slotEntrySize
		total += sizes[i]
	}
	half := total / 2
	cum := 0
	mid := sc / 2
	for i := 0; i < sc; i++ {
		cum += sizes[i]
		if cum >= half {
			mid = i
			break
		}
	}
	if mid >= sc {
		mid = sc / 2
	}
	if mid < 1 {
		mid = 1
	}

	medianKey, medianChild := decodeInternalRecord(ip.record(ip.getSlot(mid)))
	sepKey = append([]byte(nil), medianKey...)
	rightFirstChild = medianChild
	right.SetFirstChild(medianChild)

	for i := mid + 1; i < sc; i++ {
		k, c := decodeInternalRecord(ip.record(ip.getSlot(i)))
		_ = right.Insert(append([]byte(nil), k...), c)
	}
	for i := sc - 1; i >= mid; i-- {
		ip.removeSlot(i)
	}
	ip.Compact()
	return sepKey, rightFirstChild
}
