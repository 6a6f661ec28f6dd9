package tern

import (
	"encoding/binary"
	"unsafe"
)

// pgno is a page number (32-bit).
type pgno uint32

// txnid is a transaction ID (64-bit).
type txnid uint64

const (
	// pageHeaderSize is the fixed page header size.
	pageHeaderSize = 20

	// invalidPgno marks an empty tree root.
	invalidPgno pgno = 0xFFFFFFFF

	// maxPgno is the largest valid page number.
	maxPgno pgno = 0x7FFFffff
)

// pageFlags classify pages.
type pageFlags uint16

const (
	// pageBranch is an internal page of child links.
	pageBranch pageFlags = 0x01

	// pageLeaf holds key/value nodes.
	pageLeaf pageFlags = 0x02

	// pageLarge spans several pages carrying one oversized value.
	pageLarge pageFlags = 0x04

	// pageMeta is one of the three meta pages.
	pageMeta pageFlags = 0x08

	// pageBad marks a page known to be damaged.
	pageBad pageFlags = 0x10

	// pageDupfix is a duplicate-leaf with fixed-size packed values.
	pageDupfix pageFlags = 0x20

	// pageSubP is a miniature leaf embedded in a leaf node's value.
	pageSubP pageFlags = 0x40

	// pageSpilled: the dirty page was written to its on-disk slot and
	// is tracked by the spill list.
	pageSpilled pageFlags = 0x2000

	// pageLoose: emptied in the current txn, queued for O(1) reuse.
	pageLoose pageFlags = 0x4000

	// pageFrozen: belongs to a committed snapshot; never writable.
	pageFrozen pageFlags = 0x8000

	pageTypeMask = pageBranch | pageLeaf | pageLarge | pageMeta | pageDupfix | pageSubP
)

// pageHeader is the 20-byte on-disk page header.
//
// Layout (little-endian):
//
//	Offset  Size  Field
//	0       8     txnid that created this page version
//	8       2     dupfix key size
//	10      2     flags
//	12      2     lower free-space bound (or large-page span low)
//	14      2     upper free-space bound (or large-page span high)
//	16      4     pgno
//	20      ...   2-byte slot offsets, then node data growing down
type pageHeader struct {
	Txnid       txnid
	DupfixKsize uint16
	Flags       pageFlags
	Lower       uint16
	Upper       uint16
	PageNo      pgno
}

// page wraps one page worth of bytes, either into the mmap (frozen)
// or into a shadow buffer (dirty).
type page struct {
	Data []byte
}

func (p *page) header() *pageHeader {
	if len(p.Data) < pageHeaderSize {
		return nil
	}
	return (*pageHeader)(unsafe.Pointer(&p.Data[0]))
}

func (p *page) pageNo() pgno        { return p.header().PageNo }
func (p *page) isBranch() bool      { return p.header().Flags&pageBranch != 0 }
func (p *page) isLeaf() bool        { return p.header().Flags&pageLeaf != 0 }
func (p *page) isLarge() bool       { return p.header().Flags&pageLarge != 0 }
func (p *page) isDupfix() bool      { return p.header().Flags&pageDupfix != 0 }
func (p *page) isSubPage() bool     { return p.header().Flags&pageSubP != 0 }
func (p *page) pageType() pageFlags { return p.header().Flags & pageTypeMask }

// numEntries returns lower>>1: the slot count.
func (p *page) numEntries() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Lower) >> 1
}

// freeSpace returns upper-lower, the room between the slot table and
// the node data.
func (p *page) freeSpace() int {
	h := p.header()
	if h == nil {
		return 0
	}
	return int(h.Upper) - int(h.Lower)
}

// largePages returns the span length of a large page chain. The span
// is stored as a 32-bit value across the lower/upper union.
func (p *page) largePages() uint32 {
	if !p.isLarge() {
		return 1
	}
	h := p.header()
	return uint32(h.Lower) | (uint32(h.Upper) << 16)
}

func (p *page) setLargePages(n uint32) {
	h := p.header()
	h.Lower = uint16(n & 0xFFFF)
	h.Upper = uint16(n >> 16)
}

// entryOffset returns the in-page offset of slot idx. Stored offsets
// are relative to the header end.
func (p *page) entryOffset(idx int) uint16 {
	if idx < 0 || idx >= p.numEntries() {
		return 0
	}
	return p.entryOffsetFast(idx)
}

func (p *page) entryOffsetFast(idx int) uint16 {
	stored := uint16(p.Data[pageHeaderSize+idx*2]) | uint16(p.Data[pageHeaderSize+idx*2+1])<<8
	return stored + pageHeaderSize
}

// init resets the header for an empty page of the given kind.
func (p *page) init(pn pgno, flags pageFlags, pageSize uint16) {
	d := p.Data
	_ = d[19]
	putUint64LE(d[0:8], 0)
	upper := pageSize - pageHeaderSize
	putUint64LE(d[8:16], uint64(flags)<<16|uint64(upper)<<48)
	putUint32LE(d[16:20], uint32(pn))
}

// validate sanity-checks the header against the page size.
func (p *page) validate(pageSize uint) error {
	if len(p.Data) < pageHeaderSize {
		return errPageTooSmall
	}
	h := p.header()
	if h.Flags&^(pageTypeMask|pageSpilled|pageLoose|pageFrozen|pageBad) != 0 {
		return errPageInvalidFlags
	}
	if !p.isLarge() {
		if int(h.Upper)+pageHeaderSize > int(pageSize) {
			return errPageInvalidUpper
		}
		if h.Lower > h.Upper {
			return errPageInvalidBounds
		}
	}
	return nil
}

var (
	errPageTooSmall      = &pageError{"page too small"}
	errPageInvalidFlags  = &pageError{"invalid page flags"}
	errPageInvalidUpper  = &pageError{"invalid upper bound"}
	errPageInvalidBounds = &pageError{"lower > upper"}
)

type pageError struct {
	msg string
}

func (e *pageError) Error() string {
	return "page: " + e.msg
}

// ------- direct accessors on raw page bytes (no page struct) -------

func pageFlagsDirect(data []byte) pageFlags {
	if len(data) < pageHeaderSize {
		return 0
	}
	return pageFlags(uint16(data[10]) | uint16(data[11])<<8)
}

func pageIsLeafDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageLeaf != 0
}

func pageIsBranchDirect(data []byte) bool {
	return pageFlagsDirect(data)&pageBranch != 0
}

func pageNumEntriesDirect(data []byte) int {
	if len(data) < pageHeaderSize {
		return 0
	}
	lower := uint16(data[12]) | uint16(data[13])<<8
	return int(lower) >> 1
}

func pageEntryOffsetDirect(data []byte, idx int) uint16 {
	if idx < 0 || idx >= pageNumEntriesDirect(data) {
		return 0
	}
	stored := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	return stored + pageHeaderSize
}

// ------- size limits derived from the page size -------

func evenFloor(n int) int { return n &^ 1 }
func evenCeil(n int) int  { return (n + 1) &^ 1 }

// branchNodeMax bounds a branch node (header + key). The factor of two
// guarantees room for at least two separators per branch page, which
// is what keeps splits from cascading three ways.
func branchNodeMax(pageSize int) int {
	return evenFloor((pageSize-pageHeaderSize-2-NodeHeaderSize)/2 - 2)
}

// leafNodeMax bounds a leaf node (header + key + inline value).
func leafNodeMax(pageSize int) int {
	return evenFloor((pageSize-pageHeaderSize)/2) - 2
}

// keyMax returns the key cap for the given tree flags: integer keys
// are fixed at 8 bytes; dupsort values double as keys in the nested
// tree, so they share the leaf cap.
func keyMax(pageSize int, flags uint16) int {
	if flags&treeFlagIntegerKey != 0 {
		return 8
	}
	cap := branchNodeMax(pageSize) - NodeHeaderSize
	if flags&treeFlagDupSort != 0 {
		if leafCap := leafNodeMax(pageSize) - NodeHeaderSize; leafCap < cap {
			cap = leafCap
		}
	}
	return cap
}

// largechunkNpages returns how many contiguous pages hold size bytes
// behind a single large-page header.
func largechunkNpages(pageSize int, size int) int {
	return (pageHeaderSize + size + pageSize - 1) / pageSize
}

// ------- slot-table mutation -------

// insertEntry opens slot idx and copies nodeData into the data area.
// Returns false when the page lacks room even after compaction.
func (p *page) insertEntry(idx int, nodeData []byte) bool {
	return p.insertEntryWithBuf(idx, nodeData, nil)
}

func (p *page) insertEntryWithBuf(idx int, nodeData []byte, scratch []byte) bool {
	h := p.header()
	numEntries := p.numEntries()
	if idx < 0 || idx > numEntries {
		return false
	}

	need := 2 + len(nodeData)
	if p.freeSpace() < need {
		// Holes left by removals may be reclaimable.
		if p.compactWithBuf(scratch) == 0 || p.freeSpace() < need {
			return false
		}
	}

	newUpper := h.Upper - uint16(len(nodeData))
	h.Upper = newUpper
	copy(p.Data[newUpper+pageHeaderSize:], nodeData)

	if idx < numEntries {
		src := pageHeaderSize + idx*2
		copy(p.Data[src+2:], p.Data[src:src+(numEntries-idx)*2])
	}
	putUint16LE(p.Data[pageHeaderSize+idx*2:], newUpper)
	h.Lower += 2
	return true
}

// removeEntry drops slot idx. The node bytes become a hole until the
// next compaction.
func (p *page) removeEntry(idx int) bool {
	h := p.header()
	numEntries := p.numEntries()
	if idx < 0 || idx >= numEntries {
		return false
	}
	if idx < numEntries-1 {
		src := pageHeaderSize + (idx+1)*2
		dst := pageHeaderSize + idx*2
		copy(p.Data[dst:], p.Data[src:src+(numEntries-1-idx)*2])
	}
	h.Lower -= 2
	return true
}

// removeEntriesFrom truncates the slot table at startIdx (bulk removal
// during splits).
func (p *page) removeEntriesFrom(startIdx int) {
	h := p.header()
	numEntries := p.numEntries()
	if startIdx < 0 || startIdx >= numEntries {
		return
	}
	h.Lower -= uint16((numEntries - startIdx) * 2)
}

// compact repacks the node data area, squeezing out holes. Returns the
// reclaimed byte count.
func (p *page) compact() int {
	return p.compactWithBuf(nil)
}

func (p *page) compactWithBuf(scratch []byte) int {
	h := p.header()
	numEntries := p.numEntries()
	pageSize := uint16(len(p.Data))

	if numEntries == 0 {
		oldUpper := h.Upper
		h.Upper = pageSize - pageHeaderSize
		return int(h.Upper - oldUpper)
	}

	var sizesBuf [256]uint16
	var sizes []uint16
	if numEntries <= len(sizesBuf) {
		sizes = sizesBuf[:numEntries]
	} else {
		sizes = make([]uint16, numEntries)
	}

	total := uint16(0)
	for i := 0; i < numEntries; i++ {
		sizes[i] = uint16(p.nodeSizeAt(i))
		total += sizes[i]
	}

	if h.Upper == pageSize-pageHeaderSize-total {
		return 0
	}

	if len(scratch) < int(total) {
		scratch = make([]byte, total)
	}
	pos := uint16(0)
	for i := 0; i < numEntries; i++ {
		src := p.entryOffsetFast(i)
		copy(scratch[pos:pos+sizes[i]], p.Data[src:src+sizes[i]])
		pos += sizes[i]
	}

	writePos := pageSize
	pos = 0
	for i := 0; i < numEntries; i++ {
		writePos -= sizes[i]
		copy(p.Data[writePos:writePos+sizes[i]], scratch[pos:pos+sizes[i]])
		pos += sizes[i]
		putUint16LE(p.Data[pageHeaderSize+i*2:], writePos-pageHeaderSize)
	}

	oldUpper := h.Upper
	h.Upper = writePos - pageHeaderSize
	return int(h.Upper - oldUpper)
}

// updateEntry replaces slot idx with nodeData, in place when it fits.
func (p *page) updateEntry(idx int, nodeData []byte) bool {
	h := p.header()
	if idx < 0 || idx >= p.numEntries() {
		return false
	}

	oldSize := p.nodeSizeAt(idx)
	if len(nodeData) <= oldSize {
		copy(p.Data[p.entryOffsetFast(idx):], nodeData)
		return true
	}

	if p.freeSpace() < len(nodeData)-oldSize {
		return false
	}
	newUpperInt := int(h.Upper) - len(nodeData)
	if newUpperInt < int(h.Lower) {
		return false
	}
	newUpper := uint16(newUpperInt)
	h.Upper = newUpper
	copy(p.Data[newUpper+pageHeaderSize:], nodeData)
	putUint16LE(p.Data[pageHeaderSize+idx*2:], newUpper)
	return true
}

// nodeSizeAt returns the stored size of the node in slot idx.
func (p *page) nodeSizeAt(idx int) int {
	off := p.entryOffsetFast(idx)
	dsize := binary.LittleEndian.Uint32(p.Data[off:])
	flags := p.Data[off+4]
	ksize := binary.LittleEndian.Uint16(p.Data[off+6:])

	size := NodeHeaderSize + int(ksize)
	if p.isBranch() {
		return size
	}
	if flags&uint8(nodeBig) != 0 {
		return size + 4
	}
	return size + int(dsize)
}

// splitPoint picks the slot where a full page splits. When
// preferWAF is set and the insert lands at the tail, the split happens
// at the insertion point so the old page is left untouched (minimal
// write amplification for append workloads); otherwise the midpoint is
// nudged until both halves fit.
func (p *page) splitPoint(newNodeSize int, insertIdx int, preferWAF bool) int {
	numEntries := p.numEntries()
	if numEntries == 0 {
		return 0
	}

	maxSpace := len(p.Data) - pageHeaderSize
	totalExisting := 0
	for i := 0; i < numEntries; i++ {
		totalExisting += p.nodeSizeAt(i)
	}

	if preferWAF && insertIdx >= numEntries {
		leftNeeded := numEntries*2 + totalExisting
		rightNeeded := 2 + newNodeSize
		if leftNeeded <= maxSpace && rightNeeded <= maxSpace {
			return numEntries
		}
	}

	isValid := func(splitIdx int) bool {
		if splitIdx < 0 || splitIdx > numEntries {
			return false
		}
		leftData := 0
		for i := 0; i < splitIdx; i++ {
			leftData += p.nodeSizeAt(i)
		}
		rightData := totalExisting - leftData
		leftEntries, rightEntries := splitIdx, numEntries-splitIdx
		if insertIdx < splitIdx {
			leftEntries++
			leftData += newNodeSize
		} else {
			rightEntries++
			rightData += newNodeSize
		}
		if leftEntries == 0 || rightEntries == 0 {
			return false
		}
		return leftEntries*2+leftData <= maxSpace && rightEntries*2+rightData <= maxSpace
	}

	mid := numEntries / 2
	if mid == 0 {
		mid = 1
	}
	if isValid(mid) {
		return mid
	}
	for delta := 1; delta <= numEntries; delta++ {
		if insertIdx < mid {
			if mid-delta >= 0 && isValid(mid-delta) {
				return mid - delta
			}
			if mid+delta <= numEntries && isValid(mid+delta) {
				return mid + delta
			}
		} else {
			if mid+delta <= numEntries && isValid(mid+delta) {
				return mid + delta
			}
			if mid-delta >= 0 && isValid(mid-delta) {
				return mid - delta
			}
		}
	}
	return mid
}

// usedBytes returns slot table plus node data bytes, the measure the
// merge threshold is compared against. Dupfix pages have no slot
// table: their usage is the packed-entry run.
func (p *page) usedBytes() int {
	numEntries := p.numEntries()
	if p.isDupfix() {
		return numEntries * int(p.header().DupfixKsize)
	}
	used := numEntries * 2
	for i := 0; i < numEntries; i++ {
		used += p.nodeSizeAt(i)
	}
	return used
}

// copyEntriesTo appends entries [from, to) of p onto dst in order.
func (p *page) copyEntriesTo(dst *page, from, to int) bool {
	for i := from; i < to; i++ {
		off := p.entryOffsetFast(i)
		size := p.nodeSizeAt(i)
		if !dst.insertEntry(dst.numEntries(), p.Data[off:int(off)+size]) {
			return false
		}
	}
	return true
}
