package tern

// nodeFlags classify entries within a page.
type nodeFlags uint8

const (
	// nodeBig: the value lives on a large-page chain; the node payload
	// is the first page number of the chain.
	nodeBig nodeFlags = 0x01

	// nodeTree: the value is a 48-byte tree descriptor (named database
	// or promoted duplicate subtree).
	nodeTree nodeFlags = 0x02

	// nodeDup: the value is a duplicate set (subpage when nodeTree is
	// clear, nested tree when set).
	nodeDup nodeFlags = 0x04
)

// Node header layout (8 bytes, little-endian):
//
//	Offset  Size  Field
//	0       4     dsize (leaf) / child pgno (branch)   -- union
//	4       1     flags
//	5       1     extra (reserved)
//	6       2     ksize
//	8       ...   key bytes, then value bytes
//
// Nodes are stored at their exact size (nodeCalcSize), so a node may
// start at an odd offset; evenCeil rounding is applied only when sizing
// a subpage image in buildSubpage.

// nodeCalcSize returns the stored size for a leaf node.
func nodeCalcSize(keySize, dataSize int, isBig bool) int {
	size := NodeHeaderSize + keySize
	if isBig {
		return size + 4
	}
	return size + dataSize
}

// nodeGetKeyRaw returns the key of slot idx.
func nodeGetKeyRaw(data []byte, idx int) []byte {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+NodeHeaderSize > len(data) {
		return nil
	}
	ksize := uint16(data[off+6]) | uint16(data[off+7])<<8
	end := int(off) + NodeHeaderSize + int(ksize)
	if end > len(data) {
		return nil
	}
	return data[off+NodeHeaderSize : end : end]
}

// nodeGetKeyUnchecked skips bounds checks; callers must have validated
// idx against the slot count.
func nodeGetKeyUnchecked(data []byte, idx int) []byte {
	stored := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	off := int(stored) + pageHeaderSize
	ksize := int(uint16(data[off+6]) | uint16(data[off+7])<<8)
	return data[off+NodeHeaderSize : off+NodeHeaderSize+ksize]
}

// nodeGetDataRaw returns the inline value of slot idx, or nil for big
// nodes (the caller resolves the large-page chain).
func nodeGetDataRaw(data []byte, idx int) []byte {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+NodeHeaderSize > len(data) {
		return nil
	}
	dsize := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
	flags := nodeFlags(data[off+4])
	ksize := uint16(data[off+6]) | uint16(data[off+7])<<8
	if flags&nodeBig != 0 {
		return nil
	}
	start := int(off) + NodeHeaderSize + int(ksize)
	end := start + int(dsize)
	if end > len(data) {
		return nil
	}
	return data[start:end:end]
}

func nodeGetDataUnchecked(data []byte, idx int) []byte {
	stored := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	off := int(stored) + pageHeaderSize
	dsize := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
	ksize := int(uint16(data[off+6]) | uint16(data[off+7])<<8)
	start := off + NodeHeaderSize + ksize
	return data[start : start+int(dsize)]
}

// nodeGetFlagsRaw returns the flags byte of slot idx.
func nodeGetFlagsRaw(data []byte, idx int) nodeFlags {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+5 > len(data) {
		return 0
	}
	return nodeFlags(data[off+4])
}

// nodeGetDataSizeRaw returns the dsize field of slot idx.
func nodeGetDataSizeRaw(data []byte, idx int) uint32 {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+4 > len(data) {
		return 0
	}
	return uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
}

// nodeGetChildPgnoRaw returns the child link of a branch slot.
func nodeGetChildPgnoRaw(data []byte, idx int) pgno {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+4 > len(data) {
		return invalidPgno
	}
	return pgno(uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24)
}

func nodeGetChildPgnoUnchecked(data []byte, idx int) pgno {
	stored := uint16(data[pageHeaderSize+idx*2]) | uint16(data[pageHeaderSize+idx*2+1])<<8
	off := int(stored) + pageHeaderSize
	return pgno(uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24)
}

// nodeGetLargePgnoRaw returns the first page of a big node's chain.
func nodeGetLargePgnoRaw(data []byte, idx int) pgno {
	off := pageEntryOffsetDirect(data, idx)
	if off == 0 || int(off)+NodeHeaderSize > len(data) {
		return invalidPgno
	}
	ksize := uint16(data[off+6]) | uint16(data[off+7])<<8
	pos := int(off) + NodeHeaderSize + int(ksize)
	if pos+4 > len(data) {
		return invalidPgno
	}
	return pgno(uint32(data[pos]) | uint32(data[pos+1])<<8 | uint32(data[pos+2])<<16 | uint32(data[pos+3])<<24)
}

// buildNodeBytes assembles a leaf or branch node image.
//
// For branch nodes pass the child pgno as childOrSize and a nil value;
// for leaf nodes childOrSize is the value size. Big leaf nodes are
// built by buildBigNodeBytes.
func buildNodeBytes(key, value []byte, flags nodeFlags, childOrSize uint32) []byte {
	out := make([]byte, NodeHeaderSize+len(key)+len(value))
	putUint32LE(out[0:4], childOrSize)
	out[4] = byte(flags)
	putUint16LE(out[6:8], uint16(len(key)))
	copy(out[NodeHeaderSize:], key)
	copy(out[NodeHeaderSize+len(key):], value)
	return out
}

// buildBigNodeBytes assembles a leaf node whose payload is the first
// page number of a large-page chain.
func buildBigNodeBytes(key []byte, dataSize uint32, chain pgno) []byte {
	out := make([]byte, NodeHeaderSize+len(key)+4)
	putUint32LE(out[0:4], dataSize)
	out[4] = byte(nodeBig)
	putUint16LE(out[6:8], uint16(len(key)))
	copy(out[NodeHeaderSize:], key)
	putUint32LE(out[NodeHeaderSize+len(key):], uint32(chain))
	return out
}

// nodeSetChildPgno rewrites the child link of a branch slot in place.
func nodeSetChildPgno(data []byte, idx int, child pgno) {
	off := pageEntryOffsetDirect(data, idx)
	putUint32LE(data[off:off+4], uint32(child))
}
