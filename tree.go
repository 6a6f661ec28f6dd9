package tern

import (
	"bytes"
	"encoding/binary"
)

// CmpFunc orders keys or duplicate values. Negative, zero and positive
// results follow bytes.Compare.
type CmpFunc = func(a, b []byte) int

// cmpLexical is the default key order.
func cmpLexical(a, b []byte) int {
	return bytes.Compare(a, b)
}

// cmpReverse compares back-to-front (ReverseKey / ReverseDup).
func cmpReverse(a, b []byte) int {
	ai, bi := len(a)-1, len(b)-1
	for ai >= 0 && bi >= 0 {
		if a[ai] != b[bi] {
			if a[ai] < b[bi] {
				return -1
			}
			return 1
		}
		ai--
		bi--
	}
	// The shorter key is the lesser one, as with forward comparison.
	return len(a) - len(b)
}

// cmpInteger compares fixed-width native-endian integers (IntegerKey /
// IntegerDup). Misaligned callers were already normalized by the copy
// into the lookup buffer, so only width matters here.
func cmpInteger(a, b []byte) int {
	if len(a) == 8 && len(b) == 8 {
		av := binary.LittleEndian.Uint64(a)
		bv := binary.LittleEndian.Uint64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	if len(a) == 4 && len(b) == 4 {
		av := binary.LittleEndian.Uint32(a)
		bv := binary.LittleEndian.Uint32(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	// Width mismatch: order by width so the tree stays consistent.
	return len(a) - len(b)
}

// treeKeyCmp returns the key comparator dictated by tree flags.
func treeKeyCmp(flags uint16) CmpFunc {
	if flags&treeFlagIntegerKey != 0 {
		return cmpInteger
	}
	if flags&treeFlagReverseKey != 0 {
		return cmpReverse
	}
	return cmpLexical
}

// treeDupCmp returns the duplicate-value comparator for tree flags.
func treeDupCmp(flags uint16) CmpFunc {
	if flags&treeFlagIntegerDup != 0 {
		return cmpInteger
	}
	if flags&treeFlagReverseDup != 0 {
		return cmpReverse
	}
	return cmpLexical
}

// nodeSearch finds key on one page: the greatest entry <= key for
// branch pages (the child to descend into), the lower bound for leaf
// pages. Returns (index, exact).
func nodeSearch(data []byte, key []byte, cmp CmpFunc) (int, bool) {
	n := pageNumEntriesDirect(data)
	if n == 0 {
		return 0, false
	}

	if pageIsBranchDirect(data) {
		// Slot 0's key is implicit (lowest); search the rest.
		if n == 1 {
			return 0, false
		}
		lo, hi := 1, n-1
		for lo <= hi {
			mid := int(uint(lo+hi) >> 1)
			c := cmp(key, nodeGetKeyUnchecked(data, mid))
			if c < 0 {
				hi = mid - 1
			} else if c > 0 {
				lo = mid + 1
			} else {
				return mid, true
			}
		}
		return lo - 1, false
	}

	lo, hi := 0, n-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		c := cmp(key, nodeGetKeyUnchecked(data, mid))
		if c < 0 {
			hi = mid - 1
		} else if c > 0 {
			lo = mid + 1
		} else {
			return mid, true
		}
	}
	return lo, false
}

// dupfixSearch finds key among the packed fixed-width entries of a
// dupfix (sub)page. Entries start right after the header with stride
// ksize. Returns (index, exact).
func dupfixSearch(data []byte, key []byte, ksize int, cmp CmpFunc) (int, bool) {
	n := pageNumEntriesDirect(data)
	lo, hi := 0, n-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		entry := dupfixEntry(data, mid, ksize)
		c := cmp(key, entry)
		if c < 0 {
			hi = mid - 1
		} else if c > 0 {
			lo = mid + 1
		} else {
			return mid, true
		}
	}
	return lo, false
}

// dupfixEntry returns the idx'th packed value of a dupfix (sub)page.
func dupfixEntry(data []byte, idx int, ksize int) []byte {
	start := pageHeaderSize + idx*ksize
	return data[start : start+ksize : start+ksize]
}

// dupfixSetCount rewrites the entry count of a dupfix page. The count
// lives in lower (as count*2, matching noded pages); upper is set so
// that upper-lower reports the remaining packed-entry room.
func dupfixSetCount(data []byte, count int, ksize int, pageBytes int) {
	lower := count * 2
	room := pageBytes - pageHeaderSize - count*ksize
	if room < 0 {
		room = 0
	}
	putUint16LE(data[12:14], uint16(lower))
	putUint16LE(data[14:16], uint16(lower+room))
}

// normalizeIntegerKey copies a misaligned 4- or 8-byte integer key
// into buf so downstream code may assume alignment. Returns the key to
// use and an error for invalid widths.
func normalizeIntegerKey(key []byte, buf *[8]byte) ([]byte, error) {
	switch len(key) {
	case 4, 8:
		copy(buf[:], key)
		return buf[:len(key)], nil
	default:
		return nil, ErrBadValSizeError
	}
}
