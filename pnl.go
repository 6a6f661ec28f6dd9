package tern

import "sort"

// pnl is a Page Number List: a sorted array of page numbers with the
// element count stored in slot 0. Lists grow in granules of 2^10
// entries so that repeated appends do not reallocate. The list is kept
// ascending; pnlAscending is folded into the data magic so files
// written with the opposite order are rejected at open.
type pnl []pgno

const (
	pnlGranulateLog2 = 10
	pnlGranulate     = 1 << pnlGranulateLog2

	// pnlAscending is the sort-order bit recorded in the file magic.
	pnlAscending = 1

	// pagelistLimit bounds any single list to the maximum page count.
	pagelistLimit = int(maxPgno / 2)
)

// pnlAlloc returns an empty list with room for at least size entries.
func pnlAlloc(size int) pnl {
	granulated := (size + 1 + pnlGranulate - 1) &^ (pnlGranulate - 1)
	pl := make(pnl, 1, granulated)
	pl[0] = 0
	return pl
}

func (pl pnl) len() int {
	if len(pl) == 0 {
		return 0
	}
	return int(pl[0])
}

func (pl pnl) setLen(n int) {
	pl[0] = pgno(n)
}

func (pl pnl) empty() bool {
	return pl.len() == 0
}

// all returns the live entries (without the size slot).
func (pl pnl) all() []pgno {
	return pl[1 : pl.len()+1]
}

// least returns the smallest page number. The list must be non-empty.
func (pl pnl) least() pgno {
	return pl[1]
}

// most returns the largest page number. The list must be non-empty.
func (pl pnl) most() pgno {
	return pl[pl.len()]
}

// need grows the backing array so that num more entries fit.
func (pl *pnl) need(num int) {
	want := (*pl).len() + 1 + num
	if cap(*pl) >= want {
		return
	}
	granulated := (want + pnlGranulate - 1) &^ (pnlGranulate - 1)
	grown := make(pnl, len(*pl), granulated)
	copy(grown, *pl)
	*pl = grown
}

// append adds pgno without keeping order; callers must sort before
// searching. Used on hot paths that batch insertions.
func (pl *pnl) append(pn pgno) {
	pl.need(1)
	n := (*pl).len()
	*pl = (*pl)[:n+2]
	(*pl)[n+1] = pn
	(*pl)[0] = pgno(n + 1)
}

// appendSpan adds the contiguous run [pn, pn+span).
func (pl *pnl) appendSpan(pn pgno, span int) {
	pl.need(span)
	for i := 0; i < span; i++ {
		pl.append(pn + pgno(i))
	}
}

// sort orders the entries ascending. Idempotent.
func (pl pnl) sort() {
	entries := pl.all()
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i] < entries[j] }) {
		sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
	}
}

// sorted reports whether the entries are in ascending order with no
// duplicates.
func (pl pnl) sorted() bool {
	entries := pl.all()
	for i := 1; i < len(entries); i++ {
		if entries[i-1] >= entries[i] {
			return false
		}
	}
	return true
}

// search returns the index (1-based, into pl) of the first entry >= pn.
// The list must be sorted. May return len+1 when pn is greater than
// every entry; the granulated backing array guarantees slot len+1 is
// addressable, matching the one-past-the-end probe of the original
// cmov search.
func (pl pnl) search(pn pgno) int {
	lo, hi := 1, pl.len()
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		if pl[mid] < pn {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// contains reports whether pn is present. The list must be sorted.
func (pl pnl) contains(pn pgno) bool {
	i := pl.search(pn)
	return i <= pl.len() && pl[i] == pn
}

// insert places pn keeping ascending order; duplicates are dropped.
func (pl *pnl) insert(pn pgno) {
	i := pl.search(pn)
	if i <= pl.len() && (*pl)[i] == pn {
		return
	}
	pl.need(1)
	*pl = append(*pl, 0)
	copy((*pl)[i+1:], (*pl)[i:])
	(*pl)[i] = pn
	(*pl)[0]++
}

// removeAt deletes the entry at 1-based index i.
func (pl *pnl) removeAt(i int) {
	n := pl.len()
	copy((*pl)[i:], (*pl)[i+1:n+1])
	*pl = (*pl)[:n]
	(*pl)[0] = pgno(n - 1)
}

// extractSpan removes and returns the start of a contiguous ascending
// run of length span, preferring the lowest-numbered fit. Returns
// (0, false) when no run of that length exists. The list must be
// sorted.
func (pl *pnl) extractSpan(span int) (pgno, bool) {
	n := pl.len()
	if n < span {
		return 0, false
	}
	if span == 1 {
		pn := (*pl)[1]
		pl.removeAt(1)
		return pn, true
	}
	run := 1
	for i := 2; i <= n; i++ {
		if (*pl)[i] == (*pl)[i-1]+1 {
			run++
			if run == span {
				first := i - span + 1
				start := (*pl)[first]
				copy((*pl)[first:], (*pl)[i+1:n+1])
				*pl = (*pl)[:n+1-span]
				(*pl)[0] = pgno(n - span)
				return start, true
			}
		} else {
			run = 1
		}
	}
	return 0, false
}

// merge absorbs every entry of src, keeping the result sorted and
// duplicate-free.
func (pl *pnl) merge(src pnl) {
	if src.empty() {
		return
	}
	pl.need(src.len())
	for _, pn := range src.all() {
		pl.insert(pn)
	}
}

// clear empties the list, keeping the backing array.
func (pl *pnl) clear() {
	if len(*pl) == 0 {
		*pl = pnlAlloc(0)
		return
	}
	*pl = (*pl)[:1]
	(*pl)[0] = 0
}

// clone returns an independent copy.
func (pl pnl) clone() pnl {
	if len(pl) == 0 {
		return pnlAlloc(0)
	}
	out := pnlAlloc(pl.len())
	out = out[:pl.len()+1]
	copy(out, pl[:pl.len()+1])
	return out
}
