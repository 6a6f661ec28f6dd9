package tern

import (
	"sort"

	"github.com/terndb/tern/internal/fastmap"
)

// dpEntry is one dirty page of the current write transaction. Large
// pages carry their span in npages. The LRU age lives here rather
// than in a word prepended to the page buffer; the pgno index keeps
// lookups O(1) regardless of sort state.
type dpEntry struct {
	p      *page
	pn     pgno
	npages uint32
	lru    uint32
}

// dpl is the write transaction's dirty-page list: a lazily-sorted
// vector of (page, pgno, npages) entries. Appends leave the tail
// unsorted (`sorted` tracks the ordered prefix length); search is
// binary on the prefix with a linear fallback over the tail. A
// sidecar fastmap accelerates point lookups.
type dpl struct {
	items  []dpEntry
	sorted int // length of the sorted-by-pgno prefix

	// pagesIncludingLoose counts sum(npages) plus the txn's loose
	// pages; it drives spill decisions.
	pagesIncludingLoose int

	index fastmap.PgnoMap
}

func (d *dpl) init() {
	if d.items == nil {
		d.items = make([]dpEntry, 0, 64)
	} else {
		d.items = d.items[:0]
	}
	d.sorted = 0
	d.pagesIncludingLoose = 0
	d.index.Clear()
}

func (d *dpl) len() int {
	return len(d.items)
}

// append registers a dirty page. The list may become unsorted;
// sorted shrinks to min(sorted, position).
func (d *dpl) append(p *page, pn pgno, npages uint32, lru uint32) {
	pos := len(d.items)
	d.items = append(d.items, dpEntry{p: p, pn: pn, npages: npages, lru: lru})
	if d.sorted == pos && (pos == 0 || d.items[pos-1].pn < pn) {
		d.sorted = pos + 1
	}
	d.pagesIncludingLoose += int(npages)
	d.index.Set(uint32(pn), pos)
}

// sortByPgno orders the whole list by page number and rebuilds the
// index. Idempotent when already sorted.
func (d *dpl) sortByPgno() {
	if d.sorted == len(d.items) {
		return
	}
	sort.Slice(d.items, func(i, j int) bool { return d.items[i].pn < d.items[j].pn })
	d.sorted = len(d.items)
	d.reindex()
}

func (d *dpl) reindex() {
	d.index.Clear()
	for i := range d.items {
		d.index.Set(uint32(d.items[i].pn), i)
	}
}

// search returns the position of pn, or -1. Point lookups go through
// the index; the binary-prefix/linear-tail scheme remains for range
// probes (see intersect).
func (d *dpl) search(pn pgno) int {
	if pos, ok := d.index.Get(uint32(pn)); ok {
		return pos
	}
	return -1
}

// get returns the dirty page for pn, or nil.
func (d *dpl) get(pn pgno) *page {
	if pos := d.search(pn); pos >= 0 {
		return d.items[pos].p
	}
	return nil
}

// touch refreshes the LRU age of pn's entry.
func (d *dpl) touch(pn pgno, lru uint32) {
	if pos := d.search(pn); pos >= 0 {
		d.items[pos].lru = lru
	}
}

// intersect reports whether any dirty entry overlaps [pn, pn+span).
// Used to keep large-page chains and retirement consistent: a span
// can only be retired whole when no piece of it is separately dirty.
func (d *dpl) intersect(pn pgno, span uint32) bool {
	end := pn + pgno(span)
	// Binary search over the sorted prefix for the first entry whose
	// run could reach pn.
	lo, hi := 0, d.sorted
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if d.items[mid].pn < pn {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < d.sorted && d.items[lo].pn < end {
		return true
	}
	if lo > 0 {
		prev := &d.items[lo-1]
		if prev.pn+pgno(prev.npages) > pn {
			return true
		}
	}
	// Linear fallback over the unsorted tail.
	for i := d.sorted; i < len(d.items); i++ {
		e := &d.items[i]
		if e.pn < end && e.pn+pgno(e.npages) > pn {
			return true
		}
	}
	return false
}

// removeAt deletes the entry at position pos, keeping npages
// accounting. Order is preserved so the sorted prefix only shrinks by
// the removed slot.
func (d *dpl) removeAt(pos int) dpEntry {
	e := d.items[pos]
	d.index.Delete(uint32(e.pn))
	copy(d.items[pos:], d.items[pos+1:])
	d.items = d.items[:len(d.items)-1]
	if d.sorted > pos {
		d.sorted--
	}
	for i := pos; i < len(d.items); i++ {
		d.index.Set(uint32(d.items[i].pn), i)
	}
	d.pagesIncludingLoose -= int(e.npages)
	return e
}

// remove deletes pn's entry if present.
func (d *dpl) remove(pn pgno) (dpEntry, bool) {
	pos := d.search(pn)
	if pos < 0 {
		return dpEntry{}, false
	}
	return d.removeAt(pos), true
}

// forEach visits the entries in storage order.
func (d *dpl) forEach(fn func(*dpEntry) error) error {
	for i := range d.items {
		if err := fn(&d.items[i]); err != nil {
			return err
		}
	}
	return nil
}

// lruReduce halves every age when the clock nears saturation, keeping
// relative order while reopening headroom.
func (d *dpl) lruReduce() {
	for i := range d.items {
		d.items[i].lru >>= 1
	}
}

// evictionOrder returns the positions of all entries sorted by rising
// LRU age (coldest first) for the spill slow path.
func (d *dpl) evictionOrder() []int {
	order := make([]int, len(d.items))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return d.items[order[a]].lru < d.items[order[b]].lru
	})
	return order
}
