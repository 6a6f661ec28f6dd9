package tern

import (
	"sync"
	"time"
	"unsafe"
)

// txnSignature marks a live transaction object.
const txnSignature int32 = 0x54584E58 // "TXNX"

// Internal txn state flags, kept apart from the public Txn* flags.
const (
	txnFlagError  uint32 = 1 << 30 // poisoned by a failed commit step
	txnFlagNested uint32 = 1 << 29
	txnFlagParked uint32 = 1 << 28
)

// gcState carries the reclaimed-id bookkeeping of one write txn
// through commit: which records were consumed, which ids are free for
// new records, and which records this commit minted itself.
type gcState struct {
	// reclaimed holds GC record ids whose PNLs were absorbed into
	// repnl; their tree entries are deleted during gc_update.
	reclaimed rkl

	// ready4reuse holds reclaimed ids fully drained and safe to carry
	// new GC records minted by this commit.
	ready4reuse rkl

	// comeback holds ids of GC records written by this commit, so the
	// update loop can recognize its own output.
	comeback rkl
}

func (g *gcState) init() {
	g.reclaimed.init()
	g.ready4reuse.init()
	g.comeback.init()
}

// writeState is everything a write transaction tracks beyond its
// snapshot: the dirty-page list, the spill list, the retired set, the
// loose list and the GC bookkeeping.
type writeState struct {
	dirty   dpl
	spilled spillList

	// repnl: pages reclaimed from the GC but not yet handed out.
	repnl pnl

	// retired: pages replaced by COW or freed by tree ops; folded into
	// the GC at commit under the committing txnid.
	retired pnl

	// loose pages are tracked in a sidecar slice rather than through
	// an in-page next pointer.
	loose []pgno

	// dirtyLRU is the touch clock feeding the DPL age words.
	dirtyLRU uint32

	// dirtyRoom counts how many more dirty pages fit before spilling.
	dirtyRoom int

	// gcRunning blocks reentrant GC scans while gc_update executes.
	gcRunning bool

	gc gcState
}

// Txn is a transaction: a read-only snapshot or the single writer.
type Txn struct {
	signature int32
	flags     uint32
	env       *Env
	txnID     txnid
	front     txnid // parent-or-self ownership mark for dirty pages
	parent    *Txn
	child     *Txn
	mu        sync.Mutex

	// Snapshot state.
	geo    geo
	canary canary
	trees  []tree
	// dbiState bit 0: tree dirty (descriptor must be written back).
	dbiState []uint8
	dbiSeqs  []uint32

	// Read transaction state.
	readerSlot *readerSlot
	slotIdx    int

	// Write transaction state.
	wr writeState

	// retiredThisTxn survives gcUpdate's draining of wr.retired so
	// the meta's monotonic pages_retired counter can advance.
	retiredThisTxn int

	// Cursor tracking: one list head per dbi, chained via Cursor.next.
	cursorHeads []*Cursor

	// Cached per-dbi comparators.
	keyCmps []CmpFunc
	dupCmps []CmpFunc

	userCtx any
}

func (txn *Txn) valid() bool {
	return txn != nil && txn.signature == txnSignature
}

func (txn *Txn) usable() error {
	if !txn.valid() {
		return ErrBadTxnError
	}
	if txn.flags&txnFlagError != 0 {
		return ErrBadTxnError
	}
	if txn.env != nil && txn.env.panicked() {
		return ErrPanicError
	}
	return nil
}

// poison marks the txn unusable after a failed commit step; only
// Abort is allowed afterwards.
func (txn *Txn) poison() {
	txn.flags |= txnFlagError
}

// Env returns the owning environment.
func (txn *Txn) Env() *Env {
	return txn.env
}

// ID returns the transaction ID.
func (txn *Txn) ID() uint64 {
	return uint64(txn.txnID)
}

// IsReadOnly reports whether this is a snapshot transaction.
func (txn *Txn) IsReadOnly() bool {
	return txn.flags&uint32(TxnReadOnly) != 0
}

// SetUserCtx attaches an arbitrary user value.
func (txn *Txn) SetUserCtx(ctx any) { txn.userCtx = ctx }

// UserCtx returns the attached user value.
func (txn *Txn) UserCtx() any { return txn.userCtx }

// ---------------- page access ----------------

// getPageData resolves pn to its current bytes: the txn's dirty page,
// a parent's dirty page, or the mapped file.
func (txn *Txn) getPageData(pn pgno) ([]byte, error) {
	for t := txn; t != nil; t = t.parent {
		if !t.IsReadOnly() {
			if p := t.wr.dirty.get(pn); p != nil {
				return p.Data, nil
			}
		}
	}
	return txn.env.getPageData(pn)
}

// getPage wraps getPageData in a page struct.
func (txn *Txn) getPage(pn pgno) (*page, error) {
	for t := txn; t != nil; t = t.parent {
		if !t.IsReadOnly() {
			if p := t.wr.dirty.get(pn); p != nil {
				return p, nil
			}
		}
	}
	data, err := txn.env.getPageData(pn)
	if err != nil {
		return nil, err
	}
	return &page{Data: data}, nil
}

// pageState classifies pn against this txn per the ownership rule:
// modifiable when its creating txnid equals the txn's front, spilled
// when additionally recorded in the spill list, shadowed when greater
// (a nested child owns it), frozen when strictly less.
type pageState int

const (
	pageStateFrozen pageState = iota
	pageStateModifiable
	pageStateSpilled
	pageStateShadowed
)

func (txn *Txn) stateOf(p *page) pageState {
	created := p.header().Txnid
	switch {
	case created == txn.front:
		if txn.wr.spilled.contains(p.pageNo()) {
			return pageStateSpilled
		}
		return pageStateModifiable
	case created > txn.front:
		return pageStateShadowed
	default:
		return pageStateFrozen
	}
}

// touchClock bumps the dirty LRU clock, shrinking all ages when the
// 32-bit clock nears saturation.
func (txn *Txn) touchClock() uint32 {
	txn.wr.dirtyLRU++
	if txn.wr.dirtyLRU >= 0xFFFF0000 {
		txn.wr.dirty.lruReduce()
		txn.wr.dirtyLRU >>= 1
	}
	return txn.wr.dirtyLRU
}

// allocShadow returns a fresh shadow buffer covering span pages. In
// WriteMap mode the buffer is the page's slice of the mapping itself.
func (txn *Txn) allocShadow(pn pgno, span int) ([]byte, error) {
	if txn.env.isWriteMap() {
		if err := txn.env.ensureMapped(pn + pgno(span)); err != nil {
			return nil, err
		}
		ps := int(txn.env.pageSize)
		off := int(pn) * ps
		return txn.env.dataMap.data[off : off+span*ps], nil
	}
	buf := make([]byte, span*int(txn.env.pageSize))
	return buf, nil
}

// addDirty registers a fresh page buffer under pn.
func (txn *Txn) addDirty(pn pgno, data []byte, span int) *page {
	p := &page{Data: data}
	txn.wr.dirty.append(p, pn, uint32(span), txn.touchClock())
	txn.wr.dirtyRoom--
	return p
}

// retirePage records that the page (or span) left the reachable tree
// of this txn. Pages the txn itself created never reach the GC: they
// go loose (single) or straight back to repnl (spans).
func (txn *Txn) retirePage(pn pgno, span uint32, created txnid) {
	if created == txn.front {
		if e, ok := txn.wr.dirty.remove(pn); ok {
			_ = e
			txn.wr.dirtyRoom++
		}
		if span == 1 {
			txn.loosePage(pn)
		} else {
			txn.wr.repnl.appendSpan(pn, int(span))
			txn.wr.repnl.sort()
		}
		return
	}
	for i := uint32(0); i < span; i++ {
		txn.wr.retired.append(pn + pgno(i))
	}
	txn.retiredThisTxn += int(span)
}

// loosePage queues an emptied own page for O(1) reuse.
func (txn *Txn) loosePage(pn pgno) {
	txn.wr.loose = append(txn.wr.loose, pn)
	txn.wr.dirty.pagesIncludingLoose++
}

// popLoose takes one loose page, if any.
func (txn *Txn) popLoose() (pgno, bool) {
	n := len(txn.wr.loose)
	if n == 0 {
		return 0, false
	}
	pn := txn.wr.loose[n-1]
	txn.wr.loose = txn.wr.loose[:n-1]
	txn.wr.dirty.pagesIncludingLoose--
	return pn, true
}

// refund shrinks geo.FirstUnallocated when the allocation tail is
// entirely loose or was both allocated and retired inside this txn —
// an online auto-compaction that needs no GC traffic.
func (txn *Txn) refund() {
	for {
		tail := txn.geo.FirstUnallocated - 1
		if tail < MinPageNo {
			return
		}
		refunded := false
		for i, pn := range txn.wr.loose {
			if pn == tail {
				txn.wr.loose = append(txn.wr.loose[:i], txn.wr.loose[i+1:]...)
				txn.wr.dirty.pagesIncludingLoose--
				if e, ok := txn.wr.dirty.remove(pn); ok {
					_ = e
					txn.wr.dirtyRoom++
				}
				txn.geo.FirstUnallocated--
				refunded = true
				break
			}
		}
		if refunded {
			continue
		}
		// Tail pages sitting in repnl can be refunded too.
		if !txn.wr.repnl.empty() && txn.wr.repnl.most() == tail {
			txn.wr.repnl.removeAt(txn.wr.repnl.len())
			txn.geo.FirstUnallocated--
			continue
		}
		return
	}
}

// ---------------- COW ----------------

// touchPage makes the page at cursor level lvl modifiable, COWing it
// (and recursively its ancestors) when frozen. The cursor stack and
// every sibling cursor sharing the page are repointed.
func (c *Cursor) touchPage(lvl int) (*page, error) {
	txn := c.txn
	p := c.pg[lvl]

	switch txn.stateOf(p) {
	case pageStateModifiable:
		txn.wr.dirty.touch(p.pageNo(), txn.touchClock())
		return p, nil
	case pageStateSpilled:
		return c.unspillPage(lvl)
	case pageStateShadowed:
		return nil, ErrProblemError
	}

	// Frozen: allocate a fresh page, copy, retire the old pgno.
	oldPn := p.pageNo()
	span := 1
	newPn, newPage, err := txn.pageAlloc(span)
	if err != nil {
		return nil, err
	}
	copy(newPage.Data, p.Data)
	h := newPage.header()
	h.Txnid = txn.front
	h.PageNo = newPn
	txn.retirePage(oldPn, 1, p.header().Txnid)

	// Relink from the parent branch, COWing it first.
	if lvl > 0 {
		parent, err := c.touchPage(lvl - 1)
		if err != nil {
			return nil, err
		}
		nodeSetChildPgno(parent.Data, int(c.ki[lvl-1]), newPn)
	} else {
		c.tree.Root = newPn
		txn.markDBIDirty(c.dbi)
	}

	c.pg[lvl] = newPage
	txn.fixupCursors(c, oldPn, newPage)
	return newPage, nil
}

// unspillPage reloads a spilled page into the dirty list, leaving the
// lazy tombstone in the spill list.
func (c *Cursor) unspillPage(lvl int) (*page, error) {
	txn := c.txn
	p := c.pg[lvl]
	pn := p.pageNo()

	if !txn.wr.spilled.unspill(pn) {
		return nil, ErrProblemError
	}

	disk, err := txn.env.getPageData(pn)
	if err != nil {
		return nil, err
	}
	buf, err := txn.allocShadow(pn, 1)
	if err != nil {
		return nil, err
	}
	copy(buf, disk)
	np := txn.addDirty(pn, buf, 1)
	c.pg[lvl] = np
	txn.fixupCursors(c, pn, np)
	return np, nil
}

// fixupCursors repoints every other cursor of the same dbi whose stack
// references oldPn.
func (txn *Txn) fixupCursors(self *Cursor, oldPn pgno, np *page) {
	if int(self.dbi) >= len(txn.cursorHeads) {
		return
	}
	for cur := txn.cursorHeads[self.dbi]; cur != nil; cur = cur.next {
		if cur == self {
			continue
		}
		for lvl := 0; lvl <= int(cur.top); lvl++ {
			if cur.pg[lvl] != nil && cur.pg[lvl].pageNo() == oldPn {
				cur.pg[lvl] = np
			}
		}
		if cur.subcur != nil {
			sc := cur.subcur
			for lvl := 0; lvl <= int(sc.top); lvl++ {
				if sc.pg[lvl] != nil && sc.pg[lvl].pageNo() == oldPn {
					sc.pg[lvl] = np
				}
			}
		}
	}
}

// markDBIDirty flags the dbi's tree descriptor for write-back.
func (txn *Txn) markDBIDirty(dbi DBI) {
	if int(dbi) < len(txn.dbiState) {
		txn.dbiState[dbi] |= dbiStateDirty
	}
}

// ---------------- spill ----------------

// txnSpill relieves dirty-page pressure before an allocation of need
// pages. Fast path: thresholds unreached, nothing happens. Slow path:
// evict coldest pages until both thresholds clear, skipping pages on
// any cursor stack and multi-page spans.
func (txn *Txn) txnSpill(keep *Cursor, need int) error {
	dpLimit := txn.env.opts.dpLimit
	wannaEntries, wannaPages := spillThresholds(dpLimit,
		txn.wr.dirty.len(), txn.wr.dirty.pagesIncludingLoose, need)
	if wannaEntries <= 0 && wannaPages <= 0 {
		return nil
	}

	order := txn.wr.dirty.evictionOrder()
	evicted := 0
	for _, pos := range order {
		if wannaEntries <= 0 && wannaPages <= 0 {
			break
		}
		pos -= evicted // earlier removals shifted the tail left
		if pos < 0 || pos >= txn.wr.dirty.len() {
			continue
		}
		e := &txn.wr.dirty.items[pos]
		if e.npages != 1 {
			continue
		}
		if txn.pageOnAnyCursor(e.pn) {
			continue
		}
		if err := txn.spillOut(e.p, e.pn); err != nil {
			return err
		}
		pn := e.pn
		txn.wr.dirty.removeAt(pos)
		txn.wr.dirtyRoom++
		txn.wr.spilled.push(pn)
		evicted++
		wannaEntries--
		wannaPages--
	}
	_ = keep
	return nil
}

// spillOut writes the dirty page to its on-disk slot.
func (txn *Txn) spillOut(p *page, pn pgno) error {
	if txn.env.isWriteMap() {
		// The buffer is the mapping; the OS already owns the bytes.
		return nil
	}
	off := int64(pn) * int64(txn.env.pageSize)
	if _, err := txn.env.dataFile.WriteAt(p.Data, off); err != nil {
		return WrapError(ErrProblem, err)
	}
	return nil
}

// pageOnAnyCursor reports whether pn is on some cursor stack of this
// txn (such pages must not be evicted under the cursor).
func (txn *Txn) pageOnAnyCursor(pn pgno) bool {
	for _, head := range txn.cursorHeads {
		for cur := head; cur != nil; cur = cur.next {
			for lvl := 0; lvl <= int(cur.top); lvl++ {
				if cur.pg[lvl] != nil && cur.pg[lvl].pageNo() == pn {
					return true
				}
			}
			if sc := cur.subcur; sc != nil {
				for lvl := 0; lvl <= int(sc.top); lvl++ {
					if sc.pg[lvl] != nil && sc.pg[lvl].pageNo() == pn {
						return true
					}
				}
			}
		}
	}
	return false
}

// ---------------- lifecycle ----------------

// CommitLatency carries timing of the commit stages.
type CommitLatency struct {
	Preparation time.Duration
	GCWallClock time.Duration
	GCCpuTime   time.Duration
	Audit       time.Duration
	Write       time.Duration
	Sync        time.Duration
	Ending      time.Duration
	Whole       time.Duration
}

// Commit makes the transaction's changes durable per the env mode and
// returns stage latencies.
func (txn *Txn) Commit() (CommitLatency, error) {
	var latency CommitLatency
	if !txn.valid() {
		return latency, ErrBadTxnError
	}
	if txn.flags&txnFlagError != 0 {
		txn.Abort()
		return latency, ErrBadTxnError
	}
	if txn.child != nil {
		txn.Abort()
		return latency, ErrBadTxnError
	}

	if txn.IsReadOnly() {
		txn.Abort()
		return latency, nil
	}

	if txn.parent != nil {
		return latency, txn.commitNested()
	}

	whole := time.Now()
	err := txn.commitBasal(&latency)
	latency.Whole = time.Since(whole)
	return latency, err
}

// commitNested merges the child's work into its parent: dirty pages
// replace the parent's shadows, retired and loose sets fold upward,
// tree state moves up.
func (txn *Txn) commitNested() error {
	parent := txn.parent

	// Adopt dirty pages: rewrite creator marks down to the parent's
	// front so the pages look modifiable to it.
	for i := range txn.wr.dirty.items {
		e := &txn.wr.dirty.items[i]
		if e.p.header().Txnid == txn.front {
			e.p.header().Txnid = parent.front
		}
		if old, ok := parent.wr.dirty.remove(e.pn); ok {
			_ = old // the parent's shadow is superseded by the child's copy
			parent.wr.dirtyRoom++
		}
		parent.wr.dirty.append(e.p, e.pn, e.npages, parent.touchClock())
		parent.wr.dirtyRoom--
	}

	for _, pn := range txn.wr.retired.all() {
		parent.wr.retired.append(pn)
	}
	for _, pn := range txn.wr.loose {
		parent.loosePage(pn)
	}
	parent.wr.repnl.merge(txn.wr.repnl)
	parent.wr.gc.reclaimed.merge(&txn.wr.gc.reclaimed)

	copy(parent.trees, txn.trees)
	for i := range txn.dbiState {
		parent.dbiState[i] |= txn.dbiState[i]
	}
	parent.geo = txn.geo
	parent.canary = txn.canary

	// Parent cursors may still reference shadows the child just
	// superseded; they must re-seek.
	parent.hollowAllCursors()

	parent.child = nil
	txn.finish()
	return nil
}

// Abort throws the transaction away: dirty pages are dropped, retired
// pages are forgotten, the GC and metas stay untouched.
func (txn *Txn) Abort() {
	if !txn.valid() {
		return
	}
	if txn.child != nil {
		txn.child.Abort()
	}

	if txn.IsReadOnly() {
		if txn.readerSlot != nil {
			txn.env.lockFile.releaseReaderSlot(txn.readerSlot, txn.slotIdx)
			txn.readerSlot = nil
		}
		txn.finish()
		return
	}

	if txn.parent != nil {
		// Nested abort: the parent's shadows stay valid; cursors that
		// walked into child pages go hollow.
		txn.parent.child = nil
		txn.parent.hollowAllCursors()
		txn.finish()
		return
	}

	env := txn.env
	txn.finish()
	env.releaseWriter()
}

// finish severs cursors and returns the txn object to the env pool.
func (txn *Txn) finish() {
	txn.closeAllCursors()
	env := txn.env
	txn.signature = 0
	txn.env = nil
	txn.parent = nil
	txn.child = nil
	txn.userCtx = nil
	if env != nil {
		env.txnWg.Done()
		if !txn.IsReadOnly() {
			// keep the basal txn object for reuse
		} else {
			env.readTxnPool.Put(txn)
		}
	}
}

func (txn *Txn) hollowAllCursors() {
	for _, head := range txn.cursorHeads {
		for cur := head; cur != nil; cur = cur.next {
			cur.makeHollow()
		}
	}
}

func (txn *Txn) closeAllCursors() {
	for i, head := range txn.cursorHeads {
		for cur := head; cur != nil; {
			next := cur.next
			cur.signature = 0
			cur.txn = nil
			cur.next = nil
			cur = next
		}
		txn.cursorHeads[i] = nil
	}
}

// unlinkCursor removes c from its dbi chain.
func (txn *Txn) unlinkCursor(c *Cursor) {
	if int(c.dbi) >= len(txn.cursorHeads) {
		return
	}
	head := txn.cursorHeads[c.dbi]
	if head == c {
		txn.cursorHeads[c.dbi] = c.next
		return
	}
	for cur := head; cur != nil; cur = cur.next {
		if cur.next == c {
			cur.next = c.next
			return
		}
	}
}

// linkCursor prepends c to its dbi chain.
func (txn *Txn) linkCursor(c *Cursor) {
	for int(c.dbi) >= len(txn.cursorHeads) {
		txn.cursorHeads = append(txn.cursorHeads, nil)
	}
	c.next = txn.cursorHeads[c.dbi]
	txn.cursorHeads[c.dbi] = c
}

// ---------------- comparators ----------------

func (txn *Txn) keyCmp(dbi DBI) CmpFunc {
	if int(dbi) < len(txn.keyCmps) && txn.keyCmps[dbi] != nil {
		return txn.keyCmps[dbi]
	}
	cmp := txn.env.customKeyCmp(dbi)
	if cmp == nil {
		cmp = treeKeyCmp(txn.trees[dbi].Flags)
	}
	for int(dbi) >= len(txn.keyCmps) {
		txn.keyCmps = append(txn.keyCmps, nil)
	}
	txn.keyCmps[dbi] = cmp
	return cmp
}

func (txn *Txn) dupCmp(dbi DBI) CmpFunc {
	if int(dbi) < len(txn.dupCmps) && txn.dupCmps[dbi] != nil {
		return txn.dupCmps[dbi]
	}
	cmp := txn.env.customDupCmp(dbi)
	if cmp == nil {
		cmp = treeDupCmp(txn.trees[dbi].Flags)
	}
	for int(dbi) >= len(txn.dupCmps) {
		txn.dupCmps = append(txn.dupCmps, nil)
	}
	txn.dupCmps[dbi] = cmp
	return cmp
}

// Cmp orders two keys with dbi's key comparator.
func (txn *Txn) Cmp(dbi DBI, a, b []byte) int {
	return txn.keyCmp(dbi)(a, b)
}

// DCmp orders two values with dbi's duplicate comparator.
func (txn *Txn) DCmp(dbi DBI, a, b []byte) int {
	return txn.dupCmp(dbi)(a, b)
}

// ---------------- convenience data ops ----------------

// Get returns the value stored at key (the first duplicate for
// DupSort trees).
func (txn *Txn) Get(dbi DBI, key []byte) ([]byte, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	if err := txn.checkDBI(dbi); err != nil {
		return nil, err
	}
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	_, v, err := c.Get(key, nil, Set)
	return v, err
}

// Put stores a key/value pair.
func (txn *Txn) Put(dbi DBI, key, value []byte, flags uint) error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if err := txn.checkDBI(dbi); err != nil {
		return err
	}
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Put(key, value, flags)
}

// PutReserve stores key with a zero-filled value of length n and
// returns the writable slice inside the leaf.
func (txn *Txn) PutReserve(dbi DBI, key []byte, n int, flags uint) ([]byte, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.putReserve(key, n, flags)
}

// Del removes key (all duplicates when value is nil) or one exact
// (key, value) pair.
func (txn *Txn) Del(dbi DBI, key, value []byte) error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if err := txn.checkDBI(dbi); err != nil {
		return err
	}
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer c.Close()

	if value == nil {
		if _, _, err := c.Get(key, nil, Set); err != nil {
			return err
		}
		return c.Del(AllDups)
	}
	if _, _, err := c.Get(key, value, GetBoth); err != nil {
		return err
	}
	return c.Del(0)
}

func (txn *Txn) checkDBI(dbi DBI) error {
	if int(dbi) >= len(txn.trees) {
		return ErrBadDBIError
	}
	if dbi == FreeDBI {
		return ErrBadDBIError
	}
	if int(dbi) >= CoreDBs {
		if int(dbi) < len(txn.dbiSeqs) && !txn.env.dbiSeqValid(dbi, txn.dbiSeqs[dbi]) {
			return ErrBadDBIError
		}
	}
	return nil
}

// ---------------- read-txn parking ----------------

// Reset releases the reader slot, keeping the txn object for Renew.
func (txn *Txn) Reset() {
	if !txn.valid() || !txn.IsReadOnly() {
		return
	}
	if txn.readerSlot != nil {
		txn.env.lockFile.releaseReaderSlot(txn.readerSlot, txn.slotIdx)
		txn.readerSlot = nil
	}
}

// Renew re-binds a Reset txn to the current head snapshot.
func (txn *Txn) Renew() error {
	if !txn.valid() || !txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if txn.readerSlot != nil {
		return ErrBadTxnError
	}
	return txn.env.bindReader(txn)
}

// Park releases the snapshot constraint but keeps the slot. A parked
// laggard may be ousted by the writer; Unpark then fails.
func (txn *Txn) Park(autounpark bool) error {
	if !txn.valid() || !txn.IsReadOnly() || txn.readerSlot == nil {
		return ErrBadTxnError
	}
	txn.env.lockFile.park(txn.readerSlot)
	txn.flags |= txnFlagParked
	_ = autounpark
	return nil
}

// Unpark re-publishes the snapshot. ErrOusted means the snapshot was
// reclaimed while parked; with restartIfOusted the txn is re-bound to
// the current head instead.
func (txn *Txn) Unpark(restartIfOusted bool) error {
	if !txn.valid() || !txn.IsReadOnly() || txn.readerSlot == nil {
		return ErrBadTxnError
	}
	if txn.flags&txnFlagParked == 0 {
		return nil
	}
	txn.flags &^= txnFlagParked
	if txn.env.lockFile.unpark(txn.readerSlot, readerThreadID(txn), txn.txnID) {
		return nil
	}
	if !restartIfOusted {
		return ErrOustedError
	}
	txn.env.lockFile.releaseReaderSlot(txn.readerSlot, txn.slotIdx)
	txn.readerSlot = nil
	return txn.env.bindReader(txn)
}

// readerThreadID derives the published tid. Go goroutines migrate
// between threads, so the txn identity stands in for a thread id.
func readerThreadID(txn *Txn) uint64 {
	return uint64(uintptr(unsafe.Pointer(txn)))
}

// ---------------- info ----------------

// Stat summarizes one tree.
type Stat struct {
	PageSize      uint32
	Depth         uint32
	BranchPages   uint64
	LeafPages     uint64
	LargePages    uint64
	OverflowPages uint64
	Entries       uint64
	Root          uint32
	ModTxnID      uint64
}

// Stat returns statistics for dbi.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	if int(dbi) >= len(txn.trees) {
		return nil, ErrBadDBIError
	}
	t := &txn.trees[dbi]
	return &Stat{
		PageSize:      txn.env.pageSize,
		Depth:         uint32(t.Height),
		BranchPages:   uint64(t.BranchPages),
		LeafPages:     uint64(t.LeafPages),
		LargePages:    uint64(t.LargePages),
		OverflowPages: uint64(t.LargePages),
		Entries:       t.Items,
		Root:          uint32(t.Root),
		ModTxnID:      uint64(t.ModTxnid),
	}, nil
}

// TxInfo describes a transaction's resource position.
type TxInfo struct {
	ID            uint64
	ReaderLag     uint64
	SpaceUsed     uint64
	SpaceRetired  uint64
	SpaceDirty    uint64
	SpaceLeftover uint64
	Spill         uint64
	Unspill       uint64
}

// Info reports this txn's id, lag and page accounting.
func (txn *Txn) Info(scanRlt bool) (*TxInfo, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	info := &TxInfo{ID: uint64(txn.txnID)}
	head := txn.env.currentTroika().head()
	if head != nil && head.txnID() > txn.txnID {
		info.ReaderLag = uint64(head.txnID() - txn.txnID)
	}
	if !txn.IsReadOnly() {
		ps := uint64(txn.env.pageSize)
		info.SpaceDirty = uint64(txn.wr.dirty.pagesIncludingLoose) * ps
		info.SpaceRetired = uint64(txn.wr.retired.len()) * ps
		info.SpaceLeftover = uint64(txn.wr.repnl.len()) * ps
		info.Spill = uint64(txn.wr.spilled.live())
	}
	info.SpaceUsed = uint64(txn.geo.FirstUnallocated) * uint64(txn.env.pageSize)
	_ = scanRlt
	return info, nil
}

// Canary returns the user marker carried by the snapshot.
func (txn *Txn) Canary() (x, y, z, v uint64) {
	return txn.canary.X, txn.canary.Y, txn.canary.Z, txn.canary.V
}

// PutCanary updates the user marker; V is stamped with the txnid.
func (txn *Txn) PutCanary(x, y, z uint64) error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	txn.canary = canary{X: x, Y: y, Z: z, V: uint64(txn.txnID)}
	return nil
}

// Sequence reads, and for increment > 0 advances, the dbi's
// persistent sequence counter.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if int(dbi) >= len(txn.trees) {
		return 0, ErrBadDBIError
	}
	t := &txn.trees[dbi]
	current := t.Sequence
	if increment > 0 {
		if txn.IsReadOnly() {
			return 0, ErrBadTxnError
		}
		t.Sequence = current + increment
		t.ModTxnid = txn.txnID
		txn.markDBIDirty(dbi)
	}
	return current, nil
}
