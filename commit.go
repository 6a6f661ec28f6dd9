package tern

import (
	"time"
	"unsafe"
)

// syncMode is the durability ladder of the commit pipeline.
type syncMode int

const (
	// syncRobust: fsync data, update meta with a steady sign, fsync
	// the meta.
	syncRobust syncMode = iota

	// syncHalfWeakLast: fsync data, steady meta, but defer the meta
	// fsync to the next commit or an explicit Sync.
	syncHalfWeakLast

	// syncLazyWeakTail (SafeNoSync): no fsync this commit, WEAK meta;
	// recovery rolls back to the last steady point.
	syncLazyWeakTail

	// syncWholeFragile (UtterlyNoSync): no fsync, WEAK meta, and no
	// ordering promise at all.
	syncWholeFragile
)

func (txn *Txn) syncModeFor() syncMode {
	flags := uint(txn.env.flags) | uint(txn.flags)
	switch {
	case flags&UtterlyNoSync == UtterlyNoSync:
		return syncWholeFragile
	case flags&SafeNoSync != 0:
		return syncLazyWeakTail
	case flags&NoMetaSync != 0:
		return syncHalfWeakLast
	default:
		return syncRobust
	}
}

// commitBasal runs the top-level commit: GC update, DPL flush in page
// order, durability barrier, meta update, coherency verification.
func (txn *Txn) commitBasal(latency *CommitLatency) error {
	env := txn.env

	prep := time.Now()
	txn.refund()
	if err := txn.persistNamedTrees(); err != nil {
		txn.poison()
		txn.Abort()
		return err
	}
	latency.Preparation = time.Since(prep)

	gcStart := time.Now()
	if err := txn.gcUpdate(); err != nil {
		txn.poison()
		txn.Abort()
		return err
	}
	latency.GCWallClock = time.Since(gcStart)

	writeStart := time.Now()
	txn.wr.dirty.sortByPgno()
	if err := txn.flushDirty(); err != nil {
		txn.poison()
		txn.Abort()
		return err
	}
	// A refunded tail may put the file past the shrink threshold; trim
	// before the meta records the geometry.
	env.shrinkTail(&txn.geo)
	latency.Write = time.Since(writeStart)

	syncStart := time.Now()
	mode := txn.syncModeFor()
	if err := txn.syncData(mode); err != nil {
		txn.poison()
		txn.Abort()
		return err
	}
	if err := txn.writeMeta(mode); err != nil {
		txn.poison()
		txn.Abort()
		return err
	}
	latency.Sync = time.Since(syncStart)

	ending := time.Now()
	env.updateCachedTrees(txn)
	env.retireTxn(txn)
	latency.Ending = time.Since(ending)
	return nil
}

// persistNamedTrees writes modified named-tree descriptors back into
// the main tree before the meta is assembled.
func (txn *Txn) persistNamedTrees() error {
	dirtyAny := false
	for i := CoreDBs; i < len(txn.dbiState); i++ {
		if txn.dbiState[i]&dbiStateDirty != 0 {
			dirtyAny = true
			break
		}
	}
	if !dirtyAny {
		return nil
	}

	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		return err
	}
	defer c.Close()

	for i := CoreDBs; i < len(txn.dbiState); i++ {
		if txn.dbiState[i]&dbiStateDirty == 0 {
			continue
		}
		name := txn.env.dbiName(DBI(i))
		if name == "" {
			continue
		}
		var desc [treeSize]byte
		serializeTree(&txn.trees[i], desc[:])
		if err := c.putTreeDescriptor([]byte(name), desc[:]); err != nil {
			return err
		}
	}
	return nil
}

// putTreeDescriptor upserts a named tree's 48-byte record under the
// nodeTree flag.
func (c *Cursor) putTreeDescriptor(name, desc []byte) error {
	exact, err := c.seek(name)
	if err != nil && !IsNotFound(err) {
		return err
	}
	nodeData := buildNodeBytes(name, desc, nodeTree, uint32(len(desc)))
	if exact {
		p, err := c.touchPage(int(c.top))
		if err != nil {
			return err
		}
		if p.updateEntry(c.leafIdx(), nodeData) {
			c.tree.ModTxnid = c.txn.txnID
			return nil
		}
		p.removeEntry(c.leafIdx())
		c.tree.Items--
	}
	if c.tree.Root == invalidPgno {
		if err := c.createRootRaw(); err != nil {
			return err
		}
	}
	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	if !p.insertEntry(c.leafIdx(), nodeData) {
		if err := c.splitAndInsert(nodeData); err != nil {
			return err
		}
	}
	c.tree.Items++
	c.tree.ModTxnid = c.txn.txnID
	c.txn.markDBIDirty(c.dbi)
	return nil
}

// createRootRaw plants an empty leaf root without inserting anything.
func (c *Cursor) createRootRaw() error {
	txn := c.txn
	pn, p, err := txn.pageAlloc(1)
	if err != nil {
		return err
	}
	p.init(pn, pageLeaf, uint16(txn.env.pageSize))
	p.header().Txnid = txn.front
	c.tree.Root = pn
	c.tree.Height = 1
	c.tree.LeafPages = 1
	c.top = 0
	c.pg[0] = p
	c.ki[0] = 0
	c.flags &^= czHollow
	return nil
}

// flushDirty pushes the sorted DPL to the file through the batching
// IOV writer. In WriteMap mode it writes nothing: the dirty pages are
// the mapping itself. Live spilled pages are already at their slots
// and are skipped.
func (txn *Txn) flushDirty() error {
	env := txn.env

	if err := env.ensureFileSize(int64(txn.geo.FirstUnallocated) * int64(env.pageSize)); err != nil {
		return err
	}

	if env.isWriteMap() {
		// Dirty buffers are the mapping itself; one ranged msync per
		// contiguous run would also work, but the durability barrier
		// handles it for the steady modes.
		return nil
	}

	w := newIovWriter(env.dataFile, int64(env.pageSize))
	err := txn.wr.dirty.forEach(func(e *dpEntry) error {
		return w.add(int64(e.pn), e.p.Data)
	})
	if err != nil {
		return err
	}
	return w.flush()
}

// syncData applies the data-file half of the durability matrix.
func (txn *Txn) syncData(mode syncMode) error {
	env := txn.env
	switch mode {
	case syncRobust, syncHalfWeakLast:
		if env.isWriteMap() {
			if err := env.dataMap.sync(); err != nil {
				return WrapError(ErrProblem, err)
			}
			return nil
		}
		if err := env.dataFile.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
		return nil
	case syncLazyWeakTail:
		// Deferred: account the unsynced volume so an auto-sync
		// threshold or an explicit Sync can catch up.
		env.noteUnsynced(uint64(txn.wr.dirty.pagesIncludingLoose) * uint64(env.pageSize))
		return nil
	default:
		return nil
	}
}

// writeMeta prepares the pending meta image and writes it into the
// troika's tail slot with the txnid bracket, then re-reads to verify
// coherency.
func (txn *Txn) writeMeta(mode syncMode) error {
	env := txn.env
	tk := env.currentTroika()
	slot := tk.tailSlot()
	ps := int(env.pageSize)

	head := tk.head()
	if head == nil {
		return ErrCorruptedError
	}

	buf := make([]byte, ps)
	ph := (*pageHeader)(unsafe.Pointer(&buf[0]))
	ph.PageNo = pgno(slot)
	ph.Flags = pageMeta

	pending := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
	*pending = *head

	// Bracketed update: txnid_a, body, txnid_b.
	pending.setTxnidA(txn.txnID)
	pending.GCTree = txn.trees[FreeDBI]
	pending.MainTree = txn.trees[MainDBI]
	pending.GCTree.DupfixSize = env.pageSize
	pending.Geometry = txn.geo
	pending.Canary = txn.canary
	pending.setPagesRetired(head.pagesRetired() + uint64(txn.retiredThisTxn))
	pending.BootID = env.bootID
	pending.setTxnidB(txn.txnID)

	switch mode {
	case syncRobust, syncHalfWeakLast:
		pending.setSignSteady()
	default:
		pending.setSignWeak()
	}

	off := int64(slot) * int64(ps)
	if _, err := env.dataFile.WriteAt(buf, off); err != nil {
		return WrapError(ErrProblem, err)
	}
	if mode == syncRobust {
		if err := env.dataFile.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
	}

	return env.coherencyCheckWritten(slot, txn.txnID, txn.geo.FirstUnallocated)
}

// coherencyTimeout bounds the re-read loop that defends against
// store buffers and unflushed caches presenting a stale meta.
const coherencyTimeout = 100 * time.Millisecond

// coherencyCheckWritten re-taps the troika until the just-written meta
// is observed, or declares ErrProblem.
func (e *Env) coherencyCheckWritten(slot int, want txnid, wantFirstUnallocated pgno) error {
	deadline := time.Now().Add(coherencyTimeout)
	for {
		if err := e.readTroika(); err != nil {
			return err
		}
		tk := e.currentTroika()
		m := tk.metas[slot]
		if m != nil && m.txnID() == want && !m.torn() &&
			m.Geometry.FirstUnallocated == wantFirstUnallocated {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrProblemError
		}
		time.Sleep(50 * time.Microsecond)
	}
}
