package tern

import (
	"encoding/binary"
	"time"
)

// The GC is a regular tree (FreeDBI) whose keys are txnids in native
// order and whose values are PNLs of the pages that became garbage in
// that txn. A record is reclaimable once its txnid is at or below the
// oldest live reader snapshot.

// gcProfile collects allocator timing for auto-tuning and TxInfo.
type gcProfile struct {
	wallClock time.Duration
	cpuTime   time.Duration
	steps     int
	majFaults int
}

// maxGCRecordEntries bounds how many page numbers fit into one GC
// record before it must be split across several ids.
func maxGCRecordEntries(pageSize int) int {
	return (leafNodeMax(pageSize)-NodeHeaderSize-8)/4 - 1
}

// encodeGCKey renders a txnid as the GC tree's 8-byte native key.
func encodeGCKey(id txnid, buf *[8]byte) []byte {
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func decodeGCKey(key []byte) txnid {
	if len(key) != 8 {
		return 0
	}
	return txnid(binary.LittleEndian.Uint64(key))
}

// encodePNLValue serializes a sorted PNL (count + entries) for a GC
// record.
func encodePNLValue(pl pnl) []byte {
	out := make([]byte, 4*(pl.len()+1))
	putUint32LE(out[0:4], uint32(pl.len()))
	for i, pn := range pl.all() {
		putUint32LE(out[4+4*i:], uint32(pn))
	}
	return out
}

func decodePNLValue(data []byte) pnl {
	if len(data) < 4 {
		return pnlAlloc(0)
	}
	count := int(getUint32LE(data[0:4]))
	if len(data) < 4*(count+1) {
		count = len(data)/4 - 1
	}
	out := pnlAlloc(count)
	for i := 0; i < count; i++ {
		out.append(pgno(getUint32LE(data[4+4*i:])))
	}
	out.sort()
	return out
}

// oldestReaderSnapshot returns the horizon at or below which GC records
// are reclaimable: min over live reader txnids, capped by this txn's own
// snapshot base. While the head is weak, the last steady meta is a
// pinned pseudo-reader — its tree is the crash-recovery target and
// must not lose pages to reclamation.
func (txn *Txn) oldestReaderSnapshot() txnid {
	oldest := txnid(txn.txnID - 1)
	if o := txn.env.lockFile.oldestReader(); o != ^uint64(0) && txnid(o) <= oldest {
		// A reader pinned at o needs only pages retired after o;
		// records with id <= o are reclaimable.
		oldest = txnid(o)
	}
	if tk := txn.env.currentTroika(); tk != nil && !tk.headIsSteady() {
		if s := tk.steadyMeta(); s != nil && s.isSteady() && s.txnID() <= oldest {
			oldest = s.txnID()
		}
	}
	return oldest
}

// pageAlloc obtains a span of num contiguous pages for the write txn.
// The search order: loose list, repnl, GC reclamation, end-of-file
// growth, laggard kick.
func (txn *Txn) pageAlloc(num int) (pgno, *page, error) {
	if err := txn.txnSpill(nil, num); err != nil {
		return 0, nil, err
	}
	if txn.wr.dirtyRoom <= 0 {
		return 0, nil, ErrTxnFullError
	}

	// Loose pages satisfy single-page requests in O(1).
	if num == 1 {
		if pn, ok := txn.popLoose(); ok {
			return txn.installAlloc(pn, num)
		}
	}

	// Drain the already-reclaimed pool.
	if pn, ok := txn.wr.repnl.extractSpan(num); ok {
		return txn.installAlloc(pn, num)
	}

	// Scan the GC for reclaimable records — unless gc_update itself is
	// asking, which must not recurse into the GC.
	if !txn.wr.gcRunning {
		if err := txn.gcReclaim(num); err == nil {
			if pn, ok := txn.wr.repnl.extractSpan(num); ok {
				return txn.installAlloc(pn, num)
			}
		} else if Code(err) != ErrNotFound {
			return 0, nil, err
		}
	}

	// Extend the file.
	if pn, err := txn.growFile(num); err == nil {
		return txn.installAlloc(pn, num)
	}

	// Last resort: kick parked laggards and rescan once.
	if !txn.wr.gcRunning && txn.env.kickLaggards(uint64(txn.oldestReaderSnapshot())) {
		if err := txn.gcReclaim(num); err == nil {
			if pn, ok := txn.wr.repnl.extractSpan(num); ok {
				return txn.installAlloc(pn, num)
			}
		}
		if pn, err := txn.growFile(num); err == nil {
			return txn.installAlloc(pn, num)
		}
	}

	return 0, nil, ErrMapFullError
}

// installAlloc builds the dirty shadow for a freshly obtained span.
func (txn *Txn) installAlloc(pn pgno, num int) (pgno, *page, error) {
	buf, err := txn.allocShadow(pn, num)
	if err != nil {
		return 0, nil, err
	}
	if txn.env.flags&NoMemInit == 0 {
		clear(buf)
	}
	if txn.env.flags&PagePerturb != 0 {
		for i := range buf {
			buf[i] = 0x71
		}
	}
	p := txn.addDirty(pn, buf, num)
	h := p.header()
	h.Txnid = txn.front
	h.PageNo = pn
	return pn, p, nil
}

// growFile advances geo.FirstUnallocated, resizing the file and the
// mapping when the allocation crosses geo.Now.
func (txn *Txn) growFile(num int) (pgno, error) {
	first := txn.geo.FirstUnallocated
	end := first + pgno(num)
	if end > txn.geo.Upper {
		return 0, ErrMapFullError
	}
	if end > txn.geo.Now {
		if err := txn.env.dxbResize(&txn.geo, end, true); err != nil {
			return 0, err
		}
	}
	txn.geo.FirstUnallocated = end
	return first, nil
}

// gcReclaim absorbs reclaimable GC records into repnl until a span of
// num pages is available or the scan budget runs out. LIFO reclaim
// walks from the newest reclaimable entry downward; FIFO walks
// ascending. Returns ErrNotFound when no more records are
// reclaimable.
func (txn *Txn) gcReclaim(num int) error {
	profile := &txn.env.gcProf
	started := time.Now()
	defer func() { profile.wallClock += time.Since(started) }()

	oldest := txn.oldestReaderSnapshot()
	lifo := txn.env.flags&LifoReclaim != 0
	budget := txn.env.opts.rpAugmentLimit

	gc, err := txn.gcCursor()
	if err != nil {
		return err
	}
	defer gc.Close()

	for attempts := 0; attempts < budget; attempts++ {
		profile.steps++
		id, pl, err := txn.gcNextReclaimable(gc, oldest, lifo)
		if err != nil {
			return err
		}
		txn.wr.gc.reclaimed.push(id)
		txn.wr.repnl.merge(pl)
		if _, ok := txn.peekSpan(num); ok {
			return nil
		}
	}
	return ErrNotFoundError
}

// peekSpan reports whether repnl currently holds a contiguous span of
// num pages without extracting it.
func (txn *Txn) peekSpan(num int) (pgno, bool) {
	entries := txn.wr.repnl.all()
	if len(entries) < num {
		return 0, false
	}
	if num == 1 {
		return entries[0], true
	}
	run := 1
	for i := 1; i < len(entries); i++ {
		if entries[i] == entries[i-1]+1 {
			run++
			if run == num {
				return entries[i-num+1], true
			}
		} else {
			run = 1
		}
	}
	return 0, false
}

// gcCursor opens a cursor on the GC tree tagged with czGCUPreparation.
// Reentrancy into GC scanning is prevented by txn.wr.gcRunning, which
// pageAlloc checks, not by the flag.
func (txn *Txn) gcCursor() (*Cursor, error) {
	c, err := txn.OpenCursor(FreeDBI)
	if err != nil {
		return nil, err
	}
	c.flags |= czGCUPreparation
	return c, nil
}

// gcNextReclaimable finds the next GC record with id <= oldest that
// was not already consumed. Returns ErrNotFound when none remain.
func (txn *Txn) gcNextReclaimable(gc *Cursor, oldest txnid, lifo bool) (txnid, pnl, error) {
	var keyBuf [8]byte

	if lifo {
		// Walk downward from the newest reclaimable id.
		probe := oldest
		for {
			k, v, err := gc.Get(encodeGCKey(probe, &keyBuf), nil, SetRange)
			if err != nil && !IsNotFound(err) {
				return 0, nil, err
			}
			var id txnid
			if err == nil {
				id = decodeGCKey(k)
				if id > oldest {
					k, v, err = gc.Get(nil, nil, Prev)
					if err != nil {
						return 0, nil, err
					}
					id = decodeGCKey(k)
				}
			} else {
				k, v, err = gc.Get(nil, nil, Last)
				if err != nil {
					return 0, nil, err
				}
				id = decodeGCKey(k)
			}
			if id > oldest {
				return 0, nil, ErrNotFoundError
			}
			if !txn.wr.gc.reclaimed.contain(id) && !txn.wr.gc.comeback.contain(id) {
				return id, decodePNLValue(v), nil
			}
			if id == 0 {
				return 0, nil, ErrNotFoundError
			}
			probe = id - 1
		}
	}

	// FIFO: ascending walk from the lowest id.
	k, v, err := gc.Get(nil, nil, First)
	for {
		if err != nil {
			if IsNotFound(err) {
				return 0, nil, ErrNotFoundError
			}
			return 0, nil, err
		}
		id := decodeGCKey(k)
		if id > oldest {
			return 0, nil, ErrNotFoundError
		}
		if !txn.wr.gc.reclaimed.contain(id) && !txn.wr.gc.comeback.contain(id) {
			return id, decodePNLValue(v), nil
		}
		k, v, err = gc.Get(nil, nil, Next)
	}
}

// gcUpdate folds the txn's retired pages into the GC under the
// committing txnid, deletes consumed records, and returns leftover
// reclaimed pages. The insertion itself may allocate and retire GC
// pages, so the loop runs until the retired set stops changing,
// bounded by a ceiling that surfaces as ErrBacklogDepleted.
func (txn *Txn) gcUpdate() error {
	const loopCeiling = 42

	gc, err := txn.gcCursor()
	if err != nil {
		return err
	}
	defer gc.Close()

	var keyBuf [8]byte

	// Loose pages that survived refund have no tree references; they
	// join the retired set so the next txns can reuse them.
	for {
		pn, ok := txn.popLoose()
		if !ok {
			break
		}
		txn.wr.retired.append(pn)
	}

	// While the update runs, the allocator must not rescan the GC: a
	// nested reclaim would mutate the very sets this loop iterates.
	txn.wr.gcRunning = true
	defer func() { txn.wr.gcRunning = false }()

	// Deleting consumed records and storing new ones both go through
	// the ordinary tree machinery, which may COW and retire GC pages.
	// Each pass absorbs whatever the previous pass produced; a dense
	// workload that refuses to converge hits the ceiling.
	deleted := rkl{}
	deleted.init()
	for loop := 0; ; loop++ {
		if loop >= loopCeiling {
			return NewError(ErrBacklogDepleted)
		}

		var delErr error
		txn.wr.gc.reclaimed.iterate(func(id txnid) bool {
			if deleted.contain(id) {
				return true
			}
			_, _, err := gc.Get(encodeGCKey(id, &keyBuf), nil, Set)
			if err != nil {
				if IsNotFound(err) {
					deleted.push(id)
					return true
				}
				delErr = err
				return false
			}
			if err := gc.Del(0); err != nil {
				delErr = err
				return false
			}
			deleted.push(id)
			txn.wr.gc.ready4reuse.push(id)
			return true
		})
		if delErr != nil {
			return delErr
		}

		// Leftover reclaimed pages go back under a drained id when one
		// is available; otherwise they ride along with the retired set
		// under the committing txnid (reusable one generation later,
		// still never lost).
		if !txn.wr.repnl.empty() {
			txn.wr.repnl.sort()
			if !txn.wr.gc.ready4reuse.empty() {
				id := txn.wr.gc.ready4reuse.pop(false)
				if err := txn.gcStore(gc, id, txn.wr.repnl); err != nil {
					return err
				}
				txn.wr.gc.comeback.push(id)
			} else {
				txn.wr.retired.merge(txn.wr.repnl)
			}
			txn.wr.repnl.clear()
		}

		// Store the retired set, splitting oversized records across
		// several ids: the committing txnid first, then drained
		// reclaimed ids (the BIGFOOT spread).
		if !txn.wr.retired.empty() {
			retired := txn.wr.retired.clone()
			retired.sort()
			txn.wr.retired.clear()

			// Prefer keeping each record within one page worth of
			// entries by spreading across drained ids; whatever does
			// not fit rides the committing txnid as a big value.
			maxEntries := maxGCRecordEntries(int(txn.env.pageSize))
			ids := txl{}
			ids.append(txn.txnID)
			for retired.len() > maxEntries*len(ids) {
				if txn.wr.gc.ready4reuse.empty() {
					break
				}
				ids.append(txn.wr.gc.ready4reuse.pop(false))
			}

			chunk := (retired.len() + len(ids) - 1) / len(ids)
			entries := retired.all()
			for i, id := range ids {
				lo := i * chunk
				hi := lo + chunk
				if hi > len(entries) {
					hi = len(entries)
				}
				if lo >= hi {
					break
				}
				part := pnlAlloc(hi - lo)
				for _, pn := range entries[lo:hi] {
					part.append(pn)
				}
				if err := txn.gcStore(gc, id, part); err != nil {
					return err
				}
				txn.wr.gc.comeback.push(id)
			}
		}

		// Stores may have freed emptied pages back onto the loose list;
		// fold them in for the next pass.
		for {
			pn, ok := txn.popLoose()
			if !ok {
				break
			}
			txn.wr.retired.append(pn)
		}

		if txn.wr.retired.empty() && txn.wr.repnl.empty() && deleted.len() == txn.wr.gc.reclaimed.len() {
			break
		}
	}

	return nil
}

// gcStore upserts one GC record, merging with an existing record
// under the same id.
func (txn *Txn) gcStore(gc *Cursor, id txnid, pl pnl) error {
	var keyBuf [8]byte
	key := encodeGCKey(id, &keyBuf)

	if _, v, err := gc.Get(key, nil, Set); err == nil {
		existing := decodePNLValue(v)
		existing.merge(pl)
		pl = existing
	} else if !IsNotFound(err) {
		return err
	}
	return gc.Put(key, encodePNLValue(pl), 0)
}
