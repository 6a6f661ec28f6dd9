package tern

// Mutation half of the cursor: put, delete, page split and rebalance,
// duplicate-set maintenance, and the bookkeeping that keeps sibling
// cursors coherent after every structural change.

// largeUpdateReserve bounds in-place rewrites of large-value chains:
// an existing chain is reused when its span lies within
// [need, need+largeUpdateReserve] pages and the chain is modifiable.
const largeUpdateReserve = 2

// Put stores a pair at/through the cursor per the flag matrix:
// Current overrides duplicate handling, Append demands ascending
// keys, NoDupData rejects exact duplicates, NoOverwrite rejects any
// existing key, Multiple bulk-loads DupFixed values, Reserve is
// served by putReserve.
func (c *Cursor) Put(key, value []byte, flags uint) error {
	if !c.valid() {
		return ErrBadTxnError
	}
	txn := c.txn
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if txn.child != nil {
		return ErrBadTxnError
	}

	if flags&Multiple != 0 {
		return c.putMultiple(key, value, flags)
	}
	if flags&Reserve != 0 {
		_, err := c.putReserve(key, len(value), flags&^Reserve)
		return err
	}
	return c.put(key, value, flags)
}

func (c *Cursor) put(key, value []byte, flags uint) error {
	txn := c.txn

	var intBuf, intValBuf [8]byte
	if c.tree.isIntegerKey() {
		nk, err := normalizeIntegerKey(key, &intBuf)
		if err != nil {
			return err
		}
		key = nk
	}
	if c.tree.Flags&treeFlagIntegerDup != 0 && value != nil {
		nv, err := normalizeIntegerKey(value, &intValBuf)
		if err != nil {
			return err
		}
		value = nv
	}

	ps := int(txn.env.pageSize)
	if len(key) > keyMax(ps, c.tree.Flags) {
		return ErrBadValSizeError
	}
	if len(value) > MaxDataSize {
		return ErrTooLargeError
	}
	if c.tree.isDupSort() && len(value) > keyMax(ps, treeFlagDupSort) {
		// Duplicate values double as keys in the nested tree.
		return ErrBadValSizeError
	}
	if c.tree.isDupFixed() && c.tree.DupfixSize != 0 && len(value) != int(c.tree.DupfixSize) {
		return ErrBadValSizeError
	}

	if flags&Current != 0 {
		return c.putCurrent(key, value, flags)
	}

	if flags&(Append|AppendDup) != 0 {
		return c.putAppend(key, value, flags)
	}

	exact, err := c.seek(key)
	if err != nil && !IsNotFound(err) {
		return err
	}

	if exact && c.leafIdx() < c.leaf().numEntries() {
		if flags&NoOverwrite != 0 && !c.tree.isDupSort() {
			return ErrKeyExistError
		}
		if c.tree.isDupSort() {
			if flags&NoOverwrite != 0 && flags&NoDupData == 0 {
				// NoOverwrite on a dupsort tree still rejects the key.
				return ErrKeyExistError
			}
			if flags&AllDups != 0 {
				if err := c.Del(AllDups); err != nil {
					return err
				}
				return c.insertAt(key, value, 0)
			}
			return c.putDup(key, value, flags)
		}
		return c.replaceValue(key, value)
	}

	return c.insertAt(key, value, 0)
}

// putCurrent overwrites the pair under the cursor. The key, when
// given, must match the current position.
func (c *Cursor) putCurrent(key, value []byte, flags uint) error {
	if !c.usable() {
		return ErrNotFoundError
	}
	if key != nil && c.cmp()(key, c.currentKey()) != 0 {
		return ErrKeyMismatchError
	}
	if c.tree.isDupSort() && c.hasDup() {
		// Replacing a duplicate must keep the dup order; the stored
		// value is deleted and the new one inserted.
		cur, err := c.subcur.currentKeyAsValue()
		if err != nil {
			return err
		}
		if c.txn.dupCmp(c.dbi)(cur, value) == 0 {
			return c.putDup(c.currentKey(), value, 0)
		}
		k := append([]byte(nil), c.currentKey()...)
		if err := c.Del(0); err != nil {
			return err
		}
		return c.put(k, value, flags&^Current)
	}
	return c.replaceValue(c.currentKey(), value)
}

// putAppend inserts with the strictly-ascending fast path: enter at
// the rightmost leaf and verify the order instead of searching.
func (c *Cursor) putAppend(key, value []byte, flags uint) error {
	if c.tree.Items == 0 {
		return c.insertAt(key, value, 0)
	}
	if err := c.seekLast(); err != nil {
		return err
	}
	cres := c.cmp()(key, c.currentKey())
	if cres < 0 {
		return ErrKeyMismatchError
	}
	if cres == 0 {
		if !c.tree.isDupSort() || flags&AppendDup == 0 {
			return ErrKeyMismatchError
		}
		if _, lastVal, err := c.opLastDup(); err == nil {
			if c.txn.dupCmp(c.dbi)(value, lastVal) <= 0 {
				return ErrKeyMismatchError
			}
		}
		return c.putDup(key, value, 0)
	}
	// Insert after the last slot; the leaf is on the stack already.
	c.ki[c.top]++
	return c.insertAtSlot(key, value)
}

// putMultiple bulk-inserts a vector of equal-length values stored
// back-to-back in value. DupFixed only.
func (c *Cursor) putMultiple(key, value []byte, flags uint) error {
	if !c.tree.isDupFixed() {
		return NewError(ErrIncompatible)
	}
	size := int(c.tree.DupfixSize)
	if size == 0 || len(value)%size != 0 {
		return ErrBadValSizeError
	}
	for off := 0; off < len(value); off += size {
		if err := c.put(key, value[off:off+size], flags&^Multiple); err != nil {
			if IsKeyExist(err) && flags&NoDupData == 0 {
				continue
			}
			return err
		}
	}
	return nil
}

// putReserve inserts key with an uninitialized value of length n and
// returns the writable slice inside the (COW'd) leaf.
func (c *Cursor) putReserve(key []byte, n int, flags uint) ([]byte, error) {
	if c.tree.isDupSort() {
		return nil, NewError(ErrIncompatible)
	}
	value := make([]byte, n)
	if err := c.put(key, value, flags); err != nil {
		return nil, err
	}
	p := c.leaf()
	idx := c.leafIdx()
	if nodeGetFlagsRaw(p.Data, idx)&nodeBig != 0 {
		chain := nodeGetLargePgnoRaw(p.Data, idx)
		cp := c.txn.wr.dirty.get(chain)
		if cp == nil {
			return nil, ErrProblemError
		}
		return cp.Data[pageHeaderSize : pageHeaderSize+n], nil
	}
	return nodeGetDataRaw(p.Data, idx), nil
}

// ---------------- plain insert / replace ----------------

// insertAt searches for the slot and inserts a brand-new pair.
func (c *Cursor) insertAt(key, value []byte, _ uint) error {
	exact, err := c.seek(key)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if c.tree.Root == invalidPgno {
		return c.createRoot(key, value)
	}
	if exact {
		return ErrKeyExistError
	}
	return c.insertAtSlot(key, value)
}

// insertAtSlot inserts at the current (leaf, ki) position, escaping
// oversized values to a large-page chain and splitting a full leaf.
func (c *Cursor) insertAtSlot(key, value []byte) error {
	txn := c.txn
	ps := int(txn.env.pageSize)

	leafPage, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}

	var nodeData []byte
	bigChain := invalidPgno
	if nodeCalcSize(len(key), len(value), false) > leafNodeMax(ps) {
		chain, err := c.writeLargeValue(value)
		if err != nil {
			return err
		}
		bigChain = chain
		nodeData = buildBigNodeBytes(key, uint32(len(value)), chain)
	} else {
		nodeData = buildNodeBytes(key, value, 0, uint32(len(value)))
	}

	idx := c.leafIdx()
	if !leafPage.insertEntry(idx, nodeData) {
		if err := c.splitAndInsert(nodeData); err != nil {
			if bigChain != invalidPgno {
				// The chain was allocated by this txn; send it back.
				span := largechunkNpages(ps, len(value))
				txn.retirePage(bigChain, uint32(span), txn.front)
			}
			return err
		}
	} else {
		c.adjustSiblingsInsert(leafPage, idx)
	}

	c.tree.Items++
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	c.flags &^= czHollow | czEofSoft | czEofHard
	return nil
}

// writeLargeValue allocates and fills a contiguous large-page chain.
func (c *Cursor) writeLargeValue(value []byte) (pgno, error) {
	txn := c.txn
	ps := int(txn.env.pageSize)
	span := largechunkNpages(ps, len(value))
	pn, p, err := txn.pageAlloc(span)
	if err != nil {
		return invalidPgno, err
	}
	p.init(pn, pageLarge, uint16(ps))
	h := p.header()
	h.Txnid = txn.front
	p.setLargePages(uint32(span))
	copy(p.Data[pageHeaderSize:], value)
	c.tree.LargePages += pgno(span)
	return pn, nil
}

// replaceValue overwrites the value of the current exact match,
// reusing the node slot (and, when permitted, the large chain) in
// place.
func (c *Cursor) replaceValue(key, value []byte) error {
	txn := c.txn
	ps := int(txn.env.pageSize)

	leafPage, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()
	oldFlags := nodeGetFlagsRaw(leafPage.Data, idx)

	if oldFlags&nodeBig != 0 {
		oldSize := nodeGetDataSizeRaw(leafPage.Data, idx)
		oldChain := nodeGetLargePgnoRaw(leafPage.Data, idx)
		oldSpan := largechunkNpages(ps, int(oldSize))

		if nodeCalcSize(len(key), len(value), false) > leafNodeMax(ps) {
			need := largechunkNpages(ps, len(value))
			if oldSpan >= need && oldSpan <= need+largeUpdateReserve {
				// Rewrite the existing chain when it is ours and the
				// span still fits the new size.
				if cp := txn.wr.dirty.get(oldChain); cp != nil && !txn.wr.dirty.intersect(oldChain+1, uint32(oldSpan-1)) {
					copy(cp.Data[pageHeaderSize:], value)
					nodeData := buildBigNodeBytes(key, uint32(len(value)), oldChain)
					if !leafPage.updateEntry(idx, nodeData) {
						return ErrPageFullError
					}
					c.tree.ModTxnid = txn.txnID
					txn.markDBIDirty(c.dbi)
					return nil
				}
			}
			// Retire the old chain, write a new one.
			created, cerr := txn.chainCreator(oldChain)
			if cerr != nil {
				return cerr
			}
			txn.retirePage(oldChain, uint32(oldSpan), created)
			c.tree.LargePages -= pgno(oldSpan)
			chain, err := c.writeLargeValue(value)
			if err != nil {
				return err
			}
			nodeData := buildBigNodeBytes(key, uint32(len(value)), chain)
			if !leafPage.updateEntry(idx, nodeData) {
				return c.reinsertOversized(idx, nodeData)
			}
			c.tree.ModTxnid = txn.txnID
			txn.markDBIDirty(c.dbi)
			return nil
		}

		// Shrinks back inline: the chain is retired.
		created, cerr := txn.chainCreator(oldChain)
		if cerr != nil {
			return cerr
		}
		txn.retirePage(oldChain, uint32(oldSpan), created)
		c.tree.LargePages -= pgno(oldSpan)
		nodeData := buildNodeBytes(key, value, 0, uint32(len(value)))
		if !leafPage.updateEntry(idx, nodeData) {
			return c.reinsertOversized(idx, nodeData)
		}
		c.tree.ModTxnid = txn.txnID
		txn.markDBIDirty(c.dbi)
		return nil
	}

	if nodeCalcSize(len(key), len(value), false) > leafNodeMax(ps) {
		chain, err := c.writeLargeValue(value)
		if err != nil {
			return err
		}
		nodeData := buildBigNodeBytes(key, uint32(len(value)), chain)
		if !leafPage.updateEntry(idx, nodeData) {
			return c.reinsertOversized(idx, nodeData)
		}
		c.tree.ModTxnid = txn.txnID
		txn.markDBIDirty(c.dbi)
		return nil
	}

	nodeData := buildNodeBytes(key, value, 0, uint32(len(value)))
	if !leafPage.updateEntry(idx, nodeData) {
		if leafPage.compact() > 0 && leafPage.updateEntry(idx, nodeData) {
			c.tree.ModTxnid = txn.txnID
			txn.markDBIDirty(c.dbi)
			return nil
		}
		return c.reinsertOversized(idx, nodeData)
	}
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	return nil
}

// chainCreator reads the creating txnid of a chain's head page.
func (txn *Txn) chainCreator(pn pgno) (txnid, error) {
	data, err := txn.getPageData(pn)
	if err != nil {
		return 0, err
	}
	return (&page{Data: data}).header().Txnid, nil
}

// reinsertOversized removes the stale slot and re-inserts through the
// split path when an in-place update cannot fit.
func (c *Cursor) reinsertOversized(idx int, nodeData []byte) error {
	leafPage := c.leaf()
	leafPage.removeEntry(idx)
	c.tree.Items--
	if !leafPage.insertEntry(idx, nodeData) {
		if err := c.splitAndInsert(nodeData); err != nil {
			return err
		}
	}
	c.tree.Items++
	c.tree.ModTxnid = c.txn.txnID
	c.txn.markDBIDirty(c.dbi)
	return nil
}

// createRoot plants the first leaf of an empty tree.
func (c *Cursor) createRoot(key, value []byte) error {
	txn := c.txn
	ps := int(txn.env.pageSize)

	pn, p, err := txn.pageAlloc(1)
	if err != nil {
		return err
	}
	p.init(pn, pageLeaf, uint16(ps))
	h := p.header()
	h.Txnid = txn.front

	c.tree.Root = pn
	c.tree.Height = 1
	c.tree.LeafPages = 1
	c.top = 0
	c.pg[0] = p
	c.ki[0] = 0
	c.flags &^= czHollow

	return c.insertAtSlot(key, value)
}

// ---------------- split ----------------

// splitAndInsert splits the full leaf on the stack and inserts
// nodeData into the proper half, propagating the separator upward.
func (c *Cursor) splitAndInsert(nodeData []byte) error {
	_, err := c.splitLevel(int(c.top), nodeData)
	return err
}

// splitLevel splits the page at stack level lvl. The returned shift
// counts how many levels the stack grew underneath (a root split
// prepends a level), so callers can re-address their own level.
func (c *Cursor) splitLevel(lvl int, nodeData []byte) (int, error) {
	txn := c.txn
	ps := int(txn.env.pageSize)

	p, err := c.touchPage(lvl)
	if err != nil {
		return 0, err
	}
	insertIdx := int(c.ki[lvl])

	splitIdx := p.splitPoint(len(nodeData), insertIdx, txn.env.opts.preferWAF)

	// Allocate the right sibling.
	rightPn, right, err := txn.pageAlloc(1)
	if err != nil {
		return 0, err
	}
	kind := pageLeaf
	if p.isBranch() {
		kind = pageBranch
		c.tree.BranchPages++
	} else {
		c.tree.LeafPages++
	}
	if p.isDupfix() {
		kind |= pageDupfix
	}
	right.init(rightPn, kind, uint16(ps))
	right.header().Txnid = txn.front
	right.header().DupfixKsize = p.header().DupfixKsize

	// Move the upper half across.
	if !p.copyEntriesTo(right, splitIdx, p.numEntries()) {
		return 0, ErrPageFullError
	}
	movedFrom := splitIdx
	p.removeEntriesFrom(splitIdx)
	p.compact()

	// Insert the new node into its half.
	if insertIdx < splitIdx {
		if !p.insertEntry(insertIdx, nodeData) {
			return 0, ErrPageFullError
		}
	} else {
		if !right.insertEntry(insertIdx-splitIdx, nodeData) {
			return 0, ErrPageFullError
		}
	}

	// The separator is the right page's lowest key.
	var sepKey []byte
	if right.isDupfix() {
		sepKey = dupfixEntry(right.Data, 0, int(right.header().DupfixKsize))
	} else {
		sepKey = nodeGetKeyRaw(right.Data, 0)
	}
	sepKey = append([]byte(nil), sepKey...)

	shift, err := c.insertSeparator(lvl, rightPn, sepKey)
	if err != nil {
		return shift, err
	}

	// Repoint this cursor and its siblings into the correct half.
	c.adjustAfterSplit(lvl+shift, p, right, movedFrom, insertIdx, splitIdx)
	return shift, nil
}

// insertSeparator adds (sepKey -> rightPn) to the parent of level lvl,
// growing a new root when lvl is the root. Returns the stack shift
// (1 when a new root was prepended somewhere below).
func (c *Cursor) insertSeparator(lvl int, rightPn pgno, sepKey []byte) (int, error) {
	txn := c.txn
	ps := int(txn.env.pageSize)

	if lvl == 0 {
		// Root split: new root with two children.
		rootPn, root, err := txn.pageAlloc(1)
		if err != nil {
			return 0, err
		}
		root.init(rootPn, pageBranch, uint16(ps))
		root.header().Txnid = txn.front
		c.tree.BranchPages++
		c.tree.Height++
		leftPn := c.pg[0].pageNo()

		if !root.insertEntry(0, buildNodeBytes(nil, nil, 0, uint32(leftPn))) {
			return 0, ErrPageFullError
		}
		if !root.insertEntry(1, buildNodeBytes(sepKey, nil, 0, uint32(rightPn))) {
			return 0, ErrPageFullError
		}
		c.tree.Root = rootPn
		txn.markDBIDirty(c.dbi)

		// Shift the stack down to make room for the new root.
		if int(c.top)+1 >= cursorStackSize {
			return 0, ErrCursorFullError
		}
		copy(c.pg[1:], c.pg[:int(c.top)+1])
		copy(c.ki[1:], c.ki[:int(c.top)+1])
		c.top++
		c.pg[0] = root
		c.ki[0] = 0
		return 1, nil
	}

	parent := c.pg[lvl-1]
	branchNode := buildNodeBytes(sepKey, nil, 0, uint32(rightPn))
	at := int(c.ki[lvl-1]) + 1
	if parent.insertEntry(at, branchNode) {
		c.adjustSiblingsInsert(parent, at)
		return 0, nil
	}

	// Parent is full too: split it through the same machinery. The
	// branch node rides splitLevel's insert path at the parent level.
	c.ki[lvl-1] = uint16(at)
	return c.splitLevel(lvl-1, branchNode)
}

// adjustAfterSplit repoints cursors whose position moved to the new
// right page.
func (c *Cursor) adjustAfterSplit(lvl int, left, right *page, movedFrom, insertIdx, splitIdx int) {
	fix := func(cur *Cursor) {
		if int(cur.top) < lvl || cur.pg[lvl] == nil {
			return
		}
		if cur.pg[lvl].pageNo() != left.pageNo() && cur.pg[lvl] != left {
			return
		}
		ki := int(cur.ki[lvl])
		if cur == c {
			// The acting cursor follows the inserted node.
			if insertIdx >= splitIdx {
				cur.pg[lvl] = right
				cur.ki[lvl] = uint16(insertIdx - splitIdx)
				if lvl > 0 {
					cur.ki[lvl-1]++
				}
			} else {
				cur.ki[lvl] = uint16(insertIdx)
			}
			return
		}
		if ki >= movedFrom {
			cur.pg[lvl] = right
			cur.ki[lvl] = uint16(ki - movedFrom)
			if lvl > 0 {
				cur.ki[lvl-1]++
			}
		}
	}

	fix(c)
	if int(c.dbi) < len(c.txn.cursorHeads) {
		for cur := c.txn.cursorHeads[c.dbi]; cur != nil; cur = cur.next {
			if cur != c {
				fix(cur)
			}
		}
	}
}

// adjustSiblingsInsert shifts sibling cursors' slots after an insert
// into page at idx.
func (c *Cursor) adjustSiblingsInsert(p *page, idx int) {
	if int(c.dbi) >= len(c.txn.cursorHeads) {
		return
	}
	for cur := c.txn.cursorHeads[c.dbi]; cur != nil; cur = cur.next {
		if cur == c || int(cur.top) < 0 {
			continue
		}
		for lvl := 0; lvl <= int(cur.top); lvl++ {
			if cur.pg[lvl] == p && int(cur.ki[lvl]) >= idx {
				cur.ki[lvl]++
			}
		}
	}
}

// adjustSiblingsDelete fixes sibling cursors after removing slot idx
// of page: higher slots shift left, the exact slot goes hollow.
func (c *Cursor) adjustSiblingsDelete(p *page, idx int) {
	if int(c.dbi) >= len(c.txn.cursorHeads) {
		return
	}
	for cur := c.txn.cursorHeads[c.dbi]; cur != nil; cur = cur.next {
		if cur == c || int(cur.top) < 0 {
			continue
		}
		for lvl := 0; lvl <= int(cur.top); lvl++ {
			if cur.pg[lvl] != p {
				continue
			}
			if int(cur.ki[lvl]) == idx && lvl == int(cur.top) {
				cur.makeHollow()
			} else if int(cur.ki[lvl]) > idx {
				cur.ki[lvl]--
			}
		}
	}
}

// ---------------- duplicate-set maintenance ----------------

// putDup adds value to the duplicate set of the current exact match.
func (c *Cursor) putDup(key, value []byte, flags uint) error {
	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()
	nflags := nodeGetFlagsRaw(p.Data, idx)

	if nflags&nodeDup == 0 {
		// Second value for a plain entry: build the first subpage.
		existing := nodeGetDataRaw(p.Data, idx)
		cres := c.txn.dupCmp(c.dbi)(value, existing)
		if cres == 0 {
			if flags&NoDupData != 0 {
				return ErrKeyExistError
			}
			return nil // identical pair, byte-identical database
		}
		values := [][]byte{existing, value}
		if cres < 0 {
			values[0], values[1] = value, existing
		}
		return c.writeDupSet(p, idx, key, values)
	}

	if nflags&nodeTree != 0 {
		return c.putDupSubtree(key, value, flags)
	}

	// Inline subpage: decode, insert in order, re-encode.
	values, err := c.readSubpageValues(nodeGetDataRaw(p.Data, idx))
	if err != nil {
		return err
	}
	cmp := c.txn.dupCmp(c.dbi)
	pos := len(values)
	for i, v := range values {
		cres := cmp(value, v)
		if cres == 0 {
			if flags&NoDupData != 0 {
				return ErrKeyExistError
			}
			return nil
		}
		if cres < 0 {
			pos = i
			break
		}
	}
	values = append(values, nil)
	copy(values[pos+1:], values[pos:])
	values[pos] = value
	return c.writeDupSet(p, idx, key, values)
}

// readSubpageValues decodes every value of an inline subpage.
func (c *Cursor) readSubpageValues(data []byte) ([][]byte, error) {
	if len(data) < pageHeaderSize {
		return nil, ErrCorruptedError
	}
	sp := &page{Data: data}
	n := sp.numEntries()
	values := make([][]byte, 0, n)
	if sp.isDupfix() {
		ksize := int(sp.header().DupfixKsize)
		for i := 0; i < n; i++ {
			values = append(values, dupfixEntry(data, i, ksize))
		}
		return values, nil
	}
	for i := 0; i < n; i++ {
		values = append(values, nodeGetKeyRaw(data, i))
	}
	return values, nil
}

// buildSubpage encodes values as an inline subpage image.
func (c *Cursor) buildSubpage(values [][]byte) []byte {
	dupfix := c.tree.isDupFixed() && len(values) > 0
	if dupfix {
		size := len(values[0])
		for _, v := range values {
			if len(v) != size {
				dupfix = false
				break
			}
		}
		if dupfix {
			total := pageHeaderSize + size*len(values)
			out := make([]byte, evenCeil(total))
			sp := &page{Data: out}
			sp.init(0, pageSubP|pageLeaf|pageDupfix, uint16(len(out)))
			sp.header().DupfixKsize = uint16(size)
			for i, v := range values {
				copy(out[pageHeaderSize+i*size:], v)
			}
			dupfixSetCount(out, len(values), size, len(out))
			return out
		}
	}

	total := pageHeaderSize
	for _, v := range values {
		total += 2 + evenCeil(NodeHeaderSize+len(v))
	}
	out := make([]byte, evenCeil(total))
	sp := &page{Data: out}
	sp.init(0, pageSubP|pageLeaf, uint16(len(out)))
	for i, v := range values {
		sp.insertEntry(i, buildNodeBytes(v, nil, 0, 0))
	}
	return out
}

// writeDupSet stores the duplicate set for leaf slot idx, as an inline
// subpage while it fits and as a promoted nested tree beyond the
// subpage limit.
func (c *Cursor) writeDupSet(p *page, idx int, key []byte, values [][]byte) error {
	txn := c.txn
	sub := c.buildSubpage(values)

	limit := txn.env.opts.subpageLimit
	nodeData := buildNodeBytes(key, sub, nodeDup, uint32(len(sub)))
	if len(sub) <= limit && len(nodeData) <= leafNodeMax(int(txn.env.pageSize)) {
		if p.updateEntry(idx, nodeData) {
			c.tree.Items++
			c.tree.ModTxnid = txn.txnID
			txn.markDBIDirty(c.dbi)
			c.refreshSubpage(idx)
			return nil
		}
		if p.compact() > 0 && p.updateEntry(idx, nodeData) {
			c.tree.Items++
			c.tree.ModTxnid = txn.txnID
			txn.markDBIDirty(c.dbi)
			c.refreshSubpage(idx)
			return nil
		}
	}

	// Promotion: the set moves into its own nested tree.
	return c.promoteToSubtree(p, idx, key, values)
}

// refreshSubpage repoints an existing inner cursor at the rewritten
// subpage bytes.
func (c *Cursor) refreshSubpage(idx int) {
	if c.subcur == nil || !c.subcur.subpageHost {
		return
	}
	data := nodeGetDataRaw(c.leaf().Data, idx)
	if data == nil {
		c.subcur.makeHollow()
		return
	}
	sp := &page{Data: data}
	c.subcur.pg[0] = sp
	c.subcur.nestedTree.Items = uint64(sp.numEntries())
	if int(c.subcur.ki[0]) >= sp.numEntries() {
		c.subcur.ki[0] = uint16(sp.numEntries() - 1)
	}
}

// promoteToSubtree converts an inline duplicate set into a nested
// B+tree and rewrites the host node as a descriptor.
func (c *Cursor) promoteToSubtree(p *page, idx int, key []byte, values [][]byte) error {
	txn := c.txn
	ps := int(txn.env.pageSize)

	rootPn, root, err := txn.pageAlloc(1)
	if err != nil {
		return err
	}
	kind := pageLeaf
	ksize := 0
	if c.tree.isDupFixed() && len(values) > 0 {
		ksize = len(values[0])
		kind |= pageDupfix
	}
	root.init(rootPn, kind, uint16(ps))
	root.header().Txnid = txn.front

	nested := tree{
		Flags:    flagsDB2Sub(c.tree.Flags),
		Height:   1,
		Root:     rootPn,
		ModTxnid: txn.txnID,
	}

	if kind&pageDupfix != 0 {
		root.header().DupfixKsize = uint16(ksize)
		capacity := (ps - pageHeaderSize) / ksize
		if len(values) > capacity {
			return ErrPageFullError
		}
		for i, v := range values {
			copy(root.Data[pageHeaderSize+i*ksize:], v)
		}
		dupfixSetCount(root.Data, len(values), ksize, ps)
		nested.DupfixSize = uint32(ksize)
	} else {
		for i, v := range values {
			if !root.insertEntry(i, buildNodeBytes(v, nil, 0, 0)) {
				return ErrPageFullError
			}
		}
	}
	nested.Items = uint64(len(values))
	nested.LeafPages = 1

	var desc [treeSize]byte
	serializeTree(&nested, desc[:])
	nodeData := buildNodeBytes(key, desc[:], nodeDup|nodeTree, treeSize)
	if !p.updateEntry(idx, nodeData) {
		if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
			return ErrPageFullError
		}
	}

	c.tree.Items++
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	if c.subcur != nil {
		c.subcur.makeHollow()
		c.subcur.subpageHost = false
	}
	return nil
}

// putDupSubtree inserts value into the promoted nested tree, running
// the ordinary cursor machinery on the nested descriptor and writing
// the updated descriptor back into the host node.
func (c *Cursor) putDupSubtree(key, value []byte, flags uint) error {
	txn := c.txn

	if err := c.dupsortSetup(c.leafIdx(), false); err != nil && !IsNotFound(err) {
		return err
	}
	sc := c.subcur

	exact, err := sc.seek(value)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if exact {
		if flags&NoDupData != 0 {
			return ErrKeyExistError
		}
		return nil
	}

	if sc.tree.isDupFixed() && sc.tree.DupfixSize != 0 {
		if err := sc.insertDupfixSlot(value); err != nil {
			return err
		}
	} else {
		if err := sc.insertAtSlot(value, nil); err != nil {
			return err
		}
	}

	// Both nested insert paths (insertAtSlot, insertDupfixSlot) bump
	// sc.tree.Items themselves. Refresh the stored descriptor.
	return c.storeSubtreeDescriptor(key)
}

// insertDupfixSlot packs value into the nested dupfix leaf at the
// cursor slot, splitting when full.
func (c *Cursor) insertDupfixSlot(value []byte) error {
	txn := c.txn
	ps := int(txn.env.pageSize)
	ksize := int(c.tree.DupfixSize)

	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	n := p.numEntries()
	capacity := (ps - pageHeaderSize) / ksize
	idx := c.leafIdx()

	if n < capacity {
		base := p.Data[pageHeaderSize:]
		copy(base[(idx+1)*ksize:], base[idx*ksize:n*ksize])
		copy(base[idx*ksize:], value)
		dupfixSetCount(p.Data, n+1, ksize, ps)
		c.tree.Items++
		c.tree.ModTxnid = txn.txnID
		return nil
	}

	// Full dupfix leaf: split in halves through the generic path.
	rightPn, right, err := txn.pageAlloc(1)
	if err != nil {
		return err
	}
	right.init(rightPn, pageLeaf|pageDupfix, uint16(ps))
	right.header().Txnid = txn.front
	right.header().DupfixKsize = uint16(ksize)
	c.tree.LeafPages++

	half := n / 2
	moved := n - half
	copy(right.Data[pageHeaderSize:], p.Data[pageHeaderSize+half*ksize:pageHeaderSize+n*ksize])
	dupfixSetCount(right.Data, moved, ksize, ps)
	dupfixSetCount(p.Data, half, ksize, ps)

	sep := append([]byte(nil), dupfixEntry(right.Data, 0, ksize)...)
	if _, err := c.insertSeparator(int(c.top), rightPn, sep); err != nil {
		return err
	}
	if idx >= half {
		c.pg[c.top] = right
		c.ki[c.top] = uint16(idx - half)
		if c.top > 0 {
			c.ki[c.top-1]++
		}
	}
	return c.insertDupfixSlot(value)
}

// storeSubtreeDescriptor rewrites the host node's 48-byte descriptor
// after a nested-tree mutation.
func (c *Cursor) storeSubtreeDescriptor(key []byte) error {
	txn := c.txn
	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()

	var desc [treeSize]byte
	serializeTree(c.subcur.tree, desc[:])
	nodeData := buildNodeBytes(key, desc[:], nodeDup|nodeTree, treeSize)
	if !p.updateEntry(idx, nodeData) {
		if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
			return ErrPageFullError
		}
	}
	c.tree.Items++
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	return nil
}

// ---------------- delete ----------------

// Del removes the pair under the cursor. AllDups removes the whole
// duplicate set of the current key in one operation, retiring every
// nested page.
func (c *Cursor) Del(flags uint) error {
	if !c.valid() {
		return ErrBadTxnError
	}
	txn := c.txn
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if !c.usable() {
		return ErrNotFoundError
	}

	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()
	nflags := nodeGetFlagsRaw(p.Data, idx)

	if nflags&nodeDup != 0 && flags&AllDups == 0 {
		return c.delOneDup(p, idx)
	}

	// Whole-entry removal (plain value, or the entire dup set).
	removed := uint64(1)
	if nflags&nodeDup != 0 {
		if nflags&nodeTree != 0 {
			data := nodeGetDataRaw(p.Data, idx)
			if len(data) < treeSize {
				return ErrCorruptedError
			}
			nested := parseTree(data)
			removed = nested.Items
			// Nested-tree pages are accounted in the stored descriptor
			// only, so retiring them leaves the host counters alone.
			if err := txn.retireSubtree(&nested, c); err != nil {
				return err
			}
		} else {
			values, err := c.readSubpageValues(nodeGetDataRaw(p.Data, idx))
			if err != nil {
				return err
			}
			removed = uint64(len(values))
		}
	} else if nflags&nodeBig != 0 {
		size := nodeGetDataSizeRaw(p.Data, idx)
		chain := nodeGetLargePgnoRaw(p.Data, idx)
		span := largechunkNpages(int(txn.env.pageSize), int(size))
		created, cerr := txn.chainCreator(chain)
		if cerr != nil {
			return cerr
		}
		txn.retirePage(chain, uint32(span), created)
		c.tree.LargePages -= pgno(span)
	}

	p.removeEntry(idx)
	c.adjustSiblingsDelete(p, idx)
	c.tree.Items -= removed
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	if c.subcur != nil {
		c.subcur.makeHollow()
	}

	return c.afterDelete(p)
}

// delOneDup removes the current duplicate only, collapsing the set
// back to a plain entry when one value remains.
func (c *Cursor) delOneDup(p *page, idx int) error {
	txn := c.txn
	if c.subcur == nil || !c.subcur.usable() {
		if err := c.dupsortSetup(idx, false); err != nil {
			return err
		}
	}
	sc := c.subcur
	cur, err := sc.currentKeyAsValue()
	if err != nil {
		return err
	}
	cur = append([]byte(nil), cur...)
	key := append([]byte(nil), c.currentKey()...)

	nflags := nodeGetFlagsRaw(p.Data, idx)
	if nflags&nodeTree != 0 {
		// Delete inside the nested tree.
		exact, err := sc.seek(cur)
		if err != nil {
			return err
		}
		if !exact {
			return ErrNotFoundError
		}
		if err := sc.delNestedSlot(); err != nil {
			return err
		}
		if sc.tree.Items == 1 {
			// Collapse: the survivor becomes a plain value.
			if err := sc.seekFirst(); err != nil {
				return err
			}
			survivor := append([]byte(nil), sc.currentKey()...)
			if err := txn.retireSubtree(sc.tree, c); err != nil {
				return err
			}
			nodeData := buildNodeBytes(key, survivor, 0, uint32(len(survivor)))
			if !p.updateEntry(idx, nodeData) {
				if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
					return ErrPageFullError
				}
			}
			sc.makeHollow()
		} else {
			if err := c.storeSubtreeDescriptorNoCount(key); err != nil {
				return err
			}
		}
		c.tree.Items--
		c.tree.ModTxnid = txn.txnID
		txn.markDBIDirty(c.dbi)
		c.flags |= czAfterDelete
		return nil
	}

	// Inline subpage.
	values, err := c.readSubpageValues(nodeGetDataRaw(p.Data, idx))
	if err != nil {
		return err
	}
	cmp := txn.dupCmp(c.dbi)
	pos := -1
	for i, v := range values {
		if cmp(cur, v) == 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return ErrNotFoundError
	}
	values = append(values[:pos], values[pos+1:]...)

	if len(values) == 1 {
		nodeData := buildNodeBytes(key, values[0], 0, uint32(len(values[0])))
		if !p.updateEntry(idx, nodeData) {
			if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
				return ErrPageFullError
			}
		}
		if c.subcur != nil {
			c.subcur.makeHollow()
		}
	} else {
		sub := c.buildSubpage(values)
		nodeData := buildNodeBytes(key, sub, nodeDup, uint32(len(sub)))
		if !p.updateEntry(idx, nodeData) {
			if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
				return ErrPageFullError
			}
		}
		c.refreshSubpage(idx)
		if c.subcur != nil && int(c.subcur.ki[0]) >= len(values) {
			c.subcur.ki[0] = uint16(len(values) - 1)
		}
	}
	c.tree.Items--
	c.tree.ModTxnid = txn.txnID
	txn.markDBIDirty(c.dbi)
	c.flags |= czAfterDelete
	return nil
}

// storeSubtreeDescriptorNoCount is storeSubtreeDescriptor without the
// item-count bump (delete path).
func (c *Cursor) storeSubtreeDescriptorNoCount(key []byte) error {
	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()
	var desc [treeSize]byte
	serializeTree(c.subcur.tree, desc[:])
	nodeData := buildNodeBytes(key, desc[:], nodeDup|nodeTree, treeSize)
	if !p.updateEntry(idx, nodeData) {
		if p.compact() == 0 || !p.updateEntry(idx, nodeData) {
			return ErrPageFullError
		}
	}
	return nil
}

// delNestedSlot removes the nested cursor's current slot, merging or
// collapsing underfull nested pages.
func (c *Cursor) delNestedSlot() error {
	p, err := c.touchPage(int(c.top))
	if err != nil {
		return err
	}
	idx := c.leafIdx()
	if p.isDupfix() {
		ksize := int(p.header().DupfixKsize)
		n := p.numEntries()
		base := p.Data[pageHeaderSize:]
		copy(base[idx*ksize:], base[(idx+1)*ksize:n*ksize])
		dupfixSetCount(p.Data, n-1, ksize, len(p.Data))
	} else {
		p.removeEntry(idx)
	}
	c.tree.Items--
	return c.rebalance()
}

// retireSubtree walks a nested tree, retiring every page.
func (txn *Txn) retireSubtree(t *tree, via *Cursor) error {
	if t.Root == invalidPgno {
		return nil
	}
	var walk func(pn pgno, depth int) error
	walk = func(pn pgno, depth int) error {
		data, err := txn.getPageData(pn)
		if err != nil {
			return err
		}
		p := &page{Data: data}
		if p.isBranch() {
			for i := 0; i < p.numEntries(); i++ {
				if err := walk(nodeGetChildPgnoRaw(data, i), depth+1); err != nil {
					return err
				}
			}
		}
		txn.retirePage(pn, 1, p.header().Txnid)
		return nil
	}
	return walk(t.Root, 0)
}

// afterDelete handles the post-removal fixups: position the cursor on
// the successor (czAfterDelete), collapse emptied trees, rebalance
// underfull pages.
func (c *Cursor) afterDelete(p *page) error {
	c.flags |= czAfterDelete

	if err := c.rebalance(); err != nil {
		return err
	}
	if c.usable() && c.leafIdx() >= c.leaf().numEntries() {
		// The removed slot was the last on the page; step to the
		// successor so czAfterDelete semantics hold.
		if err := c.siblingRight(); err != nil {
			c.flags |= czEofHard
		}
	}
	return nil
}

// rebalance restores the fill invariant after a delete: pages below
// the merge threshold borrow from or merge with a sibling; emptied
// roots collapse the height.
func (c *Cursor) rebalance() error {
	txn := c.txn
	ps := int(txn.env.pageSize)
	lvl := int(c.top)
	p := c.pg[lvl]

	threshold := (ps - pageHeaderSize) * txn.env.opts.mergeThreshold16dot16 >> 16
	if p.numEntries() > 0 && (p.usedBytes() >= threshold || lvl == 0) {
		if lvl == 0 {
			return c.collapseRoot()
		}
		return nil
	}

	if lvl == 0 {
		return c.collapseRoot()
	}

	parent := c.pg[lvl-1]
	parentIdx := int(c.ki[lvl-1])

	// Prefer merging with the left sibling, then the right. Rotation
	// moves a single boundary entry instead and applies to leaves
	// only: a branch's slot-0 key is implicit, so rotated branch
	// entries would lose their separators.
	if parentIdx > 0 {
		leftPn := nodeGetChildPgnoRaw(parent.Data, parentIdx-1)
		left, err := c.getPage(leftPn)
		if err != nil {
			return err
		}
		if left.pageType() == p.pageType() && left.usedBytes()+p.usedBytes() <= ps-pageHeaderSize {
			return c.mergeInto(lvl, left, parentIdx-1, p, parentIdx, true)
		}
		if !p.isBranch() && (p.numEntries() == 0 || p.usedBytes() < threshold/2) {
			if left.numEntries() > 1 {
				return c.rotateFrom(lvl, left, parentIdx-1, true)
			}
		}
	}
	if parentIdx+1 < parent.numEntries() {
		rightPn := nodeGetChildPgnoRaw(parent.Data, parentIdx+1)
		right, err := c.getPage(rightPn)
		if err != nil {
			return err
		}
		if right.pageType() == p.pageType() && right.usedBytes()+p.usedBytes() <= ps-pageHeaderSize {
			return c.mergeInto(lvl, p, parentIdx, right, parentIdx+1, false)
		}
		if !p.isBranch() && right.numEntries() > 1 {
			return c.rotateFrom(lvl, right, parentIdx+1, false)
		}
	}

	if p.numEntries() == 0 {
		// No sibling can absorb or donate: the page empties out and
		// its branch entry goes away.
		return c.dropEmptyPage(lvl)
	}
	return nil
}

// mergeInto appends src's entries onto dst and removes src (always the
// right-hand page of the pair) from the parent.
func (c *Cursor) mergeInto(lvl int, dst *page, dstIdx int, src *page, srcIdx int, intoLeft bool) error {
	txn := c.txn

	// Both pages must be modifiable. dst/src may be frozen siblings;
	// COW them via a scratch relink.
	dst, err := c.touchSibling(lvl, dstIdx, dst)
	if err != nil {
		return err
	}
	src, err = c.touchSibling(lvl, srcIdx, src)
	if err != nil {
		return err
	}

	parent := c.pg[lvl-1]

	dstEntries := dst.numEntries()
	if dst.isDupfix() {
		ksize := int(dst.header().DupfixKsize)
		n, m := dst.numEntries(), src.numEntries()
		copy(dst.Data[pageHeaderSize+n*ksize:], src.Data[pageHeaderSize:pageHeaderSize+m*ksize])
		dupfixSetCount(dst.Data, n+m, ksize, len(dst.Data))
	} else {
		if src.isBranch() && src.numEntries() > 0 {
			// The right page's slot-0 key is implicit; landing mid-page
			// in dst it needs the separator the parent held for it.
			sep := nodeGetKeyRaw(parent.Data, srcIdx)
			child := nodeGetChildPgnoRaw(src.Data, 0)
			if !dst.insertEntry(dst.numEntries(), buildNodeBytes(sep, nil, 0, uint32(child))) {
				return ErrPageFullError
			}
			if !src.copyEntriesTo(dst, 1, src.numEntries()) {
				return ErrPageFullError
			}
		} else if !src.copyEntriesTo(dst, 0, src.numEntries()) {
			return ErrPageFullError
		}
	}
	srcPn := src.pageNo()
	txn.retirePage(srcPn, 1, src.header().Txnid)
	if src.isBranch() {
		c.tree.BranchPages--
	} else {
		c.tree.LeafPages--
	}

	parent.removeEntry(srcIdx)
	c.adjustSiblingsDelete(parent, srcIdx)

	// Repoint this cursor and any sibling sitting on the merged-away
	// page onto the surviving one.
	if int(c.dbi) < len(txn.cursorHeads) {
		for cur := txn.cursorHeads[c.dbi]; cur != nil; cur = cur.next {
			if cur == c || int(cur.top) < lvl || cur.pg[lvl] == nil {
				continue
			}
			if cur.pg[lvl].pageNo() == srcPn || cur.pg[lvl] == src {
				cur.pg[lvl] = dst
				cur.ki[lvl] += uint16(dstEntries)
			}
		}
	}
	if intoLeft {
		c.pg[lvl] = dst
		c.ki[lvl-1] = uint16(dstIdx)
		c.ki[lvl] += uint16(dstEntries)
	} else {
		c.pg[lvl] = dst
	}

	// The parent may now be underfull itself. A height change during
	// that pass invalidates the stacked position wholesale.
	heightBefore := c.tree.Height
	saveTop := c.top
	c.top = int8(lvl - 1)
	err = c.rebalance()
	c.top = saveTop
	if c.tree.Height != heightBefore {
		c.makeHollow()
	}
	return err
}

// touchSibling COWs a sibling page reached through parent slot idx.
func (c *Cursor) touchSibling(lvl int, parentIdx int, p *page) (*page, error) {
	txn := c.txn
	if txn.stateOf(p) == pageStateModifiable {
		return p, nil
	}
	// Borrow the cursor position to run the ordinary touch path.
	saveKi := c.ki[lvl-1]
	savePg := c.pg[lvl]
	c.ki[lvl-1] = uint16(parentIdx)
	c.pg[lvl] = p
	np, err := c.touchPage(lvl)
	c.ki[lvl-1] = saveKi
	if err != nil {
		c.pg[lvl] = savePg
		return nil, err
	}
	c.pg[lvl] = savePg
	return np, nil
}

// rotateFrom moves one boundary entry from a richer sibling and
// refreshes the separator key in the parent.
func (c *Cursor) rotateFrom(lvl int, sibling *page, siblingIdx int, fromLeft bool) error {
	p, err := c.touchPage(lvl)
	if err != nil {
		return err
	}
	sibling, err = c.touchSibling(lvl, siblingIdx, sibling)
	if err != nil {
		return err
	}
	parent := c.pg[lvl-1]

	if p.isDupfix() {
		ksize := int(p.header().DupfixKsize)
		n, m := p.numEntries(), sibling.numEntries()
		if fromLeft {
			entry := dupfixEntry(sibling.Data, m-1, ksize)
			base := p.Data[pageHeaderSize:]
			copy(base[ksize:], base[:n*ksize])
			copy(base, entry)
			dupfixSetCount(sibling.Data, m-1, ksize, len(sibling.Data))
			dupfixSetCount(p.Data, n+1, ksize, len(p.Data))
			c.ki[lvl]++
			return c.propagateKey(lvl, dupfixEntry(p.Data, 0, ksize))
		}
		entry := dupfixEntry(sibling.Data, 0, ksize)
		base := p.Data[pageHeaderSize:]
		copy(base[n*ksize:], entry)
		sbase := sibling.Data[pageHeaderSize:]
		copy(sbase, sbase[ksize:m*ksize])
		dupfixSetCount(sibling.Data, m-1, ksize, len(sibling.Data))
		dupfixSetCount(p.Data, n+1, ksize, len(p.Data))
		return c.propagateKeyAt(lvl, siblingIdx, dupfixEntry(sibling.Data, 0, ksize), parent)
	}

	if fromLeft {
		m := sibling.numEntries()
		off := sibling.entryOffsetFast(m - 1)
		size := sibling.nodeSizeAt(m - 1)
		nodeData := append([]byte(nil), sibling.Data[off:int(off)+size]...)
		sibling.removeEntry(m - 1)
		if !p.insertEntry(0, nodeData) {
			return ErrPageFullError
		}
		c.ki[lvl]++
		var newSep []byte
		if p.isDupfix() {
			newSep = dupfixEntry(p.Data, 0, int(p.header().DupfixKsize))
		} else {
			newSep = nodeGetKeyRaw(p.Data, 0)
		}
		return c.propagateKey(lvl, newSep)
	}

	off := sibling.entryOffsetFast(0)
	size := sibling.nodeSizeAt(0)
	nodeData := append([]byte(nil), sibling.Data[off:int(off)+size]...)
	sibling.removeEntry(0)
	if !p.insertEntry(p.numEntries(), nodeData) {
		return ErrPageFullError
	}
	return c.propagateKeyAt(lvl, siblingIdx, nodeGetKeyRaw(sibling.Data, 0), parent)
}

// propagateKey updates this page's separator in the parent chain.
func (c *Cursor) propagateKey(lvl int, newKey []byte) error {
	parent := c.pg[lvl-1]
	idx := int(c.ki[lvl-1])
	return c.replaceBranchKey(parent, idx, newKey, lvl-1)
}

// propagateKeyAt updates the separator of an arbitrary parent slot.
func (c *Cursor) propagateKeyAt(lvl int, parentIdx int, newKey []byte, parent *page) error {
	return c.replaceBranchKey(parent, parentIdx, newKey, lvl-1)
}

// replaceBranchKey rewrites the key of branch slot idx, recursing
// upward when slot 0's implicit key is affected.
func (c *Cursor) replaceBranchKey(parent *page, idx int, newKey []byte, parentLvl int) error {
	if idx == 0 {
		// Slot 0's key is implicit; the grandparent's separator covers
		// it, and only when this page is itself slot 0 all the way up
		// does nothing need updating.
		if parentLvl > 0 {
			var first []byte
			if parent.isDupfix() {
				first = dupfixEntry(parent.Data, 0, int(parent.header().DupfixKsize))
			} else {
				first = newKey
			}
			return c.replaceBranchKey(c.pg[parentLvl-1], int(c.ki[parentLvl-1]), first, parentLvl-1)
		}
		return nil
	}
	child := nodeGetChildPgnoRaw(parent.Data, idx)
	nodeData := buildNodeBytes(newKey, nil, 0, uint32(child))
	if parent.updateEntry(idx, nodeData) {
		return nil
	}
	// A longer key may not fit in place; remove and reinsert.
	parent.removeEntry(idx)
	if parent.insertEntry(idx, nodeData) {
		return nil
	}
	return ErrPageFullError
}

// dropEmptyPage unlinks an emptied page from its parent.
func (c *Cursor) dropEmptyPage(lvl int) error {
	txn := c.txn
	p := c.pg[lvl]
	parent := c.pg[lvl-1]
	parentIdx := int(c.ki[lvl-1])

	txn.retirePage(p.pageNo(), 1, p.header().Txnid)
	if p.isBranch() {
		c.tree.BranchPages--
	} else {
		c.tree.LeafPages--
	}

	parent.removeEntry(parentIdx)
	c.adjustSiblingsDelete(parent, parentIdx)
	c.makeHollow()

	saveTop := c.top
	c.top = int8(lvl - 1)
	err := c.rebalance()
	c.top = saveTop
	return err
}

// collapseRoot shrinks the tree when the root is degenerate: an empty
// root empties the tree; a single-child branch root drops a level.
func (c *Cursor) collapseRoot() error {
	txn := c.txn
	root := c.pg[0]

	if root.numEntries() == 0 {
		txn.retirePage(root.pageNo(), 1, root.header().Txnid)
		if root.isBranch() {
			c.tree.BranchPages--
		} else {
			c.tree.LeafPages--
		}
		c.tree.Root = invalidPgno
		c.tree.Height = 0
		txn.markDBIDirty(c.dbi)
		c.makeHollow()
		return nil
	}

	for root.isBranch() && root.numEntries() == 1 {
		child := nodeGetChildPgnoRaw(root.Data, 0)
		txn.retirePage(root.pageNo(), 1, root.header().Txnid)
		c.tree.BranchPages--
		c.tree.Root = child
		c.tree.Height--
		txn.markDBIDirty(c.dbi)

		cp, err := c.getPage(child)
		if err != nil {
			return err
		}
		// Shift the stack up one level.
		copy(c.pg[0:], c.pg[1:int(c.top)+1])
		copy(c.ki[0:], c.ki[1:int(c.top)+1])
		if c.top > 0 {
			c.top--
		}
		c.pg[0] = cp
		root = c.pg[0]
	}
	return nil
}
