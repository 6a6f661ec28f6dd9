package tern

// Cursor operations for Get.
const (
	// First positions at the first key.
	First uint = iota
	// FirstDup positions at the first duplicate of the current key.
	FirstDup
	// GetBoth positions at the exact key/value pair.
	GetBoth
	// GetBothRange positions at key with the first value >= specified.
	GetBothRange
	// GetCurrent returns the pair at the cursor.
	GetCurrent
	// GetMultiple returns a slab of packed values (DupFixed only).
	GetMultiple
	// Last positions at the last key.
	Last
	// LastDup positions at the last duplicate of the current key.
	LastDup
	// Next moves to the next pair.
	Next
	// NextDup moves to the next duplicate of the current key.
	NextDup
	// NextMultiple returns the next slab of packed values.
	NextMultiple
	// NextNoDup moves to the first value of the next key.
	NextNoDup
	// Prev moves to the previous pair.
	Prev
	// PrevDup moves to the previous duplicate of the current key.
	PrevDup
	// PrevNoDup moves to the last value of the previous key.
	PrevNoDup
	// Set positions at the key; returns the stored value only.
	Set
	// SetKey positions at the key; returns both key and value.
	SetKey
	// SetRange positions at the first key >= specified.
	SetRange
	// PrevMultiple returns the previous slab of packed values.
	PrevMultiple
	// SeekAndGetMultiple positions at the key and returns the first
	// slab of packed values.
	SeekAndGetMultiple
	// SetLowerbound positions at the first pair >= (key, value).
	SetLowerbound
	// SetUpperbound positions at the first pair > (key, value).
	SetUpperbound

	// The To* families are composite seeks: one descent, then a
	// comparison-driven adjustment step.

	// ToKeyLesserThan positions at the last pair of the greatest key
	// strictly below the given one.
	ToKeyLesserThan
	// ToKeyLesserOrEqual positions at the last pair of the greatest
	// key at or below the given one.
	ToKeyLesserOrEqual
	// ToKeyEqual positions at the given key exactly.
	ToKeyEqual
	// ToKeyGreaterOrEqual positions at the first pair of the smallest
	// key at or above the given one.
	ToKeyGreaterOrEqual
	// ToKeyGreaterThan positions at the first pair of the smallest key
	// strictly above the given one.
	ToKeyGreaterThan

	// ToExactKeyValueLesserThan positions, within the given key's
	// duplicates, at the greatest value strictly below the given one.
	ToExactKeyValueLesserThan
	// ToExactKeyValueLesserOrEqual: as above, at or below.
	ToExactKeyValueLesserOrEqual
	// ToExactKeyValueEqual positions at the exact pair.
	ToExactKeyValueEqual
	// ToExactKeyValueGreaterOrEqual: within the key, at or above.
	ToExactKeyValueGreaterOrEqual
	// ToExactKeyValueGreaterThan: within the key, strictly above.
	ToExactKeyValueGreaterThan

	// ToPairLesserThan positions at the greatest pair strictly below
	// (key, value) in the combined order.
	ToPairLesserThan
	// ToPairLesserOrEqual: at or below (key, value).
	ToPairLesserOrEqual
	// ToPairEqual positions at exactly (key, value).
	ToPairEqual
	// ToPairGreaterOrEqual: the first pair at or above (key, value).
	ToPairGreaterOrEqual
	// ToPairGreaterThan: the first pair strictly above (key, value).
	ToPairGreaterThan
)

// CursorOp is the operation selector for Get.
type CursorOp = uint

// cursorStackSize is the maximum supported B+tree height.
const cursorStackSize = 16

const cursorSignature int32 = 0x43555253 // "CURS"

// Cursor flags live in a signed byte; a negative value means the
// cursor is hollow (initialized but not positioned), so every "is the
// position usable" check is a single sign test.
const (
	// czInner marks the nested duplicate cursor.
	czInner int8 = 0x01

	// czGCUPreparation tags cursors opened on the GC tree by gcCursor.
	// The allocator does not read it; GC rescans are suppressed by
	// txn.wr.gcRunning instead.
	czGCUPreparation int8 = 0x02

	// czFresh: just created; a move in any direction may seed at an
	// end instead of failing.
	czFresh int8 = 0x04

	// czAfterDelete: the cursor already points at the successor of a
	// deleted pair, so the next Next is a no-op.
	czAfterDelete int8 = 0x08

	// czNoFastpath disables the already-on-the-right-page shortcut.
	czNoFastpath int8 = 0x10

	// czEofSoft: on the last row; reads still allowed.
	czEofSoft int8 = 0x20

	// czEofHard: past the last row; reads fail.
	czEofHard int8 = 0x40

	// czHollow is the sign bit.
	czHollow int8 = -0x80
)

// Cursor navigates one tree: a stack of pages from the root to the
// current leaf with parallel slot indices, plus an optional nested
// cursor over the current key's duplicate set.
type Cursor struct {
	signature int32
	flags     int8
	top       int8 // negative: never positioned
	dbi       DBI
	txn       *Txn
	tree      *tree

	pg [cursorStackSize]*page
	ki [cursorStackSize]uint16

	// subcur is the nested duplicate cursor (czInner set). Its tree is
	// nestedTree: materialized from the stored descriptor for promoted
	// subtrees, or synthesized for inline subpages (subpageHost set,
	// pg[0] wrapping the node's value bytes).
	subcur      *Cursor
	nestedTree  tree
	subpageHost bool

	next    *Cursor // txn per-dbi cursor chain
	userCtx any
}

func (c *Cursor) valid() bool {
	return c != nil && c.signature == cursorSignature && c.txn != nil
}

// usable reports whether the cursor holds a readable position.
func (c *Cursor) usable() bool {
	return c.flags >= 0 && c.top >= 0
}

func (c *Cursor) makeHollow() {
	c.flags |= czHollow
	c.top = -1
	if c.subcur != nil {
		c.subcur.flags |= czHollow
		c.subcur.top = -1
	}
}

func (c *Cursor) clearEOF() {
	c.flags &^= czEofSoft | czEofHard
}

// Txn returns the owning transaction.
func (c *Cursor) Txn() *Txn { return c.txn }

// DBI returns the tree handle this cursor walks.
func (c *Cursor) DBI() DBI { return c.dbi }

// SetUserCtx attaches an arbitrary user value.
func (c *Cursor) SetUserCtx(ctx any) { c.userCtx = ctx }

// UserCtx returns the attached user value.
func (c *Cursor) UserCtx() any { return c.userCtx }

// OpenCursor opens a cursor on dbi.
func (txn *Txn) OpenCursor(dbi DBI) (*Cursor, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	if int(dbi) >= len(txn.trees) {
		return nil, ErrBadDBIError
	}
	c := &Cursor{
		signature: cursorSignature,
		flags:     czFresh | czHollow,
		top:       -1,
		dbi:       dbi,
		txn:       txn,
		tree:      &txn.trees[dbi],
	}
	txn.linkCursor(c)
	return c, nil
}

// Close detaches the cursor from its transaction.
func (c *Cursor) Close() {
	if !c.valid() {
		return
	}
	c.txn.unlinkCursor(c)
	c.signature = 0
	c.txn = nil
	c.subcur = nil
}

// EOF reports whether the cursor sits at or past the last row.
func (c *Cursor) EOF() bool {
	return c.flags&(czEofSoft|czEofHard) != 0 || !c.usable() || c.OnLast()
}

// OnFirst reports whether the cursor sits on the first row.
func (c *Cursor) OnFirst() bool {
	if !c.usable() {
		return false
	}
	for lvl := 0; lvl <= int(c.top); lvl++ {
		if c.ki[lvl] != 0 {
			return false
		}
	}
	return true
}

// OnLast reports whether the cursor sits on the last row.
func (c *Cursor) OnLast() bool {
	if !c.usable() {
		return false
	}
	for lvl := 0; lvl <= int(c.top); lvl++ {
		if int(c.ki[lvl]) != c.pg[lvl].numEntries()-1 {
			return false
		}
	}
	return true
}

// ---------------- stack plumbing ----------------

func (c *Cursor) pushPage(p *page, idx uint16) error {
	if int(c.top)+1 >= cursorStackSize {
		return ErrCursorFullError
	}
	c.top++
	c.pg[c.top] = p
	c.ki[c.top] = idx
	return nil
}

func (c *Cursor) leaf() *page {
	return c.pg[c.top]
}

func (c *Cursor) leafIdx() int {
	return int(c.ki[c.top])
}

// search descends from the root to the leaf that covers key, filling
// the stack. Hollow trees return ErrNotFound with the cursor hollow.
func (c *Cursor) search(key []byte) (exact bool, err error) {
	c.top = -1
	c.flags &^= czHollow | czEofSoft | czEofHard

	if c.tree.Root == invalidPgno {
		c.makeHollow()
		return false, ErrNotFoundError
	}

	cmp := c.cmp()
	pn := c.tree.Root
	for {
		p, err := c.getPage(pn)
		if err != nil {
			return false, err
		}
		idx, ex := c.pageSearch(p, key, cmp)
		if err := c.pushPage(p, uint16(idx)); err != nil {
			return false, err
		}
		if p.isLeaf() {
			return ex, nil
		}
		pn = nodeGetChildPgnoRaw(p.Data, idx)
		if pn == invalidPgno {
			return false, ErrCorruptedError
		}
	}
}

// pageSearch dispatches between noded and dupfix page search.
func (c *Cursor) pageSearch(p *page, key []byte, cmp CmpFunc) (int, bool) {
	if p.isDupfix() {
		return dupfixSearch(p.Data, key, int(p.header().DupfixKsize), cmp)
	}
	return nodeSearch(p.Data, key, cmp)
}

// cmp returns the comparator for this cursor: the key order for the
// outer cursor, the duplicate order for the inner one.
func (c *Cursor) cmp() CmpFunc {
	if c.flags&czInner != 0 {
		return c.txn.dupCmp(c.dbi)
	}
	return c.txn.keyCmp(c.dbi)
}

// getPage resolves pn through the txn (dirty pages win over the map).
// The inner cursor of an inline subpage never calls this: its single
// page wraps borrowed bytes.
func (c *Cursor) getPage(pn pgno) (*page, error) {
	p, err := c.txn.getPage(pn)
	if err != nil {
		return nil, err
	}
	if c.txn.env.flags&Validation != 0 {
		if verr := p.validate(uint(c.txn.env.pageSize)); verr != nil {
			return nil, WrapError(ErrCorrupted, verr)
		}
	}
	return p, nil
}

// descend pushes pages down to a leaf, entering each branch at slot
// edgeLast ? numEntries-1 : 0.
func (c *Cursor) descend(pn pgno, edgeLast bool) error {
	for {
		p, err := c.getPage(pn)
		if err != nil {
			return err
		}
		idx := 0
		if edgeLast {
			idx = p.numEntries() - 1
			if idx < 0 {
				idx = 0
			}
		}
		if err := c.pushPage(p, uint16(idx)); err != nil {
			return err
		}
		if p.isLeaf() {
			return nil
		}
		pn = nodeGetChildPgnoRaw(p.Data, idx)
		if pn == invalidPgno {
			return ErrCorruptedError
		}
	}
}

// seekFirst re-enters the tree at its leftmost leaf.
func (c *Cursor) seekFirst() error {
	c.top = -1
	c.flags &^= czHollow | czEofSoft | czEofHard
	if c.tree.Root == invalidPgno || c.tree.Items == 0 {
		c.makeHollow()
		return ErrNotFoundError
	}
	if err := c.descend(c.tree.Root, false); err != nil {
		return err
	}
	if c.leaf().numEntries() == 0 {
		c.makeHollow()
		return ErrNotFoundError
	}
	return nil
}

// seekLast re-enters the tree at its rightmost leaf.
func (c *Cursor) seekLast() error {
	c.top = -1
	c.flags &^= czHollow | czEofSoft | czEofHard
	if c.tree.Root == invalidPgno || c.tree.Items == 0 {
		c.makeHollow()
		return ErrNotFoundError
	}
	if err := c.descend(c.tree.Root, true); err != nil {
		return err
	}
	n := c.leaf().numEntries()
	if n == 0 {
		c.makeHollow()
		return ErrNotFoundError
	}
	c.ki[c.top] = uint16(n - 1)
	c.flags |= czEofSoft
	return nil
}

// siblingRight pops to the nearest ancestor with a usable next slot,
// steps it, and descends to the leftmost leaf underneath. ErrNotFound
// past the rightmost leaf.
func (c *Cursor) siblingRight() error {
	lvl := int(c.top)
	for lvl > 0 {
		parent := c.pg[lvl-1]
		if int(c.ki[lvl-1])+1 < parent.numEntries() {
			c.ki[lvl-1]++
			c.top = int8(lvl - 1)
			pn := nodeGetChildPgnoRaw(parent.Data, int(c.ki[lvl-1]))
			return c.descend(pn, false)
		}
		lvl--
	}
	return ErrNotFoundError
}

// siblingLeft mirrors siblingRight toward lower keys.
func (c *Cursor) siblingLeft() error {
	lvl := int(c.top)
	for lvl > 0 {
		parent := c.pg[lvl-1]
		if c.ki[lvl-1] > 0 {
			c.ki[lvl-1]--
			c.top = int8(lvl - 1)
			pn := nodeGetChildPgnoRaw(parent.Data, int(c.ki[lvl-1]))
			if err := c.descend(pn, true); err != nil {
				return err
			}
			n := c.leaf().numEntries()
			if n > 0 {
				c.ki[c.top] = uint16(n - 1)
			}
			return nil
		}
		lvl--
	}
	return ErrNotFoundError
}

// stepNext advances the outer position one slot rightward.
func (c *Cursor) stepNext() error {
	if int(c.ki[c.top])+1 < c.leaf().numEntries() {
		c.ki[c.top]++
		return nil
	}
	if err := c.siblingRight(); err != nil {
		c.flags |= czEofHard
		return ErrNotFoundError
	}
	return nil
}

// stepPrev retreats the outer position one slot leftward.
func (c *Cursor) stepPrev() error {
	if c.ki[c.top] > 0 {
		c.ki[c.top]--
		return nil
	}
	return c.siblingLeft()
}

// ---------------- current pair ----------------

// currentKey returns the key under the cursor.
func (c *Cursor) currentKey() []byte {
	p := c.leaf()
	if p.isDupfix() {
		return dupfixEntry(p.Data, c.leafIdx(), int(p.header().DupfixKsize))
	}
	return nodeGetKeyRaw(p.Data, c.leafIdx())
}

// currentValue resolves the value under the cursor, following large
// pages and the duplicate subtree.
func (c *Cursor) currentValue() ([]byte, error) {
	p := c.leaf()
	if p.isDupfix() {
		// Inner cursors over dupfix pages return the packed entry.
		return dupfixEntry(p.Data, c.leafIdx(), int(p.header().DupfixKsize)), nil
	}
	idx := c.leafIdx()
	flags := nodeGetFlagsRaw(p.Data, idx)
	if flags&nodeBig != 0 {
		return c.txn.largeValue(nodeGetLargePgnoRaw(p.Data, idx), nodeGetDataSizeRaw(p.Data, idx))
	}
	if flags&nodeDup != 0 && c.flags&czInner == 0 {
		if err := c.dupsortSetup(idx, false); err != nil {
			return nil, err
		}
		return c.subcur.currentKeyAsValue()
	}
	return nodeGetDataRaw(p.Data, idx), nil
}

// currentKeyAsValue: inside the duplicate subtree the stored "keys"
// are the duplicate values.
func (c *Cursor) currentKeyAsValue() ([]byte, error) {
	if !c.usable() {
		return nil, ErrNotFoundError
	}
	return c.currentKey(), nil
}

// largeValue reads size bytes from the chain starting at pn. The first
// page carries the header; the payload is contiguous behind it.
func (txn *Txn) largeValue(pn pgno, size uint32) ([]byte, error) {
	if pn == invalidPgno {
		return nil, ErrCorruptedError
	}
	// A dirty chain lives in one contiguous shadow buffer.
	for t := txn; t != nil; t = t.parent {
		if !t.IsReadOnly() {
			if p := t.wr.dirty.get(pn); p != nil {
				if len(p.Data) < pageHeaderSize+int(size) {
					return nil, ErrCorruptedError
				}
				return p.Data[pageHeaderSize : pageHeaderSize+size], nil
			}
		}
	}
	data, err := txn.env.getSpanData(pn, largechunkNpages(int(txn.env.pageSize), int(size)))
	if err != nil {
		return nil, err
	}
	return data[pageHeaderSize : pageHeaderSize+size], nil
}

// ---------------- duplicate subtree ----------------

// dupsortSetup materializes the nested cursor for the duplicate set at
// leaf slot idx, positioned at the first (or last) duplicate.
func (c *Cursor) dupsortSetup(idx int, atLast bool) error {
	p := c.leaf()
	flags := nodeGetFlagsRaw(p.Data, idx)
	if flags&nodeDup == 0 {
		return NewError(ErrIncompatible)
	}

	if c.subcur == nil {
		c.subcur = &Cursor{
			signature: cursorSignature,
			flags:     czInner,
			top:       -1,
			dbi:       c.dbi,
			txn:       c.txn,
		}
	}
	sc := c.subcur
	sc.flags = czInner
	sc.top = -1
	sc.txn = c.txn

	data := nodeGetDataRaw(p.Data, idx)
	if flags&nodeTree != 0 {
		// Promoted nested tree: the value is a stored descriptor.
		if len(data) < treeSize {
			return ErrCorruptedError
		}
		sc.nestedTree = parseTree(data)
		sc.tree = &sc.nestedTree
		sc.subpageHost = false
		if atLast {
			return sc.seekLast()
		}
		return sc.seekFirst()
	}

	// Inline subpage: synthesize a one-leaf tree over borrowed bytes.
	if len(data) < pageHeaderSize {
		return ErrCorruptedError
	}
	sp := &page{Data: data}
	sc.nestedTree = tree{
		Flags:  flagsDB2Sub(c.tree.Flags),
		Height: 1,
		Root:   invalidPgno,
		Items:  uint64(sp.numEntries()),
	}
	if sp.isDupfix() {
		sc.nestedTree.DupfixSize = uint32(sp.header().DupfixKsize)
	}
	sc.tree = &sc.nestedTree
	sc.subpageHost = true
	sc.top = 0
	sc.pg[0] = sp
	n := sp.numEntries()
	if n == 0 {
		sc.makeHollow()
		return ErrNotFoundError
	}
	if atLast {
		sc.ki[0] = uint16(n - 1)
	} else {
		sc.ki[0] = 0
	}
	return nil
}

// flagsDB2Sub converts host tree flags to the nested tree's view:
// duplicate ordering flags become the key flags of the subtree.
func flagsDB2Sub(flags uint16) uint16 {
	var out uint16
	if flags&uint16(ReverseDup) != 0 {
		out |= treeFlagReverseKey
	}
	if flags&uint16(IntegerDup) != 0 {
		out |= treeFlagIntegerKey
	}
	if flags&uint16(DupFixed) != 0 {
		out |= treeFlagDupFixed
	}
	return out
}

// parseTree decodes a 48-byte stored descriptor.
func parseTree(data []byte) tree {
	return tree{
		Flags:       getUint16LE(data[0:2]),
		Height:      getUint16LE(data[2:4]),
		DupfixSize:  getUint32LE(data[4:8]),
		Root:        pgno(getUint32LE(data[8:12])),
		BranchPages: pgno(getUint32LE(data[12:16])),
		LeafPages:   pgno(getUint32LE(data[16:20])),
		LargePages:  pgno(getUint32LE(data[20:24])),
		Sequence:    getUint64LE(data[24:32]),
		Items:       getUint64LE(data[32:40]),
		ModTxnid:    txnid(getUint64LE(data[40:48])),
	}
}

// serializeTree encodes a descriptor into 48 bytes.
func serializeTree(t *tree, out []byte) {
	putUint16LE(out[0:2], t.Flags)
	putUint16LE(out[2:4], t.Height)
	putUint32LE(out[4:8], t.DupfixSize)
	putUint32LE(out[8:12], uint32(t.Root))
	putUint32LE(out[12:16], uint32(t.BranchPages))
	putUint32LE(out[16:20], uint32(t.LeafPages))
	putUint32LE(out[20:24], uint32(t.LargePages))
	putUint64LE(out[24:32], t.Sequence)
	putUint64LE(out[32:40], t.Items)
	putUint64LE(out[40:48], uint64(t.ModTxnid))
}

// hasDup reports whether the current leaf slot carries a duplicate
// set.
func (c *Cursor) hasDup() bool {
	p := c.leaf()
	if p.isDupfix() {
		return false
	}
	return nodeGetFlagsRaw(p.Data, c.leafIdx())&nodeDup != 0
}

// Count returns the number of duplicates at the current key (1 for
// plain entries).
func (c *Cursor) Count() (uint64, error) {
	if !c.valid() {
		return 0, ErrBadTxnError
	}
	if !c.usable() {
		return 0, ErrNotFoundError
	}
	if !c.hasDup() {
		return 1, nil
	}
	if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
		return 0, err
	}
	return c.subcur.tree.Items, nil
}

// ---------------- Get ----------------

// Get positions the cursor per op and returns the resulting pair.
func (c *Cursor) Get(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	if !c.valid() {
		return nil, nil, ErrBadTxnError
	}
	if err := c.txn.usable(); err != nil {
		return nil, nil, err
	}

	var intBuf [8]byte
	if key != nil && c.tree.isIntegerKey() {
		nk, err := normalizeIntegerKey(key, &intBuf)
		if err != nil {
			return nil, nil, err
		}
		key = nk
	}

	switch op {
	case First:
		return c.opFirst()
	case Last:
		return c.opLast()
	case Next:
		return c.opNext(true)
	case NextNoDup:
		return c.opNextNoDup()
	case NextDup:
		return c.opNextDup()
	case Prev:
		return c.opPrev(true)
	case PrevNoDup:
		return c.opPrevNoDup()
	case PrevDup:
		return c.opPrevDup()
	case GetCurrent:
		return c.opGetCurrent()
	case Set, SetKey:
		k, v, err := c.opSet(key, op == SetKey)
		return k, v, err
	case SetRange:
		return c.opSetRange(key)
	case FirstDup:
		return c.opFirstDup()
	case LastDup:
		return c.opLastDup()
	case GetBoth:
		return c.opGetBoth(key, value, true)
	case GetBothRange:
		return c.opGetBoth(key, value, false)
	case GetMultiple:
		return c.opGetMultiple(false)
	case SeekAndGetMultiple:
		if _, _, err := c.opSet(key, false); err != nil {
			return nil, nil, err
		}
		return c.opGetMultiple(false)
	case NextMultiple:
		if _, _, err := c.opNextDup(); err != nil {
			return nil, nil, err
		}
		return c.opGetMultiple(true)
	case PrevMultiple:
		if _, _, err := c.opPrevDup(); err != nil {
			return nil, nil, err
		}
		return c.opGetMultiple(true)
	case SetLowerbound:
		return c.opBound(key, value, false)
	case SetUpperbound:
		return c.opBound(key, value, true)
	case ToKeyLesserThan, ToKeyLesserOrEqual, ToKeyEqual,
		ToKeyGreaterOrEqual, ToKeyGreaterThan:
		return c.opToKey(key, op)
	case ToExactKeyValueLesserThan, ToExactKeyValueLesserOrEqual,
		ToExactKeyValueEqual, ToExactKeyValueGreaterOrEqual,
		ToExactKeyValueGreaterThan:
		return c.opToExactKeyValue(key, value, op)
	case ToPairLesserThan, ToPairLesserOrEqual, ToPairEqual,
		ToPairGreaterOrEqual, ToPairGreaterThan:
		return c.opToPair(key, value, op)
	}
	return nil, nil, NewError(ErrIncompatible)
}

// opToKey is the key-relative composite seek family.
func (c *Cursor) opToKey(key []byte, op CursorOp) ([]byte, []byte, error) {
	switch op {
	case ToKeyEqual:
		return c.opSet(key, true)

	case ToKeyGreaterOrEqual:
		return c.opSetRange(key)

	case ToKeyGreaterThan:
		k, v, err := c.opSetRange(key)
		if err != nil {
			return nil, nil, err
		}
		if c.cmp()(k, key) == 0 {
			return c.opNextNoDup()
		}
		return k, v, nil

	case ToKeyLesserOrEqual, ToKeyLesserThan:
		k, _, err := c.opSetRange(key)
		switch {
		case err == nil:
			if op == ToKeyLesserOrEqual && c.cmp()(k, key) == 0 {
				// The last duplicate of the matched key.
				return c.opLastDup()
			}
			return c.opPrevNoDup()
		case IsNotFound(err):
			// Everything is below the target: the last pair qualifies.
			return c.opLast()
		default:
			return nil, nil, err
		}
	}
	return nil, nil, NewError(ErrIncompatible)
}

// opToExactKeyValue adjusts within the duplicate stream of an exactly
// matched key.
func (c *Cursor) opToExactKeyValue(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	if _, _, err := c.opSet(key, true); err != nil {
		return nil, nil, err
	}

	if !c.hasDup() {
		cur, err := c.currentValue()
		if err != nil {
			return nil, nil, err
		}
		cres := c.txn.dupCmp(c.dbi)(cur, value)
		ok := false
		switch op {
		case ToExactKeyValueLesserThan:
			ok = cres < 0
		case ToExactKeyValueLesserOrEqual:
			ok = cres <= 0
		case ToExactKeyValueEqual:
			ok = cres == 0
		case ToExactKeyValueGreaterOrEqual:
			ok = cres >= 0
		case ToExactKeyValueGreaterThan:
			ok = cres > 0
		}
		if !ok {
			return nil, nil, ErrNotFoundError
		}
		return c.currentKey(), cur, nil
	}

	exact, err := c.subSeek(value)
	if err != nil && !IsNotFound(err) {
		return nil, nil, err
	}
	missed := IsNotFound(err)

	switch op {
	case ToExactKeyValueEqual:
		if missed || !exact {
			return nil, nil, ErrNotFoundError
		}
	case ToExactKeyValueGreaterOrEqual:
		if missed {
			return nil, nil, ErrNotFoundError
		}
	case ToExactKeyValueGreaterThan:
		if missed {
			return nil, nil, ErrNotFoundError
		}
		if exact {
			if _, _, err := c.subNext(); err != nil {
				return nil, nil, ErrNotFoundError
			}
		}
	case ToExactKeyValueLesserOrEqual:
		if missed {
			return c.opLastDup()
		}
		if !exact {
			if _, _, err := c.subPrev(); err != nil {
				return nil, nil, ErrNotFoundError
			}
		}
	case ToExactKeyValueLesserThan:
		if missed {
			return c.opLastDup()
		}
		if _, _, err := c.subPrev(); err != nil {
			return nil, nil, ErrNotFoundError
		}
	}

	v, err := c.subcur.currentKeyAsValue()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

// opToPair is the combined-order composite seek family.
func (c *Cursor) opToPair(key, value []byte, op CursorOp) ([]byte, []byte, error) {
	switch op {
	case ToPairEqual:
		return c.opGetBoth(key, value, true)

	case ToPairGreaterOrEqual:
		return c.opBound(key, value, false)

	case ToPairGreaterThan:
		return c.opBound(key, value, true)

	case ToPairLesserOrEqual, ToPairLesserThan:
		// Find the first pair at-or-above (above for LesserOrEqual's
		// complement) and step back once.
		exclusive := op == ToPairLesserThan
		_, _, err := c.opBound(key, value, !exclusive)
		switch {
		case err == nil:
			return c.opPrev(true)
		case IsNotFound(err):
			return c.opLast()
		default:
			return nil, nil, err
		}
	}
	return nil, nil, NewError(ErrIncompatible)
}

func (c *Cursor) pair() ([]byte, []byte, error) {
	if !c.usable() {
		return nil, nil, ErrNotFoundError
	}
	k := c.currentKey()
	v, err := c.currentValue()
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

func (c *Cursor) opFirst() ([]byte, []byte, error) {
	c.flags &^= czFresh | czAfterDelete
	if err := c.seekFirst(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	return c.pair()
}

func (c *Cursor) opLast() ([]byte, []byte, error) {
	c.flags &^= czFresh | czAfterDelete
	if err := c.seekLast(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), true); err != nil {
			return nil, nil, err
		}
		k := c.currentKey()
		v, err := c.subcur.currentKeyAsValue()
		return k, v, err
	}
	return c.pair()
}

// opNext implements Next: within the duplicate stream first, then the
// outer step.
func (c *Cursor) opNext(intoDups bool) ([]byte, []byte, error) {
	if c.flags&czEofHard != 0 {
		return nil, nil, ErrNotFoundError
	}
	if c.flags&czFresh != 0 || !c.usable() {
		if c.flags&czFresh != 0 {
			return c.opFirst()
		}
		return nil, nil, ErrNotFoundError
	}
	if c.flags&czAfterDelete != 0 {
		// The delete already moved the position; this Next is free.
		c.flags &^= czAfterDelete
		if c.hasDup() {
			if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
				return nil, nil, err
			}
		}
		return c.pair()
	}

	if intoDups && c.hasDup() && c.subcur != nil && c.subcur.usable() {
		if _, v, err := c.subNext(); err == nil {
			return c.currentKey(), v, nil
		}
	}

	if err := c.stepNext(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	return c.pair()
}

func (c *Cursor) opPrev(intoDups bool) ([]byte, []byte, error) {
	if c.flags&czFresh != 0 || !c.usable() {
		if c.flags&czFresh != 0 {
			return c.opLast()
		}
		return nil, nil, ErrNotFoundError
	}
	c.flags &^= czAfterDelete | czEofSoft | czEofHard

	if intoDups && c.hasDup() && c.subcur != nil && c.subcur.usable() {
		if _, v, err := c.subPrev(); err == nil {
			return c.currentKey(), v, nil
		}
	}

	if err := c.stepPrev(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), true); err != nil {
			return nil, nil, err
		}
		k := c.currentKey()
		v, err := c.subcur.currentKeyAsValue()
		return k, v, err
	}
	return c.pair()
}

func (c *Cursor) opNextNoDup() ([]byte, []byte, error) {
	if c.flags&czFresh != 0 || !c.usable() {
		if c.flags&czFresh != 0 {
			return c.opFirst()
		}
		return nil, nil, ErrNotFoundError
	}
	c.flags &^= czAfterDelete
	if err := c.stepNext(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	return c.pair()
}

func (c *Cursor) opPrevNoDup() ([]byte, []byte, error) {
	if c.flags&czFresh != 0 || !c.usable() {
		if c.flags&czFresh != 0 {
			return c.opLast()
		}
		return nil, nil, ErrNotFoundError
	}
	c.flags &^= czAfterDelete | czEofSoft | czEofHard
	if err := c.stepPrev(); err != nil {
		return nil, nil, err
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), true); err != nil {
			return nil, nil, err
		}
		k := c.currentKey()
		v, err := c.subcur.currentKeyAsValue()
		return k, v, err
	}
	return c.pair()
}

// subNext / subPrev step the nested cursor.
func (c *Cursor) subNext() ([]byte, []byte, error) {
	sc := c.subcur
	if sc.subpageHost {
		if int(sc.ki[0])+1 < sc.pg[0].numEntries() {
			sc.ki[0]++
			v, err := sc.currentKeyAsValue()
			return nil, v, err
		}
		return nil, nil, ErrNotFoundError
	}
	if err := sc.stepNext(); err != nil {
		return nil, nil, err
	}
	v, err := sc.currentKeyAsValue()
	return nil, v, err
}

func (c *Cursor) subPrev() ([]byte, []byte, error) {
	sc := c.subcur
	if sc.subpageHost {
		if sc.ki[0] > 0 {
			sc.ki[0]--
			v, err := sc.currentKeyAsValue()
			return nil, v, err
		}
		return nil, nil, ErrNotFoundError
	}
	if err := sc.stepPrev(); err != nil {
		return nil, nil, err
	}
	v, err := sc.currentKeyAsValue()
	return nil, v, err
}

func (c *Cursor) opNextDup() ([]byte, []byte, error) {
	if !c.usable() || !c.hasDup() {
		if !c.usable() {
			return nil, nil, ErrNotFoundError
		}
		return nil, nil, ErrNotFoundError
	}
	if c.subcur == nil || !c.subcur.usable() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	_, v, err := c.subNext()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

func (c *Cursor) opPrevDup() ([]byte, []byte, error) {
	if !c.usable() || !c.hasDup() {
		return nil, nil, ErrNotFoundError
	}
	if c.subcur == nil || !c.subcur.usable() {
		if err := c.dupsortSetup(c.leafIdx(), true); err != nil {
			return nil, nil, err
		}
	}
	_, v, err := c.subPrev()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

func (c *Cursor) opFirstDup() ([]byte, []byte, error) {
	if !c.usable() {
		return nil, nil, ErrNotFoundError
	}
	if !c.hasDup() {
		return c.pair()
	}
	if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
		return nil, nil, err
	}
	v, err := c.subcur.currentKeyAsValue()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

func (c *Cursor) opLastDup() ([]byte, []byte, error) {
	if !c.usable() {
		return nil, nil, ErrNotFoundError
	}
	if !c.hasDup() {
		return c.pair()
	}
	if err := c.dupsortSetup(c.leafIdx(), true); err != nil {
		return nil, nil, err
	}
	v, err := c.subcur.currentKeyAsValue()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

func (c *Cursor) opGetCurrent() ([]byte, []byte, error) {
	if !c.usable() || c.flags&czEofHard != 0 {
		return nil, nil, ErrNotFoundError
	}
	k := c.currentKey()
	if c.hasDup() && c.subcur != nil && c.subcur.usable() {
		v, err := c.subcur.currentKeyAsValue()
		return k, v, err
	}
	v, err := c.currentValue()
	return k, v, err
}

// seek positions at key with the fast paths of cursor_seek: when the
// stack is valid and the target is on the current leaf, skip the root
// descent. czNoFastpath forces the full search.
func (c *Cursor) seek(key []byte) (bool, error) {
	c.flags &^= czFresh | czAfterDelete

	if c.flags&czNoFastpath == 0 && c.usable() && c.leaf() != nil && !c.leaf().isDupfix() {
		p := c.leaf()
		n := p.numEntries()
		if n > 0 {
			cmp := c.cmp()
			first := nodeGetKeyRaw(p.Data, 0)
			last := nodeGetKeyRaw(p.Data, n-1)
			if cmp(key, first) >= 0 && cmp(key, last) <= 0 {
				idx, exact := nodeSearch(p.Data, key, cmp)
				c.ki[c.top] = uint16(idx)
				c.clearEOF()
				if idx >= n {
					// Between-bounds miss past the tail cannot happen
					// (key <= last), but keep the guard.
					return false, nil
				}
				return exact, nil
			}
		}
	}
	return c.search(key)
}

func (c *Cursor) opSet(key []byte, wantKey bool) ([]byte, []byte, error) {
	exact, err := c.seek(key)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, ErrNotFoundError
		}
		return nil, nil, err
	}
	if !exact || c.leafIdx() >= c.leaf().numEntries() {
		c.flags |= czHollow
		return nil, nil, ErrNotFoundError
	}
	c.flags &^= czHollow
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	k, v, err := c.pair()
	if err != nil {
		return nil, nil, err
	}
	if !wantKey {
		return nil, v, nil
	}
	return k, v, nil
}

func (c *Cursor) opSetRange(key []byte) ([]byte, []byte, error) {
	_, err := c.seek(key)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, ErrNotFoundError
		}
		return nil, nil, err
	}
	if c.leafIdx() >= c.leaf().numEntries() {
		if err := c.siblingRight(); err != nil {
			c.flags |= czEofHard
			return nil, nil, ErrNotFoundError
		}
	}
	if c.hasDup() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	return c.pair()
}

// opGetBoth positions at (key, value): exact match for GetBoth, the
// first duplicate >= value for GetBothRange.
func (c *Cursor) opGetBoth(key, value []byte, exactValue bool) ([]byte, []byte, error) {
	_, _, err := c.opSet(key, true)
	if err != nil {
		return nil, nil, err
	}
	if !c.hasDup() {
		// Plain entry: the stored value must satisfy the constraint.
		v, err := c.currentValue()
		if err != nil {
			return nil, nil, err
		}
		cres := c.txn.dupCmp(c.dbi)(value, v)
		if cres == 0 || (!exactValue && cres < 0) {
			return c.currentKey(), v, nil
		}
		return nil, nil, ErrNotFoundError
	}

	exact, err := c.subSeek(value)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, ErrNotFoundError
		}
		return nil, nil, err
	}
	if exactValue && !exact {
		return nil, nil, ErrNotFoundError
	}
	v, err := c.subcur.currentKeyAsValue()
	if err != nil {
		return nil, nil, err
	}
	return c.currentKey(), v, nil
}

// subSeek positions the nested cursor at the first duplicate >= value.
func (c *Cursor) subSeek(value []byte) (bool, error) {
	if c.subcur == nil || (!c.subcur.usable() && !c.subcur.subpageHost) {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return false, err
		}
	}
	sc := c.subcur
	cmp := c.txn.dupCmp(c.dbi)

	if sc.subpageHost {
		sp := sc.pg[0]
		var idx int
		var exact bool
		if sp.isDupfix() {
			idx, exact = dupfixSearch(sp.Data, value, int(sp.header().DupfixKsize), cmp)
		} else {
			idx, exact = nodeSearch(sp.Data, value, cmp)
		}
		if idx >= sp.numEntries() {
			sc.makeHollow()
			return false, ErrNotFoundError
		}
		sc.flags &^= czHollow
		sc.top = 0
		sc.ki[0] = uint16(idx)
		return exact, nil
	}

	exact, err := sc.search(value)
	if err != nil {
		return false, err
	}
	if sc.leafIdx() >= sc.leaf().numEntries() {
		if err := sc.siblingRight(); err != nil {
			sc.makeHollow()
			return false, ErrNotFoundError
		}
	}
	return exact, nil
}

// opBound implements SetLowerbound/SetUpperbound: a range seek over
// (key, value) pairs, with the upper bound excluding equality.
func (c *Cursor) opBound(key, value []byte, exclusive bool) ([]byte, []byte, error) {
	k, v, err := c.opSetRange(key)
	if err != nil {
		return nil, nil, err
	}
	cmp := c.cmp()
	if cmp(k, key) != 0 {
		return k, v, nil
	}

	// Same key: adjust within the duplicate stream when a value bound
	// was given.
	if value != nil && c.hasDup() {
		exact, err := c.subSeek(value)
		if err == nil {
			if exclusive && exact {
				_, nv, nerr := c.subNext()
				if nerr == nil {
					return c.currentKey(), nv, nil
				}
				return c.opNextNoDup()
			}
			nv, verr := c.subcur.currentKeyAsValue()
			if verr != nil {
				return nil, nil, verr
			}
			return c.currentKey(), nv, nil
		}
		if IsNotFound(err) {
			return c.opNextNoDup()
		}
		return nil, nil, err
	}

	// Plain entry at the same key.
	if value == nil {
		if exclusive {
			return c.opNextNoDup()
		}
		return k, v, nil
	}
	cur, cerr := c.currentValue()
	if cerr != nil {
		return nil, nil, cerr
	}
	cres := c.txn.dupCmp(c.dbi)(cur, value)
	if cres < 0 || (exclusive && cres == 0) {
		return c.opNext(true)
	}
	return k, cur, nil
}

// opGetMultiple returns the contiguous slab of packed values at the
// nested cursor's current dupfix page. Only DupFixed trees qualify.
func (c *Cursor) opGetMultiple(fromCurrent bool) ([]byte, []byte, error) {
	if c.tree.Flags&treeFlagDupFixed == 0 {
		return nil, nil, NewError(ErrIncompatible)
	}
	if !c.usable() {
		return nil, nil, ErrNotFoundError
	}
	if !c.hasDup() {
		// A single value is a slab of one.
		v, err := c.currentValue()
		if err != nil {
			return nil, nil, err
		}
		return c.currentKey(), v, nil
	}
	if c.subcur == nil || !c.subcur.usable() {
		if err := c.dupsortSetup(c.leafIdx(), false); err != nil {
			return nil, nil, err
		}
	}
	sc := c.subcur
	sp := sc.leaf()
	ksize := int(sp.header().DupfixKsize)
	if ksize == 0 || !sp.isDupfix() {
		return nil, nil, NewError(ErrIncompatible)
	}
	start := 0
	if fromCurrent {
		start = sc.leafIdx()
	}
	n := sp.numEntries()
	if start >= n {
		return nil, nil, ErrNotFoundError
	}
	lo := pageHeaderSize + start*ksize
	hi := pageHeaderSize + n*ksize
	sc.ki[sc.top] = uint16(n - 1)
	return c.currentKey(), sp.Data[lo:hi:hi], nil
}
