package tern

import (
	"crypto/rand"
	"sync/atomic"
	"unsafe"
)

// Data signature values. NONE and WEAK mark a meta whose payload may
// not have been fsynced; anything else is a steady checksum computed
// over the meta body, meaning an fsync of the data preceded the
// commit and the meta is a safe recovery target.
const (
	datasignNone uint64 = 0
	datasignWeak uint64 = 1
)

// canary holds user-defined marker values carried in every meta. X, Y
// and Z are set by the user; V records the txnid of the last change.
type canary struct {
	X, Y, Z, V uint64
}

// meta is the on-disk meta page body (after the 20-byte page header).
// The layout must match libmdbx's meta_t.
//
//	Offset  Size  Field
//	0       8     magic_and_version
//	8       8     txnid_a (first half of the torn-write bracket)
//	16      2     reserve16
//	18      1     validator_id
//	19      1     extra_pagehdr
//	20      20    geometry
//	40      48    gc tree descriptor
//	88      48    main tree descriptor
//	136     32    canary
//	168     8     sign
//	176     8     txnid_b (second half of the bracket)
//	184     8     pages_retired
//	192     16    bootid
//	208     16    dxbid (database GUID)
type meta struct {
	MagicAndVersion [2]uint32
	TxnidA          [2]uint32
	Reserve16       uint16
	ValidatorID     uint8
	ExtraPageHdr    int8
	Geometry        geo
	GCTree          tree
	MainTree        tree
	Canary          canary
	Sign            [2]uint32
	TxnidB          [2]uint32
	PagesRetired    [2]uint32
	BootID          [16]byte
	DXBID           [16]byte
}

// metaBodySize is the meaningful portion of the meta body.
const metaBodySize = 224

// readMetaBody maps raw bytes onto a meta.
func readMetaBody(data []byte) (*meta, error) {
	if len(data) < metaBodySize {
		return nil, errMetaTooSmall
	}
	return (*meta)(unsafe.Pointer(&data[0])), nil
}

func (m *meta) magicValid() bool {
	magic := uint64(m.MagicAndVersion[0]) | (uint64(m.MagicAndVersion[1]) << 32)
	return (magic >> 8) == Magic
}

// version returns the format version from the low byte; bit 6 of that
// byte carries the PNL sort order and is masked off.
func (m *meta) version() uint8 {
	return uint8(m.MagicAndVersion[0]) &^ (pnlAscending << 6)
}

// pnlOrderAscending reports the sort order recorded at creation time.
func (m *meta) pnlOrderAscending() bool {
	return uint8(m.MagicAndVersion[0])&(pnlAscending<<6) != 0
}

// txnidA and txnidB are read with atomic halves: a concurrent writer
// updates A, body, then B, so readers retry while they disagree (the
// seqlock described in the design notes).
func (m *meta) txnidASafe() txnid {
	lo := atomic.LoadUint32(&m.TxnidA[0])
	hi := atomic.LoadUint32(&m.TxnidA[1])
	return txnid(uint64(lo) | (uint64(hi) << 32))
}

func (m *meta) txnidBSafe() txnid {
	lo := atomic.LoadUint32(&m.TxnidB[0])
	hi := atomic.LoadUint32(&m.TxnidB[1])
	return txnid(uint64(lo) | (uint64(hi) << 32))
}

func (m *meta) txnID() txnid {
	return txnid(uint64(m.TxnidA[0]) | (uint64(m.TxnidA[1]) << 32))
}

func (m *meta) setTxnidA(tid txnid) {
	atomic.StoreUint32(&m.TxnidA[0], uint32(tid))
	atomic.StoreUint32(&m.TxnidA[1], uint32(tid>>32))
}

func (m *meta) setTxnidB(tid txnid) {
	atomic.StoreUint32(&m.TxnidB[0], uint32(tid))
	atomic.StoreUint32(&m.TxnidB[1], uint32(tid>>32))
}

func (m *meta) setTxnid(tid txnid) {
	m.setTxnidA(tid)
	m.setTxnidB(tid)
}

// torn reports a mismatched bracket: the meta is mid-write or was cut
// short by a crash and must be ignored.
func (m *meta) torn() bool {
	return m.txnidASafe() != m.txnidBSafe()
}

func (m *meta) sign() uint64 {
	return uint64(m.Sign[0]) | (uint64(m.Sign[1]) << 32)
}

func (m *meta) setSign(v uint64) {
	m.Sign[0] = uint32(v)
	m.Sign[1] = uint32(v >> 32)
}

func (m *meta) isWeak() bool {
	return m.sign() <= datasignWeak
}

func (m *meta) isSteady() bool {
	return !m.isWeak()
}

func (m *meta) setSignWeak() {
	m.setSign(datasignWeak)
}

// steadySign computes the steady checksum over the meta body with the
// sign field treated as zero. FNV-1a folded so it can never collide
// with NONE/WEAK.
func (m *meta) steadySign() uint64 {
	saved := m.sign()
	m.setSign(0)
	body := (*[metaBodySize]byte)(unsafe.Pointer(m))[:]
	h := uint64(14695981039346656037)
	for _, b := range body {
		h ^= uint64(b)
		h *= 1099511628211
	}
	m.setSign(saved)
	if h <= datasignWeak {
		h += 2
	}
	return h
}

func (m *meta) setSignSteady() {
	m.setSign(m.steadySign())
}

func (m *meta) pagesRetired() uint64 {
	return uint64(m.PagesRetired[0]) | (uint64(m.PagesRetired[1]) << 32)
}

func (m *meta) setPagesRetired(v uint64) {
	m.PagesRetired[0] = uint32(v)
	m.PagesRetired[1] = uint32(v >> 32)
}

// pageSize is stashed in the GC tree's dupfix-size field, which a GC
// tree never needs for itself.
func (m *meta) pageSize() uint32 {
	return m.GCTree.DupfixSize
}

// validate checks magic, version and the txnid bracket.
func (m *meta) validate() error {
	if !m.magicValid() {
		return errMetaInvalidMagic
	}
	v := m.version()
	if v < 2 || v > DataVersion {
		return errMetaInvalidVersion
	}
	if m.torn() {
		return errMetaTorn
	}
	return nil
}

func (m *meta) clone() *meta {
	out := *m
	return &out
}

var (
	errMetaTooSmall       = &pageError{"meta page too small"}
	errMetaInvalidMagic   = &pageError{"invalid magic number"}
	errMetaInvalidVersion = &pageError{"invalid format version"}
	errMetaTorn           = &pageError{"meta page torn (incomplete write)"}
	errMetaNoValid        = &pageError{"no valid meta page found"}
)

// initMeta fills m for a fresh database.
func initMeta(m *meta, pageSize uint32, tid txnid, bootID [16]byte, dxbID [16]byte) {
	magic := DataMagic | pnlAscending<<6
	m.MagicAndVersion[0] = uint32(magic)
	m.MagicAndVersion[1] = uint32(magic >> 32)
	m.setTxnid(tid)

	m.Geometry = geo{
		GrowPV:   0x0180,
		ShrinkPV: 0x0300,
		Lower:    NumMetas,
		Upper:    0x1800000,
		Now:      NumMetas,
		FirstUnallocated: NumMetas,
	}

	m.GCTree.Flags = treeFlagIntegerKey
	m.GCTree.DupfixSize = pageSize
	m.GCTree.Root = invalidPgno
	m.MainTree.Root = invalidPgno

	m.BootID = bootID
	m.DXBID = dxbID

	// Fresh databases are synced by bootstrap, so they begin steady.
	m.setSignSteady()
}

// newDXBID returns a random database GUID.
func newDXBID() [16]byte {
	var id [16]byte
	rand.Read(id[:])
	return id
}

// geo is the on-disk geometry record (20 bytes).
type geo struct {
	GrowPV           uint16 // growth step, packed exponential
	ShrinkPV         uint16 // shrink threshold, packed exponential
	Lower            pgno   // minimum datafile size in pages
	Upper            pgno   // maximum datafile size in pages
	Now              pgno   // currently allocated size in pages
	FirstUnallocated pgno   // end of the used prefix
}

// tree is the on-disk descriptor of one B+tree (48 bytes).
type tree struct {
	Flags       uint16
	Height      uint16
	DupfixSize  uint32
	Root        pgno
	BranchPages pgno
	LeafPages   pgno
	LargePages  pgno
	Sequence    uint64
	Items       uint64
	ModTxnid    txnid
}

const treeSize = 48

// Tree flags mirror the public DB* constants.
const (
	treeFlagReverseKey uint16 = 0x02
	treeFlagDupSort    uint16 = 0x04
	treeFlagIntegerKey uint16 = 0x08
	treeFlagDupFixed   uint16 = 0x10
	treeFlagIntegerDup uint16 = 0x20
	treeFlagReverseDup uint16 = 0x40
)

func (t *tree) isEmpty() bool {
	return t.Root == invalidPgno || t.Items == 0
}

func (t *tree) isDupSort() bool    { return t.Flags&treeFlagDupSort != 0 }
func (t *tree) isDupFixed() bool   { return t.Flags&treeFlagDupFixed != 0 }
func (t *tree) isIntegerKey() bool { return t.Flags&treeFlagIntegerKey != 0 }
func (t *tree) isReverseKey() bool { return t.Flags&treeFlagReverseKey != 0 }

func (t *tree) totalPages() uint64 {
	return uint64(t.BranchPages) + uint64(t.LeafPages) + uint64(t.LargePages)
}

// reset empties the tree, preserving schema flags and the sequence.
func (t *tree) reset() {
	t.Root = invalidPgno
	t.Height = 0
	t.BranchPages = 0
	t.LeafPages = 0
	t.LargePages = 0
	t.Items = 0
}
