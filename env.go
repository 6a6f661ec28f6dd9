package tern

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// sysPageSize is cached for file-size alignment; mmap windows must be
// multiples of it.
var sysPageSize = int64(syscall.Getpagesize())

func alignToSysPageSize(size int64) int64 {
	if size%sysPageSize == 0 {
		return size
	}
	return ((size / sysPageSize) + 1) * sysPageSize
}

const envSignature uint32 = 0x454E5658 // "ENVX"

// HSRCallback is the handle-slow-readers hook invoked when the
// allocator is starved by a laggard snapshot. Return values: negative
// to give up, zero to retry, positive when the reader was dealt with.
type HSRCallback func(env *Env, laggard uint64, pid uint32, tid uint64, gap uint64, retry int) int

// options carries the tunables exposed through SetOption.
type options struct {
	dpLimit               int
	looseLimit            int
	rpAugmentLimit        int
	spillMinDenominator   int
	spillMaxDenominator   int
	mergeThreshold16dot16 int
	preferWAF             bool
	subpageLimit          int
	subpageRoomThreshold  int
	subpageReservePrereq  int
	gcTimeLimit           time.Duration
}

func defaultOptions(pageSize int) options {
	return options{
		dpLimit:               1 << 16,
		looseLimit:            64,
		rpAugmentLimit:        1 << 18,
		spillMinDenominator:   8,
		spillMaxDenominator:   4,
		mergeThreshold16dot16: 16384, // 25% fill
		preferWAF:             false,
		subpageLimit:          leafNodeMax(pageSize) - NodeHeaderSize,
		subpageRoomThreshold:  pageHeaderSize,
		subpageReservePrereq:  leafNodeMax(pageSize) / 2,
	}
}

// dbiInfo is one named-tree registration.
type dbiInfo struct {
	name  string
	flags uint
	tree  *tree
	cmp   CmpFunc
	dcmp  CmpFunc
	seq   uint32 // bumps on drop/recreate; stale handles are rejected
}

// Env is a database environment: one data file, one lock file, the
// reader registry and the writer serializer.
type Env struct {
	signature uint32
	flags     uint
	path      string
	mu        sync.RWMutex

	dataFile *os.File
	dataMap  *mmap
	lockFile *lockFile

	// Superseded mappings stay alive until close: readers may still
	// hold slices into them.
	oldMmaps   []*mmap
	oldMmapsMu sync.Mutex

	txnWg sync.WaitGroup

	pageSize   uint32
	maxReaders uint32
	maxDBs     uint32

	// Geometry in bytes, as configured (the authoritative copy in
	// pages lives in the head meta).
	geoLower, geoNow, geoUpper, geoGrow, geoShrink uint64

	troika atomic.Pointer[troika]

	// Writer serialization within the process; the lock file
	// serializes across processes.
	writeTxn *Txn
	txnMu    sync.Mutex
	txnCond  *sync.Cond

	basal       *Txn // preallocated basal write txn
	readTxnPool sync.Pool

	dbis   []*dbiInfo
	dbisMu sync.RWMutex

	fatal atomic.Bool

	bootID [16]byte
	dxbID  [16]byte

	hsr HSRCallback

	opts   options
	gcProf gcProfile

	unsyncedBytes atomic.Uint64

	logLvl  LogLvl
	logSink func(LogLvl, string)

	userCtx any
}

// NewEnv creates an unopened environment handle.
func NewEnv() (*Env, error) {
	e := &Env{
		signature:  envSignature,
		maxReaders: defaultMaxReaders,
		maxDBs:     16,
		pageSize:   DefaultPageSize,
		bootID:     currentBootID(),
	}
	e.opts = defaultOptions(int(e.pageSize))
	e.txnCond = sync.NewCond(&e.txnMu)
	e.readTxnPool.New = func() any { return &Txn{} }
	return e, nil
}

func (e *Env) valid() bool {
	return e != nil && e.signature == envSignature
}

func (e *Env) panicked() bool {
	return e.fatal.Load()
}

// setPanic latches the env-wide fatal flag: every later operation
// returns ErrPanic until the env is reopened.
func (e *Env) setPanic() {
	e.fatal.Store(true)
}

func (e *Env) log(lvl LogLvl, msg string) {
	if e.logSink != nil && lvl <= e.logLvl {
		e.logSink(lvl, msg)
	}
}

// SetLogger installs a debug-log sink for messages at or below lvl.
func (e *Env) SetLogger(lvl LogLvl, sink func(LogLvl, string)) {
	e.logLvl = lvl
	e.logSink = sink
}

// SetHSR installs the handle-slow-readers callback.
func (e *Env) SetHSR(fn HSRCallback) {
	e.hsr = fn
}

// Open opens (creating if necessary) the environment at path.
func (e *Env) Open(path string, flags uint, mode os.FileMode) error {
	if !e.valid() {
		return ErrInvalidError
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dataFile != nil {
		return ErrInvalidError
	}

	e.flags = flags
	e.path = path

	var dataPath, lockPath string
	if flags&NoSubdir != 0 {
		dataPath = path
		lockPath = path + LockSuffix
	} else {
		if err := os.MkdirAll(path, mode|0700); err != nil {
			return WrapError(ErrInvalid, err)
		}
		dataPath = filepath.Join(path, DataFileName)
		lockPath = filepath.Join(path, LockFileName)
	}

	create := flags&ReadOnly == 0
	lf, err := openLockFile(lockPath, int(e.maxReaders), create)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	e.lockFile = lf

	fileFlags := os.O_RDWR
	if flags&ReadOnly != 0 {
		fileFlags = os.O_RDONLY
	} else {
		fileFlags |= os.O_CREATE
	}
	dataFile, err := os.OpenFile(dataPath, fileFlags, mode)
	if err != nil {
		e.lockFile.close()
		e.lockFile = nil
		return WrapError(ErrInvalid, err)
	}
	e.dataFile = dataFile

	fi, err := dataFile.Stat()
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	fileSize := fi.Size()

	if fileSize == 0 {
		if flags&ReadOnly != 0 {
			e.closeFiles()
			return ErrInvalidError
		}
		if err := e.bootstrap(); err != nil {
			e.closeFiles()
			return err
		}
		fi, _ = dataFile.Stat()
		fileSize = fi.Size()
	}

	writable := flags&ReadOnly == 0 && flags&WriteMap != 0
	dm, err := mmapMap(int(dataFile.Fd()), 0, int(fileSize), writable)
	if err != nil {
		e.closeFiles()
		return WrapError(ErrInvalid, err)
	}
	e.dataMap = dm
	if flags&NoReadAhead != 0 {
		dm.adviseRandom()
	}

	if err := e.readTroika(); err != nil {
		e.closeFiles()
		return err
	}

	// Recovery election: the meta the env opens at honors steadiness
	// and the bootid upgrade for weak heads.
	tk := e.currentTroika()
	m := tk.recoveryHead(e.bootID)
	if m == nil {
		e.closeFiles()
		return ErrCorruptedError
	}
	if !tk.headIsSteady() && tk.head() != m {
		if flags&ReadOnly != 0 {
			e.closeFiles()
			return NewError(ErrWannaRecovery)
		}
		e.log(LogLvlNotice, "rolling back to last steady meta")
		if err := e.rollbackToMeta(tk, m); err != nil {
			e.closeFiles()
			return err
		}
		tk = e.currentTroika()
		m = tk.head()
	}

	if ps := m.pageSize(); ps >= MinPageSize && ps <= MaxPageSize {
		e.pageSize = ps
	}
	e.opts = defaultOptions(int(e.pageSize))
	e.geoLower = uint64(m.Geometry.Lower) * uint64(e.pageSize)
	e.geoUpper = uint64(m.Geometry.Upper) * uint64(e.pageSize)
	e.geoNow = uint64(m.Geometry.Now) * uint64(e.pageSize)
	e.dxbID = m.DXBID

	e.basal = &Txn{}
	return nil
}

// rollbackToMeta overwrites every meta newer than the recovery target
// with a clone of the target, so the discarded weak suffix can never
// be elected again.
func (e *Env) rollbackToMeta(tk *troika, target *meta) error {
	ps := int(e.pageSize)
	for slot := 0; slot < NumMetas; slot++ {
		m := tk.metas[slot]
		if m == nil || m == target || m.txnID() <= target.txnID() {
			continue
		}
		buf := make([]byte, ps)
		ph := (*pageHeader)(unsafe.Pointer(&buf[0]))
		ph.PageNo = pgno(slot)
		ph.Flags = pageMeta
		clone := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		*clone = *target
		clone.setSignSteady()
		if _, err := e.dataFile.WriteAt(buf, int64(slot)*int64(ps)); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	if err := e.dataFile.Sync(); err != nil {
		return WrapError(ErrProblem, err)
	}
	return e.readTroika()
}

// bootstrap writes the initial meta triplet of a fresh database.
func (e *Env) bootstrap() error {
	initialSize := int64(e.geoNow)
	minSize := int64(NumMetas) * int64(e.pageSize)
	if initialSize < minSize {
		initialSize = minSize
	}
	initialSize = alignToSysPageSize(initialSize)

	if err := e.dataFile.Truncate(initialSize); err != nil {
		return WrapError(ErrInvalid, err)
	}

	dxbID := newDXBID()
	for i := 0; i < NumMetas; i++ {
		buf := make([]byte, e.pageSize)
		tid := txnid(InitialTxnID - uint64(NumMetas-1-i))

		ph := (*pageHeader)(unsafe.Pointer(&buf[0]))
		ph.PageNo = pgno(i)
		ph.Flags = pageMeta

		m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		initMeta(m, e.pageSize, tid, e.bootID, dxbID)
		if g := e.configuredGeo(); g != nil {
			m.Geometry = *g
			m.setSignSteady()
		}

		if _, err := e.dataFile.WriteAt(buf, int64(i)*int64(e.pageSize)); err != nil {
			return WrapError(ErrInvalid, err)
		}
	}
	return e.dataFile.Sync()
}

// configuredGeo maps the byte-denominated SetGeometry inputs onto an
// on-disk geo record, or nil when defaults apply.
func (e *Env) configuredGeo() *geo {
	if e.geoLower == 0 && e.geoUpper == 0 && e.geoNow == 0 {
		return nil
	}
	ps := uint64(e.pageSize)
	g := &geo{
		GrowPV:           0x0180,
		ShrinkPV:         0x0300,
		Lower:            NumMetas,
		Upper:            0x1800000,
		Now:              NumMetas,
		FirstUnallocated: NumMetas,
	}
	if e.geoLower > 0 {
		if v := pgno(e.geoLower / ps); v > NumMetas {
			g.Lower = v
		}
	}
	if e.geoUpper > 0 {
		g.Upper = pgno(e.geoUpper / ps)
	}
	if e.geoNow > 0 {
		if v := pgno(e.geoNow / ps); v > g.Lower {
			g.Now = v
		} else {
			g.Now = g.Lower
		}
	} else {
		g.Now = g.Lower
	}
	return g
}

// readTroika re-taps the three meta pages from the mapping.
func (e *Env) readTroika() error {
	data := e.dataMap.data
	if len(data) < int(e.pageSize)*NumMetas {
		return ErrCorruptedError
	}
	var pages [NumMetas][]byte
	for i := 0; i < NumMetas; i++ {
		start := i*int(e.pageSize) + pageHeaderSize
		end := (i + 1) * int(e.pageSize)
		pages[i] = data[start:end]
	}
	tk, err := metaTap(pages)
	if err != nil {
		return WrapError(ErrCorrupted, err)
	}
	e.troika.Store(tk)
	return nil
}

func (e *Env) currentTroika() *troika {
	return e.troika.Load()
}

func (e *Env) closeFiles() {
	if e.dataMap != nil {
		e.dataMap.unmap()
		e.dataMap = nil
	}
	e.oldMmapsMu.Lock()
	for _, m := range e.oldMmaps {
		if m != nil {
			m.unmap()
		}
	}
	e.oldMmaps = nil
	e.oldMmapsMu.Unlock()

	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lockFile != nil {
		e.lockFile.close()
		e.lockFile = nil
	}
}

// Close tears the environment down, waiting out live transactions so
// no snapshot loses its mapping mid-read.
func (e *Env) Close() {
	if !e.valid() {
		return
	}
	e.mu.Lock()
	e.signature = 0
	e.mu.Unlock()

	e.txnWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
}

// Sync forces a durability barrier: data first, then the head meta is
// re-signed steady. A no-op when nothing is unsynced and force is
// unset.
func (e *Env) Sync(force bool, nonblock bool) error {
	if !e.valid() {
		return ErrInvalidError
	}
	if e.panicked() {
		return ErrPanicError
	}
	if e.flags&ReadOnly != 0 {
		return nil
	}

	if !force && e.unsyncedBytes.Load() == 0 {
		return nil
	}

	// Serialize against in-process writers first; the file lock only
	// arbitrates across processes and is reentrant within one.
	e.txnMu.Lock()
	if nonblock && e.writeTxn != nil {
		e.txnMu.Unlock()
		return ErrBusyError
	}
	for e.writeTxn != nil {
		e.txnCond.Wait()
	}
	e.txnMu.Unlock()

	if nonblock {
		ok, err := e.lockFile.tryLockWriter()
		if err != nil {
			return WrapError(ErrProblem, err)
		}
		if !ok {
			return ErrBusyError
		}
	} else {
		if err := e.lockFile.lockWriter(); err != nil {
			return WrapError(ErrProblem, err)
		}
	}
	defer e.lockFile.unlockWriter()

	if e.isWriteMap() {
		if err := e.dataMap.sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
	} else if err := e.dataFile.Sync(); err != nil {
		return WrapError(ErrProblem, err)
	}

	// Promote the head meta to steady now that its data is on disk.
	if err := e.readTroika(); err != nil {
		return err
	}
	tk := e.currentTroika()
	head := tk.head()
	if head != nil && head.isWeak() {
		slot := tk.recent
		ps := int(e.pageSize)
		buf := make([]byte, ps)
		copy(buf, e.dataMap.data[slot*ps:(slot+1)*ps])
		m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		m.setSignSteady()
		if _, err := e.dataFile.WriteAt(buf, int64(slot)*int64(ps)); err != nil {
			return WrapError(ErrProblem, err)
		}
		if err := e.dataFile.Sync(); err != nil {
			return WrapError(ErrProblem, err)
		}
		if err := e.readTroika(); err != nil {
			return err
		}
	}
	e.unsyncedBytes.Store(0)
	return nil
}

func (e *Env) noteUnsynced(n uint64) {
	e.unsyncedBytes.Add(n)
}

// ---------------- configuration ----------------

// SetMaxDBs bounds the number of named trees; before Open only.
func (e *Env) SetMaxDBs(dbs uint32) error {
	if !e.valid() || e.dataFile != nil {
		return ErrInvalidError
	}
	if dbs > MaxDBI {
		dbs = MaxDBI
	}
	e.maxDBs = dbs
	return nil
}

// SetMaxReaders sizes the reader table; before Open only.
func (e *Env) SetMaxReaders(readers uint32) error {
	if !e.valid() || e.dataFile != nil {
		return ErrInvalidError
	}
	e.maxReaders = readers
	return nil
}

// SetPageSize selects the page size of a fresh database; before Open
// only. Power of two in [MinPageSize, MaxPageSize].
func (e *Env) SetPageSize(size uint32) error {
	if !e.valid() || e.dataFile != nil {
		return ErrInvalidError
	}
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return ErrInvalidError
	}
	e.pageSize = size
	e.opts = defaultOptions(int(size))
	return nil
}

// SetGeometry configures file sizing in bytes. Non-positive values
// keep the current setting.
func (e *Env) SetGeometry(sizeLower, sizeNow, sizeUpper, growthStep, shrinkThreshold int64, pageSize int) error {
	if !e.valid() {
		return ErrInvalidError
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if pageSize > 0 {
		if pageSize < MinPageSize || pageSize > MaxPageSize || pageSize&(pageSize-1) != 0 {
			return ErrInvalidError
		}
		if e.dataFile != nil && uint32(pageSize) != e.pageSize {
			return ErrInvalidError
		}
		e.pageSize = uint32(pageSize)
		e.opts = defaultOptions(pageSize)
	}
	if sizeLower > 0 {
		e.geoLower = uint64(sizeLower)
	}
	if sizeUpper > 0 {
		e.geoUpper = uint64(sizeUpper)
	}
	if sizeNow > 0 {
		e.geoNow = uint64(sizeNow)
	}
	if growthStep > 0 {
		e.geoGrow = uint64(growthStep)
	}
	if shrinkThreshold > 0 {
		e.geoShrink = uint64(shrinkThreshold)
	}
	return nil
}

// Option selectors for SetOption / GetOption.
const (
	OptMaxDB                        uint = 0
	OptMaxReaders                   uint = 1
	OptRpAugmentLimit               uint = 4
	OptLooseLimit                   uint = 5
	OptTxnDpLimit                   uint = 7
	OptSpillMinDenominator          uint = 9
	OptSpillMaxDenominator          uint = 10
	OptMergeThreshold16dot16Percent uint = 12
	OptPreferWafInsteadofBalance    uint = 15
	OptGCTimeLimit                  uint = 16
	OptSubpageLimit                 uint = 17
	OptSubpageRoomThreshold         uint = 18
	OptSubpageReservePrereq         uint = 19
)

// SetOption adjusts a runtime tunable.
func (e *Env) SetOption(option uint, value uint64) error {
	if !e.valid() {
		return ErrInvalidError
	}
	switch option {
	case OptMaxDB:
		return e.SetMaxDBs(uint32(value))
	case OptMaxReaders:
		return e.SetMaxReaders(uint32(value))
	case OptRpAugmentLimit:
		e.opts.rpAugmentLimit = int(value)
	case OptLooseLimit:
		e.opts.looseLimit = int(value)
	case OptTxnDpLimit:
		e.opts.dpLimit = int(value)
	case OptSpillMinDenominator:
		e.opts.spillMinDenominator = int(value)
	case OptSpillMaxDenominator:
		e.opts.spillMaxDenominator = int(value)
	case OptMergeThreshold16dot16Percent:
		e.opts.mergeThreshold16dot16 = int(value)
	case OptPreferWafInsteadofBalance:
		e.opts.preferWAF = value != 0
	case OptGCTimeLimit:
		e.opts.gcTimeLimit = time.Duration(value)
	case OptSubpageLimit:
		e.opts.subpageLimit = int(value)
	case OptSubpageRoomThreshold:
		e.opts.subpageRoomThreshold = int(value)
	case OptSubpageReservePrereq:
		e.opts.subpageReservePrereq = int(value)
	}
	return nil
}

// GetOption reads a runtime tunable.
func (e *Env) GetOption(option uint) (uint64, error) {
	if !e.valid() {
		return 0, ErrInvalidError
	}
	switch option {
	case OptMaxDB:
		return uint64(e.maxDBs), nil
	case OptMaxReaders:
		return uint64(e.maxReaders), nil
	case OptRpAugmentLimit:
		return uint64(e.opts.rpAugmentLimit), nil
	case OptLooseLimit:
		return uint64(e.opts.looseLimit), nil
	case OptTxnDpLimit:
		return uint64(e.opts.dpLimit), nil
	case OptSpillMinDenominator:
		return uint64(e.opts.spillMinDenominator), nil
	case OptSpillMaxDenominator:
		return uint64(e.opts.spillMaxDenominator), nil
	case OptMergeThreshold16dot16Percent:
		return uint64(e.opts.mergeThreshold16dot16), nil
	case OptPreferWafInsteadofBalance:
		if e.opts.preferWAF {
			return 1, nil
		}
		return 0, nil
	case OptSubpageLimit:
		return uint64(e.opts.subpageLimit), nil
	case OptSubpageRoomThreshold:
		return uint64(e.opts.subpageRoomThreshold), nil
	case OptSubpageReservePrereq:
		return uint64(e.opts.subpageReservePrereq), nil
	}
	return 0, nil
}

// SetEnvFlags toggles the runtime-changeable env flags.
func (e *Env) SetEnvFlags(flags uint, enable bool) error {
	const changeable = SafeNoSync | NoMetaSync | NoMemInit | PagePerturb | Accede | Validation
	if flags&^changeable != 0 {
		return ErrInvalidError
	}
	if enable {
		e.flags |= flags
	} else {
		e.flags &^= flags
	}
	return nil
}

// Path returns the environment path.
func (e *Env) Path() string { return e.path }

// Flags returns the environment flags.
func (e *Env) Flags() (uint, error) {
	if !e.valid() {
		return 0, ErrInvalidError
	}
	return e.flags, nil
}

// MaxDBs returns the named-tree limit.
func (e *Env) MaxDBs() uint32 { return e.maxDBs }

// MaxReaders returns the reader table capacity.
func (e *Env) MaxReaders() uint32 { return e.maxReaders }

// MaxKeySize returns the key cap for this env's page size.
func (e *Env) MaxKeySize() int {
	ps := int(e.pageSize)
	if ps == 0 {
		ps = DefaultPageSize
	}
	return keyMax(ps, 0)
}

// LeafNodeMax returns the inline-node cap for this env's page size.
func (e *Env) LeafNodeMax() int {
	ps := int(e.pageSize)
	if ps == 0 {
		ps = DefaultPageSize
	}
	return leafNodeMax(ps)
}

// SubPageLimit returns the inline duplicate-set cap before promotion.
func (e *Env) SubPageLimit() int {
	return e.opts.subpageLimit
}

// SetUserCtx attaches an arbitrary user value.
func (e *Env) SetUserCtx(ctx any) { e.userCtx = ctx }

// UserCtx returns the attached user value.
func (e *Env) UserCtx() any { return e.userCtx }

// FD returns the data file descriptor.
func (e *Env) FD() (uintptr, error) {
	if e.dataFile == nil {
		return 0, ErrInvalidError
	}
	return e.dataFile.Fd(), nil
}

// ---------------- page access ----------------

func (e *Env) isWriteMap() bool {
	return e.flags&WriteMap != 0
}

// getPageData returns one page's bytes from the mapping. The lock
// only guards the window swap: a returned slice stays valid because
// superseded mappings are parked, not unmapped.
func (e *Env) getPageData(pn pgno) ([]byte, error) {
	e.mu.RLock()
	dm := e.dataMap
	e.mu.RUnlock()
	if dm == nil {
		return nil, ErrInvalidError
	}
	data := dm.data
	off := uint64(pn) * uint64(e.pageSize)
	end := off + uint64(e.pageSize)
	if end > uint64(len(data)) {
		return nil, ErrPageNotFoundError
	}
	return data[off:end], nil
}

// getSpanData returns span contiguous pages (a large-page chain).
func (e *Env) getSpanData(pn pgno, span int) ([]byte, error) {
	e.mu.RLock()
	dm := e.dataMap
	e.mu.RUnlock()
	if dm == nil {
		return nil, ErrInvalidError
	}
	data := dm.data
	off := uint64(pn) * uint64(e.pageSize)
	end := off + uint64(span)*uint64(e.pageSize)
	if end > uint64(len(data)) {
		return nil, ErrPageNotFoundError
	}
	return data[off:end], nil
}

// ensureFileSize grows the data file (and mapping) to cover size.
func (e *Env) ensureFileSize(size int64) error {
	if size <= e.dataMap.size {
		return nil
	}
	size = alignToSysPageSize(size)
	if err := e.dataFile.Truncate(size); err != nil {
		return WrapError(ErrProblem, err)
	}
	return e.remap(size)
}

// ensureMapped grows the mapping so that pages below end are
// addressable (WriteMap shadow allocation).
func (e *Env) ensureMapped(end pgno) error {
	need := int64(end) * int64(e.pageSize)
	if need <= e.dataMap.size {
		return nil
	}
	return e.ensureFileSize(need)
}

// remap swaps in a larger mapping, parking the old one: readers may
// still hold slices into it until they finish.
func (e *Env) remap(size int64) error {
	old := e.dataMap
	writable := e.flags&ReadOnly == 0 && e.flags&WriteMap != 0
	nm, err := mmapMap(int(e.dataFile.Fd()), 0, int(size), writable)
	if err != nil {
		return WrapError(ErrUnableExtendMapsize, err)
	}

	e.mu.Lock()
	e.dataMap = nm
	e.mu.Unlock()

	if old != nil {
		e.oldMmapsMu.Lock()
		e.oldMmaps = append(e.oldMmaps, old)
		e.oldMmapsMu.Unlock()
	}
	return e.readTroika()
}

// dxbResize implements geometry growth during a write txn: Now
// advances by the grow step, clamped to Upper.
func (e *Env) dxbResize(g *geo, need pgno, implicitGrow bool) error {
	if need > g.Upper {
		return ErrMapFullError
	}
	growStep := pgno(0x0180)
	if e.geoGrow > 0 {
		growStep = pgno(e.geoGrow / uint64(e.pageSize))
		if growStep == 0 {
			growStep = 1
		}
	}
	now := g.Now
	for now < need {
		now += growStep
	}
	if now > g.Upper {
		now = g.Upper
	}
	if err := e.ensureFileSize(int64(now) * int64(e.pageSize)); err != nil {
		return err
	}
	g.Now = now
	_ = implicitGrow
	return nil
}

// shrinkTail trims the file when FirstUnallocated has retreated past
// the shrink threshold. Runs at commit end under the writer lock, and
// only while no reader snapshot could still reference the tail.
func (e *Env) shrinkTail(g *geo) {
	if e.geoShrink == 0 {
		return
	}
	thresholdPages := pgno(e.geoShrink / uint64(e.pageSize))
	if thresholdPages == 0 || g.Now < g.FirstUnallocated+thresholdPages {
		return
	}
	if e.lockFile.numActiveReaders() > 0 {
		return
	}
	newNow := g.FirstUnallocated + thresholdPages/2
	if newNow < g.Lower {
		newNow = g.Lower
	}
	size := alignToSysPageSize(int64(newNow) * int64(e.pageSize))
	if err := e.dataFile.Truncate(size); err != nil {
		return
	}
	if err := e.remap(size); err != nil {
		return
	}
	g.Now = pgno(size / int64(e.pageSize))
}

// ---------------- transactions ----------------

// BeginTxn starts a transaction. With a parent, a nested write txn.
func (e *Env) BeginTxn(parent *Txn, flags uint) (*Txn, error) {
	if !e.valid() {
		return nil, ErrInvalidError
	}
	if e.panicked() {
		return nil, ErrPanicError
	}
	if flags&TxnReadOnly != 0 {
		return e.beginReadTxn()
	}
	return e.beginWriteTxn(parent, flags)
}

func (e *Env) beginReadTxn() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dataMap == nil {
		return nil, ErrInvalidError
	}

	txn := e.readTxnPool.Get().(*Txn)
	txn.signature = txnSignature
	txn.flags = uint32(TxnReadOnly)
	txn.env = e
	txn.parent = nil
	txn.child = nil
	txn.userCtx = nil
	txn.keyCmps = txn.keyCmps[:0]
	txn.dupCmps = txn.dupCmps[:0]
	txn.cursorHeads = txn.cursorHeads[:0]

	if err := e.bindReader(txn); err != nil {
		txn.signature = 0
		e.readTxnPool.Put(txn)
		return nil, err
	}

	e.txnWg.Add(1)
	return txn, nil
}

// bindReader acquires a slot and publishes the head snapshot,
// re-tapping while racing a concurrent writer.
func (e *Env) bindReader(txn *Txn) error {
	slot, slotIdx, err := e.lockFile.acquireReaderSlot(cachedPID, readerThreadID(txn))
	if err != nil {
		return WrapError(ErrReadersFull, err)
	}

	for {
		tk := e.currentTroika()
		head := tk.head()
		if head == nil {
			e.lockFile.releaseReaderSlot(slot, slotIdx)
			return ErrCorruptedError
		}
		snapshot := head.txnID()

		txn.txnID = snapshot
		txn.front = snapshot
		txn.geo = head.Geometry
		txn.canary = head.Canary
		e.loadTrees(txn, head)

		e.lockFile.publishReader(slot, snapshot,
			uint32(head.Geometry.FirstUnallocated), head.pagesRetired())

		// Re-tap: a racing commit may have rotated the troika between
		// the copy above and the publication pinning it.
		if err := e.readTroika(); err != nil {
			e.lockFile.releaseReaderSlot(slot, slotIdx)
			return err
		}
		if !tk.shouldRetry(e.currentTroika()) {
			break
		}
	}

	txn.readerSlot = slot
	txn.slotIdx = slotIdx
	return nil
}

// loadTrees copies the snapshot's core descriptors and the cached
// named-tree descriptors into the txn.
func (e *Env) loadTrees(txn *Txn, head *meta) {
	maxDBs := int(e.maxDBs)
	if cap(txn.trees) < maxDBs {
		txn.trees = make([]tree, maxDBs)
	} else {
		txn.trees = txn.trees[:maxDBs]
	}
	if cap(txn.dbiState) < maxDBs {
		txn.dbiState = make([]uint8, maxDBs)
	} else {
		txn.dbiState = txn.dbiState[:maxDBs]
		clear(txn.dbiState)
	}
	if cap(txn.dbiSeqs) < maxDBs {
		txn.dbiSeqs = make([]uint32, maxDBs)
	} else {
		txn.dbiSeqs = txn.dbiSeqs[:maxDBs]
		clear(txn.dbiSeqs)
	}

	txn.trees[FreeDBI] = head.GCTree
	txn.trees[MainDBI] = head.MainTree

	e.dbisMu.RLock()
	for i := CoreDBs; i < len(e.dbis) && i < maxDBs; i++ {
		if e.dbis[i] != nil && e.dbis[i].tree != nil {
			txn.trees[i] = *e.dbis[i].tree
			txn.dbiSeqs[i] = e.dbis[i].seq
		}
	}
	e.dbisMu.RUnlock()
}

func (e *Env) beginWriteTxn(parent *Txn, flags uint) (*Txn, error) {
	if e.flags&ReadOnly != 0 {
		return nil, ErrBadTxnError
	}

	if parent != nil {
		return e.beginNestedTxn(parent, flags)
	}

	e.txnMu.Lock()
	if flags&TxnTry != 0 && e.writeTxn != nil {
		e.txnMu.Unlock()
		return nil, ErrBusyError
	}
	for e.writeTxn != nil {
		e.txnCond.Wait()
	}

	// Cross-process serialization.
	if flags&TxnTry != 0 {
		ok, err := e.lockFile.tryLockWriter()
		if err != nil {
			e.txnMu.Unlock()
			return nil, WrapError(ErrBusy, err)
		}
		if !ok {
			e.txnMu.Unlock()
			return nil, ErrBusyError
		}
	} else if err := e.lockFile.lockWriter(); err != nil {
		e.txnMu.Unlock()
		return nil, WrapError(ErrBusy, err)
	}

	// Another process may have committed; re-tap before seeding.
	if err := e.readTroika(); err != nil {
		e.lockFile.unlockWriter()
		e.txnMu.Unlock()
		return nil, err
	}

	tk := e.currentTroika()
	head := tk.recoveryHead(e.bootID)
	if head == nil {
		e.lockFile.unlockWriter()
		e.txnMu.Unlock()
		return nil, ErrCorruptedError
	}
	if head.txnID() >= txnid(MaxTxnID) {
		e.lockFile.unlockWriter()
		e.txnMu.Unlock()
		return nil, NewError(ErrWannaRecovery)
	}

	txn := e.basal
	if txn == nil || txn.signature == txnSignature {
		txn = &Txn{}
	}
	e.basal = txn

	txn.signature = txnSignature
	txn.flags = uint32(flags)
	txn.env = e
	txn.parent = nil
	txn.child = nil
	txn.userCtx = nil
	txn.txnID = head.txnID() + 1
	txn.front = txn.txnID
	txn.geo = head.Geometry
	txn.canary = head.Canary
	txn.retiredThisTxn = 0
	txn.keyCmps = txn.keyCmps[:0]
	txn.dupCmps = txn.dupCmps[:0]
	txn.cursorHeads = txn.cursorHeads[:0]

	txn.wr.dirty.init()
	txn.wr.spilled.init()
	if txn.wr.repnl == nil {
		txn.wr.repnl = pnlAlloc(0)
	} else {
		txn.wr.repnl.clear()
	}
	if txn.wr.retired == nil {
		txn.wr.retired = pnlAlloc(0)
	} else {
		txn.wr.retired.clear()
	}
	txn.wr.loose = txn.wr.loose[:0]
	txn.wr.dirtyLRU = 0
	txn.wr.dirtyRoom = e.opts.dpLimit
	txn.wr.gcRunning = false
	txn.wr.gc.init()

	e.loadTrees(txn, head)

	e.writeTxn = txn
	e.txnMu.Unlock()

	e.txnWg.Add(1)
	return txn, nil
}

// beginNestedTxn stacks a child write txn on parent: the child sees
// the parent's state and shadows any page it touches.
func (e *Env) beginNestedTxn(parent *Txn, flags uint) (*Txn, error) {
	if parent.IsReadOnly() || !parent.valid() || parent.child != nil {
		return nil, ErrBadTxnError
	}

	child := &Txn{
		signature: txnSignature,
		flags:     uint32(flags) | txnFlagNested,
		env:       e,
		parent:    parent,
		txnID:     parent.txnID,
		front:     parent.front + 1,
		geo:       parent.geo,
		canary:    parent.canary,
	}
	child.trees = append([]tree(nil), parent.trees...)
	child.dbiState = append([]uint8(nil), parent.dbiState...)
	child.dbiSeqs = append([]uint32(nil), parent.dbiSeqs...)
	child.wr.dirty.init()
	child.wr.spilled.init()
	child.wr.repnl = pnlAlloc(0)
	child.wr.retired = pnlAlloc(0)
	child.wr.dirtyRoom = parent.wr.dirtyRoom
	child.wr.gc.init()

	parent.child = child
	e.txnWg.Add(1)
	return child, nil
}

// releaseWriter drops the writer lock and wakes the next writer.
func (e *Env) releaseWriter() {
	e.lockFile.unlockWriter()
	e.txnMu.Lock()
	e.writeTxn = nil
	e.txnCond.Broadcast()
	e.txnMu.Unlock()
}

// retireTxn ends a committed basal txn and releases the writer.
func (e *Env) retireTxn(txn *Txn) {
	env := txn.env
	txn.finish()
	env.releaseWriter()
}

// updateCachedTrees refreshes the per-env named-tree cache after a
// commit (readers starting later must see the new roots).
func (e *Env) updateCachedTrees(txn *Txn) {
	e.dbisMu.Lock()
	for i := CoreDBs; i < len(txn.dbiState) && i < len(e.dbis); i++ {
		if txn.dbiState[i]&dbiStateDirty != 0 && e.dbis[i] != nil {
			t := txn.trees[i]
			e.dbis[i].tree = &t
		}
	}
	e.dbisMu.Unlock()
}

// kickLaggards ousts parked laggards and, through the HSR hook, asks
// the application to deal with live ones. Returns whether the oldest
// constraint may have moved.
func (e *Env) kickLaggards(laggard uint64) bool {
	kicked := e.lockFile.kickLaggards(laggard)
	if e.hsr != nil {
		for retry := 0; retry < 3; retry++ {
			oldest := e.lockFile.oldestReader()
			if oldest == ^uint64(0) || oldest > laggard {
				break
			}
			r := e.hsr(e, oldest, 0, 0, laggard-oldest, retry)
			if r < 0 {
				break
			}
			if r > 0 {
				kicked = true
			}
		}
	}
	return kicked
}

// ---------------- readers ----------------

// ReaderInfo describes one bound reader slot.
type ReaderInfo struct {
	Slot   int
	TxnID  uint64
	PID    int
	Thread uint64
	Bytes  uint64
	RetxL  uint64
}

// ReaderList walks the live reader table.
func (e *Env) ReaderList(fn func(info ReaderInfo) error) error {
	if e.lockFile == nil {
		return ErrInvalidError
	}
	slots := e.lockFile.slots
	for i := range slots {
		slot := &slots[i]
		if slot.txnid == 0 {
			continue
		}
		info := ReaderInfo{
			Slot:   i,
			TxnID:  slot.txnid,
			PID:    int(slot.pid),
			Thread: slot.tid,
			Bytes:  uint64(slot.snapshotPagesUsed) * uint64(e.pageSize),
			RetxL:  slot.snapshotPagesRetired,
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// ReaderCheck clears slots held by dead processes, returning how many
// were reclaimed.
func (e *Env) ReaderCheck() (int, error) {
	if e.lockFile == nil {
		return 0, ErrInvalidError
	}
	return e.lockFile.cleanupStaleReaders(), nil
}

// ---------------- stats ----------------

// EnvInfoGeo is the byte-denominated geometry block of EnvInfo.
type EnvInfoGeo struct {
	Lower   uint64
	Upper   uint64
	Current uint64
	Shrink  uint64
	Grow    uint64
}

// EnvInfo is the environment information snapshot.
type EnvInfo struct {
	Geo               EnvInfoGeo
	MapSize           int64
	LastPgNo          int64
	LastTxnID         uint64
	RecentTxnID       uint64
	LatterReaderTxnID uint64
	MaxReaders        uint32
	NumReaders        uint32
	PageSize          uint32
	SystemPageSize    uint32
	UnsyncedBytes     uint64
	Flags             uint32
}

// Stat returns main-tree statistics.
func (e *Env) Stat() (*Stat, error) {
	tk := e.currentTroika()
	if tk == nil {
		return nil, ErrInvalidError
	}
	m := tk.head()
	if m == nil {
		return nil, ErrCorruptedError
	}
	return &Stat{
		PageSize:      e.pageSize,
		Depth:         uint32(m.MainTree.Height),
		BranchPages:   uint64(m.MainTree.BranchPages),
		LeafPages:     uint64(m.MainTree.LeafPages),
		LargePages:    uint64(m.MainTree.LargePages),
		OverflowPages: uint64(m.MainTree.LargePages),
		Entries:       m.MainTree.Items,
		Root:          uint32(m.MainTree.Root),
		ModTxnID:      uint64(m.MainTree.ModTxnid),
	}, nil
}

// Info returns environment information; txn, when given, pins the
// reported txnid to its snapshot.
func (e *Env) Info(txn *Txn) (*EnvInfo, error) {
	tk := e.currentTroika()
	if tk == nil {
		return nil, ErrInvalidError
	}
	m := tk.head()
	if m == nil {
		return nil, ErrCorruptedError
	}
	g := m.Geometry
	lastTxnID := uint64(m.txnID())
	if txn != nil && txn.valid() {
		lastTxnID = uint64(txn.txnID)
	}
	oldest := e.lockFile.oldestReader()
	if oldest == ^uint64(0) {
		oldest = 0
	}
	return &EnvInfo{
		Geo: EnvInfoGeo{
			Lower:   uint64(g.Lower) * uint64(e.pageSize),
			Upper:   uint64(g.Upper) * uint64(e.pageSize),
			Current: uint64(g.Now) * uint64(e.pageSize),
			Shrink:  e.geoShrink,
			Grow:    e.geoGrow,
		},
		MapSize:           int64(g.Now) * int64(e.pageSize),
		LastPgNo:          int64(g.FirstUnallocated),
		LastTxnID:         lastTxnID,
		RecentTxnID:       uint64(m.txnID()),
		LatterReaderTxnID: oldest,
		MaxReaders:        e.maxReaders,
		NumReaders:        uint32(e.lockFile.numActiveReaders()),
		PageSize:          e.pageSize,
		SystemPageSize:    uint32(sysPageSize),
		UnsyncedBytes:     e.unsyncedBytes.Load(),
		Flags:             uint32(e.flags),
	}, nil
}

// ---------------- dbi registry glue ----------------

func (e *Env) customKeyCmp(dbi DBI) CmpFunc {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) < len(e.dbis) && e.dbis[dbi] != nil {
		return e.dbis[dbi].cmp
	}
	return nil
}

func (e *Env) customDupCmp(dbi DBI) CmpFunc {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) < len(e.dbis) && e.dbis[dbi] != nil {
		return e.dbis[dbi].dcmp
	}
	return nil
}

func (e *Env) dbiName(dbi DBI) string {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) < len(e.dbis) && e.dbis[dbi] != nil {
		return e.dbis[dbi].name
	}
	return ""
}

// dbiSeqValid guards against stale handles: a dropped-and-recreated
// dbi bumps its sequence, invalidating handles issued earlier.
func (e *Env) dbiSeqValid(dbi DBI, seq uint32) bool {
	e.dbisMu.RLock()
	defer e.dbisMu.RUnlock()
	if int(dbi) >= len(e.dbis) || e.dbis[dbi] == nil {
		return true
	}
	return e.dbis[dbi].seq == seq
}
