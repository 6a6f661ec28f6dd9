//go:build unix

package tern

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// cachedPID avoids a getpid syscall per transaction.
var cachedPID = uint32(os.Getpid())

const (
	// readerSlotSize is the on-disk size of one reader slot. Slots are
	// packed back to back after the header.
	readerSlotSize = 32

	// lockHeaderSize is the lock file header size.
	lockHeaderSize = 256

	// defaultMaxReaders is the default reader table capacity.
	defaultMaxReaders = 126
)

// Special tid values published in a slot.
const (
	// tidTxnOusted marks a parked reader whose snapshot was reclaimed;
	// its next Unpark fails with ErrOusted.
	tidTxnOusted uint64 = 0xFFFFFFFFFFFFFFFF - 1

	// tidTxnParked marks a parked reader: the slot stays occupied but
	// its txnid no longer constrains the oldest-reader horizon.
	tidTxnParked uint64 = 0xFFFFFFFFFFFFFFFF
)

// slotClaimMark briefly occupies txnid while a slot is being bound.
const slotClaimMark = ^uint64(0)

// readerSlot is one entry of the shared reader table. All fields are
// accessed with atomics; the layout must match the lock-file format.
//
//	Offset  Size  Field
//	0       8     txnid
//	8       8     tid
//	16      4     pid
//	20      4     snapshot_pages_used
//	24      8     snapshot_pages_retired
type readerSlot struct {
	txnid                uint64
	tid                  uint64
	pid                  uint32
	snapshotPagesUsed    uint32
	snapshotPagesRetired uint64
}

// lockHeader is the shared counter block at the head of the lock file.
type lockHeader struct {
	magicAndVersion    uint64
	osFormat           uint32
	envMode            uint32
	autosyncThreshold  uint32
	metaSyncTxnID      uint32
	autosyncPeriod     uint64
	baitUniqueness     uint64
	mlockCount         [2]uint32
	_                  [64]byte
	cachedOldest       uint64
	eoosTimestamp      uint64
	unsyncVolume       uint64
	_                  [32]byte
	numReaders         uint32
	readersRefreshFlag uint32
}

// lockFile manages the mmap'd lock file: the writer serializer and
// the reader registry.
type lockFile struct {
	file       *os.File
	data       []byte
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	writerLock bool

	// lockless covers read-only opens without a usable lock file; the
	// registry then lives in process memory only.
	lockless  bool
	memSlots  []readerSlot
	memHeader *lockHeader

	// LIFO freelist of released slot indices.
	freeSlots []int32
	freeMu    sync.Mutex
}

// openLockFile opens or creates the lock file at path.
func openLockFile(path string, maxReaders int, create bool) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if !create {
			return openLockFileLockless(path, maxReaders)
		}
		return nil, err
	}

	lf := &lockFile{file: f, maxReaders: maxReaders}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	expected := int64(lockHeaderSize + maxReaders*readerSlotSize)

	if size == 0 && create {
		if err := lf.initialize(expected); err != nil {
			f.Close()
			return nil, err
		}
	} else if size < expected {
		f.Close()
		return openLockFileLockless(path, maxReaders)
	}

	if err := lf.mmap(); err != nil {
		f.Close()
		return nil, err
	}

	if lf.header.magicAndVersion != LockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}

	return lf, nil
}

// openLockFileLockless builds an in-memory registry for read-only
// access when the lock file is missing or unusable.
func openLockFileLockless(path string, maxReaders int) (*lockFile, error) {
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}
	f, _ := os.OpenFile(path, os.O_RDONLY, 0)

	lf := &lockFile{
		file:       f,
		maxReaders: maxReaders,
		lockless:   true,
	}
	lf.memSlots = make([]readerSlot, maxReaders)
	lf.slots = lf.memSlots
	lf.memHeader = &lockHeader{magicAndVersion: LockMagic}
	lf.header = lf.memHeader
	return lf, nil
}

func (lf *lockFile) initialize(size int64) error {
	if err := lf.file.Truncate(size); err != nil {
		return err
	}
	header := lockHeader{magicAndVersion: LockMagic}
	headerBytes := (*[lockHeaderSize]byte)(unsafe.Pointer(&header))[:]
	if _, err := lf.file.WriteAt(headerBytes, 0); err != nil {
		return err
	}
	return lf.file.Sync()
}

func (lf *lockFile) mmap() error {
	fi, err := lf.file.Stat()
	if err != nil {
		return err
	}
	data, err := syscall.Mmap(int(lf.file.Fd()), 0, int(fi.Size()),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	lf.data = data
	lf.header = (*lockHeader)(unsafe.Pointer(&data[0]))
	slotData := data[lockHeaderSize:]
	numSlots := min(len(slotData)/readerSlotSize, lf.maxReaders)
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), numSlots)
	return nil
}

func (lf *lockFile) close() error {
	if lf.data != nil {
		if err := syscall.Munmap(lf.data); err != nil {
			return err
		}
		lf.data = nil
	}
	if lf.writerLock {
		lf.unlockWriter()
	}
	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

// lockWriter blocks until the cluster-wide writer lock is held.
func (lf *lockFile) lockWriter() error {
	if lf.lockless || lf.file == nil {
		lf.writerLock = true
		return nil
	}
	if err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX); err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

// tryLockWriter is the non-blocking variant; (false, nil) means busy.
func (lf *lockFile) tryLockWriter() (bool, error) {
	if lf.lockless || lf.file == nil {
		lf.writerLock = true
		return true, nil
	}
	if err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, &lockError{"try writer lock", err}
	}
	lf.writerLock = true
	return true, nil
}

func (lf *lockFile) unlockWriter() error {
	if !lf.writerLock {
		return nil
	}
	lf.writerLock = false
	if lf.lockless || lf.file == nil {
		return nil
	}
	if err := syscall.Flock(int(lf.file.Fd()), syscall.LOCK_UN); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

// acquireReaderSlot binds a slot via CAS on (txnid, tid, pid).
func (lf *lockFile) acquireReaderSlot(pid uint32, tid uint64) (*readerSlot, int, error) {
	lf.freeMu.Lock()
	if n := len(lf.freeSlots); n > 0 {
		idx := lf.freeSlots[n-1]
		lf.freeSlots = lf.freeSlots[:n-1]
		lf.freeMu.Unlock()

		slot := &lf.slots[idx]
		if atomic.CompareAndSwapUint64(&slot.txnid, 0, slotClaimMark) {
			atomic.StoreUint32(&slot.pid, pid)
			atomic.StoreUint64(&slot.tid, tid)
			return slot, int(idx), nil
		}
	} else {
		lf.freeMu.Unlock()
	}

	for i := range lf.slots {
		slot := &lf.slots[i]
		if atomic.LoadUint64(&slot.txnid) == 0 {
			if atomic.CompareAndSwapUint64(&slot.txnid, 0, slotClaimMark) {
				atomic.StoreUint32(&slot.pid, pid)
				atomic.StoreUint64(&slot.tid, tid)
				return slot, i, nil
			}
		}
	}
	return nil, -1, errLockReadersFull
}

func (lf *lockFile) releaseReaderSlot(slot *readerSlot, slotIdx int) {
	atomic.StoreUint64(&slot.txnid, 0)
	atomic.StoreUint64(&slot.tid, 0)
	atomic.StoreUint32(&slot.pid, 0)

	lf.freeMu.Lock()
	lf.freeSlots = append(lf.freeSlots, int32(slotIdx))
	lf.freeMu.Unlock()
}

// publishReader makes the slot's snapshot visible to the writer. The
// txnid store is the release barrier the snapshot model relies on.
func (lf *lockFile) publishReader(slot *readerSlot, tid txnid, pagesUsed uint32, pagesRetired uint64) {
	atomic.StoreUint32(&slot.snapshotPagesUsed, pagesUsed)
	atomic.StoreUint64(&slot.snapshotPagesRetired, pagesRetired)
	atomic.StoreUint64(&slot.txnid, uint64(tid))
}

// park releases the slot's txnid constraint while keeping the slot
// occupied. The snapshot txnid stays in place so the writer can judge
// how far behind the parked reader is.
func (lf *lockFile) park(slot *readerSlot) {
	atomic.StoreUint64(&slot.tid, tidTxnParked)
}

// unpark re-binds the slot to tid at snapshot. Returns false when the
// slot was ousted in the meantime — the snapshot is gone and the
// owner must restart.
func (lf *lockFile) unpark(slot *readerSlot, tid uint64, snapshot txnid) bool {
	if !atomic.CompareAndSwapUint64(&slot.tid, tidTxnParked, tid) {
		atomic.StoreUint64(&slot.tid, tid)
		return false
	}
	atomic.StoreUint64(&slot.txnid, uint64(snapshot))
	return true
}

// oust marks a parked laggard so its owner learns on Unpark.
func (lf *lockFile) oust(slot *readerSlot) bool {
	return atomic.CompareAndSwapUint64(&slot.tid, tidTxnParked, tidTxnOusted)
}

// oldestReader scans live slots for min(txnid). Parked and ousted
// slots hold no txnid for this purpose.
func (lf *lockFile) oldestReader() uint64 {
	oldest := ^uint64(0)
	for i := range lf.slots {
		slot := &lf.slots[i]
		tid := atomic.LoadUint64(&slot.tid)
		if tid == tidTxnParked || tid == tidTxnOusted {
			continue
		}
		id := atomic.LoadUint64(&slot.txnid)
		if id > 0 && id < oldest && id != slotClaimMark {
			oldest = id
		}
	}
	atomic.StoreUint64(&lf.header.cachedOldest, oldest)
	return oldest
}

func (lf *lockFile) numActiveReaders() int {
	count := 0
	for i := range lf.slots {
		id := atomic.LoadUint64(&lf.slots[i].txnid)
		if id > 0 && id != slotClaimMark {
			count++
		}
	}
	return count
}

// cleanupStaleReaders clears slots whose owning process is gone.
// Returns the number of cleared slots.
func (lf *lockFile) cleanupStaleReaders() int {
	cleaned := 0
	for i := range lf.slots {
		slot := &lf.slots[i]
		id := atomic.LoadUint64(&slot.txnid)
		if id == 0 || id == slotClaimMark {
			continue
		}
		pid := atomic.LoadUint32(&slot.pid)
		if pid == 0 || pid == cachedPID {
			continue
		}
		if !processExists(int(pid)) {
			atomic.StoreUint64(&slot.txnid, 0)
			atomic.StoreUint64(&slot.tid, 0)
			atomic.StoreUint32(&slot.pid, 0)
			cleaned++
		}
	}
	return cleaned
}

// kickLaggards ousts parked readers whose snapshot is at or below
// laggard and reports whether any constraint was released. Readers
// that are live (not parked) cannot be kicked here; the env-level HSR
// callback decides their fate.
func (lf *lockFile) kickLaggards(laggard uint64) bool {
	kicked := false
	for i := range lf.slots {
		slot := &lf.slots[i]
		if atomic.LoadUint64(&slot.tid) != tidTxnParked {
			continue
		}
		if atomic.LoadUint64(&slot.txnid) <= laggard {
			if lf.oust(slot) {
				kicked = true
			}
		}
	}
	return kicked
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

var (
	errLockInvalidFile = &lockError{"invalid lock file", nil}
	errLockReadersFull = &lockError{"reader slots full", nil}
)

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "lock: " + e.op + ": " + e.err.Error()
	}
	return "lock: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}
