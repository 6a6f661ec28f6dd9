//go:build windows

package tern

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

var cachedPID = uint32(os.Getpid())

const (
	readerSlotSize    = 32
	lockHeaderSize    = 256
	defaultMaxReaders = 126
)

const (
	tidTxnOusted uint64 = 0xFFFFFFFFFFFFFFFF - 1
	tidTxnParked uint64 = 0xFFFFFFFFFFFFFFFF
)

const slotClaimMark = ^uint64(0)

type readerSlot struct {
	txnid                uint64
	tid                  uint64
	pid                  uint32
	snapshotPagesUsed    uint32
	snapshotPagesRetired uint64
}

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

// lockFile is the Windows variant of the lock file: the writer lock is
// LockFileEx on the first byte, dead readers are probed via
// OpenProcess.
type lockFile struct {
	file       *os.File
	mapping    windows.Handle
	data       []byte
	header     *lockHeader
	slots      []readerSlot
	maxReaders int
	writerLock bool

	lockless  bool
	memSlots  []readerSlot
	memHeader *lockHeader

	freeSlots []int32
	freeMu    sync.Mutex
}

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
			return openLockFileLockless(maxReaders)
		}
		return nil, err
	}

	lf := &lockFile{file: f, maxReaders: maxReaders}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	expected := int64(lockHeaderSize + maxReaders*readerSlotSize)
	if fi.Size() == 0 && create {
		if err := f.Truncate(expected); err != nil {
			f.Close()
			return nil, err
		}
		header := lockHeader{magicAndVersion: LockMagic}
		headerBytes := (*[lockHeaderSize]byte)(unsafe.Pointer(&header))[:]
		if _, err := f.WriteAt(headerBytes, 0); err != nil {
			f.Close()
			return nil, err
		}
		f.Sync()
	} else if fi.Size() < expected {
		f.Close()
		return openLockFileLockless(maxReaders)
	}

	mapping, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil,
		windows.PAGE_READWRITE, 0, uint32(expected), nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_WRITE, 0, 0, uintptr(expected))
	if err != nil {
		windows.CloseHandle(mapping)
		f.Close()
		return nil, err
	}

	lf.mapping = mapping
	lf.data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), expected)
	lf.header = (*lockHeader)(unsafe.Pointer(&lf.data[0]))
	slotData := lf.data[lockHeaderSize:]
	lf.slots = unsafe.Slice((*readerSlot)(unsafe.Pointer(&slotData[0])), maxReaders)

	if lf.header.magicAndVersion != LockMagic {
		lf.close()
		return nil, errLockInvalidFile
	}
	return lf, nil
}

func openLockFileLockless(maxReaders int) (*lockFile, error) {
	lf := &lockFile{maxReaders: maxReaders, lockless: true}
	lf.memSlots = make([]readerSlot, maxReaders)
	lf.slots = lf.memSlots
	lf.memHeader = &lockHeader{magicAndVersion: LockMagic}
	lf.header = lf.memHeader
	return lf, nil
}

func (lf *lockFile) close() error {
	if lf.data != nil {
		windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&lf.data[0])))
		windows.CloseHandle(lf.mapping)
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

func (lf *lockFile) lockWriter() error {
	if lf.lockless || lf.file == nil {
		lf.writerLock = true
		return nil
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(lf.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
	if err != nil {
		return &lockError{"acquire writer lock", err}
	}
	lf.writerLock = true
	return nil
}

func (lf *lockFile) tryLockWriter() (bool, error) {
	if lf.lockless || lf.file == nil {
		lf.writerLock = true
		return true, nil
	}
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(lf.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
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
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(lf.file.Fd()), 0, 1, 0, ol); err != nil {
		return &lockError{"release writer lock", err}
	}
	return nil
}

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

func (lf *lockFile) publishReader(slot *readerSlot, tid txnid, pagesUsed uint32, pagesRetired uint64) {
	atomic.StoreUint32(&slot.snapshotPagesUsed, pagesUsed)
	atomic.StoreUint64(&slot.snapshotPagesRetired, pagesRetired)
	atomic.StoreUint64(&slot.txnid, uint64(tid))
}

func (lf *lockFile) park(slot *readerSlot) {
	atomic.StoreUint64(&slot.tid, tidTxnParked)
}

func (lf *lockFile) unpark(slot *readerSlot, tid uint64, snapshot txnid) bool {
	if !atomic.CompareAndSwapUint64(&slot.tid, tidTxnParked, tid) {
		atomic.StoreUint64(&slot.tid, tid)
		return false
	}
	atomic.StoreUint64(&slot.txnid, uint64(snapshot))
	return true
}

func (lf *lockFile) oust(slot *readerSlot) bool {
	return atomic.CompareAndSwapUint64(&slot.tid, tidTxnParked, tidTxnOusted)
}

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

func processExists(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(h)
	return true
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
