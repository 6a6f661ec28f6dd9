//go:build windows

package tern

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmap is a memory-mapped window over the data file (Windows variant:
// a section object plus a mapped view).
type mmap struct {
	data     []byte
	fd       int
	size     int64
	capacity int64
	writable bool
	mapping  windows.Handle
}

// mmapMap maps length bytes of the file handle fd.
func mmapMap(fd int, offset int64, length int, writable bool) (*mmap, error) {
	if length <= 0 {
		return nil, errMmapInvalidSize
	}

	handle := windows.Handle(fd)
	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	mapping, err := windows.CreateFileMapping(handle, nil, prot,
		uint32(uint64(length)>>32), uint32(length), nil)
	if err != nil {
		return nil, &mmapError{"CreateFileMapping", err}
	}

	addr, err := windows.MapViewOfFile(mapping, access,
		uint32(uint64(offset)>>32), uint32(offset), uintptr(length))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, &mmapError{"MapViewOfFile", err}
	}

	return &mmap{
		data:     unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		fd:       fd,
		size:     int64(length),
		capacity: int64(length),
		writable: writable,
		mapping:  mapping,
	}, nil
}

func (m *mmap) sync() error {
	if m.data == nil {
		return errMmapNotMapped
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[0])), uintptr(m.size))
}

func (m *mmap) syncAsync() error {
	// FlushViewOfFile is already asynchronous with respect to the
	// underlying disk write.
	return m.sync()
}

func (m *mmap) syncRange(offset, length int64) error {
	if m.data == nil {
		return errMmapNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return errMmapInvalidRange
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m.data[offset])), uintptr(length))
}

func (m *mmap) unmap() error {
	if m.data == nil {
		return nil
	}
	err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.data[0])))
	windows.CloseHandle(m.mapping)
	m.data = nil
	m.size = 0
	m.capacity = 0
	return err
}

// remap on Windows always rebuilds the section and view.
func (m *mmap) remap(newSize int64) error {
	if newSize <= 0 {
		return errMmapInvalidSize
	}
	if newSize == m.size {
		return nil
	}
	fd := m.fd
	writable := m.writable
	if err := m.unmap(); err != nil {
		return err
	}
	nm, err := mmapMap(fd, 0, int(newSize), writable)
	if err != nil {
		return err
	}
	*m = *nm
	return nil
}

func (m *mmap) adviseRandom() error     { return nil }
func (m *mmap) adviseSequential() error { return nil }

var (
	errMmapInvalidSize  = &mmapError{"invalid size", nil}
	errMmapInvalidRange = &mmapError{"invalid range", nil}
	errMmapNotMapped    = &mmapError{"not mapped", nil}
)

type mmapError struct {
	op  string
	err error
}

func (e *mmapError) Error() string {
	if e.err != nil {
		return "mmap: " + e.op + ": " + e.err.Error()
	}
	return "mmap: " + e.op
}

func (e *mmapError) Unwrap() error {
	return e.err
}
