//go:build linux

package tern

import (
	"os"

	"golang.org/x/sys/unix"
)

// writeVectored submits one scatter-gather write at off via pwritev,
// falling back to sequential WriteAt on short or failed writes.
func writeVectored(f *os.File, bufs [][]byte, off int64) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	n, err := unix.Pwritev(int(f.Fd()), bufs, off)
	if err == nil && n == total {
		return nil
	}
	if err != nil && err != unix.ENOSYS && err != unix.EINTR {
		return err
	}
	return writeSequential(f, bufs, off)
}
