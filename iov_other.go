//go:build !linux

package tern

import "os"

// writeVectored degrades to sequential positional writes where the
// platform has no usable pwritev.
func writeVectored(f *os.File, bufs [][]byte, off int64) error {
	return writeSequential(f, bufs, off)
}
