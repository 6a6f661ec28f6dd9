//go:build unix && !linux

package tern

import "errors"

// tryMremap is unavailable outside Linux; the caller falls back to
// unmap+mmap.
func (m *mmap) tryMremap(newSize int) ([]byte, error) {
	return nil, errors.New("mremap not available")
}
