package tern

import "os"

// iovWriter batches page writes so that contiguous dirty pages leave
// through a single syscall. Pages must be added in ascending pgno
// order (the DPL is sorted before flushing).
type iovWriter struct {
	f        *os.File
	pageSize int64

	startPgno int64
	bufs      [][]byte
	pending   int64 // bytes queued in bufs

	// maxBatch bounds one scatter-gather submission.
	maxBatch int
}

func newIovWriter(f *os.File, pageSize int64) *iovWriter {
	return &iovWriter{
		f:        f,
		pageSize: pageSize,
		maxBatch: 64,
	}
}

// add queues data (one page or a large-page span) at page number pn,
// flushing the running batch whenever contiguity breaks.
func (w *iovWriter) add(pn int64, data []byte) error {
	if len(w.bufs) > 0 {
		nextPgno := w.startPgno + w.pending/w.pageSize
		if pn != nextPgno || len(w.bufs) >= w.maxBatch {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	if len(w.bufs) == 0 {
		w.startPgno = pn
	}
	w.bufs = append(w.bufs, data)
	w.pending += int64(len(data))
	return nil
}

// flush submits the queued run.
func (w *iovWriter) flush() error {
	if len(w.bufs) == 0 {
		return nil
	}
	off := w.startPgno * w.pageSize
	if err := writeVectored(w.f, w.bufs, off); err != nil {
		return WrapError(ErrProblem, err)
	}
	w.bufs = w.bufs[:0]
	w.pending = 0
	return nil
}
