package tern

import (
	"io"
	"os"
)

// Copy writes a consistent copy of the environment to path. With
// CopyCompact the trees are rewritten without retired space, so the
// copy's page count never exceeds the original's.
func (e *Env) Copy(path string, flags uint) error {
	if !e.valid() {
		return ErrInvalidError
	}
	if e.panicked() {
		return ErrPanicError
	}
	if flags&CopyCompact != 0 {
		return e.copyCompact(path)
	}
	return e.copyAsIs(path)
}

// copyAsIs copies the file bytes of the current head snapshot.
func (e *Env) copyAsIs(path string) error {
	txn, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer txn.Abort()

	out, err := os.Create(path)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}
	defer out.Close()

	size := int64(txn.geo.Now) * int64(e.pageSize)
	if size > e.dataMap.size {
		size = e.dataMap.size
	}
	if _, err := io.Copy(out, io.NewSectionReader(readerAtBytes(e.dataMap.data), 0, size)); err != nil {
		return WrapError(ErrProblem, err)
	}
	return out.Sync()
}

// readerAtBytes adapts a byte slice to io.ReaderAt.
type readerAtBytes []byte

func (b readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// copyCompact rebuilds the database into a fresh file by replaying
// every tree in key order with the append fast path.
func (e *Env) copyCompact(path string) error {
	src, err := e.BeginTxn(nil, TxnReadOnly)
	if err != nil {
		return err
	}
	defer src.Abort()

	dstEnv, err := NewEnv()
	if err != nil {
		return err
	}
	defer dstEnv.Close()

	if err := dstEnv.SetPageSize(e.pageSize); err != nil {
		return err
	}
	if err := dstEnv.SetMaxDBs(e.maxDBs); err != nil {
		return err
	}
	if err := dstEnv.Open(path, NoSubdir, 0644); err != nil {
		return err
	}

	dst, err := dstEnv.BeginTxn(nil, 0)
	if err != nil {
		return err
	}

	if err := copyTree(src, dst, MainDBI, MainDBI); err != nil {
		dst.Abort()
		return err
	}

	// Named trees are rebuilt through their own cursors; their
	// descriptor records were skipped by copyTree above.
	names, err := src.ListDBI()
	if err != nil {
		dst.Abort()
		return err
	}
	for _, name := range names {
		srcDBI, err := src.OpenDBISimple(name, 0)
		if err != nil {
			dst.Abort()
			return err
		}
		flags, err := src.DBIFlags(srcDBI)
		if err != nil {
			dst.Abort()
			return err
		}
		dstDBI, err := dst.OpenDBISimple(name, flags|Create)
		if err != nil {
			dst.Abort()
			return err
		}
		if err := copyTree(src, dst, srcDBI, dstDBI); err != nil {
			dst.Abort()
			return err
		}
	}

	if _, err := dst.Commit(); err != nil {
		return err
	}
	return dstEnv.Sync(true, false)
}

// copyTree replays one tree's pairs in order. Named-tree descriptor
// records in the main tree are skipped (they are recreated through
// OpenDBI on the destination).
func copyTree(src, dst *Txn, from, to DBI) error {
	c, err := src.OpenCursor(from)
	if err != nil {
		return err
	}
	defer c.Close()

	for k, v, err := c.Get(nil, nil, First); ; k, v, err = c.Get(nil, nil, Next) {
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		if from == MainDBI && nodeGetFlagsRaw(c.leaf().Data, c.leafIdx())&nodeTree != 0 {
			continue
		}
		putFlags := uint(0)
		if !src.trees[from].isDupSort() {
			putFlags = Append
		}
		if err := dst.Put(to, k, v, putFlags); err != nil {
			return err
		}
	}
}
