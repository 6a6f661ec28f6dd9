package tern

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario S5 + P10: a compacting copy reopens with byte-identical
// content and never more pages than the churned original.
func TestCopyCompact(t *testing.T) {
	env := openTestEnv(t, 0)
	require.NoError(t, env.SetMaxDBs(4))

	// Churn so the original accumulates retired space.
	for round := 0; round < 4; round++ {
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 300; i++ {
				k := []byte(fmt.Sprintf("k%04d", i))
				v := []byte(fmt.Sprintf("r%d-%04d", round, i))
				if err := txn.Put(MainDBI, k, v, 0); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("named", DupSort|Create)
		if err != nil {
			return err
		}
		for i := 0; i < 50; i++ {
			if err := txn.Put(dbi, []byte("dup"), []byte(fmt.Sprintf("v%04d", i)), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	var original [][2]string
	require.NoError(t, env.View(func(txn *Txn) error {
		original = scanAll(t, txn, MainDBI)
		return nil
	}))

	copyPath := filepath.Join(t.TempDir(), "compact.db")
	require.NoError(t, env.Copy(copyPath, CopyCompact))

	copyEnv, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, copyEnv.SetMaxDBs(4))
	require.NoError(t, copyEnv.Open(copyPath, NoSubdir, 0644))
	defer copyEnv.Close()

	require.NoError(t, copyEnv.View(func(txn *Txn) error {
		got := scanAll(t, txn, MainDBI)
		require.Equal(t, original, got)

		dbi, err := txn.OpenDBISimple("named", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, _, err := c.Get([]byte("dup"), nil, Set); err != nil {
			return err
		}
		n, err := c.Count()
		if err != nil {
			return err
		}
		require.Equal(t, uint64(50), n)
		return nil
	}))

	// The compact copy holds no retired garbage: it uses at most the
	// original's page count.
	srcPages := env.currentTroika().head().Geometry.FirstUnallocated
	dstPages := copyEnv.currentTroika().head().Geometry.FirstUnallocated
	require.LessOrEqual(t, uint64(dstPages), uint64(srcPages))
}

func TestCopyAsIs(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			if err := txn.Put(MainDBI, []byte(fmt.Sprintf("k%03d", i)), []byte("v"), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	copyPath := filepath.Join(t.TempDir(), "asis.db")
	require.NoError(t, env.Copy(copyPath, CopyDefaults))

	fi, err := os.Stat(copyPath)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))

	copyEnv, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, copyEnv.Open(copyPath, NoSubdir, 0644))
	defer copyEnv.Close()

	require.NoError(t, copyEnv.View(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			if _, err := txn.Get(MainDBI, []byte(fmt.Sprintf("k%03d", i))); err != nil {
				return err
			}
		}
		return nil
	}))
}
