package tern

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func openDupEnv(t *testing.T, dbFlags uint) (*Env, DBI) {
	t.Helper()
	env := openTestEnv(t, 0)
	require.NoError(t, env.SetMaxDBs(4))
	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("dups", dbFlags|Create)
		return err
	}))
	return env, dbi
}

func TestDupSortBasic(t *testing.T) {
	env, dbi := openDupEnv(t, DupSort)

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		for _, v := range []string{"charlie", "alpha", "bravo"} {
			if err := txn.Put(dbi, []byte("k"), []byte(v), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := func() (uint64, error) {
			if _, _, err := c.Get([]byte("k"), nil, Set); err != nil {
				return 0, err
			}
			return c.Count()
		}()
		if err != nil {
			return err
		}
		require.Equal(t, uint64(3), n)

		// Duplicates come back in sorted order.
		var got []string
		_, v, err := c.Get([]byte("k"), nil, Set)
		if err != nil {
			return err
		}
		got = append(got, string(v))
		for {
			_, v, err = c.Get(nil, nil, NextDup)
			if IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			got = append(got, string(v))
		}
		require.Equal(t, []string{"alpha", "bravo", "charlie"}, got)
		return nil
	}))
	_ = dbi
}

// Scenario S1: the duplicate set starts as an inline subpage and is
// promoted to a nested tree as it grows; enumeration stays complete
// and sorted throughout.
func TestDupSubpagePromotion(t *testing.T) {
	env, _ := openDupEnv(t, DupSort)

	const n = 200
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			v := []byte(fmt.Sprintf("v%015d", i)) // 16 bytes
			if err := txn.Put(dbi, []byte("k"), v, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		// The set must have been promoted: the host node carries a
		// stored descriptor now.
		_, _, err = c.Get([]byte("k"), nil, Set)
		if err != nil {
			return err
		}
		require.NotZero(t, nodeGetFlagsRaw(c.leaf().Data, c.leafIdx())&nodeTree)

		count, err := c.Count()
		if err != nil {
			return err
		}
		require.Equal(t, uint64(n), count)

		var prev []byte
		seen := 0
		_, v, err := c.Get([]byte("k"), nil, Set)
		if err != nil {
			return err
		}
		for {
			if prev != nil {
				require.Negative(t, txn.DCmp(dbi, prev, v))
			}
			prev = append(prev[:0], v...)
			seen++
			_, v, err = c.Get(nil, nil, NextDup)
			if IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
		}
		require.Equal(t, n, seen)
		return nil
	}))
}

func TestNoDupDataIdempotent(t *testing.T) {
	env, _ := openDupEnv(t, DupSort)

	// P9: re-putting an identical pair under NoDupData yields
	// ErrKeyExist and leaves the tree unchanged.
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		if err := txn.Put(dbi, []byte("k"), []byte("v"), 0); err != nil {
			return err
		}
		err = txn.Put(dbi, []byte("k"), []byte("v"), NoDupData)
		require.True(t, IsKeyExist(err))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, _, err := c.Get([]byte("k"), nil, Set); err != nil {
			return err
		}
		n, err := c.Count()
		if err != nil {
			return err
		}
		require.Equal(t, uint64(1), n)
		return nil
	}))
}

// P8: AllDups removes the whole duplicate set in one operation.
func TestDelAllDups(t *testing.T) {
	env, _ := openDupEnv(t, DupSort)

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		for i := 0; i < 150; i++ {
			if err := txn.Put(dbi, []byte("k"), []byte(fmt.Sprintf("v%010d", i)), 0); err != nil {
				return err
			}
		}
		return txn.Put(dbi, []byte("other"), []byte("v"), 0)
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, _, err := c.Get([]byte("k"), nil, Set); err != nil {
			return err
		}
		if err := c.Del(AllDups); err != nil {
			return err
		}
		// The delete must have produced retired pages (the nested
		// subtree pages went into the retired set).
		require.Greater(t, txn.wr.retired.len()+len(txn.wr.loose), 0)
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		_, err = txn.Get(dbi, []byte("k"))
		require.True(t, IsNotFound(err))
		_, err = txn.Get(dbi, []byte("other"))
		return err
	}))
}

func TestGetBoth(t *testing.T) {
	env, _ := openDupEnv(t, DupSort)

	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		for _, v := range []string{"b10", "b20", "b30"} {
			if err := txn.Put(dbi, []byte("k"), []byte(v), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		_, v, err := c.Get([]byte("k"), []byte("b20"), GetBoth)
		if err != nil {
			return err
		}
		require.Equal(t, []byte("b20"), v)

		_, _, err = c.Get([]byte("k"), []byte("b15"), GetBoth)
		require.True(t, IsNotFound(err))

		_, v, err = c.Get([]byte("k"), []byte("b15"), GetBothRange)
		if err != nil {
			return err
		}
		require.Equal(t, []byte("b20"), v)
		return nil
	}))
}

func TestDupFixedMultiple(t *testing.T) {
	env, _ := openDupEnv(t, DupSort|DupFixed)

	const width = 8
	const n = 64
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		bulk := make([]byte, 0, n*width)
		for i := 0; i < n; i++ {
			bulk = append(bulk, []byte(fmt.Sprintf("%07d,", i))...)
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Put([]byte("k"), bulk, Multiple)
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("dups", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		_, slab, err := c.Get([]byte("k"), nil, SeekAndGetMultiple)
		if err != nil {
			return err
		}
		require.Zero(t, len(slab)%width)
		total := len(slab) / width
		for {
			_, more, err := c.Get(nil, nil, NextMultiple)
			if IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			total += len(more) / width
		}
		require.Equal(t, n, total)
		return nil
	}))
}

func TestSetLowerUpperBound(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		for _, k := range []string{"b", "d", "f"} {
			if err := txn.Put(MainDBI, []byte(k), []byte("v-"+k), 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		defer c.Close()

		k, _, err := c.Get([]byte("c"), nil, SetLowerbound)
		if err != nil {
			return err
		}
		require.Equal(t, []byte("d"), k)

		k, _, err = c.Get([]byte("d"), nil, SetLowerbound)
		if err != nil {
			return err
		}
		require.Equal(t, []byte("d"), k)

		k, _, err = c.Get([]byte("d"), nil, SetUpperbound)
		if err != nil {
			return err
		}
		require.Equal(t, []byte("f"), k)

		_, _, err = c.Get([]byte("f"), nil, SetUpperbound)
		require.True(t, IsNotFound(err))
		return nil
	}))
}
