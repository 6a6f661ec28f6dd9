package tern

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T, flags uint) *Env {
	t.Helper()
	dir := t.TempDir()
	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(dir, flags, 0644))
	t.Cleanup(env.Close)
	return env
}

func TestPutGetCommit(t *testing.T) {
	env := openTestEnv(t, 0)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	dbi, err := txn.OpenDBISimple("", 0)
	require.NoError(t, err)

	require.NoError(t, txn.Put(dbi, []byte("alpha"), []byte("1"), 0))
	require.NoError(t, txn.Put(dbi, []byte("beta"), []byte("2"), 0))
	require.NoError(t, txn.Put(dbi, []byte("gamma"), []byte("3"), 0))

	v, err := txn.Get(dbi, []byte("beta"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = txn.Commit()
	require.NoError(t, err)

	// The committed state is visible to a fresh snapshot.
	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("alpha"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("1"), v)
		_, err = txn.Get(MainDBI, []byte("delta"))
		require.True(t, IsNotFound(err))
		return nil
	}))
}

func TestReopenPersistence(t *testing.T) {
	dir := t.TempDir()

	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(dir, 0, 0644))

	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			v := []byte(fmt.Sprintf("val-%03d", i))
			if err := txn.Put(MainDBI, k, v, 0); err != nil {
				return err
			}
		}
		return nil
	}))
	env.Close()

	env2, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env2.Open(dir, 0, 0644))
	defer env2.Close()

	require.NoError(t, env2.View(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			k := []byte(fmt.Sprintf("key-%03d", i))
			v, err := txn.Get(MainDBI, k)
			if err != nil {
				return err
			}
			require.Equal(t, []byte(fmt.Sprintf("val-%03d", i)), v)
		}
		return nil
	}))
}

func TestMetaBracketAfterCommit(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v"), 0)
	}))

	// P2: the chosen meta carries matching txnid_a/txnid_b.
	tk := env.currentTroika()
	head := tk.head()
	require.NotNil(t, head)
	require.Equal(t, head.txnidASafe(), head.txnidBSafe())
	require.True(t, head.isSteady())
}

func TestNoOverwrite(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v1"), 0)
	}))

	// P5: NoOverwrite succeeds only where Get would have missed.
	err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v2"), NoOverwrite)
	})
	require.True(t, IsKeyExist(err))

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("fresh"), []byte("v"), NoOverwrite)
	}))
}

func TestDeleteAndRebalance(t *testing.T) {
	env := openTestEnv(t, 0)

	const n = 2000
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			v := bytes.Repeat([]byte{byte(i)}, 64)
			if err := txn.Put(MainDBI, k, v, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < n; i += 2 {
			k := []byte(fmt.Sprintf("key-%05d", i))
			if err := txn.Del(MainDBI, k, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(MainDBI)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(n/2), st.Entries)
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			_, err := txn.Get(MainDBI, k)
			if i%2 == 0 {
				require.True(t, IsNotFound(err), "key %d should be gone", i)
			} else {
				require.NoError(t, err, "key %d should remain", i)
			}
		}
		return nil
	}))

	// Empty the tree completely; the root must collapse.
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 1; i < n; i += 2 {
			k := []byte(fmt.Sprintf("key-%05d", i))
			if err := txn.Del(MainDBI, k, nil); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		st, err := txn.Stat(MainDBI)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), st.Entries)
		require.Equal(t, uint32(0), st.Depth)
		return nil
	}))
}

// Scenario S4: Append demands strictly ascending keys and rejects
// out-of-order inserts without disturbing the tree.
func TestAppendOrdering(t *testing.T) {
	env := openTestEnv(t, 0)

	const n = 500
	require.NoError(t, env.Update(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		defer c.Close()
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("%08d", i))
			if err := c.Put(k, []byte(fmt.Sprintf("v%d", i)), Append); err != nil {
				return err
			}
		}
		// Out of order: must fail with ErrKeyMismatch.
		err = c.Put([]byte("00000100"), []byte("dup"), Append)
		require.Equal(t, ErrKeyMismatch, Code(err))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		defer c.Close()
		count := 0
		var prev []byte
		for k, v, err := c.Get(nil, nil, First); ; k, v, err = c.Get(nil, nil, Next) {
			if IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			require.Equal(t, []byte(fmt.Sprintf("%08d", count)), k)
			require.Equal(t, []byte(fmt.Sprintf("v%d", count)), v)
			if prev != nil {
				require.Negative(t, bytes.Compare(prev, k))
			}
			prev = append(prev[:0], k...)
			count++
		}
		require.Equal(t, n, count)
		return nil
	}))
}

// Boundary B5: First on an empty tree reports not-found and leaves
// the cursor hollow.
func TestCursorFirstEmptyTree(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.View(func(txn *Txn) error {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return err
		}
		defer c.Close()
		_, _, err = c.Get(nil, nil, First)
		require.True(t, IsNotFound(err))
		require.Negative(t, int(c.flags))
		require.Equal(t, int8(-1), c.top)
		return nil
	}))
}

// Boundary B2: a value at the inline cap stays inline; one byte more
// escapes to a large-page chain.
func TestLargeValueEscape(t *testing.T) {
	env := openTestEnv(t, 0)

	key := []byte("k")
	inlineMax := leafNodeMax(int(env.pageSize)) - NodeHeaderSize - len(key)

	require.NoError(t, env.Update(func(txn *Txn) error {
		if err := txn.Put(MainDBI, key, bytes.Repeat([]byte{1}, inlineMax), 0); err != nil {
			return err
		}
		st, err := txn.Stat(MainDBI)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), st.LargePages)
		return nil
	}))

	require.NoError(t, env.Update(func(txn *Txn) error {
		if err := txn.Put(MainDBI, key, bytes.Repeat([]byte{2}, inlineMax+1), 0); err != nil {
			return err
		}
		st, err := txn.Stat(MainDBI)
		if err != nil {
			return err
		}
		require.Greater(t, st.LargePages, uint64(0))
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, key)
		if err != nil {
			return err
		}
		require.Equal(t, bytes.Repeat([]byte{2}, inlineMax+1), v)
		return nil
	}))
}

func TestLargeValueRoundTrip(t *testing.T) {
	env := openTestEnv(t, 0)

	sizes := []int{5000, 70000, 300000}
	require.NoError(t, env.Update(func(txn *Txn) error {
		for i, size := range sizes {
			k := []byte(fmt.Sprintf("big-%d", i))
			v := bytes.Repeat([]byte{byte(i + 1)}, size)
			if err := txn.Put(MainDBI, k, v, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		for i, size := range sizes {
			k := []byte(fmt.Sprintf("big-%d", i))
			v, err := txn.Get(MainDBI, k)
			if err != nil {
				return err
			}
			require.Len(t, v, size)
			require.Equal(t, byte(i+1), v[0])
			require.Equal(t, byte(i+1), v[size-1])
		}
		return nil
	}))
}

func TestBadValSize(t *testing.T) {
	env := openTestEnv(t, 0)

	err := env.Update(func(txn *Txn) error {
		hugeKey := bytes.Repeat([]byte{1}, keyMax(int(env.pageSize), 0)+1)
		return txn.Put(MainDBI, hugeKey, []byte("v"), 0)
	})
	require.Equal(t, ErrBadValSize, Code(err))

	// B1: the empty key is accepted by default schemas.
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte{}, []byte("empty"), 0)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte{})
		if err != nil {
			return err
		}
		require.Equal(t, []byte("empty"), v)
		return nil
	}))
}

func TestNamedDBIs(t *testing.T) {
	env := openTestEnv(t, 0)
	require.NoError(t, env.SetMaxDBs(8))

	require.NoError(t, env.Update(func(txn *Txn) error {
		a, err := txn.OpenDBISimple("alpha", Create)
		if err != nil {
			return err
		}
		b, err := txn.OpenDBISimple("beta", Create)
		if err != nil {
			return err
		}
		if err := txn.Put(a, []byte("x"), []byte("in-a"), 0); err != nil {
			return err
		}
		return txn.Put(b, []byte("x"), []byte("in-b"), 0)
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		require.ElementsMatch(t, []string{"alpha", "beta"}, names)

		a, err := txn.OpenDBISimple("alpha", 0)
		if err != nil {
			return err
		}
		v, err := txn.Get(a, []byte("x"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("in-a"), v)
		return nil
	}))

	// Drop with del: the name disappears from the main tree.
	require.NoError(t, env.Update(func(txn *Txn) error {
		a, err := txn.OpenDBISimple("alpha", 0)
		if err != nil {
			return err
		}
		return txn.Drop(a, true)
	}))
	require.NoError(t, env.View(func(txn *Txn) error {
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		require.Equal(t, []string{"beta"}, names)
		return nil
	}))
}

func TestSequenceCounter(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		v, err := txn.Sequence(MainDBI, 0)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), v)
		v, err = txn.Sequence(MainDBI, 5)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), v)
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Sequence(MainDBI, 0)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(5), v)
		return nil
	}))
}

func TestCanary(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.PutCanary(11, 22, 33)
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		x, y, z, v := txn.Canary()
		require.Equal(t, uint64(11), x)
		require.Equal(t, uint64(22), y)
		require.Equal(t, uint64(33), z)
		require.NotZero(t, v)
		return nil
	}))
}

func TestTxnTryBusy(t *testing.T) {
	env := openTestEnv(t, 0)

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	defer txn.Abort()

	_, err = env.BeginTxn(nil, TxnTry)
	require.Equal(t, ErrBusy, Code(err))
}

func TestAbortDiscards(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("keep"), []byte("v"), 0)
	}))

	txn, err := env.BeginTxn(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(MainDBI, []byte("discard"), []byte("v"), 0))
	txn.Abort()

	require.NoError(t, env.View(func(txn *Txn) error {
		if _, err := txn.Get(MainDBI, []byte("keep")); err != nil {
			return err
		}
		_, err := txn.Get(MainDBI, []byte("discard"))
		require.True(t, IsNotFound(err))
		return nil
	}))
}

func TestNestedTxnCommitAndAbort(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		if err := txn.Put(MainDBI, []byte("base"), []byte("v"), 0); err != nil {
			return err
		}
		// Child commit folds into the parent.
		if err := txn.Sub(func(child *Txn) error {
			return child.Put(MainDBI, []byte("nested-keep"), []byte("v"), 0)
		}); err != nil {
			return err
		}
		// Child abort leaves the parent untouched.
		_ = txn.Sub(func(child *Txn) error {
			if err := child.Put(MainDBI, []byte("nested-drop"), []byte("v"), 0); err != nil {
				return err
			}
			return ErrNotFoundError // force the child to abort
		})
		return nil
	}))

	require.NoError(t, env.View(func(txn *Txn) error {
		if _, err := txn.Get(MainDBI, []byte("base")); err != nil {
			return err
		}
		if _, err := txn.Get(MainDBI, []byte("nested-keep")); err != nil {
			return err
		}
		_, err := txn.Get(MainDBI, []byte("nested-drop"))
		require.True(t, IsNotFound(err))
		return nil
	}))
}

func TestPagesRetiredMonotonic(t *testing.T) {
	env := openTestEnv(t, 0)

	var prev uint64
	for round := 0; round < 5; round++ {
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 50; i++ {
				k := []byte(fmt.Sprintf("r%d-%d", round, i))
				if err := txn.Put(MainDBI, k, bytes.Repeat([]byte{1}, 100), 0); err != nil {
					return err
				}
			}
			return nil
		}))
		head := env.currentTroika().head()
		require.GreaterOrEqual(t, head.pagesRetired(), prev)
		prev = head.pagesRetired()
	}
	require.Greater(t, prev, uint64(0))
}

func TestEnvFlagsValidation(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.SetEnvFlags(SafeNoSync, true))
	flags, err := env.Flags()
	require.NoError(t, err)
	require.NotZero(t, flags&SafeNoSync)

	// Fixed-at-open flags cannot be toggled at runtime.
	require.Error(t, env.SetEnvFlags(WriteMap, true))
}

func TestNoSubdirLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.db")

	env, err := NewEnv()
	require.NoError(t, err)
	require.NoError(t, env.Open(path, NoSubdir, 0644))
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v"), 0)
	}))
	env.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + LockSuffix)
	require.NoError(t, err)
}
