package tern

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Composite-seek families over a dupsort tree:
//
//	b -> {v2, v4}   d -> {v1}   f -> {v3, v5}
func openSeekFixture(t *testing.T) *Env {
	t.Helper()
	env := openTestEnv(t, 0)
	require.NoError(t, env.SetMaxDBs(4))
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("seek", DupSort|Create)
		if err != nil {
			return err
		}
		for _, p := range [][2]string{
			{"b", "v2"}, {"b", "v4"}, {"d", "v1"}, {"f", "v3"}, {"f", "v5"},
		} {
			if err := txn.Put(dbi, []byte(p[0]), []byte(p[1]), 0); err != nil {
				return err
			}
		}
		return nil
	}))
	return env
}

func seekCheck(t *testing.T, c *Cursor, key, value []byte, op CursorOp, wantK, wantV string) {
	t.Helper()
	k, v, err := c.Get(key, value, op)
	require.NoError(t, err)
	require.Equal(t, wantK, string(k))
	if wantV != "" {
		require.Equal(t, wantV, string(v))
	}
}

func seekMiss(t *testing.T, c *Cursor, key, value []byte, op CursorOp) {
	t.Helper()
	_, _, err := c.Get(key, value, op)
	require.True(t, IsNotFound(err))
}

func TestToKeyFamily(t *testing.T) {
	env := openSeekFixture(t)

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("seek", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		seekCheck(t, c, []byte("d"), nil, ToKeyEqual, "d", "v1")
		seekMiss(t, c, []byte("c"), nil, ToKeyEqual)

		seekCheck(t, c, []byte("c"), nil, ToKeyGreaterOrEqual, "d", "v1")
		seekCheck(t, c, []byte("d"), nil, ToKeyGreaterOrEqual, "d", "v1")
		seekCheck(t, c, []byte("d"), nil, ToKeyGreaterThan, "f", "v3")
		seekMiss(t, c, []byte("f"), nil, ToKeyGreaterThan)

		seekCheck(t, c, []byte("d"), nil, ToKeyLesserOrEqual, "d", "v1")
		seekCheck(t, c, []byte("e"), nil, ToKeyLesserOrEqual, "d", "v1")
		seekCheck(t, c, []byte("d"), nil, ToKeyLesserThan, "b", "v4")
		seekCheck(t, c, []byte("z"), nil, ToKeyLesserThan, "f", "v5")
		seekMiss(t, c, []byte("a"), nil, ToKeyLesserThan)

		// LesserOrEqual on a dupsort key lands on its last duplicate.
		seekCheck(t, c, []byte("b"), nil, ToKeyLesserOrEqual, "b", "v4")
		return nil
	}))
}

func TestToExactKeyValueFamily(t *testing.T) {
	env := openSeekFixture(t)

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("seek", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		seekCheck(t, c, []byte("b"), []byte("v2"), ToExactKeyValueEqual, "b", "v2")
		seekMiss(t, c, []byte("b"), []byte("v3"), ToExactKeyValueEqual)

		seekCheck(t, c, []byte("b"), []byte("v3"), ToExactKeyValueGreaterOrEqual, "b", "v4")
		seekCheck(t, c, []byte("b"), []byte("v2"), ToExactKeyValueGreaterThan, "b", "v4")
		seekMiss(t, c, []byte("b"), []byte("v4"), ToExactKeyValueGreaterThan)

		seekCheck(t, c, []byte("b"), []byte("v3"), ToExactKeyValueLesserOrEqual, "b", "v2")
		seekCheck(t, c, []byte("b"), []byte("v4"), ToExactKeyValueLesserThan, "b", "v2")
		seekMiss(t, c, []byte("b"), []byte("v2"), ToExactKeyValueLesserThan)

		// The key itself must match exactly.
		seekMiss(t, c, []byte("c"), []byte("v1"), ToExactKeyValueGreaterOrEqual)
		return nil
	}))
}

func TestToPairFamily(t *testing.T) {
	env := openSeekFixture(t)

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("seek", 0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()

		seekCheck(t, c, []byte("b"), []byte("v4"), ToPairEqual, "b", "v4")
		seekMiss(t, c, []byte("b"), []byte("v1"), ToPairEqual)

		seekCheck(t, c, []byte("b"), []byte("v3"), ToPairGreaterOrEqual, "b", "v4")
		seekCheck(t, c, []byte("b"), []byte("v4"), ToPairGreaterOrEqual, "b", "v4")
		seekCheck(t, c, []byte("b"), []byte("v4"), ToPairGreaterThan, "d", "v1")
		seekMiss(t, c, []byte("f"), []byte("v5"), ToPairGreaterThan)

		seekCheck(t, c, []byte("b"), []byte("v4"), ToPairLesserOrEqual, "b", "v4")
		seekCheck(t, c, []byte("b"), []byte("v3"), ToPairLesserOrEqual, "b", "v2")
		seekCheck(t, c, []byte("b"), []byte("v4"), ToPairLesserThan, "b", "v2")
		seekCheck(t, c, []byte("z"), nil, ToPairLesserThan, "f", "v5")
		seekMiss(t, c, []byte("b"), []byte("v2"), ToPairLesserThan)
		return nil
	}))
}
