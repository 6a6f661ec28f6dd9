package tern

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// speculum is the reference in-memory model the hill scenario compares
// the database against.
type speculum struct {
	pairs map[string][]string // key -> sorted values
}

func newSpeculum() *speculum {
	return &speculum{pairs: map[string][]string{}}
}

func (s *speculum) insert(k, v string) {
	vals := s.pairs[k]
	i := sort.SearchStrings(vals, v)
	if i < len(vals) && vals[i] == v {
		return
	}
	vals = append(vals, "")
	copy(vals[i+1:], vals[i:])
	vals[i] = v
	s.pairs[k] = vals
}

func (s *speculum) remove(k, v string) {
	if v == "" {
		delete(s.pairs, k)
		return
	}
	vals := s.pairs[k]
	i := sort.SearchStrings(vals, v)
	if i < len(vals) && vals[i] == v {
		vals = append(vals[:i], vals[i+1:]...)
		if len(vals) == 0 {
			delete(s.pairs, k)
		} else {
			s.pairs[k] = vals
		}
	}
}

func (s *speculum) flat() [][2]string {
	keys := make([]string, 0, len(s.pairs))
	for k := range s.pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out [][2]string
	for _, k := range keys {
		for _, v := range s.pairs[k] {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}

// scanAll walks the whole tree in order, resolving every duplicate.
func scanAll(t *testing.T, txn *Txn, dbi DBI) [][2]string {
	t.Helper()
	c, err := txn.OpenCursor(dbi)
	require.NoError(t, err)
	defer c.Close()

	var out [][2]string
	k, v, err := c.Get(nil, nil, First)
	for {
		if IsNotFound(err) {
			return out
		}
		require.NoError(t, err)
		out = append(out, [2]string{string(k), string(v)})
		k, v, err = c.Get(nil, nil, Next)
	}
}

// Scenario S2: uphill/downhill CRUD with a speculum comparison after
// every phase; the database ends empty.
func TestHill(t *testing.T) {
	env := openTestEnv(t, 0)
	require.NoError(t, env.SetMaxDBs(4))

	var dbi DBI
	require.NoError(t, env.Update(func(txn *Txn) error {
		var err error
		dbi, err = txn.OpenDBISimple("hill", DupSort|Create)
		return err
	}))

	spec := newSpeculum()
	const n = 1000

	verify := func() {
		require.NoError(t, env.View(func(txn *Txn) error {
			dbi, err := txn.OpenDBISimple("hill", 0)
			if err != nil {
				return err
			}
			got := scanAll(t, txn, dbi)
			want := spec.flat()
			require.Equal(t, len(want), len(got), "scan length")
			for i := range want {
				require.Equal(t, want[i], got[i], "pair %d", i)
			}
			return nil
		}))
	}

	keyA := func(i int) string { return fmt.Sprintf("a-%06d", i) }
	keyB := func(i int) string { return fmt.Sprintf("b-%06d", i) }

	// Uphill: insert a1, insert b, replace a1 with a0, delete b.
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("hill", 0)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			a1 := fmt.Sprintf("v1-%04d", i)
			a0 := fmt.Sprintf("v0-%04d", i)
			if err := txn.Put(dbi, []byte(keyA(i)), []byte(a1), 0); err != nil {
				return err
			}
			spec.insert(keyA(i), a1)
			if err := txn.Put(dbi, []byte(keyB(i)), []byte("vb"), 0); err != nil {
				return err
			}
			spec.insert(keyB(i), "vb")
			if err := txn.Del(dbi, []byte(keyA(i)), []byte(a1)); err != nil {
				return err
			}
			spec.remove(keyA(i), a1)
			if err := txn.Put(dbi, []byte(keyA(i)), []byte(a0), 0); err != nil {
				return err
			}
			spec.insert(keyA(i), a0)
			if err := txn.Del(dbi, []byte(keyB(i)), nil); err != nil {
				return err
			}
			spec.remove(keyB(i), "")
		}
		return nil
	}))
	verify()

	// Downhill: back to empty.
	require.NoError(t, env.Update(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("hill", 0)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			a0 := fmt.Sprintf("v0-%04d", i)
			a1 := fmt.Sprintf("v1-%04d", i)
			if err := txn.Del(dbi, []byte(keyA(i)), []byte(a0)); err != nil {
				return err
			}
			spec.remove(keyA(i), a0)
			if err := txn.Put(dbi, []byte(keyA(i)), []byte(a1), 0); err != nil {
				return err
			}
			spec.insert(keyA(i), a1)
			if err := txn.Del(dbi, []byte(keyA(i)), nil); err != nil {
				return err
			}
			spec.remove(keyA(i), "")
		}
		return nil
	}))
	verify()

	require.NoError(t, env.View(func(txn *Txn) error {
		dbi, err := txn.OpenDBISimple("hill", 0)
		if err != nil {
			return err
		}
		st, err := txn.Stat(dbi)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(0), st.Entries)
		return nil
	}))
}

// Retired sets stay duplicate-free and disjoint from the loose list
// while a txn mutates heavily (P3).
func TestRetiredDisjointLoose(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		for i := 0; i < 500; i++ {
			k := []byte(fmt.Sprintf("k%04d", i))
			if err := txn.Put(MainDBI, k, bytes.Repeat([]byte{3}, 100), 0); err != nil {
				return err
			}
		}
		for i := 0; i < 500; i += 3 {
			k := []byte(fmt.Sprintf("k%04d", i))
			if err := txn.Del(MainDBI, k, nil); err != nil {
				return err
			}
		}

		retired := txn.wr.retired.clone()
		retired.sort()
		for i := 2; i <= retired.len(); i++ {
			require.NotEqual(t, retired[i-1], retired[i], "retired has duplicates")
		}
		for _, loose := range txn.wr.loose {
			require.False(t, retired.contains(loose), "loose page %d also retired", loose)
		}
		return nil
	}))
}
