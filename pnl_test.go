package tern

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPNLAppendSort(t *testing.T) {
	pl := pnlAlloc(0)
	require.True(t, pl.empty())

	for _, pn := range []pgno{9, 3, 7, 5, 11} {
		pl.append(pn)
	}
	require.Equal(t, 5, pl.len())
	require.False(t, pl.sorted())

	pl.sort()
	require.True(t, pl.sorted())
	require.Equal(t, pgno(3), pl.least())
	require.Equal(t, pgno(11), pl.most())
}

func TestPNLSearchContains(t *testing.T) {
	pl := pnlAlloc(0)
	for pn := pgno(10); pn <= 100; pn += 10 {
		pl.append(pn)
	}
	pl.sort()

	require.True(t, pl.contains(50))
	require.False(t, pl.contains(55))
	require.Equal(t, 1, pl.search(5))
	require.Equal(t, 5, pl.search(50))
	require.Equal(t, 11, pl.search(101))
}

func TestPNLInsertDedup(t *testing.T) {
	pl := pnlAlloc(0)
	pl.insert(5)
	pl.insert(3)
	pl.insert(5)
	pl.insert(8)
	require.Equal(t, 3, pl.len())
	require.Equal(t, []pgno{3, 5, 8}, pl.all())
}

func TestPNLExtractSpan(t *testing.T) {
	pl := pnlAlloc(0)
	for _, pn := range []pgno{4, 5, 6, 9, 10, 11, 12, 20} {
		pl.append(pn)
	}
	pl.sort()

	start, ok := pl.extractSpan(4)
	require.True(t, ok)
	require.Equal(t, pgno(9), start)
	require.Equal(t, []pgno{4, 5, 6, 20}, pl.all())

	start, ok = pl.extractSpan(3)
	require.True(t, ok)
	require.Equal(t, pgno(4), start)

	_, ok = pl.extractSpan(2)
	require.False(t, ok)

	start, ok = pl.extractSpan(1)
	require.True(t, ok)
	require.Equal(t, pgno(20), start)
	require.True(t, pl.empty())
}

func TestPNLMergeClone(t *testing.T) {
	a := pnlAlloc(0)
	b := pnlAlloc(0)
	for _, pn := range []pgno{1, 3, 5} {
		a.append(pn)
	}
	for _, pn := range []pgno{2, 3, 6} {
		b.append(pn)
	}
	a.sort()
	b.sort()

	a.merge(b)
	require.Equal(t, []pgno{1, 2, 3, 5, 6}, a.all())

	c := a.clone()
	c.insert(7)
	require.Equal(t, 5, a.len())
	require.Equal(t, 6, c.len())
}

func TestPNLGrowth(t *testing.T) {
	pl := pnlAlloc(0)
	const n = 5000
	perm := rand.New(rand.NewSource(1)).Perm(n)
	for _, v := range perm {
		pl.append(pgno(v) + 1)
	}
	pl.sort()
	require.Equal(t, n, pl.len())
	require.True(t, pl.sorted())
	for i := 1; i <= n; i++ {
		require.True(t, pl.contains(pgno(i)))
	}
}

func TestSpillListTombstones(t *testing.T) {
	var s spillList
	s.init()
	require.True(t, s.empty())

	s.push(7)
	s.push(3)
	s.push(12)
	require.Equal(t, 3, s.live())
	require.True(t, s.contains(7))
	require.False(t, s.contains(8))

	// Unspill leaves a lazy tombstone.
	require.True(t, s.unspill(7))
	require.False(t, s.contains(7))
	require.False(t, s.unspill(7))
	require.Equal(t, 2, s.live())

	var seen []pgno
	require.NoError(t, s.forEachLive(func(pn pgno) error {
		seen = append(seen, pn)
		return nil
	}))
	require.Equal(t, []pgno{3, 12}, seen)
}
