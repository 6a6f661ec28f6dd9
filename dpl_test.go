package tern

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mkPage(pn pgno, span int) *page {
	p := &page{Data: make([]byte, 4096*span)}
	p.init(pn, pageLeaf, 4096)
	p.header().PageNo = pn
	return p
}

func TestDPLAppendSearch(t *testing.T) {
	var d dpl
	d.init()

	d.append(mkPage(10, 1), 10, 1, 1)
	d.append(mkPage(20, 1), 20, 1, 2)
	d.append(mkPage(15, 1), 15, 1, 3) // breaks the sorted prefix
	require.Equal(t, 3, d.len())
	require.Equal(t, 2, d.sorted)

	require.NotNil(t, d.get(15))
	require.NotNil(t, d.get(10))
	require.Nil(t, d.get(11))

	d.sortByPgno()
	require.Equal(t, 3, d.sorted)
	require.Equal(t, pgno(10), d.items[0].pn)
	require.Equal(t, pgno(15), d.items[1].pn)
	require.Equal(t, pgno(20), d.items[2].pn)
}

func TestDPLPagesIncludingLoose(t *testing.T) {
	var d dpl
	d.init()
	d.append(mkPage(5, 1), 5, 1, 1)
	d.append(mkPage(8, 4), 8, 4, 2) // large span
	require.Equal(t, 5, d.pagesIncludingLoose)

	e, ok := d.remove(8)
	require.True(t, ok)
	require.Equal(t, uint32(4), e.npages)
	require.Equal(t, 1, d.pagesIncludingLoose)
}

func TestDPLIntersect(t *testing.T) {
	var d dpl
	d.init()
	d.append(mkPage(10, 1), 10, 1, 1)
	d.append(mkPage(20, 4), 20, 4, 2) // covers 20..23
	d.sortByPgno()

	require.True(t, d.intersect(10, 1))
	require.False(t, d.intersect(11, 5))
	require.True(t, d.intersect(22, 1))
	require.True(t, d.intersect(18, 3))
	require.False(t, d.intersect(24, 2))
}

func TestDPLEvictionOrder(t *testing.T) {
	var d dpl
	d.init()
	d.append(mkPage(1, 1), 1, 1, 30)
	d.append(mkPage(2, 1), 2, 1, 10)
	d.append(mkPage(3, 1), 3, 1, 20)

	order := d.evictionOrder()
	require.Equal(t, []int{1, 2, 0}, order)

	d.lruReduce()
	require.Equal(t, uint32(15), d.items[0].lru)
	require.Equal(t, uint32(5), d.items[1].lru)
}

func TestDPLRemovePreservesIndex(t *testing.T) {
	var d dpl
	d.init()
	for pn := pgno(1); pn <= 50; pn++ {
		d.append(mkPage(pn, 1), pn, 1, uint32(pn))
	}
	for pn := pgno(2); pn <= 50; pn += 2 {
		_, ok := d.remove(pn)
		require.True(t, ok)
	}
	require.Equal(t, 25, d.len())
	for pn := pgno(1); pn <= 50; pn++ {
		if pn%2 == 1 {
			require.NotNil(t, d.get(pn), "pn=%d", pn)
		} else {
			require.Nil(t, d.get(pn), "pn=%d", pn)
		}
	}
}

func TestSpillThresholds(t *testing.T) {
	// Below the limit: both triggers stay negative.
	e, p := spillThresholds(100, 10, 12, 5)
	require.LessOrEqual(t, e, 0)
	require.LessOrEqual(t, p, 0)

	// A large pending allocation fires the page trigger.
	e, p = spillThresholds(100, 50, 90, 30)
	require.LessOrEqual(t, e, 0)
	require.Greater(t, p, 0)
}
