// Package fastmap provides a fast hash map from page numbers to slot
// indices. Uses fibonacci hashing for good distribution of the mostly
// sequential keys a B+tree allocator produces.
package fastmap

// PgnoMap maps a uint32 page number to an int slot index. Open
// addressing with linear probing; deletion uses backward-shift so no
// tombstones accumulate.
type PgnoMap struct {
	buckets []bucket
	count   int
	mask    uint32
}

type bucket struct {
	key   uint32
	value int
	used  bool // key 0 is a valid page number
}

// Fibonacci hash constant: 2^32 / golden ratio.
const fibHash32 = 2654435769

func (m *PgnoMap) hash(key uint32) uint32 {
	return key * fibHash32
}

// Get returns the index for key and whether it is present.
func (m *PgnoMap) Get(key uint32) (int, bool) {
	if len(m.buckets) == 0 {
		return 0, false
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return 0, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores or updates a key.
func (m *PgnoMap) Set(key uint32, value int) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key if present, backward-shifting the probe chain so
// later lookups stay correct.
func (m *PgnoMap) Delete(key uint32) {
	if len(m.buckets) == 0 {
		return
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if !b.used {
			return
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	m.count--
	hole := idx
	for {
		idx = (idx + 1) & m.mask
		b := &m.buckets[idx]
		if !b.used {
			break
		}
		home := m.hash(b.key) & m.mask
		// Shift back only entries displaced past the hole.
		if (idx-home)&m.mask >= (idx-hole)&m.mask {
			m.buckets[hole] = *b
			hole = idx
		}
	}
	m.buckets[hole] = bucket{}
}

func (m *PgnoMap) grow() {
	old := m.buckets
	m.buckets = make([]bucket, len(old)*2)
	m.mask = uint32(len(m.buckets) - 1)
	m.count = 0
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach calls fn for every entry.
func (m *PgnoMap) ForEach(fn func(uint32, int)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Clear removes every entry, keeping the backing array.
func (m *PgnoMap) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the entry count.
func (m *PgnoMap) Len() int {
	return m.count
}
