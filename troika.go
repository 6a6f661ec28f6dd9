package tern

// troika captures one consistent observation of the three meta pages:
// which slot is head (highest txnid), which is the preferred steady
// recovery target, and which is the tail that the next commit will
// overwrite. Exactly one slot plays each role; head and prefer-steady
// may coincide.
type troika struct {
	metas  [NumMetas]*meta
	txnids [NumMetas]txnid
	steady uint8 // bitmask of slots whose sign passes the steady bar
	valid  uint8 // bitmask of slots that parsed and were not torn

	recent       int // head: the slot with the highest txnid
	preferSteady int // newest steady slot, or recent when none is steady
	tail         int // the slot the next commit overwrites
}

// metaTap reads the three meta slots out of the mapped file and
// elects the roles. Torn or invalid slots keep their stale payload out
// of the election but still occupy a position in the rotation.
func metaTap(pages [NumMetas][]byte) (*troika, error) {
	tk := &troika{recent: -1, preferSteady: -1, tail: -1}

	for i := 0; i < NumMetas; i++ {
		m, err := readMetaBody(pages[i])
		if err != nil {
			continue
		}
		if err := m.validate(); err != nil {
			continue
		}
		tk.metas[i] = m
		tk.txnids[i] = m.txnID()
		tk.valid |= 1 << i
		if m.isSteady() {
			tk.steady |= 1 << i
		}
	}

	if tk.valid == 0 {
		return nil, errMetaNoValid
	}
	tk.elect()
	return tk, nil
}

// elect derives (recent, preferSteady, tail) from txnids and the
// steady mask. The pairwise comparisons mirror the branchless FSM of
// the original; the slot count is three, so a direct scan is already
// the whole table.
func (tk *troika) elect() {
	recent, preferSteady := -1, -1
	var recentID, steadyID txnid

	for i := 0; i < NumMetas; i++ {
		if tk.valid&(1<<i) == 0 {
			continue
		}
		id := tk.txnids[i]
		if recent == -1 || id > recentID {
			recent, recentID = i, id
		}
		if tk.steady&(1<<i) != 0 && (preferSteady == -1 || id > steadyID) {
			preferSteady, steadyID = i, id
		}
	}

	if preferSteady == -1 {
		preferSteady = recent
	}

	// The tail is the lowest-ranked slot that holds neither the head
	// role nor the preferred-steady role; invalid slots rank below
	// every valid one and are the most attractive overwrite target.
	tail := -1
	tailID := txnid(InvalidTxnID)
	for i := 0; i < NumMetas; i++ {
		if i == recent || i == preferSteady {
			continue
		}
		id := txnid(0)
		if tk.valid&(1<<i) != 0 {
			id = tk.txnids[i] + 1
		}
		if tail == -1 || id < tailID {
			tail, tailID = i, id
		}
	}

	tk.recent = recent
	tk.preferSteady = preferSteady
	tk.tail = tail
}

// head returns the meta with the highest txnid.
func (tk *troika) head() *meta {
	if tk.recent < 0 {
		return nil
	}
	return tk.metas[tk.recent]
}

// steadyMeta returns the preferred steady meta (the recovery target).
func (tk *troika) steadyMeta() *meta {
	if tk.preferSteady < 0 {
		return nil
	}
	return tk.metas[tk.preferSteady]
}

// tailSlot returns the slot index the next commit writes to.
func (tk *troika) tailSlot() int {
	return tk.tail
}

// headIsSteady reports whether the head itself passes the steady bar.
func (tk *troika) headIsSteady() bool {
	return tk.recent >= 0 && tk.steady&(1<<tk.recent) != 0
}

// shouldRetry compares two taps taken while racing a concurrent
// writer; a changed head txnid means the observation is unstable and
// the reader must re-tap.
func (tk *troika) shouldRetry(other *troika) bool {
	if tk.recent != other.recent {
		return true
	}
	return tk.txnids[tk.recent] != other.txnids[other.recent]
}

// recoveryHead selects the meta recovery rolls forward to: the newest
// steady meta, except that a weak head whose bootid matches the
// current system boot was written in this same OS lifetime and is
// therefore as trustworthy as a steady one.
func (tk *troika) recoveryHead(bootID [16]byte) *meta {
	h := tk.head()
	if h == nil {
		return nil
	}
	if tk.headIsSteady() {
		return h
	}
	if h.BootID == bootID {
		return h
	}
	s := tk.steadyMeta()
	if s != nil && s.isSteady() {
		return s
	}
	return h
}
