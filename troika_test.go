package tern

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// buildMetaPage renders a meta body with the given txnid/steadiness
// into a pagesize buffer and returns the body slice metaTap expects.
func buildMetaPage(t *testing.T, tid txnid, steady bool, bootID [16]byte) []byte {
	t.Helper()
	buf := make([]byte, DefaultPageSize)
	m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
	initMeta(m, DefaultPageSize, tid, bootID, [16]byte{1})
	if steady {
		m.setSignSteady()
	} else {
		m.setSignWeak()
	}
	return buf[pageHeaderSize:]
}

func TestTroikaElection(t *testing.T) {
	var boot [16]byte
	pages := [NumMetas][]byte{
		buildMetaPage(t, 5, true, boot),
		buildMetaPage(t, 7, true, boot),
		buildMetaPage(t, 6, true, boot),
	}
	tk, err := metaTap(pages)
	require.NoError(t, err)

	require.Equal(t, 1, tk.recent)
	require.Equal(t, 1, tk.preferSteady)
	require.Equal(t, 0, tk.tail) // lowest txnid, holding no role
	require.True(t, tk.headIsSteady())
	// P4: exactly one recent, one tail, recent >= tail.
	require.NotEqual(t, tk.recent, tk.tail)
	require.GreaterOrEqual(t, tk.txnids[tk.recent], tk.txnids[tk.tail])
}

func TestTroikaWeakHead(t *testing.T) {
	var boot [16]byte
	pages := [NumMetas][]byte{
		buildMetaPage(t, 5, true, boot),
		buildMetaPage(t, 7, false, boot), // weak head
		buildMetaPage(t, 4, true, boot),
	}
	tk, err := metaTap(pages)
	require.NoError(t, err)

	require.Equal(t, 1, tk.recent)
	require.False(t, tk.headIsSteady())
	require.Equal(t, 0, tk.preferSteady)
	require.Equal(t, 2, tk.tail)
}

func TestTroikaTornMetaIgnored(t *testing.T) {
	var boot [16]byte
	torn := buildMetaPage(t, 9, true, boot)
	// Break the txnid bracket: payload cut short by a crash.
	m := (*meta)(unsafe.Pointer(&torn[0]))
	m.setTxnidB(3)

	pages := [NumMetas][]byte{
		buildMetaPage(t, 5, true, boot),
		torn,
		buildMetaPage(t, 6, true, boot),
	}
	tk, err := metaTap(pages)
	require.NoError(t, err)
	require.Equal(t, 2, tk.recent)
	require.Equal(t, 1, tk.tail) // the torn slot is the overwrite target
}

func TestTroikaRecoveryBootID(t *testing.T) {
	boot := [16]byte{0xAA, 0xBB}
	other := [16]byte{0x01, 0x02}

	pages := [NumMetas][]byte{
		buildMetaPage(t, 5, true, boot),
		buildMetaPage(t, 7, false, boot),
		buildMetaPage(t, 4, true, boot),
	}
	tk, err := metaTap(pages)
	require.NoError(t, err)

	// Same boot: the weak head was written in this OS lifetime and is
	// an acceptable recovery target.
	m := tk.recoveryHead(boot)
	require.Equal(t, txnid(7), m.txnID())

	// Different boot: recovery rolls back to the newest steady meta.
	m = tk.recoveryHead(other)
	require.Equal(t, txnid(5), m.txnID())
}

func TestMetaSteadySign(t *testing.T) {
	var boot [16]byte
	body := buildMetaPage(t, 3, true, boot)
	m := (*meta)(unsafe.Pointer(&body[0]))
	require.True(t, m.isSteady())

	sign := m.sign()
	require.Greater(t, sign, datasignWeak)
	// The checksum is stable while the body is unchanged.
	require.Equal(t, sign, m.steadySign())

	m.Canary.X = 42
	require.NotEqual(t, sign, m.steadySign())

	m.setSignWeak()
	require.True(t, m.isWeak())
}
