package tern

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario S3: a snapshot begun before two commits keeps seeing the
// pre-commit state, and its published accounting does not move.
func TestSnapshotIsolation(t *testing.T) {
	env := openTestEnv(t, 0)

	reader, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)

	usedBefore := atomic.LoadUint32(&reader.readerSlot.snapshotPagesUsed)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v1"), 0)
	}))
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v2"), 0)
	}))

	_, err = reader.Get(MainDBI, []byte("k"))
	require.True(t, IsNotFound(err), "snapshot predates both writes")
	require.Equal(t, usedBefore, atomic.LoadUint32(&reader.readerSlot.snapshotPagesUsed))
	reader.Abort()

	// A fresh snapshot sees the latest commit.
	require.NoError(t, env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("k"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("v2"), v)
		return nil
	}))
}

func TestOldestReaderHorizon(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("seed"), []byte("v"), 0)
	}))

	r1, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)

	oldest := env.lockFile.oldestReader()
	require.Equal(t, uint64(r1.txnID), oldest)

	// Parking releases the constraint without freeing the slot.
	require.NoError(t, r1.Park(false))
	oldest = env.lockFile.oldestReader()
	require.Equal(t, ^uint64(0), oldest)

	require.NoError(t, r1.Unpark(false))
	oldest = env.lockFile.oldestReader()
	require.Equal(t, uint64(r1.txnID), oldest)

	r1.Abort()
}

func TestParkOustUnpark(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("seed"), []byte("v"), 0)
	}))

	r, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	require.NoError(t, r.Park(false))

	// The writer's laggard kick ousts the parked snapshot.
	require.True(t, env.lockFile.kickLaggards(uint64(r.txnID)))

	err = r.Unpark(false)
	require.Equal(t, ErrOusted, Code(err))
	r.Abort()
}

func TestReaderRegistryRecycling(t *testing.T) {
	env := openTestEnv(t, 0)

	var txns []*Txn
	for i := 0; i < 10; i++ {
		txn, err := env.BeginTxn(nil, TxnReadOnly)
		require.NoError(t, err)
		txns = append(txns, txn)
	}
	require.Equal(t, 10, env.lockFile.numActiveReaders())

	for _, txn := range txns {
		txn.Abort()
	}
	require.Equal(t, 0, env.lockFile.numActiveReaders())

	// Released slots recycle through the freelist.
	txn, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	require.Equal(t, 1, env.lockFile.numActiveReaders())
	txn.Abort()
}

func TestResetRenew(t *testing.T) {
	env := openTestEnv(t, 0)

	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v1"), 0)
	}))

	r, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	first := r.ID()

	r.Reset()
	require.NoError(t, env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v2"), 0)
	}))
	require.NoError(t, r.Renew())
	require.Greater(t, r.ID(), first)

	v, err := r.Get(MainDBI, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	r.Abort()
}

// GC reuse: pages freed by one commit and no longer visible to any
// reader are recycled instead of growing the file without bound.
func TestGCRecyclesPages(t *testing.T) {
	env := openTestEnv(t, 0)

	churn := func() {
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 200; i++ {
				k := []byte(fmt.Sprintf("churn-%03d", i))
				if err := txn.Put(MainDBI, k, make([]byte, 128), 0); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, env.Update(func(txn *Txn) error {
			for i := 0; i < 200; i++ {
				k := []byte(fmt.Sprintf("churn-%03d", i))
				if err := txn.Del(MainDBI, k, nil); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	churn()
	afterFirst := env.currentTroika().head().Geometry.FirstUnallocated

	for i := 0; i < 10; i++ {
		churn()
	}
	afterMany := env.currentTroika().head().Geometry.FirstUnallocated

	// With reclamation working the file grows sublinearly in rounds.
	require.Less(t, uint64(afterMany), uint64(afterFirst)*4)
}

func TestHSRCallbackInvoked(t *testing.T) {
	env := openTestEnv(t, 0)

	called := 0
	env.SetHSR(func(e *Env, laggard uint64, pid uint32, tid uint64, gap uint64, retry int) int {
		called++
		return -1
	})

	r, err := env.BeginTxn(nil, TxnReadOnly)
	require.NoError(t, err)
	defer r.Abort()

	env.kickLaggards(uint64(r.txnID))
	require.Equal(t, 1, called)
}
