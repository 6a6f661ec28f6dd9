package tern_test

// Differential tests against cgo libmdbx: the same operation sequence
// runs on a tern environment and on a libmdbx one, and the full
// ordered scans of both must agree.

import (
	"bytes"
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	mdbx "github.com/erigontech/mdbx-go/mdbx"

	tern "github.com/terndb/tern"
)

type oraclePair struct {
	tern *tern.Env
	mdbx *mdbx.Env
}

func newOraclePair(t *testing.T) *oraclePair {
	t.Helper()

	te, err := tern.NewEnv()
	if err != nil {
		t.Fatal(err)
	}
	if err := te.Open(t.TempDir(), 0, 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(te.Close)

	me, err := mdbx.NewEnv(mdbx.Label("oracle"))
	if err != nil {
		t.Skipf("libmdbx unavailable: %v", err)
	}
	me.SetGeometry(-1, -1, 1<<30, -1, -1, 4096)
	if err := me.Open(t.TempDir(), mdbx.Create, 0644); err != nil {
		t.Skipf("libmdbx open failed: %v", err)
	}
	t.Cleanup(me.Close)

	return &oraclePair{tern: te, mdbx: me}
}

// apply runs one batch of mutations on both engines.
func (p *oraclePair) apply(t *testing.T, muts [][3][]byte) {
	t.Helper()

	err := p.tern.Update(func(txn *tern.Txn) error {
		for _, m := range muts {
			op, k, v := m[0], m[1], m[2]
			switch string(op) {
			case "put":
				if err := txn.Put(tern.MainDBI, k, v, 0); err != nil {
					return err
				}
			case "del":
				if err := txn.Del(tern.MainDBI, k, nil); err != nil && !tern.IsNotFound(err) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tern batch: %v", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	err = p.mdbx.Update(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		for _, m := range muts {
			op, k, v := m[0], m[1], m[2]
			switch string(op) {
			case "put":
				if err := txn.Put(dbi, k, v, 0); err != nil {
					return err
				}
			case "del":
				if err := txn.Del(dbi, k, nil); err != nil && !mdbx.IsNotFound(err) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mdbx batch: %v", err)
	}
}

// compare checks that full ordered scans agree.
func (p *oraclePair) compare(t *testing.T) {
	t.Helper()

	var ternScan [][2][]byte
	err := p.tern.View(func(txn *tern.Txn) error {
		c, err := txn.OpenCursor(tern.MainDBI)
		if err != nil {
			return err
		}
		defer c.Close()
		for k, v, err := c.Get(nil, nil, tern.First); ; k, v, err = c.Get(nil, nil, tern.Next) {
			if tern.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			ternScan = append(ternScan, [2][]byte{
				append([]byte(nil), k...), append([]byte(nil), v...)})
		}
	})
	if err != nil {
		t.Fatalf("tern scan: %v", err)
	}

	var mdbxScan [][2][]byte
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	err = p.mdbx.View(func(txn *mdbx.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		c, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer c.Close()
		for k, v, err := c.Get(nil, nil, mdbx.First); ; k, v, err = c.Get(nil, nil, mdbx.Next) {
			if mdbx.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			mdbxScan = append(mdbxScan, [2][]byte{
				append([]byte(nil), k...), append([]byte(nil), v...)})
		}
	})
	if err != nil {
		t.Fatalf("mdbx scan: %v", err)
	}

	if len(ternScan) != len(mdbxScan) {
		t.Fatalf("scan length diverged: tern %d, mdbx %d", len(ternScan), len(mdbxScan))
	}
	for i := range ternScan {
		if !bytes.Equal(ternScan[i][0], mdbxScan[i][0]) || !bytes.Equal(ternScan[i][1], mdbxScan[i][1]) {
			t.Fatalf("pair %d diverged: tern (%q,%q) mdbx (%q,%q)", i,
				ternScan[i][0], ternScan[i][1], mdbxScan[i][0], mdbxScan[i][1])
		}
	}
}

func TestOracleSequential(t *testing.T) {
	p := newOraclePair(t)

	var muts [][3][]byte
	for i := 0; i < 500; i++ {
		muts = append(muts, [3][]byte{
			[]byte("put"),
			[]byte(fmt.Sprintf("key-%05d", i)),
			[]byte(fmt.Sprintf("val-%05d", i)),
		})
	}
	p.apply(t, muts)
	p.compare(t)
}

func TestOracleRandomizedChurn(t *testing.T) {
	p := newOraclePair(t)
	rng := rand.New(rand.NewSource(1337))

	for round := 0; round < 10; round++ {
		var muts [][3][]byte
		for i := 0; i < 200; i++ {
			k := []byte(fmt.Sprintf("k%04d", rng.Intn(800)))
			if rng.Intn(3) == 0 {
				muts = append(muts, [3][]byte{[]byte("del"), k, nil})
			} else {
				v := make([]byte, rng.Intn(200)+1)
				rng.Read(v)
				muts = append(muts, [3][]byte{[]byte("put"), k, v})
			}
		}
		p.apply(t, muts)
		p.compare(t)
	}
}

func TestOracleLargeValues(t *testing.T) {
	p := newOraclePair(t)
	rng := rand.New(rand.NewSource(99))

	var muts [][3][]byte
	for i := 0; i < 20; i++ {
		v := make([]byte, rng.Intn(100000)+1000)
		rng.Read(v)
		muts = append(muts, [3][]byte{
			[]byte("put"),
			[]byte(fmt.Sprintf("large-%02d", i)),
			v,
		})
	}
	p.apply(t, muts)
	p.compare(t)
}
