// Package benchmarks compares tern against libmdbx, bbolt and rocksdb
// on matching workloads. Run with -bench and plenty of patience.
package benchmarks

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	"github.com/tecbot/gorocksdb"
	bolt "go.etcd.io/bbolt"

	tern "github.com/terndb/tern"
)

const benchValSize = 128

func benchKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

var benchVal = make([]byte, benchValSize)

// ---------------- tern ----------------

func openTern(b *testing.B) *tern.Env {
	b.Helper()
	env, err := tern.NewEnv()
	if err != nil {
		b.Fatal(err)
	}
	if err := env.Open(b.TempDir(), 0, 0644); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(env.Close)
	return env
}

func BenchmarkSeqWrite(b *testing.B) {
	b.Run("tern", func(b *testing.B) {
		env := openTern(b)
		b.ResetTimer()
		i := 0
		for i < b.N {
			err := env.Update(func(txn *tern.Txn) error {
				for j := 0; j < 1000 && i < b.N; j++ {
					if err := txn.Put(tern.MainDBI, benchKey(i), benchVal, tern.Append); err != nil {
						return err
					}
					i++
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("mdbx", func(b *testing.B) {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
		if err != nil {
			b.Skipf("libmdbx unavailable: %v", err)
		}
		env.SetGeometry(-1, -1, 1<<30, -1, -1, 4096)
		if err := env.Open(b.TempDir(), mdbxgo.Create, 0644); err != nil {
			b.Skip(err)
		}
		defer env.Close()
		b.ResetTimer()
		i := 0
		for i < b.N {
			err := env.Update(func(txn *mdbxgo.Txn) error {
				dbi, err := txn.OpenRoot(0)
				if err != nil {
					return err
				}
				for j := 0; j < 1000 && i < b.N; j++ {
					if err := txn.Put(dbi, benchKey(i), benchVal, mdbxgo.Append); err != nil {
						return err
					}
					i++
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("bolt", func(b *testing.B) {
		db, err := bolt.Open(filepath.Join(b.TempDir(), "bolt.db"), 0644, nil)
		if err != nil {
			b.Fatal(err)
		}
		defer db.Close()
		b.ResetTimer()
		i := 0
		for i < b.N {
			err := db.Update(func(btx *bolt.Tx) error {
				bk, err := btx.CreateBucketIfNotExists([]byte("b"))
				if err != nil {
					return err
				}
				for j := 0; j < 1000 && i < b.N; j++ {
					if err := bk.Put(benchKey(i), benchVal); err != nil {
						return err
					}
					i++
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("rocksdb", func(b *testing.B) {
		opts := gorocksdb.NewDefaultOptions()
		opts.SetCreateIfMissing(true)
		db, err := gorocksdb.OpenDb(opts, filepath.Join(b.TempDir(), "rocks"))
		if err != nil {
			b.Skipf("rocksdb unavailable: %v", err)
		}
		defer db.Close()
		wo := gorocksdb.NewDefaultWriteOptions()
		wo.DisableWAL(true)
		defer wo.Destroy()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := db.Put(wo, benchKey(i), benchVal); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkRandRead(b *testing.B) {
	const size = 100_000

	b.Run("tern", func(b *testing.B) {
		env := openTern(b)
		err := env.Update(func(txn *tern.Txn) error {
			for i := 0; i < size; i++ {
				if err := txn.Put(tern.MainDBI, benchKey(i), benchVal, tern.Append); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		txn, err := env.BeginTxn(nil, tern.TxnReadOnly)
		if err != nil {
			b.Fatal(err)
		}
		defer txn.Abort()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := txn.Get(tern.MainDBI, benchKey(i%size)); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("bolt", func(b *testing.B) {
		db, err := bolt.Open(filepath.Join(b.TempDir(), "bolt.db"), 0644, nil)
		if err != nil {
			b.Fatal(err)
		}
		defer db.Close()
		err = db.Update(func(btx *bolt.Tx) error {
			bk, err := btx.CreateBucketIfNotExists([]byte("b"))
			if err != nil {
				return err
			}
			for i := 0; i < size; i++ {
				if err := bk.Put(benchKey(i), benchVal); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		btx, err := db.Begin(false)
		if err != nil {
			b.Fatal(err)
		}
		defer btx.Rollback()
		bk := btx.Bucket([]byte("b"))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if bk.Get(benchKey(i%size)) == nil {
				b.Fatal("missing key")
			}
		}
	})

	b.Run("rocksdb", func(b *testing.B) {
		opts := gorocksdb.NewDefaultOptions()
		opts.SetCreateIfMissing(true)
		db, err := gorocksdb.OpenDb(opts, filepath.Join(b.TempDir(), "rocks"))
		if err != nil {
			b.Skipf("rocksdb unavailable: %v", err)
		}
		defer db.Close()
		wo := gorocksdb.NewDefaultWriteOptions()
		wo.DisableWAL(true)
		for i := 0; i < size; i++ {
			if err := db.Put(wo, benchKey(i), benchVal); err != nil {
				b.Fatal(err)
			}
		}
		wo.Destroy()
		ro := gorocksdb.NewDefaultReadOptions()
		defer ro.Destroy()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			s, err := db.Get(ro, benchKey(i%size))
			if err != nil {
				b.Fatal(err)
			}
			s.Free()
		}
	})
}

func BenchmarkCursorScan(b *testing.B) {
	const size = 100_000

	b.Run("tern", func(b *testing.B) {
		env := openTern(b)
		err := env.Update(func(txn *tern.Txn) error {
			for i := 0; i < size; i++ {
				if err := txn.Put(tern.MainDBI, benchKey(i), benchVal, tern.Append); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			err := env.View(func(txn *tern.Txn) error {
				c, err := txn.OpenCursor(tern.MainDBI)
				if err != nil {
					return err
				}
				defer c.Close()
				n := 0
				for _, _, err := c.Get(nil, nil, tern.First); ; _, _, err = c.Get(nil, nil, tern.Next) {
					if tern.IsNotFound(err) {
						break
					}
					if err != nil {
						return err
					}
					n++
				}
				if n != size {
					b.Fatalf("scan saw %d entries", n)
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("bolt", func(b *testing.B) {
		db, err := bolt.Open(filepath.Join(b.TempDir(), "bolt.db"), 0644, nil)
		if err != nil {
			b.Fatal(err)
		}
		defer db.Close()
		err = db.Update(func(btx *bolt.Tx) error {
			bk, err := btx.CreateBucketIfNotExists([]byte("b"))
			if err != nil {
				return err
			}
			for i := 0; i < size; i++ {
				if err := bk.Put(benchKey(i), benchVal); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			err := db.View(func(btx *bolt.Tx) error {
				cur := btx.Bucket([]byte("b")).Cursor()
				n := 0
				for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
					n++
				}
				if n != size {
					return fmt.Errorf("scan saw %d entries", n)
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		}
	})
}
