// Package tern is an embeddable, transactional, memory-mapped ordered
// key-value storage engine in the LMDB/MDBX family. It keeps MDBX's
// on-disk layout, so databases written by tern can be read by libmdbx
// and vice versa.
//
// Key properties:
//   - Copy-on-write B+tree with MVCC snapshots
//   - Single writer, many concurrent readers across threads and
//     processes
//   - Three rotating meta pages with steady/weak durability signatures
//   - Internal garbage collector recycling retired pages
//   - Sorted duplicates per key (DupSort/DupFixed), nested write
//     transactions, online growth and shrink of the data file
//
// Basic usage:
//
//	env, err := tern.NewEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	if err := env.Open("/path/to/db", 0, 0644); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = env.Update(func(txn *tern.Txn) error {
//	    dbi, err := txn.OpenDBISimple("", 0)
//	    if err != nil {
//	        return err
//	    }
//	    return txn.Put(dbi, []byte("key"), []byte("value"), 0)
//	})
package tern
