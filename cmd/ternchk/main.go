// ternchk validates and inspects tern database files: it taps the
// meta troika, walks the trees, and prints statistics, in the spirit
// of mdbx_chk / mdbx_stat.
package main

import (
	"fmt"
	"os"

	"github.com/integrii/flaggy"
	"github.com/sirupsen/logrus"

	tern "github.com/terndb/tern"
)

var log = logrus.New()

func main() {
	flaggy.SetName("ternchk")
	flaggy.SetDescription("check and inspect a tern database")

	var (
		path     string
		noSubdir bool
		verbose  bool
		readers  bool
		copyTo   string
		compact  bool
	)

	flaggy.AddPositionalValue(&path, "path", 1, true, "database path")
	flaggy.Bool(&noSubdir, "n", "nosubdir", "path is the data file, not a directory")
	flaggy.Bool(&verbose, "v", "verbose", "verbose output")
	flaggy.Bool(&readers, "r", "readers", "list reader slots")
	flaggy.String(&copyTo, "c", "copy", "copy the database to the given path")
	flaggy.Bool(&compact, "k", "compact", "compact while copying (with --copy)")
	flaggy.Parse()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	env, err := tern.NewEnv()
	if err != nil {
		log.Fatal(err)
	}
	defer env.Close()

	env.SetLogger(tern.LogLvlDebug, func(lvl tern.LogLvl, msg string) {
		if lvl <= tern.LogLvlWarn {
			log.Warn(msg)
		} else {
			log.Debug(msg)
		}
	})

	flags := tern.ReadOnly
	if noSubdir {
		flags |= tern.NoSubdir
	}
	if err := env.Open(path, flags, 0644); err != nil {
		log.Fatalf("open: %v", err)
	}

	info, err := env.Info(nil)
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	stat, err := env.Stat()
	if err != nil {
		log.Fatalf("stat: %v", err)
	}

	fmt.Printf("pagesize: %d\n", info.PageSize)
	fmt.Printf("recent txnid: %d\n", info.RecentTxnID)
	fmt.Printf("last pgno: %d\n", info.LastPgNo)
	fmt.Printf("geometry: lower %d, current %d, upper %d bytes\n",
		info.Geo.Lower, info.Geo.Current, info.Geo.Upper)
	fmt.Printf("main tree: depth %d, entries %d, branch %d, leaf %d, large %d\n",
		stat.Depth, stat.Entries, stat.BranchPages, stat.LeafPages, stat.LargePages)

	if err := checkTrees(env); err != nil {
		log.Fatalf("check: %v", err)
	}
	log.Info("tree walk passed")

	if readers {
		err := env.ReaderList(func(ri tern.ReaderInfo) error {
			fmt.Printf("slot %3d: pid %d txnid %d used %d bytes\n",
				ri.Slot, ri.PID, ri.TxnID, ri.Bytes)
			return nil
		})
		if err != nil {
			log.Fatalf("readers: %v", err)
		}
	}

	if copyTo != "" {
		copyFlags := tern.CopyDefaults
		if compact {
			copyFlags = tern.CopyCompact
		}
		if err := env.Copy(copyTo, copyFlags); err != nil {
			log.Fatalf("copy: %v", err)
		}
		log.Infof("copied to %s", copyTo)
	}
}

// checkTrees walks every tree sequentially and verifies key order. The
// walked entry count is logged beside the descriptor's count; the two
// are not compared.
func checkTrees(env *tern.Env) error {
	return env.View(func(txn *tern.Txn) error {
		if err := walkDBI(txn, tern.MainDBI, "(main)"); err != nil {
			return err
		}
		names, err := txn.ListDBI()
		if err != nil {
			return err
		}
		for _, name := range names {
			dbi, err := txn.OpenDBISimple(name, 0)
			if err != nil {
				return err
			}
			if err := walkDBI(txn, dbi, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func walkDBI(txn *tern.Txn, dbi tern.DBI, name string) error {
	st, err := txn.Stat(dbi)
	if err != nil {
		return err
	}
	c, err := txn.OpenCursor(dbi)
	if err != nil {
		return err
	}
	defer c.Close()

	var count uint64
	var prev []byte
	for k, _, err := c.Get(nil, nil, tern.First); ; k, _, err = c.Get(nil, nil, tern.Next) {
		if err != nil {
			if tern.IsNotFound(err) {
				break
			}
			return err
		}
		if prev != nil && txn.Cmp(dbi, prev, k) > 0 {
			return fmt.Errorf("%s: keys out of order at entry %d", name, count)
		}
		prev = append(prev[:0], k...)
		count++
	}
	log.Debugf("%s: %d entries walked (descriptor says %d)", name, count, st.Entries)
	return nil
}
