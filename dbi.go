package tern

// DBI is a handle into the environment's tree table. Handles 0 and 1
// (FreeDBI, MainDBI) always exist and are never dropped.
type DBI uint32

// dbiState bits carried per-txn.
const (
	// dbiStateDirty: the tree descriptor changed and must be written
	// back into the main tree at commit.
	dbiStateDirty uint8 = 0x01
)

// OpenDBISimple opens a named tree with the default comparators.
func (txn *Txn) OpenDBISimple(name string, flags uint) (DBI, error) {
	return txn.OpenDBI(name, flags, nil, nil)
}

// OpenDBI opens (or with Create, creates) the named tree. cmp orders
// keys, dcmp orders duplicate values; nil selects the comparator the
// tree flags dictate.
func (txn *Txn) OpenDBI(name string, flags uint, cmp, dcmp CmpFunc) (DBI, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if name == "" {
		return MainDBI, nil
	}
	return txn.openNamedDBI(name, flags, cmp, dcmp)
}

// CreateDBI opens a named tree, creating it when absent.
func (txn *Txn) CreateDBI(name string) (DBI, error) {
	return txn.OpenDBISimple(name, Create)
}

// OpenRoot returns the main tree handle.
func (txn *Txn) OpenRoot(flags uint) (DBI, error) {
	return MainDBI, nil
}

func (txn *Txn) openNamedDBI(name string, flags uint, cmp, dcmp CmpFunc) (DBI, error) {
	env := txn.env

	// An already-registered handle is reused; the tree schema must
	// agree with the requested flags. A snapshot transaction still
	// re-reads the descriptor from its own main tree: the cached one
	// may belong to a later commit.
	env.dbisMu.RLock()
	existing := -1
	for i := CoreDBs; i < len(env.dbis); i++ {
		if env.dbis[i] != nil && env.dbis[i].name == name {
			info := env.dbis[i]
			if flags&^Create != 0 && uint16(flags&0xFFFF) != info.tree.Flags {
				env.dbisMu.RUnlock()
				return 0, NewError(ErrIncompatible)
			}
			if !txn.IsReadOnly() {
				txn.trees[i] = *info.tree
				txn.dbiSeqs[i] = info.seq
				env.dbisMu.RUnlock()
				return DBI(i), nil
			}
			existing = i
			txn.dbiSeqs[i] = info.seq
			break
		}
	}
	env.dbisMu.RUnlock()

	if existing >= 0 {
		c, err := txn.OpenCursor(MainDBI)
		if err != nil {
			return 0, err
		}
		_, desc, err := c.Get([]byte(name), nil, Set)
		c.Close()
		if err != nil {
			if IsNotFound(err) {
				return 0, ErrNotFoundError
			}
			return 0, err
		}
		if len(desc) < treeSize {
			return 0, ErrCorruptedError
		}
		txn.trees[existing] = parseTree(desc)
		return DBI(existing), nil
	}

	// Look the name up in the main tree.
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	_, desc, err := c.Get([]byte(name), nil, Set)
	switch {
	case err == nil:
		if len(desc) < treeSize {
			return 0, ErrCorruptedError
		}
		if nodeGetFlagsRaw(c.leaf().Data, c.leafIdx())&nodeTree == 0 {
			return 0, NewError(ErrIncompatible)
		}
		t := parseTree(desc)
		if flags&^Create != 0 && uint16(flags&0xFFFF) != t.Flags {
			return 0, NewError(ErrIncompatible)
		}
		return env.registerDBI(txn, name, uint(t.Flags), &t, cmp, dcmp)

	case IsNotFound(err):
		if flags&Create == 0 {
			return 0, ErrNotFoundError
		}
		if txn.IsReadOnly() {
			return 0, ErrBadTxnError
		}
		t := tree{
			Flags:    uint16(flags & 0xFFFF),
			Root:     invalidPgno,
			ModTxnid: txn.txnID,
		}
		var descBuf [treeSize]byte
		serializeTree(&t, descBuf[:])
		if err := c.putTreeDescriptor([]byte(name), descBuf[:]); err != nil {
			return 0, err
		}
		dbi, err := env.registerDBI(txn, name, flags, &t, cmp, dcmp)
		if err == nil {
			txn.markDBIDirty(dbi)
		}
		return dbi, err

	default:
		return 0, err
	}
}

// registerDBI installs the named tree into a free env slot and mirrors
// its descriptor into the txn.
func (e *Env) registerDBI(txn *Txn, name string, flags uint, t *tree, cmp, dcmp CmpFunc) (DBI, error) {
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()

	if e.dbis == nil {
		e.dbis = make([]*dbiInfo, e.maxDBs)
	}
	// Recheck: another goroutine may have registered meanwhile.
	for i := CoreDBs; i < len(e.dbis); i++ {
		if e.dbis[i] != nil && e.dbis[i].name == name {
			txn.trees[i] = *e.dbis[i].tree
			txn.dbiSeqs[i] = e.dbis[i].seq
			return DBI(i), nil
		}
	}
	for i := CoreDBs; i < int(e.maxDBs) && i < len(e.dbis); i++ {
		if e.dbis[i] == nil {
			tc := *t
			e.dbis[i] = &dbiInfo{
				name:  name,
				flags: flags,
				tree:  &tc,
				cmp:   cmp,
				dcmp:  dcmp,
			}
			if i < len(txn.trees) {
				txn.trees[i] = tc
				txn.dbiSeqs[i] = 0
			}
			return DBI(i), nil
		}
	}
	return 0, NewError(ErrDBsFull)
}

// CloseDBI forgets a named handle at the environment level.
func (e *Env) CloseDBI(dbi DBI) {
	if int(dbi) < CoreDBs {
		return
	}
	e.dbisMu.Lock()
	defer e.dbisMu.Unlock()
	if int(dbi) < len(e.dbis) {
		e.dbis[dbi] = nil
	}
}

// DBIFlags returns the schema flags of dbi.
func (txn *Txn) DBIFlags(dbi DBI) (uint, error) {
	if err := txn.usable(); err != nil {
		return 0, err
	}
	if int(dbi) >= len(txn.trees) {
		return 0, ErrBadDBIError
	}
	return uint(txn.trees[dbi].Flags), nil
}

// Drop empties dbi; with del the tree is also unregistered and its
// name removed from the main tree. Every page of the tree joins the
// retired set.
func (txn *Txn) Drop(dbi DBI, del bool) error {
	if err := txn.usable(); err != nil {
		return err
	}
	if txn.IsReadOnly() {
		return ErrBadTxnError
	}
	if int(dbi) < CoreDBs {
		return ErrInvalidError
	}
	if int(dbi) >= len(txn.trees) {
		return ErrBadDBIError
	}

	t := &txn.trees[dbi]
	if err := txn.retireWholeTree(t); err != nil {
		return err
	}
	t.reset()
	t.ModTxnid = txn.txnID
	txn.markDBIDirty(dbi)

	if del {
		name := txn.env.dbiName(dbi)
		if name != "" {
			c, err := txn.OpenCursor(MainDBI)
			if err != nil {
				return err
			}
			if _, _, err := c.Get([]byte(name), nil, Set); err == nil {
				if err := c.Del(0); err != nil {
					c.Close()
					return err
				}
			}
			c.Close()
		}
		txn.env.dbisMu.Lock()
		if int(dbi) < len(txn.env.dbis) && txn.env.dbis[dbi] != nil {
			txn.env.dbis[dbi].seq++
			txn.env.dbis[dbi] = nil
		}
		txn.env.dbisMu.Unlock()
		txn.dbiState[dbi] = 0
	}
	return nil
}

// retireWholeTree walks every page of a tree (including nested
// duplicate trees and large chains) into the retired set.
func (txn *Txn) retireWholeTree(t *tree) error {
	if t.Root == invalidPgno {
		return nil
	}
	ps := int(txn.env.pageSize)

	var walk func(pn pgno) error
	walk = func(pn pgno) error {
		data, err := txn.getPageData(pn)
		if err != nil {
			return err
		}
		p := &page{Data: data}
		if p.isBranch() {
			for i := 0; i < p.numEntries(); i++ {
				if err := walk(nodeGetChildPgnoRaw(data, i)); err != nil {
					return err
				}
			}
		} else if p.isLeaf() && !p.isDupfix() {
			for i := 0; i < p.numEntries(); i++ {
				nflags := nodeGetFlagsRaw(data, i)
				if nflags&nodeBig != 0 {
					size := nodeGetDataSizeRaw(data, i)
					chain := nodeGetLargePgnoRaw(data, i)
					span := largechunkNpages(ps, int(size))
					created, err := txn.chainCreator(chain)
					if err != nil {
						return err
					}
					txn.retirePage(chain, uint32(span), created)
				} else if nflags&(nodeDup|nodeTree) == nodeDup|nodeTree {
					sub := nodeGetDataRaw(data, i)
					if len(sub) >= treeSize {
						nested := parseTree(sub)
						if err := txn.retireSubtree(&nested, nil); err != nil {
							return err
						}
					}
				}
			}
		}
		txn.retirePage(pn, 1, p.header().Txnid)
		return nil
	}
	return walk(t.Root)
}

// ListDBI returns the names stored in the main tree.
func (txn *Txn) ListDBI() ([]string, error) {
	if err := txn.usable(); err != nil {
		return nil, err
	}
	c, err := txn.OpenCursor(MainDBI)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var names []string
	for k, _, err := c.Get(nil, nil, First); ; k, _, err = c.Get(nil, nil, Next) {
		if err != nil {
			if IsNotFound(err) {
				break
			}
			return nil, err
		}
		if nodeGetFlagsRaw(c.leaf().Data, c.leafIdx())&nodeTree != 0 {
			names = append(names, string(k))
		}
	}
	return names, nil
}
