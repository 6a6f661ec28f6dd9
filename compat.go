package tern

// TxnOp is the callback type of View, Update and RunTxn.
type TxnOp func(txn *Txn) error

// Geometry bundles the SetGeometry parameters.
type Geometry struct {
	SizeLower       int64
	SizeNow         int64
	SizeUpper       int64
	GrowthStep      int64
	ShrinkThreshold int64
	PageSize        int
}

// SetGeometryStruct applies a Geometry bundle.
func (e *Env) SetGeometryStruct(g Geometry) error {
	return e.SetGeometry(g.SizeLower, g.SizeNow, g.SizeUpper, g.GrowthStep, g.ShrinkThreshold, g.PageSize)
}

// View runs fn inside a read-only transaction.
func (e *Env) View(fn TxnOp) error {
	return e.RunTxn(TxnReadOnly, fn)
}

// Update runs fn inside a write transaction, committing on nil and
// aborting on error.
func (e *Env) Update(fn TxnOp) error {
	return e.RunTxn(TxnReadWrite, fn)
}

// RunTxn begins a transaction with flags, runs fn, and finishes the
// transaction according to fn's result.
func (e *Env) RunTxn(flags uint, fn TxnOp) error {
	txn, err := e.BeginTxn(nil, flags)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

// Sub runs fn inside a nested write transaction of txn, merging on
// nil and discarding on error.
func (txn *Txn) Sub(fn TxnOp) error {
	child, err := txn.env.BeginTxn(txn, 0)
	if err != nil {
		return err
	}
	if err := fn(child); err != nil {
		child.Abort()
		return err
	}
	_, err = child.Commit()
	return err
}
