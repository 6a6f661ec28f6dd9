package tern

// Database format constants. These match libmdbx so that existing MDBX
// files can be opened by this implementation.
const (
	// Magic is the 56-bit prime identifying MDBX-family files.
	Magic uint64 = 0x59659DBDEF4C11

	// DataVersion is the data file format version.
	DataVersion = 3

	// LockVersion is the lock file format version.
	LockVersion = 6

	// DataMagic combines magic and data version for validation.
	DataMagic = (Magic << 8) + DataVersion

	// LockMagic combines magic and lock version.
	LockMagic = (Magic << 8) + LockVersion
)

// Page size constraints.
const (
	// MinPageSize is the minimum allowed page size.
	MinPageSize = 256

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536

	// DefaultPageSize is the default page size.
	DefaultPageSize = 4096
)

// Fixed header sizes.
const (
	// PageHeaderSize is the fixed page header size (20 bytes).
	PageHeaderSize = 20

	// NodeHeaderSize is the fixed node header size (8 bytes).
	NodeHeaderSize = 8
)

// Database limits.
const (
	// MaxDBI is the maximum number of named databases.
	MaxDBI = 32765

	// MaxDataSize is the maximum size of a single data item.
	MaxDataSize = 0x7fff0000

	// NumMetas is the number of rotating meta pages (the troika).
	NumMetas = 3

	// MinPageNo is the first non-meta page number.
	MinPageNo = NumMetas

	// CoreDBs is the number of always-present databases (GC and main).
	CoreDBs = 2

	// FreeDBI is the handle of the GC/free-list database.
	FreeDBI DBI = 0

	// MainDBI is the handle of the main database.
	MainDBI DBI = 1
)

// Transaction ID constants.
const (
	// MinTxnID is the smallest valid transaction ID.
	MinTxnID uint64 = 1

	// InitialTxnID is the ID seeded into a fresh database's metas.
	InitialTxnID uint64 = MinTxnID + NumMetas - 1

	// MaxTxnID is the wraparound ceiling; reaching it makes the
	// environment demand recovery before further writes.
	MaxTxnID uint64 = 0x3fffffffffffffff

	// InvalidTxnID marks an unset transaction ID.
	InvalidTxnID uint64 = 0xFFFFFFFFFFFFFFFF
)

// Environment flags. Changeable at runtime: SafeNoSync, NoMetaSync,
// NoMemInit, PagePerturb, Accede, Validation. The rest are fixed at
// Open.
const (
	// EnvDefaults is the default fully-durable mode.
	EnvDefaults uint = 0

	// Validation enables extra structural checking on reads.
	Validation uint = 0x00002000

	// NoSubdir means the path is the data file itself, not a directory.
	NoSubdir uint = 0x00004000

	// ReadOnly opens the environment read-only.
	ReadOnly uint = 0x00020000

	// Exclusive opens in exclusive/monopolistic mode.
	Exclusive uint = 0x00400000

	// Accede adopts the mode of an already-open environment.
	Accede uint = 0x40000000

	// WriteMap writes through the mmap instead of pwrite.
	WriteMap uint = 0x00080000

	// NoStickyThreads allows transactions to migrate between threads.
	NoStickyThreads uint = 0x00200000

	// NoReadAhead disables OS readahead on the data file.
	NoReadAhead uint = 0x00800000

	// NoMemInit skips zeroing of freshly allocated shadow pages.
	NoMemInit uint = 0x01000000

	// LifoReclaim drains the GC newest-first instead of oldest-first.
	LifoReclaim uint = 0x04000000

	// PagePerturb fills released pages with garbage (debugging aid).
	PagePerturb uint = 0x08000000

	// NoMetaSync skips the meta fsync after commit; the metasync is
	// deferred to the next commit or an explicit Sync.
	NoMetaSync uint = 0x00040000

	// SafeNoSync skips data fsync but keeps commits ordered so that
	// recovery rolls back to the last steady meta.
	SafeNoSync uint = 0x00010000

	// UtterlyNoSync skips every fsync; only for ephemeral data.
	UtterlyNoSync = SafeNoSync | NoMetaSync
)

// Transaction flags.
const (
	// TxnReadWrite is the default read-write transaction.
	TxnReadWrite uint = 0

	// TxnReadOnly begins a snapshot read transaction.
	TxnReadOnly uint = 0x20000

	// TxnTry makes begin-write return ErrBusy instead of blocking.
	TxnTry uint = 0x10000000

	// TxnNoMetaSync applies NoMetaSync durability to this txn only.
	TxnNoMetaSync uint = 0x00040000

	// TxnNoSync applies SafeNoSync durability to this txn only.
	TxnNoSync uint = 0x00010000
)

// Database (tree) flags.
const (
	// DBDefaults uses lexicographic keys, single values.
	DBDefaults uint = 0

	// ReverseKey compares keys back-to-front.
	ReverseKey uint = 0x02

	// DupSort keeps multiple sorted values per key.
	DupSort uint = 0x04

	// IntegerKey uses native-endian uint32/uint64 keys.
	IntegerKey uint = 0x08

	// DupFixed asserts all duplicate values share one size.
	DupFixed uint = 0x10

	// IntegerDup uses native-endian integer duplicate values.
	IntegerDup uint = 0x20

	// ReverseDup compares duplicate values back-to-front.
	ReverseDup uint = 0x40

	// Create creates the database if absent.
	Create uint = 0x40000
)

// Put flags, in precedence order: Current overrides duplicate
// handling; Append demands strictly increasing keys; NoDupData
// rejects exact (key,value) duplicates; NoOverwrite rejects any
// existing key.
const (
	// Upsert is the default insert-or-update.
	Upsert uint = 0

	// NoOverwrite fails with ErrKeyExist if the key exists.
	NoOverwrite uint = 0x10

	// NoDupData fails with ErrKeyExist if the exact pair exists.
	NoDupData uint = 0x20

	// Current overwrites the pair at the cursor position.
	Current uint = 0x40

	// AllDups replaces (or, on Del, removes) every duplicate at once.
	AllDups uint = 0x80

	// Reserve returns a writable slice instead of copying the value.
	Reserve uint = 0x10000

	// Append requires keys in strictly ascending order and fails with
	// ErrKeyMismatch otherwise.
	Append uint = 0x20000

	// AppendDup requires duplicate values in ascending order.
	AppendDup uint = 0x40000

	// Multiple bulk-stores a vector of equal-sized values (DupFixed).
	Multiple uint = 0x80000
)

// Copy flags.
const (
	// CopyDefaults copies the file as-is at a consistent snapshot.
	CopyDefaults uint = 0

	// CopyCompact rewrites the trees, dropping retired space.
	CopyCompact uint = 0x01
)

// File names within an environment directory.
const (
	// DataFileName is the data file name.
	DataFileName = "tern.dat"

	// LockFileName is the lock file name.
	LockFileName = "tern.lck"

	// LockSuffix is appended to the data path under NoSubdir.
	LockSuffix = "-lck"
)

// LogLvl selects the verbosity of the env debug logger.
type LogLvl int

const (
	LogLvlFatal   LogLvl = 0
	LogLvlError   LogLvl = 1
	LogLvlWarn    LogLvl = 2
	LogLvlNotice  LogLvl = 3
	LogLvlVerbose LogLvl = 4
	LogLvlDebug   LogLvl = 5
	LogLvlTrace   LogLvl = 6
	LogLvlExtra   LogLvl = 7
)
