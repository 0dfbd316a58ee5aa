package ziptable

import "os"

// BuilderOptions define builder specific options.
type BuilderOptions struct {
	// Comparator names the key order of the input stream. One of
	// the bytewise comparator (default), any name with a "rev:"
	// prefix, or the fixed 8-byte uint64 comparator.
	Comparator string

	// SampleRatio is the probability with which each value is fed
	// into the shared dictionary.
	// Default: 0.03.
	SampleRatio float64

	// LocalTempDir is the directory for the builder's staging file.
	// Default: the OS temp dir.
	LocalTempDir string

	// IndexNestLevel caps a single compressed trie edge at
	// 2^(3+2n) bytes, with n limited to 8; longer shared paths are
	// split into chained nodes.
	// Default: 3.
	IndexNestLevel int

	// EnableCompressionProbe emits compression statistics and the
	// build-timestamp property for a surrounding advisor.
	EnableCompressionProbe bool

	// UserProperties are stored verbatim in the property block.
	UserProperties map[string][]byte
}

func (o *BuilderOptions) norm() *BuilderOptions {
	var oo BuilderOptions
	if o != nil {
		oo = *o
	}

	if oo.SampleRatio <= 0 || oo.SampleRatio > 1 {
		oo.SampleRatio = 0.03
	}
	if oo.LocalTempDir == "" {
		oo.LocalTempDir = os.TempDir()
	}
	if oo.IndexNestLevel < 1 {
		oo.IndexNestLevel = 3
	}
	return &oo
}

// maxTailLen caps the length of a single compressed edge.
func (o *BuilderOptions) maxTailLen() int {
	n := o.IndexNestLevel
	if n > 8 {
		n = 8
	}
	return 1 << uint(3+2*n)
}

// --------------------------------------------------------------------

// FileCache routes positioned reads through a shared OS-file cache
// provided by the enclosing factory.
type FileCache interface {
	Register(f *os.File)
	Unregister(f *os.File)
	ReadAt(f *os.File, p []byte, off int64) (int, error)
}

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// MinPreadLen switches the record store to positioned reads
	// when the mean record is smaller than this threshold. Zero
	// keeps the store on the memory map.
	MinPreadLen int

	// WarmUpIndexOnOpen prefaults the index pages.
	WarmUpIndexOnOpen bool

	// WarmUpValueOnOpen prefaults the data pages.
	WarmUpValueOnOpen bool

	// AdviseRandomRead advises the kernel of random access when no
	// warm-up was requested.
	AdviseRandomRead bool

	// IndexCacheRatio enables the trie lookup accelerator, a
	// 256-entry dispatch table over the root's children, when
	// positive. The ratio does not change the table's size. Zero
	// disables it.
	IndexCacheRatio float64

	// KeyPrefix is a fixed physical prefix stripped from every
	// probed user key before the common-prefix check.
	KeyPrefix []byte

	// FileCache, when set, is registered on open and serves the
	// pread path.
	FileCache FileCache

	// NewTombstoneIterator binds an external block iterator to the
	// range-delete block. The built-in iterator is used when nil.
	NewTombstoneIterator func(data []byte, globalSeqno uint64) TombstoneIterator
}

func (o *ReaderOptions) norm() *ReaderOptions {
	var oo ReaderOptions
	if o != nil {
		oo = *o
	}

	if oo.MinPreadLen < 0 {
		oo.MinPreadLen = 0
	}
	if oo.IndexCacheRatio < 0 {
		oo.IndexCacheRatio = 0
	}
	return &oo
}
