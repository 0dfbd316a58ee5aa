package ziptable

import (
	"bytes"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// GetContext receives the versions a point lookup finds visible.
// SaveValue reports whether more versions are wanted; only merge
// chains keep asking.
type GetContext interface {
	SaveValue(key ParsedInternalKey, value []byte) bool
}

// Reader serves point lookups and iteration over one table file. It
// is immutable after Open and safe for concurrent use; iterators are
// not and belong to a single consumer each.
//
// The trie, the record store and the type array all borrow their
// bytes from the Reader's memory map and share its lifetime.
type Reader struct {
	f  *os.File
	mm []byte

	props        *Properties
	cmp          comparatorKind
	globalSeqno  uint64
	commonPrefix []byte
	keyPrefix    []byte

	trie  *trieIndex
	store *blobStore
	types typeArray
	tomb  *tombstoneBlock

	usePread bool
	cache    FileCache
	o        *ReaderOptions
}

// Open maps the table file and loads its detached structures.
func Open(path string, o *ReaderOptions) (*Reader, error) {
	o = o.norm()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	mm, err := mmapFile(f, stat.Size())
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "ziptable: cannot map table file")
	}

	r := &Reader{f: f, mm: mm, o: o, keyPrefix: o.KeyPrefix}
	if err := r.load(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	metaBH, err := parseFooter(r.mm)
	if err != nil {
		return err
	}
	handles, err := decodeMetaIndex(r.mm[metaBH.offset : metaBH.offset+metaBH.size])
	if err != nil {
		return err
	}

	block := func(name string) ([]byte, blockHandle, error) {
		bh, ok := handles[name]
		if !ok {
			return nil, bh, nil
		}
		if bh.offset+bh.size > uint64(len(r.mm)) {
			return nil, bh, corruptionf("%s handle is out of bounds", name)
		}
		payload, err := verifyBlock(name, r.mm[bh.offset:bh.offset+bh.size])
		return payload, bh, err
	}
	require := func(name string) ([]byte, blockHandle, error) {
		payload, bh, err := block(name)
		if err == nil && payload == nil {
			err = corruptionf("%s is missing from the meta-index", name)
		}
		return payload, bh, err
	}

	propsRaw, _, err := require(blockProperties)
	if err != nil {
		return err
	}
	if r.props, err = decodeProperties(propsRaw); err != nil {
		return err
	}
	if r.cmp, err = comparatorKindOf(r.props.ComparatorName); err != nil {
		return err
	}
	if r.globalSeqno, err = r.props.globalSeqno(); err != nil {
		return err
	}

	cp, _, err := require(blockCommonPrefix)
	if err != nil {
		return err
	}
	r.commonPrefix = cp

	dict, _, err := require(blockValueDict)
	if err != nil {
		return err
	}
	idx, idxBH, err := require(blockIndex)
	if err != nil {
		return err
	}
	if r.trie, err = openTrieIndex(idx, r.o.IndexCacheRatio); err != nil {
		return err
	}

	if r.props.DataSize > uint64(len(r.mm)) {
		return corruptionf("data size %d exceeds the file", r.props.DataSize)
	}
	if r.store, err = openBlobStore(r.mm[:r.props.DataSize], dict); err != nil {
		return err
	}
	n := r.store.numRecords()
	if n != r.trie.numKeys {
		return corruptionf("store holds %d records, index holds %d keys", n, r.trie.numKeys)
	}

	typ, _, err := require(blockValueType)
	if err != nil {
		return err
	}
	if r.types, err = loadTypeArray(typ, n); err != nil {
		return err
	}

	if tomb, bh, err := block(blockRangeDel); err != nil {
		return err
	} else if tomb != nil {
		if r.tomb, err = openTombstoneBlock(tomb, r.globalSeqno); err != nil {
			return err
		}
		// the detached copy serves all further reads
		advise(r.mm, int(bh.offset), int(bh.size), adviseDontNeed)
	}

	r.usePread = r.o.MinPreadLen > 0 && n > 0 &&
		r.props.DataSize < uint64(r.o.MinPreadLen)*uint64(n)

	warmed := false
	if r.o.WarmUpIndexOnOpen {
		advise(r.mm, int(idxBH.offset), int(idxBH.size), adviseWillNeed)
		touchPages(r.mm[idxBH.offset : idxBH.offset+idxBH.size])
		warmed = true
	}
	if r.o.WarmUpValueOnOpen && !r.usePread {
		advise(r.mm, 0, int(r.props.DataSize), adviseWillNeed)
		touchPages(r.mm[:r.props.DataSize])
		warmed = true
	}
	if !warmed && r.o.AdviseRandomRead {
		advise(r.mm, 0, len(r.mm), adviseRandom)
	}

	if r.o.FileCache != nil {
		r.cache = r.o.FileCache
		r.cache.Register(r.f)
	}
	return nil
}

// Close drops the memory map together with every structure borrowing
// from it.
func (r *Reader) Close() error {
	if r.cache != nil {
		r.cache.Unregister(r.f)
		r.cache = nil
	}
	var err error
	if r.mm != nil {
		err = munmapFile(r.mm)
		r.mm = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

// Properties returns the decoded property block.
func (r *Reader) Properties() *Properties { return r.props }

// NumRecords returns the number of distinct user keys.
func (r *Reader) NumRecords() int { return r.store.numRecords() }

// GlobalSeqno returns the sequence assigned to the whole file, zero
// if none.
func (r *Reader) GlobalSeqno() uint64 { return r.globalSeqno }

// Get looks up the versions of ikey's user key that are visible at
// ikey's sequence and feeds them to ctx, newest first. A miss is not
// an error.
func (r *Reader) Get(ikey []byte, ctx GetContext) error {
	pk, err := parseInternalKey(ikey)
	if err != nil {
		return err
	}

	user := pk.UserKey
	if len(r.keyPrefix) > 0 {
		if !bytes.HasPrefix(user, r.keyPrefix) {
			return nil
		}
		user = user[len(r.keyPrefix):]
	}
	if !bytes.HasPrefix(user, r.commonPrefix) {
		return nil
	}

	recID, ok := r.trie.find(user[len(r.commonPrefix):])
	if !ok {
		return nil
	}

	rec, err := r.record(recID, fetchBuffer(0))
	defer releaseBuffer(rec)
	if err != nil {
		return err
	}

	switch kind := r.types.get(recID); kind {
	case KindZeroSeq:
		if r.globalSeqno <= pk.Seq {
			ctx.SaveValue(ParsedInternalKey{UserKey: pk.UserKey, Seq: r.globalSeqno, Type: TypeValue}, rec)
		}
	case KindValue:
		if len(rec) < 7 {
			return corruptionf("record %d is truncated", recID)
		}
		if seq := seq7(rec); seq <= pk.Seq {
			ctx.SaveValue(ParsedInternalKey{UserKey: pk.UserKey, Seq: seq, Type: TypeValue}, rec[7:])
		}
	case KindDelete:
		if len(rec) < 7 {
			return corruptionf("record %d is truncated", recID)
		}
		if seq := seq7(rec); seq <= pk.Seq {
			ctx.SaveValue(ParsedInternalKey{UserKey: pk.UserKey, Seq: seq, Type: TypeDeletion}, nil)
		}
	case KindMulti:
		vers, err := appendMultiVersions(nil, rec)
		if err != nil {
			return err
		}
		for _, v := range vers {
			if v.seq > pk.Seq {
				continue
			}
			if !ctx.SaveValue(ParsedInternalKey{UserKey: pk.UserKey, Seq: v.seq, Type: v.typ}, v.val) {
				break
			}
		}
	}
	return nil
}

func (r *Reader) record(recID uint32, dst []byte) ([]byte, error) {
	if r.usePread {
		return r.store.preadRecordAppend(r.cache, r.f, 0, recID, dst)
	}
	return r.store.recordAppend(recID, dst)
}

// NewRangeTombstoneIterator enumerates the table's range tombstones,
// bound to the file's global seqno.
func (r *Reader) NewRangeTombstoneIterator() TombstoneIterator {
	if r.tomb == nil {
		return emptyTombstoneIter{}
	}
	if r.o.NewTombstoneIterator != nil {
		return r.o.NewTombstoneIterator(r.tomb.data, r.globalSeqno)
	}
	return r.tomb.iterator()
}

func seq7(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48
}

// --------------------------------------------------------------------

// maxScratchLen bounds the pooled per-lookup scratch; larger decode
// buffers are dropped after use.
const maxScratchLen = 512 << 10

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	if sz < 64 {
		return make([]byte, sz, 64)
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 && cap(p) <= maxScratchLen {
		bufPool.Put(p)
	}
}
