package ziptable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	stateBuilding = iota
	stateFinished
	stateAbandoned
)

const (
	maxDictLen = 64 << 10

	// dictSeed keeps the shared dictionary non-empty when sampling
	// collected nothing.
	dictSeed = "ziptable.dict.seed"
)

type countingWriter struct {
	w io.Writer
	n uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += uint64(n)
	return n, err
}

// CompressionStats summarizes the value compression of a finished
// build, for an external advisor.
type CompressionStats struct {
	RawValueBytes    uint64
	StoredValueBytes uint64
	DictBytes        uint64
	BuildUnix        int64
}

// Builder consumes a strictly ascending stream of internal key/value
// pairs and emits a single immutable table. It is not safe for
// concurrent use. Errors are sticky: once an Add fails, every further
// call returns the recorded status and Finish is a no-op.
type Builder struct {
	w   *countingWriter
	o   *BuilderOptions
	cmp comparatorKind

	tmpf *os.File
	tmpw *bufio.Writer

	keyBuf   []byte   // deduplicated user keys
	keyOffs  []uint32 // per-key starts into keyBuf
	lastIKey []byte

	bitmap  bitBuilder // one set bit per add, a zero per key transition
	samples []byte
	rnd     *rand.Rand

	rangeDel  []byte
	nRangeDel uint64

	numEntries   uint64
	rawKeySize   uint64
	rawValueSize uint64

	stats CompressionStats
	state int
	err   error
}

// NewBuilder wraps a writer and returns a Builder.
func NewBuilder(w io.Writer, o *BuilderOptions) (*Builder, error) {
	o = o.norm()
	cmp, err := comparatorKindOf(o.Comparator)
	if err != nil {
		return nil, err
	}
	tmpf, err := os.CreateTemp(o.LocalTempDir, "ziptable-*.values")
	if err != nil {
		return nil, errors.Wrap(err, "ziptable: cannot create staging file")
	}

	return &Builder{
		w:    &countingWriter{w: w},
		o:    o,
		cmp:  cmp,
		tmpf: tmpf,
		tmpw: bufio.NewWriter(tmpf),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (b *Builder) fail(err error) error {
	b.err = err
	return err
}

// Add appends one entry. Keys must arrive strictly ascending under
// the configured comparator; versions of one user key arrive
// contiguously with descending sequence numbers.
func (b *Builder) Add(ikey, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.state != stateBuilding {
		return errClosed
	}

	pk, err := parseInternalKey(ikey)
	if err != nil {
		return b.fail(err)
	}
	switch pk.Type {
	case TypeValue, TypeDeletion, TypeMerge:
	case TypeRangeDeletion:
		return b.addRangeDel(ikey, value)
	default:
		return b.fail(invalidf("unsupported entry type %#x", byte(pk.Type)))
	}
	if b.cmp == cmpUint64 && len(pk.UserKey) != 8 {
		return b.fail(invalidf("user key of %d bytes under the uint64 comparator", len(pk.UserKey)))
	}
	if b.lastIKey != nil && b.cmp.compareInternal(ikey, b.lastIKey) <= 0 {
		return b.fail(invalidf("attempted an out-of-order add, %q must follow %q", ikey, b.lastIKey))
	}

	if b.lastIKey == nil || !bytes.Equal(pk.UserKey, b.lastIKey[:len(b.lastIKey)-internalTrailerLen]) {
		if b.lastIKey != nil {
			b.bitmap.push(false)
		}
		b.keyOffs = append(b.keyOffs, uint32(len(b.keyBuf)))
		b.keyBuf = append(b.keyBuf, pk.UserKey...)
	}
	b.bitmap.push(true)

	var tmp [binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint64(tmp[:], packSeqType(pk.Seq, pk.Type))
	if _, err := b.tmpw.Write(tmp[:8]); err != nil {
		return b.fail(errors.Wrap(err, "ziptable: staging file write"))
	}
	if _, err := b.tmpw.Write(binary.AppendUvarint(tmp[:0], uint64(len(value)))); err != nil {
		return b.fail(errors.Wrap(err, "ziptable: staging file write"))
	}
	if _, err := b.tmpw.Write(value); err != nil {
		return b.fail(errors.Wrap(err, "ziptable: staging file write"))
	}

	if len(value) > 0 && len(b.samples) < maxDictLen && b.rnd.Float64() < b.o.SampleRatio {
		room := maxDictLen - len(b.samples)
		if len(value) < room {
			room = len(value)
		}
		b.samples = append(b.samples, value[:room]...)
	}

	b.lastIKey = append(b.lastIKey[:0], ikey...)
	b.numEntries++
	b.rawKeySize += uint64(len(ikey))
	b.rawValueSize += uint64(len(value))
	return nil
}

func (b *Builder) addRangeDel(ikey, value []byte) error {
	b.rangeDel = binary.AppendUvarint(b.rangeDel, uint64(len(ikey)))
	b.rangeDel = append(b.rangeDel, ikey...)
	b.rangeDel = binary.AppendUvarint(b.rangeDel, uint64(len(value)))
	b.rangeDel = append(b.rangeDel, value...)
	b.nRangeDel++
	b.numEntries++
	b.rawKeySize += uint64(len(ikey))
	b.rawValueSize += uint64(len(value))
	return nil
}

// NumEntries returns the number of accepted entries.
func (b *Builder) NumEntries() uint64 { return b.numEntries }

// FileSize returns the bytes written to the output so far.
func (b *Builder) FileSize() uint64 { return b.w.n }

// Stats returns compression statistics; populated by Finish.
func (b *Builder) Stats() CompressionStats { return b.stats }

// Abandon releases all staging resources without producing a valid
// file. It always succeeds.
func (b *Builder) Abandon() error {
	if b.state == stateBuilding {
		b.cleanup()
		b.state = stateAbandoned
	}
	return nil
}

func (b *Builder) cleanup() {
	if b.tmpf != nil {
		name := b.tmpf.Name()
		_ = b.tmpf.Close()
		_ = os.Remove(name)
		b.tmpf = nil
	}
}

// Finish builds the index, encodes and reorders the records and
// emits the remaining blocks and the footer.
func (b *Builder) Finish() error {
	if b.err != nil {
		return b.err
	}
	if b.state != stateBuilding {
		return errClosed
	}

	if b.lastIKey != nil {
		b.bitmap.push(false)
	}
	b.keyOffs = append(b.keyOffs, uint32(len(b.keyBuf)))
	n := len(b.keyOffs) - 1

	if err := b.tmpw.Flush(); err != nil {
		return b.fail(errors.Wrap(err, "ziptable: staging file flush"))
	}
	if _, err := b.tmpf.Seek(0, io.SeekStart); err != nil {
		return b.fail(errors.Wrap(err, "ziptable: staging file rewind"))
	}

	// the longest common prefix of a sorted key set is that of its
	// first and last member
	var cp []byte
	if n > 0 {
		first, last := b.stagedKey(0), b.stagedKey(n-1)
		cp = first[:commonPrefixLen(first, last)]
	}

	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		j := i
		if b.cmp == cmpReverse {
			j = n - 1 - i
		}
		keys[i] = b.stagedKey(j)[len(cp):]
	}
	pt := buildProtoTrie(keys, b.o.maxTailLen())

	if len(b.samples) == 0 {
		b.samples = []byte(dictSeed)
	}
	store, err := newBlobStoreBuilder(b.samples)
	if err != nil {
		return b.fail(err)
	}

	stagedKinds := make([]RecordKind, n)
	if err := b.encodeRecords(store, stagedKinds, n); err != nil {
		return b.fail(err)
	}

	// one pass over the trie rewrites the type array and permutes
	// the store in lockstep
	store.beginReorder()
	newTypes := newTypeArray(n)
	pt.walkLex(func(oldID uint32, nd *protoNode) {
		staged := oldID
		if b.cmp == cmpReverse {
			staged = uint32(n-1) - oldID
		}
		newTypes.set(nd.wordID, stagedKinds[staged])
		store.place(nd.wordID, staged)
	})

	dataSize, err := store.writeTo(b.w)
	if err != nil {
		return b.fail(err)
	}
	b.stats = CompressionStats{
		RawValueBytes:    store.rawBytes,
		StoredValueBytes: store.storedBytes,
		DictBytes:        uint64(len(b.samples)),
	}

	indexBlock := appendBlockSum(pt.serialize())

	var meta []metaIndexEntry
	if err := b.writeBlock(&meta, blockValueDict, appendBlockSum(append([]byte(nil), b.samples...))); err != nil {
		return b.fail(err)
	}
	if err := b.writeBlock(&meta, blockIndex, indexBlock); err != nil {
		return b.fail(err)
	}
	if err := b.writeBlock(&meta, blockValueType, appendBlockSum(newTypes.data)); err != nil {
		return b.fail(err)
	}
	if err := b.writeBlock(&meta, blockCommonPrefix, appendBlockSum(append([]byte(nil), cp...))); err != nil {
		return b.fail(err)
	}
	if b.nRangeDel > 0 {
		block := appendBlockSum(append(binary.AppendUvarint(nil, b.nRangeDel), b.rangeDel...))
		if err := b.writeBlock(&meta, blockRangeDel, block); err != nil {
			return b.fail(err)
		}
	}

	props := &Properties{
		NumEntries:     b.numEntries,
		RawKeySize:     b.rawKeySize,
		RawValueSize:   b.rawValueSize,
		DataSize:       dataSize,
		IndexSize:      uint64(len(indexBlock)),
		ComparatorName: b.comparatorName(),
		UserCollected:  make(map[string][]byte, len(b.o.UserProperties)+1),
	}
	for k, v := range b.o.UserProperties {
		props.UserCollected[k] = v
	}
	if b.o.EnableCompressionProbe {
		b.stats.BuildUnix = time.Now().Unix()
		props.UserCollected[PropertyBuildTimestamp] = []byte(strconv.FormatInt(b.stats.BuildUnix, 10))
	}
	if err := b.writeBlock(&meta, blockProperties, encodeProperties(props)); err != nil {
		return b.fail(err)
	}

	var metaMeta []metaIndexEntry
	if err := b.writeBlock(&metaMeta, "", encodeMetaIndex(meta)); err != nil {
		return b.fail(err)
	}
	if _, err := b.w.Write(encodeFooter(metaMeta[0].bh)); err != nil {
		return b.fail(err)
	}

	b.cleanup()
	b.state = stateFinished
	return nil
}

func (b *Builder) comparatorName() string {
	if b.o.Comparator == "" {
		return ComparatorBytewise
	}
	return b.o.Comparator
}

func (b *Builder) stagedKey(i int) []byte {
	return b.keyBuf[b.keyOffs[i]:b.keyOffs[i+1]]
}

// writeBlock pads the output to the block alignment, writes the block
// and records its handle.
func (b *Builder) writeBlock(meta *[]metaIndexEntry, name string, block []byte) error {
	if pad := uint64(align8(int(b.w.n))) - b.w.n; pad > 0 {
		if _, err := b.w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	bh := blockHandle{offset: b.w.n, size: uint64(len(block))}
	if _, err := b.w.Write(block); err != nil {
		return err
	}
	*meta = append(*meta, metaIndexEntry{name: name, bh: bh})
	return nil
}

// encodeRecords replays the staging file in arrival order and folds
// each user key's versions into one record.
func (b *Builder) encodeRecords(store *blobStoreBuilder, kinds []RecordKind, n int) error {
	rd := bufio.NewReaderSize(b.tmpf, 1<<16)
	runs := runReader{bits: &b.bitmap}

	var rec, vals []byte
	var packs []uint64
	var lens []int
	for i := 0; i < n; i++ {
		cnt := runs.next()
		if cnt < 1 {
			return corruptionf("staging bitmap is inconsistent")
		}

		packs, lens, vals = packs[:0], lens[:0], vals[:0]
		for j := 0; j < cnt; j++ {
			var tmp [8]byte
			if _, err := io.ReadFull(rd, tmp[:]); err != nil {
				return errors.Wrap(err, "ziptable: staging file read")
			}
			vlen, err := binary.ReadUvarint(rd)
			if err != nil {
				return errors.Wrap(err, "ziptable: staging file read")
			}
			start := len(vals)
			vals = append(vals, make([]byte, vlen)...)
			if _, err := io.ReadFull(rd, vals[start:]); err != nil {
				return errors.Wrap(err, "ziptable: staging file read")
			}
			packs = append(packs, binary.LittleEndian.Uint64(tmp[:]))
			lens = append(lens, int(vlen))
		}

		rec = rec[:0]
		kind := KindMulti
		if cnt == 1 {
			seq, typ := unpackSeqType(packs[0])
			switch {
			case typ == TypeValue && seq == 0:
				kind = KindZeroSeq
				rec = append(rec, vals...)
			case typ == TypeValue:
				kind = KindValue
				rec = appendSeq7(rec, seq)
				rec = append(rec, vals...)
			case typ == TypeDeletion:
				kind = KindDelete
				rec = appendSeq7(rec, seq)
			}
		}
		if kind == KindMulti {
			rec = binary.LittleEndian.AppendUint32(rec, uint32(cnt))
			var off uint32
			rec = binary.LittleEndian.AppendUint32(rec, 0)
			for j := 0; j < cnt; j++ {
				off += uint32(internalTrailerLen + lens[j])
				rec = binary.LittleEndian.AppendUint32(rec, off)
			}
			vo := 0
			for j := 0; j < cnt; j++ {
				rec = binary.LittleEndian.AppendUint64(rec, packs[j])
				rec = append(rec, vals[vo:vo+lens[j]]...)
				vo += lens[j]
			}
		}

		kinds[i] = kind
		store.add(rec)
	}
	return nil
}

func appendSeq7(dst []byte, seq uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], seq)
	return append(dst, tmp[:7]...)
}

// runReader yields the version count of each staged user key from
// the value bitmap.
type runReader struct {
	bits *bitBuilder
	pos  int
}

func (r *runReader) next() int {
	c := 0
	for r.pos < r.bits.n {
		set := r.bits.words[r.pos>>6]>>(uint(r.pos)&63)&1 == 1
		r.pos++
		if !set {
			return c
		}
		c++
	}
	return c
}
