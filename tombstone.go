package ziptable

import "encoding/binary"

// TombstoneIterator enumerates range-delete entries: the key is the
// internal key of the range start, the value the exclusive end user
// key.
type TombstoneIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
}

// tombstoneBlock owns a detached copy of the range-delete block.
type tombstoneBlock struct {
	data        []byte
	count       uint64
	globalSeqno uint64
}

func openTombstoneBlock(payload []byte, globalSeqno uint64) (*tombstoneBlock, error) {
	cnt, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, corruptionf("malformed range-delete block")
	}
	// detach from the mapping
	return &tombstoneBlock{
		data:        append([]byte(nil), payload...),
		count:       cnt,
		globalSeqno: globalSeqno,
	}, nil
}

func (b *tombstoneBlock) iterator() TombstoneIterator {
	_, n := binary.Uvarint(b.data)
	return &tombstoneIter{b: b, rest: b.data[n:], remaining: b.count}
}

type tombstoneIter struct {
	b         *tombstoneBlock
	rest      []byte
	remaining uint64

	key []byte
	val []byte
	err error
}

func (it *tombstoneIter) Next() bool {
	if it.err != nil || it.remaining == 0 {
		return false
	}
	it.remaining--

	var key, val []byte
	if key, it.rest, it.err = readLenPrefixed(it.rest); it.err != nil {
		return false
	}
	if val, it.rest, it.err = readLenPrefixed(it.rest); it.err != nil {
		return false
	}
	if len(key) < internalTrailerLen {
		it.err = corruptionf("malformed range-delete entry")
		return false
	}

	// entries written at sequence zero adopt the file's seqno
	it.key = append(it.key[:0], key...)
	packed := binary.LittleEndian.Uint64(key[len(key)-internalTrailerLen:])
	if seq, typ := unpackSeqType(packed); seq == 0 && it.b.globalSeqno > 0 {
		binary.LittleEndian.PutUint64(
			it.key[len(it.key)-internalTrailerLen:],
			packSeqType(it.b.globalSeqno, typ),
		)
	}
	it.val = val
	return true
}

func (it *tombstoneIter) Key() []byte   { return it.key }
func (it *tombstoneIter) Value() []byte { return it.val }
func (it *tombstoneIter) Err() error    { return it.err }

// emptyTombstoneIter serves tables without a range-delete block.
type emptyTombstoneIter struct{}

func (emptyTombstoneIter) Next() bool    { return false }
func (emptyTombstoneIter) Key() []byte   { return nil }
func (emptyTombstoneIter) Value() []byte { return nil }
func (emptyTombstoneIter) Err() error    { return nil }
