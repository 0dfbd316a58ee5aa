package ziptable

import (
	"bytes"
	"encoding/binary"
)

// Iterator walks a table in comparator order, yielding every version
// of every key. Moving forward, versions of one user key come newest
// first. Iterators are not safe for concurrent use; one iterator per
// consumer.
//
// On tables built with the uint64 comparator the same iterator acts
// as the numeric adapter: keys are fixed 8-byte big-endian and seeks
// validate their width; big-endian bytes already sort in numeric
// order.
type Iterator struct {
	r      *Reader
	ti     *trieIter
	rev    bool
	prefix []byte // key prefix plus common prefix

	rec    []byte // decoded record buffer, owned
	vers   []recordVersion
	verIdx int

	ikey     []byte
	err      error
	released bool
}

// NewIterator returns an iterator positioned before the first key.
func (r *Reader) NewIterator() *Iterator {
	prefix := make([]byte, 0, len(r.keyPrefix)+len(r.commonPrefix))
	prefix = append(prefix, r.keyPrefix...)
	prefix = append(prefix, r.commonPrefix...)
	return &Iterator{
		r:      r,
		ti:     newTrieIter(r.trie),
		rev:    r.cmp == cmpReverse,
		prefix: prefix,
	}
}

// trie movement in comparator order
func (it *Iterator) tFirst() {
	if it.rev {
		it.ti.seekLast()
	} else {
		it.ti.seekFirst()
	}
}

func (it *Iterator) tLast() {
	if it.rev {
		it.ti.seekFirst()
	} else {
		it.ti.seekLast()
	}
}

func (it *Iterator) tNext() {
	if it.rev {
		it.ti.prev()
	} else {
		it.ti.next()
	}
}

func (it *Iterator) tPrev() {
	if it.rev {
		it.ti.next()
	} else {
		it.ti.prev()
	}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return !it.released && it.err == nil && it.ti.valid
}

// Key returns the current internal key. It is valid until the next
// reposition.
func (it *Iterator) Key() []byte { return it.ikey }

// Value returns the current value. It is valid until the next
// reposition.
func (it *Iterator) Value() []byte { return it.vers[it.verIdx].val }

// Err exposes iterator errors, if any.
func (it *Iterator) Err() error {
	if it.released {
		return errReleased
	}
	return it.err
}

// Release releases the iterator and frees up resources. The iterator
// must not be used after this method is called.
func (it *Iterator) Release() {
	it.released = true
	it.ti.valid = false
	releaseBuffer(it.rec)
	it.rec = nil
}

// SeekToFirst positions the iterator on the first entry in comparator
// order.
func (it *Iterator) SeekToFirst() {
	if it.released {
		return
	}
	it.err = nil
	it.tFirst()
	if it.ti.valid && it.loadRecord() {
		it.verIdx = 0
		it.materialize()
	}
}

// SeekToLast positions the iterator on the last entry in comparator
// order.
func (it *Iterator) SeekToLast() {
	if it.released {
		return
	}
	it.err = nil
	it.tLast()
	if it.ti.valid && it.loadRecord() {
		it.verIdx = len(it.vers) - 1
		it.materialize()
	}
}

// Next advances to the next entry in comparator order.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	if it.verIdx+1 < len(it.vers) {
		it.verIdx++
		it.materialize()
		return
	}
	it.tNext()
	if it.ti.valid && it.loadRecord() {
		it.verIdx = 0
		it.materialize()
	}
}

// Prev steps back to the previous entry in comparator order.
func (it *Iterator) Prev() {
	if !it.Valid() {
		return
	}
	if it.verIdx > 0 {
		it.verIdx--
		it.materialize()
		return
	}
	it.tPrev()
	if it.ti.valid && it.loadRecord() {
		it.verIdx = len(it.vers) - 1
		it.materialize()
	}
}

// Seek positions the iterator on the smallest entry at or after
// target in comparator order.
func (it *Iterator) Seek(target []byte) {
	if it.released {
		return
	}
	it.err = nil

	tk, err := parseInternalKey(target)
	if err != nil {
		it.err = err
		it.ti.valid = false
		return
	}
	if it.r.cmp == cmpUint64 && len(tk.UserKey) != 8 {
		it.err = invalidf("uint64 comparator requires 8-byte keys, got %d bytes", len(tk.UserKey))
		it.ti.valid = false
		return
	}

	user := tk.UserKey
	if cpl := commonPrefixLen(user, it.prefix); cpl < len(it.prefix) {
		// the target falls outside the table's fixed prefix
		before := cpl == len(user) || user[cpl] < it.prefix[cpl]
		if before != it.rev {
			it.SeekToFirst()
		} else {
			it.ti.valid = false
		}
		return
	}

	core := user[len(it.prefix):]
	if it.rev {
		// comparator lower bound is the bytewise floor
		switch ok := it.ti.seek(core); {
		case !ok:
			it.ti.seekLast()
		case !bytes.Equal(it.ti.currentKey(), core):
			it.ti.prev()
		}
	} else {
		it.ti.seek(core)
	}
	if !it.ti.valid || !it.loadRecord() {
		return
	}
	it.verIdx = 0

	if bytes.Equal(it.ti.currentKey(), core) {
		for it.verIdx < len(it.vers) && it.vers[it.verIdx].seq > tk.Seq {
			it.verIdx++
		}
		if it.verIdx == len(it.vers) {
			it.tNext()
			if !it.ti.valid || !it.loadRecord() {
				return
			}
			it.verIdx = 0
		}
	}
	it.materialize()
}

// SeekForPrev positions the iterator on the largest entry at or
// before target in comparator order.
func (it *Iterator) SeekForPrev(target []byte) {
	it.Seek(target)
	if it.released || it.err != nil {
		return
	}
	if !it.Valid() {
		it.SeekToLast()
		return
	}
	if it.r.cmp.compareInternal(it.ikey, target) > 0 {
		it.Prev()
	}
}

func (it *Iterator) loadRecord() bool {
	recID := it.ti.id()
	rec, err := it.r.record(recID, it.rec[:0])
	it.rec = rec
	if err != nil {
		it.err = err
		return false
	}

	it.vers = it.vers[:0]
	switch it.r.types.get(recID) {
	case KindZeroSeq:
		it.vers = append(it.vers, recordVersion{seq: it.r.globalSeqno, typ: TypeValue, val: rec})
	case KindValue:
		if len(rec) < 7 {
			it.err = corruptionf("record %d is truncated", recID)
			return false
		}
		it.vers = append(it.vers, recordVersion{seq: seq7(rec), typ: TypeValue, val: rec[7:]})
	case KindDelete:
		if len(rec) < 7 {
			it.err = corruptionf("record %d is truncated", recID)
			return false
		}
		it.vers = append(it.vers, recordVersion{seq: seq7(rec), typ: TypeDeletion})
	case KindMulti:
		if it.vers, err = appendMultiVersions(it.vers, rec); err != nil {
			it.err = err
			return false
		}
	}
	return true
}

func (it *Iterator) materialize() {
	v := it.vers[it.verIdx]
	it.ikey = append(it.ikey[:0], it.prefix...)
	it.ikey = append(it.ikey, it.ti.currentKey()...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], packSeqType(v.seq, v.typ))
	it.ikey = append(it.ikey, tmp[:]...)
}
