package ziptable

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// EntryType tags a single version of a user key.
type EntryType byte

// Entry types, sharing the RocksDB wire values.
const (
	TypeDeletion      EntryType = 0x0
	TypeValue         EntryType = 0x1
	TypeMerge         EntryType = 0x2
	TypeRangeDeletion EntryType = 0xF
	TypeMax           EntryType = 0x7F
)

// MaxSequence is the largest representable sequence number (56 bits).
const MaxSequence = uint64(1)<<56 - 1

const internalTrailerLen = 8

// ParsedInternalKey is the decomposed form of an internal key.
type ParsedInternalKey struct {
	UserKey []byte
	Seq     uint64
	Type    EntryType
}

func packSeqType(seq uint64, t EntryType) uint64 { return seq<<8 | uint64(t) }

func unpackSeqType(p uint64) (uint64, EntryType) { return p >> 8, EntryType(p) }

func parseInternalKey(ikey []byte) (ParsedInternalKey, error) {
	if len(ikey) < internalTrailerLen {
		return ParsedInternalKey{}, invalidf("malformed internal key of %d bytes", len(ikey))
	}
	packed := binary.LittleEndian.Uint64(ikey[len(ikey)-internalTrailerLen:])
	seq, typ := unpackSeqType(packed)
	return ParsedInternalKey{
		UserKey: ikey[:len(ikey)-internalTrailerLen],
		Seq:     seq,
		Type:    typ,
	}, nil
}

func appendInternalKey(dst []byte, user []byte, seq uint64, typ EntryType) []byte {
	dst = append(dst, user...)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], packSeqType(seq, typ))
	return append(dst, tmp[:]...)
}

// --------------------------------------------------------------------

// Recognized comparator names.
const (
	ComparatorBytewise = "leveldb.BytewiseComparator"
	ComparatorUint64   = "rocksdb.Uint64Comparator"

	reverseComparatorPrefix = "rev:"
)

type comparatorKind int

const (
	cmpBytewise comparatorKind = iota
	cmpReverse
	cmpUint64
)

func comparatorKindOf(name string) (comparatorKind, error) {
	switch {
	case name == "" || name == ComparatorBytewise:
		return cmpBytewise, nil
	case name == ComparatorUint64:
		return cmpUint64, nil
	case strings.HasPrefix(name, reverseComparatorPrefix):
		return cmpReverse, nil
	}
	return 0, invalidf("unsupported comparator %q", name)
}

// compareUserKeys orders user keys in the comparator's order. Fixed
// 8-byte big-endian keys sort numerically under bytewise comparison,
// so the uint64 kind shares the bytewise path.
func (k comparatorKind) compareUserKeys(a, b []byte) int {
	if k == cmpReverse {
		return bytes.Compare(b, a)
	}
	return bytes.Compare(a, b)
}

// compareInternal orders internal keys: user keys ascending under the
// comparator, equal user keys by descending packed sequence/type.
func (k comparatorKind) compareInternal(a, b []byte) int {
	au, bu := a[:len(a)-internalTrailerLen], b[:len(b)-internalTrailerLen]
	if c := k.compareUserKeys(au, bu); c != 0 {
		return c
	}
	ap := binary.LittleEndian.Uint64(a[len(a)-internalTrailerLen:])
	bp := binary.LittleEndian.Uint64(b[len(b)-internalTrailerLen:])
	switch {
	case ap > bp:
		return -1
	case ap < bp:
		return 1
	}
	return 0
}
