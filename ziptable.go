package ziptable

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// magic trails every table file.
const magic = uint64(0x1122334455667788)

// Named meta blocks, keyed in the meta index.
const (
	blockValueDict    = "ValueDictBlock"
	blockIndex        = "IndexBlock"
	blockValueType    = "ValueTypeBlock"
	blockCommonPrefix = "CommonPrefixBlock"
	blockRangeDel     = "RangeDelBlock"
	blockProperties   = "PropertiesBlock"
)

// Record codecs.
const (
	recordRaw byte = iota
	recordZstd
	recordSnappy
)

// Error kinds. Wrapped errors preserve their kind; use IsCorruption
// and IsInvalidArgument to classify.
var (
	ErrCorruption      = errors.New("ziptable: corruption")
	ErrInvalidArgument = errors.New("ziptable: invalid argument")
)

var (
	errClosed   = errors.New("ziptable: is closed")
	errReleased = errors.New("ziptable: iterator was released")
)

// IsCorruption reports whether err is a corruption error.
func IsCorruption(err error) bool { return errors.Cause(err) == ErrCorruption }

// IsInvalidArgument reports whether err is an invalid-argument error.
func IsInvalidArgument(err error) bool { return errors.Cause(err) == ErrInvalidArgument }

func corruptionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// --------------------------------------------------------------------

func checksum64(p []byte) uint64 { return xxhash.Sum64(p) }
func checksum32(p []byte) uint32 { return uint32(xxhash.Sum64(p)) }

const blockAlign = 8

func align8(n int) int { return (n + 7) &^ 7 }

// verifyBlock splits a checksummed meta block into its payload.
func verifyBlock(name string, b []byte) ([]byte, error) {
	if len(b) < 8 {
		return nil, corruptionf("%s is truncated", name)
	}
	payload, sum := b[:len(b)-8], binary.LittleEndian.Uint64(b[len(b)-8:])
	if checksum64(payload) != sum {
		return nil, corruptionf("%s checksum mismatch", name)
	}
	return payload, nil
}

func appendBlockSum(b []byte) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], checksum64(b))
	return append(b, tmp[:]...)
}

// asUint64s reinterprets b as a little-endian uint64 slice. The slice
// must be 8-byte aligned, which the builder guarantees for every
// aliased section.
func asUint64s(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

func asUint32s(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
