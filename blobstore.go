package ziptable

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	storeTrailerLen = 24
	recordMinLen    = 5 // codec byte + checksum
)

// --------------------------------------------------------------------
// Build side.

// blobStoreBuilder stages encoded records in arrival order and emits
// them permuted into trie order.
type blobStoreBuilder struct {
	enc *zstd.Encoder

	buf  []byte   // staged records
	offs []uint32 // staged record starts

	placement []uint32 // newID -> staged index

	rawBytes    uint64
	storedBytes uint64

	ztmp []byte
	stmp []byte
}

func newBlobStoreBuilder(dict []byte) (*blobStoreBuilder, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderDictRaw(0, dict),
	)
	if err != nil {
		return nil, err
	}
	return &blobStoreBuilder{enc: enc}, nil
}

// add stages one record. The dictionary codec is preferred, snappy is
// tried next, and either is only kept if notably smaller than the
// plain bytes.
func (b *blobStoreBuilder) add(plain []byte) {
	start := len(b.buf)
	b.offs = append(b.offs, uint32(start))
	b.rawBytes += uint64(len(plain))

	codec, payload := recordRaw, plain
	b.ztmp = b.enc.EncodeAll(plain, b.ztmp[:0])
	if len(b.ztmp) < len(plain)-len(plain)/4 {
		codec, payload = recordZstd, b.ztmp
	} else {
		b.stmp = snappy.Encode(b.stmp[:cap(b.stmp)], plain)
		if len(b.stmp) < len(plain)-len(plain)/4 {
			codec, payload = recordSnappy, b.stmp
		}
	}

	b.buf = append(b.buf, codec)
	b.buf = append(b.buf, payload...)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, checksum32(b.buf[start:]))
	b.storedBytes += uint64(len(b.buf) - start)
}

func (b *blobStoreBuilder) numStaged() int { return len(b.offs) }

// beginReorder prepares the placement table: one uint32 per record,
// mapping the new (trie) id to the staged index. This full
// newID-to-oldID array is held until writeTo emits the records.
func (b *blobStoreBuilder) beginReorder() {
	b.offs = append(b.offs, uint32(len(b.buf))) // sentinel
	b.placement = make([]uint32, len(b.offs)-1)
}

func (b *blobStoreBuilder) place(newID, stagedID uint32) {
	b.placement[newID] = stagedID
}

// writeTo emits the data section: records in trie order, padding, the
// offset table and the store trailer. It returns the section size.
func (b *blobStoreBuilder) writeTo(w io.Writer) (uint64, error) {
	n := len(b.placement)
	offsets := make([]uint64, n+1)

	var cur uint64
	for newID := 0; newID < n; newID++ {
		s := b.placement[newID]
		rec := b.buf[b.offs[s]:b.offs[s+1]]
		if _, err := w.Write(rec); err != nil {
			return 0, err
		}
		offsets[newID] = cur
		cur += uint64(len(rec))
	}
	offsets[n] = cur

	pad := uint64(align8(int(cur))) - cur
	if pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return 0, err
		}
	}
	offTabOff := cur + pad

	digest := xxhash.New()
	var tmp [8]byte
	for _, o := range offsets {
		binary.LittleEndian.PutUint64(tmp[:], o)
		if _, err := w.Write(tmp[:]); err != nil {
			return 0, err
		}
		_, _ = digest.Write(tmp[:])
	}

	var trailer [storeTrailerLen]byte
	binary.LittleEndian.PutUint64(trailer[0:], offTabOff)
	binary.LittleEndian.PutUint64(trailer[8:], uint64(n))
	binary.LittleEndian.PutUint64(trailer[16:], digest.Sum64())
	if _, err := w.Write(trailer[:]); err != nil {
		return 0, err
	}
	return offTabOff + uint64(8*(n+1)) + storeTrailerLen, nil
}

// --------------------------------------------------------------------
// Read side.

// blobStore serves records out of the data section. The record bytes
// and the offset table alias the table's memory map; the shared
// dictionary block is retained for the store's lifetime.
type blobStore struct {
	data []byte
	offs []uint64
	dict []byte
	dec  *zstd.Decoder
	n    int
}

func openBlobStore(data, dict []byte) (*blobStore, error) {
	if len(data) < storeTrailerLen {
		return nil, corruptionf("data section is truncated")
	}
	trailer := data[len(data)-storeTrailerLen:]
	offTabOff := binary.LittleEndian.Uint64(trailer[0:])
	n := binary.LittleEndian.Uint64(trailer[8:])
	sum := binary.LittleEndian.Uint64(trailer[16:])

	if n > uint64(len(data))/8 {
		return nil, corruptionf("store trailer is inconsistent")
	}
	tabLen := 8 * (n + 1)
	if offTabOff%blockAlign != 0 || offTabOff+tabLen+storeTrailerLen != uint64(len(data)) {
		return nil, corruptionf("store trailer is inconsistent")
	}
	tab := data[offTabOff : offTabOff+tabLen]
	if checksum64(tab) != sum {
		return nil, corruptionf("store offset table checksum mismatch")
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderDictRaw(0, dict),
	)
	if err != nil {
		return nil, err
	}

	s := &blobStore{
		data: data,
		offs: asUint64s(tab),
		dict: dict,
		dec:  dec,
		n:    int(n),
	}
	for i := 0; i < s.n; i++ {
		if s.offs[i] > s.offs[i+1] || s.offs[i+1] > offTabOff {
			return nil, corruptionf("store offset table is out of bounds")
		}
	}
	return s, nil
}

func (s *blobStore) numRecords() int { return s.n }

// recordAppend decodes record recID from the memory map and appends
// it to dst.
func (s *blobStore) recordAppend(recID uint32, dst []byte) ([]byte, error) {
	raw := s.data[s.offs[recID]:s.offs[recID+1]]
	return s.decode(recID, raw, dst)
}

// preadRecordAppend decodes record recID through positioned reads,
// optionally routed through a shared file cache.
func (s *blobStore) preadRecordAppend(cache FileCache, f *os.File, base int64, recID uint32, dst []byte) ([]byte, error) {
	raw := fetchBuffer(int(s.offs[recID+1] - s.offs[recID]))
	defer releaseBuffer(raw)

	off := base + int64(s.offs[recID])
	var err error
	if cache != nil {
		_, err = cache.ReadAt(f, raw, off)
	} else {
		_, err = f.ReadAt(raw, off)
	}
	if err != nil {
		return dst, err
	}
	return s.decode(recID, raw, dst)
}

// recordSliceAppend appends bytes [off, off+length) of the logical
// record. The full record is decoded first; slicing never changes
// which bytes are verified.
func (s *blobStore) recordSliceAppend(recID uint32, off, length int, dst []byte) ([]byte, error) {
	tmp := fetchBuffer(0)
	defer releaseBuffer(tmp)

	rec, err := s.recordAppend(recID, tmp[:0])
	if err != nil {
		return dst, err
	}
	if off < 0 || off+length > len(rec) {
		return dst, invalidf("record slice [%d:%d) exceeds %d bytes", off, off+length, len(rec))
	}
	return append(dst, rec[off:off+length]...), nil
}

func (s *blobStore) decode(recID uint32, raw, dst []byte) ([]byte, error) {
	if len(raw) < recordMinLen {
		return dst, corruptionf("record %d is truncated", recID)
	}
	body := raw[:len(raw)-4]
	if checksum32(body) != binary.LittleEndian.Uint32(raw[len(raw)-4:]) {
		return dst, corruptionf("record %d checksum mismatch", recID)
	}

	switch body[0] {
	case recordRaw:
		return append(dst, body[1:]...), nil
	case recordZstd:
		out, err := s.dec.DecodeAll(body[1:], dst)
		if err != nil {
			return dst, corruptionf("record %d: %s", recID, err)
		}
		return out, nil
	case recordSnappy:
		plain, err := snappy.Decode(nil, body[1:])
		if err != nil {
			return dst, corruptionf("record %d: %s", recID, err)
		}
		return append(dst, plain...), nil
	}
	return dst, corruptionf("record %d has unknown codec %d", recID, body[0])
}

// --------------------------------------------------------------------

// recordVersion is one decoded version of a user key.
type recordVersion struct {
	seq uint64
	typ EntryType
	val []byte
}

// appendMultiVersions parses a multi record payload: a count, count+1
// entry offsets and the packed entries, newest first.
func appendMultiVersions(dst []recordVersion, rec []byte) ([]recordVersion, error) {
	if len(rec) < 8 {
		return dst, errMalformedMulti
	}
	cnt := int(binary.LittleEndian.Uint32(rec))
	if cnt < 1 || len(rec) < 4+4*(cnt+1) {
		return dst, errMalformedMulti
	}
	off := func(j int) int { return int(binary.LittleEndian.Uint32(rec[4+4*j:])) }
	body := rec[4+4*(cnt+1):]
	if off(0) != 0 || off(cnt) != len(body) {
		return dst, errMalformedMulti
	}

	for j := 0; j < cnt; j++ {
		lo, hi := off(j), off(j+1)
		if lo > hi || hi > len(body) || hi-lo < internalTrailerLen {
			return dst, errMalformedMulti
		}
		ent := body[lo:hi]
		seq, typ := unpackSeqType(binary.LittleEndian.Uint64(ent))
		dst = append(dst, recordVersion{seq: seq, typ: typ, val: ent[internalTrailerLen:]})
	}
	return dst, nil
}

var errMalformedMulti = corruptionf("malformed multi record")
