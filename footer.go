package ziptable

import "encoding/binary"

const footerLen = 40

type blockHandle struct {
	offset uint64
	size   uint64
}

func (h blockHandle) isNull() bool { return h.offset == 0 && h.size == 0 }

func encodeFooter(metaIndex blockHandle) []byte {
	buf := make([]byte, footerLen)
	binary.LittleEndian.PutUint64(buf[0:], metaIndex.offset)
	binary.LittleEndian.PutUint64(buf[8:], metaIndex.size)
	// bytes 16..32 hold the reserved index handle, left null
	binary.LittleEndian.PutUint64(buf[32:], magic)
	return buf
}

// parseFooter reads the footer off the tail of the mapped file and
// returns the meta-index handle.
func parseFooter(data []byte) (blockHandle, error) {
	if len(data) < footerLen {
		return blockHandle{}, corruptionf("file of %d bytes is too small", len(data))
	}
	f := data[len(data)-footerLen:]
	if m := binary.LittleEndian.Uint64(f[32:]); m != magic {
		return blockHandle{}, corruptionf("bad magic number %#x", m)
	}
	h := blockHandle{
		offset: binary.LittleEndian.Uint64(f[0:]),
		size:   binary.LittleEndian.Uint64(f[8:]),
	}
	if h.isNull() || h.offset+h.size > uint64(len(data)-footerLen) {
		return blockHandle{}, corruptionf("meta-index handle is out of bounds")
	}
	return h, nil
}

// --------------------------------------------------------------------

type metaIndexEntry struct {
	name string
	bh   blockHandle
}

func encodeMetaIndex(entries []metaIndexEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.name)))
		buf = append(buf, e.name...)
		buf = binary.AppendUvarint(buf, e.bh.offset)
		buf = binary.AppendUvarint(buf, e.bh.size)
	}
	return appendBlockSum(buf)
}

func decodeMetaIndex(b []byte) (map[string]blockHandle, error) {
	payload, err := verifyBlock("meta-index block", b)
	if err != nil {
		return nil, err
	}

	cnt, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, corruptionf("malformed meta-index block")
	}
	payload = payload[n:]

	handles := make(map[string]blockHandle, cnt)
	for i := uint64(0); i < cnt; i++ {
		nameLen, n := binary.Uvarint(payload)
		if n <= 0 || uint64(len(payload)-n) < nameLen {
			return nil, corruptionf("malformed meta-index block")
		}
		name := string(payload[n : n+int(nameLen)])
		payload = payload[n+int(nameLen):]

		var bh blockHandle
		if bh.offset, n = binary.Uvarint(payload); n <= 0 {
			return nil, corruptionf("malformed meta-index block")
		}
		payload = payload[n:]
		if bh.size, n = binary.Uvarint(payload); n <= 0 {
			return nil, corruptionf("malformed meta-index block")
		}
		payload = payload[n:]
		handles[name] = bh
	}
	return handles, nil
}
