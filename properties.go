package ziptable

import (
	"encoding/binary"
	"sort"
)

// Standard property names written by every builder.
const (
	propNumEntries   = "num_entries"
	propRawKeySize   = "raw_key_size"
	propRawValueSize = "raw_value_size"
	propDataSize     = "data_size"
	propIndexSize    = "index_size"
	propComparator   = "comparator_name"
)

// User property names with recognized semantics.
const (
	PropertyExternalVersion = "rocksdb.external_sst_file.version"
	PropertyGlobalSeqno     = "rocksdb.external_sst_file.global_seqno"
	PropertyBuildTimestamp  = "TerarkZipTableBuildTimestamp"
)

// Properties is the decoded property block.
type Properties struct {
	NumEntries     uint64
	RawKeySize     uint64
	RawValueSize   uint64
	DataSize       uint64
	IndexSize      uint64
	ComparatorName string

	// UserCollected holds every non-standard property verbatim.
	UserCollected map[string][]byte
}

func encodeProperties(p *Properties) []byte {
	pairs := make(map[string][]byte, len(p.UserCollected)+6)
	for k, v := range p.UserCollected {
		pairs[k] = v
	}
	pairs[propNumEntries] = binary.AppendUvarint(nil, p.NumEntries)
	pairs[propRawKeySize] = binary.AppendUvarint(nil, p.RawKeySize)
	pairs[propRawValueSize] = binary.AppendUvarint(nil, p.RawValueSize)
	pairs[propDataSize] = binary.AppendUvarint(nil, p.DataSize)
	pairs[propIndexSize] = binary.AppendUvarint(nil, p.IndexSize)
	pairs[propComparator] = []byte(p.ComparatorName)

	names := make([]string, 0, len(pairs))
	for k := range pairs {
		names = append(names, k)
	}
	sort.Strings(names)

	buf := binary.AppendUvarint(nil, uint64(len(names)))
	for _, k := range names {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf = binary.AppendUvarint(buf, uint64(len(pairs[k])))
		buf = append(buf, pairs[k]...)
	}
	return appendBlockSum(buf)
}

// decodeProperties parses a property block payload whose checksum has
// already been verified and stripped.
func decodeProperties(payload []byte) (*Properties, error) {
	var err error
	cnt, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, corruptionf("malformed property block")
	}
	payload = payload[n:]

	p := &Properties{UserCollected: make(map[string][]byte)}
	for i := uint64(0); i < cnt; i++ {
		var key string
		var val []byte
		if key, payload, err = readLenPrefixedString(payload); err != nil {
			return nil, err
		}
		if val, payload, err = readLenPrefixed(payload); err != nil {
			return nil, err
		}

		switch key {
		case propNumEntries:
			p.NumEntries, err = decodeUvarintProp(key, val)
		case propRawKeySize:
			p.RawKeySize, err = decodeUvarintProp(key, val)
		case propRawValueSize:
			p.RawValueSize, err = decodeUvarintProp(key, val)
		case propDataSize:
			p.DataSize, err = decodeUvarintProp(key, val)
		case propIndexSize:
			p.IndexSize, err = decodeUvarintProp(key, val)
		case propComparator:
			p.ComparatorName = string(val)
		default:
			p.UserCollected[key] = append([]byte(nil), val...)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, nil, corruptionf("malformed property block")
	}
	return b[n : n+int(l)], b[n+int(l):], nil
}

func readLenPrefixedString(b []byte) (string, []byte, error) {
	v, rest, err := readLenPrefixed(b)
	return string(v), rest, err
}

func decodeUvarintProp(key string, val []byte) (uint64, error) {
	v, n := binary.Uvarint(val)
	if n <= 0 {
		return 0, corruptionf("property %q is malformed", key)
	}
	return v, nil
}

// globalSeqno resolves the sequence assigned to the whole file. Files
// below external version 2 carry none.
func (p *Properties) globalSeqno() (uint64, error) {
	raw, ok := p.UserCollected[PropertyExternalVersion]
	if !ok {
		return 0, nil
	}
	version, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, corruptionf("property %q is malformed", PropertyExternalVersion)
	}
	if version < 2 {
		return 0, nil
	}

	raw, ok = p.UserCollected[PropertyGlobalSeqno]
	if !ok {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, corruptionf("property %q is malformed", PropertyGlobalSeqno)
	}
	seqno := binary.LittleEndian.Uint64(raw)
	if seqno > MaxSequence {
		return 0, corruptionf("global seqno %d exceeds the sequence range", seqno)
	}
	return seqno, nil
}
