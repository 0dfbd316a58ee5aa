package ziptable

import (
	"bytes"
	"encoding/binary"
	"sort"
)

const (
	trieVersion   = 1
	trieHeaderLen = 48
)

// --------------------------------------------------------------------
// Build side.

type protoNode struct {
	label    byte
	tail     []byte
	term     bool
	children []*protoNode
	id       int // level order, 1-based
	wordID   uint32
}

type protoTrie struct {
	root     *protoNode
	numKeys  int
	numNodes int
	numTails int
	tailLen  int
}

// buildProtoTrie builds a path-compressed trie from distinct,
// bytewise-sorted keys. Edge tails alias the key bytes and must not
// outlive them.
func buildProtoTrie(keys [][]byte, maxTail int) *protoTrie {
	pt := &protoTrie{root: &protoNode{}, numKeys: len(keys)}
	if len(keys) > 0 {
		pt.insert(pt.root, keys, 0, maxTail)
	}
	pt.number()
	return pt
}

func (pt *protoTrie) insert(n *protoNode, keys [][]byte, depth, maxTail int) {
	if len(keys[0]) == depth {
		n.term = true
		keys = keys[1:]
	}
	for len(keys) > 0 {
		c := keys[0][depth]
		j := 1
		for j < len(keys) && keys[j][depth] == c {
			j++
		}
		group := keys[:j]
		keys = keys[j:]

		// sorted group: the common prefix of all members is the
		// common prefix of the first and last
		lcp := commonPrefixLen(group[0][depth:], group[len(group)-1][depth:])
		if lcp > maxTail {
			lcp = maxTail
		}
		child := &protoNode{label: c}
		if lcp > 1 {
			child.tail = group[0][depth+1 : depth+lcp]
		}
		n.children = append(n.children, child)
		pt.insert(child, group, depth+lcp, maxTail)
	}
}

func (pt *protoTrie) number() {
	queue := []*protoNode{pt.root}
	id, words := 0, 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		id++
		n.id = id
		if n.term {
			n.wordID = uint32(words)
			words++
		}
		if len(n.tail) > 0 {
			pt.numTails++
			pt.tailLen += len(n.tail)
		}
		queue = append(queue, n.children...)
	}
	pt.numNodes = id
}

// walkLex visits terminal nodes in lexicographic key order, yielding
// the byte-lex rank alongside the node whose wordID is the record id
// after reorder.
func (pt *protoTrie) walkLex(fn func(oldID uint32, n *protoNode)) {
	var oldID uint32
	var dfs func(n *protoNode)
	dfs = func(n *protoNode) {
		if n.term {
			fn(oldID, n)
			oldID++
		}
		for _, c := range n.children {
			dfs(c)
		}
	}
	dfs(pt.root)
}

func (pt *protoTrie) serialize() []byte {
	var louds, term, tailFlag bitBuilder
	louds.push(true) // super root
	louds.push(false)

	labels := make([]byte, 0, pt.numNodes-1)
	tailOffs := make([]uint32, 0, pt.numTails+1)
	tails := make([]byte, 0, pt.tailLen)

	queue := []*protoNode{pt.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		term.push(n.term)
		tailFlag.push(len(n.tail) > 0)
		if len(n.tail) > 0 {
			tailOffs = append(tailOffs, uint32(len(tails)))
			tails = append(tails, n.tail...)
		}
		louds.pushRun(len(n.children))
		for _, c := range n.children {
			labels = append(labels, c.label)
			queue = append(queue, c)
		}
	}
	tailOffs = append(tailOffs, uint32(len(tails)))

	buf := make([]byte, trieHeaderLen, trieHeaderLen+8*(len(louds.words)+2*len(term.words))+4*len(tailOffs)+align8(len(labels))+len(tails))
	binary.LittleEndian.PutUint32(buf[0:], trieVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(pt.numKeys))
	binary.LittleEndian.PutUint64(buf[16:], uint64(pt.numNodes))
	binary.LittleEndian.PutUint64(buf[24:], uint64(pt.numTails))
	binary.LittleEndian.PutUint64(buf[32:], uint64(len(tails)))

	buf = appendUint64s(buf, louds.words)
	buf = appendUint64s(buf, term.words)
	buf = appendUint64s(buf, tailFlag.words)
	for _, o := range tailOffs {
		buf = binary.LittleEndian.AppendUint32(buf, o)
	}
	for len(buf)%blockAlign != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, labels...)
	for len(buf)%blockAlign != 0 {
		buf = append(buf, 0)
	}
	return append(buf, tails...)
}

func appendUint64s(dst []byte, words []uint64) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

// --------------------------------------------------------------------
// Load side.

// trieIndex is the loaded key index. All byte sections alias the
// serialized block; only the rank directories and the optional
// dispatch cache are allocated.
type trieIndex struct {
	louds    bitVector
	term     bitVector
	tailFlag bitVector
	tailOffs []uint32
	labels   []byte
	tails    []byte

	numKeys  int
	numNodes int

	// root dispatch accelerator, first byte to child position
	dispatch []int32
}

func openTrieIndex(payload []byte, cacheRatio float64) (*trieIndex, error) {
	if len(payload) < trieHeaderLen {
		return nil, corruptionf("index block is truncated")
	}
	if v := binary.LittleEndian.Uint32(payload); v != trieVersion {
		return nil, corruptionf("unknown index version %d", v)
	}

	t := &trieIndex{
		numKeys:  int(binary.LittleEndian.Uint64(payload[8:])),
		numNodes: int(binary.LittleEndian.Uint64(payload[16:])),
	}
	numTails := int(binary.LittleEndian.Uint64(payload[24:]))
	tailLen := int(binary.LittleEndian.Uint64(payload[32:]))
	if t.numNodes < 1 || t.numKeys > t.numNodes || numTails > t.numNodes {
		return nil, corruptionf("index block header is inconsistent")
	}

	loudsBits := 2*t.numNodes + 1
	loudsWords := (loudsBits + 63) / 64
	nodeWords := (t.numNodes + 63) / 64

	pos := trieHeaderLen
	need := 8*(loudsWords+2*nodeWords) + align8(4*(numTails+1)) + align8(t.numNodes-1) + tailLen
	if len(payload)-pos < need {
		return nil, corruptionf("index block is truncated")
	}

	t.louds.init(asUint64s(payload[pos:pos+8*loudsWords]), loudsBits)
	pos += 8 * loudsWords
	t.term.init(asUint64s(payload[pos:pos+8*nodeWords]), t.numNodes)
	pos += 8 * nodeWords
	t.tailFlag.init(asUint64s(payload[pos:pos+8*nodeWords]), t.numNodes)
	pos += 8 * nodeWords
	t.tailOffs = asUint32s(payload[pos : pos+4*(numTails+1)])
	pos = align8(pos + 4*(numTails+1))
	t.labels = payload[pos : pos+t.numNodes-1]
	pos = align8(pos + t.numNodes - 1)
	t.tails = payload[pos : pos+tailLen]

	if t.term.ones() != t.numKeys || t.tailFlag.ones() != numTails {
		return nil, corruptionf("index block bit counts are inconsistent")
	}

	if cacheRatio > 0 && t.numNodes > 1 {
		t.buildDispatch()
	}
	return t, nil
}

func (t *trieIndex) buildDispatch() {
	t.dispatch = make([]int32, 256)
	for i := range t.dispatch {
		t.dispatch[i] = -1
	}
	start, end := t.childRange(1)
	first := t.louds.rank1(start + 1)
	for p := start; p < end; p++ {
		t.dispatch[t.labels[first-2+(p-start)]] = int32(p)
	}
}

// childRange returns the louds position range holding the children of
// the node with the given level-order id.
func (t *trieIndex) childRange(id int) (int, int) {
	return t.louds.select0(id) + 1, t.louds.select0(id + 1)
}

// childPos locates the child of id carrying label c.
func (t *trieIndex) childPos(id int, c byte) (int, bool) {
	if id == 1 && t.dispatch != nil {
		if p := t.dispatch[c]; p >= 0 {
			return int(p), true
		}
		return 0, false
	}
	start, end := t.childRange(id)
	deg := end - start
	if deg <= 0 {
		return 0, false
	}
	first := t.louds.rank1(start + 1)
	ls := t.labels[first-2 : first-2+deg]
	j := sort.Search(deg, func(k int) bool { return ls[k] >= c })
	if j == deg || ls[j] != c {
		return 0, false
	}
	return start + j, true
}

func (t *trieIndex) nodeID(pos int) int { return t.louds.rank1(pos + 1) }

func (t *trieIndex) label(id int) byte { return t.labels[id-2] }

func (t *trieIndex) nodeTail(id int) []byte {
	if !t.tailFlag.get(id - 1) {
		return nil
	}
	ti := t.tailFlag.rank1(id - 1)
	return t.tails[t.tailOffs[ti]:t.tailOffs[ti+1]]
}

func (t *trieIndex) isTerm(id int) bool { return t.term.get(id - 1) }

// wordID maps a terminal node to its record id.
func (t *trieIndex) wordID(id int) uint32 { return uint32(t.term.rank1(id - 1)) }

// find returns the record id of key, which must already be stripped
// of the table's common prefix.
func (t *trieIndex) find(key []byte) (uint32, bool) {
	id, i := 1, 0
	for i < len(key) {
		pos, ok := t.childPos(id, key[i])
		if !ok {
			return 0, false
		}
		id = t.nodeID(pos)
		i++
		if tail := t.nodeTail(id); len(tail) > 0 {
			if len(key)-i < len(tail) || !bytes.Equal(key[i:i+len(tail)], tail) {
				return 0, false
			}
			i += len(tail)
		}
	}
	if !t.isTerm(id) {
		return 0, false
	}
	return t.wordID(id), true
}
