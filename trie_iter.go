package ziptable

import "sort"

// trieFrame is one step of the root-to-node path held by a trieIter.
type trieFrame struct {
	pos     int // louds position of the node's set bit
	id      int
	keyLen  int // length of the iterator key up to this node
	chStart int
	chEnd   int
}

// trieIter walks the trie in lexicographic key order, in both
// directions. The iterator key excludes the table's common prefix.
type trieIter struct {
	t     *trieIndex
	stack []trieFrame
	key   []byte
	valid bool
}

func newTrieIter(t *trieIndex) *trieIter {
	return &trieIter{t: t}
}

func (it *trieIter) reset() {
	it.stack = it.stack[:0]
	it.key = it.key[:0]
	it.valid = false

	start, end := it.t.childRange(1)
	it.stack = append(it.stack, trieFrame{pos: 0, id: 1, chStart: start, chEnd: end})
}

func (it *trieIter) top() *trieFrame { return &it.stack[len(it.stack)-1] }

func (it *trieIter) pushChild(pos int) {
	id := it.t.nodeID(pos)
	it.key = append(it.key, it.t.label(id))
	it.key = append(it.key, it.t.nodeTail(id)...)
	start, end := it.t.childRange(id)
	it.stack = append(it.stack, trieFrame{pos: pos, id: id, keyLen: len(it.key), chStart: start, chEnd: end})
}

func (it *trieIter) pop() trieFrame {
	f := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	if len(it.stack) > 0 {
		it.key = it.key[:it.top().keyLen]
	} else {
		it.key = it.key[:0]
	}
	return f
}

// descendFirstTerm descends along first children until a terminal
// node is on top.
func (it *trieIter) descendFirstTerm() {
	for !it.t.isTerm(it.top().id) {
		it.pushChild(it.top().chStart)
	}
	it.valid = true
}

// descendLastLeaf descends along last children to the final key of
// the subtree.
func (it *trieIter) descendLastLeaf() {
	for f := it.top(); f.chEnd > f.chStart; f = it.top() {
		it.pushChild(f.chEnd - 1)
	}
	it.valid = true
}

func (it *trieIter) seekFirst() {
	it.reset()
	if it.t.numKeys == 0 {
		return
	}
	it.descendFirstTerm()
}

func (it *trieIter) seekLast() {
	it.reset()
	if it.t.numKeys == 0 {
		return
	}
	it.descendLastLeaf()
}

func (it *trieIter) next() {
	if !it.valid {
		return
	}
	if f := it.top(); f.chEnd > f.chStart {
		it.pushChild(f.chStart)
		it.descendFirstTerm()
		return
	}
	it.siblingOrUp()
}

// siblingOrUp advances to the first key after the current subtree.
func (it *trieIter) siblingOrUp() {
	for len(it.stack) > 1 {
		f := it.pop()
		if f.pos+1 < it.top().chEnd {
			it.pushChild(f.pos + 1)
			it.descendFirstTerm()
			return
		}
	}
	it.valid = false
}

func (it *trieIter) prev() {
	if !it.valid {
		return
	}
	for len(it.stack) > 1 {
		f := it.pop()
		p := it.top()
		if f.pos > p.chStart {
			it.pushChild(f.pos - 1)
			it.descendLastLeaf()
			return
		}
		if it.t.isTerm(p.id) {
			it.valid = true
			return
		}
	}
	it.valid = false
}

// seek positions the iterator on the smallest key >= target and
// reports whether such a key exists.
func (it *trieIter) seek(target []byte) bool {
	it.reset()
	if it.t.numKeys == 0 {
		return false
	}

	i := 0
	for {
		if i >= len(target) {
			it.descendFirstTerm()
			return true
		}

		f := it.top()
		deg := f.chEnd - f.chStart
		if deg <= 0 {
			it.siblingOrUp()
			return it.valid
		}
		first := it.t.louds.rank1(f.chStart + 1)
		ls := it.t.labels[first-2 : first-2+deg]
		j := sort.Search(deg, func(k int) bool { return ls[k] >= target[i] })
		if j == deg {
			it.siblingOrUp()
			return it.valid
		}

		it.pushChild(f.chStart + j)
		if ls[j] > target[i] {
			it.descendFirstTerm()
			return true
		}
		i++

		tail := it.t.nodeTail(it.top().id)
		for k := 0; k < len(tail); k++ {
			if i >= len(target) {
				it.descendFirstTerm()
				return true
			}
			if tail[k] != target[i] {
				if tail[k] > target[i] {
					it.descendFirstTerm()
					return true
				}
				it.siblingOrUp()
				return it.valid
			}
			i++
		}
	}
}

// currentKey is valid until the next reposition.
func (it *trieIter) currentKey() []byte { return it.key }

// id returns the record id of the current key.
func (it *trieIter) id() uint32 { return it.t.wordID(it.top().id) }
