package lookup

// Trie maps byte-string keys, typically content hashes, to values. Lookups
// take one map access per key byte.
//
// A Trie is not safe for concurrent writes. Once built it may be read from
// any number of goroutines.
type Trie[V any] struct {
	root trieNode[V]
	n    int
}

type trieNode[V any] struct {
	children map[byte]*trieNode[V]
	leaves   map[byte]V
}

// Set stores v under key, replacing any previous value. An empty key is
// ignored.
func (t *Trie[V]) Set(key []byte, v V) {
	if len(key) == 0 {
		return
	}
	n := &t.root
	for _, b := range key[:len(key)-1] {
		child, ok := n.children[b]
		if !ok {
			if n.children == nil {
				n.children = make(map[byte]*trieNode[V])
			}
			child = &trieNode[V]{}
			n.children[b] = child
		}
		n = child
	}
	last := key[len(key)-1]
	if n.leaves == nil {
		n.leaves = make(map[byte]V)
	}
	if _, exists := n.leaves[last]; !exists {
		t.n++
	}
	n.leaves[last] = v
}

// Find returns the value stored under key.
func (t *Trie[V]) Find(key []byte) (V, bool) {
	var zero V
	if len(key) == 0 {
		return zero, false
	}
	n := &t.root
	for _, b := range key[:len(key)-1] {
		child, ok := n.children[b]
		if !ok {
			return zero, false
		}
		n = child
	}
	v, ok := n.leaves[key[len(key)-1]]
	return v, ok
}

// Len returns the number of keys.
func (t *Trie[V]) Len() int {
	return t.n
}
