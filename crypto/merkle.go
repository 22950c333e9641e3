package crypto

import (
	"bytes"
	"fmt"
	"hash"

	cmt "github.com/cbergoon/merkletree"
)

// leafContent adapts a raw digest to cbergoon/merkletree's Content
// interface so the tree hashes with our keyed AES hash rather than its
// default sha256.
type leafContent struct {
	data []byte
	hs   HashState
}

func (l leafContent) CalculateHash() ([]byte, error) {
	h := l.hs.DoHash(l.data)
	return h[:], nil
}

func (l leafContent) Equals(other cmt.Content) (bool, error) {
	o, ok := other.(leafContent)
	if !ok {
		return false, fmt.Errorf("merkle: incompatible content type")
	}
	return bytes.Equal(l.data, o.data), nil
}

// hsHasher exposes HashState as a hash.Hash so the library hashes inner
// nodes with the same keyed AES hash as the leaves.
type hsHasher struct {
	hs  HashState
	buf []byte
}

func (h *hsHasher) Write(p []byte) (int, error) { h.buf = append(h.buf, p...); return len(p), nil }
func (h *hsHasher) Sum(b []byte) []byte          { d := h.hs.DoHash(h.buf); return append(b, d[:]...) }
func (h *hsHasher) Reset()                       { h.buf = nil }
func (h *hsHasher) Size() int                    { return HashSize }
func (h *hsHasher) BlockSize() int               { return 16 }

// Tree is a Merkle tree over opaque leaves, used for ASKS share
// commitments and RBC shard hashes.
type Tree struct {
	tree *cmt.MerkleTree
	hs   HashState
	n    int
}

// NewTree builds a tree over leaves, in order.
func NewTree(hs HashState, leaves [][]byte) (*Tree, error) {
	contents := make([]cmt.Content, len(leaves))
	for i, leaf := range leaves {
		contents[i] = leafContent{data: leaf, hs: hs}
	}
	t, err := cmt.NewTreeWithHashStrategy(contents, func() hash.Hash { return &hsHasher{hs: hs} })
	if err != nil {
		return nil, err
	}
	return &Tree{tree: t, hs: hs, n: len(leaves)}, nil
}

func (t *Tree) Root() Hash {
	var h Hash
	copy(h[:], t.tree.MerkleRoot())
	return h
}

// Proof is a self-contained Merkle inclusion proof: the leaf value plus
// the sibling path needed to recompute the root.
type Proof struct {
	Item    []byte
	Root    Hash
	Path    []Hash
	Order   []bool // true: sibling is on the left
}

// GenProof returns the inclusion proof for leaves[index].
func (t *Tree) GenProof(index int, leaf []byte) (Proof, error) {
	path, order, err := t.tree.GetMerklePath(leafContent{data: leaf, hs: t.hs})
	if err != nil {
		return Proof{}, err
	}
	hashPath := make([]Hash, len(path))
	orderBools := make([]bool, len(order))
	for i, p := range path {
		copy(hashPath[i][:], p)
		orderBools[i] = order[i] == 0 // the library's index 0 means the sibling is the left child
	}
	return Proof{Item: leaf, Root: t.Root(), Path: hashPath, Order: orderBools}, nil
}

// Validate recomputes the root from Item and Path and checks it against
// Root, independent of any live tree — this is the check a remote party
// runs on a proof it received over the wire.
func (p Proof) Validate(hs HashState) bool {
	cur := hs.DoHash(p.Item)
	for i, sib := range p.Path {
		var combined []byte
		if p.Order[i] {
			combined = append(append([]byte{}, sib[:]...), cur[:]...)
		} else {
			combined = append(append([]byte{}, cur[:]...), sib[:]...)
		}
		cur = hs.DoHash(combined)
	}
	return bytes.Equal(cur[:], p.Root[:])
}
