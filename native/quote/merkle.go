package quote

import (
	"bytes"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidProof = errors.New("quote merkle: proof does not match root")

// LeafHash double-hashes the ABI-encoded tuple. The outer hash prevents a
// second-preimage attack where an inner node is presented as a leaf.
func LeafHash(tuple QuoteTuple) ([32]byte, error) {
	var leaf [32]byte
	encoded, err := EncodeTuple(tuple)
	if err != nil {
		return leaf, err
	}
	copy(leaf[:], ethcrypto.Keccak256(ethcrypto.Keccak256(encoded)))
	return leaf, nil
}

func hashPair(a, b [32]byte) [32]byte {
	var out [32]byte
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	copy(out[:], ethcrypto.Keccak256(a[:], b[:]))
	return out
}

// Tree is a sorted-pair Merkle tree over a quote's tuple list. Lenders build
// it once to obtain the root they commit to off chain; borrowers use it to
// extract the proof for the tuple they select.
type Tree struct {
	leaves [][32]byte
	levels [][][32]byte
}

// BuildTree constructs the Merkle tree for the ordered tuple list.
func BuildTree(tuples []QuoteTuple) (*Tree, error) {
	if len(tuples) == 0 {
		return nil, fmt.Errorf("quote merkle: no tuples")
	}
	leaves := make([][32]byte, len(tuples))
	for i, tuple := range tuples {
		leaf, err := LeafHash(tuple)
		if err != nil {
			return nil, fmt.Errorf("tuple %d: %w", i, err)
		}
		leaves[i] = leaf
	}
	levels := [][][32]byte{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 == len(current) {
				// Odd node is carried up unchanged.
				next = append(next, current[i])
				continue
			}
			next = append(next, hashPair(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{leaves: leaves, levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling hashes proving inclusion of the leaf at idx.
func (t *Tree) Proof(idx int) ([][32]byte, error) {
	if idx < 0 || idx >= len(t.leaves) {
		return nil, fmt.Errorf("quote merkle: leaf index %d out of range", idx)
	}
	var proof [][32]byte
	pos := idx
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyTuple checks the inclusion proof of the borrower-selected tuple
// against the quote's committed root and returns a defensive copy of the
// tuple on success. Any mismatch fails the whole selection.
func VerifyTuple(root [32]byte, tuple QuoteTuple, proof [][32]byte) (QuoteTuple, error) {
	leaf, err := LeafHash(tuple)
	if err != nil {
		return QuoteTuple{}, err
	}
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	if computed != root {
		return QuoteTuple{}, ErrInvalidProof
	}
	return tuple.Clone(), nil
}
