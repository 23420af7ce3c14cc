// Package merkle builds binary SHA-256 Merkle trees over hex leaf hashes and
// produces and checks inclusion proofs.
//
// Nodes are combined as Hash(left + right) over their hex strings, not their
// raw bytes. A layer with an odd number of nodes duplicates its last node.
// A tree with one leaf has that leaf as its root and empty proofs.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

var (
	// ErrNoLeaves is returned when building a tree from an empty leaf set.
	ErrNoLeaves = errors.New("merkle tree needs at least one leaf")

	// ErrLeafIndex is returned when a proof is requested for a leaf that does
	// not exist.
	ErrLeafIndex = errors.New("leaf index out of range")
)

// BuildTree returns the root and every layer of the tree. layers[0] is a copy
// of leaves and the last layer holds only the root.
func BuildTree(leaves []string) (root string, layers [][]string, err error) {
	if len(leaves) == 0 {
		return "", nil, ErrNoLeaves
	}

	current := append([]string(nil), leaves...)
	layers = [][]string{current}

	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layers = append(layers, next)
		current = next
	}

	return current[0], layers, nil
}

// GetProof returns the sibling path from leaf leafIndex to the root. When a
// node has no sibling, the node itself is used and tagged as right, matching
// the duplication in BuildTree.
func GetProof(layers [][]string, leafIndex int) ([]interfaces.MerkleProofStep, error) {
	if len(layers) == 0 || leafIndex < 0 || leafIndex >= len(layers[0]) {
		return nil, fmt.Errorf("%w: %d", ErrLeafIndex, leafIndex)
	}

	proof := make([]interfaces.MerkleProofStep, 0, len(layers)-1)
	idx := leafIndex
	for _, layer := range layers[:len(layers)-1] {
		isRight := idx%2 == 1
		siblingIdx := idx + 1
		position := interfaces.PositionRight
		if isRight {
			siblingIdx = idx - 1
			position = interfaces.PositionLeft
		}

		if siblingIdx < len(layer) {
			proof = append(proof, interfaces.MerkleProofStep{Hash: layer[siblingIdx], Position: position})
		} else {
			proof = append(proof, interfaces.MerkleProofStep{Hash: layer[idx], Position: interfaces.PositionRight})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyProof folds leaf with each step of proof and compares the result to
// root. It needs no state beyond its arguments. Steps with an unknown
// position never verify.
func VerifyProof(leaf string, proof []interfaces.MerkleProofStep, root string) bool {
	acc := leaf
	for _, step := range proof {
		switch step.Position {
		case interfaces.PositionLeft:
			acc = hashPair(step.Hash, acc)
		case interfaces.PositionRight:
			acc = hashPair(acc, step.Hash)
		default:
			return false
		}
	}
	return acc == root
}

// Proofs builds the tree over leaves and returns the proof of every leaf in
// leaf order.
func Proofs(leaves []string) (root string, proofs [][]interfaces.MerkleProofStep, err error) {
	root, layers, err := BuildTree(leaves)
	if err != nil {
		return "", nil, err
	}

	proofs = make([][]interfaces.MerkleProofStep, len(leaves))
	for i := range leaves {
		if proofs[i], err = GetProof(layers, i); err != nil {
			return "", nil, err
		}
	}
	return root, proofs, nil
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
