package proof

import (
	"bytes"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Verify checks Merkle membership of the supplied leaf against the root using
// sorted-pair keccak256 hashing. Plan, discount and DCA asset catalogs live
// off-chain; the protocol stores only their roots and callers supply the leaf
// together with its sibling path.
func Verify(root [32]byte, leaf [32]byte, path [][32]byte) bool {
	computed := leaf
	for _, sibling := range path {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

// LeafHash derives the canonical leaf digest for an encoded catalog record.
func LeafHash(encoded []byte) [32]byte {
	return ethcrypto.Keccak256Hash(encoded)
}

func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}
