// Package pathvalidator checks a claimed proof and the movement speed of a
// path of 8-bit coordinates.
//
// A path is a byte sequence read as consecutive (x, y) points. Its proof is
// a Keccak-256 hash chain over 32-byte chunks of the path, and its speed is
// the largest Euclidean step between consecutive points.
package pathvalidator

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// ChunkSize is the number of path bytes folded into each chain link.
	ChunkSize = 32

	// chainPrefix is the leading byte of every hashed link.
	chainPrefix byte = 0x01
)

// ComputeDigest folds path into a Keccak-256 hash chain:
//
//	h1 = keccak256(0x01 ‖ chunk1)
//	hN = keccak256(0x01 ‖ hN-1 ‖ chunkN)
//
// The last chunk may be shorter than ChunkSize. The boolean is false for an
// empty path, which has no digest.
func ComputeDigest(path []byte) (common.Hash, bool) {
	var (
		digest  common.Hash
		present bool
		prefix  = []byte{chainPrefix}
	)
	for start := 0; start < len(path); start += ChunkSize {
		end := start + ChunkSize
		if end > len(path) {
			end = len(path)
		}
		chunk := path[start:end]
		if !present {
			digest = crypto.Keccak256Hash(prefix, chunk)
			present = true
			continue
		}
		digest = crypto.Keccak256Hash(prefix, digest.Bytes(), chunk)
	}
	return digest, present
}
