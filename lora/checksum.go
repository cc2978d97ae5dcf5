// checksum.go - adapter integrity verification (spec.md §4.6, §7).
//
// sha256 uses the standard library (no third-party sha256 implementation
// anywhere in the retrieval pack improves on crypto/sha256); blake3 uses
// github.com/zeebo/blake3, present across the pack's adapter-manifest
// grounding for the second supported algorithm.
package lora

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// VerifyChecksum computes the checksum over data using algo and reports
// whether it matches want (a 64-hex-char digest). A mismatch is never
// fatal on its own per spec.md §4.6 — callers set checksumValid=false and
// continue, or opt in to failing.
func VerifyChecksum(data []byte, algo ChecksumAlgorithm, want string) (bool, string) {
	var got string
	switch algo {
	case ChecksumBlake3:
		sum := blake3.Sum256(data)
		got = hex.EncodeToString(sum[:])
	default: // ChecksumSHA256 and unset default to sha256
		sum := sha256.Sum256(data)
		got = hex.EncodeToString(sum[:])
	}
	return got == want, got
}

// ChecksumInlineTensors hashes the concatenation of the tensors' f32
// little-endian bytes in ascending tensor-name order. The map carries no
// manifest order, so the order in which the manifest lists the tensors
// does not affect the hash.
func ChecksumInlineTensors(tensorsByName map[string][]float32, algo ChecksumAlgorithm, want string) (bool, string) {
	names := make([]string, 0, len(tensorsByName))
	for n := range tensorsByName {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf []byte
	for _, n := range names {
		buf = append(buf, f32ToLEBytes(tensorsByName[n])...)
	}
	return VerifyChecksum(buf, algo, want)
}
