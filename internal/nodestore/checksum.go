package nodestore

import "github.com/cespare/xxhash/v2"

// Checksum returns the xxhash-64 of a node's payload bytes (header
// excluded), the content every checksum policy in
// config.ChecksumPolicy protects.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// VerifyChecksum reports whether want matches the checksum of payload. A
// stored checksum of 0 means the active policy has deferred computing it
// (see config.ChecksumPolicy); callers must treat 0 as "not yet verifiable"
// rather than as a mismatch.
func VerifyChecksum(payload []byte, want uint64) bool {
	if want == 0 {
		return true
	}
	return Checksum(payload) == want
}
