// Package checksum provides the checksums and key hashes used by PlexKV.
//
// This package implements:
//   - CRC32 (IEEE polynomial) for segment records, WAL entries and bloom files
//   - KeyHash, a 64-bit XXH3 hash used for partition routing and as the
//     first bloom filter hash
//   - SecondaryHash, a keyed 64-bit HighwayHash used as the second bloom
//     filter hash
//
// CRC32 values are stored unmasked in little-endian order.
package checksum

import (
	"hash/crc32"
)

// Size is the encoded size of a CRC32 checksum in bytes.
const Size = 4

// Value computes the CRC32 (IEEE) checksum of data.
func Value(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Extend computes the CRC32 of concat(A, data) where initCRC is the CRC32 of A.
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, crc32.IEEETable, data)
}

// Verify reports whether data hashes to want. It returns the computed value
// so callers can report both sides of a mismatch.
func Verify(data []byte, want uint32) (uint32, bool) {
	got := Value(data)
	return got, got == want
}
