package checksum

import (
	"github.com/minio/highwayhash"
	"github.com/zeebo/xxh3"
)

// highwayKey is the fixed 256-bit key for SecondaryHash. It is part of the
// bloom filter on-disk format: changing it invalidates persisted filters.
var highwayKey = []byte("plexkv-bloom-secondary-hash-key!")

// KeyHash returns the 64-bit XXH3 hash of key.
func KeyHash(key []byte) uint64 {
	return xxh3.Hash(key)
}

// KeyHashString is KeyHash for string keys without a copy.
func KeyHashString(key string) uint64 {
	return xxh3.HashString(key)
}

// SecondaryHash returns a 64-bit HighwayHash of key.
// It is independent of KeyHash and is used for double hashing.
func SecondaryHash(key []byte) uint64 {
	return highwayhash.Sum64(key, highwayKey)
}

// SecondaryHashString is SecondaryHash for string keys.
func SecondaryHashString(key string) uint64 {
	return highwayhash.Sum64([]byte(key), highwayKey)
}
