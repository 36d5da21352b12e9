/*
Package plexkv provides an embedded, partitioned, log-structured key/value
store.

Keys are routed by hash to a fixed number of partitions. Each partition
appends checksummed records to its own segment files and keeps an in-memory
index of where the newest record for every key lives, plus a bloom filter
that answers most lookups for absent keys without touching the index or the
disk. Deletes write tombstones; compaction rewrites a partition's live
records into a single new segment.

Every mutation is first appended to a write-ahead log shared by all
partitions. A CHECKPOINT file records the last WAL sequence known to be
durable in the segments, and Open replays everything after it.

Reads go through a layered cache: a sharded LRU of values in front of a
larger LRU of compressed values, and a per-partition cache of segment
blocks below the index.

# Layout

	<path>/LOCK
	<path>/CHECKPOINT
	<path>/wal/wal_<created>_<first seq>.log
	<path>/data/partition_000/data_000000.log
	<path>/data/bloom/bloom_filter_000.bf

# Concurrency

A DB is safe for concurrent use by multiple goroutines. Writes to different
partitions proceed in parallel; writes to the same partition are serialized.
*/
package plexkv
