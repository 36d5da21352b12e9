package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/aalhour/plexkv"
)

type op int

const (
	opGet op = iota
	opSet
	opDelete
	opCompact
	opSync
	opStats
	opRebuildBloom
	opOptions
)

var opNames = map[string]op{
	"get":           opGet,
	"set":           opSet,
	"delete":        opDelete,
	"compact":       opCompact,
	"sync":          opSync,
	"stats":         opStats,
	"rebuild-bloom": opRebuildBloom,
	"options":       opOptions,
}

// command is one parsed plexctl invocation. Set and Delete are the commands
// the database logs; the rest only read or maintain it.
type command struct {
	op        op
	key       string
	value     string
	partition int // -1 compacts every partition
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, fmt.Errorf("no command given")
	}
	o, ok := opNames[args[0]]
	if !ok {
		return command{}, fmt.Errorf("unknown command: %s", args[0])
	}
	args = args[1:]
	cmd := command{op: o, partition: -1}

	switch o {
	case opGet, opDelete:
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: plexctl %s <key>", opNameOf(o))
		}
		cmd.key = args[0]
	case opSet:
		if len(args) != 2 {
			return command{}, fmt.Errorf("usage: plexctl set <key> <value>")
		}
		cmd.key, cmd.value = args[0], args[1]
	case opCompact:
		switch len(args) {
		case 0:
		case 1:
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return command{}, fmt.Errorf("invalid partition id %q", args[0])
			}
			cmd.partition = int(id)
		default:
			return command{}, fmt.Errorf("usage: plexctl compact [partition]")
		}
	default:
		if len(args) != 0 {
			return command{}, fmt.Errorf("%s takes no arguments", opNameOf(o))
		}
	}
	if (o == opGet || o == opSet || o == opDelete) && cmd.key == "" {
		return command{}, plexkv.ErrKeyIsEmpty
	}
	return cmd, nil
}

func opNameOf(o op) string {
	for name, v := range opNames {
		if v == o {
			return name
		}
	}
	return "unknown"
}

func execute(db *plexkv.DB, cmd command, out io.Writer) error {
	switch cmd.op {
	case opGet:
		value, err := db.Get(cmd.key)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, value)
	case opSet:
		if err := db.Set(cmd.key, cmd.value); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case opDelete:
		if err := db.Delete(cmd.key); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
	case opCompact:
		if cmd.partition >= 0 {
			if err := db.Compact(uint32(cmd.partition)); err != nil {
				return err
			}
			fmt.Fprintf(out, "compacted partition %d\n", cmd.partition)
			return nil
		}
		if err := db.CompactAll(); err != nil {
			return err
		}
		fmt.Fprintln(out, "compacted all partitions")
	case opSync:
		if err := db.Sync(); err != nil {
			return err
		}
		s, err := db.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "checkpoint %d\n", s.Checkpoint)
	case opStats:
		s, err := db.Stats()
		if err != nil {
			return err
		}
		printStats(out, s)
	case opRebuildBloom:
		rebuilt, err := db.RebuildBloomFilters()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rebuilt %d bloom filters %v\n", len(rebuilt), rebuilt)
	default:
		return fmt.Errorf("command %s needs no database", opNameOf(cmd.op))
	}
	return nil
}

func printStats(out io.Writer, s plexkv.Stats) {
	fmt.Fprintf(out, "keys: %d  bytes: %d  tombstones: %d\n", s.TotalKeys, s.TotalBytes, s.TotalTombstones)
	fmt.Fprintf(out, "compactions: %d  corruptions: %d  rebalance needed: %t\n",
		s.Compactions, s.Corruptions, s.RebalanceNeeded)
	fmt.Fprintf(out, "bloom: %d negatives, %d false positives\n", s.BloomNegatives, s.BloomFalsePositives)
	fmt.Fprintf(out, "wal: %d files, last sequence %d, checkpoint %d\n",
		s.WAL.Files, s.WAL.LastSequence, s.Checkpoint)
	fmt.Fprintf(out, "read cache: %d/%d entries, hit rate %.2f\n",
		s.ReadCache.Size, s.ReadCache.Capacity, s.ReadCache.HitRate())
	fmt.Fprintf(out, "compressed cache: %d/%d entries, ratio %.2f\n",
		s.CompressedCache.Size, s.CompressedCache.Capacity, s.CompressionStats.Ratio())
	fmt.Fprintf(out, "block cache: %d/%d blocks, hit rate %.2f\n",
		s.BlockCache.Size, s.BlockCache.Capacity, s.BlockCache.HitRate())
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%-4s %6s %10s %12s %10s %12s %8s\n", "id", "gen", "keys", "bytes", "tombstones", "bloom fp", "healthy")
	for i, p := range s.Partitions {
		fp, healthy := 0.0, true
		if i < len(s.Bloom) {
			fp, healthy = s.Bloom[i].CurrentFPRate, s.Bloom[i].IsHealthy()
		}
		fmt.Fprintf(out, "%-4d %6d %10d %12d %10d %12.5f %8t\n",
			p.ID, p.Generation, p.KeyCount, p.SizeBytes, p.TombstoneCount, fp, healthy)
	}
}
