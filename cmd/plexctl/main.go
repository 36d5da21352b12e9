// Package main provides plexctl, a command line tool for PlexKV databases.
//
// Usage:
//
//	plexctl -db=<path> [flags] <command> [args]
//
// Commands:
//
//	get <key>          Print the value of a key
//	set <key> <value>  Store a value
//	delete <key>       Delete a key
//	compact [id]       Compact one partition, or all of them
//	sync               Checkpoint the database
//	stats              Print partition, bloom, cache and WAL statistics
//	rebuild-bloom      Rebuild degraded bloom filters
//	options            Print the effective options as YAML
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/aalhour/plexkv"
	"github.com/aalhour/plexkv/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
)

type config struct {
	dbPath          string
	configPath      string
	partitions      int
	createIfMissing bool
	logLevel        string
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("plexctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg config
	fs.StringVar(&cfg.dbPath, "db", "", "Path to the database (required)")
	fs.StringVar(&cfg.configPath, "config", "", "YAML options file")
	fs.IntVar(&cfg.partitions, "partitions", 0, "Override the partition count (0 = from options)")
	fs.BoolVar(&cfg.createIfMissing, "create_if_missing", true, "Create the database if it doesn't exist")
	fs.StringVar(&cfg.logLevel, "log_level", "warn", "Log level: debug, info, warn, error")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cmd, err := parseCommand(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		printUsage(fs)
		return exitUsage
	}

	opts, err := loadOptions(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	if cmd.op == opOptions {
		fmt.Fprint(stdout, opts.String())
		return exitOK
	}
	if cfg.dbPath == "" {
		fmt.Fprintln(stderr, "Error: -db flag is required")
		return exitUsage
	}

	db, err := plexkv.Open(cfg.dbPath, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open database: %v\n", err)
		return exitFailure
	}
	err = execute(db, cmd, stdout)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, plexkv.ErrKeyNotFound):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitNotFound
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
}

func printUsage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "plexctl - PlexKV database tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: plexctl -db=<path> [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  get <key>          Print the value of a key")
	fmt.Fprintln(w, "  set <key> <value>  Store a value")
	fmt.Fprintln(w, "  delete <key>       Delete a key")
	fmt.Fprintln(w, "  compact [id]       Compact one partition, or all of them")
	fmt.Fprintln(w, "  sync               Checkpoint the database")
	fmt.Fprintln(w, "  stats              Print database statistics")
	fmt.Fprintln(w, "  rebuild-bloom      Rebuild degraded bloom filters")
	fmt.Fprintln(w, "  options            Print the effective options as YAML")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}

func loadOptions(cfg config, logOut io.Writer) (*plexkv.Options, error) {
	opts := plexkv.DefaultOptions()
	if cfg.configPath != "" {
		var err error
		if opts, err = plexkv.LoadOptionsFile(cfg.configPath); err != nil {
			return nil, err
		}
	}
	opts.CreateIfMissing = cfg.createIfMissing
	if cfg.partitions > 0 {
		opts.Partition.Count = cfg.partitions
	}

	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	opts.Logger = logging.NewLogger(logOut, level)

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
