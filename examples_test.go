package plexkv_test

import (
	"errors"
	"fmt"
	"os"

	"github.com/aalhour/plexkv"
)

func ExampleOpen() {
	dir, err := os.MkdirTemp("", "plexkv-example-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	db, err := plexkv.Open(dir, plexkv.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Set("k", "v"); err != nil {
		panic(err)
	}

	val, err := db.Get("k")
	if err != nil {
		panic(err)
	}

	fmt.Println(val)
	// Output:
	// v
}

func ExampleDB_Delete() {
	dir, err := os.MkdirTemp("", "plexkv-example-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	db, err := plexkv.Open(dir, nil)
	if err != nil {
		panic(err)
	}
	defer func() { _ = db.Close() }()

	_ = db.Set("session:42", "active")
	_ = db.Delete("session:42")

	_, err = db.Get("session:42")
	fmt.Println(errors.Is(err, plexkv.ErrKeyNotFound))
	fmt.Println(errors.Is(db.Delete("session:42"), plexkv.ErrKeyNotFound))
	// Output:
	// true
	// true
}

func ExampleParseOptions() {
	opts, err := plexkv.ParseOptions([]byte(`
partition:
  count: 8
cache:
  compression: zstd
`))
	if err != nil {
		panic(err)
	}
	fmt.Println(opts.Partition.Count, opts.Cache.Compression)
	// Output:
	// 8 zstd
}
