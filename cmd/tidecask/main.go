package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/forever-free1/TideCask/config"
	"github.com/forever-free1/TideCask/storage"
	"github.com/forever-free1/TideCask/storage/bitcask"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `TideCask CLI - offline access to a data directory

Usage:
  tidecask [-config file] [-dir path] <command> [args]

Commands:
  put <key> <value>   Write a value
  get <key>           Print a value
  delete <key>        Delete a key
  keys                List live keys
  merge               Compact all segments
  stat                Show key and segment counts

Examples:
  tidecask -dir ./data put user:1 alice
  tidecask -config tidecask.yaml merge`)
}

// run 执行一条命令并返回进程退出码
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tidecask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to YAML config file")
	dir := fs.String("dir", "", "Data directory (overrides config)")
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if cfg.Dir == "" {
		fmt.Fprintln(stderr, "Error: -dir is required")
		return 2
	}

	command, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if !checkArgs(command, cmdArgs) {
		fmt.Fprintf(stderr, "Error: bad arguments for %q\n", command)
		printUsage(stderr)
		return 2
	}

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	db, err := bitcask.Open(cfg.Dir, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	err = execute(db, command, cmdArgs, stdout)
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	if errors.Is(err, storage.ErrKeyNotFound) {
		fmt.Fprintln(stderr, "not found")
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func checkArgs(command string, args []string) bool {
	switch command {
	case "put":
		return len(args) == 2
	case "get", "delete":
		return len(args) == 1
	case "keys", "merge", "stat":
		return len(args) == 0
	default:
		return false
	}
}

func execute(db *bitcask.DB, command string, args []string, out io.Writer) error {
	switch command {
	case "put":
		return db.Put([]byte(args[0]), []byte(args[1]))
	case "get":
		value, err := db.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", value)
	case "delete":
		return db.Delete([]byte(args[0]))
	case "keys":
		for _, key := range db.Keys() {
			fmt.Fprintf(out, "%s\n", key)
		}
	case "merge":
		return db.Merge()
	case "stat":
		stat, err := db.Stat()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "keys: %d\nsegments: %d\ndisk_size: %d\ntorn_segments: %d\n",
			stat.Keys, stat.Segments, stat.DiskSize, stat.TornSegments)
	}
	return nil
}
