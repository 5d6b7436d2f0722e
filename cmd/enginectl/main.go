// Command enginectl is a small flag-based tool for exercising the storage
// engine from a shell: opening a database directory, putting/getting/
// deleting keys, scanning a range, forcing a checkpoint, and printing
// stats. Modeled on tinySQL's cmd/tinysql/main.go: a flag.FlagSet per
// invocation, plain subcommands, no cobra.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"storageengine/internal/config"
	"storageengine/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "put":
		err = runPut(args)
	case "get":
		err = runGet(args)
	case "delete":
		err = runDelete(args)
	case "range":
		err = runRange(args)
	case "checkpoint":
		err = runCheckpoint(args)
	case "stats":
		err = runStats(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "enginectl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: enginectl <command> -dir <path> -table <name> [options]

Commands:
  put -dir DIR -table NAME -key KEY -value VALUE
  get -dir DIR -table NAME -key KEY
  delete -dir DIR -table NAME -key KEY
  range -dir DIR -table NAME [-limit N]
  checkpoint -dir DIR
  stats -dir DIR

KEY and VALUE are plain strings unless -hex is given, in which case they
are hex-decoded before use.`)
}

// openConn opens (creating if needed) the database directory named by
// -dir, applying an optional -config YAML overlay.
func openConn(fs *flag.FlagSet, dirFlag, configFlag *string) (*engine.Connection, error) {
	if *dirFlag == "" {
		return nil, fmt.Errorf("missing -dir")
	}
	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.DataDir = *dirFlag
	return engine.Open(*dirFlag, cfg)
}

func decodeArg(s string, useHex bool) ([]byte, error) {
	if !useHex {
		return []byte(s), nil
	}
	return hex.DecodeString(s)
}

func runPut(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	table := fs.String("table", "", "table name")
	key := fs.String("key", "", "key")
	value := fs.String("value", "", "value")
	useHex := fs.Bool("hex", false, "treat -key/-value as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("missing -table")
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	k, err := decodeArg(*key, *useHex)
	if err != nil {
		return err
	}
	v, err := decodeArg(*value, *useHex)
	if err != nil {
		return err
	}

	sess := conn.OpenSession()
	cur, err := sess.OpenCursor("table:" + *table)
	if err != nil {
		return err
	}
	defer cur.Close()
	return cur.Put(k, v)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	table := fs.String("table", "", "table name")
	key := fs.String("key", "", "key")
	useHex := fs.Bool("hex", false, "treat -key as hex, print value as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("missing -table")
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	k, err := decodeArg(*key, *useHex)
	if err != nil {
		return err
	}

	sess := conn.OpenSession()
	cur, err := sess.OpenCursor("table:" + *table)
	if err != nil {
		return err
	}
	defer cur.Close()
	v, err := cur.Get(k)
	if err != nil {
		return err
	}
	if *useHex {
		fmt.Println(hex.EncodeToString(v))
	} else {
		fmt.Println(string(v))
	}
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	table := fs.String("table", "", "table name")
	key := fs.String("key", "", "key")
	useHex := fs.Bool("hex", false, "treat -key as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("missing -table")
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	k, err := decodeArg(*key, *useHex)
	if err != nil {
		return err
	}

	sess := conn.OpenSession()
	cur, err := sess.OpenCursor("table:" + *table)
	if err != nil {
		return err
	}
	defer cur.Close()
	return cur.Delete(k)
}

func runRange(args []string) error {
	fs := flag.NewFlagSet("range", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	table := fs.String("table", "", "table name")
	limit := fs.Int("limit", 0, "maximum rows to print (0 = unlimited)")
	useHex := fs.Bool("hex", false, "print keys/values as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("missing -table")
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := conn.OpenSession()
	cur, err := sess.OpenCursor("table:" + *table)
	if err != nil {
		return err
	}
	defer cur.Close()

	n := 0
	for {
		ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if *useHex {
			fmt.Printf("%s\t%s\n", hex.EncodeToString(cur.Key()), hex.EncodeToString(cur.Value()))
		} else {
			fmt.Printf("%s\t%s\n", cur.Key(), cur.Value())
		}
		n++
		if *limit > 0 && n >= *limit {
			return nil
		}
	}
}

func runCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Checkpoint()
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dir := fs.String("dir", "", "database directory")
	cfgPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, err := openConn(fs, dir, cfgPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	stats, err := conn.Stats()
	if err != nil {
		return err
	}
	for name, s := range stats.Tables {
		fmt.Printf("%s\tcount=%d\tblocks=%d\tavail=%d\tcached_pages=%d\tdirty_pages=%d\n",
			name, s.Count, s.Blocks.NumBlocks, s.Blocks.AvailBlocks, s.Cache.CachedPages, s.Cache.DirtyPages)
	}
	for site, ns := range stats.Locks {
		fmt.Printf("lock[%s]\twait_ns=%d\n", site, ns)
	}
	return nil
}
