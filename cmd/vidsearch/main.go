package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "ingest":
		err = ingestCmd(ctx, os.Args[2:])
	case "search":
		err = searchCmd(ctx, os.Args[2:])
	case "get":
		err = getCmd(ctx, os.Args[2:])
	case "delete":
		err = deleteCmd(ctx, os.Args[2:])
	case "stats":
		err = statsCmd(ctx, os.Args[2:])
	case "serve":
		err = serveCmd(ctx, os.Args[2:])
	case "export":
		err = exportCmd(ctx, os.Args[2:])
	case "import":
		err = importCmd(ctx, os.Args[2:])
	case "eval":
		err = evalCmd(ctx, os.Args[2:])
	case "models":
		err = modelsCmd(ctx, os.Args[2:])
	case "drop-stale":
		err = dropStaleCmd(ctx, os.Args[2:])
	case "last-run":
		err = lastRunCmd(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "usage:", string(ue))
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("vidsearch - semantic search over a video corpus")
	fmt.Println("usage:")
	fmt.Println("  vidsearch ingest --csv <file> [--workers N]")
	fmt.Println("  vidsearch search \"<query>\" [--k 10] [--min-views N] [--filter field=value ...] [--json]")
	fmt.Println("  vidsearch get <id>")
	fmt.Println("  vidsearch delete <id>")
	fmt.Println("  vidsearch stats")
	fmt.Println("  vidsearch serve [--addr :8089] [--read-only]")
	fmt.Println("  vidsearch export --out <file.zst>")
	fmt.Println("  vidsearch import --in <file.zst>")
	fmt.Println("  vidsearch eval --cases <cases.json>")
	fmt.Println("  vidsearch models")
	fmt.Println("  vidsearch drop-stale")
	fmt.Println("  vidsearch last-run")
	fmt.Println("configuration: VIDSEARCH_* environment variables, ./.env, ~/.vidsearch/config.yaml")
}

type usageError string

func (e usageError) Error() string { return string(e) }

// kvFlag collects repeated field=value arguments.
type kvFlag map[string]string

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected field=value, got %q", s)
	}
	f[strings.TrimSpace(k)] = v
	return nil
}

var _ flag.Value = kvFlag(nil)
