// Command hosetrack runs the firehose ingest service and HTTP API by
// default, plus a handful of offline tools for operating a data
// directory. Dispatch follows the teacher's cmd/ldb/main.go idiom: the
// first positional argument selects a subcommand, remaining arguments are
// parsed with the stdlib flag package.
//
// Usage:
//
//	hosetrack [serve]    run the ingest service and HTTP API (default)
//	hosetrack compact    run a major compaction pass and report before/after
//	hosetrack debug      print disk usage and per-nsid block size histograms
//	hosetrack print      dump every stored hit as newline-delimited JSON
//	hosetrack migrate    copy one data directory into another
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "compact":
		err = runCompact(args)
	case "debug":
		err = runDebug(args)
	case "print":
		err = runPrint(args)
	case "migrate":
		err = runMigrate(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
