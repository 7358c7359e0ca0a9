package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/hosetrack/hosetrack/hose"
)

type hitLine struct {
	Nsid      string `json:"nsid"`
	Timestamp uint64 `json:"timestamp"`
	Deleted   bool   `json:"deleted"`
}

// runPrint dumps every stored hit across every collection as
// newline-delimited JSON, matching the teacher's print_all() tool.
func runPrint(args []string) error {
	fs := flag.NewFlagSet("print", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "override HOSETRACK_DATA_DIR")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := configFromEnv(*dataDir)
	db, err := hose.Open(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	info, err := db.Info()
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	ctx := context.Background()
	var total int
	for nsid := range info.PerNsid {
		hits, err := db.GetHits(ctx, nsid, hose.Bound{Kind: hose.Unbounded}, hose.Bound{Kind: hose.Unbounded}, math.MaxInt)
		if err != nil {
			return fmt.Errorf("get hits %q: %w", nsid, err)
		}
		for _, hit := range hits {
			if err := enc.Encode(hitLine{Nsid: nsid, Timestamp: hit.Timestamp, Deleted: hit.Deleted}); err != nil {
				return err
			}
			total++
		}
	}
	fmt.Fprintf(os.Stderr, "total hits: %d\n", total)
	return nil
}
