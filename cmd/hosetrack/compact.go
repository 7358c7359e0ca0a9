package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/hosetrack/hosetrack/hose"
)

// runCompact opens the database, runs a major compaction across every
// collection, and reports the disk-size and per-nsid block-count
// before/after, matching the teacher's offline compact() tool.
func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
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

	before, err := db.Info()
	if err != nil {
		return fmt.Errorf("info before compaction: %w", err)
	}

	if err := db.MajorCompact(); err != nil {
		return fmt.Errorf("major compact: %w", err)
	}
	time.Sleep(5 * time.Second)

	after, err := db.Info()
	if err != nil {
		return fmt.Errorf("info after compaction: %w", err)
	}

	fmt.Printf("disk size: %d -> %d\n", before.DiskSizeBytes, after.DiskSizeBytes)
	for nsid, blocks := range before.PerNsid {
		fmt.Printf("%s: %d -> %d\n", nsid, len(blocks), len(after.PerNsid[nsid]))
	}
	return nil
}
