package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/hosetrack/hosetrack/hose"
)

// runDebug prints total disk usage and, per nsid, a run-length-compressed
// histogram of block item counts — e.g. " 1024x40 512x3" meaning 40
// blocks of 1024 then 3 of 512 — matching the teacher's debug() tool.
func runDebug(args []string) error {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
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

	fmt.Printf("disk size: %d\n", info.DiskSizeBytes)

	nsids := make([]string, 0, len(info.PerNsid))
	for nsid := range info.PerNsid {
		nsids = append(nsids, nsid)
	}
	sort.Strings(nsids)

	for _, nsid := range nsids {
		fmt.Printf("%s:%s\n", nsid, runLengthHistogram(info.PerNsid[nsid]))
	}
	return nil
}

// runLengthHistogram renders sizes as a run-length-compressed string, e.g.
// [1024,1024,1024,512] -> " 1024x3 512".
func runLengthHistogram(sizes []int) string {
	var out string
	lastSize := -1
	sameSizeCount := 0
	flush := func() {
		if sameSizeCount > 1 {
			out += fmt.Sprintf("x%d", sameSizeCount)
		}
	}
	for _, n := range sizes {
		if n == lastSize {
			sameSizeCount++
			continue
		}
		flush()
		out += fmt.Sprintf(" %d", n)
		lastSize = n
		sameSizeCount = 1
	}
	flush()
	return out
}
