package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hosetrack/hosetrack/hose"
)

const migrateChunkSize = 100_000

// runMigrate copies every event from one data directory into another, one
// goroutine per nsid, each paging its hits in chunks of migrateChunkSize
// before re-ingesting — matching the teacher's migrate() tool.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	from := fs.String("from", "", "source data directory (required)")
	to := fs.String("to", "", "destination data directory (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" {
		return fmt.Errorf("usage: hosetrack migrate -from=<dir> -to=<dir>")
	}

	fromDB, err := hose.Open(configFromEnv(*from))
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer fromDB.Close()

	toDB, err := hose.Open(configFromEnv(*to))
	if err != nil {
		return fmt.Errorf("open destination database: %w", err)
	}
	defer toDB.Close()

	info, err := fromDB.Info()
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	ctx := context.Background()
	start := time.Now()
	var total atomic.Uint64
	var wg sync.WaitGroup
	errCh := make(chan error, len(info.PerNsid))

	for nsid := range info.PerNsid {
		nsid := nsid
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := migrateNsid(ctx, fromDB, toDB, nsid)
			if err != nil {
				errCh <- fmt.Errorf("migrate %q: %w", nsid, err)
				return
			}
			total.Add(count)
			fmt.Printf("%s: migrated %d events\n", nsid, count)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	readTime := time.Since(start)
	if err := toDB.Sync(true); err != nil {
		return fmt.Errorf("final sync: %w", err)
	}
	totalTime := time.Since(start)

	n := float64(total.Load())
	writeTime := (totalTime - readTime).Seconds()
	var wps float64
	if writeTime > 0 {
		wps = n / writeTime
	}
	fmt.Printf("migrated %d events in %s (%.2f rps, %.2f wps)\n",
		total.Load(), totalTime, n/readTime.Seconds(), wps)
	return nil
}

// migrateNsid pages nsid's hits from newest to oldest in migrateChunkSize
// windows, re-ingesting each page before requesting the next, so the whole
// collection is never materialized in memory at once. Each page's hi bound
// is pulled back to just below the oldest timestamp of the previous page.
func migrateNsid(ctx context.Context, from, to *hose.DB, nsid string) (uint64, error) {
	var count uint64
	hi := hose.Bound{Kind: hose.Unbounded}
	for {
		hits, err := from.GetHits(ctx, nsid, hose.Bound{Kind: hose.Unbounded}, hi, migrateChunkSize)
		if err != nil {
			return count, err
		}
		if len(hits) == 0 {
			return count, nil
		}

		batch := make([]hose.EventRecord, len(hits))
		for i, hit := range hits {
			batch[i] = hose.EventRecord{Nsid: nsid, TimestampS: hit.Timestamp, Deleted: hit.Deleted}
		}
		if err := to.IngestEvents(batch); err != nil {
			return count, err
		}
		count += uint64(len(hits))

		if len(hits) < migrateChunkSize {
			return count, nil
		}
		hi = hose.Bound{Kind: hose.Excluded, Value: hits[0].Timestamp}
	}
}
