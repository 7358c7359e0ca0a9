package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hosetrack/hosetrack/hose"
	"github.com/hosetrack/hosetrack/internal/api"
	"github.com/hosetrack/hosetrack/internal/apperr"
	"github.com/hosetrack/hosetrack/internal/firehose"
	"github.com/hosetrack/hosetrack/internal/logging"
)

const (
	syncInterval    = 10 * time.Second
	compactInterval = 30 * time.Minute
	ingestBatchSize = 500
)

// runServe is the default subcommand: it ingests the Jetstream firehose,
// periodically syncs and compacts storage, and serves the HTTP/WebSocket
// API, until interrupted.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
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

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 3)

	httpServer := &http.Server{
		Addr:    ":" + portFromEnv(),
		Handler: api.NewServer(db, cfg.Logger).Router(),
	}
	go func() {
		cfg.Logger.Infof(logging.NSDB+"starting serve on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	events := make(chan hose.EventRecord, 1000)
	client := firehose.NewClient(firehose.DefaultEndpoints, cfg.Logger)
	go func() {
		err := client.Run(ctx, func(ev firehose.Event) error {
			rec, ok := ev.ToEventRecord()
			if !ok {
				return nil
			}
			select {
			case events <- rec:
			default:
				err := apperr.Wrap(fmt.Errorf("ingest channel full"), apperr.KindCapacity)
				cfg.Logger.Warnf(logging.NSIngest+"dropping event: %v", err)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("firehose: %w", err)
		}
	}()

	var ingestWG sync.WaitGroup
	ingestWG.Add(1)
	go func() {
		defer ingestWG.Done()
		runIngestLoop(ctx, db, events, cfg.Logger)
	}()
	go runSyncCompactLoop(ctx, db, cfg)

	var runErr error
	select {
	case err := <-errCh:
		cfg.Logger.Errorf(logging.NSDB+"fatal: %v", err)
		runErr = err
		cancel()
	case <-ctx.Done():
		cfg.Logger.Infof(logging.NSDB + "received interrupt, shutting down...")
	}

	db.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	// Wait for the ingest loop to drain events and issue its final
	// IngestEvents call before syncing, or the sync can race the last
	// in-flight batch and miss it entirely.
	ingestWG.Wait()

	if err := db.Sync(true); err != nil {
		return fmt.Errorf("final sync: %w", err)
	}
	return runErr
}

// runIngestLoop batches incoming records up to ingestBatchSize (matching
// the teacher's bounded-channel-plus-drain pattern) and ingests each batch
// as a single IngestEvents call. On ctx.Done it drains every record still
// buffered in events, non-blockingly, before returning.
func runIngestLoop(ctx context.Context, db *hose.DB, events <-chan hose.EventRecord, logger logging.Logger) {
	batch := make([]hose.EventRecord, 0, ingestBatchSize)
	for {
		select {
		case <-ctx.Done():
			drainIngest(db, events, batch, logger)
			return
		case rec := <-events:
			batch = append(batch, rec)
		drain:
			for len(batch) < ingestBatchSize {
				select {
				case rec := <-events:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			if err := db.IngestEvents(batch); err != nil {
				logger.Errorf(logging.NSIngest+"failed to ingest events: %v", err)
			}
			batch = batch[:0]
		}
	}
}

// drainIngest empties events non-blockingly, ingesting in ingestBatchSize
// chunks (including any records already staged in batch), stopping once
// the channel reports nothing left to read.
func drainIngest(db *hose.DB, events <-chan hose.EventRecord, batch []hose.EventRecord, logger logging.Logger) {
	for {
		select {
		case rec := <-events:
			batch = append(batch, rec)
			if len(batch) < ingestBatchSize {
				continue
			}
		default:
			if len(batch) == 0 {
				return
			}
		}
		if err := db.IngestEvents(batch); err != nil {
			logger.Errorf(logging.NSIngest+"failed to ingest events during shutdown drain: %v", err)
		}
		batch = batch[:0]
	}
}

// runSyncCompactLoop mirrors the teacher main loop's two independent
// tickers: a frequent partial sync and an infrequent compaction of the
// timestamps from the last compactInterval.
func runSyncCompactLoop(ctx context.Context, db *hose.DB, cfg hose.Config) {
	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()
	compactTicker := time.NewTicker(compactInterval)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := db.Sync(false); err != nil {
				cfg.Logger.Errorf(logging.NSDB+"failed to sync db: %v", err)
			}
		case <-compactTicker.C:
			now := uint64(time.Now().Unix())
			start := uint64(0)
			if now > uint64(compactInterval/time.Second) {
				start = now - uint64(compactInterval/time.Second)
			}
			lo := hose.Bound{Kind: hose.Included, Value: start}
			hi := hose.Bound{Kind: hose.Included, Value: now}
			if err := db.CompactAll(cfg.MaxBlockSize, lo, hi, false); err != nil {
				cfg.Logger.Errorf(logging.NSDB+"failed to compact db: %v", err)
			}
		}
	}
}
