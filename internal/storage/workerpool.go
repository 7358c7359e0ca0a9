package storage

import "sync"

// WorkerPool runs a bounded number of jobs concurrently, the Go stand-in for
// the teacher's use of a thread pool to parallelize per-block work during
// compaction: every job runs on one of at most size goroutines, and Run
// blocks until all submitted jobs have completed.
type WorkerPool struct {
	size int
}

// NewWorkerPool returns a pool that runs at most size jobs at once. A size
// less than 1 is treated as 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{size: size}
}

// Run submits jobs and blocks until every job has run and returned. The
// first non-nil error observed is returned once all jobs have finished;
// remaining jobs still run to completion rather than being cancelled, since
// each job is expected to be independent (one block encode, one compaction
// chunk) with no shared state that a partial run would leave corrupted.
func (p *WorkerPool) Run(jobs []func() error) error {
	if len(jobs) == 0 {
		return nil
	}

	sem := make(chan struct{}, p.size)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := job(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}
