// Package ratetracker implements a lock-free bucketed sliding-window event
// rate estimator. It is used both globally (events per second across the
// whole database) and per collection (to size the next block written by
// sync).
package ratetracker

import (
	"sync/atomic"
	"time"
)

// defaultBucketCount is the number of buckets the window is divided into.
// More buckets trade memory and a few extra atomic ops for a smoother rate
// estimate as old buckets age out.
const defaultBucketCount = 10

// Tracker estimates the observation rate over a rolling window using W
// buckets of fixed duration B = window/W. All state is accessed with
// relaxed atomics; the estimate is approximate but safe under concurrent
// Observe/Rate calls from any number of goroutines.
type Tracker struct {
	window     time.Duration
	bucketSpan time.Duration
	buckets    []atomic.Uint64
	lastBucket atomic.Int64 // index of the most recently advanced bucket, or -1 if never observed
	start      time.Time
}

// New creates a Tracker over the given window, divided into the default
// number of buckets.
func New(window time.Duration) *Tracker {
	return NewWithBuckets(window, defaultBucketCount)
}

// NewWithBuckets creates a Tracker over the given window with an explicit
// bucket count.
func NewWithBuckets(window time.Duration, buckets int) *Tracker {
	if buckets < 1 {
		buckets = 1
	}
	t := &Tracker{
		window:     window,
		bucketSpan: window / time.Duration(buckets),
		buckets:    make([]atomic.Uint64, buckets),
		start:      time.Now(),
	}
	if t.bucketSpan <= 0 {
		t.bucketSpan = time.Nanosecond
	}
	t.lastBucket.Store(-1)
	return t
}

func (t *Tracker) bucketIndex(now time.Time) int64 {
	elapsed := now.Sub(t.start)
	return int64(elapsed / t.bucketSpan)
}

// advance zeroes any buckets between the last observed bucket and the
// current one, bounded by the total bucket count (no point zeroing more
// than a full window's worth).
func (t *Tracker) advance(cur int64) {
	last := t.lastBucket.Load()
	if cur == last {
		return
	}
	n := int64(len(t.buckets))
	start := last + 1
	if cur-start >= n {
		start = cur - n + 1
	}
	for i := start; i <= cur; i++ {
		idx := ((i % n) + n) % n
		t.buckets[idx].Store(0)
	}
	t.lastBucket.Store(cur)
}

// Observe records count events as having happened now.
func (t *Tracker) Observe(count uint64) {
	now := time.Now()
	cur := t.bucketIndex(now)
	t.advance(cur)
	idx := ((cur % int64(len(t.buckets))) + int64(len(t.buckets))) % int64(len(t.buckets))
	t.buckets[idx].Add(count)
}

// Rate returns the estimated events-per-second rate over the window,
// zeroing any buckets that have aged out since the last Observe.
func (t *Tracker) Rate() float64 {
	now := time.Now()
	cur := t.bucketIndex(now)
	t.advance(cur)

	var total uint64
	for i := range t.buckets {
		total += t.buckets[i].Load()
	}
	return float64(total) / t.window.Seconds()
}
