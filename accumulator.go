package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// accShardCount must be a power of two. Fewer shards than the registry: the
// critical section is a single map merge and contention is per (user,torrent)
// pair, not per torrent.
const accShardCount = 16

type accShard struct {
	mu sync.Mutex
	m  map[AccrualKey]*Delta
}

// Accumulator buffers per-peer byte deltas between flushes. Repeated
// announces for the same (user, torrent) pair sum their deltas into one row,
// so write volume never multiplies with announce frequency.
type Accumulator struct {
	shards  [accShardCount]*accShard
	entries atomic.Int64

	highWater int
	kickCh    chan struct{}
}

func NewAccumulator(highWater int) *Accumulator {
	a := &Accumulator{
		highWater: highWater,
		kickCh:    make(chan struct{}, 1),
	}
	for i := range a.shards {
		a.shards[i] = &accShard{m: make(map[AccrualKey]*Delta)}
	}
	return a
}

func (a *Accumulator) shardFor(k AccrualKey) *accShard {
	return a.shards[(uint32(k.UserID)^uint32(k.InfoHash[0]))&(accShardCount-1)]
}

// Add merges one announce's delta into the buffer. When the buffered entry
// count crosses the high-water mark the scheduler is kicked so a heavy flush
// runs before the next timer tick.
func (a *Accumulator) Add(key AccrualKey, d Delta) {
	sh := a.shardFor(key)

	sh.mu.Lock()
	if cur, ok := sh.m[key]; ok {
		cur.merge(d)
		sh.mu.Unlock()
		return
	}
	nd := d
	sh.m[key] = &nd
	sh.mu.Unlock()

	if a.entries.Add(1) >= int64(a.highWater) {
		a.Kick()
	}
}

// Kick requests an immediate flush cycle without blocking the caller.
func (a *Accumulator) Kick() {
	select {
	case a.kickCh <- struct{}{}:
	default:
	}
}

// Drain swaps every shard's buffer for an empty one under a brief lock and
// returns the merged batch. The durable write happens outside all locks.
func (a *Accumulator) Drain() *FlushBatch {
	batch := &FlushBatch{Deltas: make(map[AccrualKey]*Delta)}

	var drainedCount int64
	for _, sh := range a.shards {
		sh.mu.Lock()
		drained := sh.m
		sh.m = make(map[AccrualKey]*Delta)
		sh.mu.Unlock()

		drainedCount += int64(len(drained))
		for k, d := range drained {
			if cur, ok := batch.Deltas[k]; ok {
				cur.merge(*d)
			} else {
				batch.Deltas[k] = d
			}
		}
	}

	// Subtract exactly what was taken; entries added behind the swap stay
	// counted for the next cycle's high-water check.
	a.entries.Add(-drainedCount)
	return batch
}

// Len reports the number of buffered coalescing keys.
func (a *Accumulator) Len() int {
	return int(a.entries.Load())
}

// Flusher drains the accumulator on a fixed interval or on a high-water kick,
// whichever fires first, and pushes one batched write instead of one write
// per announce. A failed batch is requeued whole for the next cycle — never
// discarded, never retried inline blocking announces.
type Flusher struct {
	acc   *Accumulator
	store Store
	stats *Stats

	interval     time.Duration
	writeTimeout time.Duration
	maxFailures  int

	retry   *backoff.ExponentialBackOff
	nextTry time.Time

	pending  *FlushBatch // requeued batch from failed attempts
	failures int
}

func NewFlusher(acc *Accumulator, store Store, stats *Stats, interval, writeTimeout time.Duration, maxFailures int) *Flusher {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry forever; storage outages must not shed deltas
	return &Flusher{
		acc:          acc,
		store:        store,
		stats:        stats,
		interval:     interval,
		writeTimeout: writeTimeout,
		maxFailures:  maxFailures,
		retry:        bo,
	}
}

// run is the scheduler loop. There is at most one in-flight flush attempt at
// a time, preserving delta ordering; accumulation continues concurrently
// because Drain only swaps buffers.
func (f *Flusher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so an orderly shutdown loses nothing.
			f.flush(context.Background(), true)
			return
		case <-ticker.C:
			f.flush(ctx, false)
		case <-f.acc.kickCh:
			f.flush(ctx, false)
		}
	}
}

// flush drains fresh deltas, folds in any requeued batch, and attempts one
// durable write. On failure the whole batch is requeued and the retry backoff
// pushes the next attempt out; announce handling is untouched. force skips
// the backoff gate (shutdown's last chance).
func (f *Flusher) flush(ctx context.Context, force bool) {
	batch := f.acc.Drain()
	if f.pending != nil {
		batch.mergeFrom(f.pending)
		f.pending = nil
	}
	if batch.empty() {
		return
	}
	if now := time.Now(); !force && now.Before(f.nextTry) {
		// Still backing off from the last failure; hold the batch.
		f.pending = batch
		return
	}

	wctx, cancel := context.WithTimeout(ctx, f.writeTimeout)
	start := time.Now()
	err := f.store.WriteBatch(wctx, batch)
	cancel()

	if err != nil {
		f.pending = batch
		f.failures++
		f.nextTry = time.Now().Add(f.retry.NextBackOff())
		errorLog("flush failed (%d consecutive): %v", f.failures, err)
		if f.failures >= f.maxFailures {
			f.stats.SetDegraded(true)
		}
		return
	}

	elapsed := time.Since(start)
	f.stats.RecordBatchWrite(len(batch.Deltas), elapsed)
	if f.failures > 0 {
		info("flush recovered after %d failures", f.failures)
	}
	f.failures = 0
	f.nextTry = time.Time{}
	f.retry.Reset()
	f.stats.SetDegraded(false)

	if debugEnabled.Load() {
		debug("flushed %d rows in %v", len(batch.Deltas), elapsed)
	}
}
