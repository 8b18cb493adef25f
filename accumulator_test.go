package main

import (
	"context"
	"testing"
	"time"
)

var (
	accKeyA = AccrualKey{UserID: 1, InfoHash: NewInfoHash([]byte("aaaaaaaaaaaaaaaaaaaa"))}
	accKeyB = AccrualKey{UserID: 2, InfoHash: NewInfoHash([]byte("bbbbbbbbbbbbbbbbbbbb"))}
)

const mib = 1 << 20

func TestAccumulator_CoalescesSameKey(t *testing.T) {
	a := NewAccumulator(1000)

	a.Add(accKeyA, Delta{Uploaded: 10 * mib, Downloaded: 2 * mib})
	a.Add(accKeyA, Delta{Uploaded: 5 * mib, Downloaded: 1 * mib})

	if a.Len() != 1 {
		t.Fatalf("Len = %d, want 1 coalesced entry", a.Len())
	}

	batch := a.Drain()
	d := batch.Deltas[accKeyA]
	if d == nil {
		t.Fatal("drained batch missing the key")
	}
	if d.Uploaded != 15*mib {
		t.Errorf("Uploaded = %d, want %d", d.Uploaded, 15*mib)
	}
	if d.Downloaded != 3*mib {
		t.Errorf("Downloaded = %d, want %d", d.Downloaded, 3*mib)
	}
}

func TestAccumulator_DistinctKeysStaySeparate(t *testing.T) {
	a := NewAccumulator(1000)

	a.Add(accKeyA, Delta{Uploaded: 1})
	a.Add(accKeyB, Delta{Uploaded: 2})

	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}

	batch := a.Drain()
	if batch.Deltas[accKeyA].Uploaded != 1 || batch.Deltas[accKeyB].Uploaded != 2 {
		t.Errorf("deltas crossed keys: %+v", batch.Deltas)
	}
}

func TestAccumulator_DrainEmptiesBuffer(t *testing.T) {
	a := NewAccumulator(1000)
	a.Add(accKeyA, Delta{Uploaded: 1})

	a.Drain()

	if a.Len() != 0 {
		t.Errorf("Len = %d after drain, want 0", a.Len())
	}
	if !a.Drain().empty() {
		t.Error("second drain should be empty")
	}
}

func TestAccumulator_AddDuringDrainKeepsLenExact(t *testing.T) {
	a := NewAccumulator(1000)
	a.Add(accKeyA, Delta{Uploaded: 1})

	// Hold the last shard so Drain blocks mid-pass after accKeyA's shard
	// (shard 0) has already been swapped out.
	last := a.shards[accShardCount-1]
	last.mu.Lock()

	done := make(chan *FlushBatch, 1)
	go func() { done <- a.Drain() }()

	for {
		sh := a.shardFor(accKeyA)
		sh.mu.Lock()
		swapped := len(sh.m) == 0
		sh.mu.Unlock()
		if swapped {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// This entry lands behind the swap and belongs to the next cycle.
	a.Add(accKeyA, Delta{Uploaded: 2})
	last.mu.Unlock()

	batch := <-done
	if batch.Deltas[accKeyA].Uploaded != 1 {
		t.Errorf("drained Uploaded = %d, want 1", batch.Deltas[accKeyA].Uploaded)
	}
	if a.Len() != 1 {
		t.Errorf("Len = %d after drain, want 1 for the entry added behind the swap", a.Len())
	}
}

func TestAccumulator_HighWaterKicks(t *testing.T) {
	a := NewAccumulator(2)

	a.Add(accKeyA, Delta{Uploaded: 1})
	select {
	case <-a.kickCh:
		t.Fatal("kicked below high water")
	default:
	}

	a.Add(accKeyB, Delta{Uploaded: 1})
	select {
	case <-a.kickCh:
	default:
		t.Fatal("no kick at high water")
	}
}

func newTestFlusher(store Store, maxFailures int) (*Flusher, *Accumulator) {
	acc := NewAccumulator(1000)
	f := NewFlusher(acc, store, NewStats(), 50*time.Millisecond, time.Second, maxFailures)
	return f, acc
}

func TestFlusher_WritesDrainedBatch(t *testing.T) {
	store := newMemStore()
	f, acc := newTestFlusher(store, 3)

	acc.Add(accKeyA, Delta{Uploaded: 100, Snatches: 1})
	f.flush(context.Background(), false)

	if len(store.committed) != 1 {
		t.Fatalf("committed batches = %d, want 1", len(store.committed))
	}
	got := store.committed[0][accKeyA]
	if got.Uploaded != 100 || got.Snatches != 1 {
		t.Errorf("committed delta = %+v", got)
	}
}

func TestFlusher_EmptyCycleSkipsStore(t *testing.T) {
	store := newMemStore()
	f, _ := newTestFlusher(store, 3)

	f.flush(context.Background(), false)

	if len(store.attempts) != 0 {
		t.Errorf("attempts = %d, want 0 for an empty cycle", len(store.attempts))
	}
}

func TestFlusher_RequeuesFailedBatchWhole(t *testing.T) {
	store := newMemStore()
	store.failWrites = 1
	f, acc := newTestFlusher(store, 3)

	acc.Add(accKeyA, Delta{Uploaded: 10 * mib, Downloaded: 2 * mib})
	f.flush(context.Background(), false)

	if len(store.committed) != 0 {
		t.Fatal("failed write must not commit")
	}
	if f.pending == nil {
		t.Fatal("failed batch was not requeued")
	}

	// New deltas arrive while the batch is held; the retry carries both.
	acc.Add(accKeyA, Delta{Uploaded: 5 * mib, Downloaded: 1 * mib})
	f.flush(context.Background(), true) // force past the backoff gate

	if len(store.committed) != 1 {
		t.Fatalf("committed batches = %d, want 1", len(store.committed))
	}
	got := store.committed[0][accKeyA]
	if got.Uploaded != 15*mib {
		t.Errorf("Uploaded = %d, want %d: retry must not lose or double the failed batch", got.Uploaded, 15*mib)
	}
	if got.Downloaded != 3*mib {
		t.Errorf("Downloaded = %d, want %d", got.Downloaded, 3*mib)
	}
	if f.pending != nil {
		t.Error("pending batch still held after a successful write")
	}
	if f.failures != 0 {
		t.Errorf("failures = %d, want 0 after recovery", f.failures)
	}
}

func TestFlusher_BackoffHoldsBatchBetweenAttempts(t *testing.T) {
	store := newMemStore()
	store.failWrites = 1
	f, acc := newTestFlusher(store, 3)

	acc.Add(accKeyA, Delta{Uploaded: 1})
	f.flush(context.Background(), false)

	if len(store.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(store.attempts))
	}

	// Immediately after a failure the backoff gate is still closed: the
	// batch is held, the store is not hit again.
	f.flush(context.Background(), false)
	if len(store.attempts) != 1 {
		t.Errorf("attempts = %d, want still 1 during backoff", len(store.attempts))
	}
	if f.pending == nil {
		t.Error("held batch lost during backoff")
	}
}

func TestFlusher_DegradedAfterConsecutiveFailures(t *testing.T) {
	store := newMemStore()
	store.failWrites = 2
	f, acc := newTestFlusher(store, 2)

	acc.Add(accKeyA, Delta{Uploaded: 1})
	f.flush(context.Background(), true)
	if f.stats.Degraded() {
		t.Error("degraded after a single failure, threshold is 2")
	}

	f.flush(context.Background(), true)
	if !f.stats.Degraded() {
		t.Error("not degraded after reaching the failure threshold")
	}

	f.flush(context.Background(), true)
	if f.stats.Degraded() {
		t.Error("degraded flag not cleared after recovery")
	}
	if len(store.committed) != 1 {
		t.Errorf("committed batches = %d, want 1", len(store.committed))
	}
}

func TestFlusher_FinalFlushOnShutdown(t *testing.T) {
	store := newMemStore()
	f, acc := newTestFlusher(store, 3)

	acc.Add(accKeyA, Delta{Uploaded: 42})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher did not stop")
	}

	if len(store.committed) == 0 {
		t.Fatal("shutdown lost the buffered delta")
	}
	if got := store.committed[len(store.committed)-1][accKeyA]; got.Uploaded != 42 {
		t.Errorf("Uploaded = %d, want 42", got.Uploaded)
	}
}
