package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for tests. Counts lookups and can be told
// to fail a number of batch writes.
type memStore struct {
	mu       sync.Mutex
	users    map[string]UserRecord
	torrents map[InfoHash]TorrentMeta
	tokens   map[AccrualKey]time.Time

	userLookups int
	failWrites  int // fail this many WriteBatch calls before succeeding

	attempts  []map[AccrualKey]Delta // contents of every WriteBatch call
	committed []map[AccrualKey]Delta // contents of successful calls only
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]UserRecord),
		torrents: make(map[InfoHash]TorrentMeta),
		tokens:   make(map[AccrualKey]time.Time),
	}
}

func (s *memStore) LookupUser(_ context.Context, passkey string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userLookups++
	u, ok := s.users[passkey]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *memStore) LookupTorrent(_ context.Context, hash InfoHash) (*TorrentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.torrents[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *memStore) LoadFreeleechTokens(_ context.Context) (map[AccrualKey]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AccrualKey]time.Time, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) WriteBatch(_ context.Context, batch *FlushBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[AccrualKey]Delta, len(batch.Deltas))
	for k, d := range batch.Deltas {
		snapshot[k] = *d
	}
	s.attempts = append(s.attempts, snapshot)

	if s.failWrites > 0 {
		s.failWrites--
		return context.DeadlineExceeded
	}
	s.committed = append(s.committed, snapshot)
	return nil
}

func (s *memStore) Close() error { return nil }

func TestTransferInsert_PlaceholdersMatchRows(t *testing.T) {
	batch := &FlushBatch{Deltas: make(map[AccrualKey]*Delta)}
	keys := make([]AccrualKey, 0, 3)
	for i := 0; i < 3; i++ {
		k := AccrualKey{UserID: uint32(i + 1), InfoHash: testHash}
		batch.Deltas[k] = &Delta{Uploaded: int64(i) * mib, Snatches: 1}
		keys = append(keys, k)
	}

	stmt, args := transferInsert(batch, keys)
	if got := strings.Count(stmt, "(?, ?, ?, ?, ?, ?)"); got != 3 {
		t.Errorf("row groups = %d, want 3", got)
	}
	if len(args) != 3*6 {
		t.Errorf("args = %d, want %d", len(args), 3*6)
	}
}

func TestTransferInsert_FullChunkStaysUnderPlaceholderLimit(t *testing.T) {
	// MySQL rejects prepared statements with more than 65535 placeholders;
	// one maximum-size chunk must fit so oversized retry batches can still
	// land after an outage.
	batch := &FlushBatch{Deltas: make(map[AccrualKey]*Delta)}
	keys := make([]AccrualKey, 0, maxInsertRows)
	for i := 0; i < maxInsertRows; i++ {
		k := AccrualKey{UserID: uint32(i + 1), InfoHash: testHash}
		batch.Deltas[k] = &Delta{Uploaded: 1}
		keys = append(keys, k)
	}

	stmt, args := transferInsert(batch, keys)
	placeholders := strings.Count(stmt, "?")
	if placeholders != maxInsertRows*6 {
		t.Errorf("placeholders = %d, want %d", placeholders, maxInsertRows*6)
	}
	if placeholders > 65535 {
		t.Errorf("placeholders = %d, exceeds the 65535 statement limit", placeholders)
	}
	if len(args) != placeholders {
		t.Errorf("args = %d, want %d", len(args), placeholders)
	}
}

func TestBonusInsert_PlaceholdersMatchRows(t *testing.T) {
	perUser := map[uint32]float64{1: 2.5, 2: 10}
	stmt, args := bonusInsert(perUser, []uint32{1, 2})

	if got := strings.Count(stmt, "(?, ?)"); got != 2 {
		t.Errorf("row groups = %d, want 2", got)
	}
	if len(args) != 4 {
		t.Errorf("args = %d, want 4", len(args))
	}
	if args[1] != 2.5 || args[3] != float64(10) {
		t.Errorf("points args = %v/%v, want 2.5/10", args[1], args[3])
	}
}
