package main

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount must be a power of two. 64 shards keep announces for different
// torrents off each other's locks at any realistic swarm count.
const shardCount = 64

type swarmShard struct {
	mu       sync.RWMutex
	torrents map[InfoHash]*Torrent
	sweeping atomic.Bool // single-flight guard for the stale-peer sweep
}

// Registry is the concurrent in-memory map from info-hash to swarm. Sharded
// by info-hash so announces for different torrents never contend on the same
// lock; within a shard, peer-map mutation is a short critical section with no
// I/O performed while held.
type Registry struct {
	shards           [shardCount]*swarmShard
	stats            *Stats
	announceInterval time.Duration
	lowSeedThreshold int
}

func NewRegistry(stats *Stats, announceInterval time.Duration, lowSeedThreshold int) *Registry {
	r := &Registry{
		stats:            stats,
		announceInterval: announceInterval,
		lowSeedThreshold: lowSeedThreshold,
	}
	for i := range r.shards {
		r.shards[i] = &swarmShard{torrents: make(map[InfoHash]*Torrent)}
	}
	return r
}

func (r *Registry) shardFor(h InfoHash) *swarmShard {
	return r.shards[binary.BigEndian.Uint32(h[:4])&(shardCount-1)]
}

// getOrCreateTorrent returns the swarm for hash, creating it with the given
// meta on first announce. Creation is driven by the caller, which has already
// confirmed the hash with the external store.
func (r *Registry) getOrCreateTorrent(hash InfoHash, meta TorrentMeta) *Torrent {
	sh := r.shardFor(hash)

	sh.mu.RLock()
	t, ok := sh.torrents[hash]
	sh.mu.RUnlock()
	if ok {
		return t
	}

	sh.mu.Lock()
	if t, ok = sh.torrents[hash]; ok {
		sh.mu.Unlock()
		return t
	}
	t = &Torrent{
		meta:     meta,
		peers:    make(map[peerKey]*PeerSession),
		snatched: make(map[uint32]struct{}),
	}
	sh.torrents[hash] = t
	sh.mu.Unlock()

	r.stats.TorrentAdded()
	info("created new swarm %s", hash.String())
	return t
}

func (r *Registry) getTorrent(hash InfoHash) *Torrent {
	sh := r.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.torrents[hash]
}

// PeerUpdateResult reports what one announce did to the swarm, with the
// clamped byte deltas feeding accounting and accumulation.
type PeerUpdateResult struct {
	UploadDelta   int64
	DownloadDelta int64
	SeedTime      time.Duration // time spent seeding since the previous announce
	Seeding       bool
	NewSnatch     bool
	Stopped       bool
	Seeders       int
	Leechers      int
}

// RecordAnnounce applies one announce to the swarm under the torrent's shard
// lock and returns the resulting deltas. Reported totals are authoritative
// but clamped: a client restart producing smaller totals yields a delta of
// exactly zero, never negative.
func (r *Registry) RecordAnnounce(t *Torrent, req *AnnounceReq, userID uint32) PeerUpdateResult {
	key := peerKey{ID: req.PeerID, UserID: userID}
	now := time.Now()
	seeding := req.Left == 0

	sh := r.shardFor(req.InfoHash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// The shard map is authoritative, not the caller's pointer: a sweep can
	// drop an empty swarm between lookup and announce. Adopt the live entry,
	// or re-insert ours so the session stays reachable.
	if cur, ok := sh.torrents[req.InfoHash]; ok {
		t = cur
	} else {
		sh.torrents[req.InfoHash] = t
		r.stats.TorrentAdded()
	}

	res := PeerUpdateResult{Seeding: seeding}

	p, exists := t.peers[key]
	if !exists {
		p = &PeerSession{
			Key:          key,
			IP:           req.IP,
			Port:         req.Port,
			Uploaded:     req.Uploaded,
			Downloaded:   req.Downloaded,
			Left:         req.Left,
			Seeding:      seeding,
			StartTime:    now,
			LastAnnounce: now,
		}
		if req.Event != EventStopped {
			t.peers[key] = p
			if seeding {
				t.seeders++
			} else {
				t.leechers++
			}
			r.stats.PeerAdded(seeding)
			if debugEnabled.Load() {
				debug("new peer %s (%s) on %s @ %s:%d left=%d",
					key.ID.String(), req.UserAgent, req.InfoHash.String(), req.IP, req.Port, req.Left)
			}
		}
		// A first announce carries the client's lifetime totals for this
		// torrent, not progress made under this tracker. First deltas are
		// zero; accounting starts from here.
	} else {
		res.UploadDelta = clampDelta(req.Uploaded, p.Uploaded)
		res.DownloadDelta = clampDelta(req.Downloaded, p.Downloaded)
		if p.Seeding {
			res.SeedTime = now.Sub(p.LastAnnounce)
		}
		if p.Seeding != seeding {
			if seeding {
				t.leechers--
				t.seeders++
			} else {
				t.seeders--
				t.leechers++
			}
			r.stats.PeerFlipped(seeding)
		}
		p.IP, p.Port = req.IP, req.Port
		p.Uploaded, p.Downloaded, p.Left = req.Uploaded, req.Downloaded, req.Left
		p.Seeding = seeding
		p.LastAnnounce = now
	}

	if req.Event == EventCompleted {
		// Counted exactly once per (torrent, user) lifetime; duplicate
		// completed events are a no-op.
		if _, done := t.snatched[userID]; !done {
			t.snatched[userID] = struct{}{}
			t.completed++
			res.NewSnatch = true
		}
	}

	if req.Event == EventStopped {
		if exists {
			if p.Seeding {
				t.seeders--
			} else {
				t.leechers--
			}
			delete(t.peers, key)
			r.stats.PeerRemoved(p.Seeding)
			info("removed peer %s from %s", key.ID.String(), req.InfoHash.String())
		}
		res.Stopped = true
	}

	t.lastAction = now
	res.Seeders, res.Leechers = t.seeders, t.leechers
	return res
}

// clampDelta computes reported − lastKnown, clamped to zero on client resets.
// Prevents ratio-fraud by crafted announces going negative.
func clampDelta(reported, lastKnown uint64) int64 {
	d := int64(reported) - int64(lastKnown)
	if d < 0 {
		return 0
	}
	return d
}

// SelectPeers returns up to numWant peers for the requester, never including
// the requester's own user. When the swarm is seeder-starved the return set
// keeps leechers in the mix so partial seeds still spread; otherwise seeders
// are preferred for leechers and leechers for seeders. A per-torrent rotation
// cursor spreads connection load instead of always answering with the same
// head of a list.
func (r *Registry) SelectPeers(hash InfoHash, requester peerKey, numWant int, requesterSeeding, wantV6 bool) []PeerAddr {
	t := r.getTorrent(hash)
	if t == nil {
		return nil
	}

	sh := r.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if numWant <= 0 || len(t.peers) == 0 {
		return nil
	}

	var primary, secondary []*PeerSession
	for key, p := range t.peers {
		if key.UserID == requester.UserID {
			continue
		}
		if (p.IP.To4() == nil) != wantV6 {
			continue
		}
		// Opposite kind first: a leecher wants seeders, a seeder wants
		// leechers. Below the low-seed threshold everyone also gets the
		// leechers so partial pieces keep circulating.
		if p.Seeding != requesterSeeding {
			primary = append(primary, p)
		} else if !p.Seeding || t.seeders < r.lowSeedThreshold {
			secondary = append(secondary, p)
		}
	}

	candidates := append(primary, secondary...)
	if len(candidates) == 0 {
		return nil
	}

	n := min(numWant, len(candidates))
	start := t.cursor % len(candidates)
	t.cursor += n

	out := make([]PeerAddr, 0, n)
	for i := 0; i < n; i++ {
		p := candidates[(start+i)%len(candidates)]
		out = append(out, PeerAddr{ID: p.Key.ID, IP: p.IP, Port: p.Port})
	}
	return out
}

// Scrape returns the aggregate counters for one torrent. Unknown hashes
// report zeroes; scrape is not an existence oracle.
func (r *Registry) Scrape(hash InfoHash) ScrapeStats {
	sh := r.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	t := sh.torrents[hash]
	if t == nil {
		return ScrapeStats{}
	}
	return ScrapeStats{Complete: t.seeders, Incomplete: t.leechers, Downloaded: t.completed}
}

// Meta returns the cached durable-side description for a known swarm.
func (r *Registry) Meta(hash InfoHash) (TorrentMeta, bool) {
	sh := r.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if t := sh.torrents[hash]; t != nil {
		return t.meta, true
	}
	return TorrentMeta{}, false
}

// SweepStale evicts peers that missed two announce intervals and drops swarms
// that end up empty. One pass over every shard; each shard sweep is
// single-flight so overlapping timers never double-decrement counters.
func (r *Registry) SweepStale() (removedPeers, removedTorrents int) {
	deadline := time.Now().Add(-2 * r.announceInterval)

	for _, sh := range r.shards {
		if !sh.sweeping.CompareAndSwap(false, true) {
			continue // previous sweep of this shard still running
		}

		sh.mu.Lock()
		for hash, t := range sh.torrents {
			for key, p := range t.peers {
				if p.LastAnnounce.Before(deadline) {
					if p.Seeding {
						t.seeders--
					} else {
						t.leechers--
					}
					delete(t.peers, key)
					r.stats.PeerRemoved(p.Seeding)
					removedPeers++
					if debugEnabled.Load() {
						debug("sweep: removed stale peer %s from %s", key.ID.String(), hash.String())
					}
				}
			}
			if len(t.peers) == 0 {
				delete(sh.torrents, hash)
				r.stats.TorrentRemoved()
				removedTorrents++
			}
		}
		sh.mu.Unlock()

		sh.sweeping.Store(false)
	}
	return removedPeers, removedTorrents
}

// sweepLoop periodically runs SweepStale until the context is done.
func (r *Registry) sweepLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			peers, torrents := r.SweepStale()
			if peers > 0 || torrents > 0 {
				info("sweep: evicted %d stale peers, %d empty swarms", peers, torrents)
			}
		}
	}
}
