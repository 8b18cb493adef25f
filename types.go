package main

import (
	"encoding/hex"
	"net"
	"time"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent.
// Used as a map key to avoid 40-byte hex string overhead (saves 20 bytes per key).
type InfoHash [20]byte

// NewInfoHash creates an InfoHash from a byte slice.
// Caller must ensure b has at least 20 bytes (wire validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewInfoHash(b []byte) InfoHash {
	var h InfoHash
	copy(h[:], b)
	return h
}

func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// PeerID is the 20-byte client-chosen peer identifier.
type PeerID [20]byte

func NewPeerID(b []byte) PeerID {
	var id PeerID
	copy(id[:], b)
	return id
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Event is the announce event kind reported by the client.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func ParseEvent(s string) Event {
	switch s {
	case "started":
		return EventStarted
	case "completed":
		return EventCompleted
	case "stopped":
		return EventStopped
	default:
		return EventNone
	}
}

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// AnnounceReq holds a decoded announce request. Transient, not retained past
// request handling.
type AnnounceReq struct {
	InfoHash   InfoHash
	PeerID     PeerID
	IP         net.IP
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
	Compact    bool
	UserAgent  string
}

// ScrapeReq holds the info-hashes of a decoded scrape request.
type ScrapeReq struct {
	InfoHashes []InfoHash
}

// PeerAddr is the address tuple returned to announcing clients.
type PeerAddr struct {
	ID   PeerID
	IP   net.IP
	Port uint16
}

// peerKey identifies a session within a torrent's swarm. Two clients of the
// same user announce under distinct peer IDs and get distinct sessions.
type peerKey struct {
	ID     PeerID
	UserID uint32
}

// PeerSession is the in-memory state for one announced peer. Owned exclusively
// by its torrent's swarm entry; reconstructed from announces, never persisted.
type PeerSession struct {
	Key          peerKey
	IP           net.IP
	Port         uint16
	Uploaded     uint64
	Downloaded   uint64
	Left         uint64
	Seeding      bool
	StartTime    time.Time
	LastAnnounce time.Time
}

// TorrentMeta is the durable-side description of a torrent, fetched from the
// Store when a swarm entry is created.
type TorrentMeta struct {
	ID        uint32
	Size      int64
	Category  string
	Freeleech bool
}

// Torrent is one swarm: the live peer sessions for a single info-hash plus
// cached counters. Counter updates happen inside the announce transitions,
// never by rescanning the peer map.
type Torrent struct {
	meta       TorrentMeta
	peers      map[peerKey]*PeerSession
	snatched   map[uint32]struct{} // user ids credited with a completed download
	seeders    int
	leechers   int
	completed  int
	cursor     int // rotation offset for peer selection
	lastAction time.Time
}

// UserRecord is the identity resolved from a passkey.
type UserRecord struct {
	ID               uint32
	Passkey          string
	Banned           bool
	Disabled         bool
	DownloadDisabled bool
	FreeleechExempt  bool
}

// AccrualKey coalesces buffered deltas: repeated announces for the same
// (user, torrent) pair before a flush sum into one row.
type AccrualKey struct {
	UserID   uint32
	InfoHash InfoHash
}

// Delta is the accumulated per-(user,torrent) change since the last flush.
type Delta struct {
	Uploaded   int64
	Downloaded int64
	SeedTime   time.Duration
	Snatches   int
	Bonus      float64
	Freeleech  bool // a freeleech exemption zeroed the download delta
}

func (d *Delta) merge(o Delta) {
	d.Uploaded += o.Uploaded
	d.Downloaded += o.Downloaded
	d.SeedTime += o.SeedTime
	d.Snatches += o.Snatches
	d.Bonus += o.Bonus
	d.Freeleech = d.Freeleech || o.Freeleech
}

// BonusAccrual is the outcome of rule evaluation for one announce.
type BonusAccrual struct {
	Points    float64
	Freeleech bool
}

// FlushBatch is one flush cycle's worth of coalesced deltas. Destroyed on
// successful write-through, requeued whole on failure.
type FlushBatch struct {
	Deltas map[AccrualKey]*Delta
}

func (b *FlushBatch) empty() bool {
	return b == nil || len(b.Deltas) == 0
}

// mergeFrom folds another batch in, summing overlapping keys.
func (b *FlushBatch) mergeFrom(o *FlushBatch) {
	if o == nil {
		return
	}
	for k, d := range o.Deltas {
		if cur, ok := b.Deltas[k]; ok {
			cur.merge(*d)
		} else {
			b.Deltas[k] = d
		}
	}
}
