package main

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiterCacheSize bounds per-IP limiter state; cold IPs age out of the LRU.
const limiterCacheSize = 65536

type rateGate struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

func newRateGate(rps float64, burst int) *rateGate {
	cache, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &rateGate{limiters: cache, rps: rate.Limit(rps), burst: burst}
}

// allow enforces a per-IP token bucket on the announce path. Scrapes and
// metrics are not limited.
func (g *rateGate) allow(ip string) bool {
	lim, ok := g.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(g.rps, g.burst)
		g.limiters.Add(ip, lim)
	}
	return lim.Allow()
}

// remoteIP extracts the client address. X-Real-IP wins when a fronting proxy
// sets it; otherwise the socket address.
func remoteIP(r *http.Request) net.IP {
	if h := r.Header.Get("X-Real-IP"); h != "" {
		if ip := net.ParseIP(h); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/{passkey}/announce", s.handleAnnounce)
	r.Get("/{passkey}/scrape", s.handleScrape)
	r.Method(http.MethodGet, "/metrics", s.stats.Handler())
	r.Get("/healthz", s.handleHealth)
	return r
}

// writeFailure answers with a bencoded failure reason and HTTP 200: clients
// expect protocol-level, not transport-level, failure signaling.
func writeFailure(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // nothing sensible to do about a failed failure write
	w.Write(encodeFailure(reason))
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client gone is the client's problem
	w.Write(body)
}

// handleAnnounce is the hot path: decode, authorize, update swarm state,
// adjust accounting, buffer deltas, answer with a peer list. No storage I/O
// happens synchronously except a cold torrent lookup.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.stats.RecordAnnounce(time.Since(start)) }()

	ip := remoteIP(r)
	if ip == nil {
		s.stats.RecordFailure("announce", "bad_remote_addr")
		writeFailure(w, "cannot determine client address")
		return
	}
	if !s.rateGate.allow(ip.String()) {
		s.stats.RecordFailure("announce", "rate_limited")
		writeFailure(w, "rate limit exceeded, try again later")
		return
	}

	req, err := decodeAnnounce(r.URL.RawQuery, ip)
	if err != nil {
		s.stats.RecordFailure("announce", "malformed")
		writeFailure(w, failureReason(err))
		return
	}
	req.UserAgent = r.UserAgent()

	user, status := s.gate.Authorize(r.Context(), chi.URLParam(r, "passkey"))
	if status != AuthOK {
		s.stats.RecordFailure("announce", "auth")
		writeFailure(w, status.FailureReason())
		return
	}
	// Stopped is always allowed through so a disabled leecher can still
	// depart cleanly and commit its final delta.
	if user.DownloadDisabled && req.Left > 0 && req.Event != EventStopped {
		s.stats.RecordFailure("announce", "download_disabled")
		writeFailure(w, "your download privileges are disabled")
		return
	}
	if !s.whitelist.Allowed(req.PeerID) {
		s.stats.RecordFailure("announce", "client_banned")
		writeFailure(w, "your client is not approved")
		return
	}

	meta, ok := s.registry.Meta(req.InfoHash)
	if !ok {
		// Cold swarm: confirm the hash with the platform before creating it.
		m, err := s.store.LookupTorrent(r.Context(), req.InfoHash)
		if errors.Is(err, ErrNotFound) {
			s.stats.RecordFailure("announce", "unknown_torrent")
			writeFailure(w, "this torrent does not exist")
			return
		}
		if err != nil {
			warn("torrent lookup failed: %v", err)
			s.stats.RecordFailure("announce", "storage")
			writeFailure(w, "tracker temporarily unavailable")
			return
		}
		meta = *m
	}

	torrent := s.registry.getOrCreateTorrent(req.InfoHash, meta)
	res := s.registry.RecordAnnounce(torrent, req, user.ID)

	key := AccrualKey{UserID: user.ID, InfoHash: req.InfoHash}
	accrual, downloadDelta := s.accounting.Evaluate(&user, meta, key, res)

	delta := Delta{
		Uploaded:   res.UploadDelta,
		Downloaded: downloadDelta,
		SeedTime:   res.SeedTime,
		Bonus:      accrual.Points,
		Freeleech:  accrual.Freeleech,
	}
	if res.NewSnatch {
		delta.Snatches = 1
	}
	if delta.Uploaded < 0 || delta.Downloaded < 0 {
		// Should be unreachable past the clamp; dropped rather than allowed
		// to corrupt aggregates.
		errorLog("invariant violation: negative delta for user %d on %s, dropping update",
			user.ID, req.InfoHash.String())
	} else if delta != (Delta{}) {
		s.accumulator.Add(key, delta)
	}

	interval := int(s.cfg.AnnounceInterval.Seconds())
	if res.Stopped {
		// Departing peers get the minimal body and their final delta is
		// pushed out without waiting for the next scheduled cycle.
		s.accumulator.Kick()
		body, err := encodeStoppedResponse(interval)
		if err != nil {
			writeFailure(w, "tracker error")
			return
		}
		writeBody(w, body)
		return
	}

	wantV6 := req.IP.To4() == nil
	peers := s.registry.SelectPeers(req.InfoHash, peerKey{ID: req.PeerID, UserID: user.ID},
		req.NumWant, res.Seeding, wantV6)

	body, err := encodeAnnounceResponse(peers, interval,
		int(s.cfg.MinAnnounceInterval.Seconds()), res.Seeders, res.Leechers,
		req.Compact, wantV6)
	if err != nil {
		errorLog("encode announce response: %v", err)
		writeFailure(w, "tracker error")
		return
	}
	writeBody(w, body)
}

// handleScrape answers aggregate swarm statistics without touching peer state.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.stats.RecordScrape(time.Since(start)) }()

	req, err := decodeScrape(r.URL.RawQuery)
	if err != nil {
		s.stats.RecordFailure("scrape", "malformed")
		writeFailure(w, failureReason(err))
		return
	}

	if _, status := s.gate.Authorize(r.Context(), chi.URLParam(r, "passkey")); status != AuthOK {
		s.stats.RecordFailure("scrape", "auth")
		writeFailure(w, status.FailureReason())
		return
	}

	stats := make(map[InfoHash]ScrapeStats, len(req.InfoHashes))
	for _, h := range req.InfoHashes {
		stats[h] = s.registry.Scrape(h)
	}

	body, err := encodeScrapeResponse(stats)
	if err != nil {
		errorLog("encode scrape response: %v", err)
		writeFailure(w, "tracker error")
		return
	}
	writeBody(w, body)
}

// handleHealth reports flush-pipeline health. The tracker keeps answering
// announces even when storage is unreachable; collectors see it here.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.stats.Degraded() {
		http.Error(w, "degraded: flush retries exhausted", http.StatusServiceUnavailable)
		return
	}
	//nolint:errcheck
	w.Write([]byte("ok"))
}
