package main

import (
	"sync"
	"time"
)

const gib = 1 << 30

// Accounting evaluates earning rules against active seeding sessions and
// applies freeleech exemptions to download accounting before anything reaches
// the accumulator: no downstream consumer ever sees a pre-exemption number.
type Accounting struct {
	rules         []BonusRule // sorted highest priority first at load
	perTorrentCap float64
	perDayCap     float64

	globalFreeleechUntil time.Time

	mu        sync.Mutex
	tokens    map[AccrualKey]time.Time // per-user freeleech tokens, expiry per key
	day       int                      // yearday of the accrual window
	dayTotals map[uint32]float64       // points accrued today per user
	pairTotal map[AccrualKey]float64   // points accrued per (user, torrent)
}

func NewAccounting(cfg BonusConfig, globalFreeleechUntil time.Time) *Accounting {
	return &Accounting{
		rules:                cfg.Rules,
		perTorrentCap:        cfg.PerTorrentCap,
		perDayCap:            cfg.PerDayCap,
		globalFreeleechUntil: globalFreeleechUntil,
		tokens:               make(map[AccrualKey]time.Time),
		day:                  time.Now().YearDay(),
		dayTotals:            make(map[uint32]float64),
		pairTotal:            make(map[AccrualKey]float64),
	}
}

// SetTokens replaces the active freeleech token set, typically from a
// periodic store reload.
func (a *Accounting) SetTokens(tokens map[AccrualKey]time.Time) {
	a.mu.Lock()
	a.tokens = tokens
	a.mu.Unlock()
}

// freeleechCovered reports whether any tier exempts this session's download:
// the torrent flag, the user's exemption, a global window, or an unexpired
// per-user token on this torrent.
func (a *Accounting) freeleechCovered(user *UserRecord, meta TorrentMeta, key AccrualKey, now time.Time) bool {
	if meta.Freeleech || user.FreeleechExempt {
		return true
	}
	if now.Before(a.globalFreeleechUntil) {
		return true
	}
	a.mu.Lock()
	expiry, ok := a.tokens[key]
	a.mu.Unlock()
	return ok && now.Before(expiry)
}

// Evaluate produces the bonus accrual for one announce and rewrites the
// download delta under freeleech. The returned download delta is the one the
// accumulator must buffer.
func (a *Accounting) Evaluate(user *UserRecord, meta TorrentMeta, key AccrualKey, res PeerUpdateResult) (BonusAccrual, int64) {
	now := time.Now()
	downloadDelta := res.DownloadDelta

	accrual := BonusAccrual{}
	if downloadDelta > 0 && a.freeleechCovered(user, meta, key, now) {
		downloadDelta = 0
		accrual.Freeleech = true
	}

	if res.Seeding && res.SeedTime > 0 {
		points := a.earn(meta, res)
		if points > 0 {
			accrual.Points = a.applyCaps(key, points)
		}
	}
	return accrual, downloadDelta
}

// earn walks the rule list highest priority first. The first matching append
// rule sets the base rate; matching multiply rules scale it. Rates are points
// per hour of active seeding, optionally scaled by torrent size in GiB.
func (a *Accounting) earn(meta TorrentMeta, res PeerUpdateResult) float64 {
	base := 0.0
	multiplier := 1.0
	haveBase := false

	for _, r := range a.rules {
		if !r.matches(meta, res.Seeders) {
			continue
		}
		if r.Multiply {
			multiplier *= r.PointsPerHour
			continue
		}
		if !haveBase {
			rate := r.PointsPerHour
			if r.PerGiB {
				rate *= float64(meta.Size) / gib
			}
			base = rate
			haveBase = true
		}
	}
	return base * multiplier * res.SeedTime.Hours()
}

func (r *BonusRule) matches(meta TorrentMeta, seeders int) bool {
	if r.MinSize > 0 && meta.Size < r.MinSize {
		return false
	}
	if r.MaxSeeders > 0 && seeders > r.MaxSeeders {
		return false
	}
	if r.RequireFreeleech && !meta.Freeleech {
		return false
	}
	if r.Category != "" && r.Category != meta.Category {
		return false
	}
	return true
}

// applyCaps clamps an accrual against the per-torrent and per-day budgets,
// consulting already-accrued totals for the period before adding more. A cap
// of zero means uncapped.
func (a *Accounting) applyCaps(key AccrualKey, points float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Both caps cover the current accrual day; totals reset on rollover,
	// which also bounds the maps.
	if day := time.Now().YearDay(); day != a.day {
		a.day = day
		a.dayTotals = make(map[uint32]float64)
		a.pairTotal = make(map[AccrualKey]float64)
	}

	if a.perTorrentCap > 0 {
		if remaining := a.perTorrentCap - a.pairTotal[key]; remaining < points {
			points = remaining
		}
	}
	if a.perDayCap > 0 {
		if remaining := a.perDayCap - a.dayTotals[key.UserID]; remaining < points {
			points = remaining
		}
	}
	if points <= 0 {
		return 0
	}

	a.pairTotal[key] += points
	a.dayTotals[key.UserID] += points
	return points
}
