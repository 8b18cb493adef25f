package main

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AuthStatus classifies a passkey lookup.
type AuthStatus int

const (
	AuthOK AuthStatus = iota
	AuthUnknown
	AuthBanned
	AuthDisabled
)

// FailureReason is the client-visible string for a rejected credential.
// Distinct strings per class for diagnosability.
func (s AuthStatus) FailureReason() string {
	switch s {
	case AuthUnknown:
		return "passkey not found"
	case AuthBanned:
		return "user banned"
	case AuthDisabled:
		return "account disabled"
	default:
		return ""
	}
}

// Gate maps an opaque per-user tracker secret to an identity and eligibility
// flags. Cache-first: a warm cache never invokes the external lookup on the
// announce path. Mutates nothing beyond its own cache.
type Gate struct {
	store   Store
	cache   *expirable.LRU[string, UserRecord]
	timeout time.Duration
}

func NewGate(store Store, cacheSize int, cacheTTL, timeout time.Duration) *Gate {
	return &Gate{
		store:   store,
		cache:   expirable.NewLRU[string, UserRecord](cacheSize, nil, cacheTTL),
		timeout: timeout,
	}
}

// Authorize resolves a passkey. Cache misses hit the external store under a
// bounded timeout; on timeout or lookup error the request fails closed as
// Unknown rather than blocking the handler.
func (g *Gate) Authorize(ctx context.Context, passkey string) (UserRecord, AuthStatus) {
	if passkey == "" {
		return UserRecord{}, AuthUnknown
	}

	user, ok := g.cache.Get(passkey)
	if !ok {
		lctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		rec, err := g.store.LookupUser(lctx, passkey)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				warn("passkey lookup failed: %v", err)
			}
			return UserRecord{}, AuthUnknown
		}
		user = *rec
		g.cache.Add(passkey, user)
	}

	switch {
	case user.Banned:
		return user, AuthBanned
	case user.Disabled:
		return user, AuthDisabled
	default:
		return user, AuthOK
	}
}

// Invalidate drops a cached passkey, e.g. after an external ban signal.
func (g *Gate) Invalidate(passkey string) {
	g.cache.Remove(passkey)
}
