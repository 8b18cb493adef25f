package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// tokenReloadInterval controls how often per-user freeleech tokens are
// refreshed from storage. Token grants take effect within one interval.
const tokenReloadInterval = 5 * time.Minute

type Server struct {
	cfg         *Config
	store       Store
	stats       *Stats
	registry    *Registry
	accumulator *Accumulator
	flusher     *Flusher
	accounting  *Accounting
	gate        *Gate
	whitelist   *ClientWhitelist
	rateGate    *rateGate
}

func NewServer(cfg *Config, store Store) *Server {
	stats := NewStats()
	acc := NewAccumulator(cfg.FlushHighWater)
	s := &Server{
		cfg:         cfg,
		store:       store,
		stats:       stats,
		registry:    NewRegistry(stats, cfg.AnnounceInterval, cfg.LowSeedThreshold),
		accumulator: acc,
		flusher:     NewFlusher(acc, store, stats, cfg.FlushInterval, cfg.FlushTimeout, cfg.MaxFlushFailures),
		accounting:  NewAccounting(cfg.Bonus, cfg.GlobalFreeleechUntil),
		gate:        NewGate(store, cfg.AuthCacheSize, cfg.AuthCacheTTL, cfg.AuthTimeout),
		whitelist:   &ClientWhitelist{},
		rateGate:    newRateGate(cfg.RateLimit, cfg.RateLimitBurst),
	}
	return s
}

// Run starts the HTTP listener and the background loops and blocks until ctx
// is canceled. Pending deltas are flushed before it returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.reloadTokens(ctx); err != nil {
		// Not fatal: tokens arrive on the next reload tick.
		warn("initial freeleech token load failed: %v", err)
	}
	if s.cfg.ClientWhitelistPath != "" {
		s.whitelist.startWhitelistManager(ctx, s.cfg.ClientWhitelistPath)
	}

	httpSrv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		info("listening on %s", s.cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		// run performs a final forced flush on its way out.
		s.flusher.run(gctx)
		return nil
	})

	g.Go(func() error {
		s.registry.sweepLoop(gctx.Done(), s.cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		s.tokenReloadLoop(gctx)
		return nil
	})

	err := g.Wait()
	if cerr := s.store.Close(); cerr != nil {
		warn("closing storage: %v", cerr)
	}
	return err
}

func (s *Server) reloadTokens(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	defer cancel()
	tokens, err := s.store.LoadFreeleechTokens(lctx)
	if err != nil {
		return err
	}
	s.accounting.SetTokens(tokens)
	debug("loaded %d freeleech tokens", len(tokens))
	return nil
}

func (s *Server) tokenReloadLoop(ctx context.Context) {
	ticker := time.NewTicker(tokenReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reloadTokens(ctx); err != nil {
				warn("freeleech token reload failed: %v", err)
			}
		}
	}
}
