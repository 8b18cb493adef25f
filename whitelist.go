package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const whitelistRefreshInterval = 5 * time.Minute

// ClientWhitelist filters announcing clients by peer-id prefix (the client
// identifier, e.g. "-lt0D" or "-TR404"). Unconfigured means every client is
// allowed; configured-but-empty blocks all.
type ClientWhitelist struct {
	prefixes atomic.Pointer[[][]byte]
}

// loadWhitelistFile reads the whitelist file and returns the allowed peer-id
// prefixes. Empty lines and lines starting with # are ignored.
func loadWhitelistFile(path string) [][]byte {
	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(path)
	if err != nil {
		warn("failed to open client whitelist: %v", err)
		return [][]byte{} // Fail-closed: empty list blocks all
	}
	//nolint:errcheck // File close errors ignored during read
	defer file.Close()

	var prefixes [][]byte
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > 20 {
			warn("client whitelist: prefix longer than a peer id, skipping: %q", line)
			continue
		}
		prefixes = append(prefixes, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		warn("error reading client whitelist: %v", err)
	}
	if prefixes == nil {
		prefixes = [][]byte{}
	}
	return prefixes
}

// startWhitelistManager loads the whitelist and reloads it whenever the file
// changes, until the context is canceled.
func (w *ClientWhitelist) startWhitelistManager(ctx context.Context, path string) {
	prefixes := loadWhitelistFile(path)
	w.prefixes.Store(&prefixes)
	info("loaded %d client prefixes from whitelist", len(prefixes))

	go func() {
		var lastMod time.Time
		if fi, err := os.Stat(path); err == nil {
			lastMod = fi.ModTime()
		}

		ticker := time.NewTicker(whitelistRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					warn("failed to stat client whitelist: %v", err)
					continue
				}
				if fi.ModTime() != lastMod {
					prefixes := loadWhitelistFile(path)
					w.prefixes.Store(&prefixes)
					lastMod = fi.ModTime()
					info("reloaded client whitelist: %d prefixes", len(prefixes))
				}
			}
		}
	}()
}

// Allowed checks a peer id against the whitelist. Nil pointer means the
// whitelist was never configured (open mode).
func (w *ClientWhitelist) Allowed(id PeerID) bool {
	prefixes := w.prefixes.Load()
	if prefixes == nil {
		return true
	}
	for _, p := range *prefixes {
		if bytes.HasPrefix(id[:], p) {
			return true
		}
	}
	return false
}
