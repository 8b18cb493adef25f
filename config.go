package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full tracker configuration, loaded from a YAML file with
// MARGAY_* environment overrides. Invalid configuration aborts startup; it is
// the only error class allowed to do so.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	AnnounceInterval    time.Duration `mapstructure:"announce_interval"`
	MinAnnounceInterval time.Duration `mapstructure:"min_announce_interval"`

	// Peers that miss two announce intervals are considered dead.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	FlushHighWater   int           `mapstructure:"flush_high_water"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`
	MaxFlushFailures int           `mapstructure:"max_flush_failures"`

	AuthCacheSize int           `mapstructure:"auth_cache_size"`
	AuthCacheTTL  time.Duration `mapstructure:"auth_cache_ttl"`
	AuthTimeout   time.Duration `mapstructure:"auth_timeout"`

	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	LowSeedThreshold int `mapstructure:"low_seed_threshold"`

	DSN string `mapstructure:"dsn"`

	ClientWhitelistPath string `mapstructure:"client_whitelist_path"`

	GlobalFreeleechUntil time.Time `mapstructure:"global_freeleech_until"`

	Bonus BonusConfig `mapstructure:"bonus"`

	Debug bool `mapstructure:"debug"`
}

// BonusConfig is the data-driven earning rule set plus reward caps.
type BonusConfig struct {
	Rules         []BonusRule `mapstructure:"rules"`
	PerTorrentCap float64     `mapstructure:"per_torrent_cap"`
	PerDayCap     float64     `mapstructure:"per_day_cap"`
}

// BonusRule is one earning rule. Rules are evaluated highest priority first;
// the first matching append rule sets the base rate and matching multiply
// rules scale it.
type BonusRule struct {
	Name     string `mapstructure:"name"`
	Priority int    `mapstructure:"priority"`

	// Conditions. Zero values mean "no constraint".
	MinSize          int64  `mapstructure:"min_size"`
	MaxSeeders       int    `mapstructure:"max_seeders"`
	RequireFreeleech bool   `mapstructure:"require_freeleech"`
	Category         string `mapstructure:"category"`

	// Reward.
	PointsPerHour float64 `mapstructure:"points_per_hour"`
	PerGiB        bool    `mapstructure:"per_gib"`
	Multiply      bool    `mapstructure:"multiply"`
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":34000")
	v.SetDefault("announce_interval", 30*time.Minute)
	v.SetDefault("min_announce_interval", 15*time.Minute)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("flush_interval", 3*time.Second)
	v.SetDefault("flush_high_water", 1000)
	v.SetDefault("flush_timeout", 15*time.Second)
	v.SetDefault("max_flush_failures", 5)
	v.SetDefault("auth_cache_size", 16384)
	v.SetDefault("auth_cache_ttl", 5*time.Minute)
	v.SetDefault("auth_timeout", time.Second)
	v.SetDefault("rate_limit", 20.0)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("low_seed_threshold", 3)
	v.SetDefault("bonus.per_torrent_cap", 0.0)
	v.SetDefault("bonus.per_day_cap", 0.0)

	v.SetEnvPrefix("MARGAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Highest priority first; evaluation order is fixed at startup.
	sort.SliceStable(cfg.Bonus.Rules, func(i, j int) bool {
		return cfg.Bonus.Rules[i].Priority > cfg.Bonus.Rules[j].Priority
	})

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if c.AnnounceInterval <= 0 || c.MinAnnounceInterval <= 0 {
		return fmt.Errorf("announce intervals must be positive")
	}
	if c.MinAnnounceInterval > c.AnnounceInterval {
		return fmt.Errorf("min_announce_interval exceeds announce_interval")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.FlushHighWater <= 0 {
		return fmt.Errorf("flush_high_water must be positive")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("auth_timeout must be positive")
	}
	for i, r := range c.Bonus.Rules {
		if r.Name == "" {
			return fmt.Errorf("bonus rule %d: name is required", i)
		}
		if r.PointsPerHour < 0 {
			return fmt.Errorf("bonus rule %q: negative points_per_hour", r.Name)
		}
		if r.Multiply && r.PointsPerHour == 0 {
			return fmt.Errorf("bonus rule %q: multiply rule with zero factor", r.Name)
		}
		if r.MinSize < 0 || r.MaxSeeders < 0 {
			return fmt.Errorf("bonus rule %q: negative condition", r.Name)
		}
	}
	if c.Bonus.PerTorrentCap < 0 || c.Bonus.PerDayCap < 0 {
		return fmt.Errorf("bonus caps must be non-negative")
	}
	return nil
}
