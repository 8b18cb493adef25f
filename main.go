package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var version = "dev"

// debugEnabled is an atomic boolean for thread-safe debug toggle
var debugEnabled atomic.Bool

// Hot path callers should check debugEnabled.Load() first
// to avoid expensive argument evaluation (e.g., InfoHash.String()).
// This function provides a safety check for non-hot-path calls.
func debug(format string, v ...any) {
	if debugEnabled.Load() {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func info(format string, v ...any) {
	log.Printf("[INFO] "+format, v...)
}

func warn(format string, v ...any) {
	log.Printf("[WARN] "+format, v...)
}

func errorLog(format string, v ...any) {
	log.Printf("[ERROR] "+format, v...)
}

type cliOptions struct {
	configPath  string
	showVersion bool
	debug       bool
}

// parseFlags parses command-line flags. Default values are read from
// environment variables:
//   - MARGAY_CONFIG: path to the YAML config file
//   - DEBUG: enables debug mode if set
func parseFlags(args []string) cliOptions {
	defaultConfig := os.Getenv("MARGAY_CONFIG")
	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("margay", flag.ExitOnError)

	configPath := fs.String("config", defaultConfig, "path to config file [env MARGAY_CONFIG]")
	fs.StringVar(configPath, "c", defaultConfig, "alias to -config")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nMargay: %s\nPrivate BitTorrent Tracker (HTTP)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	// With ExitOnError, flag package exits on error
	//nolint:errcheck // Parsing error will exit
	_ = fs.Parse(args)

	return cliOptions{
		configPath:  *configPath,
		showVersion: *showVersion,
		debug:       *debug,
	}
}

func main() {
	opts := parseFlags(os.Args[1:])

	if opts.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("[ERROR] Config error: %v", err)
	}

	debugEnabled.Store(opts.debug || cfg.Debug)

	store, err := openMySQLStore(cfg.DSN)
	if err != nil {
		log.Fatalf("[ERROR] Storage error: %v", err)
	}

	srv := NewServer(cfg, store)

	ctx, stop := setupSignalHandling()
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[ERROR] Server error: %v", err)
	}
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
