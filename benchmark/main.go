// HTTP Tracker Benchmark Tool
// Simulates concurrent announce/scrape clients to test tracker performance
//
// Usage: go run benchmark/main.go -target http://localhost:8080 -passkey <key> -duration 30s -concurrency 100

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const requestTimeout = 5 * time.Second

// LatencyStats stores latencies for a specific operation type (announce/scrape)
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) getSorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(l.Latencies))
	copy(sorted, l.Latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func (l *LatencyStats) Percentile(p float64) time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

func (l *LatencyStats) Min() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[0]
}

func (l *LatencyStats) Max() time.Duration {
	sorted := l.getSorted()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1]
}

func (l *LatencyStats) Count() int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return len(l.Latencies)
}

type Stats struct {
	StartTime       time.Time
	AnnounceLatency LatencyStats
	ScrapeLatency   LatencyStats
	TotalRequests   uint64
	SuccessfulReqs  uint64
	FailedReqs      uint64
	FailureBodies   uint64
	AnnounceCount   uint64
	ScrapeCount     uint64
}

type Config struct {
	Target      string
	Passkey     string
	Duration    time.Duration
	Concurrency int
	RateLimit   int
	NumHashes   int
	NumWant     int
}

type Benchmark struct {
	StopCh chan struct{}
	Config Config
	Stats  Stats
	Client *http.Client
}

func NewBenchmark(cfg Config) *Benchmark {
	return &Benchmark{
		StopCh: make(chan struct{}),
		Config: cfg,
		Client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.Concurrency,
			},
		},
	}
}

func (b *Benchmark) Run() {
	b.Stats.StartTime = time.Now()

	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %d req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Info hashes: %d\n", b.Config.NumHashes)
	fmt.Println()

	go b.reportProgress()

	var wg sync.WaitGroup
	for i := 0; i < b.Config.Concurrency; i++ {
		wg.Add(1)
		go b.worker(i, &wg)
	}

	time.Sleep(b.Config.Duration)
	close(b.StopCh)
	wg.Wait()
	b.printResults()
}

func (b *Benchmark) worker(id int, wg *sync.WaitGroup) {
	defer wg.Done()

	var rateLimiter *time.Ticker
	if b.Config.RateLimit > 0 {
		rateLimiter = time.NewTicker(time.Second / time.Duration(b.Config.RateLimit))
		defer rateLimiter.Stop()
	}

	hashes := make([][20]byte, b.Config.NumHashes)
	peerID := generatePeerID(id)
	for i := range hashes {
		hashes[i] = generateInfoHash(id, i)
	}

	for {
		select {
		case <-b.StopCh:
			return
		default:
		}

		if rateLimiter != nil {
			<-rateLimiter.C
		}

		b.performCycle(id, peerID, hashes)
	}
}

// performCycle announces each hash, then scrapes them all in one request
func (b *Benchmark) performCycle(workerID int, peerID [20]byte, hashes [][20]byte) {
	for _, hash := range hashes {
		select {
		case <-b.StopCh:
			return
		default:
		}

		err := b.doAnnounce(workerID, hash, peerID)
		if err != nil {
			atomic.AddUint64(&b.Stats.FailedReqs, 1)
		} else {
			atomic.AddUint64(&b.Stats.AnnounceCount, 1)
			atomic.AddUint64(&b.Stats.SuccessfulReqs, 1)
		}
		atomic.AddUint64(&b.Stats.TotalRequests, 1)
	}

	err := b.doScrape(hashes)
	if err != nil {
		atomic.AddUint64(&b.Stats.FailedReqs, 1)
	} else {
		atomic.AddUint64(&b.Stats.ScrapeCount, 1)
		atomic.AddUint64(&b.Stats.SuccessfulReqs, 1)
	}
	atomic.AddUint64(&b.Stats.TotalRequests, 1)
}

// doAnnounce sends one leecher announce. Binary params are percent-encoded
// by hand because the tracker expects raw 20-byte values.
func (b *Benchmark) doAnnounce(workerID int, infoHash, peerID [20]byte) error {
	start := time.Now()

	var q strings.Builder
	q.WriteString("info_hash=")
	q.WriteString(url.QueryEscape(string(infoHash[:])))
	q.WriteString("&peer_id=")
	q.WriteString(url.QueryEscape(string(peerID[:])))
	fmt.Fprintf(&q, "&port=%d&uploaded=0&downloaded=0&left=100&compact=1&numwant=%d",
		6881+workerID, b.Config.NumWant)

	target := fmt.Sprintf("%s/%s/announce?%s", b.Config.Target, b.Config.Passkey, q.String())
	err := b.doRequest(target)
	b.Stats.AnnounceLatency.Record(time.Since(start))
	return err
}

// doScrape requests statistics for every hash in one call.
func (b *Benchmark) doScrape(hashes [][20]byte) error {
	start := time.Now()

	var q strings.Builder
	for i, hash := range hashes {
		if i > 0 {
			q.WriteByte('&')
		}
		q.WriteString("info_hash=")
		q.WriteString(url.QueryEscape(string(hash[:])))
	}

	target := fmt.Sprintf("%s/%s/scrape?%s", b.Config.Target, b.Config.Passkey, q.String())
	err := b.doRequest(target)
	b.Stats.ScrapeLatency.Record(time.Since(start))
	return err
}

// doRequest issues the GET and classifies the response. The tracker reports
// protocol failures as a bencoded "failure reason" with HTTP 200, so those
// are counted separately from transport errors.
func (b *Benchmark) doRequest(target string) error {
	resp, err := b.Client.Get(target)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if strings.HasPrefix(string(body), "d14:failure reason") {
		atomic.AddUint64(&b.Stats.FailureBodies, 1)
		return fmt.Errorf("tracker failure: %s", body)
	}
	return nil
}

func (b *Benchmark) reportProgress() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := atomic.LoadUint64(&b.Stats.TotalRequests)
			rps := float64(total) / elapsed.Seconds()
			fmt.Printf("[%s] Total: %d | RPS: %.0f | Success: %d | Failed: %d\n",
				elapsed.Round(time.Second), total, rps,
				atomic.LoadUint64(&b.Stats.SuccessfulReqs),
				atomic.LoadUint64(&b.Stats.FailedReqs))
		case <-b.StopCh:
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)

	totalRequests := atomic.LoadUint64(&b.Stats.TotalRequests)
	successfulReqs := atomic.LoadUint64(&b.Stats.SuccessfulReqs)
	failedReqs := atomic.LoadUint64(&b.Stats.FailedReqs)
	failureBodies := atomic.LoadUint64(&b.Stats.FailureBodies)
	announceCount := atomic.LoadUint64(&b.Stats.AnnounceCount)
	scrapeCount := atomic.LoadUint64(&b.Stats.ScrapeCount)

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()

	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %d\n", totalRequests)

	successRate := float64(0)
	failRate := float64(0)
	if totalRequests > 0 {
		successRate = float64(successfulReqs) / float64(totalRequests) * 100
		failRate = float64(failedReqs) / float64(totalRequests) * 100
	}

	fmt.Printf("Successful:         %d (%.2f%%)\n", successfulReqs, successRate)
	fmt.Printf("Failed:             %d (%.2f%%)\n", failedReqs, failRate)
	fmt.Printf("Tracker failures:   %d\n", failureBodies)
	fmt.Printf("Requests/Second:    %.2f\n", float64(totalRequests)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("--- Request Breakdown ---")
	fmt.Printf("Announce:           %d\n", announceCount)
	fmt.Printf("Scrape:             %d\n", scrapeCount)
	fmt.Println()

	fmt.Println("--- Latency Statistics ---")

	printLatencyBreakdown := func(name string, lat *LatencyStats, count uint64) {
		if count == 0 {
			return
		}
		fmt.Printf("\n%s Latency (n=%d):\n", name, count)
		fmt.Printf("  Min:  %s\n", lat.Min())
		fmt.Printf("  Avg:  %s\n", lat.Avg())
		fmt.Printf("  P50:  %s\n", lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", lat.Max())
	}

	printLatencyBreakdown("Announce", &b.Stats.AnnounceLatency, announceCount)
	printLatencyBreakdown("Scrape", &b.Stats.ScrapeLatency, scrapeCount)
	fmt.Println()
}

// generateInfoHash creates a deterministic 20-byte info hash for testing.
func generateInfoHash(workerID, hashID int) [20]byte {
	var hash [20]byte
	binary.BigEndian.PutUint32(hash[0:4], uint32(workerID))
	binary.BigEndian.PutUint32(hash[4:8], uint32(hashID))
	for i := 8; i < 20; i++ {
		hash[i] = byte(i)
	}
	return hash
}

// generatePeerID creates a uTorrent-style peer ID for testing.
func generatePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[0:8], "-UT1234-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))
	binary.BigEndian.PutUint32(id[12:16], uint32(time.Now().UnixNano()))
	return id
}

func main() {
	var config Config

	flag.StringVar(&config.Target, "target", "http://localhost:8080", "Tracker base URL")
	flag.StringVar(&config.Passkey, "passkey", "", "Passkey to announce with")
	duration := flag.Duration("duration", 30*time.Second, "Benchmark duration")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.IntVar(&config.RateLimit, "rate", 0, "Rate limit per worker (req/s, 0=unlimited)")
	flag.IntVar(&config.NumHashes, "hashes", 5, "Number of info hashes per worker")
	flag.IntVar(&config.NumWant, "numwant", 50, "Number of peers to request")
	flag.Parse()

	config.Duration = *duration

	if config.Concurrency < 1 {
		log.Fatal("Concurrency must be at least 1")
	}
	if config.Passkey == "" {
		log.Fatal("A passkey is required (-passkey)")
	}

	benchmark := NewBenchmark(config)
	benchmark.Run()
}
