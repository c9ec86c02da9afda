//go:build ignore
// +build ignore

// Optimize Load Test - Validates serving capacity of a running adapt server
//
// Test Scenarios:
// 1. Serve Test - Sustained /api/optimize traffic from fresh visitors
// 2. Burst Test - High-frequency event batches against the coalescing pipeline
// 3. Reward Test - Optimize/reward cycles measuring attribution latency
// 4. Mixed Test - Realistic session mix (optimize, track bursts, occasional reward)
//
// Usage:
//
//	go run scripts/optimize_loadtest.go \
//	  --base=http://localhost:8080 \
//	  --key=pk_live_... \
//	  --test=mixed \
//	  --duration=2m \
//	  --workers=16
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type LoadTestConfig struct {
	BaseURL  string
	APIKey   string
	TestType string // serve, burst, reward, mixed
	Duration time.Duration
	Workers  int
	BurstLen int
}

func DefaultConfig() *LoadTestConfig {
	return &LoadTestConfig{
		BaseURL:  "http://localhost:8080",
		TestType: "mixed",
		Duration: 2 * time.Minute,
		Workers:  16,
		BurstLen: 20,
	}
}

// =============================================================================
// METRICS
// =============================================================================

type Metrics struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration

	Requests int64
	Errors   int64
	Served   int64
	Accepted int64
	Merged   int64
	Rewarded int64
}

func NewMetrics() *Metrics {
	return &Metrics{latencies: make(map[string][]time.Duration)}
}

func (m *Metrics) observe(op string, d time.Duration) {
	m.mu.Lock()
	m.latencies[op] = append(m.latencies[op], d)
	m.mu.Unlock()
}

func (m *Metrics) percentile(op string, p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := append([]time.Duration(nil), m.latencies[op]...)
	if len(ds) == 0 {
		return 0
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	idx := int(float64(len(ds)-1) * p)
	return ds[idx]
}

// =============================================================================
// CLIENT
// =============================================================================

type client struct {
	cfg  *LoadTestConfig
	http *http.Client
	met  *Metrics
}

func (c *client) post(op, path string, body interface{}) (map[string]interface{}, error) {
	buf, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	atomic.AddInt64(&c.met.Requests, 1)
	if err != nil {
		atomic.AddInt64(&c.met.Errors, 1)
		return nil, err
	}
	defer resp.Body.Close()
	c.met.observe(op, time.Since(start))

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		atomic.AddInt64(&c.met.Errors, 1)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		atomic.AddInt64(&c.met.Errors, 1)
		return out, fmt.Errorf("%s: status %d (%v)", path, resp.StatusCode, out["error"])
	}
	return out, nil
}

func (c *client) optimize(userID string) (string, error) {
	out, err := c.post("optimize", "/api/optimize", map[string]interface{}{
		"user_id":      userID,
		"component_id": "hero",
		"changingHtml": `<div data-ai-component="hero"><h1>Load Test Hero</h1></div>`,
	})
	if err != nil {
		return "", err
	}
	atomic.AddInt64(&c.met.Served, 1)
	variant, _ := out["variant"].(string)
	return variant, nil
}

func (c *client) burst(userID, sessionID string, n int) error {
	names := []string{"mouse_hesitation", "scroll_fast", "hover", "scroll_direction_change"}
	events := make([]map[string]interface{}, 0, n)
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		events = append(events, map[string]interface{}{
			"event_name": names[rand.Intn(len(names))],
			"timestamp":  base.Add(time.Duration(i) * 30 * time.Millisecond).Format(time.RFC3339Nano),
		})
	}
	out, err := c.post("batch", "/api/events/batch", map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"events":     events,
	})
	if err != nil {
		return err
	}
	if v, ok := out["accepted"].(float64); ok {
		atomic.AddInt64(&c.met.Accepted, int64(v))
	}
	if v, ok := out["coalesced"].(float64); ok {
		atomic.AddInt64(&c.met.Merged, int64(v))
	}
	return nil
}

func (c *client) reward(userID, variant string) error {
	_, err := c.post("reward", "/api/reward", map[string]interface{}{
		"user_id":           userID,
		"variantAttributed": variant,
		"reward_type":       "cta_click",
		"component_ids":     []string{"hero"},
	})
	if err == nil {
		atomic.AddInt64(&c.met.Rewarded, 1)
	}
	return err
}

// =============================================================================
// SCENARIOS
// =============================================================================

func runWorker(c *client, stop <-chan struct{}, id int) {
	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		default:
		}

		userID := fmt.Sprintf("usr_load_%d_%d", id, n)
		sessionID := fmt.Sprintf("session_load_%d_%d", id, n)

		switch c.cfg.TestType {
		case "serve":
			c.optimize(userID)
		case "burst":
			c.burst(userID, sessionID, c.cfg.BurstLen)
		case "reward":
			if variant, err := c.optimize(userID); err == nil && variant != "" {
				c.reward(userID, variant)
			}
		default: // mixed
			variant, err := c.optimize(userID)
			if err != nil {
				continue
			}
			c.burst(userID, sessionID, c.cfg.BurstLen)
			// Roughly one visitor in five converts during a load run.
			if variant != "" && rand.Intn(5) == 0 {
				c.reward(userID, variant)
			}
		}
	}
}

func main() {
	cfg := DefaultConfig()
	flag.StringVar(&cfg.BaseURL, "base", cfg.BaseURL, "Server base URL")
	flag.StringVar(&cfg.APIKey, "key", "", "Tenant API key (required)")
	flag.StringVar(&cfg.TestType, "test", cfg.TestType, "Scenario: serve, burst, reward, mixed")
	flag.DurationVar(&cfg.Duration, "duration", cfg.Duration, "How long to run")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent workers")
	flag.IntVar(&cfg.BurstLen, "burst", cfg.BurstLen, "Events per batch in burst scenarios")
	flag.Parse()

	if cfg.APIKey == "" {
		log.Fatal("--key is required (register a tenant via POST /api/business/register)")
	}

	log.Printf("Starting %s load test against %s (%d workers, %s)",
		cfg.TestType, cfg.BaseURL, cfg.Workers, cfg.Duration)

	met := NewMetrics()
	c := &client{cfg: cfg, met: met, http: &http.Client{Timeout: 10 * time.Second}}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(c, stop, id)
		}(i)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	start := time.Now()
	select {
	case <-time.After(cfg.Duration):
	case <-sig:
		log.Println("Interrupted, stopping workers...")
	}
	close(stop)
	wg.Wait()
	elapsed := time.Since(start)

	// =========================================================================
	// REPORT
	// =========================================================================
	fmt.Println()
	fmt.Println("==============================================")
	fmt.Printf("  %s load test: %s\n", cfg.TestType, elapsed.Round(time.Second))
	fmt.Println("==============================================")
	fmt.Printf("  Requests:        %d (%.1f/s)\n", met.Requests, float64(met.Requests)/elapsed.Seconds())
	fmt.Printf("  Errors:          %d\n", met.Errors)
	fmt.Printf("  Variants served: %d\n", met.Served)
	fmt.Printf("  Events stored:   %d\n", met.Accepted)
	fmt.Printf("  Events merged:   %d\n", met.Merged)
	fmt.Printf("  Rewards applied: %d\n", met.Rewarded)
	for _, op := range []string{"optimize", "batch", "reward"} {
		if p50 := met.percentile(op, 0.50); p50 > 0 {
			fmt.Printf("  %-9s p50=%-8s p99=%s\n", op, p50.Round(time.Millisecond), met.percentile(op, 0.99).Round(time.Millisecond))
		}
	}
	fmt.Println("==============================================")
}
