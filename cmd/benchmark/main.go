package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/fundsledger/internal/logging"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	amount      int64
	replayRate  float64
)

// Outcome counters, keyed by response class.
var (
	totalRequests uint64
	created       uint64 // 201
	replayed      uint64 // 200 posted replays
	failed        uint64 // 200 compensated failures
	conflicts     uint64 // 409
	rejected      uint64 // 422
	unavailable   uint64 // 503
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API base URL")
	flag.IntVar(&concurrency, "workers", 10, "number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "test duration")
	flag.StringVar(&workload, "workload", "uniform", "workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "number of seeded accounts (acct-00001..)")
	flag.Int64Var(&amount, "amount", 100, "transfer amount in minor units")
	flag.Float64Var(&replayRate, "replay-rate", 0.05, "fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	logger, err := logging.New("production", "info")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	logger.Info("starting benchmark",
		zap.String("workload", workload), zap.Int("workers", concurrency), zap.Duration("duration", duration))

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		g.Go(func() error {
			worker(gctx, rng)
			return nil
		})
	}
	_ = g.Wait()

	if err := printResults(time.Since(start)); err != nil {
		logger.Fatal("writing results", zap.Error(err))
	}
}

func worker(ctx context.Context, rng *rand.Rand) {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte

	for ctx.Err() == nil {
		key, body := lastKey, lastBody
		if key == "" || rng.Float64() >= replayRate {
			from, to := pickAccounts(rng)
			key = "bench-" + uuid.NewString()
			body, _ = json.Marshal(map[string]interface{}{
				"source_account_id":      from,
				"destination_account_id": to,
				"amount":                 amount,
			})
		}
		lastKey, lastBody = key, body

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/transfers", bytes.NewReader(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		classify(resp)
		resp.Body.Close()
	}
}

func classify(resp *http.Response) {
	switch resp.StatusCode {
	case http.StatusCreated:
		atomic.AddUint64(&created, 1)
	case http.StatusOK:
		var result struct {
			Status string `json:"status"`
		}
		if json.NewDecoder(resp.Body).Decode(&result) == nil && result.Status == "failed" {
			atomic.AddUint64(&failed, 1)
			return
		}
		atomic.AddUint64(&replayed, 1)
	case http.StatusConflict:
		atomic.AddUint64(&conflicts, 1)
	case http.StatusUnprocessableEntity:
		atomic.AddUint64(&rejected, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&unavailable, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func accountID(n int) string {
	return fmt.Sprintf("acct-%05d", n)
}

func pickAccounts(rng *rand.Rand) (string, string) {
	if workload == "hotspot" && rng.Float32() < 0.90 {
		// 90% of traffic bounces between the first two accounts
		if rng.Float32() < 0.5 {
			return accountID(1), accountID(2)
		}
		return accountID(2), accountID(1)
	}

	a := rng.Intn(accounts) + 1
	b := rng.Intn(accounts) + 1
	for a == b {
		b = rng.Intn(accounts) + 1
	}
	return accountID(a), accountID(b)
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	c409 := atomic.LoadUint64(&conflicts)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(c409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   atomic.LoadUint64(&created),
		"success_replay":    atomic.LoadUint64(&replayed),
		"posting_failures":  atomic.LoadUint64(&failed),
		"aborts_conflict":   c409,
		"conflict_rate_pct": conflictRate,
		"rejected":          atomic.LoadUint64(&rejected),
		"lock_timeouts":     atomic.LoadUint64(&unavailable),
		"errors":            atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewEncoder(file).Encode(results)
}
