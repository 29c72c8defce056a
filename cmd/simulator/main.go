// Simulator drives a running UEBA server with synthetic traffic.
//
// Usage:
//
//	go run ./cmd/simulator -url http://localhost:8080 -n 2000 -fraud 0.12
//
// Each generated transaction is either ordinary (home-region country, amount
// near the user's base) or high-risk (foreign country, 6-15x amount). The
// high-risk label is compared with the server's anomaly flag to report a
// confusion matrix.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	txTypes        = []string{"payment", "withdrawal", "deposit", "transfer"}
	safeCountries  = []string{"IN", "US", "GB", "SG"}
	riskyCountries = []string{"RU", "DE", "AE", "FR", "JP", "BR"}
)

// Submission mirrors the POST /transaction body.
type Submission struct {
	UserID            string  `json:"user_id"`
	Amount            float64 `json:"amount"`
	Type              string  `json:"type"`
	Country           string  `json:"country"`
	DeviceFingerprint string  `json:"device_fingerprint"`
}

// Verdict mirrors the POST /transaction response.
type Verdict struct {
	ID           string   `json:"id"`
	FinalRisk    float64  `json:"final_risk"`
	Explanations []string `json:"explanations"`
	Anomaly      bool     `json:"anomaly"`
}

type labeled struct {
	Submission
	HighRisk bool
}

// Metrics tracks simulation results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	TotalProcessed atomic.Int64
	TotalErrors    atomic.Int64

	ProcessingTimeMs atomic.Int64
}

// Record files one verdict against its generator label.
func (m *Metrics) Record(highRisk, flagged bool) {
	switch {
	case highRisk && flagged:
		m.TruePositives.Add(1)
	case !highRisk && flagged:
		m.FalsePositives.Add(1)
	case !highRisk && !flagged:
		m.TrueNegatives.Add(1)
	default:
		m.FalseNegatives.Add(1)
	}
}

// Precision and recall of the anomaly flag against the generator label.
func (m *Metrics) Precision() float64 {
	tp, fp := m.TruePositives.Load(), m.FalsePositives.Load()
	if tp+fp == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fp)
}

func (m *Metrics) Recall() float64 {
	tp, fn := m.TruePositives.Load(), m.FalseNegatives.Load()
	if tp+fn == 0 {
		return 0
	}
	return float64(tp) / float64(tp+fn)
}

// Generator produces labeled synthetic transactions for a fixed user set.
type Generator struct {
	rng       *rand.Rand
	users     []string
	base      map[string]float64
	fraudRate float64
}

// NewGenerator assigns every user a base amount in [20, 200).
func NewGenerator(users []string, fraudRate float64, seed uint64) *Generator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	base := make(map[string]float64, len(users))
	for _, u := range users {
		base[u] = 20 + rng.Float64()*180
	}
	return &Generator{rng: rng, users: users, base: base, fraudRate: fraudRate}
}

// Next returns one transaction. Not safe for concurrent use.
func (g *Generator) Next() labeled {
	user := g.users[g.rng.IntN(len(g.users))]
	risky := g.rng.Float64() < g.fraudRate

	mult := 0.5 + g.rng.Float64()*1.5
	countries := safeCountries
	if risky {
		mult = 6 + g.rng.Float64()*9
		countries = riskyCountries
	}

	return labeled{
		Submission: Submission{
			UserID:            user,
			Amount:            float64(int(g.base[user]*mult*100)) / 100,
			Type:              txTypes[g.rng.IntN(len(txTypes))],
			Country:           countries[g.rng.IntN(len(countries))],
			DeviceFingerprint: fmt.Sprintf("dev-%d", 1000+g.rng.IntN(9000)),
		},
		HighRisk: risky,
	}
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) users(ctx context.Context) ([]string, error) {
	var catalog struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/catalog", nil, &catalog); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(catalog.Users))
	for _, u := range catalog.Users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "UEBA base URL")
	apiKey := flag.String("api-key", os.Getenv("UEBA_SERVER_API_KEY"), "API key sent as X-API-Key")
	count := flag.Int("n", 1000, "transactions to send")
	workers := flag.Int("workers", 4, "concurrent requests")
	fraudRate := flag.Float64("fraud", 0.12, "probability a transaction is high-risk")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "generator seed")
	verbose := flag.Bool("verbose", false, "print each transaction result")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &client{http: &http.Client{Timeout: 10 * time.Second}, baseURL: *baseURL, apiKey: *apiKey}

	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		fmt.Printf("ERROR: UEBA not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	users, err := c.users(ctx)
	if err != nil {
		fmt.Printf("ERROR: failed to list users: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("ERROR: no users found; create some with POST /users first")
		os.Exit(1)
	}

	fmt.Printf("Simulating %d transactions for %d users (fraud rate %.2f, %d workers)\n",
		*count, len(users), *fraudRate, *workers)

	gen := NewGenerator(users, *fraudRate, *seed)
	metrics := &Metrics{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)
	for i := 0; i < *count && gctx.Err() == nil; i++ {
		tx := gen.Next()
		g.Go(func() error {
			t0 := time.Now()
			var v Verdict
			err := c.do(gctx, http.MethodPost, "/transaction", tx.Submission, &v)
			metrics.ProcessingTimeMs.Add(time.Since(t0).Milliseconds())
			metrics.TotalProcessed.Add(1)
			if err != nil {
				metrics.TotalErrors.Add(1)
				if *verbose {
					fmt.Printf("ERROR: %s -> %v\n", tx.UserID, err)
				}
				return nil
			}
			metrics.Record(tx.HighRisk, v.Anomaly)
			if *verbose {
				tag := "ok"
				if tx.HighRisk {
					tag = "HI"
				}
				fmt.Printf("[%s] %-12s %-10s %10.2f %s -> risk=%.3f anomaly=%v\n",
					tag, tx.UserID, tx.Type, tx.Amount, tx.Country, v.FinalRisk, v.Anomaly)
			}
			return nil
		})
	}
	_ = g.Wait()

	printResults(metrics, time.Since(start))
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("CONFUSION MATRIX")
	fmt.Println("                    flagged   passed")
	fmt.Printf("   high-risk      %8d %8d   (TP, FN)\n", m.TruePositives.Load(), m.FalseNegatives.Load())
	fmt.Printf("   ordinary       %8d %8d   (FP, TN)\n", m.FalsePositives.Load(), m.TrueNegatives.Load())

	fmt.Println()
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   Errors:     %d\n", m.TotalErrors.Load())

	fmt.Println()
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if n := m.TotalProcessed.Load(); n > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.ProcessingTimeMs.Load())/float64(n))
		fmt.Printf("   Throughput:  %.2f tx/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}
