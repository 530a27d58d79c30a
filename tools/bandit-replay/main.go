// bandit-replay is a small load generator that replays synthetic reward
// traffic through a live bandit-api instance, as if it were production
// events. For each event it asks /select for an arm, draws a Bernoulli
// reward from that arm's configured true rate, and feeds it back through
// /reward. Watching the per-arm allocation converge onto the best arm is
// the point: with rates 0.05,0.08 the share of arm 1 should pass 70% well
// before 10k events.
//
// Usage examples:
//
//	bandit-replay -base=http://127.0.0.1:8000 -n=10000 -rates=0.05,0.08
//	bandit-replay -base=http://127.0.0.1:8000 -experiment=exp-a -n_arms=3 -rates=0.05,0.08,0.12 -c=8
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type selectResponse struct {
	ArmID int     `json:"arm_id"`
	PBest float64 `json:"p_best"`
}

func main() {
	var (
		base       = flag.String("base", "http://127.0.0.1:8000", "Base URL of the bandit-api service")
		experiment = flag.String("experiment", "", "Experiment id (default: fresh replay-<uuid>)")
		nArms      = flag.Int("n_arms", 2, "Number of arms when creating the experiment")
		ratesS     = flag.String("rates", "0.05,0.08", "Comma-separated true reward rates per arm")
		n          = flag.Int("n", 10000, "Total select+reward round trips")
		conc       = flag.Int("c", 4, "Concurrent workers")
		rps        = flag.Float64("rps", 0, "Target request rate per worker (0 = unthrottled)")
		timeout    = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	)
	flag.Parse()

	rates, err := parseRates(*ratesS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -rates: %v\n", err)
		os.Exit(2)
	}
	if len(rates) != *nArms {
		fmt.Fprintf(os.Stderr, "-rates has %d entries but -n_arms=%d\n", len(rates), *nArms)
		os.Exit(2)
	}
	expID := *experiment
	if expID == "" {
		expID = "replay-" + uuid.NewString()
	}

	client := &http.Client{
		Timeout: *timeout,
		Transport: &http.Transport{
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	if err := createExperiment(client, *base, expID, *nArms); err != nil {
		fmt.Fprintf(os.Stderr, "create experiment: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("replaying %d events into %s (%d arms, rates %v, %d workers)\n",
		*n, expID, *nArms, rates, *conc)

	var (
		allocations = make([]atomic.Int64, *nArms)
		failures    atomic.Int64
		remaining   atomic.Int64
	)
	remaining.Store(int64(*n))

	var sleep time.Duration
	if *rps > 0 {
		sleep = time.Duration(float64(time.Second) / *rps)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *conc; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed+1))
			for remaining.Add(-1) >= 0 {
				arm, err := selectArm(client, *base, expID)
				if err != nil {
					failures.Add(1)
					continue
				}
				reward := 0.0
				if rng.Float64() < rates[arm] {
					reward = 1.0
				}
				if err := postReward(client, *base, expID, arm, reward); err != nil {
					failures.Add(1)
					continue
				}
				allocations[arm].Add(1)
				if sleep > 0 {
					time.Sleep(sleep)
				}
			}
		}(uint64(time.Now().UnixNano()) + uint64(w)*1e9)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(0)
	for k := range allocations {
		total += allocations[k].Load()
	}
	fmt.Printf("done in %s (%.0f events/s, %d failures)\n",
		elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(), failures.Load())
	for k := range allocations {
		c := allocations[k].Load()
		share := 0.0
		if total > 0 {
			share = float64(c) / float64(total)
		}
		fmt.Printf("  arm_%d: %6d pulls (%.1f%%)\n", k, c, 100*share)
	}
}

func parseRates(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	rates := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		if f < 0 || f > 1 {
			return nil, fmt.Errorf("rate %v outside [0, 1]", f)
		}
		rates = append(rates, f)
	}
	return rates, nil
}

func createExperiment(client *http.Client, base, id string, nArms int) error {
	body, _ := json.Marshal(map[string]any{"experiment_id": id, "n_arms": nArms})
	resp, err := client.Post(base+"/experiments", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409 means the experiment already exists; replaying into it is fine.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func selectArm(client *http.Client, base, id string) (int, error) {
	body, _ := json.Marshal(map[string]any{"experiment_id": id})
	resp, err := client.Post(base+"/select", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("/select status %d", resp.StatusCode)
	}
	var sr selectResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, err
	}
	return sr.ArmID, nil
}

func postReward(client *http.Client, base, id string, arm int, reward float64) error {
	body, _ := json.Marshal(map[string]any{"experiment_id": id, "arm_id": arm, "reward": reward})
	resp, err := client.Post(base+"/reward", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("/reward status %d", resp.StatusCode)
	}
	return nil
}
