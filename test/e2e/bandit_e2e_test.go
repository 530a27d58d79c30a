//go:build e2e

// Package e2e contains end-to-end tests that exercise the real State Store
// adapter and the full select/reward/conclude loop against a live Redis at
// 127.0.0.1:6379. The registry is replaced with an in-memory implementation
// so only Redis is required; registry behavior against real Postgres has its
// own driver-level coverage.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"bandit/internal/bandit/api"
	"bandit/internal/bandit/conclude"
	"bandit/internal/bandit/posterior"
	"bandit/internal/bandit/registry"
	"bandit/internal/bandit/store"
)

func redisOrSkip(t *testing.T) *redis.Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 9})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	return rc
}

// memRegistry is a minimal in-memory stand-in for the Postgres registry with
// the same create/conclude semantics.
type memRegistry struct {
	mu     sync.Mutex
	status map[string]string
	winner map[string]int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{status: make(map[string]string), winner: make(map[string]int)}
}

func (m *memRegistry) Create(_ context.Context, id string, nArms int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[id]; ok {
		return registry.ErrAlreadyExists
	}
	m.status[id] = registry.StatusRunning
	return nil
}

func (m *memRegistry) ListRunning(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.status {
		if s == registry.StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memRegistry) Conclude(_ context.Context, id string, winnerArm int, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[id] != registry.StatusRunning {
		return false, nil
	}
	m.status[id] = registry.StatusConcluded
	m.winner[id] = winnerArm
	return true, nil
}

// TestE2E_StateStoreRoundTrip verifies the real adapter against Redis: seed,
// read with prior defaults, reward increments, and total_draws accounting.
func TestE2E_StateStoreRoundTrip(t *testing.T) {
	rc := redisOrSkip(t)
	st := store.New(rc)
	ctx := context.Background()
	id := fmt.Sprintf("e2e-store-%d", time.Now().UnixNano())

	if err := st.Seed(ctx, id, 3); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := st.NArms(ctx, id)
	if err != nil || n != 3 {
		t.Fatalf("n_arms: %d, %v", n, err)
	}

	alphas, betas, err := st.ReadPosteriors(ctx, id, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for k := 0; k < 3; k++ {
		if alphas[k] != 1 || betas[k] != 1 {
			t.Fatalf("arm %d: expected prior (1,1), got (%d,%d)", k, alphas[k], betas[k])
		}
	}

	// 2 successes on arm 1, 1 failure on arm 2.
	for _, s := range []bool{true, true} {
		if err := st.ApplyReward(ctx, id, 1, s); err != nil {
			t.Fatalf("apply reward: %v", err)
		}
	}
	if err := st.ApplyReward(ctx, id, 2, false); err != nil {
		t.Fatalf("apply reward: %v", err)
	}

	alphas, betas, err = st.ReadPosteriors(ctx, id, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if alphas[1] != 3 || betas[2] != 2 {
		t.Fatalf("counters: alphas=%v betas=%v", alphas, betas)
	}
	total, err := st.TotalDraws(ctx, id)
	if err != nil || total != 3 {
		t.Fatalf("total_draws: %d, %v", total, err)
	}

	if _, err := st.NArms(ctx, "never-seeded"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestE2E_SelectRewardConcludeLoop drives the full platform loop over HTTP:
// create an experiment, replay Bernoulli traffic with true rates 0.05/0.30,
// then run a conclusion sweep. The decisive gap must conclude the experiment
// with arm 1 as winner, and the allocation must have shifted onto it.
func TestE2E_SelectRewardConcludeLoop(t *testing.T) {
	rc := redisOrSkip(t)
	st := store.New(rc)
	reg := newMemRegistry()
	engine := posterior.NewEngine(uint64(time.Now().UnixNano()))

	srv := api.NewServer(st, reg, engine, 1000, 10_000, 0.95)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	id := fmt.Sprintf("e2e-loop-%d", time.Now().UnixNano())
	client := &http.Client{Timeout: 2 * time.Second}

	body := fmt.Sprintf(`{"experiment_id":%q,"n_arms":2}`, id)
	resp, err := client.Post(ts.URL+"/experiments", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create got %d", resp.StatusCode)
	}

	rates := []float64{0.05, 0.30}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 99))
	pulls := []int{0, 0}

	const rounds = 1500
	for i := 0; i < rounds; i++ {
		resp, err := client.Post(ts.URL+"/select", "application/json",
			strings.NewReader(fmt.Sprintf(`{"experiment_id":%q}`, id)))
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		var sel struct {
			ArmID int `json:"arm_id"`
		}
		if err := jsonDecode(resp, &sel); err != nil {
			t.Fatalf("select decode: %v", err)
		}
		pulls[sel.ArmID]++

		reward := 0.0
		if rng.Float64() < rates[sel.ArmID] {
			reward = 1.0
		}
		rr, err := client.Post(ts.URL+"/reward", "application/json",
			strings.NewReader(fmt.Sprintf(`{"experiment_id":%q,"arm_id":%d,"reward":%g}`, id, sel.ArmID, reward)))
		if err != nil {
			t.Fatalf("reward %d: %v", i, err)
		}
		rr.Body.Close()
		if rr.StatusCode != http.StatusNoContent {
			t.Fatalf("reward got %d", rr.StatusCode)
		}
	}

	share := float64(pulls[1]) / float64(rounds)
	if share < 0.70 {
		t.Fatalf("allocation did not converge: arm 1 share %.3f (pulls %v)", share, pulls)
	}

	sweeper := conclude.NewSweeper(reg, st, engine, nil, nil, 0.95, 10_000, time.Hour, time.Second)
	concluded, err := sweeper.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	found := false
	for _, cid := range concluded {
		if cid == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s concluded, sweep returned %v", id, concluded)
	}
	reg.mu.Lock()
	winner := reg.winner[id]
	reg.mu.Unlock()
	if winner != 1 {
		t.Fatalf("expected winner arm 1, got %d", winner)
	}
}

func jsonDecode(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
