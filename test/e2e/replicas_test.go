//go:build e2e

package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cam3ron2/github-quest/internal/app"
	"github.com/cam3ron2/github-quest/internal/config"
	"github.com/cam3ron2/github-quest/internal/progress"
	"go.uber.org/zap"
)

type replicaHarness struct {
	workerURL  string
	apiURL     string
	httpClient *http.Client
	github     *githubFixture
}

// githubFixture answers every GitHub call with an empty result. The first
// call blocks until release is called so a refresh can be observed in flight.
type githubFixture struct {
	server *httptest.Server

	mu       sync.Mutex
	started  chan struct{}
	gate     chan struct{}
	requests int
}

func newGitHubFixture(t *testing.T) *githubFixture {
	t.Helper()

	fixture := &githubFixture{
		started: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *githubFixture) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	first := f.requests == 1
	f.mu.Unlock()
	if first {
		close(f.started)
	}
	select {
	case <-f.gate:
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
	switch {
	case r.URL.Path == "/graphql":
		_, _ = w.Write([]byte(`{"data":{}}`))
	case strings.HasPrefix(r.URL.Path, "/search/"):
		_, _ = w.Write([]byte(`{"total_count":0,"incomplete_results":false,"items":[]}`))
	default:
		_, _ = w.Write([]byte(`[]`))
	}
}

func (f *githubFixture) release() {
	close(f.gate)
}

func TestReplicasShareRefreshLocksAndProgress(t *testing.T) {
	t.Parallel()

	harness := newReplicaHarness(t)

	resp, err := harness.httpClient.Post(harness.workerURL+"/api/users/octocat/refresh?range=week", "", nil)
	if err != nil {
		t.Fatalf("POST refresh on worker: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("worker refresh status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	select {
	case <-harness.github.started:
	case <-time.After(10 * time.Second):
		t.Fatalf("refresh never reached GitHub")
	}

	resp, err = harness.httpClient.Post(harness.apiURL+"/api/users/OctoCat/refresh", "", nil)
	if err != nil {
		t.Fatalf("POST refresh on api replica: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate refresh status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	stream, err := harness.httpClient.Get(harness.apiURL + "/api/users/octocat/progress")
	if err != nil {
		t.Fatalf("GET progress on api replica: %v", err)
	}
	defer func() {
		_ = stream.Body.Close()
	}()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("progress status = %d, want %d", stream.StatusCode, http.StatusOK)
	}

	harness.github.release()

	stages := readStages(t, stream)
	if len(stages) == 0 || stages[len(stages)-1] != progress.StageComplete {
		t.Fatalf("stages = %v, want a stream ending in %q", stages, progress.StageComplete)
	}

	err = waitForCondition(10*time.Second, 50*time.Millisecond, func() (bool, error) {
		resp, err := harness.httpClient.Get(harness.workerURL + "/api/users/octocat/stats")
		if err != nil {
			return false, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		return resp.StatusCode == http.StatusOK, nil
	})
	if err != nil {
		t.Fatalf("stats were not stored: %v", err)
	}

	err = waitForCondition(10*time.Second, 50*time.Millisecond, func() (bool, error) {
		resp, err := harness.httpClient.Post(harness.apiURL+"/api/users/octocat/refresh", "", nil)
		if err != nil {
			return false, err
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted, nil
	})
	if err != nil {
		t.Fatalf("lock was not released after the refresh: %v", err)
	}
}

func newReplicaHarness(t *testing.T) replicaHarness {
	t.Helper()

	redisServer, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(redisServer.Close)

	github := newGitHubFixture(t)

	worker := newReplica(t, redisServer.Addr(), github.server.URL)
	api := newReplica(t, redisServer.Addr(), github.server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-workerDone
	})

	workerServer := httptest.NewServer(worker.Handler())
	apiServer := httptest.NewServer(api.Handler())
	t.Cleanup(workerServer.Close)
	t.Cleanup(apiServer.Close)

	return replicaHarness{
		workerURL:  workerServer.URL,
		apiURL:     apiServer.URL,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		github:     github,
	}
}

func newReplica(t *testing.T, redisAddr, githubURL string) *app.Runtime {
	t.Helper()

	raw := fmt.Sprintf(`
github:
  api_base_url: %s/
  graphql_url: %s/graphql
  token: e2e-token
scheduler:
  batch_delay: 1ms
store:
  redis_mode: standalone
  redis_addr: %s
  namespace: e2e
`, githubURL, githubURL, redisAddr)
	cfg, err := config.Load(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}
	runtime, err := app.NewRuntime(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("app.NewRuntime() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = runtime.Close()
	})
	return runtime
}

func readStages(t *testing.T, resp *http.Response) []progress.Stage {
	t.Helper()

	var stages []progress.Stage
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event progress.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("decode progress event %q: %v", payload, err)
		}
		stages = append(stages, event.Stage)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read progress stream: %v", err)
	}
	return stages
}

func waitForCondition(timeout, interval time.Duration, condition func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ok, err := condition()
		if ok {
			return nil
		}
		lastErr = err
		time.Sleep(interval)
	}
	if lastErr != nil {
		return fmt.Errorf("timed out: %w", lastErr)
	}
	return fmt.Errorf("timed out")
}
