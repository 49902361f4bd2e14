package mcp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/engine"
	"github.com/saveenergy/linkpulse/internal/orchestrator"
)

func fastTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PingCount = 2
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PingTimeout = 500 * time.Millisecond
	cfg.TestDuration = 200 * time.Millisecond
	cfg.StreamStartDelay = 10 * time.Millisecond
	cfg.MaxConcurrentDownloads = 2
	cfg.MaxConcurrentUploads = 2
	cfg.UploadPayloadSize = 16 * 1024
	cfg.LockWaitTimeout = 50 * time.Millisecond
	return cfg
}

func speedBackend(t *testing.T, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	payload := make([]byte, 32*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/backend/garbage.php", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/backend/empty.php", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHandlers(t *testing.T, cfg *config.Config) *handlers {
	t.Helper()
	orch, err := orchestrator.New(cfg, engine.New(cfg), nil, nil, nil, "mcp")
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = orch.Close() })
	return &handlers{cfg: cfg, orch: orch}
}

func TestSpeedTestOverrideWaitsForRunningTest(t *testing.T) {
	var requests atomic.Int64
	srv := speedBackend(t, &requests)
	cfg := fastTestConfig()
	h := newTestHandlers(t, cfg)

	mtx := h.orch.Mutex()
	if !mtx.TryAcquire() {
		t.Fatal("setup: lock should be free")
	}
	defer mtx.Release()

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]any{"custom_server": srv.URL},
		},
	}
	res, err := h.handleSpeedTest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error while the execution lock is held")
	}
	if got := requests.Load(); got != 0 {
		t.Fatalf("backend saw %d requests, want 0 while the lock is held", got)
	}
}

func TestSpeedTestOverrideHoldsExecutionLock(t *testing.T) {
	var requests atomic.Int64
	srv := speedBackend(t, &requests)
	cfg := fastTestConfig()
	h := newTestHandlers(t, cfg)

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: map[string]any{"custom_server": srv.URL},
		},
	}

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		res, err := h.handleSpeedTest(context.Background(), req)
		if err != nil {
			t.Errorf("unexpected handler error: %v", err)
		}
		done <- res
	}()

	// Once the backend has seen traffic the handler must be holding
	// the shared execution lock.
	deadline := time.Now().Add(5 * time.Second)
	for requests.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("backend never saw a request")
		}
		time.Sleep(time.Millisecond)
	}
	if !h.orch.Mutex().Held() {
		t.Fatal("execution lock was free during an override measurement")
	}

	res := <-done
	if res == nil || res.IsError {
		t.Fatalf("override run failed: %#v", res)
	}
	if !h.orch.Mutex().TryAcquire() {
		t.Fatal("execution lock not released after the override run")
	}
	h.orch.Mutex().Release()
}
