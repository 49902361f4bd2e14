package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/engine"
	"github.com/saveenergy/linkpulse/internal/store"
	"github.com/saveenergy/linkpulse/pkg/errors"
	"github.com/saveenergy/linkpulse/pkg/types"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	run   func(call int) (*types.TestResult, error)
}

func (f *fakeEngine) RunTest(ctx context.Context, req engine.Request) (*types.TestResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.run(n)
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEvents struct {
	mu      sync.Mutex
	raises  map[string]int
	active  map[string]bool
	cleared []string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{raises: make(map[string]int), active: make(map[string]bool)}
}

func (e *fakeEvents) Raise(condition string, severity Severity, params map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raises[condition]++
	e.active[condition] = true
}

func (e *fakeEvents) Clear(condition string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, condition)
	e.cleared = append(e.cleared, condition)
}

func (e *fakeEvents) raiseCount(condition string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raises[condition]
}

func (e *fakeEvents) isActive(condition string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[condition]
}

func orchConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelayBase = time.Millisecond
	cfg.LockWaitTimeout = 100 * time.Millisecond
	cfg.WarningThreshold = 2
	cfg.OpenThreshold = 3
	return cfg
}

func goodResult() *types.TestResult {
	return &types.TestResult{
		RunID:         "run-1",
		DownloadMbps:  100,
		UploadMbps:    20,
		PingMs:        10,
		JitterMs:      1,
		BytesSent:     1_000_000_000,
		BytesReceived: 2_000_000_000,
		Timestamp:     time.Now().UTC(),
		Server:        types.ServerDescriptor{ID: 1, Name: "test"},
	}
}

func newOrch(t *testing.T, cfg *config.Config, eng engine.Engine, events AdvisoryEvents) *Orchestrator {
	t.Helper()
	o, err := New(cfg, eng, nil, events, nil, "test")
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestRefreshSuccess(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) { return goodResult(), nil }}
	o := newOrch(t, orchConfig(), eng, nil)

	result, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.DownloadMbps != 100 {
		t.Errorf("download = %v, want 100", result.DownloadMbps)
	}
	if o.FailureCount() != 0 {
		t.Errorf("failures = %d, want 0", o.FailureCount())
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v, want idle", o.State())
	}

	lifetime := o.Lifetime()
	if lifetime.DownloadGB != 2.0 || lifetime.UploadGB != 1.0 {
		t.Errorf("lifetime = %+v, want 2.0 down / 1.0 up", lifetime)
	}
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	eng := &fakeEngine{run: func(call int) (*types.TestResult, error) {
		if call < 3 {
			return nil, errors.ErrNetwork("flaky", nil)
		}
		return goodResult(), nil
	}}
	o := newOrch(t, orchConfig(), eng, nil)

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh should succeed on the final attempt: %v", err)
	}
	if got := eng.callCount(); got != 3 {
		t.Errorf("engine called %d times, want 3", got)
	}
	if o.FailureCount() != 0 {
		t.Errorf("failures = %d, want 0 after success", o.FailureCount())
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	cfg := orchConfig()
	cfg.RetryDelayBase = 40 * time.Millisecond

	var mu sync.Mutex
	var attempts []time.Time
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, errors.ErrNetwork("down", nil)
	}}
	o := newOrch(t, cfg, eng, nil)

	if _, err := o.Refresh(context.Background()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(attempts) != cfg.MaxRetries {
		t.Fatalf("engine called %d times, want %d", len(attempts), cfg.MaxRetries)
	}

	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	if first < cfg.RetryDelayBase {
		t.Errorf("first backoff = %v, want at least %v", first, cfg.RetryDelayBase)
	}
	if second < 2*cfg.RetryDelayBase {
		t.Errorf("second backoff = %v, want at least %v", second, 2*cfg.RetryDelayBase)
	}
	if second <= first {
		t.Errorf("backoff did not grow: first %v, second %v", first, second)
	}
}

func TestRefreshAbortsOnNonRetryable(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		return nil, errors.ErrProtocol("bad backend", nil)
	}}
	o := newOrch(t, orchConfig(), eng, nil)

	_, err := o.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Code(err) != errors.ErrCodeUpdateFailed {
		t.Errorf("error code = %q, want %q", errors.Code(err), errors.ErrCodeUpdateFailed)
	}
	if got := eng.callCount(); got != 1 {
		t.Errorf("engine called %d times, want 1 (no retry)", got)
	}
	if o.FailureCount() != 1 {
		t.Errorf("failures = %d, want 1 (one per cycle, not per attempt)", o.FailureCount())
	}
}

func TestFailureThresholdEvents(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		return nil, errors.ErrProtocol("down", nil)
	}}
	events := newFakeEvents()
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, events)

	o.Refresh(context.Background())
	if events.isActive(ConditionRepeatedTestFailures) {
		t.Error("warning should not fire below the threshold")
	}

	o.Refresh(context.Background())
	if !events.isActive(ConditionRepeatedTestFailures) {
		t.Errorf("warning should fire at %d consecutive failures", cfg.WarningThreshold)
	}

	o.Refresh(context.Background())
	if !events.isActive(ConditionCircuitBreakerOpen) {
		t.Errorf("circuit event should fire at %d consecutive failures", cfg.OpenThreshold)
	}
}

func TestStateIsCircuitOpenAtThreshold(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		return nil, errors.ErrProtocol("down", nil)
	}}
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, newFakeEvents())

	for i := 0; i < cfg.OpenThreshold-1; i++ {
		o.Refresh(context.Background())
		if o.State() != StateIdle {
			t.Fatalf("state = %v after %d failures, want idle", o.State(), i+1)
		}
	}

	// The cycle that reaches the threshold reports circuit_open itself,
	// not only the next Refresh that trips over it.
	o.Refresh(context.Background())
	if o.State() != StateCircuitOpen {
		t.Errorf("state = %v at %d failures, want circuit_open", o.State(), cfg.OpenThreshold)
	}
}

func TestWarningRaisedOncePerStreak(t *testing.T) {
	failing := true
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		if failing {
			return nil, errors.ErrNetwork("down", nil)
		}
		return goodResult(), nil
	}}
	events := newFakeEvents()
	cfg := orchConfig()
	cfg.OpenThreshold = 5

	o := newOrch(t, cfg, eng, events)
	for i := 0; i < cfg.WarningThreshold+2; i++ {
		o.Refresh(context.Background())
	}
	if got := events.raiseCount(ConditionRepeatedTestFailures); got != 1 {
		t.Errorf("warning raised %d times during one streak, want 1", got)
	}

	failing = false
	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	failing = true
	for i := 0; i < cfg.WarningThreshold; i++ {
		o.Refresh(context.Background())
	}
	if got := events.raiseCount(ConditionRepeatedTestFailures); got != 2 {
		t.Errorf("warning raised %d times across two streaks, want 2", got)
	}
}

func TestCircuitBreakerServesLastGood(t *testing.T) {
	failing := false
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		if failing {
			return nil, errors.ErrProtocol("down", nil)
		}
		return goodResult(), nil
	}}
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, newFakeEvents())

	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("priming success: %v", err)
	}

	failing = true
	for i := 0; i < cfg.OpenThreshold; i++ {
		o.Refresh(context.Background())
	}
	if o.FailureCount() != cfg.OpenThreshold {
		t.Fatalf("failures = %d, want %d", o.FailureCount(), cfg.OpenThreshold)
	}

	before := eng.callCount()
	result, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("open circuit with last-good should not error: %v", err)
	}
	if result.RunID != "run-1" {
		t.Errorf("got run %q, want the stale last-good result", result.RunID)
	}
	if eng.callCount() != before {
		t.Error("engine must not run while the circuit is open")
	}
	if o.State() != StateCircuitOpen {
		t.Errorf("state = %v, want circuit_open", o.State())
	}
}

func TestCircuitBreakerWithoutLastGood(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		return nil, errors.ErrProtocol("down", nil)
	}}
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, newFakeEvents())

	for i := 0; i < cfg.OpenThreshold; i++ {
		o.Refresh(context.Background())
	}

	_, err := o.Refresh(context.Background())
	if errors.Code(err) != errors.ErrCodeUnavailable {
		t.Fatalf("error code = %q, want %q", errors.Code(err), errors.ErrCodeUnavailable)
	}
}

func TestRunManualResetsOpenCircuit(t *testing.T) {
	failing := true
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		if failing {
			return nil, errors.ErrProtocol("down", nil)
		}
		return goodResult(), nil
	}}
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, newFakeEvents())

	for i := 0; i < cfg.OpenThreshold; i++ {
		o.Refresh(context.Background())
	}

	// Automatic refreshes are now blocked, but a manual run gets one
	// attempt through.
	failing = false
	before := eng.callCount()
	result, err := o.RunManual(context.Background())
	if err != nil {
		t.Fatalf("manual run: %v", err)
	}
	if result == nil || eng.callCount() == before {
		t.Fatal("manual run should have executed the engine")
	}
	if o.FailureCount() != 0 {
		t.Errorf("failures = %d, want 0 after a manual success", o.FailureCount())
	}
}

func TestCustomServerAdvisoryCooldown(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		return nil, errors.ErrNetwork("unreachable", nil)
	}}
	events := newFakeEvents()
	cfg := orchConfig()
	cfg.CustomServerURL = "https://speed.example.net"
	cfg.CustomServerAlertCooldown = time.Hour
	o := newOrch(t, cfg, eng, events)

	o.Refresh(context.Background())
	o.Refresh(context.Background())
	if got := events.raiseCount(ConditionCustomServerUnreachable); got != 1 {
		t.Fatalf("advisory raised %d times, want 1 within the cooldown window", got)
	}
}

func TestSuccessClearsAdvisories(t *testing.T) {
	failing := true
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		if failing {
			return nil, errors.ErrProtocol("down", nil)
		}
		return goodResult(), nil
	}}
	events := newFakeEvents()
	cfg := orchConfig()
	o := newOrch(t, cfg, eng, events)

	o.Refresh(context.Background())
	o.Refresh(context.Background())
	if !events.isActive(ConditionRepeatedTestFailures) {
		t.Fatal("setup: warning advisory should be active")
	}

	failing = false
	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if events.isActive(ConditionRepeatedTestFailures) {
		t.Error("success should clear the failure advisory")
	}
}

func TestLockWaitTimeoutServesLastGood(t *testing.T) {
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) { return goodResult(), nil }}
	mutex := NewGlobalMutex()
	cfg := orchConfig()

	o, err := New(cfg, eng, nil, newFakeEvents(), mutex, "test")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("priming success: %v", err)
	}

	// Someone else holds the lock for longer than we are willing to wait.
	mutex.TryAcquire()
	t.Cleanup(mutex.Release)

	before := eng.callCount()
	result, err := o.Refresh(context.Background())
	if err != nil {
		t.Fatalf("lock timeout with last-good should not error: %v", err)
	}
	if result.RunID != "run-1" {
		t.Errorf("got run %q, want the stale last-good result", result.RunID)
	}
	if eng.callCount() != before {
		t.Error("engine must not run without the lock")
	}
}

func TestTestsNeverOverlap(t *testing.T) {
	var running, maxRunning int32
	eng := &fakeEngine{run: func(int) (*types.TestResult, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxRunning)
			if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return goodResult(), nil
	}}

	cfg := orchConfig()
	cfg.LockWaitTimeout = 5 * time.Second
	mutex := NewGlobalMutex()

	a, err := New(cfg, eng, nil, newFakeEvents(), mutex, "a")
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	b, err := New(cfg, eng, nil, newFakeEvents(), mutex, "b")
	if err != nil {
		t.Fatalf("new b: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		for _, o := range []*Orchestrator{a, b} {
			wg.Add(1)
			go func(o *Orchestrator) {
				defer wg.Done()
				if _, err := o.Refresh(context.Background()); err != nil {
					t.Errorf("refresh: %v", err)
				}
			}(o)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxRunning); got != 1 {
		t.Fatalf("observed %d concurrent tests, want 1", got)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	eng := &fakeEngine{run: func(int) (*types.TestResult, error) { return goodResult(), nil }}
	cfg := orchConfig()

	o, err := New(cfg, eng, st, newFakeEvents(), nil, "persisted")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	restored, err := New(cfg, eng, st, newFakeEvents(), nil, "persisted")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	lifetime := restored.Lifetime()
	if lifetime.DownloadGB != 2.0 || lifetime.UploadGB != 1.0 {
		t.Errorf("restored lifetime = %+v, want 2.0 down / 1.0 up", lifetime)
	}
	last := restored.LastResult()
	if last == nil || last.RunID != "run-1" {
		t.Errorf("restored last result = %+v, want run-1", last)
	}
}
