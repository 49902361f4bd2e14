// Package orchestrator wraps the measurement engine with the policy
// layer that makes periodic testing safe: a process-wide execution lock,
// retry with exponential backoff, a failure-counting circuit breaker,
// advisory events for operators, and persisted lifetime counters.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/engine"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/internal/store"
	"github.com/saveenergy/linkpulse/pkg/errors"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// State is the orchestrator's externally visible phase.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
	StateCircuitOpen
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Orchestrator owns one logical test instance: its failure count, its
// last good result, and its lifetime counters. Several instances may
// coexist in a process; they share one GlobalMutex so their tests never
// overlap.
type Orchestrator struct {
	cfg      *config.Config
	engine   engine.Engine
	store    *store.Store
	events   AdvisoryEvents
	mutex    *GlobalMutex
	logger   *logging.Logger
	instance string

	mu              sync.Mutex
	state           State
	failures        int
	lastResult      *types.TestResult
	lifetime        types.LifetimeCounters
	lastCustomAlert time.Time
}

// New builds an orchestrator for one instance, restoring its persisted
// state when a store is supplied. A nil store disables persistence; a
// nil events sink falls back to log-backed advisories; a nil mutex gets
// a private one (callers hosting several instances pass a shared one).
func New(cfg *config.Config, eng engine.Engine, st *store.Store, events AdvisoryEvents, mutex *GlobalMutex, instance string) (*Orchestrator, error) {
	if events == nil {
		events = NewLogEvents()
	}
	if mutex == nil {
		mutex = NewGlobalMutex()
	}
	o := &Orchestrator{
		cfg:      cfg,
		engine:   eng,
		store:    st,
		events:   events,
		mutex:    mutex,
		logger:   logging.NewLogger("orchestrator"),
		instance: instance,
		state:    StateIdle,
	}

	if st != nil {
		persisted, err := st.Load(instance)
		if err != nil {
			return nil, err
		}
		o.lifetime = persisted.Lifetime
		o.lastResult = persisted.LastResult
		if o.lastResult != nil {
			o.logger.Info("restored persisted state",
				logging.Field{Key: "instance", Value: instance},
				logging.Field{Key: "lifetime_download_gb", Value: o.lifetime.DownloadGB},
				logging.Field{Key: "lifetime_upload_gb", Value: o.lifetime.UploadGB},
				logging.Field{Key: "last_test", Value: o.lastResult.Timestamp})
		}
	}
	return o, nil
}

// Refresh runs one complete test cycle under the global lock: wait for
// the lock (bounded), consult the circuit breaker, then attempt the test
// with retries. When the test cannot run at all it serves the last good
// result if one exists.
func (o *Orchestrator) Refresh(ctx context.Context) (*types.TestResult, error) {
	if !o.mutex.TryAcquire() {
		o.setState(StateWaiting)
		o.logger.Info("another test is running, waiting for the lock",
			logging.Field{Key: "instance", Value: o.instance},
			logging.Field{Key: "max_wait", Value: o.cfg.LockWaitTimeout})

		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWaitTimeout)
		err := o.mutex.Acquire(waitCtx)
		cancel()
		if err != nil {
			o.setState(StateIdle)
			if errors.IsContextError(ctx.Err()) {
				return nil, ctx.Err()
			}
			if last := o.LastResult(); last != nil {
				o.logger.Warn("lock wait timed out, serving last result",
					logging.Field{Key: "instance", Value: o.instance})
				return last, nil
			}
			return nil, errors.ErrUnavailable("timed out waiting for the test lock")
		}
	}
	defer o.mutex.Release()

	// The breaker is consulted with the lock held so the decision sees
	// the failure count left by whichever run just finished.
	if failures := o.FailureCount(); failures >= o.cfg.OpenThreshold {
		o.setState(StateCircuitOpen)
		o.events.Raise(ConditionCircuitBreakerOpen, SeverityError, map[string]interface{}{
			"instance": o.instance,
			"failures": failures,
		})
		if last := o.LastResult(); last != nil {
			o.logger.Warn("circuit breaker open, serving last result",
				logging.Field{Key: "instance", Value: o.instance},
				logging.Field{Key: "failures", Value: failures})
			return last, nil
		}
		return nil, errors.ErrUnavailable("circuit breaker open after repeated failures")
	}

	o.setState(StateRunning)
	result, err := o.runWithRetries(ctx)
	if err != nil {
		o.recordFailure(err)
		return nil, errors.ErrUpdateFailed("speed test failed", err)
	}
	o.recordSuccess(result)
	return result, nil
}

// RunManual is a user-initiated test. It half-resets an open circuit so
// exactly one fresh attempt gets through; a success closes the circuit
// fully, another failure reopens it.
func (o *Orchestrator) RunManual(ctx context.Context) (*types.TestResult, error) {
	o.mu.Lock()
	if o.failures >= o.cfg.OpenThreshold {
		o.logger.Info("manual run through an open circuit",
			logging.Field{Key: "instance", Value: o.instance},
			logging.Field{Key: "failures", Value: o.failures})
		o.failures = o.cfg.OpenThreshold - 1
	}
	o.mu.Unlock()
	return o.Refresh(ctx)
}

// runWithRetries attempts the test up to MaxRetries times. Retryable
// failures sleep base*2^n between attempts; anything else aborts the
// cycle immediately.
func (o *Orchestrator) runWithRetries(ctx context.Context) (*types.TestResult, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.cfg.RetryDelayBase * (1 << (attempt - 1))
			o.logger.Info("backing off before retry",
				logging.Field{Key: "attempt", Value: attempt + 1},
				logging.Field{Key: "delay", Value: delay})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		runCtx, cancel := context.WithTimeout(ctx, o.cfg.TestTimeout)
		result, err := o.engine.RunTest(runCtx, engine.Request{})
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.IsRetryable(err) {
			o.logger.Error("non-retryable failure, aborting cycle",
				logging.Field{Key: "instance", Value: o.instance},
				logging.Field{Key: "error", Value: err})
			break
		}
		o.logger.Warn("test attempt failed",
			logging.Field{Key: "attempt", Value: attempt + 1},
			logging.Field{Key: "max", Value: o.cfg.MaxRetries},
			logging.Field{Key: "error", Value: err})
	}
	return nil, lastErr
}

// recordSuccess resets the failure streak, folds the run into the
// lifetime counters, clears active advisories and persists everything.
// Persistence errors are logged, never surfaced: a completed measurement
// outranks a bookkeeping hiccup.
func (o *Orchestrator) recordSuccess(result *types.TestResult) {
	o.mu.Lock()
	o.failures = 0
	o.lastResult = result
	o.lifetime.Accumulate(result.BytesReceived, result.BytesSent)
	o.mu.Unlock()
	o.setState(StateIdle)

	o.events.Clear(ConditionCustomServerUnreachable)
	o.events.Clear(ConditionRepeatedTestFailures)
	o.events.Clear(ConditionCircuitBreakerOpen)

	o.persist(result)
}

func (o *Orchestrator) recordFailure(cause error) {
	o.mu.Lock()
	o.failures++
	failures := o.failures
	customAlertDue := o.cfg.CustomServerURL != "" &&
		time.Since(o.lastCustomAlert) >= o.cfg.CustomServerAlertCooldown
	if customAlertDue {
		o.lastCustomAlert = time.Now()
	}
	if failures >= o.cfg.OpenThreshold {
		o.state = StateCircuitOpen
	} else {
		o.state = StateIdle
	}
	o.mu.Unlock()

	o.logger.Warn("test cycle failed",
		logging.Field{Key: "instance", Value: o.instance},
		logging.Field{Key: "consecutive_failures", Value: failures},
		logging.Field{Key: "error", Value: cause})

	if customAlertDue {
		o.events.Raise(ConditionCustomServerUnreachable, SeverityWarning, map[string]interface{}{
			"instance": o.instance,
			"url":      o.cfg.CustomServerURL,
		})
	}
	switch {
	case failures >= o.cfg.OpenThreshold:
		o.events.Raise(ConditionCircuitBreakerOpen, SeverityError, map[string]interface{}{
			"instance": o.instance,
			"failures": failures,
		})
	case failures == o.cfg.WarningThreshold:
		// Raised once when the streak crosses the threshold; a success
		// clears it, so the next streak raises again.
		o.events.Raise(ConditionRepeatedTestFailures, SeverityWarning, map[string]interface{}{
			"instance": o.instance,
			"failures": failures,
		})
	}
}

func (o *Orchestrator) persist(result *types.TestResult) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	state := &store.State{
		Lifetime:   o.lifetime,
		LastResult: o.lastResult,
	}
	o.mu.Unlock()

	if err := o.store.Save(o.instance, state); err != nil {
		o.logger.Warn("persisting state failed",
			logging.Field{Key: "instance", Value: o.instance},
			logging.Field{Key: "error", Value: err})
	}
	if err := o.store.AppendHistory(o.instance, result); err != nil {
		o.logger.Warn("recording history failed",
			logging.Field{Key: "instance", Value: o.instance},
			logging.Field{Key: "error", Value: err})
	}
}

// Close flushes the instance state. The store itself is owned by the
// caller and closed separately.
func (o *Orchestrator) Close() error {
	if o.store == nil {
		return nil
	}
	o.mu.Lock()
	state := &store.State{
		Lifetime:   o.lifetime,
		LastResult: o.lastResult,
	}
	o.mu.Unlock()
	return o.store.Save(o.instance, state)
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Mutex exposes the execution lock so hosts can serialize out-of-band
// measurements with orchestrated ones. Every throughput test in the
// process must hold this lock while running.
func (o *Orchestrator) Mutex() *GlobalMutex {
	return o.mutex
}

func (o *Orchestrator) FailureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

func (o *Orchestrator) LastResult() *types.TestResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

func (o *Orchestrator) Lifetime() types.LifetimeCounters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifetime
}
