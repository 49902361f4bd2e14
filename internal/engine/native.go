package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/linkpulse/internal/backend"
	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/directory"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/internal/probe"
	"github.com/saveenergy/linkpulse/internal/throughput"
	"github.com/saveenergy/linkpulse/pkg/errors"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// Native runs speed tests in-process over HTTP. The detected backend
// flavor is cached across runs against the same target so that repeated
// tests skip the adaptation warm-up.
type Native struct {
	cfg      *config.Config
	dir      *directory.Directory
	selector *directory.Selector
	probe    *probe.Probe
	adapter  *backend.Adapter
	logger   *logging.Logger

	mu     sync.Mutex
	flavor types.Flavor
}

func NewNative(cfg *config.Config) *Native {
	dir := directory.New(cfg)
	p := probe.New(cfg)
	return &Native{
		cfg:      cfg,
		dir:      dir,
		selector: directory.NewSelector(dir, p),
		probe:    p,
		adapter:  backend.New(cfg),
		logger:   logging.NewLogger("engine"),
		flavor:   types.FlavorUnknown,
	}
}

// ResetFlavor discards the cached backend flavor, forcing re-detection
// on the next run. Called when the configured target changes.
func (e *Native) ResetFlavor() {
	e.mu.Lock()
	e.flavor = types.FlavorUnknown
	e.mu.Unlock()
}

// RunTest resolves the target server, measures latency, then runs the
// download and upload phases in order.
func (e *Native) RunTest(ctx context.Context, req Request) (*types.TestResult, error) {
	server, err := e.resolveServer(ctx, req)
	if err != nil {
		return nil, err
	}
	e.logger.Info("test target resolved",
		logging.Field{Key: "server", Value: server.Name},
		logging.Field{Key: "url", Value: server.URL})

	pingMs, jitterMs, err := e.probe.Measure(ctx, server)
	if err != nil {
		return nil, mapContextError(err)
	}
	// A zero ping means not a single probe completed: the server is
	// unreachable and throughput phases would only burn the deadline.
	if pingMs == 0 {
		return nil, errors.ErrNetwork("server did not answer any latency probe", nil)
	}

	tester := throughput.New(e.cfg, e.cachedFlavor())

	download, err := tester.Download(ctx, server)
	if err != nil {
		return nil, mapContextError(err)
	}
	upload, err := tester.Upload(ctx, server)
	if err != nil {
		return nil, mapContextError(err)
	}
	e.rememberFlavor(tester.Flavor())

	result := &types.TestResult{
		RunID:         uuid.NewString(),
		DownloadMbps:  download.Mbps,
		UploadMbps:    upload.Mbps,
		PingMs:        pingMs,
		JitterMs:      jitterMs,
		BytesSent:     upload.Bytes,
		BytesReceived: download.Bytes,
		Timestamp:     time.Now().UTC(),
		Server:        server,
	}
	e.logger.Info("test complete",
		logging.Field{Key: "download_mbps", Value: result.DownloadMbps},
		logging.Field{Key: "upload_mbps", Value: result.UploadMbps},
		logging.Field{Key: "ping_ms", Value: result.PingMs},
		logging.Field{Key: "jitter_ms", Value: result.JitterMs})
	return result, nil
}

// resolveServer picks the test target: an explicit custom URL beats a
// pinned server ID, which beats latency-based auto-selection. Request
// fields override the configuration.
func (e *Native) resolveServer(ctx context.Context, req Request) (types.ServerDescriptor, error) {
	customURL := req.CustomServerURL
	if customURL == "" {
		customURL = e.cfg.CustomServerURL
	}
	if customURL != "" {
		server, flavor := e.adapter.CustomServer(ctx, customURL)
		e.rememberFlavor(flavor)
		return server, nil
	}

	serverID := req.ServerID
	if serverID == 0 {
		serverID = e.cfg.ServerID
	}
	if serverID != 0 {
		server, err := e.dir.ByID(ctx, serverID)
		if err != nil {
			return types.ServerDescriptor{}, err
		}
		return server, nil
	}

	return e.selector.Best(ctx)
}

func (e *Native) cachedFlavor() types.Flavor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flavor
}

func (e *Native) rememberFlavor(f types.Flavor) {
	if f == types.FlavorUnknown {
		return
	}
	e.mu.Lock()
	e.flavor = f
	e.mu.Unlock()
}

// mapContextError folds context errors into the error taxonomy: a
// deadline becomes a retryable timeout, cancellation passes through so
// callers can distinguish an aborted run from a failed one.
func mapContextError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrTimeout("test deadline exceeded", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	return errors.ErrNetwork("test failed", err)
}
