// Package throughput runs the time-boxed download and upload phases of a
// speed test. Phases are duration-boxed, not byte-boxed: a bounded pool
// of worker streams keeps issuing chunk requests until the phase deadline
// and the totals are reduced to Mbps afterwards.
package throughput

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/types"
)

const userAgent = "linkpulse/1.0 (speed-test client)"

// PhaseResult is the outcome of one measurement phase.
type PhaseResult struct {
	Mbps    float64
	Bytes   int64
	Elapsed time.Duration
}

// Tester runs download and upload phases against one server. Backend
// flavor detection is one-shot per tester instance: once the flavor is
// set from observed responses it is never re-evaluated.
type Tester struct {
	cfg    *config.Config
	client *http.Client
	logger *logging.Logger

	mu        sync.Mutex
	flavor    types.Flavor
	completed int

	bufferPool sync.Pool
}

// New creates a tester. The initial flavor may come from a previous run's
// detection (cached by the engine) or be FlavorUnknown.
func New(cfg *config.Config, initial types.Flavor) *Tester {
	return &Tester{
		cfg:    cfg,
		client: &http.Client{Transport: cfg.HTTPTransport()},
		logger: logging.NewLogger("throughput"),
		flavor: initial,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 64*1024)
			},
		},
	}
}

// Flavor returns the currently known backend flavor.
func (t *Tester) Flavor() types.Flavor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flavor
}

// Download measures download throughput for the configured phase
// duration using up to MaxConcurrentDownloads worker streams.
func (t *Tester) Download(ctx context.Context, server types.ServerDescriptor) (PhaseResult, error) {
	t.logger.Info("download phase starting",
		logging.Field{Key: "duration", Value: t.cfg.TestDuration},
		logging.Field{Key: "streams", Value: t.cfg.MaxConcurrentDownloads})

	return t.runPhase(ctx, t.cfg.MaxConcurrentDownloads, func(ctx context.Context) int64 {
		return t.downloadChunk(ctx, server)
	})
}

// Upload measures upload throughput. The payload is a single block of
// pseudorandom bytes generated once and reused by every request; only
// the volume matters.
func (t *Tester) Upload(ctx context.Context, server types.ServerDescriptor) (PhaseResult, error) {
	payload := make([]byte, t.cfg.UploadPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return PhaseResult{}, fmt.Errorf("generate upload payload: %w", err)
	}

	t.logger.Info("upload phase starting",
		logging.Field{Key: "duration", Value: t.cfg.TestDuration},
		logging.Field{Key: "streams", Value: t.cfg.MaxConcurrentUploads})

	return t.runPhase(ctx, t.cfg.MaxConcurrentUploads, func(ctx context.Context) int64 {
		return t.uploadChunk(ctx, server, payload)
	})
}

// runPhase launches the worker pool with a staggered start, lets it run
// until the phase deadline, and always waits for every worker to
// acknowledge cancellation before computing totals.
func (t *Tester) runPhase(ctx context.Context, workers int, chunk func(context.Context) int64) (PhaseResult, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, t.cfg.TestDuration)
	defer cancel()

	var total int64
	sem := make(chan struct{}, workers)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int, delay time.Duration) {
			defer wg.Done()
			select {
			case <-phaseCtx.Done():
				return
			case <-time.After(delay):
			}
			t.workerLoop(phaseCtx, id, sem, chunk, &total)
		}(i, time.Duration(i)*t.cfg.StreamStartDelay)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if err := ctx.Err(); err != nil {
		// Parent cancellation, not the phase deadline.
		return PhaseResult{}, err
	}

	result := PhaseResult{
		Mbps:    Speed(atomic.LoadInt64(&total), elapsed),
		Bytes:   atomic.LoadInt64(&total),
		Elapsed: elapsed,
	}
	t.logger.Info("phase complete",
		logging.Field{Key: "mbps", Value: result.Mbps},
		logging.Field{Key: "bytes", Value: result.Bytes},
		logging.Field{Key: "elapsed", Value: elapsed})
	return result, nil
}

// workerLoop acquires a concurrency slot, issues one chunk, releases the
// slot, and repeats until the phase deadline. Chunk failures are
// swallowed: they count as zero bytes and are followed by a short
// backoff so a worker never terminates the phase early.
func (t *Tester) workerLoop(ctx context.Context, id int, sem chan struct{}, chunk func(context.Context) int64, total *int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		n := chunk(ctx)
		<-sem

		if n > 0 {
			atomic.AddInt64(total, n)
			t.observeChunk(n)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		t.logger.Debug("chunk failed, backing off",
			logging.Field{Key: "stream", Value: id})
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ChunkRetryDelay):
		}
	}
}

// chunkParam is the ckSize request parameter for the current flavor.
// While the flavor is unknown a moderate count keeps responses safe for
// both conventions.
func (t *Tester) chunkParam() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flavor == types.FlavorLegacy {
		return t.cfg.LegacyChunkParam
	}
	return t.cfg.InitialChunkParam
}

// observeChunk feeds one completed download into flavor detection: a
// response above the size threshold means the modern chunked backend;
// staying small past the chunk threshold means legacy. Detection is a
// pure function of (completed chunks, response size) and fires once.
func (t *Tester) observeChunk(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flavor != types.FlavorUnknown {
		return
	}
	t.completed++
	switch {
	case n > t.cfg.ModernResponseThreshold:
		t.flavor = types.FlavorModern
		t.logger.Debug("modern backend inferred from response size",
			logging.Field{Key: "bytes", Value: n})
	case t.completed > t.cfg.LegacyChunkThreshold:
		t.flavor = types.FlavorLegacy
		t.logger.Debug("legacy backend inferred from chunk count",
			logging.Field{Key: "completed", Value: t.completed})
	}
}

// downloadChunk issues one download request and returns the bytes read,
// or 0 on any failure.
func (t *Tester) downloadChunk(ctx context.Context, server types.ServerDescriptor) int64 {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.ChunkTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s?r=%s&ckSize=%d",
		server.DownloadURL(), randomToken(), t.chunkParam())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("download chunk failed",
				logging.Field{Key: "error", Value: err})
		}
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		t.logger.Warn("download chunk got non-success status",
			logging.Field{Key: "status", Value: int64(resp.StatusCode)})
		return 0
	}

	// Works for both buffered and chunked transfer: read to completion.
	buf := t.bufferPool.Get().([]byte)
	defer t.bufferPool.Put(buf)

	var n int64
	for {
		read, readErr := resp.Body.Read(buf)
		n += int64(read)
		if readErr != nil {
			if readErr == io.EOF {
				return n
			}
			if ctx.Err() == nil {
				t.logger.Warn("download chunk read failed",
					logging.Field{Key: "error", Value: readErr})
			}
			return 0
		}
	}
}

// uploadChunk posts the payload once and returns its length, or 0 on any
// failure. The response body is irrelevant; only the status matters.
func (t *Tester) uploadChunk(ctx context.Context, server types.ServerDescriptor, payload []byte) int64 {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.ChunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, server.UploadURL(), bytes.NewReader(payload))
	if err != nil {
		return 0
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("upload chunk failed",
				logging.Field{Key: "error", Value: err})
		}
		return 0
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return int64(len(payload))
	default:
		t.logger.Warn("upload chunk got non-success status",
			logging.Field{Key: "status", Value: int64(resp.StatusCode)})
		return 0
	}
}

// Speed converts a byte total over an elapsed window to Mbps, reporting
// 0 rather than dividing by zero when nothing was transferred.
func Speed(totalBytes int64, elapsed time.Duration) float64 {
	if totalBytes <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(totalBytes*8) / elapsed.Seconds() / 1_000_000
}

func randomToken() string {
	return fmt.Sprintf("%d", mathrand.Int63())
}
