// Package probe measures round-trip latency against a speed-test server's
// ping endpoint. A single probe never fails: unreachable servers yield
// +Inf so callers can filter them out of aggregate statistics.
package probe

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/types"
)

const userAgent = "linkpulse/1.0 (speed-test client)"

type Probe struct {
	client   *http.Client
	count    int
	interval time.Duration
	logger   *logging.Logger
}

func New(cfg *config.Config) *Probe {
	return &Probe{
		client: &http.Client{
			Timeout:   cfg.PingTimeout,
			Transport: cfg.HTTPTransport(),
		},
		count:    cfg.PingCount,
		interval: cfg.PingInterval,
		logger:   logging.NewLogger("probe"),
	}
}

// Probe issues one round trip against the server's ping endpoint and
// returns the elapsed wall-clock time in milliseconds. Any failure
// (non-2xx status, timeout, connection error) returns +Inf.
func (p *Probe) Probe(ctx context.Context, server types.ServerDescriptor) float64 {
	pingURL := server.PingURL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return math.Inf(1)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("latency probe failed",
			logging.Field{Key: "url", Value: pingURL},
			logging.Field{Key: "error", Value: err})
		return math.Inf(1)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("latency probe got non-success status",
			logging.Field{Key: "url", Value: pingURL},
			logging.Field{Key: "status", Value: int64(resp.StatusCode)})
		return math.Inf(1)
	}
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// Measure runs the full ping/jitter measurement: a fixed count of probes
// spaced by a fixed interval. Infinite samples are dropped; ping is the
// minimum of the finite samples and jitter the mean absolute difference
// between consecutive ones. With one or zero finite samples jitter is 0
// and ping is the last available value (0 if none).
func (p *Probe) Measure(ctx context.Context, server types.ServerDescriptor) (pingMs, jitterMs float64, err error) {
	samples := make([]float64, 0, p.count)
	for i := 0; i < p.count; i++ {
		latency := p.Probe(ctx, server)
		if !math.IsInf(latency, 1) {
			samples = append(samples, latency)
			p.logger.Debug("ping sample",
				logging.Field{Key: "n", Value: i + 1},
				logging.Field{Key: "latency_ms", Value: latency})
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(p.interval):
		}
	}
	ping, jitter := Summarize(samples)
	return ping, jitter, nil
}

// Summarize reduces a set of finite latency samples to the reported ping
// (minimum, the best-case convention) and jitter (mean absolute
// consecutive difference).
func Summarize(samples []float64) (pingMs, jitterMs float64) {
	switch len(samples) {
	case 0:
		return 0, 0
	case 1:
		return samples[0], 0
	}

	min := samples[0]
	var diffSum float64
	for i := 1; i < len(samples); i++ {
		if samples[i] < min {
			min = samples[i]
		}
		diffSum += math.Abs(samples[i] - samples[i-1])
	}
	return min, diffSum / float64(len(samples)-1)
}
