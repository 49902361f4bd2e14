package types

import "time"

// TestResult is the outcome of one completed speed test. Produced exactly
// once per successful attempt and immutable after creation.
type TestResult struct {
	RunID         string           `json:"run_id"`
	DownloadMbps  float64          `json:"download_mbps"`
	UploadMbps    float64          `json:"upload_mbps"`
	PingMs        float64          `json:"ping_ms"`
	JitterMs      float64          `json:"jitter_ms"`
	BytesSent     int64            `json:"bytes_sent"`
	BytesReceived int64            `json:"bytes_received"`
	Timestamp     time.Time        `json:"timestamp"`
	Server        ServerDescriptor `json:"server"`
}

// MaxLifetimeGB caps the lifetime counters at one petabyte so the totals
// never grow without bound.
const MaxLifetimeGB = 1_000_000

// LifetimeCounters are the cumulative data volumes accumulated across all
// successful test runs, in decimal gigabytes. They are monotonically
// non-decreasing and persisted across restarts.
type LifetimeCounters struct {
	DownloadGB float64 `json:"lifetime_download_gb"`
	UploadGB   float64 `json:"lifetime_upload_gb"`
}

// Accumulate folds one test run's byte counts into the counters, capping
// both totals at MaxLifetimeGB.
func (c *LifetimeCounters) Accumulate(bytesReceived, bytesSent int64) {
	c.DownloadGB = capGB(c.DownloadGB + float64(bytesReceived)/1_000_000_000)
	c.UploadGB = capGB(c.UploadGB + float64(bytesSent)/1_000_000_000)
}

func capGB(v float64) float64 {
	if v > MaxLifetimeGB {
		return MaxLifetimeGB
	}
	return v
}
