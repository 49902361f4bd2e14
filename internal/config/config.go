package config

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the measurement engine and the test
// orchestrator. Defaults match the conventions of public speed-test
// backends; LoadFromEnv overrides them from LINKPULSE_* variables.
type Config struct {
	// Server resolution
	ServerListURL     string
	ServerListTimeout time.Duration
	ServerID          int    // pinned directory server; 0 means auto-select
	CustomServerURL   string // bypasses the directory entirely when set

	// Latency probing
	PingTimeout  time.Duration
	PingCount    int
	PingInterval time.Duration

	// Throughput phases
	TestDuration            time.Duration
	ChunkTimeout            time.Duration
	MaxConcurrentDownloads  int
	MaxConcurrentUploads    int
	StreamStartDelay        time.Duration
	ChunkRetryDelay         time.Duration
	UploadPayloadSize       int
	ModernResponseThreshold int64
	LegacyChunkThreshold    int
	InitialChunkParam       int
	LegacyChunkParam        int

	// Orchestration
	TestTimeout               time.Duration
	LockWaitTimeout           time.Duration
	MaxRetries                int
	RetryDelayBase            time.Duration
	WarningThreshold          int
	OpenThreshold             int
	CustomServerAlertCooldown time.Duration

	// Persistence
	DataDir string

	// External engine backend; empty means the native engine
	EngineBinaryPath string
	SkipCertVerify   bool

	LogLevel string
}

func DefaultConfig() *Config {
	return &Config{
		ServerListURL:             "https://librespeed.org/backend-servers/servers.php",
		ServerListTimeout:         10 * time.Second,
		ServerID:                  0,
		CustomServerURL:           "",
		PingTimeout:               2 * time.Second,
		PingCount:                 10,
		PingInterval:              100 * time.Millisecond,
		TestDuration:              15 * time.Second,
		ChunkTimeout:              30 * time.Second,
		MaxConcurrentDownloads:    6,
		MaxConcurrentUploads:      3,
		StreamStartDelay:          200 * time.Millisecond,
		ChunkRetryDelay:           100 * time.Millisecond,
		UploadPayloadSize:         1024 * 1024,
		ModernResponseThreshold:   5_000_000,
		LegacyChunkThreshold:      2,
		InitialChunkParam:         20,
		LegacyChunkParam:          100,
		TestTimeout:               240 * time.Second,
		LockWaitTimeout:           300 * time.Second,
		MaxRetries:                3,
		RetryDelayBase:            5 * time.Second,
		WarningThreshold:          5,
		OpenThreshold:             10,
		CustomServerAlertCooldown: 6 * time.Hour,
		DataDir:                   "./data",
		EngineBinaryPath:          "",
		SkipCertVerify:            false,
		LogLevel:                  "info",
	}
}

func (c *Config) LoadFromEnv() error {
	if u := os.Getenv("LINKPULSE_SERVER_LIST_URL"); u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid LINKPULSE_SERVER_LIST_URL %q: %w", u, err)
		}
		c.ServerListURL = u
	}
	if id := os.Getenv("LINKPULSE_SERVER_ID"); id != "" {
		v, err := strconv.Atoi(id)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid LINKPULSE_SERVER_ID %q: must be a non-negative integer", id)
		}
		c.ServerID = v
	}
	if u := os.Getenv("LINKPULSE_CUSTOM_SERVER"); u != "" {
		c.CustomServerURL = u
	}

	if dur := os.Getenv("LINKPULSE_TEST_DURATION"); dur != "" {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid LINKPULSE_TEST_DURATION %q: must be a positive duration (e.g. 15s)", dur)
		}
		c.TestDuration = d
	}
	if dur := os.Getenv("LINKPULSE_TEST_TIMEOUT"); dur != "" {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid LINKPULSE_TEST_TIMEOUT %q: must be a positive duration (e.g. 240s)", dur)
		}
		c.TestTimeout = d
	}
	if dur := os.Getenv("LINKPULSE_LOCK_WAIT_TIMEOUT"); dur != "" {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid LINKPULSE_LOCK_WAIT_TIMEOUT %q: must be a positive duration (e.g. 5m)", dur)
		}
		c.LockWaitTimeout = d
	}

	if max := os.Getenv("LINKPULSE_MAX_RETRIES"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m <= 0 {
			return fmt.Errorf("invalid LINKPULSE_MAX_RETRIES %q: must be a positive integer", max)
		}
		c.MaxRetries = m
	}
	if dur := os.Getenv("LINKPULSE_RETRY_DELAY_BASE"); dur != "" {
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid LINKPULSE_RETRY_DELAY_BASE %q: must be a positive duration (e.g. 5s)", dur)
		}
		c.RetryDelayBase = d
	}

	if max := os.Getenv("LINKPULSE_MAX_CONCURRENT_DOWNLOADS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m <= 0 || m > 64 {
			return fmt.Errorf("invalid LINKPULSE_MAX_CONCURRENT_DOWNLOADS %q: must be 1-64", max)
		}
		c.MaxConcurrentDownloads = m
	}
	if max := os.Getenv("LINKPULSE_MAX_CONCURRENT_UPLOADS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m <= 0 || m > 64 {
			return fmt.Errorf("invalid LINKPULSE_MAX_CONCURRENT_UPLOADS %q: must be 1-64", max)
		}
		c.MaxConcurrentUploads = m
	}

	if dataDir := os.Getenv("LINKPULSE_DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}
	if bin := os.Getenv("LINKPULSE_ENGINE_BINARY"); bin != "" {
		c.EngineBinaryPath = bin
	}
	if skip := os.Getenv("LINKPULSE_SKIP_CERT_VERIFY"); skip == "true" || skip == "1" {
		c.SkipCertVerify = true
	}
	if level := os.Getenv("LINKPULSE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	return nil
}

// HTTPTransport builds the transport used by the measurement HTTP
// clients. Compression would falsify byte counts, so it is always off;
// SkipCertVerify allows custom servers with self-signed certificates.
func (c *Config) HTTPTransport() *http.Transport {
	t := &http.Transport{DisableCompression: true}
	if c.SkipCertVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

func (c *Config) Validate() error {
	if c.ServerListURL == "" {
		return fmt.Errorf("server list URL cannot be empty")
	}
	if c.ServerListTimeout <= 0 {
		return fmt.Errorf("server list timeout must be > 0")
	}
	if c.ServerID < 0 {
		return fmt.Errorf("server id must be >= 0")
	}
	if c.PingTimeout <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("ping timeout and interval must be > 0")
	}
	if c.PingCount <= 0 {
		return fmt.Errorf("ping count must be > 0")
	}
	if c.TestDuration <= 0 {
		return fmt.Errorf("test duration must be > 0")
	}
	if c.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk timeout must be > 0")
	}
	if c.MaxConcurrentDownloads <= 0 || c.MaxConcurrentDownloads > 64 {
		return fmt.Errorf("max concurrent downloads must be 1-64")
	}
	if c.MaxConcurrentUploads <= 0 || c.MaxConcurrentUploads > 64 {
		return fmt.Errorf("max concurrent uploads must be 1-64")
	}
	if c.UploadPayloadSize <= 0 {
		return fmt.Errorf("upload payload size must be > 0")
	}
	if c.TestTimeout <= c.TestDuration {
		return fmt.Errorf("test timeout (%s) must exceed a single phase duration (%s)", c.TestTimeout, c.TestDuration)
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock wait timeout must be > 0")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be > 0")
	}
	if c.RetryDelayBase <= 0 {
		return fmt.Errorf("retry delay base must be > 0")
	}
	if c.WarningThreshold <= 0 || c.OpenThreshold <= c.WarningThreshold {
		return fmt.Errorf("failure thresholds must satisfy 0 < warning (%d) < open (%d)",
			c.WarningThreshold, c.OpenThreshold)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	return nil
}
