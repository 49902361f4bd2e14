// Package engine runs complete speed tests: server resolution, latency
// measurement, then the download and upload phases, reduced to a single
// TestResult. Two implementations exist: the native in-process engine
// and a wrapper around an external CLI binary.
package engine

import (
	"context"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// Request narrows one test run. Zero values defer to the engine's
// configuration: ServerID 0 means auto-select, an empty CustomServerURL
// means use the directory.
type Request struct {
	ServerID        int
	CustomServerURL string
}

// Engine runs one full speed test per call. Implementations are safe
// for sequential reuse but not for concurrent RunTest calls; callers
// serialize access.
type Engine interface {
	RunTest(ctx context.Context, req Request) (*types.TestResult, error)
}

// New picks the engine implementation from configuration: an external
// binary when one is configured, the native engine otherwise.
func New(cfg *config.Config) Engine {
	if cfg.EngineBinaryPath != "" {
		return NewExternal(cfg)
	}
	return NewNative(cfg)
}
