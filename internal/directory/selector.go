package directory

import (
	"context"
	"math"
	"sync"

	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/internal/probe"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// probeBatchSize bounds how many servers are latency-tested in parallel
// during selection.
const probeBatchSize = 6

// Selector ranks directory servers by latency to pick the best target
// when no server is pinned by configuration.
type Selector struct {
	directory *Directory
	probe     *probe.Probe
	logger    *logging.Logger
}

func NewSelector(d *Directory, p *probe.Probe) *Selector {
	return &Selector{
		directory: d,
		probe:     p,
		logger:    logging.NewLogger("selector"),
	}
}

// Best probes all known servers in fixed-size concurrent batches and
// returns the one with the lowest finite latency. If every probe is
// unreachable it falls back to the first directory entry. Batch order
// follows the directory's sorted order; probing within a batch is
// concurrent and unordered.
func (s *Selector) Best(ctx context.Context) (types.ServerDescriptor, error) {
	servers := s.directory.Servers(ctx)

	best := -1
	bestLatency := math.Inf(1)
	working := 0

	for start := 0; start < len(servers); start += probeBatchSize {
		if ctx.Err() != nil {
			return types.ServerDescriptor{}, ctx.Err()
		}

		end := start + probeBatchSize
		if end > len(servers) {
			end = len(servers)
		}

		latencies := make([]float64, end-start)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(slot, idx int) {
				defer wg.Done()
				latencies[slot] = s.probe.Probe(ctx, servers[idx])
			}(i-start, i)
		}
		wg.Wait()

		for i, latency := range latencies {
			if math.IsInf(latency, 1) {
				continue
			}
			working++
			if latency < bestLatency {
				bestLatency = latency
				best = start + i
				s.logger.Debug("new best server",
					logging.Field{Key: "name", Value: servers[best].Name},
					logging.Field{Key: "latency_ms", Value: latency})
			}
		}
		s.logger.Info("latency batch done",
			logging.Field{Key: "tested", Value: int64(end)},
			logging.Field{Key: "total", Value: int64(len(servers))},
			logging.Field{Key: "working", Value: int64(working)})
	}

	if best < 0 {
		s.logger.Warn("no reachable servers, using first directory entry",
			logging.Field{Key: "fallback", Value: servers[0].Name})
		return servers[0], nil
	}

	s.logger.Info("selected server",
		logging.Field{Key: "name", Value: servers[best].Name},
		logging.Field{Key: "latency_ms", Value: bestLatency})
	return servers[best], nil
}
