// Package directory resolves which speed-test server a run targets. It
// fetches and normalizes the public server list and ranks candidates by
// latency when no server is pinned.
package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/errors"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// DefaultServer is the built-in fallback used whenever the directory
// cannot be fetched: the test must always have some target.
func DefaultServer() types.ServerDescriptor {
	return types.ServerDescriptor{
		ID:           1,
		Name:         "LibreSpeed Test Server",
		URL:          "https://librespeed.org",
		Location:     "Global",
		Sponsor:      "LibreSpeed",
		DownloadPath: types.DefaultDownloadPath,
		UploadPath:   types.DefaultUploadPath,
		PingPath:     types.DefaultPingPath,
		IPLookupPath: types.DefaultIPLookupPath,
	}
}

type Directory struct {
	listURL string
	client  *http.Client
	logger  *logging.Logger

	mu      sync.Mutex
	servers []types.ServerDescriptor
}

func New(cfg *config.Config) *Directory {
	return &Directory{
		listURL: cfg.ServerListURL,
		client: &http.Client{
			Timeout:   cfg.ServerListTimeout,
			Transport: cfg.HTTPTransport(),
		},
		logger: logging.NewLogger("directory"),
	}
}

// serverEntry mirrors one element of the directory feed. Unknown fields
// are ignored; missing endpoint suffixes default to the legacy convention.
type serverEntry struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Server       string `json:"server"`
	Location     string `json:"location"`
	Sponsor      string `json:"sponsor"`
	DownloadPath string `json:"dlURL"`
	UploadPath   string `json:"ulURL"`
	PingPath     string `json:"pingURL"`
	IPLookupPath string `json:"getIpURL"`
}

// Fetch retrieves the candidate server list. On any network, decode or
// timeout failure it returns the single built-in default descriptor
// rather than an error. Results are cached on the directory instance.
func (d *Directory) Fetch(ctx context.Context) []types.ServerDescriptor {
	servers := d.fetchRemote(ctx)
	if len(servers) == 0 {
		servers = []types.ServerDescriptor{DefaultServer()}
	}

	d.mu.Lock()
	d.servers = servers
	d.mu.Unlock()
	return servers
}

func (d *Directory) fetchRemote(ctx context.Context) []types.ServerDescriptor {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.listURL, nil)
	if err != nil {
		d.logger.Error("building server list request failed",
			logging.Field{Key: "error", Value: err})
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("server list fetch failed",
			logging.Field{Key: "url", Value: d.listURL},
			logging.Field{Key: "error", Value: err})
		return nil
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		d.logger.Error("server list fetch got non-OK status",
			logging.Field{Key: "status", Value: int64(resp.StatusCode)})
		return nil
	}

	var entries []serverEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		d.logger.Error("server list decode failed",
			logging.Field{Key: "error", Value: err})
		return nil
	}

	servers := make([]types.ServerDescriptor, 0, len(entries))
	for idx, e := range entries {
		servers = append(servers, normalizeEntry(e, idx))
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })

	d.logger.Info("server list loaded",
		logging.Field{Key: "count", Value: int64(len(servers))})
	return servers
}

func normalizeEntry(e serverEntry, idx int) types.ServerDescriptor {
	s := types.ServerDescriptor{
		ID:           e.ID,
		Name:         e.Name,
		URL:          types.NormalizeURL(e.Server),
		Location:     e.Location,
		Sponsor:      e.Sponsor,
		DownloadPath: e.DownloadPath,
		UploadPath:   e.UploadPath,
		PingPath:     e.PingPath,
		IPLookupPath: e.IPLookupPath,
	}
	if s.ID == 0 {
		s.ID = idx + 1
	}
	if s.Name == "" {
		s.Name = "Unknown Server"
	}
	if s.Location == "" {
		s.Location = s.Name
	}
	if s.Sponsor == "" {
		s.Sponsor = "Unknown"
	}
	if s.DownloadPath == "" {
		s.DownloadPath = types.DefaultDownloadPath
	}
	if s.UploadPath == "" {
		s.UploadPath = types.DefaultUploadPath
	}
	if s.PingPath == "" {
		s.PingPath = types.DefaultPingPath
	}
	if s.IPLookupPath == "" {
		s.IPLookupPath = types.DefaultIPLookupPath
	}
	return s
}

// Servers returns the cached list, fetching it on first use.
func (d *Directory) Servers(ctx context.Context) []types.ServerDescriptor {
	d.mu.Lock()
	cached := d.servers
	d.mu.Unlock()
	if len(cached) > 0 {
		return cached
	}
	return d.Fetch(ctx)
}

// ByID resolves a pinned server id against the directory.
func (d *Directory) ByID(ctx context.Context, id int) (types.ServerDescriptor, error) {
	for _, s := range d.Servers(ctx) {
		if s.ID == id {
			return s, nil
		}
	}
	return types.ServerDescriptor{}, errors.ErrServerNotFound(id)
}
