// Package backend builds correct endpoint paths for a speed-test server
// by detecting which protocol flavor the remote implements: the legacy
// extension-suffixed convention under a backend/ sub-path, or the modern
// extension-less one.
package backend

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/types"
)

type Adapter struct {
	client *http.Client
	logger *logging.Logger
}

func New(cfg *config.Config) *Adapter {
	return &Adapter{
		client: &http.Client{
			Timeout:   cfg.PingTimeout,
			Transport: cfg.HTTPTransport(),
		},
		logger: logging.NewLogger("backend"),
	}
}

// HasBackendPath reports whether a custom URL already points at a backend
// sub-path (e.g. https://host/speedtest) rather than a bare origin.
func HasBackendPath(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return false
	}
	return parsed.Path != "" && parsed.Path != "/"
}

// EndpointPaths returns the four endpoint suffixes for a flavor and
// sub-path combination. Unknown flavor falls back to legacy.
func EndpointPaths(flavor types.Flavor, hasBackendPath bool) (dl, ul, ping, ip string) {
	if flavor == types.FlavorModern {
		if hasBackendPath {
			return "garbage", "empty", "empty", "getIP"
		}
		return "backend/garbage", "backend/empty", "backend/empty", "backend/getIP"
	}
	if hasBackendPath {
		return "garbage.php", "empty.php", "empty.php", "getIP.php"
	}
	return types.DefaultDownloadPath, types.DefaultUploadPath, types.DefaultPingPath, types.DefaultIPLookupPath
}

// Detect probes the two candidate ping endpoints in turn, extension-less
// first, and returns the flavor of the first to answer with a success
// status. When neither responds it defaults to legacy with a logged
// warning; it never returns an error.
func (a *Adapter) Detect(ctx context.Context, baseURL string, hasBackendPath bool) types.Flavor {
	base := strings.TrimRight(types.NormalizeURL(baseURL), "/")

	var modernProbe, legacyProbe string
	if hasBackendPath {
		modernProbe = base + "/empty"
		legacyProbe = base + "/empty.php"
	} else {
		modernProbe = base + "/backend/empty"
		legacyProbe = base + "/backend/empty.php"
	}

	if a.respondsOK(ctx, modernProbe) {
		a.logger.Debug("modern backend detected",
			logging.Field{Key: "url", Value: modernProbe})
		return types.FlavorModern
	}
	if a.respondsOK(ctx, legacyProbe) {
		a.logger.Debug("legacy backend detected",
			logging.Field{Key: "url", Value: legacyProbe})
		return types.FlavorLegacy
	}

	a.logger.Warn("could not detect backend flavor, defaulting to legacy",
		logging.Field{Key: "url", Value: base})
	return types.FlavorLegacy
}

func (a *Adapter) respondsOK(ctx context.Context, probeURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("flavor probe failed",
			logging.Field{Key: "url", Value: probeURL},
			logging.Field{Key: "error", Value: err})
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// CustomServer builds a descriptor for a user-supplied URL, inferring the
// sub-path layout from the URL itself and the flavor from a live probe.
// The detected flavor is returned so callers can seed throughput testing
// with it.
func (a *Adapter) CustomServer(ctx context.Context, rawURL string) (types.ServerDescriptor, types.Flavor) {
	base := strings.TrimRight(types.NormalizeURL(rawURL), "/")
	hasBackendPath := HasBackendPath(base)

	flavor := a.Detect(ctx, base, hasBackendPath)
	dl, ul, ping, ip := EndpointPaths(flavor, hasBackendPath)

	a.logger.Info("custom server configured",
		logging.Field{Key: "url", Value: base},
		logging.Field{Key: "flavor", Value: flavor},
		logging.Field{Key: "backend_subpath", Value: hasBackendPath})

	return types.ServerDescriptor{
		ID:           types.CustomServerID,
		Name:         "Custom Server",
		URL:          base,
		Location:     "Custom",
		Sponsor:      "User Defined",
		DownloadPath: dl,
		UploadPath:   ul,
		PingPath:     ping,
		IPLookupPath: ip,
	}, flavor
}
