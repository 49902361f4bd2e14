package types

import "strings"

// Endpoint suffixes used when a directory entry omits them. These are the
// legacy (extension-suffixed) conventions shared by most public backends.
const (
	DefaultDownloadPath = "backend/garbage.php"
	DefaultUploadPath   = "backend/empty.php"
	DefaultPingPath     = "backend/empty.php"
	DefaultIPLookupPath = "backend/getIP.php"
)

// CustomServerID is reserved for user-supplied server URLs.
const CustomServerID = 0

// ServerDescriptor identifies one speed-test server and its endpoint
// layout. Descriptors are immutable once constructed; test runs reference
// them but never mutate them.
type ServerDescriptor struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"server"`
	Location     string `json:"location"`
	Sponsor      string `json:"sponsor"`
	DownloadPath string `json:"dlURL"`
	UploadPath   string `json:"ulURL"`
	PingPath     string `json:"pingURL"`
	IPLookupPath string `json:"getIpURL"`
}

// IsCustom reports whether the descriptor came from a user-supplied URL
// rather than the server directory.
func (s ServerDescriptor) IsCustom() bool {
	return s.ID == CustomServerID
}

// Endpoint joins the server base URL with one of its endpoint suffixes.
func (s ServerDescriptor) Endpoint(path string) string {
	return strings.TrimRight(NormalizeURL(s.URL), "/") + "/" + strings.TrimLeft(path, "/")
}

// PingURL returns the full latency-probe URL, falling back to the legacy
// convention when the directory entry carried no ping suffix.
func (s ServerDescriptor) PingURL() string {
	path := s.PingPath
	if path == "" {
		path = DefaultPingPath
	}
	return s.Endpoint(path)
}

// DownloadURL returns the full download endpoint without query parameters.
func (s ServerDescriptor) DownloadURL() string {
	path := s.DownloadPath
	if path == "" {
		path = DefaultDownloadPath
	}
	return s.Endpoint(path)
}

// UploadURL returns the full upload endpoint.
func (s ServerDescriptor) UploadURL() string {
	path := s.UploadPath
	if path == "" {
		path = DefaultUploadPath
	}
	return s.Endpoint(path)
}

// NormalizeURL ensures a server URL carries a scheme. Protocol-relative
// URLs ("//host") and bare hosts both resolve to https.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(trimmed, "//"):
		return "https:" + trimmed
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		return trimmed
	case trimmed == "":
		return trimmed
	default:
		return "https://" + trimmed
	}
}

// Flavor is the endpoint naming convention a backend implements.
type Flavor int

const (
	FlavorUnknown Flavor = iota
	FlavorLegacy         // extension-suffixed endpoints (empty.php, garbage.php)
	FlavorModern         // extension-less endpoints with chunked transfer
)

func (f Flavor) String() string {
	switch f {
	case FlavorLegacy:
		return "legacy"
	case FlavorModern:
		return "modern"
	default:
		return "unknown"
	}
}
