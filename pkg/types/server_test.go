package types

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"https unchanged", "https://speed.example.net", "https://speed.example.net"},
		{"http unchanged", "http://speed.example.net", "http://speed.example.net"},
		{"protocol relative", "//speed.example.net", "https://speed.example.net"},
		{"bare host", "speed.example.net", "https://speed.example.net"},
		{"trailing slash stripped", "https://speed.example.net/", "https://speed.example.net"},
		{"subpath kept", "https://speed.example.net/speedtest/", "https://speed.example.net/speedtest"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestServerDescriptorEndpoints(t *testing.T) {
	s := ServerDescriptor{
		ID:           7,
		Name:         "Test",
		URL:          "//speed.example.net",
		DownloadPath: "backend/garbage.php",
		UploadPath:   "backend/empty.php",
		PingPath:     "backend/empty.php",
	}
	if got, want := s.DownloadURL(), "https://speed.example.net/backend/garbage.php"; got != want {
		t.Errorf("DownloadURL() = %q, want %q", got, want)
	}
	if got, want := s.UploadURL(), "https://speed.example.net/backend/empty.php"; got != want {
		t.Errorf("UploadURL() = %q, want %q", got, want)
	}
	if got, want := s.PingURL(), "https://speed.example.net/backend/empty.php"; got != want {
		t.Errorf("PingURL() = %q, want %q", got, want)
	}
}

func TestServerDescriptorEndpointDefaults(t *testing.T) {
	s := ServerDescriptor{ID: 3, URL: "https://speed.example.net"}
	if got, want := s.PingURL(), "https://speed.example.net/"+DefaultPingPath; got != want {
		t.Errorf("PingURL() = %q, want %q", got, want)
	}
	if got, want := s.DownloadURL(), "https://speed.example.net/"+DefaultDownloadPath; got != want {
		t.Errorf("DownloadURL() = %q, want %q", got, want)
	}
}

func TestIsCustom(t *testing.T) {
	if !(ServerDescriptor{ID: CustomServerID}).IsCustom() {
		t.Error("ID 0 should be custom")
	}
	if (ServerDescriptor{ID: 1}).IsCustom() {
		t.Error("ID 1 should not be custom")
	}
}

func TestLifetimeCountersAccumulate(t *testing.T) {
	var c LifetimeCounters
	c.Accumulate(2_000_000_000, 500_000_000)
	if c.DownloadGB != 2.0 {
		t.Errorf("DownloadGB = %v, want 2.0", c.DownloadGB)
	}
	if c.UploadGB != 0.5 {
		t.Errorf("UploadGB = %v, want 0.5", c.UploadGB)
	}

	before := c
	c.Accumulate(1_000_000_000, 1_000_000_000)
	if c.DownloadGB <= before.DownloadGB || c.UploadGB <= before.UploadGB {
		t.Error("counters must be monotonically increasing")
	}
}

func TestLifetimeCountersCap(t *testing.T) {
	c := LifetimeCounters{DownloadGB: MaxLifetimeGB - 1, UploadGB: MaxLifetimeGB - 1}
	c.Accumulate(5_000_000_000_000, 5_000_000_000_000)
	if c.DownloadGB != MaxLifetimeGB {
		t.Errorf("DownloadGB = %v, want cap %v", c.DownloadGB, MaxLifetimeGB)
	}
	if c.UploadGB != MaxLifetimeGB {
		t.Errorf("UploadGB = %v, want cap %v", c.UploadGB, MaxLifetimeGB)
	}
}
