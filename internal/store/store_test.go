package store

import (
	"testing"
	"time"

	"github.com/saveenergy/linkpulse/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sampleResult(runID string, ts time.Time) *types.TestResult {
	return &types.TestResult{
		RunID:         runID,
		DownloadMbps:  95.5,
		UploadMbps:    18.2,
		PingMs:        12.1,
		JitterMs:      0.8,
		BytesSent:     500_000_000,
		BytesReceived: 1_500_000_000,
		Timestamp:     ts,
		Server:        types.ServerDescriptor{ID: 3, Name: "Sample"},
	}
}

func TestLoadUnknownInstance(t *testing.T) {
	s := openStore(t)

	state, err := s.Load("never-seen")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Lifetime.DownloadGB != 0 || state.Lifetime.UploadGB != 0 {
		t.Errorf("fresh instance should have zero counters, got %+v", state.Lifetime)
	}
	if state.LastResult != nil {
		t.Error("fresh instance should have no last result")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openStore(t)

	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	in := &State{
		Lifetime:   types.LifetimeCounters{DownloadGB: 12.5, UploadGB: 3.25},
		LastResult: sampleResult("abc", ts),
	}
	if err := s.Save("home", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load("home")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Lifetime != in.Lifetime {
		t.Errorf("lifetime = %+v, want %+v", out.Lifetime, in.Lifetime)
	}
	if out.LastResult == nil || out.LastResult.RunID != "abc" {
		t.Fatalf("last result = %+v, want run abc", out.LastResult)
	}
	if !out.LastResult.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", out.LastResult.Timestamp, ts)
	}
	if out.LastResult.Server.Name != "Sample" {
		t.Errorf("server name = %q, want Sample", out.LastResult.Server.Name)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openStore(t)

	first := &State{Lifetime: types.LifetimeCounters{DownloadGB: 1}}
	second := &State{Lifetime: types.LifetimeCounters{DownloadGB: 2}}
	if err := s.Save("home", first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.Save("home", second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	out, err := s.Load("home")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Lifetime.DownloadGB != 2 {
		t.Errorf("DownloadGB = %v, want the overwritten value 2", out.Lifetime.DownloadGB)
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	s := openStore(t)

	if err := s.Save("a", &State{Lifetime: types.LifetimeCounters{DownloadGB: 7}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	state, err := s.Load("b")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Lifetime.DownloadGB != 0 {
		t.Error("instance b should not see instance a's counters")
	}
}

func TestHistory(t *testing.T) {
	s := openStore(t)

	base := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := sampleResult(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		if err := s.AppendHistory("home", r); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.History("home", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (limit)", len(entries))
	}
	if entries[0].RunID != "c" || entries[1].RunID != "b" {
		t.Errorf("order = %q, %q, want newest first", entries[0].RunID, entries[1].RunID)
	}
	if entries[0].ServerName != "Sample" {
		t.Errorf("server name = %q, want Sample", entries[0].ServerName)
	}

	other, err := s.History("other", 10)
	if err != nil {
		t.Fatalf("history other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("got %d entries for an unknown instance, want 0", len(other))
	}
}
