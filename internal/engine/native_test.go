package engine

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/pkg/errors"
)

func nativeConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PingCount = 2
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PingTimeout = 500 * time.Millisecond
	cfg.TestDuration = 200 * time.Millisecond
	cfg.StreamStartDelay = 10 * time.Millisecond
	cfg.MaxConcurrentDownloads = 2
	cfg.MaxConcurrentUploads = 2
	cfg.UploadPayloadSize = 16 * 1024
	return cfg
}

func TestNativeRunTestAgainstCustomServer(t *testing.T) {
	mux := http.NewServeMux()
	payload := make([]byte, 32*1024)
	mux.HandleFunc("/backend/empty.php", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/backend/garbage.php", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := nativeConfig()
	cfg.CustomServerURL = srv.URL

	e := NewNative(cfg)
	result, err := e.RunTest(context.Background(), Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.RunID == "" {
		t.Error("expected a run ID")
	}
	if !result.Server.IsCustom() {
		t.Errorf("server ID = %d, want the custom sentinel", result.Server.ID)
	}
	if result.PingMs <= 0 {
		t.Errorf("ping = %v, want > 0", result.PingMs)
	}
	if result.DownloadMbps <= 0 || result.BytesReceived == 0 {
		t.Errorf("download = %v Mbps / %d bytes, want > 0", result.DownloadMbps, result.BytesReceived)
	}
	if result.UploadMbps <= 0 || result.BytesSent == 0 {
		t.Errorf("upload = %v Mbps / %d bytes, want > 0", result.UploadMbps, result.BytesSent)
	}
	if result.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
	if result.Timestamp.Location() != time.UTC {
		t.Error("timestamp should be UTC")
	}
}

func TestNativeUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	cfg := nativeConfig()
	cfg.CustomServerURL = deadURL

	e := NewNative(cfg)
	_, err := e.RunTest(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error for an unreachable server")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("unreachable server should be retryable, got %v", err)
	}
}

func TestMapContextError(t *testing.T) {
	if got := mapContextError(context.DeadlineExceeded); errors.Code(got) != errors.ErrCodeTimeout {
		t.Errorf("deadline maps to %q, want %q", errors.Code(got), errors.ErrCodeTimeout)
	}
	if got := mapContextError(context.Canceled); !stderrors.Is(got, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", got)
	}
	cause := stderrors.New("connection reset")
	if got := mapContextError(cause); errors.Code(got) != errors.ErrCodeNetwork {
		t.Errorf("generic failure maps to %q, want %q", errors.Code(got), errors.ErrCodeNetwork)
	}
}
