package run

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/saveenergy/linkpulse/pkg/diagnostic"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// OutputFormatter renders one completed test for a given audience:
// humans on a TTY, line-oriented tooling, or JSON consumers.
type OutputFormatter interface {
	FormatResult(r *types.TestResult, lifetime types.LifetimeCounters)
	FormatError(err error)
}

type JSONFormatter struct {
	writer io.Writer
}

func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{writer: w}
}

func (f *JSONFormatter) FormatResult(r *types.TestResult, lifetime types.LifetimeCounters) {
	out := struct {
		Result     *types.TestResult      `json:"result"`
		Lifetime   types.LifetimeCounters `json:"lifetime"`
		Assessment *diagnostic.Assessment `json:"assessment"`
	}{Result: r, Lifetime: lifetime, Assessment: diagnostic.Assess(r)}
	json.NewEncoder(f.writer).Encode(out)
}

func (f *JSONFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "linkpulse: error: %v\n", err)
}

type PlainFormatter struct {
	writer io.Writer
}

func NewPlainFormatter(w io.Writer) *PlainFormatter {
	return &PlainFormatter{writer: w}
}

func (f *PlainFormatter) FormatResult(r *types.TestResult, lifetime types.LifetimeCounters) {
	fmt.Fprintf(f.writer, "run_id=%s\n", r.RunID)
	fmt.Fprintf(f.writer, "server=%s\n", r.Server.Name)
	fmt.Fprintf(f.writer, "server_url=%s\n", r.Server.URL)
	fmt.Fprintf(f.writer, "download_mbps=%.2f\n", r.DownloadMbps)
	fmt.Fprintf(f.writer, "upload_mbps=%.2f\n", r.UploadMbps)
	fmt.Fprintf(f.writer, "ping_ms=%.2f\n", r.PingMs)
	fmt.Fprintf(f.writer, "jitter_ms=%.2f\n", r.JitterMs)
	fmt.Fprintf(f.writer, "bytes_received=%d\n", r.BytesReceived)
	fmt.Fprintf(f.writer, "bytes_sent=%d\n", r.BytesSent)
	fmt.Fprintf(f.writer, "lifetime_download_gb=%.3f\n", lifetime.DownloadGB)
	fmt.Fprintf(f.writer, "lifetime_upload_gb=%.3f\n", lifetime.UploadGB)
	fmt.Fprintf(f.writer, "grade=%s\n", diagnostic.Assess(r).Grade)
	fmt.Fprintf(f.writer, "timestamp=%s\n", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(os.Stderr, "linkpulse: error: %v\n", err)
}

type InteractiveFormatter struct {
	writer  io.Writer
	noColor bool
	verbose bool
}

func NewInteractiveFormatter(w io.Writer, noColor, verbose bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, noColor: noColor, verbose: verbose}
}

func (f *InteractiveFormatter) FormatResult(r *types.TestResult, lifetime types.LifetimeCounters) {
	fmt.Fprintf(f.writer, "\nServer: %s (%s)\n", r.Server.Name, r.Server.Location)
	if f.noColor {
		fmt.Fprintf(f.writer, " Download: %.2f Mbps\n", r.DownloadMbps)
		fmt.Fprintf(f.writer, " Upload:   %.2f Mbps\n", r.UploadMbps)
		fmt.Fprintf(f.writer, " Ping:     %.2f ms\n", r.PingMs)
		fmt.Fprintf(f.writer, " Jitter:   %.2f ms\n", r.JitterMs)
	} else {
		fmt.Fprintf(f.writer, " \033[36mDownload:\033[0m %.2f Mbps\n", r.DownloadMbps)
		fmt.Fprintf(f.writer, " \033[35mUpload:\033[0m   %.2f Mbps\n", r.UploadMbps)
		fmt.Fprintf(f.writer, " \033[33mPing:\033[0m     %.2f ms\n", r.PingMs)
		fmt.Fprintf(f.writer, " \033[33mJitter:\033[0m   %.2f ms\n", r.JitterMs)
	}
	assessment := diagnostic.Assess(r)
	if f.noColor {
		fmt.Fprintf(f.writer, " Grade:    %s (%s)\n", assessment.Grade, assessment.Summary)
	} else {
		fmt.Fprintf(f.writer, " \033[32mGrade:\033[0m    %s (%s)\n", assessment.Grade, assessment.Summary)
	}
	if f.verbose {
		fmt.Fprintf(f.writer, " Received: %s\n", formatBytes(r.BytesReceived))
		fmt.Fprintf(f.writer, " Sent:     %s\n", formatBytes(r.BytesSent))
		fmt.Fprintf(f.writer, " Lifetime: %.3f GB down / %.3f GB up\n",
			lifetime.DownloadGB, lifetime.UploadGB)
		if len(assessment.Concerns) > 0 {
			fmt.Fprintf(f.writer, " Concerns: %v\n", assessment.Concerns)
		}
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	if f.noColor {
		fmt.Fprintf(os.Stderr, "linkpulse: error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "\033[31mlinkpulse: error:\033[0m %v\n", err)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
