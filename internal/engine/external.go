package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/linkpulse/internal/backend"
	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/pkg/errors"
	"github.com/saveenergy/linkpulse/pkg/types"
)

// maxExternalServerID bounds the --server argument passed to the
// external binary; the public directory never exceeds it.
const maxExternalServerID = 10000

// External runs speed tests by shelling out to a librespeed-cli
// compatible binary and parsing its JSON output. Useful on hosts where
// the canonical CLI is already provisioned and its measurement
// methodology is preferred.
type External struct {
	cfg    *config.Config
	logger *logging.Logger
}

func NewExternal(cfg *config.Config) *External {
	return &External{
		cfg:    cfg,
		logger: logging.NewLogger("engine.external"),
	}
}

// cliResult mirrors one element of the binary's --json output array.
type cliResult struct {
	Timestamp time.Time `json:"timestamp"`
	Server    struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"server"`
	BytesSent     int64   `json:"bytes_sent"`
	BytesReceived int64   `json:"bytes_received"`
	Ping          float64 `json:"ping"`
	Jitter        float64 `json:"jitter"`
	Download      float64 `json:"download"`
	Upload        float64 `json:"upload"`
}

func (e *External) RunTest(ctx context.Context, req Request) (*types.TestResult, error) {
	args, stdin, server, err := e.buildInvocation(req)
	if err != nil {
		return nil, err
	}

	e.logger.Info("invoking external engine",
		logging.Field{Key: "binary", Value: e.cfg.EngineBinaryPath},
		logging.Field{Key: "args", Value: strings.Join(args, " ")})

	cmd := exec.CommandContext(ctx, e.cfg.EngineBinaryPath, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.ErrTimeout("external engine timed out", ctx.Err())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.ErrExternalEngine(
			fmt.Sprintf("engine exited with error: %s", firstLine(stderr.String())), runErr)
	}

	result, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	result.Server = server
	if result.Server.Name == "" {
		result.Server.Name = "Unknown Server"
	}
	return result, nil
}

// buildInvocation translates a request into CLI arguments, plus a
// local-json stdin document when a custom server bypasses the public
// directory. The binary does its own flavor detection, so the local
// entry always carries the legacy endpoint layout.
func (e *External) buildInvocation(req Request) (args []string, stdin []byte, server types.ServerDescriptor, err error) {
	args = []string{"--json"}
	if e.cfg.SkipCertVerify {
		args = append(args, "--skip-cert-verify")
	}

	customURL := req.CustomServerURL
	if customURL == "" {
		customURL = e.cfg.CustomServerURL
	}
	if customURL != "" {
		base := strings.TrimRight(types.NormalizeURL(customURL), "/")
		dl, ul, ping, ip := backend.EndpointPaths(types.FlavorLegacy, backend.HasBackendPath(base))
		server = types.ServerDescriptor{
			ID:           1,
			Name:         "Custom Server",
			URL:          base,
			DownloadPath: dl,
			UploadPath:   ul,
			PingPath:     ping,
			IPLookupPath: ip,
		}
		stdin, err = json.Marshal([]types.ServerDescriptor{server})
		if err != nil {
			return nil, nil, types.ServerDescriptor{}, errors.ErrExternalEngine("encode local server entry", err)
		}
		// The local list has a single entry, addressed by its own ID.
		args = append(args, "--local-json", "-", "--server", "1")
		server.ID = types.CustomServerID
		return args, stdin, server, nil
	}

	serverID := req.ServerID
	if serverID == 0 {
		serverID = e.cfg.ServerID
	}
	if serverID != 0 {
		if serverID < 0 || serverID > maxExternalServerID {
			return nil, nil, types.ServerDescriptor{},
				errors.ErrExternalEngine(fmt.Sprintf("server id %d out of range 0-%d", serverID, maxExternalServerID), nil)
		}
		args = append(args, "--server", strconv.Itoa(serverID))
		server = types.ServerDescriptor{ID: serverID}
	}
	// No --server at all lets the binary auto-select.
	return args, nil, server, nil
}

// parseOutput decodes the binary's JSON array and converts its first
// element into a TestResult.
func parseOutput(out []byte) (*types.TestResult, error) {
	var results []cliResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, errors.ErrExternalEngine("parse engine output", err)
	}
	if len(results) == 0 {
		return nil, errors.ErrExternalEngine("engine produced no results", nil)
	}
	r := results[0]

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &types.TestResult{
		RunID:         uuid.NewString(),
		DownloadMbps:  r.Download,
		UploadMbps:    r.Upload,
		PingMs:        r.Ping,
		JitterMs:      r.Jitter,
		BytesSent:     r.BytesSent,
		BytesReceived: r.BytesReceived,
		Timestamp:     ts.UTC(),
		Server: types.ServerDescriptor{
			Name: r.Server.Name,
			URL:  r.Server.URL,
		},
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
