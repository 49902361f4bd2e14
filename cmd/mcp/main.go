// Package mcp implements the `linkpulse mcp` subcommand — an MCP (Model
// Context Protocol) server over stdio transport. Agents can spawn this
// process and run speed tests or browse the server directory directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/directory"
	"github.com/saveenergy/linkpulse/internal/engine"
	"github.com/saveenergy/linkpulse/internal/orchestrator"
	"github.com/saveenergy/linkpulse/internal/probe"
	"github.com/saveenergy/linkpulse/internal/store"
	"github.com/saveenergy/linkpulse/pkg/diagnostic"
)

// Run starts the MCP stdio server. Blocks until stdin closes or signal
// received. All tool invocations share one orchestrator, so concurrent
// speed_test calls serialize instead of fighting for bandwidth.
func Run(version string) int {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse mcp: error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse mcp: error: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse mcp: warning: persistence disabled: %v\n", err)
		st = nil
	} else {
		defer st.Close()
	}

	orch, err := orchestrator.New(cfg, engine.New(cfg), st, nil, nil, "mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse mcp: error: %v\n", err)
		return 1
	}
	defer orch.Close()

	h := &handlers{cfg: cfg, orch: orch, store: st}

	s := server.NewMCPServer(
		"linkpulse",
		version,
		server.WithToolCapabilities(true),
	)

	// Tool: speed_test — full download/upload/latency measurement
	speedTool := mcp.NewTool("speed_test",
		mcp.WithDescription("Run a full speed test (download, upload, ping, jitter). Takes ~30-40 seconds. Tests are serialized: a second call waits for the first to finish."),
		mcp.WithNumber("server_id",
			mcp.Description("Directory server ID to test against (default: auto-select by latency)"),
		),
		mcp.WithString("custom_server",
			mcp.Description("Custom server URL, bypasses the public directory"),
		),
	)
	s.AddTool(speedTool, h.handleSpeedTest)

	// Tool: list_servers — the public server directory
	listTool := mcp.NewTool("list_servers",
		mcp.WithDescription("List the public speed-test server directory: ID, name, location and sponsor per entry."),
	)
	s.AddTool(listTool, h.handleListServers)

	// Tool: best_server — latency-ranked auto-selection
	bestTool := mcp.NewTool("best_server",
		mcp.WithDescription("Probe the directory and return the server with the lowest latency. Takes a few seconds."),
	)
	s.AddTool(bestTool, h.handleBestServer)

	// Tool: test_history — recent completed runs
	historyTool := mcp.NewTool("test_history",
		mcp.WithDescription("Return recent completed speed tests, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs to return, 1-100 (default: 10)"),
		),
	)
	s.AddTool(historyTool, h.handleHistory)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse mcp: error: %v\n", err)
		return 1
	}
	return 0
}

type handlers struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	store *store.Store
}

func (h *handlers) handleSpeedTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID := req.GetInt("server_id", 0)
	customServer := req.GetString("custom_server", "")

	// The orchestrator resolves the target from its config, so per-call
	// overrides run on a dedicated engine outside the failure tracking.
	// They still take the shared execution lock: no measurement may
	// overlap another, overridden or not.
	if serverID != 0 || customServer != "" {
		mtx := h.orch.Mutex()
		if !mtx.TryAcquire() {
			waitCtx, cancelWait := context.WithTimeout(ctx, h.cfg.LockWaitTimeout)
			err := mtx.Acquire(waitCtx)
			cancelWait()
			if err != nil {
				return mcp.NewToolResultError("Speed test failed: timed out waiting for a running test to finish"), nil
			}
		}
		defer mtx.Release()

		callCfg := *h.cfg
		callCfg.ServerID = serverID
		callCfg.CustomServerURL = customServer
		testCtx, cancel := context.WithTimeout(ctx, callCfg.TestTimeout)
		defer cancel()

		result, err := engine.New(&callCfg).RunTest(testCtx, engine.Request{
			ServerID:        serverID,
			CustomServerURL: customServer,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Speed test failed: %v", err)), nil
		}
		return jsonResult(struct {
			Result     interface{} `json:"result"`
			Assessment interface{} `json:"assessment"`
		}{Result: result, Assessment: diagnostic.Assess(result)})
	}

	result, err := h.orch.RunManual(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Speed test failed: %v", err)), nil
	}
	return jsonResult(struct {
		Result     interface{} `json:"result"`
		Lifetime   interface{} `json:"lifetime"`
		Assessment interface{} `json:"assessment"`
	}{Result: result, Lifetime: h.orch.Lifetime(), Assessment: diagnostic.Assess(result)})
}

func (h *handlers) handleListServers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return jsonResult(directory.New(h.cfg).Servers(listCtx))
}

func (h *handlers) handleBestServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	dir := directory.New(h.cfg)
	best, err := directory.NewSelector(dir, probe.New(h.cfg)).Best(selectCtx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Server selection failed: %v", err)), nil
	}
	return jsonResult(best)
}

func (h *handlers) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.store == nil {
		return mcp.NewToolResultError("History unavailable: persistence is disabled"), nil
	}
	limit := req.GetInt("limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	entries, err := h.store.History("mcp", limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("History query failed: %v", err)), nil
	}
	return jsonResult(entries)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
