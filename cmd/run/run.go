// Package run implements the `linkpulse run` subcommand: one complete
// speed test from the command line, with results for humans, scripts or
// JSON consumers.
package run

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/engine"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/internal/orchestrator"
	"github.com/saveenergy/linkpulse/internal/store"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

type flags struct {
	serverID       int
	customServer   string
	engineBinary   string
	duration       int
	timeout        int
	dataDir        string
	noPersist      bool
	skipCertVerify bool
	jsonOut        bool
	plainOut       bool
	noColor        bool
	verbose        bool
	logLevel       string
}

// Run executes one speed test and prints the result. Precedence for
// every setting: flags, then the YAML config file, then LINKPULSE_*
// environment variables, then defaults.
func Run(args []string, version string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var f flags
	fs.IntVar(&f.serverID, "server", 0, "directory server ID (0 = auto-select by latency)")
	fs.StringVar(&f.customServer, "custom", "", "custom server URL, bypasses the public directory")
	fs.StringVar(&f.engineBinary, "engine", "", "path to an external librespeed-cli compatible binary")
	fs.IntVar(&f.duration, "duration", 0, "seconds per throughput phase")
	fs.IntVar(&f.timeout, "timeout", 0, "overall per-attempt timeout in seconds")
	fs.StringVar(&f.dataDir, "data-dir", "", "directory for the state database")
	fs.BoolVar(&f.noPersist, "no-persist", false, "disable state persistence")
	fs.BoolVar(&f.skipCertVerify, "skip-cert-verify", false, "accept self-signed server certificates")
	fs.BoolVar(&f.jsonOut, "json", false, "print the result as JSON")
	fs.BoolVar(&f.plainOut, "plain", false, "print the result as key=value lines")
	fs.BoolVar(&f.noColor, "no-color", false, "disable ANSI colors")
	fs.BoolVar(&f.verbose, "verbose", false, "include transfer volumes and lifetime counters")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse run: %v\n", err)
		return exitUsage
	}

	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse run: warning: %v\n", err)
	}
	applyConfigFile(cfg, configFile)

	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	applyFlags(cfg, &f, set)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse run: invalid configuration: %v\n", err)
		return exitUsage
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	jsonOut, plainOut, noColor, verbose := outputMode(&f, configFile, set)

	var formatter OutputFormatter
	switch {
	case jsonOut:
		formatter = NewJSONFormatter(os.Stdout)
	case plainOut:
		formatter = NewPlainFormatter(os.Stdout)
	default:
		formatter = NewInteractiveFormatter(os.Stdout, noColor, verbose)
	}

	var st *store.Store
	if !f.noPersist {
		st, err = store.Open(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "linkpulse run: warning: persistence disabled: %v\n", err)
			st = nil
		} else {
			defer st.Close()
		}
	}

	orch, err := orchestrator.New(cfg, engine.New(cfg), st, nil, nil, "cli")
	if err != nil {
		formatter.FormatError(err)
		return exitFailure
	}
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		<-sigCh
		close(interrupted)
		cancel()
	}()

	result, err := orch.RunManual(ctx)
	if err != nil {
		select {
		case <-interrupted:
			return exitInterrupt
		default:
		}
		formatter.FormatError(err)
		return exitFailure
	}

	formatter.FormatResult(result, orch.Lifetime())
	return exitSuccess
}

// applyConfigFile folds the YAML file into the config; zero values in
// the file leave the corresponding setting untouched.
func applyConfigFile(cfg *config.Config, file *ConfigFile) {
	if file == nil {
		return
	}
	if file.ServerListURL != "" {
		cfg.ServerListURL = file.ServerListURL
	}
	if file.ServerID > 0 {
		cfg.ServerID = file.ServerID
	}
	if file.CustomServer != "" {
		cfg.CustomServerURL = file.CustomServer
	}
	if file.Duration > 0 {
		cfg.TestDuration = time.Duration(file.Duration) * time.Second
	}
	if file.Timeout > 0 {
		cfg.TestTimeout = time.Duration(file.Timeout) * time.Second
	}
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.EngineBinary != "" {
		cfg.EngineBinaryPath = file.EngineBinary
	}
	if file.SkipCertVerify {
		cfg.SkipCertVerify = true
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
}

func applyFlags(cfg *config.Config, f *flags, set map[string]bool) {
	if set["server"] {
		cfg.ServerID = f.serverID
	}
	if set["custom"] {
		cfg.CustomServerURL = f.customServer
	}
	if set["engine"] {
		cfg.EngineBinaryPath = f.engineBinary
	}
	if set["duration"] && f.duration > 0 {
		cfg.TestDuration = time.Duration(f.duration) * time.Second
	}
	if set["timeout"] && f.timeout > 0 {
		cfg.TestTimeout = time.Duration(f.timeout) * time.Second
	}
	if set["data-dir"] {
		cfg.DataDir = f.dataDir
	}
	if set["skip-cert-verify"] {
		cfg.SkipCertVerify = true
	}
	if set["log-level"] {
		cfg.LogLevel = f.logLevel
	}
}

// outputMode resolves the formatter choice: explicit flags first, then
// the config file, and if neither asked for anything, plain output for
// pipes and interactive output for a TTY.
func outputMode(f *flags, file *ConfigFile, set map[string]bool) (jsonOut, plainOut, noColor, verbose bool) {
	jsonOut = f.jsonOut
	plainOut = f.plainOut
	noColor = f.noColor
	verbose = f.verbose
	if file != nil {
		if !set["json"] {
			jsonOut = jsonOut || file.JSON
		}
		if !set["plain"] {
			plainOut = plainOut || file.Plain
		}
		noColor = noColor || file.NoColor
		verbose = verbose || file.Verbose
	}
	if !jsonOut && !plainOut && !term.IsTerminal(int(os.Stdout.Fd())) {
		plainOut = true
	}
	return jsonOut, plainOut, noColor, verbose
}
