// Package servers implements the `linkpulse servers` subcommand: it
// lists the public server directory, optionally ranking entries by
// measured latency.
package servers

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/saveenergy/linkpulse/internal/config"
	"github.com/saveenergy/linkpulse/internal/directory"
	"github.com/saveenergy/linkpulse/internal/logging"
	"github.com/saveenergy/linkpulse/internal/probe"
	"github.com/saveenergy/linkpulse/pkg/types"
)

type serverRow struct {
	types.ServerDescriptor
	LatencyMs *float64 `json:"latency_ms,omitempty"`
}

func Run(args []string, version string) int {
	fs := flag.NewFlagSet("servers", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print the directory as JSON")
	withLatency := fs.Bool("probe", false, "measure latency to every server")
	listURL := fs.String("list-url", "", "override the directory URL")
	timeout := fs.Int("timeout", 60, "overall timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "linkpulse servers: %v\n", err)
		return 2
	}
	if *listURL != "" {
		cfg.ServerListURL = *listURL
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	dir := directory.New(cfg)
	servers := dir.Servers(ctx)

	rows := make([]serverRow, len(servers))
	for i, s := range servers {
		rows[i] = serverRow{ServerDescriptor: s}
	}

	if *withLatency {
		p := probe.New(cfg)
		for i := range rows {
			latency := p.Probe(ctx, rows[i].ServerDescriptor)
			if !math.IsInf(latency, 1) {
				rows[i].LatencyMs = &latency
			}
		}
	}

	if *jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(rows); err != nil {
			fmt.Fprintf(os.Stderr, "linkpulse servers: %v\n", err)
			return 1
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	if *withLatency {
		fmt.Fprintln(w, "ID\tNAME\tLOCATION\tSPONSOR\tLATENCY")
		for _, r := range rows {
			latency := "-"
			if r.LatencyMs != nil {
				latency = fmt.Sprintf("%.1f ms", *r.LatencyMs)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Location, r.Sponsor, latency)
		}
	} else {
		fmt.Fprintln(w, "ID\tNAME\tLOCATION\tSPONSOR")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.Name, r.Location, r.Sponsor)
		}
	}
	w.Flush()
	return 0
}
