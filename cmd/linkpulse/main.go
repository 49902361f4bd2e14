package main

import (
	"fmt"
	"os"
	"strings"

	mcpcmd "github.com/saveenergy/linkpulse/cmd/mcp"
	run "github.com/saveenergy/linkpulse/cmd/run"
	servers "github.com/saveenergy/linkpulse/cmd/servers"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		os.Exit(run.Run(nil, version))
	}

	switch args[0] {
	case "run":
		os.Exit(run.Run(args[1:], version))
	case "servers":
		os.Exit(servers.Run(args[1:], version))
	case "mcp":
		os.Exit(mcpcmd.Run(version))
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "--version":
		fmt.Printf("linkpulse %s\n", version)
		return
	default:
		if strings.HasPrefix(args[0], "-") {
			os.Exit(run.Run(args, version))
		}
		fmt.Fprintf(os.Stderr, "linkpulse: unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: linkpulse <command> [args]

Commands:
  run       Run a speed test (default when no command provided)
  servers   List the public server directory
  mcp       Run as MCP server (stdio transport, for AI agents)

Examples:
  linkpulse run
  linkpulse run -server 42 -json
  linkpulse run -custom https://speedtest.example.net -verbose
  linkpulse servers -probe
  linkpulse mcp
`)
}
