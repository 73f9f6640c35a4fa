package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.3.0" ./cmd
var Version = "dev"

const usage = `pilonas - operator console core for remotely controlled bollards

Usage:
  pilonas <command> [options]

Commands:
  login         Log in and populate the cache
  logout        Log out and forget the saved session
  whoami        Show the saved session identity
  list <devices|zones|users>  List a cached collection
  watch         Stream live device updates (optionally with test sessions)
  mock-server   Run a local mock Device Control Service
  discover      Find Device Control Services on the local network
  version       Print the version

Run 'pilonas <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "login":
		return runLogin(args[2:], stdout, stderr)
	case "logout":
		return runLogout(args[2:], stdout, stderr)
	case "whoami":
		return runWhoami(args[2:], stdout, stderr)
	case "list":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: pilonas list <devices|zones|users>")
			return 1
		}
		return runList(args[2], args[3:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "mock-server":
		return runMockServer(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "pilonas %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
