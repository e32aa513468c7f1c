package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "digest":
		return runDigestCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1] != "" && args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%sCountersign%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintf(w, "%sSend a contract out, collect every signature, seal the result.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  countersign <command> [flags]")
	_, _ = fmt.Fprintln(w)

	printSection(w, "SERVER")
	printCommand(w, "serve", "Start the HTTP API (default)")
	printCommand(w, "health", "Probe a running server's /health endpoint")
	_, _ = fmt.Fprintln(w)

	printSection(w, "TOOLS")
	printCommand(w, "digest", "Print the SHA-256 integrity digest of a file")
	printCommand(w, "verify", "Check a file against a recorded digest")
	printCommand(w, "token", "Issue a signing token with the configured APP_SECRET")
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "Run '%scountersign <command> -h%s' for command flags.\n", ColorCyan, ColorReset)
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
