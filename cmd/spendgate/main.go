// Command spendgate runs the policy-enforcing gateway for third-party LLM
// inference APIs, plus its operational subcommands.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand. No arguments means serve.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "worker":
		return runWorker(stderr)
	case "bootstrap":
		return runBootstrap(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: spendgate [command]

Commands:
  serve       Run the gateway and an embedded accounting worker (default)
  worker      Run a standalone accounting worker
  bootstrap   Create a tenant and print a generated API key
  doctor      Probe cache, database, and provider configuration
  help        Show this help
`)
}
