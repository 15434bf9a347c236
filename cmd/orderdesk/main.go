// Command orderdesk is the operator CLI for the order desk daemon. It fronts
// the tool endpoints (parse, committee-review, create-draft), verifies a
// case's audit hash chain, and runs offline committee calibration.
//
// Exit codes:
//
//	0 = success
//	1 = validation failure (bad input, rejected order, broken chain)
//	2 = authentication or authorization failure
//	3 = transient failure worth retrying
//	4 = fatal error
package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

const (
	exitOK         = 0
	exitValidation = 1
	exitAuth       = 2
	exitTransient  = 3
	exitFatal      = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitValidation
	}
	cmd, rest := args[1], args[2:]

	switch cmd {
	case "parse":
		return runParseCmd(rest, stdout, stderr)
	case "committee-review":
		return runReviewCmd(rest, stdout, stderr)
	case "create-draft":
		return runCreateDraftCmd(rest, stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(rest, stdout, stderr)
	case "calibrate":
		return runCalibrateCmd(rest, stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "orderdesk %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "orderdesk: unknown command %q\n", cmd)
		printUsage(stderr)
		return exitValidation
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: orderdesk <command> [flags]

Commands:
  parse <file>              Extract a spreadsheet into canonical order JSON
  committee-review <pack>   Run the provider committee over an evidence pack
  create-draft <order>      Create a draft sales order from canonical JSON
  verify-audit <case-id>    Fetch a case's audit events and verify the hash chain
  calibrate <golden>        Score providers against a golden set and write weights
  version                   Print the CLI version
  help                      Show this help

Environment:
  ORDERDESK_SERVER        Daemon base URL (default http://localhost:8080)
  TOOLS_SUBSCRIPTION_KEY  Subscription key for the tool endpoints
  ORDERDESK_TOKEN         Bearer token for case endpoints`)
}

// envOr reads an environment variable with a fallback, used for flag defaults.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
