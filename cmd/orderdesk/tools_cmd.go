package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// runParseCmd implements `orderdesk parse <file>`: it ships a spreadsheet to
// the daemon's parse tool and prints the canonical order plus evidence pack.
func runParseCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("parse", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		server string
		key    string
		caseID string
		tenant string
	)
	cmd.StringVar(&server, "server", envOr("ORDERDESK_SERVER", "http://localhost:8080"), "Daemon base URL")
	cmd.StringVar(&key, "key", os.Getenv("TOOLS_SUBSCRIPTION_KEY"), "Tool subscription key")
	cmd.StringVar(&caseID, "case", "", "Case id to stamp on the extraction")
	cmd.StringVar(&tenant, "tenant", "", "Tenant id to stamp on the extraction")

	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: parse expects exactly one spreadsheet file")
		return exitValidation
	}
	file := cmd.Arg(0)

	content, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitValidation
	}

	client := newToolClient(server, key, "")
	status, body, err := client.postJSON(context.Background(), "/tools/parse", map[string]any{
		"case_id":        caseID,
		"tenant_id":      tenant,
		"file_name":      filepath.Base(file),
		"content_base64": base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitTransient
	}
	if status != http.StatusOK {
		return client.reportFailure(stderr, status, body)
	}
	printJSON(stdout, body)
	return exitOK
}

// runReviewCmd implements `orderdesk committee-review <pack.json>`: one
// committee round over an evidence pack, result printed as JSON.
func runReviewCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("committee-review", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		server  string
		key     string
		caseID  string
		attempt int
	)
	cmd.StringVar(&server, "server", envOr("ORDERDESK_SERVER", "http://localhost:8080"), "Daemon base URL")
	cmd.StringVar(&key, "key", os.Getenv("TOOLS_SUBSCRIPTION_KEY"), "Tool subscription key")
	cmd.StringVar(&caseID, "case", "cli-review", "Case id for the committee round")
	cmd.IntVar(&attempt, "attempt", 1, "Attempt number, drives panel rotation")

	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: committee-review expects exactly one evidence pack file")
		return exitValidation
	}

	data, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitValidation
	}
	var pack json.RawMessage
	if err := json.Unmarshal(data, &pack); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: evidence pack is not valid JSON: %v\n", err)
		return exitValidation
	}

	client := newToolClient(server, key, "")
	status, body, err := client.postJSON(context.Background(), "/tools/committee-review", map[string]any{
		"case_id": caseID,
		"attempt": attempt,
		"pack":    pack,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitTransient
	}
	if status != http.StatusOK {
		return client.reportFailure(stderr, status, body)
	}
	printJSON(stdout, body)
	return exitOK
}

// runCreateDraftCmd implements `orderdesk create-draft <order.json>`: it
// submits a resolved canonical order through the daemon's fingerprint gate.
// A 502 means the books backend rejected the order for good, so it maps to
// the validation exit code rather than the transient one.
func runCreateDraftCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("create-draft", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		server string
		key    string
	)
	cmd.StringVar(&server, "server", envOr("ORDERDESK_SERVER", "http://localhost:8080"), "Daemon base URL")
	cmd.StringVar(&key, "key", os.Getenv("TOOLS_SUBSCRIPTION_KEY"), "Tool subscription key")

	if err := cmd.Parse(args); err != nil {
		return exitValidation
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: create-draft expects exactly one canonical order file")
		return exitValidation
	}

	data, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitValidation
	}
	var order json.RawMessage
	if err := json.Unmarshal(data, &order); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: canonical order is not valid JSON: %v\n", err)
		return exitValidation
	}

	client := newToolClient(server, key, "")
	status, body, err := client.postJSON(context.Background(), "/tools/zoho/create-draft-salesorder", order)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitTransient
	}

	switch status {
	case http.StatusCreated:
		printJSON(stdout, body)
		return exitOK
	case http.StatusOK:
		_, _ = fmt.Fprintln(stdout, "Draft already exists for this fingerprint:")
		printJSON(stdout, body)
		return exitOK
	case http.StatusBadGateway:
		_, _ = fmt.Fprintf(stderr, "Error: order rejected by the books backend: %s\n", problemText(body))
		return exitValidation
	default:
		return client.reportFailure(stderr, status, body)
	}
}
