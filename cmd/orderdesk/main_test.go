package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"orderdesk", "version"}, &stdout, &stderr)

	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout.String(), version)
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"orderdesk", "help"}, &stdout, &stderr)

	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout.String(), "Usage: orderdesk")
	assert.Contains(t, stdout.String(), "verify-audit")
}

func TestRunNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"orderdesk"}, &stdout, &stderr)

	assert.Equal(t, exitValidation, code)
	assert.Contains(t, stderr.String(), "Usage: orderdesk")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := Run([]string{"orderdesk", "frobnicate"}, &stdout, &stderr)

	assert.Equal(t, exitValidation, code)
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)
	assert.Contains(t, stderr.String(), "Usage: orderdesk")
}

func TestExitForStatus(t *testing.T) {
	cases := map[int]int{
		200: exitOK,
		201: exitOK,
		400: exitValidation,
		404: exitValidation,
		409: exitValidation,
		422: exitValidation,
		401: exitAuth,
		403: exitAuth,
		429: exitTransient,
		500: exitTransient,
		502: exitTransient,
		503: exitTransient,
	}
	for status, want := range cases {
		assert.Equal(t, want, exitForStatus(status), "status %d", status)
	}
}

func TestProblemText(t *testing.T) {
	assert.Equal(t, "Unauthorized: bad subscription key",
		problemText([]byte(`{"type":"about:blank","title":"Unauthorized","detail":"bad subscription key","status":401}`)))
	assert.Equal(t, "Not Found",
		problemText([]byte(`{"title":"Not Found"}`)))
	assert.Equal(t, "plain text body",
		problemText([]byte(" plain text body\n")))
}
