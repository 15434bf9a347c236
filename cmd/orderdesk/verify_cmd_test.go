package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

func sealedChain(t *testing.T, caseID string, n int) []contracts.AuditEvent {
	t.Helper()
	events := make([]contracts.AuditEvent, 0, n)
	prev := ""
	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		e := contracts.AuditEvent{
			EventID:   "evt_" + string(rune('a'+i-1)),
			CaseID:    caseID,
			Sequence:  int64(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Type:      contracts.EventStepIntent,
			Actor:     contracts.SystemActor(),
			Data:      map[string]any{"step": i},
			PrevHash:  prev,
		}
		require.NoError(t, e.Seal())
		prev = e.Hash
		events = append(events, e)
	}
	return events
}

func auditServer(t *testing.T, caseID string, events []contracts.AuditEvent, wantToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cases/"+caseID+"/audit", r.URL.Path)
		if wantToken != "" {
			assert.Equal(t, "Bearer "+wantToken, r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"case_id": caseID,
			"events":  events,
		})
	}))
}

func TestVerifyAuditCmd(t *testing.T) {
	events := sealedChain(t, "case_77", 4)
	srv := auditServer(t, "case_77", events, "ops-token")
	defer srv.Close()

	var stdout, stderr bytes.Buffer

	code := runVerifyAuditCmd([]string{"--server", srv.URL, "--token", "ops-token", "case_77"}, &stdout, &stderr)

	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "audit chain verified")
	assert.Contains(t, stdout.String(), "case_77")
	assert.Contains(t, stdout.String(), "Events: 4")
}

func TestVerifyAuditCmdTamperedChain(t *testing.T) {
	events := sealedChain(t, "case_78", 4)
	events[2].Data["step"] = 99
	srv := auditServer(t, "case_78", events, "")
	defer srv.Close()

	var stdout, stderr bytes.Buffer

	code := runVerifyAuditCmd([]string{"--server", srv.URL, "case_78"}, &stdout, &stderr)

	assert.Equal(t, exitValidation, code)
	assert.Contains(t, stdout.String(), "audit chain BROKEN")
	assert.Contains(t, stdout.String(), "hash mismatch")
}

func TestVerifyAuditCmdJSONReport(t *testing.T) {
	events := sealedChain(t, "case_79", 2)
	srv := auditServer(t, "case_79", events, "")
	defer srv.Close()

	var stdout, stderr bytes.Buffer

	code := runVerifyAuditCmd([]string{"--server", srv.URL, "--json", "case_79"}, &stdout, &stderr)

	require.Equal(t, exitOK, code)
	var report auditReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, "case_79", report.CaseID)
	assert.Equal(t, 2, report.Events)
	assert.True(t, report.ChainVerified)
}

func TestVerifyAuditCmdForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"title":"Forbidden","detail":"requester is not assigned to this case","status":403}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer

	code := runVerifyAuditCmd([]string{"--server", srv.URL, "case_80"}, &stdout, &stderr)

	assert.Equal(t, exitAuth, code)
	assert.Contains(t, stderr.String(), "not assigned")
}

func TestVerifyAuditCmdMissingCaseID(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := runVerifyAuditCmd(nil, &stdout, &stderr)

	assert.Equal(t, exitValidation, code)
	assert.Contains(t, stderr.String(), "exactly one case id")
}
