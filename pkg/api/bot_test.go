package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// TestUploadToDraftOrder walks the full pipeline: upload, committee,
// catalog resolution, human approval, draft creation. Reposting the same
// upload afterwards must change nothing.
func TestUploadToDraftOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	body := uploadBody("case-e2e-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV))
	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body,
		header: map[string]string{correlationHeader: "case-e2e-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	var view CaseView
	decodeBody(t, w, &view)
	assert.Equal(t, "case-e2e-1", view.CaseID)
	assert.Equal(t, "case-e2e-1", view.CorrelationID)
	assert.False(t, view.Status.Terminal())

	parked := env.waitStatus(t, "case-e2e-1", contracts.StatusAwaitingApproval)
	assert.Equal(t, "cust_001", parked.ResolvedCustomerID)
	assert.Equal(t, "ACME Corporation", parked.ResolvedCustomerName)
	require.NotNil(t, parked.WaitDeadline)

	// The case view carries the resolved canonical order.
	w = env.do(t, request{method: http.MethodGet, path: "/cases/case-e2e-1", token: tok})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &view)
	require.NotNil(t, view.Order)
	require.Len(t, view.Order.LineItems, 2)
	assert.Equal(t, contracts.ResolutionResolved, view.Order.Customer.Resolution)
	for _, li := range view.Order.LineItems {
		assert.Equal(t, contracts.ResolutionResolved, li.Resolution.Status)
	}
	require.NotNil(t, view.Order.LineItems[0].UnitPriceResolved)
	assert.InDelta(t, 25.50, *view.Order.LineItems[0].UnitPriceResolved, 1e-9)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/approval", token: tok,
		body: map[string]any{"case_id": "case-e2e-1", "user_id": "manager-1", "approved": true},
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	done := env.waitStatus(t, "case-e2e-1", contracts.StatusCompleted)
	assert.Equal(t, "so_001", done.ExternalOrderID)
	assert.Equal(t, 1, env.books.callCount())

	// Reposting the identical upload is a no-op on a finished case.
	w = env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body})
	require.Equal(t, http.StatusAccepted, w.Code)
	decodeBody(t, w, &view)
	assert.Equal(t, contracts.StatusCompleted, view.Status)
	assert.Equal(t, "so_001", view.ExternalOrderID)
	assert.Equal(t, 1, env.books.callCount())
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)
	content := []byte(orderCSV)

	base := func() map[string]any {
		return uploadBody("case-v", "tenant-1", "user-1", "order.csv", content)
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
		detail string
	}{
		{"missing tenant", func(m map[string]any) { delete(m, "tenant_id") }, "required"},
		{"missing file name", func(m map[string]any) { delete(m, "file_name") }, "required"},
		{"bad extension", func(m map[string]any) { m["file_name"] = "order.pdf" }, "not a spreadsheet"},
		{"both carriers", func(m map[string]any) { m["blob_pointer"] = "orders-incoming/x" }, "mutually exclusive"},
		{"no carrier", func(m map[string]any) { delete(m, "content_base64") }, "required"},
		{"bad base64", func(m map[string]any) { m["content_base64"] = "%%%" }, "base64"},
		{"empty content", func(m map[string]any) { m["content_base64"] = "" }, "required"},
		{"hash mismatch", func(m map[string]any) { m["file_hash"] = "sha256:" + strings.Repeat("0", 64) }, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := base()
			tt.mutate(body)
			w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body})
			require.Equal(t, http.StatusBadRequest, w.Code, "body: %s", w.Body.String())
			var p ProblemDetail
			decodeBody(t, w, &p)
			assert.Contains(t, p.Detail, tt.detail)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: "{nope"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("wrong method", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/bot/file-uploaded", token: tok})
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

// TestUploadSizeBoundary pins the exact limit: a file of MaxUploadBytes is
// accepted, one more byte is 413, and a request body past the transport
// bound is 413 before any decoding.
func TestUploadSizeBoundary(t *testing.T) {
	const limit = 2048
	env := newTestEnv(t, Options{MaxUploadBytes: limit})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	upload := func(n int) int {
		content := []byte(strings.Repeat("a", n))
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
			body: uploadBody(fmt.Sprintf("case-size-%d", n), "tenant-1", "user-1", "big.csv", content),
		})
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, upload(limit), "file exactly at the limit")
	assert.Equal(t, http.StatusRequestEntityTooLarge, upload(limit+1), "one byte over")

	// A body the transport bound cuts off mid-read.
	maxBody := int64(limit) + limit/2 + 64*1024
	raw := `{"case_id":"case-size-t","content_base64":"` + strings.Repeat("A", int(maxBody)) + `"}`
	w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: raw})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploadBlobPointer(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)
	content := []byte(orderCSV)

	ref, err := env.evidence.PutOriginal(context.Background(), "staged-1", "order.csv", content)
	require.NoError(t, err)

	body := uploadBody("case-blob-1", "tenant-1", "user-1", "order.csv", content)
	delete(body, "content_base64")
	body["blob_pointer"] = ref.Pointer()

	w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())
	env.waitStatus(t, "case-blob-1", contracts.StatusAwaitingApproval)

	t.Run("dangling pointer", func(t *testing.T) {
		body := uploadBody("case-blob-2", "tenant-1", "user-1", "order.csv", content)
		delete(body, "content_base64")
		body["blob_pointer"] = "orders-incoming/nope/missing.csv"
		w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUploadConflictOnDifferentBytes(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-con-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-con-1", contracts.StatusAwaitingApproval)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-con-1", "tenant-1", "user-1", "other.csv", []byte(noCustomerCSV)),
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var p ProblemDetail
	decodeBody(t, w, &p)
	assert.Contains(t, p.Detail, "different content")
}

// TestReuploadAfterParseBlocked: a formula-bearing workbook blocks parsing;
// posting a corrected file under the same case id puts it back through the
// pipeline instead of conflicting.
func TestReuploadAfterParseBlocked(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	blocked := buildXLSX(t, true)
	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-re-1", "tenant-1", "user-1", "order.xlsx", blocked),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-re-1", contracts.StatusParseBlocked)

	fixed := buildXLSX(t, false)
	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-re-1", "tenant-1", "user-1", "order-fixed.xlsx", fixed),
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	parked := env.waitStatus(t, "case-re-1", contracts.StatusAwaitingApproval)
	assert.Equal(t, "order-fixed.xlsx", parked.FileName)
}

func TestCustomerSelectionFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-cust-1", "tenant-1", "user-1", "order.csv", []byte(noCustomerCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-cust-1", contracts.StatusAwaitingCustomerSelection)

	// A pick outside the catalog is rejected at the boundary.
	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/customer-selected", token: tok,
		body: map[string]any{"case_id": "case-cust-1", "user_id": "user-1", "customer_id": "cust_404"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/customer-selected", token: tok,
		body: map[string]any{"case_id": "case-cust-1", "user_id": "user-1", "customer_id": "cust_001"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	parked := env.waitStatus(t, "case-cust-1", contracts.StatusAwaitingApproval)
	assert.Equal(t, "cust_001", parked.ResolvedCustomerID)
}

func TestItemSelectionFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-item-1", "tenant-1", "user-1", "order.csv", []byte(unknownSKUCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-item-1", contracts.StatusAwaitingItemSelection)

	var view CaseView
	w = env.do(t, request{method: http.MethodGet, path: "/cases/case-item-1", token: tok})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &view)
	require.NotNil(t, view.Order)
	require.NotEmpty(t, view.Order.LineItems)
	row := view.Order.LineItems[0].RowIndex

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/item-selected", token: tok,
		body: map[string]any{"case_id": "case-item-1", "user_id": "user-1", "row_index": row, "item_id": "item_404"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/item-selected", token: tok,
		body: map[string]any{"case_id": "case-item-1", "user_id": "user-1", "row_index": row, "item_id": "item_001"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())
	env.waitStatus(t, "case-item-1", contracts.StatusAwaitingApproval)

	// The picked item resolves at its catalog rate.
	w = env.do(t, request{method: http.MethodGet, path: "/cases/case-item-1", token: tok})
	decodeBody(t, w, &view)
	require.NotNil(t, view.Order)
	require.NotEmpty(t, view.Order.LineItems)
	li := view.Order.LineItems[0]
	require.NotNil(t, li.Resolution.Resolved)
	assert.Equal(t, "item_001", li.Resolution.Resolved.ExternalID)
	require.NotNil(t, li.UnitPriceResolved)
	assert.InDelta(t, 25.50, *li.UnitPriceResolved, 1e-9)
}

// TestCommitteeOutageCorrections: with every provider down the committee
// round yields no valid votes and the case asks for corrections; once the
// panel is back a correction round drives it through.
func TestCommitteeOutageCorrections(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)
	env.providerDown.Store(true)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-out-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-out-1", contracts.StatusAwaitingCorrections)

	env.providerDown.Store(false)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/corrections-submitted", token: tok,
		body: map[string]any{
			"case_id": "case-out-1", "user_id": "user-1",
			"corrections": map[string]any{"customer_text": "Globex GmbH"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	parked := env.waitStatus(t, "case-out-1", contracts.StatusAwaitingApproval)
	assert.Equal(t, "cust_002", parked.ResolvedCustomerID, "corrected customer text wins over the sheet")
}

func TestApprovalRejectionLoops(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-rej-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-rej-1", contracts.StatusAwaitingApproval)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/approval", token: tok,
		body: map[string]any{"case_id": "case-rej-1", "user_id": "manager-1", "approved": false, "note": "price looks off"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var view CaseView
	decodeBody(t, w, &view)
	assert.Equal(t, contracts.StatusAwaitingCorrections, view.Status)
	assert.Equal(t, 0, env.books.callCount(), "a rejected order never reaches the external system")

	// Another corrections round brings it back to approval, and this time
	// the manager signs off.
	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/corrections-submitted", token: tok,
		body: map[string]any{
			"case_id": "case-rej-1", "user_id": "user-1",
			"corrections": map[string]any{"customer_text": "ACME Corporation"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-rej-1", contracts.StatusAwaitingApproval)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/approval", token: tok,
		body: map[string]any{"case_id": "case-rej-1", "user_id": "manager-1", "approved": true},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-rej-1", contracts.StatusCompleted)
	assert.Equal(t, 1, env.books.callCount())
}

func TestCancelCase(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-can-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV)),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-can-1", contracts.StatusAwaitingApproval)

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/cancel", token: tok,
		body: map[string]any{"case_id": "case-can-1", "user_id": "user-1", "reason": "duplicate thread"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var view CaseView
	decodeBody(t, w, &view)
	assert.Equal(t, contracts.StatusCancelled, view.Status)
	assert.Equal(t, 0, env.books.callCount())

	// Terminal cases cannot be cancelled again.
	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/cancel", token: tok,
		body: map[string]any{"case_id": "case-can-1", "user_id": "user-1"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHumanEventErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	t.Run("unknown case", func(t *testing.T) {
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/approval", token: tok,
			body: map[string]any{"case_id": "case-none", "user_id": "u", "approved": true},
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/approval", token: tok,
			body: map[string]any{"case_id": "case-none", "user_id": "u"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, "approved is required")
	})

	t.Run("wrong state", func(t *testing.T) {
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
			body: uploadBody("case-state-1", "tenant-1", "user-1", "order.csv", []byte(noCustomerCSV)),
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		env.waitStatus(t, "case-state-1", contracts.StatusAwaitingCustomerSelection)

		w = env.do(t, request{
			method: http.MethodPost, path: "/bot/approval", token: tok,
			body: map[string]any{"case_id": "case-state-1", "user_id": "u", "approved": true},
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("corrections with nothing to apply", func(t *testing.T) {
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/corrections-submitted", token: tok,
			body: map[string]any{"case_id": "case-none", "user_id": "u", "corrections": map[string]any{}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no token", func(t *testing.T) {
		w := env.do(t, request{
			method: http.MethodPost, path: "/bot/cancel",
			body: map[string]any{"case_id": "case-none", "user_id": "u"},
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

// TestUploadIdempotencyKeyReplay: the replay cache answers a repeated
// webhook delivery without touching intake again, even if the retry body
// was mangled on the way.
func TestUploadIdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)
	hdr := map[string]string{"Idempotency-Key": "delivery-17"}

	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body:   uploadBody("case-idem-1", "tenant-1", "user-1", "order.csv", []byte(orderCSV)),
		header: hdr,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	first := w.Body.String()

	w = env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: "{broken json", header: hdr,
	})
	require.Equal(t, http.StatusAccepted, w.Code, "replayed, not re-parsed")
	assert.JSONEq(t, first, w.Body.String())
}

func TestUploadSkipsDecodeFailuresGracefully(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	// Junk bytes with a spreadsheet extension: intake accepts them, parse
	// blocks the case instead of failing it.
	junk := []byte{0x50, 0x4b, 0x99, 0x01, 0x02, 0x03}
	w := env.do(t, request{
		method: http.MethodPost, path: "/bot/file-uploaded", token: tok,
		body: uploadBody("case-junk-1", "tenant-1", "user-1", "order.xlsx", junk),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitStatus(t, "case-junk-1", contracts.StatusParseBlocked)
}

func TestUploadContentEncoding(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "user-1", "tenant-1", RoleSalesUser)

	// The hash must cover the decoded bytes, not the base64 text.
	content := []byte(orderCSV)
	body := uploadBody("case-enc-1", "tenant-1", "user-1", "order.csv", content)
	assert.Equal(t, base64.StdEncoding.EncodeToString(content), body["content_base64"])

	w := env.do(t, request{method: http.MethodPost, path: "/bot/file-uploaded", token: tok, body: body})
	require.Equal(t, http.StatusAccepted, w.Code)

	c, err := env.store.GetCase(context.Background(), "case-enc-1")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(body["file_hash"].(string), "sha256:"), c.FileHash)
}
