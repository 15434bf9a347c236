package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"

	"github.com/Quillon-Labs/orderdesk/pkg/books"
	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
	"github.com/Quillon-Labs/orderdesk/pkg/catalog"
	"github.com/Quillon-Labs/orderdesk/pkg/committee"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/orchestrate"
	"github.com/Quillon-Labs/orderdesk/pkg/resolve"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

const testToolsKey = "test-subscription-key"

// testSignerKey signs download links in tests. Shared so tests can mint
// their own links against the same key.
var testSignerKey = []byte("0123456789abcdef0123456789abcdef")

// mirrorProvider is a committee member that votes for whichever column's
// header names the field. The pack travels through the prompt so ParseOutput
// stays stateless and panels can run in parallel.
type mirrorProvider struct {
	name   string
	family string
	down   *atomic.Bool
}

func (m *mirrorProvider) Name() string   { return m.name }
func (m *mirrorProvider) Family() string { return m.family }

func (m *mirrorProvider) PreparePrompt(pack *contracts.EvidencePack) (string, error) {
	b, err := json.Marshal(pack)
	return string(b), err
}

func (m *mirrorProvider) Invoke(_ context.Context, prompt string) (string, error) {
	if m.down != nil && m.down.Load() {
		return "", errors.New("provider offline")
	}
	return prompt, nil
}

var headerHints = map[contracts.FieldKey][]string{
	contracts.FieldCustomerName: {"customer", "client", "buyer"},
	contracts.FieldSKU:          {"sku", "item code"},
	contracts.FieldGTIN:         {"gtin", "ean", "barcode"},
	contracts.FieldProductName:  {"product", "description"},
	contracts.FieldQuantity:     {"qty", "quantity"},
	contracts.FieldUnitPrice:    {"unit price", "price", "rate"},
	contracts.FieldLineTotal:    {"total", "amount"},
}

func (m *mirrorProvider) ParseOutput(raw string) (*contracts.ProviderVote, error) {
	var pack contracts.EvidencePack
	if err := json.Unmarshal([]byte(raw), &pack); err != nil {
		return nil, err
	}
	vote := &contracts.ProviderVote{OverallConfidence: 0.9}
	used := map[string]bool{}
	for _, f := range pack.Fields {
		mv := contracts.MappingVote{Field: f, Confidence: 0.9}
		for _, col := range pack.Columns {
			if used[col.ID] {
				continue
			}
			header := strings.ToLower(col.Header)
			for _, hint := range headerHints[f] {
				if strings.Contains(header, hint) {
					id := col.ID
					mv.SelectedColumnID = &id
					used[col.ID] = true
					break
				}
			}
			if mv.SelectedColumnID != nil {
				break
			}
		}
		vote.Mappings = append(vote.Mappings, mv)
	}
	return vote, nil
}

type fakeSource struct {
	customers []contracts.CatalogCustomer
	items     []contracts.CatalogItem
}

func (f *fakeSource) FetchCustomers(context.Context) ([]contracts.CatalogCustomer, error) {
	return f.customers, nil
}

func (f *fakeSource) FetchItems(context.Context) ([]contracts.CatalogItem, error) {
	return f.items, nil
}

// fakeBooks hands out sequential draft ids. Workers call it concurrently
// with test assertions, so everything sits behind the mutex.
type fakeBooks struct {
	mu    sync.Mutex
	calls int
	err   error
	next  int
}

func (f *fakeBooks) CreateDraftSalesOrder(_ context.Context, _ *books.SalesOrderRequest) (*books.SalesOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.next++
	return &books.SalesOrder{
		SalesOrderID:     fmt.Sprintf("so_%03d", f.next),
		SalesOrderNumber: fmt.Sprintf("SO-%05d", f.next),
		Status:           "draft",
	}, nil
}

func (f *fakeBooks) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBooks) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// testEnv is a full boundary: sqlite state, filesystem evidence, mirror
// committee, catalog-backed resolver, fake Books client, and a running
// orchestrator behind the handler.
type testEnv struct {
	handler      http.Handler
	store        *state.Store
	evidence     evidence.Store
	books        *fakeBooks
	providerDown *atomic.Bool
	secret       []byte
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st := state.New(db, state.DialectSQLite)
	require.NoError(t, st.Init(context.Background()))

	ev, err := evidence.NewFileStore(t.TempDir(), "orders-incoming", "orders-audit")
	require.NoError(t, err)

	down := &atomic.Bool{}
	pool := []committee.Provider{
		&mirrorProvider{name: "anthropic:mirror-a", family: "anthropic", down: down},
		&mirrorProvider{name: "openai:mirror-b", family: "openai", down: down},
		&mirrorProvider{name: "google:mirror-c", family: "google", down: down},
	}

	src := &fakeSource{
		customers: []contracts.CatalogCustomer{
			{ExternalID: "cust_001", DisplayName: "ACME Corporation", Active: true},
			{ExternalID: "cust_002", DisplayName: "Globex GmbH", Active: true},
		},
		items: []contracts.CatalogItem{
			{ExternalID: "item_001", SKU: "SKU-001", Name: "Blue Widget", Rate: 25.50, Active: true},
			{ExternalID: "item_002", SKU: "SKU-002", Name: "Red Widget", Rate: 9.99, Active: true},
		},
	}

	extractor := extract.New(extract.Options{StrictFormulas: true})
	creator := &fakeBooks{}
	submitter := submit.New(creator, st, ev, submit.Options{
		RetryBase:   time.Millisecond,
		RetryCap:    4 * time.Millisecond,
		MaxAttempts: 3,
	})

	orch, err := orchestrate.New(orchestrate.Deps{
		Store:     st,
		Evidence:  ev,
		Extractor: extractor,
		Committee: committee.New(pool, committee.Options{}),
		Resolver:  resolve.New(catalog.New(src, st, time.Hour), resolve.Options{}),
		Submitter: submitter,
	}, orchestrate.Options{
		Workers:       2,
		LeaseTTL:      30 * time.Second,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		WaitTimeout:   time.Hour,
		RetryBatch:    10,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if opts.ToolsKey == "" {
		opts.ToolsKey = testToolsKey
	}
	secret := []byte("unit-test-signing-secret")
	srv := NewServer(Deps{
		Orchestrator: orch,
		Store:        st,
		Evidence:     ev,
		Signer:       evidence.NewSigner(testSignerKey),
		Extractor:    extractor,
		Committee:    committee.New(pool, committee.Options{}),
		Submitter:    submitter,
		Validator:    NewJWTValidator(secret),
	}, opts)

	return &testEnv{
		handler:      srv.Handler(),
		store:        st,
		evidence:     ev,
		books:        creator,
		providerDown: down,
		secret:       secret,
	}
}

func (e *testEnv) token(t *testing.T, sub, tenant string, roles ...string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
		Roles:    roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
	require.NoError(t, err)
	return s
}

type request struct {
	method string
	path   string
	token  string
	body   any
	header map[string]string
}

func (e *testEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	switch b := req.body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	for k, v := range req.header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func (e *testEnv) waitStatus(t *testing.T, caseID string, want contracts.CaseStatus) *contracts.Case {
	t.Helper()
	var last *contracts.Case
	require.Eventually(t, func() bool {
		c, err := e.store.GetCase(context.Background(), caseID)
		if err != nil {
			return false
		}
		last = c
		return c.Status == want
	}, 15*time.Second, 10*time.Millisecond, "case %s never reached %s, last seen %+v", caseID, want, last)
	return last
}

// orderCSV resolves end to end: known customer, two catalog SKUs at their
// list rates.
const orderCSV = "Customer,SKU,Qty,Unit Price\n" +
	"ACME Corporation,SKU-001,10,25.50\n" +
	"ACME Corporation,SKU-002,3,9.99\n"

// noCustomerCSV parses cleanly but nothing names the buyer.
const noCustomerCSV = "SKU,Qty,Unit Price\nSKU-001,4,25.50\n"

// unknownSKUCSV parses cleanly but its item is not in the catalog.
const unknownSKUCSV = "Customer,SKU,Qty,Unit Price\nACME Corporation,SKU-999,4,10.00\n"

func uploadBody(caseID, tenant, user, fileName string, content []byte) map[string]any {
	return map[string]any{
		"case_id":        caseID,
		"tenant_id":      tenant,
		"user_id":        user,
		"file_name":      fileName,
		"file_hash":      "sha256:" + canonicalize.HashBytes(content),
		"content_base64": base64.StdEncoding.EncodeToString(content),
	}
}

// buildXLSX renders a one-line workbook, optionally with a live formula that
// strict parsing must block on.
func buildXLSX(t *testing.T, withFormula bool) []byte {
	t.Helper()
	f := excelize.NewFile()
	headers := []string{"Customer", "SKU", "Qty", "Unit Price"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Sheet1", cell, h))
	}
	row := []any{"ACME Corporation", "SKU-001", 10, 25.5}
	for i, v := range row {
		cell, err := excelize.CoordinatesToCellName(i+1, 2)
		require.NoError(t, err)
		require.NoError(t, f.SetCellValue("Sheet1", cell, v))
	}
	if withFormula {
		require.NoError(t, f.SetCellFormula("Sheet1", "C2", "1+9"))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])

	w = env.do(t, request{method: http.MethodPost, path: "/health"})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, request{method: http.MethodGet, path: "/ready"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "ready", body["status"])
}
