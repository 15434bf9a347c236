package api

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/submit"
)

// withToolsKey guards an internal tool endpoint with the shared subscription
// key. The comparison is constant-time.
func (s *Server) withToolsKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ToolsKey == "" {
			WriteUnauthorized(w, "tool endpoints are not configured")
			return
		}
		got := r.Header.Get("X-Subscription-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.ToolsKey)) != 1 {
			WriteUnauthorized(w, "invalid subscription key")
			return
		}
		next(w, r)
	}
}

type toolParseRequest struct {
	CaseID        string `json:"case_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	FileName      string `json:"file_name"`
	ContentBase64 string `json:"content_base64"`
}

// handleToolParse runs the extractor over an inline workbook and returns the
// canonical order with its evidence pack. Stateless: nothing is stored.
func (s *Server) handleToolParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	maxBody := s.opts.MaxUploadBytes + s.opts.MaxUploadBytes/2 + 64*1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req toolParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WritePayloadTooLarge(w, "request body too large")
			return
		}
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.FileName == "" || req.ContentBase64 == "" {
		WriteBadRequest(w, "file_name and content_base64 are required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		WriteBadRequest(w, "content_base64 is not valid base64")
		return
	}
	if int64(len(content)) > s.opts.MaxUploadBytes {
		WritePayloadTooLarge(w, "file exceeds the upload limit")
		return
	}

	caseID := req.CaseID
	if caseID == "" {
		caseID = "tool-parse"
	}
	meta := contracts.OrderMeta{
		CaseID:     caseID,
		TenantID:   req.TenantID,
		ReceivedAt: time.Now().UTC(),
		FileName:   req.FileName,
		FileHash:   canonicalize.HashBytes(content),
	}
	res, err := s.extractor.Extract(r.Context(), meta, content)
	if errors.Is(err, extract.ErrDecode) {
		WriteBadRequest(w, "file could not be decoded as a workbook")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order": res.Order,
		"pack":  res.Pack,
	})
}

type toolCommitteeRequest struct {
	CaseID  string                  `json:"case_id"`
	Attempt int                     `json:"attempt,omitempty"`
	Pack    *contracts.EvidencePack `json:"pack"`
}

// handleToolCommitteeReview runs one committee round over an evidence pack.
func (s *Server) handleToolCommitteeReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req toolCommitteeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.CaseID == "" || req.Pack == nil {
		WriteBadRequest(w, "case_id and pack are required")
		return
	}
	if err := req.Pack.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	res, err := s.committee.Review(r.Context(), req.CaseID, req.Attempt, req.Pack)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleToolCreateDraft submits a fully resolved canonical order through the
// fingerprint gate. The response status mirrors the submission outcome.
func (s *Server) handleToolCreateDraft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)

	var order contracts.CanonicalOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if err := order.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if order.Customer.Resolved == nil {
		WriteBadRequest(w, "order customer is not resolved")
		return
	}

	res, err := s.submitter.Submit(r.Context(), &order, 1)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	switch res.Outcome {
	case submit.OutcomeCreated:
		writeJSON(w, http.StatusCreated, res)
	case submit.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, res)
	case submit.OutcomeDeferred:
		retryAfter := int(res.RetryAfter / time.Second)
		WriteUnavailable(w, retryAfter, "external system deferred the submission: "+res.Reason)
	default:
		WriteError(w, http.StatusBadGateway, "Bad Gateway", "external system rejected the order: "+res.Reason)
	}
}
