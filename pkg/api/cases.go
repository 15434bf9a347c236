package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// CaseView is the case browser's projection of a case. Lease bookkeeping
// stays internal.
type CaseView struct {
	CaseID               string                    `json:"case_id"`
	TenantID             string                    `json:"tenant_id"`
	UploaderID           string                    `json:"uploader_id"`
	ConversationID       string                    `json:"conversation_id,omitempty"`
	FileName             string                    `json:"file_name"`
	FileHash             string                    `json:"file_hash"`
	Status               contracts.CaseStatus      `json:"status"`
	CorrelationID        string                    `json:"correlation_id"`
	CreatedAt            time.Time                 `json:"created_at"`
	UpdatedAt            time.Time                 `json:"updated_at"`
	WaitDeadline         *time.Time                `json:"wait_deadline,omitempty"`
	ResolvedCustomerID   string                    `json:"resolved_customer_id,omitempty"`
	ResolvedCustomerName string                    `json:"resolved_customer_name,omitempty"`
	ExternalOrderID      string                    `json:"external_order_id,omitempty"`
	Order                *contracts.CanonicalOrder `json:"order,omitempty"`
}

func caseView(c *contracts.Case) *CaseView {
	return &CaseView{
		CaseID:               c.CaseID,
		TenantID:             c.TenantID,
		UploaderID:           c.UploaderID,
		ConversationID:       c.ConversationID,
		FileName:             c.FileName,
		FileHash:             c.FileHash,
		Status:               c.Status,
		CorrelationID:        c.CorrelationID,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
		WaitDeadline:         c.WaitDeadline,
		ResolvedCustomerID:   c.ResolvedCustomerID,
		ResolvedCustomerName: c.ResolvedCustomerName,
		ExternalOrderID:      c.ExternalOrderID,
	}
}

// scopeFilter narrows a listing filter to what the caller's strongest role
// may see: auditors everything, managers their tenant, sales users their own
// uploads.
func scopeFilter(p *Principal, f *state.CaseFilter) error {
	switch {
	case p.HasRole(RoleOpsAuditor):
		return nil
	case p.HasRole(RoleSalesManager):
		f.TenantID = p.TenantID
		return nil
	case p.HasRole(RoleSalesUser):
		f.TenantID = p.TenantID
		f.UploaderID = p.ID
		return nil
	}
	return errors.New("no case browser role")
}

// canSeeCase mirrors scopeFilter for a single record.
func canSeeCase(p *Principal, c *contracts.Case) bool {
	switch {
	case p.HasRole(RoleOpsAuditor):
		return true
	case p.HasRole(RoleSalesManager):
		return c.TenantID == p.TenantID
	case p.HasRole(RoleSalesUser):
		return c.TenantID == p.TenantID && c.UploaderID == p.ID
	}
	return false
}

// handleCases lists cases matching the query, scoped by role. Supported
// query parameters: status, customer, dateFrom, dateTo, userId, limit,
// offset.
func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	q := r.URL.Query()
	f := state.CaseFilter{
		Status:     contracts.CaseStatus(q.Get("status")),
		Customer:   q.Get("customer"),
		UploaderID: q.Get("userId"),
	}
	if f.Status != "" && !f.Status.Valid() {
		WriteBadRequest(w, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	if v := q.Get("dateFrom"); v != "" {
		t, perr := parseQueryTime(v)
		if perr != nil {
			WriteBadRequest(w, "dateFrom must be RFC 3339 or YYYY-MM-DD")
			return
		}
		f.DateFrom = t
	}
	if v := q.Get("dateTo"); v != "" {
		t, perr := parseQueryTime(v)
		if perr != nil {
			WriteBadRequest(w, "dateTo must be RFC 3339 or YYYY-MM-DD")
			return
		}
		f.DateTo = t
	}
	if v := q.Get("limit"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}

	if err := scopeFilter(p, &f); err != nil {
		WriteForbidden(w, err.Error())
		return
	}

	cases, err := s.store.ListCases(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	total, err := s.store.CountCases(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	views := make([]*CaseView, 0, len(cases))
	for i := range cases {
		views = append(views, caseView(&cases[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases":  views,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// handleCaseRouter serves /cases/{id}, /cases/{id}/audit and
// /cases/{id}/download-sas.
func (s *Server) handleCaseRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/cases/")
	caseID, sub, _ := strings.Cut(rest, "/")
	if caseID == "" {
		WriteNotFound(w, "case id missing")
		return
	}

	p, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	c, err := s.store.GetCase(r.Context(), caseID)
	if errors.Is(err, state.ErrNotFound) {
		WriteNotFound(w, "case not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !canSeeCase(p, c) {
		// Hidden, not just forbidden: don't leak other tenants' case ids.
		WriteNotFound(w, "case not found")
		return
	}

	switch sub {
	case "":
		s.serveCase(w, r, c)
	case "audit":
		s.serveCaseAudit(w, r, p, c)
	case "download-sas":
		s.serveDownloadLink(w, r, c)
	default:
		WriteNotFound(w, "unknown case resource")
	}
}

// serveCase answers with the case and, when one exists, its canonical order
// snapshot.
func (s *Server) serveCase(w http.ResponseWriter, r *http.Request, c *contracts.Case) {
	view := caseView(c)
	_, data, err := s.evidence.GetArtifact(r.Context(), c.CaseID, evidence.ArtifactCanonical)
	if err == nil {
		var order contracts.CanonicalOrder
		if jerr := json.Unmarshal(data, &order); jerr == nil {
			view.Order = &order
		}
	} else if !errors.Is(err, evidence.ErrNotFound) {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// serveCaseAudit returns the ordered event log. Auditors additionally get
// the hash chain verdict.
func (s *Server) serveCaseAudit(w http.ResponseWriter, r *http.Request, p *Principal, c *contracts.Case) {
	events, err := s.store.ListEvents(r.Context(), c.CaseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp := map[string]any{
		"case_id": c.CaseID,
		"events":  events,
	}
	if p.HasRole(RoleOpsAuditor) {
		verified := true
		if verr := s.store.VerifyCaseChain(r.Context(), c.CaseID); verr != nil {
			verified = false
			s.logger.Warn("audit chain verification failed", "case_id", c.CaseID, "error", verr)
		}
		resp["chain_verified"] = verified
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveDownloadLink issues a time-limited signed link to the original file.
func (s *Server) serveDownloadLink(w http.ResponseWriter, r *http.Request, c *contracts.Case) {
	ref, _, err := s.evidence.GetOriginal(r.Context(), c.CaseID)
	if errors.Is(err, evidence.ErrNotFound) {
		WriteNotFound(w, "original file not stored yet")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	expires, sig, err := s.signer.Sign(ref.Bucket, ref.Key, s.opts.LinkTTL)
	if errors.Is(err, evidence.ErrSignerNotConfigured) {
		WriteUnavailable(w, 0, "download links are not configured")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        fmt.Sprintf("/files/%s/%s?expires=%d&sig=%s", ref.Bucket, ref.Key, expires, url.QueryEscape(sig)),
		"expires_at": time.Unix(expires, 0).UTC(),
		"file_name":  c.FileName,
	})
}

// handleSignedFile streams an evidence object to the holder of a valid
// signed link. The signature is the only authorization.
func (s *Server) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/files/")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		WriteNotFound(w, "object path must be bucket/key")
		return
	}
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "expires must be a unix timestamp")
		return
	}
	sig := q.Get("sig")
	if sig == "" {
		WriteBadRequest(w, "sig is required")
		return
	}
	if err := s.signer.Verify(bucket, key, expires, sig); err != nil {
		switch {
		case errors.Is(err, evidence.ErrLinkExpired):
			WriteForbidden(w, "link expired")
		case errors.Is(err, evidence.ErrSignerNotConfigured):
			WriteUnavailable(w, 0, "download links are not configured")
		default:
			WriteForbidden(w, "bad signature")
		}
		return
	}

	data, err := s.evidence.GetObject(r.Context(), bucket, key)
	if errors.Is(err, evidence.ErrNotFound) {
		WriteNotFound(w, "object not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
