package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/orchestrate"
	"github.com/Quillon-Labs/orderdesk/pkg/resolve"
	"github.com/Quillon-Labs/orderdesk/pkg/store/evidence"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// allowedExtensions are the workbook formats the intake accepts.
var allowedExtensions = map[string]bool{
	".xlsx": true,
	".xlsm": true,
	".csv":  true,
}

type fileUploadedRequest struct {
	CaseID         string `json:"case_id"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	ActivityID     string `json:"activity_id,omitempty"`
	FileName       string `json:"file_name"`
	FileHash       string `json:"file_hash,omitempty"`
	// Exactly one of BlobPointer and ContentBase64 carries the workbook:
	// a pointer into the incoming bucket when the adapter staged the file
	// itself, inline bytes otherwise.
	BlobPointer   string `json:"blob_pointer,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
}

// handleFileUploaded creates a case from an uploaded workbook. Reposting the
// same case id is safe; a new file for a blocked case goes back through
// parsing. The decoded workbook must fit MaxUploadBytes exactly: the byte at
// the limit is accepted, one past it is 413.
func (s *Server) handleFileUploaded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	// Transport bound: the JSON envelope plus base64 expansion of a file at
	// the size limit.
	maxBody := s.opts.MaxUploadBytes + s.opts.MaxUploadBytes/2 + 64*1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var req fileUploadedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WritePayloadTooLarge(w, fmt.Sprintf("request body exceeds %d bytes", maxBody))
			return
		}
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	if req.CaseID == "" || req.TenantID == "" || req.UserID == "" || req.FileName == "" {
		WriteBadRequest(w, "case_id, tenant_id, user_id and file_name are required")
		return
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !allowedExtensions[ext] {
		WriteBadRequest(w, fmt.Sprintf("file extension %q is not a spreadsheet workbook (.xlsx, .xlsm, .csv)", ext))
		return
	}

	content, err := s.resolveUploadContent(r, &req)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if int64(len(content)) > s.opts.MaxUploadBytes {
		WritePayloadTooLarge(w, fmt.Sprintf("file is %d bytes, limit is %d", len(content), s.opts.MaxUploadBytes))
		return
	}
	if req.FileHash != "" {
		want := strings.TrimPrefix(req.FileHash, "sha256:")
		if got := canonicalize.HashBytes(content); got != want {
			WriteBadRequest(w, "file_hash does not match the uploaded content")
			return
		}
	}

	correlationID := CorrelationID(r.Context())
	if correlationID == "" {
		correlationID = req.CaseID
	}
	actor := contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)}

	c, err := s.orch.CreateCase(r.Context(), orchestrate.Intake{
		CaseID:         req.CaseID,
		TenantID:       req.TenantID,
		UploaderID:     req.UserID,
		ConversationID: req.ConversationID,
		CorrelationID:  correlationID,
		FileName:       req.FileName,
		Content:        content,
		Actor:          actor,
	})
	if errors.Is(err, orchestrate.ErrCaseMismatch) {
		// Same case id, different bytes. Legal only as the re-upload a
		// blocked parse is waiting for.
		existing, gerr := s.store.GetCase(r.Context(), req.CaseID)
		if gerr != nil {
			WriteInternal(w, gerr)
			return
		}
		if existing.Status != contracts.StatusParseBlocked {
			WriteConflict(w, fmt.Sprintf("case %s already exists with different content", req.CaseID))
			return
		}
		if rerr := s.orch.ReuploadFile(r.Context(), req.CaseID, req.FileName, content, actor); rerr != nil {
			s.writeOrchestrateError(w, rerr)
			return
		}
		c, gerr = s.store.GetCase(r.Context(), req.CaseID)
		if gerr != nil {
			WriteInternal(w, gerr)
			return
		}
		writeJSON(w, http.StatusAccepted, caseView(c))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, caseView(c))
}

// resolveUploadContent returns the workbook bytes from whichever carrier the
// request used.
func (s *Server) resolveUploadContent(r *http.Request, req *fileUploadedRequest) ([]byte, error) {
	switch {
	case req.ContentBase64 != "" && req.BlobPointer != "":
		return nil, errors.New("content_base64 and blob_pointer are mutually exclusive")
	case req.ContentBase64 != "":
		content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return nil, errors.New("content_base64 is not valid base64")
		}
		if len(content) == 0 {
			return nil, errors.New("uploaded file is empty")
		}
		return content, nil
	case req.BlobPointer != "":
		bucket, key, ok := evidence.SplitPointer(req.BlobPointer)
		if !ok {
			return nil, errors.New("blob_pointer must be bucket/key")
		}
		content, err := s.evidence.GetObject(r.Context(), bucket, key)
		if err != nil {
			return nil, fmt.Errorf("blob_pointer %s: %s", req.BlobPointer, "object not found")
		}
		return content, nil
	default:
		return nil, errors.New("one of content_base64 or blob_pointer is required")
	}
}

type correctionsRequest struct {
	CaseID      string                `json:"case_id"`
	UserID      string                `json:"user_id"`
	Corrections contracts.Corrections `json:"corrections"`
}

func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	var req correctionsRequest
	if !s.decodeBotPost(w, r, &req, func() bool { return req.CaseID != "" && req.UserID != "" }) {
		return
	}
	if err := req.Corrections.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	s.applyHumanEvent(w, r, contracts.HumanEvent{
		Type:   contracts.HumanCorrectionsSubmitted,
		CaseID: req.CaseID,
		Actor:  contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)},
		Payload: map[string]any{
			"mappings":      req.Corrections.Mappings,
			"customer_text": req.Corrections.CustomerText,
			"note":          req.Corrections.Note,
		},
	})
}

type approvalRequest struct {
	CaseID   string `json:"case_id"`
	UserID   string `json:"user_id"`
	Approved *bool  `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !s.decodeBotPost(w, r, &req, func() bool {
		return req.CaseID != "" && req.UserID != "" && req.Approved != nil
	}) {
		return
	}
	s.applyHumanEvent(w, r, contracts.HumanEvent{
		Type:    contracts.HumanApprovalReceived,
		CaseID:  req.CaseID,
		Actor:   contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)},
		Payload: map[string]any{"approved": *req.Approved, "note": req.Note},
	})
}

type customerSelectedRequest struct {
	CaseID     string `json:"case_id"`
	UserID     string `json:"user_id"`
	CustomerID string `json:"customer_id"`
}

func (s *Server) handleCustomerSelected(w http.ResponseWriter, r *http.Request) {
	var req customerSelectedRequest
	if !s.decodeBotPost(w, r, &req, func() bool {
		return req.CaseID != "" && req.UserID != "" && req.CustomerID != ""
	}) {
		return
	}
	s.applyHumanEvent(w, r, contracts.HumanEvent{
		Type:    contracts.HumanCustomerSelected,
		CaseID:  req.CaseID,
		Actor:   contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)},
		Payload: map[string]any{"customer_id": req.CustomerID},
	})
}

type itemSelectedRequest struct {
	CaseID   string `json:"case_id"`
	UserID   string `json:"user_id"`
	RowIndex *int   `json:"row_index"`
	ItemID   string `json:"item_id"`
}

func (s *Server) handleItemSelected(w http.ResponseWriter, r *http.Request) {
	var req itemSelectedRequest
	if !s.decodeBotPost(w, r, &req, func() bool {
		return req.CaseID != "" && req.UserID != "" && req.RowIndex != nil && req.ItemID != ""
	}) {
		return
	}
	s.applyHumanEvent(w, r, contracts.HumanEvent{
		Type:    contracts.HumanItemSelected,
		CaseID:  req.CaseID,
		Actor:   contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)},
		Payload: map[string]any{"row_index": *req.RowIndex, "item_id": req.ItemID},
	})
}

type cancelRequest struct {
	CaseID string `json:"case_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decodeBotPost(w, r, &req, func() bool { return req.CaseID != "" && req.UserID != "" }) {
		return
	}
	s.applyHumanEvent(w, r, contracts.HumanEvent{
		Type:    contracts.HumanCancel,
		CaseID:  req.CaseID,
		Actor:   contracts.Actor{Type: contracts.ActorUser, UserID: req.UserID, IP: clientIP(r)},
		Payload: map[string]any{"reason": req.Reason},
	})
}

// decodeBotPost enforces method and body shape for the small human-event
// posts and reports whether the handler may proceed.
func (s *Server) decodeBotPost(w http.ResponseWriter, r *http.Request, v any, valid func() bool) bool {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return false
	}
	if !valid() {
		WriteBadRequest(w, "missing required fields")
		return false
	}
	return true
}

// applyHumanEvent routes the action to the orchestrator and answers with the
// refreshed case.
func (s *Server) applyHumanEvent(w http.ResponseWriter, r *http.Request, hev contracts.HumanEvent) {
	hev.At = time.Now().UTC()
	if err := s.orch.HandleHumanEvent(r.Context(), hev); err != nil {
		s.writeOrchestrateError(w, err)
		return
	}
	c, err := s.store.GetCase(r.Context(), hev.CaseID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, caseView(c))
}

// writeOrchestrateError maps orchestrator errors onto problem responses.
func (s *Server) writeOrchestrateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		WriteNotFound(w, "case not found")
	case errors.Is(err, orchestrate.ErrNotWaiting):
		WriteConflict(w, err.Error())
	case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrSequenceConflict):
		WriteConflict(w, "case changed concurrently, retry")
	case errors.Is(err, resolve.ErrNotInCatalog):
		WriteBadRequest(w, "selected id is not in the catalog")
	default:
		WriteInternal(w, err)
	}
}
