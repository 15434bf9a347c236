package orchestrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/store/state"
)

// ErrCaseMismatch: a case with this id exists but was created from different
// file content.
var ErrCaseMismatch = errors.New("orchestrate: case exists with different content")

// Intake describes one uploaded workbook.
type Intake struct {
	CaseID         string
	TenantID       string
	UploaderID     string
	ConversationID string
	CorrelationID  string
	FileName       string
	Content        []byte
	Actor          contracts.Actor
}

// CreateCase stores the workbook, registers the case, and hands it to the
// worker pool. Reposting the same case id with identical content returns the
// existing case unchanged; different content is ErrCaseMismatch. The blob is
// written before the row, so a case row always has its original behind it;
// a worker backfills whatever an interrupted intake left undone.
func (o *Orchestrator) CreateCase(ctx context.Context, in Intake) (*contracts.Case, error) {
	if in.CaseID == "" || in.TenantID == "" || in.FileName == "" || len(in.Content) == 0 {
		return nil, fmt.Errorf("orchestrate: case id, tenant id, file name and content are required")
	}
	hash := canonicalize.HashBytes(in.Content)

	existing, err := o.store.GetCase(ctx, in.CaseID)
	if err == nil {
		if existing.FileHash != hash {
			return nil, ErrCaseMismatch
		}
		return existing, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	ref, err := o.evidence.PutOriginal(ctx, in.CaseID, in.FileName, in.Content)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: store original for %s: %w", in.CaseID, err)
	}

	now := o.now().UTC()
	c := &contracts.Case{
		CaseID:         in.CaseID,
		TenantID:       in.TenantID,
		UploaderID:     in.UploaderID,
		ConversationID: in.ConversationID,
		FileName:       in.FileName,
		FileHash:       hash,
		Status:         contracts.StatusCreated,
		CorrelationID:  in.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.CorrelationID == "" {
		c.CorrelationID = in.CaseID
	}
	created, err := o.store.CreateCase(ctx, c)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race against a concurrent post of the same id.
		racer, gerr := o.store.GetCase(ctx, in.CaseID)
		if gerr != nil {
			return nil, gerr
		}
		if racer.FileHash != hash {
			return nil, ErrCaseMismatch
		}
		return racer, nil
	}

	actor := in.Actor
	if actor.Type == "" {
		actor = contracts.Actor{Type: contracts.ActorUser, UserID: in.UploaderID}
	}
	ev := o.newEvent(in.CaseID, contracts.EventCaseCreated, contracts.StatusCreated, actor)
	ev.Data = map[string]any{
		"file_name":   in.FileName,
		"tenant_id":   in.TenantID,
		"uploader_id": in.UploaderID,
	}
	ev.Pointers = map[string]string{"original": ref.Pointer()}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := o.store.UpdateStatus(ctx, in.CaseID, contracts.StatusCreated, contracts.StatusStoringFile); err != nil {
		return nil, err
	}
	c.Status = contracts.StatusStoringFile
	o.caseOpened(ctx)
	return c, nil
}

// ReuploadFile replaces the workbook of a parse-blocked case and sends it
// back through parsing. Corrections tied to the old file stop applying once
// the new one is stored.
func (o *Orchestrator) ReuploadFile(ctx context.Context, caseID, fileName string, content []byte, actor contracts.Actor) error {
	if fileName == "" || len(content) == 0 {
		return fmt.Errorf("orchestrate: file name and content are required")
	}
	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != contracts.StatusParseBlocked {
		return fmt.Errorf("orchestrate: case %s is %s, not awaiting a new file: %w", caseID, c.Status, ErrNotWaiting)
	}

	hash := canonicalize.HashBytes(content)
	ref, err := o.evidence.PutOriginal(ctx, caseID, fileName, content)
	if err != nil {
		return fmt.Errorf("orchestrate: store original for %s: %w", caseID, err)
	}
	if err := o.store.SetFile(ctx, caseID, fileName, hash); err != nil {
		return err
	}
	if err := o.disarmDeadline(ctx, caseID); err != nil {
		return err
	}
	ev := o.newEvent(caseID, contracts.EventFileReuploaded, contracts.StatusStoringFile, actor)
	ev.Data = map[string]any{"file_name": fileName, "size": ref.Size, "hash": hash}
	ev.Pointers = map[string]string{"original": ref.Pointer()}
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return o.store.UpdateStatus(ctx, caseID, contracts.StatusParseBlocked, contracts.StatusStoringFile)
}
