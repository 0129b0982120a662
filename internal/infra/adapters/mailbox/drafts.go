package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/infra/metrics"
)

var _ adapter.DraftArtifactClient = (*DraftClient)(nil)

// DraftClient guards draft creation with a scan of the drafts the mailbox
// already holds for the thread. A reclaimed job racing its abandoned
// predecessor ends up with the predecessor's draft instead of a second one.
type DraftClient struct {
	api adapter.MailboxAPI
	log *zerolog.Logger
}

func NewDraftClient(api adapter.MailboxAPI, logger *zerolog.Logger) *DraftClient {
	l := logger.With().Str("component", "DraftClient").Logger()
	return &DraftClient{api: api, log: &l}
}

func (c *DraftClient) CreateDraft(ctx context.Context, req adapter.DraftRequest) (adapter.ArtifactRef, bool, error) {
	if req.OwnerID == "" || req.ThreadID == "" {
		return adapter.ArtifactRef{}, false, domain.ErrInvalidArgument
	}
	// Fail closed: without the scan we cannot tell whether a draft exists.
	existing, err := c.api.ListDraftsForThread(ctx, req.OwnerID, req.ThreadID)
	if err != nil {
		return adapter.ArtifactRef{}, false, fmt.Errorf("list drafts: %w", err)
	}
	for _, ref := range existing {
		if ref.ThreadID == "" || ref.ThreadID == req.ThreadID {
			if ref.ThreadID == "" {
				ref.ThreadID = req.ThreadID
			}
			c.log.Info().Str("owner_id", req.OwnerID).Str("thread_id", req.ThreadID).Str("artifact_id", ref.ID).
				Msg("draft already exists for thread; reusing")
			metrics.IncDraftArtifact("reused")
			return ref, true, nil
		}
	}

	ref, err := c.api.CreateDraft(ctx, req)
	if err != nil {
		return adapter.ArtifactRef{}, false, fmt.Errorf("create draft: %w", err)
	}
	metrics.IncDraftArtifact("created")
	return ref, false, nil
}

func (c *DraftClient) SendDraft(ctx context.Context, ownerID, artifactID string) (adapter.SentRef, error) {
	if artifactID == "" {
		return adapter.SentRef{}, domain.ErrArtifactNotFound
	}
	sent, err := c.api.SendDraft(ctx, ownerID, artifactID)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			metrics.IncDraftArtifact("lost")
		}
		return adapter.SentRef{}, err
	}
	metrics.IncDraftArtifact("sent")
	return sent, nil
}

func (c *DraftClient) DeleteDraft(ctx context.Context, ownerID, artifactID string) error {
	if artifactID == "" {
		return nil
	}
	if err := c.api.DeleteDraft(ctx, ownerID, artifactID); err != nil {
		return err
	}
	metrics.IncDraftArtifact("deleted")
	return nil
}
