package adapter

import (
	"context"
	"time"
)

// MailMessage is one message of a mailbox thread, normalized at the boundary.
type MailMessage struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
	From            string
	To              []string
	Cc              []string
	References      []string
	SentAt          time.Time
}

// ArtifactRef identifies a draft stored in the mailbox.
type ArtifactRef struct {
	ID       string
	ThreadID string
	// Body is the draft text as listed by the mailbox; empty on create.
	Body string
}

// SentRef identifies the message produced by sending a draft.
type SentRef struct {
	MessageID string
	ThreadID  string
}

// ReplyTarget is the reply-chain metadata derived from a thread.
type ReplyTarget struct {
	ReplyToMessageID string
	References       string
	To               []string
	Cc               []string
}

// DraftRequest is everything needed to create a reply draft.
type DraftRequest struct {
	OwnerID  string
	ThreadID string
	Subject  string
	Body     string
	Reply    ReplyTarget
}

// MailboxAPI is the raw external mailbox gateway.
type MailboxAPI interface {
	AccountAddress(ctx context.Context, ownerID string) (string, error)
	ListThreadMessages(ctx context.Context, ownerID, threadID string) ([]MailMessage, error)
	ListDraftsForThread(ctx context.Context, ownerID, threadID string) ([]ArtifactRef, error)
	CreateDraft(ctx context.Context, req DraftRequest) (ArtifactRef, error)
	SendDraft(ctx context.Context, ownerID, artifactID string) (SentRef, error)
	DeleteDraft(ctx context.Context, ownerID, artifactID string) error
}

// DraftArtifactClient creates drafts with a duplicate check against the
// mailbox's existing drafts for the thread. SendDraft returns an error
// wrapping domain.ErrArtifactNotFound when the draft was deleted externally.
type DraftArtifactClient interface {
	CreateDraft(ctx context.Context, req DraftRequest) (ref ArtifactRef, reused bool, err error)
	SendDraft(ctx context.Context, ownerID, artifactID string) (SentRef, error)
	DeleteDraft(ctx context.Context, ownerID, artifactID string) error
}
