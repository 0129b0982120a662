package model

import (
	"crypto/rand"
	"strings"
	"time"

	"crm-draft-queue/internal/domain"

	"github.com/oklog/ulid/v2"
)

type DraftJobStatus string

const (
	DraftJobStatusPending    DraftJobStatus = "pending"
	DraftJobStatusGenerating DraftJobStatus = "generating"
	DraftJobStatusCompleted  DraftJobStatus = "completed"
	DraftJobStatusFailed     DraftJobStatus = "failed"
	DraftJobStatusSent       DraftJobStatus = "sent"
)

// ActiveStatuses are the statuses covered by the one-job-per-thread rule.
var ActiveStatuses = []DraftJobStatus{
	DraftJobStatusPending,
	DraftJobStatusGenerating,
	DraftJobStatusCompleted,
}

func (s DraftJobStatus) IsActive() bool {
	switch s {
	case DraftJobStatusPending, DraftJobStatusGenerating, DraftJobStatusCompleted:
		return true
	}
	return false
}

func (s DraftJobStatus) Valid() bool {
	return s.IsActive() || s == DraftJobStatusFailed || s == DraftJobStatusSent
}

func ParseDraftJobStatus(s string) (DraftJobStatus, error) {
	st := DraftJobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", domain.ErrInvalidArgument
	}
	return st, nil
}

type ApprovalState string

const (
	ApprovalStateNew      ApprovalState = "new"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateSent     ApprovalState = "sent"
)

func ParseApprovalState(s string) (ApprovalState, error) {
	switch a := ApprovalState(strings.ToLower(strings.TrimSpace(s))); a {
	case ApprovalStateNew, ApprovalStateApproved, ApprovalStateSent:
		return a, nil
	}
	return "", domain.ErrInvalidArgument
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank gives the dequeue order; higher ranks are picked first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority accepts an empty string as medium.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PriorityMedium, nil
	}
	if !p.Valid() {
		return "", domain.ErrInvalidArgument
	}
	return p, nil
}

// GeneratorSettings overrides the defaults used when prompting the generator.
type GeneratorSettings struct {
	Tone              string `json:"tone,omitempty"`
	Persona           string `json:"persona,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
	Model             string `json:"model,omitempty"`
}

func (g *GeneratorSettings) IsZero() bool {
	return g == nil || (g.Tone == "" && g.Persona == "" && g.SystemInstruction == "" && g.Model == "")
}

// DraftJob is one attempt at producing a reply draft for an inbound message.
// Subject, sender and body are a snapshot taken at enqueue time.
type DraftJob struct {
	ID              string
	OwnerID         string
	SourceMessageID string
	ThreadID        string

	Subject       string
	SenderAddress string
	SenderName    string
	OriginalBody  string

	GeneratorSettings *GeneratorSettings
	GeneratedContent  string
	ArtifactID        string

	Status        DraftJobStatus
	ApprovalState ApprovalState
	Priority      Priority

	RetryCount    int
	MaxRetries    int
	LastError     string
	NextAttemptAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DraftJobParams carries the enqueue-time snapshot.
type DraftJobParams struct {
	OwnerID           string
	ThreadID          string
	SourceMessageID   string
	Subject           string
	SenderAddress     string
	SenderName        string
	OriginalBody      string
	GeneratorSettings *GeneratorSettings
	Priority          Priority
	MaxRetries        int
}

func (p DraftJobParams) Validate() error {
	if strings.TrimSpace(p.OwnerID) == "" || strings.TrimSpace(p.ThreadID) == "" || strings.TrimSpace(p.SourceMessageID) == "" {
		return domain.ErrInvalidArgument
	}
	if p.MaxRetries < 1 {
		return domain.ErrInvalidArgument
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return domain.ErrInvalidArgument
	}
	return nil
}

func NewDraftJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func NewDraftJob(p DraftJobParams, now time.Time) (*DraftJob, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	j := &DraftJob{
		ID:            NewDraftJobID(),
		Status:        DraftJobStatusPending,
		ApprovalState: ApprovalStateNew,
		MaxRetries:    p.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j.applySnapshot(p)
	return j, nil
}

func (j *DraftJob) applySnapshot(p DraftJobParams) {
	j.OwnerID = p.OwnerID
	j.ThreadID = p.ThreadID
	j.SourceMessageID = p.SourceMessageID
	j.Subject = p.Subject
	j.SenderAddress = p.SenderAddress
	j.SenderName = p.SenderName
	j.OriginalBody = p.OriginalBody
	j.GeneratorSettings = p.GeneratorSettings
	j.Priority = p.Priority
	if j.Priority == "" {
		j.Priority = PriorityMedium
	}
}

// Retarget reuses a terminal job for a source message that moved to another
// thread. The retry budget starts over for the new thread.
func (j *DraftJob) Retarget(p DraftJobParams, now time.Time) {
	j.applySnapshot(p)
	j.clearOutput()
	j.RetryCount = 0
	j.LastError = ""
	j.NextAttemptAt = nil
	j.Status = DraftJobStatusPending
	j.UpdatedAt = now
}

func (j *DraftJob) clearOutput() {
	j.GeneratedContent = ""
	j.ArtifactID = ""
}

func (j *DraftJob) IsTerminal() bool {
	return j.Status == DraftJobStatusCompleted || j.Status == DraftJobStatusFailed || j.Status == DraftJobStatusSent
}

// DueAt reports whether a pending job may be picked at now.
func (j *DraftJob) DueAt(now time.Time) bool {
	return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
}

func (j *DraftJob) MarkGenerating(now time.Time) error {
	if j.Status != DraftJobStatusPending {
		return domain.ErrInvalidTransition
	}
	j.Status = DraftJobStatusGenerating
	j.UpdatedAt = now
	return nil
}

func (j *DraftJob) MarkCompleted(artifactID, content string, now time.Time) error {
	if artifactID == "" {
		return domain.ErrInvalidArgument
	}
	j.Status = DraftJobStatusCompleted
	j.ArtifactID = artifactID
	j.GeneratedContent = content
	j.LastError = ""
	j.RetryCount = 0
	j.NextAttemptAt = nil
	j.UpdatedAt = now
	return nil
}

// CopyOutcome completes j with the artifact already produced by other.
func (j *DraftJob) CopyOutcome(other *DraftJob, now time.Time) {
	j.Status = DraftJobStatusCompleted
	j.ArtifactID = other.ArtifactID
	j.GeneratedContent = other.GeneratedContent
	j.LastError = ""
	j.RetryCount = 0
	j.NextAttemptAt = nil
	j.UpdatedAt = now
}

// MarkAttemptFailed books one failed attempt and returns true when the
// retry budget is exhausted and the job became failed.
func (j *DraftJob) MarkAttemptFailed(reason string, now time.Time, retryAt *time.Time) bool {
	j.RetryCount++
	j.LastError = reason
	j.clearOutput()
	j.UpdatedAt = now
	if j.RetryCount >= j.MaxRetries {
		j.Status = DraftJobStatusFailed
		j.NextAttemptAt = nil
		return true
	}
	j.Status = DraftJobStatusPending
	j.NextAttemptAt = retryAt
	return false
}

func (j *DraftJob) CanReset() bool {
	switch j.Status {
	case DraftJobStatusGenerating, DraftJobStatusFailed, DraftJobStatusCompleted:
		return true
	}
	return false
}

// Reset puts the job back in the queue. RetryCount is kept on purpose.
func (j *DraftJob) Reset(now time.Time) error {
	if !j.CanReset() {
		return domain.ErrInvalidTransition
	}
	j.clearOutput()
	j.LastError = ""
	j.NextAttemptAt = nil
	j.Status = DraftJobStatusPending
	j.UpdatedAt = now
	return nil
}

func (j *DraftJob) MarkSent(now time.Time) error {
	if j.Status != DraftJobStatusCompleted {
		return domain.ErrInvalidTransition
	}
	j.Status = DraftJobStatusSent
	j.ApprovalState = ApprovalStateSent
	j.UpdatedAt = now
	return nil
}

// ArtifactLost handles a draft that vanished from the mailbox before sending.
func (j *DraftJob) ArtifactLost(reason string, now time.Time) {
	j.clearOutput()
	j.Status = DraftJobStatusPending
	j.LastError = reason
	j.NextAttemptAt = nil
	j.UpdatedAt = now
}

func (j *DraftJob) SetApproval(state ApprovalState, now time.Time) {
	j.ApprovalState = state
	j.UpdatedAt = now
}

// Clone returns a deep copy, used by in-memory fakes and caches.
func (j *DraftJob) Clone() *DraftJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.GeneratorSettings != nil {
		gs := *j.GeneratorSettings
		cp.GeneratorSettings = &gs
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	return &cp
}
