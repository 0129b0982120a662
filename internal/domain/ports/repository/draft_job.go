package repository

import (
	"context"
	"time"

	"crm-draft-queue/internal/domain/model"
)

// DraftJobFilter narrows List; zero values mean "any".
type DraftJobFilter struct {
	Status        model.DraftJobStatus
	ApprovalState model.ApprovalState
	ThreadID      string
	Offset        int
	Limit         int
}

type DraftJobRepository interface {
	// Create inserts a new job only if no active job (pending, generating or
	// completed) exists for the same (owner, thread). It returns
	// domain.ErrAlreadyExists when the insert was suppressed.
	Create(ctx context.Context, tx Tx, job *model.DraftJob) error

	// Update writes the row, except approval_state, only if the stored status
	// still equals from. Returns domain.ErrConflict when the row moved on, domain.ErrAlreadyExists
	// when the new status would break thread uniqueness.
	Update(ctx context.Context, tx Tx, job *model.DraftJob, from model.DraftJobStatus) error

	// UpdateApproval sets approval_state alone so it never races the worker's
	// status writes. Returns domain.ErrNotFound when the owner has no such job.
	UpdateApproval(ctx context.Context, tx Tx, ownerID, id string, state model.ApprovalState, now time.Time) error

	FindByID(ctx context.Context, tx Tx, id string) (*model.DraftJob, error)
	FindByIDForOwner(ctx context.Context, tx Tx, ownerID, id string) (*model.DraftJob, error)

	// FindByThread returns the oldest job of (owner, thread) whose status is in
	// statuses, skipping excludeID.
	FindByThread(ctx context.Context, tx Tx, ownerID, threadID string, statuses []model.DraftJobStatus, excludeID string) (*model.DraftJob, error)

	// FindBySourceMessage returns the most recently updated job for a source message.
	FindBySourceMessage(ctx context.Context, tx Tx, ownerID, sourceMessageID string) (*model.DraftJob, error)

	// ListDispatchable returns pending jobs due at now, one per thread (the
	// oldest), ordered by priority desc then created_at asc.
	ListDispatchable(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.DraftJob, error)

	// ListStuck returns generating jobs last touched before cutoff.
	ListStuck(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.DraftJob, error)

	List(ctx context.Context, tx Tx, ownerID string, f DraftJobFilter) ([]*model.DraftJob, error)

	// DeleteForOwner removes a job owned by ownerID. Returns domain.ErrNotFound
	// when no such row exists for that owner.
	DeleteForOwner(ctx context.Context, tx Tx, ownerID, id string) error
}
