// File: internal/usecase/draft_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/domain/ports/repository"
	"crm-draft-queue/internal/infra/logging"
	"crm-draft-queue/internal/infra/metrics"
)

// Compile-time check
var _ DraftUseCase = (*draftUC)(nil)

// DraftUseCase is the draft job queue: enqueue, the per-job worker algorithm,
// stuck-job recovery and the administrative operations.
type DraftUseCase interface {
	Enqueue(ctx context.Context, p model.DraftJobParams) (*model.DraftJob, error)

	Get(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
	List(ctx context.Context, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error)
	Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
	Reset(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
	UpdateApproval(ctx context.Context, ownerID, id, state string) (*model.DraftJob, error)
	Send(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
	BulkDelete(ctx context.Context, ownerID string, ids []string) (BulkDeleteResult, error)

	RunCycle(ctx context.Context) (CycleStats, error)
	Sweep(ctx context.Context, threshold time.Duration) (int, error)
}

// ThreadLocker serializes enqueue calls for one thread across processes.
type ThreadLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type DraftOptions struct {
	MaxRetries     int
	BatchSize      int
	StuckThreshold time.Duration
	CallTimeout    time.Duration // per external call; 0 = none
	BackoffBase    time.Duration // 0 = retry on the next cycle
	BackoffMax     time.Duration
	LockTTL        time.Duration
	Dev            bool

	Now    func() time.Time
	Jitter func() float64
}

// BulkDeleteResult reports per-id failures; the batch itself never fails.
type BulkDeleteResult struct {
	Deleted int
	Errors  map[string]string
}

// CycleStats summarizes one worker cycle.
type CycleStats struct {
	Reclaimed  int
	Dispatched int
}

const (
	sweepBatch      = 500
	maxBulkDelete   = 500
	maxListLimit    = 200
	maxErrorLength  = 1000
	alertTimeout    = 10 * time.Second
	artifactCleanup = 15 * time.Second
)

type draftUC struct {
	repo     repository.DraftJobRepository
	tm       repository.TransactionManager
	gen      adapter.ContentGenerator
	resolver *ReplyResolver
	drafts   adapter.DraftArtifactClient
	alerts   adapter.AlertNotifier
	locker   ThreadLocker // optional
	opts     DraftOptions
	now      func() time.Time
	log      *zerolog.Logger
}

func NewDraftUseCase(
	repo repository.DraftJobRepository,
	tm repository.TransactionManager,
	gen adapter.ContentGenerator,
	resolver *ReplyResolver,
	drafts adapter.DraftArtifactClient,
	alerts adapter.AlertNotifier,
	locker ThreadLocker,
	opts DraftOptions,
	logger *zerolog.Logger,
) *draftUC {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = 10 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &draftUC{
		repo:     repo,
		tm:       tm,
		gen:      gen,
		resolver: resolver,
		drafts:   drafts,
		alerts:   alerts,
		locker:   locker,
		opts:     opts,
		now:      now,
		log:      logging.Component(logger, "DraftUseCase"),
	}
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func (u *draftUC) Enqueue(ctx context.Context, p model.DraftJobParams) (*model.DraftJob, error) {
	defer logging.TraceDuration(u.log, "DraftUC.Enqueue")()

	if p.MaxRetries <= 0 {
		p.MaxRetries = u.opts.MaxRetries
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if u.locker != nil {
		key := enqueueLockKey(p.OwnerID, p.ThreadID)
		token, err := u.locker.TryLock(ctx, key, u.opts.LockTTL)
		switch {
		case err == nil:
			metrics.IncEnqueueLock("acquired")
			defer func() {
				if err := u.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
					u.log.Debug().Err(err).Str("key", key).Msg("enqueue unlock failed")
				}
			}()
		case errors.Is(err, domain.ErrConflict):
			// the store still enforces one active job per thread
			metrics.IncEnqueueLock("contended")
		default:
			metrics.IncEnqueueLock("error")
			u.log.Warn().Err(err).Msg("enqueue lock unavailable; relying on store uniqueness")
		}
	}

	job, result, err := u.enqueue(ctx, p)
	if err != nil {
		return nil, err
	}
	metrics.IncDraftJobEnqueued(result)
	u.jobLog(job).Debug().Str("result", result).Msg("enqueue")
	return job, nil
}

func (u *draftUC) enqueue(ctx context.Context, p model.DraftJobParams) (*model.DraftJob, string, error) {
	if job, err := u.repo.FindByThread(ctx, nil, p.OwnerID, p.ThreadID, model.ActiveStatuses, ""); err == nil {
		return job, "existing", nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", err
	}

	prev, err := u.repo.FindBySourceMessage(ctx, nil, p.OwnerID, p.SourceMessageID)
	switch {
	case err == nil:
		if prev.ThreadID == p.ThreadID && prev.IsTerminal() {
			return prev, "same_source", nil
		}
		if prev.ThreadID != p.ThreadID && (prev.Status == model.DraftJobStatusCompleted || prev.Status == model.DraftJobStatusFailed) {
			job, ok, err := u.retarget(ctx, prev, p)
			if err != nil || ok {
				return job, "retargeted", err
			}
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, "", err
	}

	job, err := model.NewDraftJob(p, u.now())
	if err != nil {
		return nil, "", err
	}
	err = u.repo.Create(ctx, nil, job)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, err := u.threadHolder(ctx, p.OwnerID, p.ThreadID)
		return existing, "existing", err
	}
	if err != nil {
		return nil, "", err
	}
	metrics.IncDraftJobTransition(string(model.DraftJobStatusPending))
	return job, "created", nil
}

// retarget moves a terminal job of the same source message onto the new
// thread. ok is false when the job changed underneath and a fresh insert
// should be attempted instead.
func (u *draftUC) retarget(ctx context.Context, prev *model.DraftJob, p model.DraftJobParams) (*model.DraftJob, bool, error) {
	from := prev.Status
	oldThread, oldArtifact := prev.ThreadID, prev.ArtifactID
	prev.Retarget(p, u.now())

	err := u.repo.Update(ctx, nil, prev, from)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyExists):
		job, err := u.threadHolder(ctx, p.OwnerID, p.ThreadID)
		return job, true, err
	case errors.Is(err, domain.ErrConflict):
		return nil, false, nil
	default:
		return nil, false, err
	}

	u.jobLog(prev).Info().Str("previous_thread_id", oldThread).Msg("source message moved threads; job retargeted")
	metrics.IncDraftJobTransition(string(model.DraftJobStatusPending))
	u.discardArtifact(ctx, prev.OwnerID, oldArtifact)
	return prev, true, nil
}

// threadHolder re-reads the job that won a uniqueness race on the thread.
func (u *draftUC) threadHolder(ctx context.Context, ownerID, threadID string) (*model.DraftJob, error) {
	job, err := u.repo.FindByThread(ctx, nil, ownerID, threadID, model.ActiveStatuses, "")
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s changed during enqueue", domain.ErrConflict, threadID)
	}
	return job, err
}

func enqueueLockKey(ownerID, threadID string) string {
	return "draft_enqueue:" + ownerID + ":" + threadID
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (u *draftUC) Get(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if ownerID == "" || id == "" {
		return nil, domain.ErrInvalidArgument
	}
	return u.repo.FindByIDForOwner(ctx, nil, ownerID, id)
}

func (u *draftUC) List(ctx context.Context, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error) {
	if ownerID == "" || f.Offset < 0 || f.Limit < 0 {
		return nil, domain.ErrInvalidArgument
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return u.repo.List(ctx, nil, ownerID, f)
}

// ---------------------------------------------------------------------------
// Administrative operations
// ---------------------------------------------------------------------------

// Reprocess runs the worker algorithm for one job right away. Failed and
// completed jobs are put back to pending first. Callers must route it
// through the worker goroutine so only one writer flips jobs to generating.
func (u *draftUC) Reprocess(ctx context.Context, ownerID, id string) (job *model.DraftJob, err error) {
	defer func() { trackAdmin("reprocess", err) }()

	job, err = u.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.DraftJobStatusPending:
	case model.DraftJobStatusFailed, model.DraftJobStatusCompleted:
		if err := u.requeue(ctx, job); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot reprocess a %s job", domain.ErrInvalidTransition, job.Status)
	}

	if err := u.processJob(ctx, job); err != nil {
		return nil, err
	}
	return u.repo.FindByID(ctx, nil, job.ID)
}

func (u *draftUC) Reset(ctx context.Context, ownerID, id string) (job *model.DraftJob, err error) {
	defer func() { trackAdmin("reset", err) }()

	job, err = u.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !job.CanReset() {
		return nil, fmt.Errorf("%w: cannot reset a %s job", domain.ErrInvalidTransition, job.Status)
	}
	if err := u.requeue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// requeue resets job to pending and drops the draft a completed job owned.
func (u *draftUC) requeue(ctx context.Context, job *model.DraftJob) error {
	from, artifact := job.Status, job.ArtifactID
	if err := job.Reset(u.now()); err != nil {
		return err
	}
	if err := u.repo.Update(ctx, nil, job, from); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("%w: another job is active on thread %s", domain.ErrConflict, job.ThreadID)
		}
		return err
	}
	metrics.IncDraftJobTransition(string(model.DraftJobStatusPending))
	u.jobLog(job).Info().Str("from", string(from)).Msg("job reset to pending")
	if from == model.DraftJobStatusCompleted {
		u.discardArtifact(ctx, job.OwnerID, artifact)
	}
	return nil
}

func (u *draftUC) UpdateApproval(ctx context.Context, ownerID, id, state string) (job *model.DraftJob, err error) {
	defer func() { trackAdmin("approval", err) }()

	st, err := model.ParseApprovalState(state)
	if err != nil {
		return nil, err
	}
	job, err = u.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.ApprovalState == st {
		return job, nil
	}
	if err := u.repo.UpdateApproval(ctx, nil, ownerID, job.ID, st, u.now()); err != nil {
		return nil, err
	}
	return u.Get(ctx, ownerID, id)
}

// Send delivers the draft of a completed job. A draft that vanished from the
// mailbox puts the job back to pending so the next cycle regenerates it.
func (u *draftUC) Send(ctx context.Context, ownerID, id string) (job *model.DraftJob, err error) {
	defer func() { trackAdmin("send", err) }()

	job, err = u.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.DraftJobStatusCompleted {
		return nil, fmt.Errorf("%w: only completed jobs can be sent, job is %s", domain.ErrInvalidTransition, job.Status)
	}

	callCtx, cancel := u.callCtx(ctx)
	sent, sendErr := u.drafts.SendDraft(callCtx, job.OwnerID, job.ArtifactID)
	cancel()

	if errors.Is(sendErr, domain.ErrArtifactNotFound) {
		job.ArtifactLost(truncateError(sendErr), u.now())
		if err := u.repo.Update(ctx, nil, job, model.DraftJobStatusCompleted); err != nil {
			return nil, err
		}
		metrics.IncDraftJobTransition(string(model.DraftJobStatusPending))
		u.jobLog(job).Warn().Msg("draft missing from mailbox; job requeued")
		return nil, sendErr
	}
	if sendErr != nil {
		return nil, sendErr
	}

	now := u.now()
	if err := job.MarkSent(now); err != nil {
		return nil, err
	}
	err = u.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := u.repo.Update(ctx, tx, job, model.DraftJobStatusCompleted); err != nil {
			return err
		}
		return u.repo.UpdateApproval(ctx, tx, job.OwnerID, job.ID, model.ApprovalStateSent, now)
	})
	if err != nil {
		return nil, err
	}
	metrics.IncDraftJobTransition(string(model.DraftJobStatusSent))
	u.jobLog(job).Info().Str("message_id", sent.MessageID).Msg("draft sent")
	return job, nil
}

func (u *draftUC) BulkDelete(ctx context.Context, ownerID string, ids []string) (BulkDeleteResult, error) {
	res := BulkDeleteResult{Errors: map[string]string{}}
	if ownerID == "" || len(ids) > maxBulkDelete {
		trackAdmin("bulk_delete", domain.ErrInvalidArgument)
		return res, domain.ErrInvalidArgument
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		job, err := u.repo.FindByIDForOwner(ctx, nil, ownerID, id)
		if err != nil {
			res.Errors[id] = err.Error()
			continue
		}
		var artifactErr error
		if job.ArtifactID != "" && job.Status == model.DraftJobStatusCompleted {
			callCtx, cancel := u.callCtx(ctx)
			artifactErr = u.drafts.DeleteDraft(callCtx, ownerID, job.ArtifactID)
			cancel()
		}
		if err := u.repo.DeleteForOwner(ctx, nil, ownerID, id); err != nil {
			res.Errors[id] = err.Error()
			continue
		}
		res.Deleted++
		if artifactErr != nil {
			res.Errors[id] = "draft delete: " + artifactErr.Error()
		}
	}

	status := "ok"
	if len(res.Errors) > 0 {
		status = "partial"
	}
	metrics.IncAdminOperation("bulk_delete", status)
	u.log.Info().Str("owner_id", ownerID).Int("deleted", res.Deleted).Int("errors", len(res.Errors)).Msg("bulk delete")
	return res, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (u *draftUC) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, u.opts.CallTimeout)
}

// discardArtifact best-effort deletes a draft the job no longer points at.
func (u *draftUC) discardArtifact(ctx context.Context, ownerID, artifactID string) {
	if artifactID == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), artifactCleanup)
	defer cancel()
	if err := u.drafts.DeleteDraft(dctx, ownerID, artifactID); err != nil {
		u.log.Warn().Err(err).Str("owner_id", ownerID).Str("artifact_id", artifactID).Msg("stale draft not deleted")
	}
}

func (u *draftUC) alertFailed(ctx context.Context, job *model.DraftJob) {
	if u.alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := u.alerts.JobFailed(actx, job); err != nil {
		u.jobLog(job).Warn().Err(err).Msg("failed-job alert not delivered")
	}
}

func (u *draftUC) jobLog(job *model.DraftJob) *zerolog.Logger {
	l := u.log.With().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("thread_id", job.ThreadID).
		Str("status", string(job.Status)).
		Int("retry_count", job.RetryCount).
		Logger()
	return &l
}

func trackAdmin(op string, err error) {
	switch {
	case err == nil:
		metrics.IncAdminOperation(op, "ok")
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
		metrics.IncAdminOperation(op, "rejected")
	default:
		metrics.IncAdminOperation(op, "error")
	}
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
