package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/domain/ports/repository"
	"crm-draft-queue/internal/infra/logging"
	"crm-draft-queue/internal/infra/metrics"
)

// RunCycle sweeps stuck jobs, then drives up to BatchSize due pending jobs
// through generation one after another. Job failures are booked on the job;
// only store errors (and ctx cancellation) end the cycle early.
func (u *draftUC) RunCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	defer func() { metrics.ObserveWorkerCycle(time.Since(start)) }()

	var stats CycleStats
	n, err := u.Sweep(ctx, u.opts.StuckThreshold)
	if err != nil {
		return stats, fmt.Errorf("sweep: %w", err)
	}
	stats.Reclaimed = n

	jobs, err := u.repo.ListDispatchable(ctx, nil, u.now(), u.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list dispatchable: %w", err)
	}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := u.processJob(ctx, job); err != nil {
			return stats, err
		}
		stats.Dispatched++
	}
	return stats, nil
}

// processJob is the per-job algorithm shared by the worker and Reprocess.
func (u *draftUC) processJob(ctx context.Context, job *model.DraftJob) error {
	log := u.jobLog(job)
	if job.Status != model.DraftJobStatusPending {
		log.Debug().Msg("job no longer pending; skipped")
		return nil
	}

	other, err := u.repo.FindByThread(ctx, nil, job.OwnerID, job.ThreadID,
		[]model.DraftJobStatus{model.DraftJobStatusGenerating, model.DraftJobStatusCompleted}, job.ID)
	switch {
	case err == nil:
		return u.shortCircuit(ctx, job, other, log)
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	if err := job.MarkGenerating(u.now()); err != nil {
		return nil
	}
	if err := u.repo.Update(ctx, nil, job, model.DraftJobStatusPending); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrAlreadyExists) {
			log.Info().Err(err).Msg("job changed before dispatch; skipped")
			return nil
		}
		return err
	}
	metrics.IncDraftJobTransition(string(model.DraftJobStatusGenerating))

	content, ref, err := u.produce(ctx, job, log)
	if err != nil {
		if ctx.Err() != nil {
			// left in generating; the sweep reclaims it after restart
			log.Warn().Err(err).Msg("worker stopping mid-job")
			return ctx.Err()
		}
		return u.recordFailure(ctx, job, err, log)
	}

	if err := job.MarkCompleted(ref.ID, content, u.now()); err != nil {
		return u.recordFailure(ctx, job, err, log)
	}
	if err := u.repo.Update(ctx, nil, job, model.DraftJobStatusGenerating); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Warn().Str("artifact_id", ref.ID).Msg("job reclaimed while generating; draft left for the retry to reuse")
			return nil
		}
		return err
	}
	metrics.IncDraftJobTransition(string(model.DraftJobStatusCompleted))
	log.Info().
		Str("artifact_id", ref.ID).
		Str("sender", logging.Redact(job.SenderAddress, u.opts.Dev)).
		Msg("draft created")
	return nil
}

// produce runs generation, reply resolution and draft creation, each bounded
// by the call timeout.
func (u *draftUC) produce(ctx context.Context, job *model.DraftJob, log *zerolog.Logger) (string, adapter.ArtifactRef, error) {
	genCtx, cancel := u.callCtx(ctx)
	out, err := u.gen.Generate(genCtx, adapter.GenerationRequest{
		Subject:       job.Subject,
		SenderName:    job.SenderName,
		SenderAddress: job.SenderAddress,
		Body:          job.OriginalBody,
		Settings:      job.GeneratorSettings,
	})
	cancel()
	if err != nil {
		return "", adapter.ArtifactRef{}, fmt.Errorf("generate: %w", err)
	}

	resCtx, cancel := u.callCtx(ctx)
	target := u.resolver.Resolve(resCtx, job.OwnerID, job.ThreadID, job.SenderAddress)
	cancel()

	artCtx, cancel := u.callCtx(ctx)
	ref, reused, err := u.drafts.CreateDraft(artCtx, adapter.DraftRequest{
		OwnerID:  job.OwnerID,
		ThreadID: job.ThreadID,
		Subject:  job.Subject,
		Body:     out.Content,
		Reply:    target,
	})
	cancel()
	if err != nil {
		return "", adapter.ArtifactRef{}, fmt.Errorf("create draft: %w", err)
	}
	if reused {
		// the job records what the draft holds, not the text just generated
		log.Info().Str("artifact_id", ref.ID).Msg("mailbox already held a draft for the thread; generated text discarded")
		return ref.Body, ref, nil
	}
	return out.Content, ref, nil
}

// shortCircuit folds a job into another job that already produced the
// thread's draft. A sibling still generating leaves this job untouched.
func (u *draftUC) shortCircuit(ctx context.Context, job, other *model.DraftJob, log *zerolog.Logger) error {
	if other.Status != model.DraftJobStatusCompleted || other.ArtifactID == "" {
		log.Info().Str("other_job_id", other.ID).Msg("thread is being generated by another job; skipped")
		return nil
	}
	from := job.Status
	job.CopyOutcome(other, u.now())
	if err := u.repo.Update(ctx, nil, job, from); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrAlreadyExists) {
			log.Warn().Err(err).Str("other_job_id", other.ID).Msg("duplicate job not folded")
			return nil
		}
		return err
	}
	metrics.IncDraftJobShortCircuit()
	metrics.IncDraftJobTransition(string(model.DraftJobStatusCompleted))
	log.Info().Str("other_job_id", other.ID).Str("artifact_id", other.ArtifactID).Msg("thread already has a draft; completed as duplicate")
	return nil
}

func (u *draftUC) recordFailure(ctx context.Context, job *model.DraftJob, cause error, log *zerolog.Logger) error {
	now := u.now()
	exhausted := job.MarkAttemptFailed(truncateError(cause), now, u.retryAt(job.RetryCount+1, now))
	if err := u.repo.Update(ctx, nil, job, model.DraftJobStatusGenerating); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Warn().Err(cause).Msg("job reclaimed while generating; failure not recorded")
			return nil
		}
		return err
	}
	metrics.IncDraftJobTransition(string(job.Status))
	if exhausted {
		log.Error().Err(cause).Int("retry_count", job.RetryCount).Msg("draft job failed; retries exhausted")
		u.alertFailed(ctx, job)
		return nil
	}
	ev := log.Warn().Err(cause).Int("retry_count", job.RetryCount)
	if job.NextAttemptAt != nil {
		ev = ev.Time("next_attempt_at", *job.NextAttemptAt)
	}
	ev.Msg("draft job attempt failed; will retry")
	return nil
}

func (u *draftUC) retryAt(attempt int, now time.Time) *time.Time {
	d := retryDelay(attempt, u.opts.BackoffBase, u.opts.BackoffMax, u.opts.Jitter)
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// Sweep reclaims jobs left in generating for longer than threshold. The
// reclaim runs in one transaction; alerts go out after commit.
func (u *draftUC) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = u.opts.StuckThreshold
	}
	now := u.now()
	cutoff := now.Add(-threshold)

	var reclaimed []*model.DraftJob
	err := u.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		reclaimed = reclaimed[:0]
		stuck, err := u.repo.ListStuck(ctx, tx, cutoff, sweepBatch)
		if err != nil {
			return err
		}
		for _, job := range stuck {
			reason := fmt.Sprintf("reclaimed: no progress in generating since %s", job.UpdatedAt.UTC().Format(time.RFC3339))
			job.MarkAttemptFailed(reason, now, u.retryAt(job.RetryCount+1, now))
			if err := u.repo.Update(ctx, tx, job, model.DraftJobStatusGenerating); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					continue
				}
				return err
			}
			reclaimed = append(reclaimed, job)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, job := range reclaimed {
		metrics.IncDraftJobRecovered(string(job.Status))
		metrics.IncDraftJobTransition(string(job.Status))
		log := u.jobLog(job)
		if job.Status == model.DraftJobStatusFailed {
			log.Error().Str("last_error", job.LastError).Msg("stuck job failed; retries exhausted")
			u.alertFailed(ctx, job)
			continue
		}
		log.Warn().Msg("stuck job returned to pending")
	}
	return len(reclaimed), nil
}
