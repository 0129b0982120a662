package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/repository"
)

var _ repository.DraftJobRepository = (*draftJobRepo)(nil)

type draftJobRepo struct {
	pool *pgxpool.Pool
}

func NewDraftJobRepo(pool *pgxpool.Pool) *draftJobRepo {
	return &draftJobRepo{pool: pool}
}

const draftJobColumns = `id, owner_id, source_message_id, thread_id, subject, sender_address, sender_name,
  original_body, COALESCE(generator_settings::text, ''), generated_content, artifact_id, status,
  approval_state, priority, retry_count, max_retries, last_error, next_attempt_at, created_at, updated_at`

const priorityRank = `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

// Create relies on the partial unique index draft_jobs_thread_active_uq:
// ON CONFLICT DO NOTHING turns a second active job for the same thread into
// a no-op instead of an error.
func (r *draftJobRepo) Create(ctx context.Context, tx repository.Tx, job *model.DraftJob) error {
	if job.ID == "" {
		job.ID = model.NewDraftJobID()
	}
	settings, err := encodeSettings(job.GeneratorSettings)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO draft_jobs (
  id, owner_id, source_message_id, thread_id, subject, sender_address, sender_name,
  original_body, generator_settings, generated_content, artifact_id, status,
  approval_state, priority, retry_count, max_retries, last_error, next_attempt_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,'')::jsonb,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT DO NOTHING;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.OwnerID, job.SourceMessageID, job.ThreadID, job.Subject, job.SenderAddress, job.SenderName,
		job.OriginalBody, settings, job.GeneratedContent, job.ArtifactID, string(job.Status),
		string(job.ApprovalState), string(job.Priority), job.RetryCount, job.MaxRetries, job.LastError, job.NextAttemptAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *draftJobRepo) Update(ctx context.Context, tx repository.Tx, job *model.DraftJob, from model.DraftJobStatus) error {
	settings, err := encodeSettings(job.GeneratorSettings)
	if err != nil {
		return err
	}
	const q = `
UPDATE draft_jobs SET
  source_message_id=$2, thread_id=$3, subject=$4, sender_address=$5, sender_name=$6, original_body=$7,
  generator_settings=NULLIF($8,'')::jsonb, generated_content=$9, artifact_id=$10, status=$11,
  priority=$12, retry_count=$13, max_retries=$14, last_error=$15,
  next_attempt_at=$16, updated_at=$17
WHERE id=$1 AND status=$18;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.SourceMessageID, job.ThreadID, job.Subject, job.SenderAddress, job.SenderName, job.OriginalBody,
		settings, job.GeneratedContent, job.ArtifactID, string(job.Status),
		string(job.Priority), job.RetryCount, job.MaxRetries, job.LastError,
		job.NextAttemptAt, job.UpdatedAt, string(from))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *draftJobRepo) UpdateApproval(ctx context.Context, tx repository.Tx, ownerID, id string, state model.ApprovalState, now time.Time) error {
	const q = `UPDATE draft_jobs SET approval_state=$3, updated_at=$4 WHERE id=$1 AND owner_id=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, ownerID, string(state), now)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *draftJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs WHERE id=$1;`
	return r.queryOne(ctx, tx, q, id)
}

func (r *draftJobRepo) FindByIDForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) (*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs WHERE id=$1 AND owner_id=$2;`
	return r.queryOne(ctx, tx, q, id, ownerID)
}

func (r *draftJobRepo) FindByThread(ctx context.Context, tx repository.Tx, ownerID, threadID string, statuses []model.DraftJobStatus, excludeID string) (*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + `
  FROM draft_jobs
 WHERE owner_id=$1 AND thread_id=$2 AND status = ANY($3) AND id <> $4
 ORDER BY created_at ASC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, ownerID, threadID, statusStrings(statuses), excludeID)
}

func (r *draftJobRepo) FindBySourceMessage(ctx context.Context, tx repository.Tx, ownerID, sourceMessageID string) (*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + `
  FROM draft_jobs
 WHERE owner_id=$1 AND source_message_id=$2
 ORDER BY updated_at DESC
 LIMIT 1;`
	return r.queryOne(ctx, tx, q, ownerID, sourceMessageID)
}

func (r *draftJobRepo) ListDispatchable(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.DraftJob, error) {
	q := `
SELECT ` + draftJobColumns + `
  FROM (
    SELECT d.*, ROW_NUMBER() OVER (PARTITION BY owner_id, thread_id ORDER BY created_at ASC, id ASC) AS rn
      FROM draft_jobs d
     WHERE status = 'pending'
  ) p
 WHERE rn = 1 AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
 ORDER BY ` + priorityRank + ` DESC, created_at ASC
 LIMIT $2;`
	return r.queryMany(ctx, tx, q, now, limit)
}

func (r *draftJobRepo) ListStuck(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + `
  FROM draft_jobs
 WHERE status = 'generating' AND updated_at < $1
 ORDER BY updated_at ASC
 LIMIT $2
 FOR UPDATE SKIP LOCKED;`
	return r.queryMany(ctx, tx, q, cutoff, limit)
}

func (r *draftJobRepo) List(ctx context.Context, tx repository.Tx, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error) {
	where := []string{"owner_id=$1"}
	args := []interface{}{ownerID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.ApprovalState != "" {
		args = append(args, string(f.ApprovalState))
		where = append(where, fmt.Sprintf("approval_state=$%d", len(args)))
	}
	if f.ThreadID != "" {
		args = append(args, f.ThreadID)
		where = append(where, fmt.Sprintf("thread_id=$%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s FROM draft_jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d;`,
		draftJobColumns, strings.Join(where, " AND "), len(args)-1, len(args))
	return r.queryMany(ctx, tx, q, args...)
}

func (r *draftJobRepo) DeleteForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) error {
	const q = `DELETE FROM draft_jobs WHERE id=$1 AND owner_id=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, ownerID)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// --- helpers ---

func (r *draftJobRepo) queryOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.DraftJob, error) {
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	job, err := scanDraftJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *draftJobRepo) queryMany(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.DraftJob, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.DraftJob, 0)
	for rows.Next() {
		job, err := scanDraftJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanDraftJob(row pgx.Row) (*model.DraftJob, error) {
	var (
		j                                    model.DraftJob
		settings, status, approval, priority string
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceMessageID, &j.ThreadID, &j.Subject, &j.SenderAddress, &j.SenderName,
		&j.OriginalBody, &settings, &j.GeneratedContent, &j.ArtifactID, &status,
		&approval, &priority, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	j.Status = model.DraftJobStatus(status)
	j.ApprovalState = model.ApprovalState(approval)
	j.Priority = model.Priority(priority)
	if settings != "" {
		var gs model.GeneratorSettings
		if err := json.Unmarshal([]byte(settings), &gs); err != nil {
			return nil, fmt.Errorf("%w: generator_settings: %v", domain.ErrReadDatabaseRow, err)
		}
		j.GeneratorSettings = &gs
	}
	return &j, nil
}

func encodeSettings(gs *model.GeneratorSettings) (string, error) {
	if gs.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(gs)
	if err != nil {
		return "", fmt.Errorf("%w: generator settings", domain.ErrInvalidArgument)
	}
	return string(b), nil
}

func statusStrings(statuses []model.DraftJobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func mapWriteError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidExecContext):
		return err
	case isUniqueViolation(err):
		return domain.ErrAlreadyExists
	default:
		return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
	}
}
