package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/repository"
)

var _ repository.DraftJobRepository = (*DraftJobRepo)(nil)

// DraftJobRepo is the single-node store. Timestamps are unix nanoseconds.
type DraftJobRepo struct {
	db *sql.DB
}

func NewDraftJobRepo(db *sql.DB) *DraftJobRepo {
	return &DraftJobRepo{db: db}
}

const draftJobColumns = `id, owner_id, source_message_id, thread_id, subject, sender_address, sender_name,
	original_body, generator_settings, generated_content, artifact_id, status,
	approval_state, priority, retry_count, max_retries, last_error, next_attempt_at, created_at, updated_at`

const priorityRank = `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

func (r *DraftJobRepo) Create(ctx context.Context, tx repository.Tx, job *model.DraftJob) error {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = model.NewDraftJobID()
	}
	settings, err := encodeSettings(job.GeneratorSettings)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO draft_jobs (` + draftJobColumns + `)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT DO NOTHING`

	res, err := ex.ExecContext(ctx, q,
		job.ID, job.OwnerID, job.SourceMessageID, job.ThreadID, job.Subject, job.SenderAddress, job.SenderName,
		job.OriginalBody, settings, job.GeneratedContent, job.ArtifactID, string(job.Status),
		string(job.ApprovalState), string(job.Priority), job.RetryCount, job.MaxRetries, job.LastError,
		toNullNanos(job.NextAttemptAt), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return mapWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *DraftJobRepo) Update(ctx context.Context, tx repository.Tx, job *model.DraftJob, from model.DraftJobStatus) error {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return err
	}
	settings, err := encodeSettings(job.GeneratorSettings)
	if err != nil {
		return err
	}
	const q = `
UPDATE draft_jobs SET
	source_message_id=?, thread_id=?, subject=?, sender_address=?, sender_name=?, original_body=?,
	generator_settings=?, generated_content=?, artifact_id=?, status=?,
	priority=?, retry_count=?, max_retries=?, last_error=?,
	next_attempt_at=?, updated_at=?
WHERE id=? AND status=?`

	res, err := ex.ExecContext(ctx, q,
		job.SourceMessageID, job.ThreadID, job.Subject, job.SenderAddress, job.SenderName, job.OriginalBody,
		settings, job.GeneratedContent, job.ArtifactID, string(job.Status),
		string(job.Priority), job.RetryCount, job.MaxRetries, job.LastError,
		toNullNanos(job.NextAttemptAt), job.UpdatedAt.UnixNano(),
		job.ID, string(from))
	if err != nil {
		return mapWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *DraftJobRepo) UpdateApproval(ctx context.Context, tx repository.Tx, ownerID, id string, state model.ApprovalState, now time.Time) error {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `UPDATE draft_jobs SET approval_state=?, updated_at=? WHERE id=? AND owner_id=?`,
		string(state), now.UnixNano(), id, ownerID)
	if err != nil {
		return mapWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DraftJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DraftJob, error) {
	return r.queryOne(ctx, tx, `SELECT `+draftJobColumns+` FROM draft_jobs WHERE id=?`, id)
}

func (r *DraftJobRepo) FindByIDForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) (*model.DraftJob, error) {
	return r.queryOne(ctx, tx, `SELECT `+draftJobColumns+` FROM draft_jobs WHERE id=? AND owner_id=?`, id, ownerID)
}

func (r *DraftJobRepo) FindByThread(ctx context.Context, tx repository.Tx, ownerID, threadID string, statuses []model.DraftJobStatus, excludeID string) (*model.DraftJob, error) {
	if len(statuses) == 0 {
		return nil, domain.ErrNotFound
	}
	args := []interface{}{ownerID, threadID, excludeID}
	marks := make([]string, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args = append(args, string(s))
	}
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs
WHERE owner_id=? AND thread_id=? AND id<>? AND status IN (` + strings.Join(marks, ",") + `)
ORDER BY created_at ASC, id ASC LIMIT 1`
	return r.queryOne(ctx, tx, q, args...)
}

func (r *DraftJobRepo) FindBySourceMessage(ctx context.Context, tx repository.Tx, ownerID, sourceMessageID string) (*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs
WHERE owner_id=? AND source_message_id=?
ORDER BY updated_at DESC LIMIT 1`
	return r.queryOne(ctx, tx, q, ownerID, sourceMessageID)
}

func (r *DraftJobRepo) ListDispatchable(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + ` FROM (
	SELECT d.*, ROW_NUMBER() OVER (PARTITION BY owner_id, thread_id ORDER BY created_at ASC, id ASC) AS rn
	FROM draft_jobs d
	WHERE status = 'pending'
)
WHERE rn = 1 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
ORDER BY ` + priorityRank + ` DESC, created_at ASC
LIMIT ?`
	return r.queryMany(ctx, tx, q, now.UnixNano(), limit)
}

func (r *DraftJobRepo) ListStuck(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.DraftJob, error) {
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs
WHERE status = 'generating' AND updated_at < ?
ORDER BY updated_at ASC LIMIT ?`
	return r.queryMany(ctx, tx, q, cutoff.UnixNano(), limit)
}

func (r *DraftJobRepo) List(ctx context.Context, tx repository.Tx, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error) {
	where := []string{"owner_id=?"}
	args := []interface{}{ownerID}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ApprovalState != "" {
		where = append(where, "approval_state=?")
		args = append(args, string(f.ApprovalState))
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id=?")
		args = append(args, f.ThreadID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := `SELECT ` + draftJobColumns + ` FROM draft_jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	return r.queryMany(ctx, tx, q, args...)
}

func (r *DraftJobRepo) DeleteForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) error {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `DELETE FROM draft_jobs WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return mapWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *DraftJobRepo) queryOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.DraftJob, error) {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return nil, err
	}
	job, err := scanDraftJob(ex.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (r *DraftJobRepo) queryMany(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.DraftJob, error) {
	ex, err := getExecutor(r.db, tx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
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

func scanDraftJob(row scanner) (*model.DraftJob, error) {
	var (
		j                                    model.DraftJob
		settings, status, approval, priority string
		nextAttempt                          sql.NullInt64
		createdAt, updatedAt                 int64
	)
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.SourceMessageID, &j.ThreadID, &j.Subject, &j.SenderAddress, &j.SenderName,
		&j.OriginalBody, &settings, &j.GeneratedContent, &j.ArtifactID, &status,
		&approval, &priority, &j.RetryCount, &j.MaxRetries, &j.LastError, &nextAttempt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	j.Status = model.DraftJobStatus(status)
	j.ApprovalState = model.ApprovalState(approval)
	j.Priority = model.Priority(priority)
	j.CreatedAt = time.Unix(0, createdAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if nextAttempt.Valid {
		t := time.Unix(0, nextAttempt.Int64).UTC()
		j.NextAttemptAt = &t
	}
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

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func mapWriteError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
}
