package adapter

import (
	"context"

	"crm-draft-queue/internal/domain/model"
)

// AlertNotifier tells operators about jobs that ran out of retries.
type AlertNotifier interface {
	JobFailed(ctx context.Context, job *model.DraftJob) error
}
