package web

import (
	"time"

	"crm-draft-queue/internal/domain/model"
)

type createJobRequest struct {
	ThreadID          string                   `json:"thread_id"`
	SourceMessageID   string                   `json:"source_message_id"`
	Subject           string                   `json:"subject"`
	SenderAddress     string                   `json:"sender_address"`
	SenderName        string                   `json:"sender_name"`
	Body              string                   `json:"body"`
	Priority          string                   `json:"priority"`
	MaxRetries        int                      `json:"max_retries"`
	GeneratorSettings *model.GeneratorSettings `json:"generator_settings,omitempty"`
}

type approvalRequest struct {
	ApprovalState string `json:"approval_state"`
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

type bulkDeleteResponse struct {
	Deleted int               `json:"deleted"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// listJobsParams mirrors the optional query parameters of GET /api/v1/jobs.
type listJobsParams struct {
	Status        *string
	ApprovalState *string
	ThreadID      *string
	Offset        *int
	Limit         *int
}

type jobResponse struct {
	ID                string                   `json:"id"`
	OwnerID           string                   `json:"owner_id"`
	ThreadID          string                   `json:"thread_id"`
	SourceMessageID   string                   `json:"source_message_id"`
	Subject           string                   `json:"subject"`
	SenderAddress     string                   `json:"sender_address"`
	SenderName        string                   `json:"sender_name,omitempty"`
	OriginalBody      string                   `json:"original_body"`
	GeneratorSettings *model.GeneratorSettings `json:"generator_settings,omitempty"`
	GeneratedContent  string                   `json:"generated_content,omitempty"`
	ArtifactID        string                   `json:"artifact_id,omitempty"`
	Status            string                   `json:"status"`
	ApprovalState     string                   `json:"approval_state"`
	Priority          string                   `json:"priority"`
	RetryCount        int                      `json:"retry_count"`
	MaxRetries        int                      `json:"max_retries"`
	LastError         string                   `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time               `json:"next_attempt_at,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func toJobResponse(j *model.DraftJob) jobResponse {
	return jobResponse{
		ID:                j.ID,
		OwnerID:           j.OwnerID,
		ThreadID:          j.ThreadID,
		SourceMessageID:   j.SourceMessageID,
		Subject:           j.Subject,
		SenderAddress:     j.SenderAddress,
		SenderName:        j.SenderName,
		OriginalBody:      j.OriginalBody,
		GeneratorSettings: j.GeneratorSettings,
		GeneratedContent:  j.GeneratedContent,
		ArtifactID:        j.ArtifactID,
		Status:            string(j.Status),
		ApprovalState:     string(j.ApprovalState),
		Priority:          string(j.Priority),
		RetryCount:        j.RetryCount,
		MaxRetries:        j.MaxRetries,
		LastError:         j.LastError,
		NextAttemptAt:     j.NextAttemptAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func toJobList(jobs []*model.DraftJob) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}
