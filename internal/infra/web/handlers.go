package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/repository"
	"crm-draft-queue/internal/infra/logging"
	"crm-draft-queue/internal/infra/redis"
	"crm-draft-queue/internal/infra/sched"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 1 << 20
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prio, err := model.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "priority must be one of low, medium, high, urgent")
		return
	}
	job, err := s.drafts.Enqueue(r.Context(), model.DraftJobParams{
		OwnerID:           ownerFrom(r),
		ThreadID:          strings.TrimSpace(req.ThreadID),
		SourceMessageID:   strings.TrimSpace(req.SourceMessageID),
		Subject:           req.Subject,
		SenderAddress:     strings.TrimSpace(req.SenderAddress),
		SenderName:        req.SenderName,
		OriginalBody:      req.Body,
		GeneratorSettings: req.GeneratorSettings,
		Priority:          prio,
		MaxRetries:        req.MaxRetries,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var p listJobsParams
	q := r.URL.Query()
	for _, b := range []struct {
		name string
		dest any
	}{
		{"status", &p.Status},
		{"approval_state", &p.ApprovalState},
		{"thread_id", &p.ThreadID},
		{"offset", &p.Offset},
		{"limit", &p.Limit},
	} {
		if err := runtime.BindQueryParameter("form", true, false, b.name, q, b.dest); err != nil {
			writeError(w, http.StatusBadRequest, "invalid query parameter "+b.name)
			return
		}
	}

	f := repository.DraftJobFilter{Limit: defaultListLimit}
	if p.Status != nil && *p.Status != "" {
		st, err := model.ParseDraftJobStatus(*p.Status)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "unknown status")
			return
		}
		f.Status = st
	}
	if p.ApprovalState != nil && *p.ApprovalState != "" {
		st, err := model.ParseApprovalState(*p.ApprovalState)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "unknown approval_state")
			return
		}
		f.ApprovalState = st
	}
	if p.ThreadID != nil {
		f.ThreadID = strings.TrimSpace(*p.ThreadID)
	}
	if p.Offset != nil {
		f.Offset = *p.Offset
	}
	if p.Limit != nil {
		f.Limit = *p.Limit
	}

	jobs, err := s.drafts.List(r.Context(), ownerFrom(r), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobList(jobs))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.drafts.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) reprocessJob(w http.ResponseWriter, r *http.Request) {
	if s.worker == nil {
		writeError(w, http.StatusNotImplemented, "reprocess is not available")
		return
	}
	owner := ownerFrom(r)
	if !s.allow(r, owner, "reprocess") {
		writeError(w, http.StatusTooManyRequests, "too many reprocess requests")
		return
	}
	job, err := s.worker.Reprocess(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) resetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.drafts.Reset(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) updateApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.drafts.UpdateApproval(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.ApprovalState)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) sendJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.drafts.Send(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.drafts.BulkDelete(r.Context(), ownerFrom(r), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkDeleteResponse{Deleted: res.Deleted, Errors: res.Errors})
}

// allow applies the per-owner command limit. A limiter outage lets the
// request through.
func (s *Server) allow(r *http.Request, owner, command string) bool {
	if s.limiter == nil || s.opts.ReprocessPerMinute <= 0 {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), redis.OwnerCommandKey(owner, command), s.opts.ReprocessPerMinute, time.Minute)
	if err != nil {
		l := logging.With(r.Context(), s.log)
		l.Warn().Err(err).Str("command", command).Msg("rate limiter unavailable")
		return true
	}
	return ok
}

// ===== helpers =====

func ownerFrom(r *http.Request) string { return logging.OwnerID(r.Context()) }

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, sched.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, http.StatusText(code))
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
