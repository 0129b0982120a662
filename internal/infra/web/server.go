package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/infra/logging"
	"crm-draft-queue/internal/usecase"
)

// Reprocessor runs a manual reprocess on the single worker goroutine.
type Reprocessor interface {
	Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
}

// RateLimiter is a fixed-window limiter keyed by owner and command.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	ReprocessPerMinute int           // 0 disables the limit
	RequestTimeout     time.Duration // applied to /api/v1 routes; 0 = none
	Health             func(ctx context.Context) error
}

type Server struct {
	drafts  usecase.DraftUseCase
	worker  Reprocessor
	limiter RateLimiter // optional
	auth    *AuthManager
	opts    Options
	log     *zerolog.Logger
}

func NewServer(
	drafts usecase.DraftUseCase,
	worker Reprocessor,
	limiter RateLimiter,
	auth *AuthManager,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		drafts:  drafts,
		worker:  worker,
		limiter: limiter,
		auth:    auth,
		opts:    opts,
		log:     logging.Component(logger, "AdminAPI"),
	}
}

// Routes builds the router: public /health and /metrics, and the
// owner-scoped job API under /api/v1/jobs.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Use(Authenticate(s.auth, s.log))
		if s.opts.RequestTimeout > 0 {
			r.Use(Timeout(s.opts.RequestTimeout))
		}
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Post("/bulk-delete", s.bulkDelete)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/reprocess", s.reprocessJob)
			r.Post("/reset", s.resetJob)
			r.Put("/approval", s.updateApproval)
			r.Post("/send", s.sendJob)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			l := logging.With(r.Context(), s.log)
			l.Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
