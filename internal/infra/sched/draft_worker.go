package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/usecase"
)

// Runner is the part of the draft use case the worker drives.
type Runner interface {
	RunCycle(ctx context.Context) (usecase.CycleStats, error)
	Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error)
}

var ErrWorkerStopped = errors.New("draft worker is not running")

type reprocessResult struct {
	job *model.DraftJob
	err error
}

type reprocessRequest struct {
	ownerID, id string
	resp        chan reprocessResult
}

// DraftWorker is the single writer that moves jobs out of pending. Cycles run
// on a fixed interval; manual reprocess requests are queued to the same
// goroutine and run between cycles.
type DraftWorker struct {
	interval time.Duration
	runner   Runner
	reqs     chan reprocessRequest
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDraftWorker(interval time.Duration, runner Runner, logger *zerolog.Logger) *DraftWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := logger.With().Str("component", "DraftWorker").Logger()
	return &DraftWorker{
		interval: interval,
		runner:   runner,
		reqs:     make(chan reprocessRequest, 16),
		log:      &l,
		done:     make(chan struct{}),
	}
}

// Start launches the loop; calling it twice has no effect.
func (w *DraftWorker) Start(parent context.Context) {
	if w.ctx != nil {
		return
	}
	w.ctx, w.cancel = context.WithCancel(parent)
	go w.loop()
}

// Stop cancels the loop and waits for the cycle in flight to return.
func (w *DraftWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *DraftWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer func() {
		ticker.Stop()
		close(w.done)
	}()

	w.log.Info().Dur("interval", w.interval).Msg("Starting draft worker")
	w.cycle()
	for {
		select {
		case <-w.ctx.Done():
			w.log.Info().Msg("Stopping draft worker")
			return
		case req := <-w.reqs:
			job, err := w.runner.Reprocess(w.ctx, req.ownerID, req.id)
			req.resp <- reprocessResult{job: job, err: err}
		case <-ticker.C:
			w.cycle()
		}
	}
}

func (w *DraftWorker) cycle() {
	start := time.Now()
	stats, err := w.runner.RunCycle(w.ctx)
	if err != nil {
		if w.ctx.Err() == nil {
			w.log.Error().Err(err).Msg("draft cycle aborted")
		}
		return
	}
	if stats.Reclaimed > 0 || stats.Dispatched > 0 {
		w.log.Info().
			Int("reclaimed", stats.Reclaimed).
			Int("dispatched", stats.Dispatched).
			Dur("took", time.Since(start)).
			Msg("draft cycle finished")
	}
}

// Reprocess hands a manual reprocess to the worker goroutine and waits for
// its outcome.
func (w *DraftWorker) Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if w.ctx == nil || w.ctx.Err() != nil {
		return nil, ErrWorkerStopped
	}
	req := reprocessRequest{ownerID: ownerID, id: id, resp: make(chan reprocessResult, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, ErrWorkerStopped
	default:
		return nil, fmt.Errorf("%w: reprocess queue full", domain.ErrRateLimited)
	}
	select {
	case res := <-req.resp:
		return res.job, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrWorkerStopped
	}
}
