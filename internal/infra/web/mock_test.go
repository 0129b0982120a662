package web

import (
	"context"
	"sync"
	"time"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/repository"
	"crm-draft-queue/internal/usecase"
)

// --- Mock DraftUseCase ---

type mockDrafts struct {
	mu   sync.Mutex
	jobs map[string]*model.DraftJob

	Err        error // returned by every call when set
	LastParams model.DraftJobParams
	LastFilter repository.DraftJobFilter
	LastIDs    []string
	Calls      []string
}

func newMockDrafts(jobs ...*model.DraftJob) *mockDrafts {
	m := &mockDrafts{jobs: map[string]*model.DraftJob{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *mockDrafts) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, op)
	return m.Err
}

func (m *mockDrafts) find(ownerID, id string) (*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *mockDrafts) Enqueue(ctx context.Context, p model.DraftJobParams) (*model.DraftJob, error) {
	if err := m.record("enqueue"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.LastParams = p
	m.mu.Unlock()
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	return model.NewDraftJob(p, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
}

func (m *mockDrafts) Get(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if err := m.record("get"); err != nil {
		return nil, err
	}
	return m.find(ownerID, id)
}

func (m *mockDrafts) List(ctx context.Context, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error) {
	if err := m.record("list"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastFilter = f
	var out []*model.DraftJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && (f.Status == "" || j.Status == f.Status) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (m *mockDrafts) Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if err := m.record("reprocess"); err != nil {
		return nil, err
	}
	return m.find(ownerID, id)
}

func (m *mockDrafts) Reset(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if err := m.record("reset"); err != nil {
		return nil, err
	}
	j, err := m.find(ownerID, id)
	if err != nil {
		return nil, err
	}
	if !j.CanReset() {
		return nil, domain.ErrInvalidTransition
	}
	j.Status = model.DraftJobStatusPending
	return j, nil
}

func (m *mockDrafts) UpdateApproval(ctx context.Context, ownerID, id, state string) (*model.DraftJob, error) {
	if err := m.record("approval"); err != nil {
		return nil, err
	}
	st, err := model.ParseApprovalState(state)
	if err != nil {
		return nil, err
	}
	j, err := m.find(ownerID, id)
	if err != nil {
		return nil, err
	}
	j.ApprovalState = st
	return j, nil
}

func (m *mockDrafts) Send(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	if err := m.record("send"); err != nil {
		return nil, err
	}
	j, err := m.find(ownerID, id)
	if err != nil {
		return nil, err
	}
	if j.Status != model.DraftJobStatusCompleted {
		return nil, domain.ErrInvalidTransition
	}
	j.Status = model.DraftJobStatusSent
	j.ApprovalState = model.ApprovalStateSent
	return j, nil
}

func (m *mockDrafts) BulkDelete(ctx context.Context, ownerID string, ids []string) (usecase.BulkDeleteResult, error) {
	res := usecase.BulkDeleteResult{Errors: map[string]string{}}
	if err := m.record("bulk_delete"); err != nil {
		return res, err
	}
	if len(ids) > 500 {
		return res, domain.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastIDs = ids
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok && j.OwnerID == ownerID {
			delete(m.jobs, id)
			res.Deleted++
			continue
		}
		res.Errors[id] = domain.ErrNotFound.Error()
	}
	return res, nil
}

func (m *mockDrafts) RunCycle(ctx context.Context) (usecase.CycleStats, error) {
	return usecase.CycleStats{}, nil
}

func (m *mockDrafts) Sweep(ctx context.Context, threshold time.Duration) (int, error) {
	return 0, nil
}

// --- Mock worker + limiter ---

type mockWorker struct {
	drafts *mockDrafts
	Err    error
	Calls  int
}

func (w *mockWorker) Reprocess(ctx context.Context, ownerID, id string) (*model.DraftJob, error) {
	w.Calls++
	if w.Err != nil {
		return nil, w.Err
	}
	return w.drafts.Reprocess(ctx, ownerID, id)
}

type mockLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	Err    error
}

func (l *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}
