//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain"
	"crm-draft-queue/internal/domain/model"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/domain/ports/repository"
	"crm-draft-queue/internal/infra/adapters/mailbox"
	"crm-draft-queue/internal/usecase"
)

// -----------------------------
// Utilities
// -----------------------------

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =============================
// Repository
// =============================

// MockDraftJobRepo is an in-memory job store with the same conditional
// insert and compare-and-swap semantics as the SQL stores.
// AllowDuplicates disables the one-active-job-per-thread check, which lets
// tests reproduce rows written before the unique index existed.
type MockDraftJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.DraftJob

	AllowDuplicates bool
	StoreErr        error // returned by every call when set
	Creates         int
}

var _ repository.DraftJobRepository = (*MockDraftJobRepo)(nil)

func NewMockDraftJobRepo() *MockDraftJobRepo {
	return &MockDraftJobRepo{jobs: map[string]*model.DraftJob{}}
}

// Seed stores job as-is, bypassing uniqueness.
func (m *MockDraftJobRepo) Seed(job *model.DraftJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
}

// Get returns a copy of the stored job or nil.
func (m *MockDraftJobRepo) Get(id string) *model.DraftJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Clone()
}

func (m *MockDraftJobRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *MockDraftJobRepo) SetStoreErr(err error) {
	m.mu.Lock()
	m.StoreErr = err
	m.mu.Unlock()
}

func (m *MockDraftJobRepo) activeHolder(job *model.DraftJob) bool {
	if m.AllowDuplicates || !job.Status.IsActive() {
		return false
	}
	for id, j := range m.jobs {
		if id != job.ID && j.OwnerID == job.OwnerID && j.ThreadID == job.ThreadID && j.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MockDraftJobRepo) Create(ctx context.Context, tx repository.Tx, job *model.DraftJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return m.StoreErr
	}
	if _, ok := m.jobs[job.ID]; ok || m.activeHolder(job) {
		return domain.ErrAlreadyExists
	}
	m.Creates++
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MockDraftJobRepo) Update(ctx context.Context, tx repository.Tx, job *model.DraftJob, from model.DraftJobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return m.StoreErr
	}
	cur, ok := m.jobs[job.ID]
	if !ok || cur.Status != from {
		return domain.ErrConflict
	}
	if m.activeHolder(job) {
		return domain.ErrAlreadyExists
	}
	next := job.Clone()
	next.ApprovalState = cur.ApprovalState
	m.jobs[job.ID] = next
	return nil
}

func (m *MockDraftJobRepo) UpdateApproval(ctx context.Context, tx repository.Tx, ownerID, id string, state model.ApprovalState, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return m.StoreErr
	}
	cur, ok := m.jobs[id]
	if !ok || cur.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	cur.SetApproval(state, now)
	return nil
}

func (m *MockDraftJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MockDraftJobRepo) FindByIDForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) (*model.DraftJob, error) {
	j, err := m.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (m *MockDraftJobRepo) sorted(keep func(*model.DraftJob) bool) []*model.DraftJob {
	var out []*model.DraftJob
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (m *MockDraftJobRepo) FindByThread(ctx context.Context, tx repository.Tx, ownerID, threadID string, statuses []model.DraftJobStatus, excludeID string) (*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	match := m.sorted(func(j *model.DraftJob) bool {
		if j.OwnerID != ownerID || j.ThreadID != threadID || j.ID == excludeID {
			return false
		}
		for _, s := range statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	})
	if len(match) == 0 {
		return nil, domain.ErrNotFound
	}
	return match[0], nil
}

func (m *MockDraftJobRepo) FindBySourceMessage(ctx context.Context, tx repository.Tx, ownerID, sourceMessageID string) (*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	var best *model.DraftJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.SourceMessageID == sourceMessageID {
			if best == nil || j.UpdatedAt.After(best.UpdatedAt) {
				best = j
			}
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MockDraftJobRepo) ListDispatchable(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	pending := m.sorted(func(j *model.DraftJob) bool { return j.Status == model.DraftJobStatusPending })
	seen := map[string]bool{}
	var out []*model.DraftJob
	for _, j := range pending {
		key := j.OwnerID + "\x00" + j.ThreadID
		if seen[key] {
			continue
		}
		seen[key] = true
		if j.DueAt(now) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Priority.Rank() > out[k].Priority.Rank() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDraftJobRepo) ListStuck(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	out := m.sorted(func(j *model.DraftJob) bool {
		return j.Status == model.DraftJobStatusGenerating && j.UpdatedAt.Before(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDraftJobRepo) List(ctx context.Context, tx repository.Tx, ownerID string, f repository.DraftJobFilter) ([]*model.DraftJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return nil, m.StoreErr
	}
	out := m.sorted(func(j *model.DraftJob) bool {
		return j.OwnerID == ownerID &&
			(f.Status == "" || j.Status == f.Status) &&
			(f.ApprovalState == "" || j.ApprovalState == f.ApprovalState) &&
			(f.ThreadID == "" || j.ThreadID == f.ThreadID)
	})
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockDraftJobRepo) DeleteForOwner(ctx context.Context, tx repository.Tx, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return m.StoreErr
	}
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	mu    sync.Mutex
	Calls int
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func NewMockTxManager() *MockTxManager { return &MockTxManager{} }

func (m *MockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	return fn(ctx, repository.NoTX)
}

// =============================
// Adapters
// =============================

// ---- Mock ContentGenerator ----

type MockGenerator struct {
	mu       sync.Mutex
	Calls    int
	Subjects []string

	GenerateFunc func(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error)
}

var _ adapter.ContentGenerator = (*MockGenerator)(nil)

func (m *MockGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	m.mu.Lock()
	m.Calls++
	m.Subjects = append(m.Subjects, req.Subject)
	fn := m.GenerateFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return adapter.Generation{Content: "Reply to: " + req.Subject, Model: "test"}, nil
}

func (m *MockGenerator) SetFunc(fn func(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error)) {
	m.mu.Lock()
	m.GenerateFunc = fn
	m.mu.Unlock()
}

func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

func failingGenerator(ctx context.Context, req adapter.GenerationRequest) (adapter.Generation, error) {
	return adapter.Generation{}, fmt.Errorf("%w: quota exhausted", domain.ErrGeneration)
}

// ---- Mock MailboxAPI ----

type mockDraft struct {
	ID  string
	Req adapter.DraftRequest
}

// MockMailbox is an in-memory mailbox. It sits behind the real
// mailbox.DraftClient so draft deduplication is exercised end to end.
type MockMailbox struct {
	mu      sync.Mutex
	Self    string
	Threads map[string][]adapter.MailMessage
	drafts  map[string]mockDraft
	seq     int

	ThreadErr error
	CreateErr error
}

var _ adapter.MailboxAPI = (*MockMailbox)(nil)

func NewMockMailbox() *MockMailbox {
	return &MockMailbox{
		Self:    "rep@agency.com",
		Threads: map[string][]adapter.MailMessage{},
		drafts:  map[string]mockDraft{},
	}
}

func (m *MockMailbox) AccountAddress(ctx context.Context, ownerID string) (string, error) {
	return m.Self, nil
}

func (m *MockMailbox) ListThreadMessages(ctx context.Context, ownerID, threadID string) ([]adapter.MailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ThreadErr != nil {
		return nil, m.ThreadErr
	}
	msgs, ok := m.Threads[threadID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]adapter.MailMessage(nil), msgs...), nil
}

func (m *MockMailbox) ListDraftsForThread(ctx context.Context, ownerID, threadID string) ([]adapter.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []adapter.ArtifactRef
	for _, d := range m.drafts {
		if d.Req.OwnerID == ownerID && d.Req.ThreadID == threadID {
			out = append(out, adapter.ArtifactRef{ID: d.ID, ThreadID: threadID, Body: d.Req.Body})
		}
	}
	return out, nil
}

func (m *MockMailbox) CreateDraft(ctx context.Context, req adapter.DraftRequest) (adapter.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return adapter.ArtifactRef{}, m.CreateErr
	}
	m.seq++
	id := fmt.Sprintf("draft-%d", m.seq)
	m.drafts[id] = mockDraft{ID: id, Req: req}
	return adapter.ArtifactRef{ID: id, ThreadID: req.ThreadID}, nil
}

func (m *MockMailbox) SendDraft(ctx context.Context, ownerID, artifactID string) (adapter.SentRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[artifactID]
	if !ok {
		return adapter.SentRef{}, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, artifactID)
	}
	delete(m.drafts, artifactID)
	return adapter.SentRef{MessageID: "msg-" + artifactID, ThreadID: d.Req.ThreadID}, nil
}

func (m *MockMailbox) DeleteDraft(ctx context.Context, ownerID, artifactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, artifactID)
	return nil
}

// DraftsFor returns the drafts stored for a thread, ordered by id.
func (m *MockMailbox) DraftsFor(threadID string) []mockDraft {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockDraft
	for _, d := range m.drafts {
		if d.Req.ThreadID == threadID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (m *MockMailbox) HasDraft(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.drafts[id]
	return ok
}

// PutDraft simulates a draft created outside the job store's knowledge.
func (m *MockMailbox) PutDraft(ownerID, threadID string) string {
	ref, _ := m.CreateDraft(context.Background(), adapter.DraftRequest{OwnerID: ownerID, ThreadID: threadID, Body: "orphan"})
	return ref.ID
}

// ---- Mock AlertNotifier ----

type MockAlerts struct {
	mu     sync.Mutex
	Failed []string
}

var _ adapter.AlertNotifier = (*MockAlerts)(nil)

func (m *MockAlerts) JobFailed(ctx context.Context, job *model.DraftJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, job.ID)
	return nil
}

func (m *MockAlerts) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Failed)
}

// ---- Mock ThreadLocker ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	seq   int
	Tries int
}

var _ usecase.ThreadLocker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker { return &MockLocker{held: map[string]string{}} }

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tries++
	if _, ok := m.held[key]; ok {
		return "", fmt.Errorf("%w: lock %s held", domain.ErrConflict, key)
	}
	m.seq++
	token := fmt.Sprintf("tok-%d", m.seq)
	m.held[key] = token
	return token, nil
}

func (m *MockLocker) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

func (m *MockLocker) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// =============================
// Fixture
// =============================

type fixture struct {
	repo   *MockDraftJobRepo
	tm     *MockTxManager
	gen    *MockGenerator
	mail   *MockMailbox
	alerts *MockAlerts
	locker *MockLocker
	clock  *fakeClock
	uc     usecase.DraftUseCase
}

const owner = "owner-1"

func newFixture(t *testing.T, tweak ...func(*usecase.DraftOptions)) *fixture {
	t.Helper()
	f := &fixture{
		repo:   NewMockDraftJobRepo(),
		tm:     NewMockTxManager(),
		gen:    &MockGenerator{},
		mail:   NewMockMailbox(),
		alerts: &MockAlerts{},
		locker: NewMockLocker(),
		clock:  newFakeClock(),
	}
	opts := usecase.DraftOptions{
		MaxRetries:     3,
		BatchSize:      10,
		StuckThreshold: 10 * time.Minute,
		CallTimeout:    time.Second,
		Now:            f.clock.Now,
		Jitter:         func() float64 { return 0.5 },
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	log := newTestLogger()
	drafts := mailbox.NewDraftClient(f.mail, log)
	resolver := usecase.NewReplyResolver(f.mail, log)
	f.uc = usecase.NewDraftUseCase(f.repo, f.tm, f.gen, resolver, drafts, f.alerts, f.locker, opts, log)
	return f
}

func params(thread, source string) model.DraftJobParams {
	return model.DraftJobParams{
		OwnerID:         owner,
		ThreadID:        thread,
		SourceMessageID: source,
		Subject:         "Question about " + thread,
		SenderAddress:   "client@corp.com",
		SenderName:      "Client",
		OriginalBody:    "Hello, can you help?",
	}
}

// seed stores a job built from p, then lets mutate adjust it.
func (f *fixture) seed(t *testing.T, p model.DraftJobParams, mutate func(j *model.DraftJob)) *model.DraftJob {
	t.Helper()
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	j, err := model.NewDraftJob(p, f.clock.Now())
	if err != nil {
		t.Fatalf("NewDraftJob: %v", err)
	}
	if mutate != nil {
		mutate(j)
	}
	f.repo.Seed(j)
	return j
}

func (f *fixture) runCycles(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.uc.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}
}
