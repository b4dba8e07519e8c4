package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"reelforge/internal/delivery"
	"reelforge/internal/domain"
	"reelforge/internal/providers/kie"
	"reelforge/internal/storage"
)

// memJobs is an in-memory job table with the same transition rules as the SQL store.
type memJobs struct {
	domain.JobRepository

	mu        sync.Mutex
	jobs      map[string]*domain.Job
	order     []string
	balances  map[string]int
	requeued  map[string]time.Time
	updateErr error
	reconcile int
	stuck     domain.StuckReport
	sweeps    int
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs:     map[string]*domain.Job{},
		balances: map[string]int{},
		requeued: map[string]time.Time{},
	}
}

func (m *memJobs) add(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
}

func (m *memJobs) get(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) ClaimNextQueued(context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == domain.JobStatusQueued && !j.AvailableAt.After(time.Now()) {
			j.Status = domain.JobStatusProcessing
			j.Attempts++
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNoJobAvailable
}

func (m *memJobs) ApplyUpdate(_ context.Context, id string, p domain.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.IsTerminal() && p.Status != nil && *p.Status != j.Status {
		return domain.ErrTerminalState
	}
	if p.Attempt > 0 && !heldBy(j, p.Attempt) {
		if j.Status.IsTerminal() {
			return domain.ErrTerminalState
		}
		return domain.ErrClaimLost
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.ExternalTaskID != nil {
		j.ExternalTaskID = *p.ExternalTaskID
	}
	if p.OutputReference != nil {
		j.OutputReference = *p.OutputReference
	}
	if p.ErrorSummary != nil {
		j.ErrorSummary = *p.ErrorSummary
	}
	if p.ErrorKind != nil {
		j.ErrorKind = *p.ErrorKind
	}
	if p.FinishedAt != nil {
		j.FinishedAt = p.FinishedAt
	}
	return nil
}

func (m *memJobs) Requeue(_ context.Context, id string, attempt int, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.IsTerminal() {
		return domain.ErrTerminalState
	}
	if !heldBy(j, attempt) {
		return domain.ErrClaimLost
	}
	j.Status = domain.JobStatusQueued
	j.AvailableAt = notBefore
	m.requeued[id] = notBefore
	return nil
}

func (m *memJobs) FailAndRefund(_ context.Context, id string, attempt int, summary string, kind domain.ErrorKind) (domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Refund{}, domain.ErrNotFound
	}
	if j.Status == domain.JobStatusDone {
		return domain.Refund{}, domain.ErrTerminalState
	}
	if j.Refunded {
		return domain.Refund{}, nil
	}
	if attempt > 0 && !heldBy(j, attempt) {
		if j.Status == domain.JobStatusFailed {
			return domain.Refund{}, nil
		}
		return domain.Refund{}, domain.ErrClaimLost
	}
	j.Status = domain.JobStatusFailed
	j.ErrorSummary = summary
	j.ErrorKind = kind
	j.Refunded = true
	m.balances[j.OwnerID]++
	return domain.Refund{OwnerID: j.OwnerID, Balance: m.balances[j.OwnerID], Refunded: true}, nil
}

// reclaim mimics the stuck sweep requeueing a job and another worker claiming it.
func (m *memJobs) reclaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = domain.JobStatusProcessing
	j.Attempts++
}

func (m *memJobs) Balance(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

func (m *memJobs) ReconcileRefunds(context.Context, int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	return m.reconcile, nil
}

func (m *memJobs) RecoverStuck(context.Context, time.Duration, int) (domain.StuckReport, error) {
	return m.stuck, nil
}

func heldBy(j *domain.Job, attempt int) bool {
	return j.Status == domain.JobStatusProcessing && j.Attempts == attempt
}

// scriptedProvider replays canned create and status results.
type scriptedProvider struct {
	mu          sync.Mutex
	createErr   error
	statuses    []statusStep
	download    []byte
	downloadErr error
	creds       []kie.Credential
	polls       int
	onPoll      func(n int)
}

type statusStep struct {
	status kie.TaskStatus
	err    error
}

func (p *scriptedProvider) CreateTask(_ context.Context, cred kie.Credential, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = append(p.creds, cred)
	if p.createErr != nil {
		return "", p.createErr
	}
	return "task-1", nil
}

func (p *scriptedProvider) GetTaskStatus(context.Context, kie.Credential, string) (kie.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.onPoll != nil {
		p.onPoll(p.polls)
	}
	if len(p.statuses) == 0 {
		return kie.TaskStatus{State: kie.TaskPending}, nil
	}
	step := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	return step.status, step.err
}

func (p *scriptedProvider) Download(context.Context, kie.Credential, string) ([]byte, string, error) {
	if p.downloadErr != nil {
		return nil, "", p.downloadErr
	}
	return p.download, "video/mp4", nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.objects[key] = data
	return key, nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (s *memStore) Delete(context.Context, string) error { return nil }

func (s *memStore) PublicURL(key string) string { return "https://files.example/" + key }

type recorder struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (r *recorder) Notify(_ context.Context, e delivery.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []delivery.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

var errDisk = errors.New("disk unavailable")
