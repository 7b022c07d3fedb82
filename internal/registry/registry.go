// Package registry is the concurrency-safe in-memory store of jobs. It is the
// only piece of shared state between supervision units: everything else talks
// through Patch, which serializes mutations per job and enforces the job
// invariants (monotonic status, first-writer-wins identifiers, write-once
// terminal data).
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetsync/botherd/internal/model"
)

type entry struct {
	mu  sync.Mutex
	job model.Job
}

type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

func New() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
	}
}

// Create mints a new pending job for the submission and stores it.
func (r *Registry) Create(sub model.Submission) model.Job {
	now := time.Now().UTC()
	job := model.Job{
		ID:         uuid.NewString(),
		Status:     model.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Submission: sub,
	}

	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()
	return job
}

// Get returns a copy of the job or model.ErrNotFound.
func (r *Registry) Get(id string) (model.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// List returns a copy of every job, newest first not guaranteed.
func (r *Registry) List() []model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job)
		e.mu.Unlock()
	}
	return jobs
}

// Patch applies mutate to the job under its lock and returns the result.
// Concurrent patches never lose updates: they are serialized per job.
//
// The job invariants hold no matter what mutate does:
//   - ID, CreatedAt and Submission are immutable,
//   - BotUUID and ContainerName keep their first non-empty value,
//   - ExitCode, Signal and Reason are write-once,
//   - illegal status transitions are dropped (status stays put),
//   - UpdatedAt is refreshed and never decreases.
func (r *Registry) Patch(id string, mutate func(*model.Job)) (model.Job, error) {
	e, err := r.entry(id)
	if err != nil {
		return model.Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.job
	next := prev
	mutate(&next)

	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.Submission = prev.Submission
	if prev.BotUUID != "" {
		next.BotUUID = prev.BotUUID
	}
	if prev.ContainerName != "" {
		next.ContainerName = prev.ContainerName
	}
	if prev.HostMapping != "" {
		next.HostMapping = prev.HostMapping
	}
	if prev.ExitCode != nil {
		next.ExitCode = prev.ExitCode
	}
	if prev.Signal != "" {
		next.Signal = prev.Signal
	}
	if prev.Reason != "" {
		next.Reason = prev.Reason
	}
	if !prev.Status.CanTransition(next.Status) {
		next.Status = prev.Status
	}

	now := time.Now().UTC()
	if now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	next.UpdatedAt = now

	e.job = next
	return next, nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return e, nil
}
