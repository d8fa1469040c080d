package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/id"
)

// MemoryJobStore is a single-process JobStore used in tests and local
// development. It follows FileJobStore semantics without persistence.
type MemoryJobStore struct {
	mu        sync.RWMutex
	jobs      map[string]domain.Job
	scenarios map[string][]string
	now       func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:      make(map[string]domain.Job),
		scenarios: make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, req domain.CreateJobRequest) (domain.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := newQueuedJob(req, id.NewJobID(), s.now())
	s.jobs[job.ID] = job

	scenarioID := job.Payload.ScenarioID
	if !slices.Contains(s.scenarios[scenarioID], job.ID) {
		s.scenarios[scenarioID] = append(s.scenarios[scenarioID], job.ID)
	}
	return job, nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, jobID string, req domain.UpdateJobRequest) (domain.Job, error) {
	return s.Modify(ctx, jobID, func(job *domain.Job) error {
		if err := req.Validate(job.Type); err != nil {
			return err
		}
		req.Apply(job, s.now())
		return nil
	})
}

func (s *MemoryJobStore) Modify(_ context.Context, jobID string, fn func(job *domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	next := current
	if err := fn(&next); err != nil {
		return domain.Job{}, err
	}
	sealModified(&next, current, s.now())
	s.jobs[jobID] = next
	return next, nil
}

func (s *MemoryJobStore) ListByScenario(_ context.Context, scenarioID string) ([]domain.Job, error) {
	if !domain.IsSafeName(scenarioID) {
		return nil, fmt.Errorf("%w: invalid scenario_id %q", domain.ErrInvalidArgument, scenarioID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(s.scenarios[scenarioID]))
	for _, jobID := range s.scenarios[scenarioID] {
		if job, ok := s.jobs[jobID]; ok {
			jobs = append(jobs, job)
		}
	}
	sortByCreation(jobs)
	return jobs, nil
}
