package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dunamismax/scenejobs/internal/atomicfile"
	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/filelock"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLockTimeout is retryable: the resource may free up shortly.
	ErrLockTimeout = filelock.ErrTimeout
	// ErrDecode signals unreadable on-disk content, a storage fault.
	ErrDecode = atomicfile.ErrDecode
)

// JobStore persists job records and indexes them by scenario. It does not
// validate status transitions; whoever drives execution owns that.
type JobStore interface {
	Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, req domain.UpdateJobRequest) (domain.Job, error)
	ListByScenario(ctx context.Context, scenarioID string) ([]domain.Job, error)
	// Modify is an atomic read-modify-write for callers whose change depends
	// on the current record, such as progress increments.
	Modify(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error)
}

const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Open builds the JobStore for backend. The memory backend ignores cfg and
// is only shared within one process.
func Open(backend string, cfg FileConfig, logger *log.Logger, lockMetrics *filelock.Metrics) (JobStore, error) {
	switch backend {
	case BackendFile, "":
		return NewFileJobStore(cfg, logger, lockMetrics)
	case BackendMemory:
		return NewMemoryJobStore(), nil
	default:
		return nil, fmt.Errorf("unsupported job store backend: %s", backend)
	}
}

func newQueuedJob(req domain.CreateJobRequest, jobID string, now time.Time) domain.Job {
	return domain.Job{
		ID:        jobID,
		Type:      req.Type,
		Status:    domain.JobStatusQueued,
		Payload:   req.Payload,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sealModified(next *domain.Job, current domain.Job, now time.Time) {
	next.ID = current.ID
	next.Type = current.Type
	next.CreatedAt = current.CreatedAt
	next.Progress = domain.ClampProgress(next.Progress)
	if next.Result != nil && next.Error != nil {
		// Keep whichever of the two fn set.
		if next.Error == current.Error {
			next.Error = nil
		} else {
			next.Result = nil
		}
	}
	next.UpdatedAt = now
}

// sortByCreation orders jobs by created_at ascending, using updated_at for
// records without a creation time.
func sortByCreation(jobs []domain.Job) {
	key := func(j domain.Job) time.Time {
		if j.CreatedAt.IsZero() {
			return j.UpdatedAt
		}
		return j.CreatedAt
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return key(jobs[a]).Before(key(jobs[b]))
	})
}
