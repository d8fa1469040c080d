package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/scenejobs/internal/atomicfile"
	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/filelock"
	"github.com/dunamismax/scenejobs/internal/id"
)

const defaultListConcurrency = 8

type FileConfig struct {
	// Dir holds the jobs/, index/ and locks/ subdirectories.
	Dir              string
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	LockStaleAfter   time.Duration
	ListConcurrency  int
}

// FileJobStore keeps one JSON file per job and one index file per scenario
// under a shared directory. All coordination goes through file locks, so
// several processes may share the directory.
//
// Layout:
//
//	jobs/{job_id}.json
//	index/scenario_{scenario_id}.json
//	locks/{job_id}.lock, locks/index_{scenario_id}.lock
type FileJobStore struct {
	jobsDir         string
	locks           *filelock.Locker
	index           *scenarioIndex
	lockTimeout     time.Duration
	listConcurrency int
	logger          *log.Logger
	tracer          trace.Tracer
	now             func() time.Time
	newID           func() string
}

func NewFileJobStore(cfg FileConfig, logger *log.Logger, lockMetrics *filelock.Metrics) (*FileJobStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("job data directory is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	jobsDir := filepath.Join(cfg.Dir, "jobs")
	indexDir := filepath.Join(cfg.Dir, "index")
	for _, dir := range []string{jobsDir, indexDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	locks, err := filelock.NewLocker(filelock.Config{
		Dir:          filepath.Join(cfg.Dir, "locks"),
		PollInterval: cfg.LockPollInterval,
		StaleAfter:   cfg.LockStaleAfter,
	}, logger, lockMetrics)
	if err != nil {
		return nil, fmt.Errorf("initialize locks: %w", err)
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = filelock.DefaultTimeout
	}
	listConcurrency := cfg.ListConcurrency
	if listConcurrency < 1 {
		listConcurrency = defaultListConcurrency
	}

	now := func() time.Time { return time.Now().UTC() }
	return &FileJobStore{
		jobsDir: jobsDir,
		locks:   locks,
		index: &scenarioIndex{
			dir:         indexDir,
			locks:       locks,
			lockTimeout: lockTimeout,
			now:         now,
		},
		lockTimeout:     lockTimeout,
		listConcurrency: listConcurrency,
		logger:          logger,
		tracer:          otel.Tracer("scenejobs/store"),
		now:             now,
		newID:           id.NewJobID,
	}, nil
}

func (s *FileJobStore) jobPath(jobID string) string {
	return filepath.Join(s.jobsDir, jobID+".json")
}

// Create writes a new queued job under its lock and then appends it to the
// scenario index under the index lock. If the append fails the job file
// stays in place and remains reachable through Get; the written record is
// returned along with the error.
func (s *FileJobStore) Create(ctx context.Context, req domain.CreateJobRequest) (job domain.Job, err error) {
	ctx, span := s.startSpan(ctx, "store.create")
	defer func() { endSpan(span, err) }()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	job = newQueuedJob(req, s.newID(), s.now())
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("scenario.id", job.Payload.ScenarioID),
	)

	err = s.locks.With(ctx, job.ID, s.lockTimeout, func() error {
		return atomicfile.WriteJSON(s.jobPath(job.ID), job)
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("write job %s: %w", job.ID, err)
	}

	if err := s.index.Append(ctx, job.Payload.ScenarioID, job.ID); err != nil {
		s.logger.Printf("scenario index append failed job_id=%s scenario_id=%s err=%v", job.ID, job.Payload.ScenarioID, err)
		return job, fmt.Errorf("index job %s: %w", job.ID, err)
	}

	return job, nil
}

func (s *FileJobStore) Get(ctx context.Context, jobID string) (job domain.Job, err error) {
	ctx, span := s.startSpan(ctx, "store.get", attribute.String("job.id", jobID))
	defer func() { endSpan(span, err) }()

	if err := s.checkExists(jobID); err != nil {
		return domain.Job{}, err
	}

	err = s.locks.With(ctx, jobID, s.lockTimeout, func() error {
		var err error
		job, err = s.readJob(jobID)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Update applies the supplied fields to the stored record as one
// read-modify-write under the job's lock.
func (s *FileJobStore) Update(ctx context.Context, jobID string, req domain.UpdateJobRequest) (domain.Job, error) {
	return s.modify(ctx, "store.update", jobID, func(job *domain.Job) error {
		if err := req.Validate(job.Type); err != nil {
			return err
		}
		req.Apply(job, s.now())
		return nil
	})
}

// Modify runs fn on the current record under the job's lock and persists
// the outcome. Identity fields are restored after fn, progress is clamped
// and result and error stay mutually exclusive.
func (s *FileJobStore) Modify(ctx context.Context, jobID string, fn func(job *domain.Job) error) (domain.Job, error) {
	return s.modify(ctx, "store.modify", jobID, fn)
}

func (s *FileJobStore) modify(ctx context.Context, spanName, jobID string, fn func(job *domain.Job) error) (job domain.Job, err error) {
	ctx, span := s.startSpan(ctx, spanName, attribute.String("job.id", jobID))
	defer func() { endSpan(span, err) }()

	if err := s.checkExists(jobID); err != nil {
		return domain.Job{}, err
	}

	err = s.locks.With(ctx, jobID, s.lockTimeout, func() error {
		current, err := s.readJob(jobID)
		if err != nil {
			return err
		}

		next := current
		if err := fn(&next); err != nil {
			return err
		}
		sealModified(&next, current, s.now())

		if err := atomicfile.WriteJSON(s.jobPath(jobID), next); err != nil {
			return fmt.Errorf("write job %s: %w", jobID, err)
		}
		job = next
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// ListByScenario returns the scenario's jobs ordered by creation time. Ids
// listed in the index without a job file are skipped.
func (s *FileJobStore) ListByScenario(ctx context.Context, scenarioID string) (jobs []domain.Job, err error) {
	ctx, span := s.startSpan(ctx, "store.list_by_scenario", attribute.String("scenario.id", scenarioID))
	defer func() { endSpan(span, err) }()

	if !domain.IsSafeName(scenarioID) {
		return nil, fmt.Errorf("%w: invalid scenario_id %q", domain.ErrInvalidArgument, scenarioID)
	}

	ids, err := s.index.Load(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	found := make([]*domain.Job, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.listConcurrency)
	for i, jobID := range ids {
		g.Go(func() error {
			job, err := s.Get(gctx, jobID)
			if errors.Is(err, ErrJobNotFound) {
				s.logger.Printf("skipping indexed job without record scenario_id=%s job_id=%s", scenarioID, jobID)
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = &job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	jobs = make([]domain.Job, 0, len(ids))
	for _, job := range found {
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	sortByCreation(jobs)
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	return jobs, nil
}

func (s *FileJobStore) checkExists(jobID string) error {
	if !domain.IsSafeName(jobID) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if _, err := os.Stat(s.jobPath(jobID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("stat job %s: %w", jobID, err)
	}
	return nil
}

func (s *FileJobStore) readJob(jobID string) (domain.Job, error) {
	var job domain.Job
	if err := atomicfile.ReadJSON(s.jobPath(jobID), &job); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return domain.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *FileJobStore) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
