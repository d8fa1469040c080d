package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/queue"
	"github.com/dunamismax/scenejobs/internal/storage"
	"github.com/dunamismax/scenejobs/internal/store"
	"github.com/dunamismax/scenejobs/internal/webhook"
)

const errCodeArtifactMissing = "ARTIFACT_MISSING"

var (
	errArtifactsPending = errors.New("artifacts not ready")
	errJobTerminal      = errors.New("job already terminal")
)

type artifactStore interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type webhookNotifier interface {
	NotifyJob(ctx context.Context, endpoint, event string, job domain.Job) error
}

type ProcessorOptions struct {
	Webhook        webhookNotifier
	WebhookURL     string
	ArtifactURLTTL time.Duration
	Metrics        *Metrics
}

// Processor advances render jobs by watching for their artifacts in object
// storage. Rendering itself happens elsewhere.
type Processor struct {
	logger      *log.Logger
	jobStore    store.JobStore
	artifacts   artifactStore
	webhook     webhookNotifier
	webhookURL  string
	urlTTL      time.Duration
	metrics     *Metrics
	tracer      trace.Tracer
	lastAttempt func(ctx context.Context) bool
}

func NewProcessor(logger *log.Logger, jobStore store.JobStore, artifacts artifactStore, opts ProcessorOptions) *Processor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ttl := opts.ArtifactURLTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Processor{
		logger:      logger,
		jobStore:    jobStore,
		artifacts:   artifacts,
		webhook:     opts.Webhook,
		webhookURL:  opts.WebhookURL,
		urlTTL:      ttl,
		metrics:     m,
		tracer:      otel.Tracer("scenejobs/worker"),
		lastAttempt: isLastAttempt,
	}
}

func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

type artifact struct {
	key     string
	sceneID int
	merged  bool
}

func requiredArtifacts(job domain.Job) []artifact {
	var out []artifact
	if job.Type == domain.JobTypeRenderScene || job.Type == domain.JobTypeRenderAll {
		for _, sceneID := range job.Payload.SceneIDs {
			out = append(out, artifact{key: storage.SceneArtifactKey(job.Payload.ScenarioID, sceneID), sceneID: sceneID})
		}
	}
	if job.Type == domain.JobTypeMerge || job.Type == domain.JobTypeRenderAll {
		out = append(out, artifact{key: storage.MergedArtifactKey(job.Payload.ScenarioID), merged: true})
	}
	return out
}

func (p *Processor) HandleRenderJob(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRenderJobPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := p.tracer.Start(ctx, "worker.render_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.type", string(payload.JobType)),
		attribute.String("job.scenario_id", payload.ScenarioID),
	)
	defer span.End()

	startedAt := time.Now()
	outcome := "retry"
	defer func() {
		p.metrics.observeJob(string(payload.JobType), outcome, time.Since(startedAt))
	}()
	p.metrics.activeJobs.Inc()
	defer p.metrics.activeJobs.Dec()

	job, err := p.start(ctx, payload.JobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		outcome = "dropped"
		p.logger.Printf("job vanished job_id=%s", payload.JobID)
		return fmt.Errorf("load job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	case errors.Is(err, errJobTerminal):
		outcome = "skipped"
		p.logger.Printf("job already terminal job_id=%s status=%s", payload.JobID, job.Status)
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "start job")
		return fmt.Errorf("start job %s: %w", payload.JobID, err)
	}

	p.logger.Printf("Working... job_id=%s type=%s scenario_id=%s scenes=%d",
		job.ID, job.Type, job.Payload.ScenarioID, len(job.Payload.SceneIDs))

	required := requiredArtifacts(job)
	missing, err := p.checkArtifacts(ctx, job, required)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "check artifacts")
		return err
	}

	if len(missing) > 0 {
		if !p.lastAttempt(ctx) {
			p.logger.Printf("artifacts pending job_id=%s missing=%d/%d", job.ID, len(missing), len(required))
			return fmt.Errorf("job %s: %w: %s", job.ID, errArtifactsPending, strings.Join(missing, ","))
		}
		outcome = string(domain.JobStatusFailed)
		span.SetStatus(codes.Error, "artifacts missing")
		return p.fail(ctx, job.ID, missing)
	}

	result, err := p.buildResult(ctx, job, required)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign artifacts")
		return err
	}

	status := domain.JobStatusSucceeded
	progress := 100
	done, err := p.jobStore.Update(ctx, job.ID, domain.UpdateJobRequest{
		Status:   &status,
		Progress: &progress,
		Result:   result,
	})
	if err != nil {
		return fmt.Errorf("record result for %s: %w", job.ID, err)
	}

	outcome = string(domain.JobStatusSucceeded)
	span.SetStatus(codes.Ok, "rendered")
	p.logger.Printf("Finished job_id=%s artifacts=%d", job.ID, len(required))
	p.notify(ctx, webhook.EventJobSucceeded, done)
	return nil
}

// start moves a queued job to running. Terminal jobs are left untouched.
func (p *Processor) start(ctx context.Context, jobID string) (domain.Job, error) {
	var terminal domain.Job
	job, err := p.jobStore.Modify(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			terminal = *job
			return errJobTerminal
		}
		job.Status = domain.JobStatusRunning
		return nil
	})
	if errors.Is(err, errJobTerminal) {
		return terminal, err
	}
	return job, err
}

// checkArtifacts returns the keys that are not yet in storage and raises
// the job's progress to the share already present.
func (p *Processor) checkArtifacts(ctx context.Context, job domain.Job, required []artifact) ([]string, error) {
	var missing []string
	for _, a := range required {
		ok, err := p.artifacts.ObjectExists(ctx, a.key)
		if err != nil {
			p.metrics.artifactChecks.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("check artifact %s: %w", a.key, err)
		}
		if !ok {
			p.metrics.artifactChecks.WithLabelValues("missing").Inc()
			missing = append(missing, a.key)
			continue
		}
		p.metrics.artifactChecks.WithLabelValues("present").Inc()
	}

	if len(required) == 0 {
		return missing, nil
	}
	// 100 is reserved for the succeeded transition.
	progress := min((len(required)-len(missing))*100/len(required), 99)
	_, err := p.jobStore.Modify(ctx, job.ID, func(current *domain.Job) error {
		if current.Status.IsTerminal() {
			return errJobTerminal
		}
		current.Progress = max(current.Progress, progress)
		return nil
	})
	if err != nil && !errors.Is(err, errJobTerminal) {
		return nil, fmt.Errorf("record progress for %s: %w", job.ID, err)
	}
	return missing, nil
}

func (p *Processor) buildResult(ctx context.Context, job domain.Job, required []artifact) (domain.Result, error) {
	var (
		scenes    []domain.SceneVideo
		mergedURL string
	)
	for _, a := range required {
		url, err := p.artifacts.PresignedGetURL(ctx, a.key, p.urlTTL)
		if err != nil {
			return nil, err
		}
		if a.merged {
			mergedURL = url
			continue
		}
		scenes = append(scenes, domain.SceneVideo{ID: a.sceneID, VideoURL: url})
	}

	switch job.Type {
	case domain.JobTypeRenderScene:
		return domain.RenderSceneResult{Scenes: scenes}, nil
	case domain.JobTypeMerge:
		return domain.MergeResult{MergedURL: mergedURL}, nil
	case domain.JobTypeRenderAll:
		return domain.RenderAllResult{Scenes: scenes, MergedURL: mergedURL}, nil
	default:
		return nil, fmt.Errorf("unknown job type %q: %w", job.Type, asynq.SkipRetry)
	}
}

func (p *Processor) fail(ctx context.Context, jobID string, missing []string) error {
	status := domain.JobStatusFailed
	failed, err := p.jobStore.Update(ctx, jobID, domain.UpdateJobRequest{
		Status: &status,
		Error: &domain.JobError{
			Code:    errCodeArtifactMissing,
			Message: "missing artifacts: " + strings.Join(missing, ", "),
		},
	})
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", jobID, err)
	}

	p.logger.Printf("job failed job_id=%s missing=%d", jobID, len(missing))
	p.notify(ctx, webhook.EventJobFailed, failed)
	return fmt.Errorf("job %s: %w: %w", jobID, errArtifactsPending, asynq.SkipRetry)
}

func (p *Processor) notify(ctx context.Context, event string, job domain.Job) {
	if p.webhook == nil || p.webhookURL == "" {
		return
	}
	if err := p.webhook.NotifyJob(ctx, p.webhookURL, event, job); err != nil {
		p.metrics.webhookFailures.WithLabelValues(event).Inc()
		p.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}
