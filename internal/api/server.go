package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/scenejobs/internal/domain"
	"github.com/dunamismax/scenejobs/internal/queue"
	"github.com/dunamismax/scenejobs/internal/store"
)

type Server struct {
	logger                *log.Logger
	jobStore              store.JobStore
	queueClient           queueEnqueuer
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	corsOrigins           map[string]struct{}
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueRenderJob(ctx context.Context, payload queue.RenderJobPayload) (*asynq.TaskInfo, error)
}

// Options carries the optional collaborators of a Server. Nil values
// disable the corresponding feature.
type Options struct {
	QueueClient         queueEnqueuer
	RateLimiter         RateLimiter
	RateLimitUserHeader string
	CORSOrigins         []string
	Registry            *prometheus.Registry
	Tracer              trace.Tracer
}

func NewServer(logger *log.Logger, jobStore store.JobStore, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	userHeader := strings.TrimSpace(opts.RateLimitUserHeader)
	if userHeader == "" {
		userHeader = "X-User-ID"
	}
	origins := make(map[string]struct{}, len(opts.CORSOrigins))
	for _, origin := range opts.CORSOrigins {
		origins[origin] = struct{}{}
	}

	s := &Server{
		logger:                logger,
		jobStore:              jobStore,
		queueClient:           opts.QueueClient,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: userHeader,
		corsOrigins:           origins,
		metrics:               newMetrics(opts.Registry),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withCORS(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/v1/jobs/{job_id}", s.handleGetJob)
	s.mux.HandleFunc("PATCH /api/v1/jobs/{job_id}", s.handleUpdateJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}

	job, err := s.jobStore.Create(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, "create job", "", err)
		return
	}

	s.enqueue(r.Context(), job)
	writeJSON(w, http.StatusCreated, job)
}

// enqueue hands the job to the worker. The job is already persisted as
// queued, so a failed hand-off is logged and the record is still returned.
func (s *Server) enqueue(ctx context.Context, job domain.Job) {
	if s.queueClient == nil {
		return
	}

	info, err := s.queueClient.EnqueueRenderJob(ctx, queue.RenderJobPayload{
		JobID:       job.ID,
		JobType:     job.Type,
		ScenarioID:  job.Payload.ScenarioID,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, "get job", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	scenarioID := strings.TrimSpace(r.URL.Query().Get("scenario_id"))
	if scenarioID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "scenario_id query parameter is required")
		return
	}

	jobs, err := s.jobStore.ListByScenario(r.Context(), scenarioID)
	if err != nil {
		s.writeStoreError(w, "list jobs", "", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type updateJobBody struct {
	Status   *domain.JobStatus `json:"status"`
	Progress *int              `json:"progress"`
	Result   json.RawMessage   `json:"result"`
	Error    *domain.JobError  `json:"error"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	var body updateJobBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
		return
	}

	req := domain.UpdateJobRequest{
		Status:   body.Status,
		Progress: body.Progress,
		Error:    body.Error,
	}

	if len(body.Result) > 0 && string(body.Result) != "null" {
		// The result shape depends on the job type, which is immutable.
		current, err := s.jobStore.Get(r.Context(), jobID)
		if err != nil {
			s.writeStoreError(w, "update job", jobID, err)
			return
		}
		result, err := domain.DecodeResult(current.Type, body.Result)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, err.Error())
			return
		}
		req.Result = result
	}

	job, err := s.jobStore.Update(r.Context(), jobID, req)
	if err != nil {
		s.writeStoreError(w, "update job", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
