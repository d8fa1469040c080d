package worker

import (
	"context"
	"log"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/scenejobs/internal/config"
	"github.com/dunamismax/scenejobs/internal/queue"
)

type Server struct {
	logger    *log.Logger
	server    *asynq.Server
	processor *Processor
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, processor *Processor) *Server {
	return &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		processor: processor,
	}
}

// Run blocks until the process receives a termination signal.
func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderJob, s.processor.HandleRenderJob)
	return s.server.Run(mux)
}
