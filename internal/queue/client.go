package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client      *asynq.Client
	queue       string
	maxAttempts int
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxAttempts int) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		client:      asynq.NewClient(redisOpt),
		queue:       queueName,
		maxAttempts: maxAttempts,
	}
}

// EnqueueRenderJob hands a created job to the worker. The task id is the
// job id, so a job is enqueued at most once while its task is retained.
func (c *Client) EnqueueRenderJob(ctx context.Context, payload RenderJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewRenderJobTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxAttempts-1),
		asynq.Timeout(3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
