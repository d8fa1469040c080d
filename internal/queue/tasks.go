package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/scenejobs/internal/domain"
)

const TypeRenderJob = "job:render"

type RenderJobPayload struct {
	JobID       string         `json:"job_id"`
	JobType     domain.JobType `json:"job_type"`
	ScenarioID  string         `json:"scenario_id"`
	RequestedAt time.Time      `json:"requested_at"`
}

func NewRenderJobTask(payload RenderJobPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderJob, body), nil
}

func ParseRenderJobPayload(task *asynq.Task) (RenderJobPayload, error) {
	var payload RenderJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderJobPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if payload.JobID == "" {
		return RenderJobPayload{}, fmt.Errorf("render payload is missing job_id")
	}
	return payload, nil
}
