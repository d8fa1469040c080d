package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidArgument marks malformed input: a bad create request, an
// unknown status or a result that does not belong to the job's type.
var ErrInvalidArgument = errors.New("invalid argument")

type JobType string

const (
	JobTypeRenderScene JobType = "render_scene"
	JobTypeMerge       JobType = "merge"
	JobTypeRenderAll   JobType = "render_all"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeRenderScene, JobTypeMerge, JobTypeRenderAll:
		return true
	default:
		return false
	}
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Scenario and job identifiers end up in file and lock names.
var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// IsSafeName reports whether s can be used as a path component in the job
// data directory.
func IsSafeName(s string) bool {
	return safeName.MatchString(s)
}

type JobPayload struct {
	ScenarioID string         `json:"scenario_id"`
	SceneIDs   []int          `json:"scene_ids"`
	Options    map[string]any `json:"options"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e JobError) Validate() error {
	if strings.TrimSpace(e.Code) == "" {
		return fmt.Errorf("%w: error.code is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Errorf("%w: error.message is required", ErrInvalidArgument)
	}
	return nil
}

type CreateJobRequest struct {
	Type    JobType    `json:"type"`
	Payload JobPayload `json:"payload"`
}

// Job is the persisted job record. Result and Error are never both set.
type Job struct {
	ID        string     `json:"job_id"`
	Type      JobType    `json:"type"`
	Status    JobStatus  `json:"status"`
	Payload   JobPayload `json:"payload"`
	Result    Result     `json:"result"`
	Error     *JobError  `json:"error"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UnmarshalJSON decodes the result according to the record's job type.
func (j *Job) UnmarshalJSON(data []byte) error {
	type jobAlias Job
	var raw struct {
		jobAlias
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	job := Job(raw.jobAlias)
	result, err := decodeResult(job.Type, raw.Result)
	if err != nil {
		return err
	}
	job.Result = result
	*j = job
	return nil
}

// UpdateJobRequest carries a partial update. Nil fields keep their stored
// value.
type UpdateJobRequest struct {
	Status   *JobStatus
	Progress *int
	Result   Result
	Error    *JobError
}

func (r *CreateJobRequest) Normalize() {
	r.Type = JobType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	r.Payload.ScenarioID = strings.TrimSpace(r.Payload.ScenarioID)
	if r.Payload.Options == nil {
		r.Payload.Options = map[string]any{}
	}
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(string(r.Type)) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidArgument)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unsupported type: %s", ErrInvalidArgument, r.Type)
	}
	if r.Payload.ScenarioID == "" {
		return fmt.Errorf("%w: payload.scenario_id is required", ErrInvalidArgument)
	}
	if !IsSafeName(r.Payload.ScenarioID) {
		return fmt.Errorf("%w: payload.scenario_id may only contain letters, digits, '-' and '_'", ErrInvalidArgument)
	}
	if len(r.Payload.SceneIDs) == 0 {
		return fmt.Errorf("%w: payload.scene_ids must contain at least one id", ErrInvalidArgument)
	}
	return nil
}

func (r UpdateJobRequest) Validate(jobType JobType) error {
	if r.Status != nil && !r.Status.Valid() {
		return fmt.Errorf("%w: unsupported status: %s", ErrInvalidArgument, *r.Status)
	}
	if r.Result != nil {
		if r.Result.JobType() != jobType {
			return fmt.Errorf("%w: %s result does not apply to a %s job", ErrInvalidArgument, r.Result.JobType(), jobType)
		}
		if err := r.Result.Validate(); err != nil {
			return err
		}
	}
	if r.Error != nil {
		if err := r.Error.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Apply mutates job with the supplied fields. Progress is clamped to
// [0, 100]. A result clears the error and an error clears the result; when
// both are supplied the error wins.
func (r UpdateJobRequest) Apply(job *Job, now time.Time) {
	if r.Status != nil {
		job.Status = *r.Status
	}
	if r.Progress != nil {
		job.Progress = ClampProgress(*r.Progress)
	}
	if r.Result != nil {
		job.Result = r.Result
		job.Error = nil
	}
	if r.Error != nil {
		e := *r.Error
		job.Error = &e
		job.Result = nil
	}
	job.UpdatedAt = now
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
