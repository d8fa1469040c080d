package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Result is the success payload of a job. Its concrete shape is fixed by
// the job type.
type Result interface {
	JobType() JobType
	Validate() error
}

type SceneVideo struct {
	ID       int    `json:"id"`
	VideoURL string `json:"video_url"`
}

type RenderSceneResult struct {
	Scenes []SceneVideo `json:"scenes"`
}

type MergeResult struct {
	MergedURL string `json:"merged_url"`
}

type RenderAllResult struct {
	Scenes    []SceneVideo `json:"scenes"`
	MergedURL string       `json:"merged_url"`
}

func (RenderSceneResult) JobType() JobType { return JobTypeRenderScene }
func (MergeResult) JobType() JobType       { return JobTypeMerge }
func (RenderAllResult) JobType() JobType   { return JobTypeRenderAll }

func (r RenderSceneResult) Validate() error {
	return validateScenes(r.Scenes)
}

func (r MergeResult) Validate() error {
	if strings.TrimSpace(r.MergedURL) == "" {
		return fmt.Errorf("%w: result.merged_url is required", ErrInvalidArgument)
	}
	return nil
}

func (r RenderAllResult) Validate() error {
	if err := validateScenes(r.Scenes); err != nil {
		return err
	}
	return MergeResult{MergedURL: r.MergedURL}.Validate()
}

func validateScenes(scenes []SceneVideo) error {
	if len(scenes) == 0 {
		return fmt.Errorf("%w: result.scenes must contain at least one scene", ErrInvalidArgument)
	}
	for i, scene := range scenes {
		if strings.TrimSpace(scene.VideoURL) == "" {
			return fmt.Errorf("%w: result.scenes[%d].video_url is required", ErrInvalidArgument, i)
		}
	}
	return nil
}

// DecodeResult decodes a client-supplied result into the shape owned by
// jobType. An empty or null document yields a nil Result. Errors wrap
// ErrInvalidArgument.
func DecodeResult(jobType JobType, raw json.RawMessage) (Result, error) {
	result, err := decodeResult(jobType, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return result, nil
}

// decodeResult reports plain errors so stored records that fail to decode
// are not mistaken for bad client input.
func decodeResult(jobType JobType, raw json.RawMessage) (Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var (
		result Result
		err    error
	)
	switch jobType {
	case JobTypeRenderScene:
		var r RenderSceneResult
		err = decodeStrict(trimmed, &r)
		result = r
	case JobTypeMerge:
		var r MergeResult
		err = decodeStrict(trimmed, &r)
		result = r
	case JobTypeRenderAll:
		var r RenderAllResult
		err = decodeStrict(trimmed, &r)
		result = r
	default:
		return nil, fmt.Errorf("unsupported type: %s", jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", jobType, err)
	}
	return result, nil
}

func decodeStrict(data []byte, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}
