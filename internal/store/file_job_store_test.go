package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/scenejobs/internal/domain"
)

func newTestFileStore(t *testing.T, dir string) *FileJobStore {
	t.Helper()
	s, err := NewFileJobStore(FileConfig{
		Dir:              dir,
		LockTimeout:      5 * time.Second,
		LockPollInterval: 2 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return s
}

func renderSceneRequest(scenarioID string, sceneIDs ...int) domain.CreateJobRequest {
	return domain.CreateJobRequest{
		Type: domain.JobTypeRenderScene,
		Payload: domain.JobPayload{
			ScenarioID: scenarioID,
			SceneIDs:   sceneIDs,
			Options:    map[string]any{"quality": "high"},
		},
	}
}

func requireSameJob(t *testing.T, want, got domain.Job) {
	t.Helper()
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	want.UpdatedAt, got.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, want, got)
}

func ptr[T any](v T) *T {
	return &v
}

func TestFileJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	created, err := s.Create(ctx, renderSceneRequest("scn_1", 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, created.Status)
	assert.Equal(t, 0, created.Progress)
	assert.Nil(t, created.Result)
	assert.Nil(t, created.Error)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.Regexp(t, `^job_[0-9a-f]{12}$`, created.ID)

	running, err := s.Update(ctx, created.ID, domain.UpdateJobRequest{
		Status:   ptr(domain.JobStatusRunning),
		Progress: ptr(40),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, running.Status)
	assert.Equal(t, 40, running.Progress)
	assert.Nil(t, running.Result)
	assert.Nil(t, running.Error)
	assert.False(t, running.UpdatedAt.Before(running.CreatedAt))

	result := domain.RenderSceneResult{Scenes: []domain.SceneVideo{{ID: 1, VideoURL: "https://cdn/1.mp4"}}}
	withResult, err := s.Update(ctx, created.ID, domain.UpdateJobRequest{Result: result})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, withResult.Status, "status must be untouched")
	assert.Equal(t, result, withResult.Result)
	assert.Nil(t, withResult.Error)

	fetched, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	requireSameJob(t, withResult, fetched)

	jobs, err := s.ListByScenario(ctx, "scn_1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].ID)
}

func TestFileJobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	for _, jobType := range []domain.JobType{domain.JobTypeRenderScene, domain.JobTypeMerge, domain.JobTypeRenderAll} {
		req := renderSceneRequest("scn_rt", 4, 5)
		req.Type = jobType
		created, err := s.Create(ctx, req)
		require.NoError(t, err)

		var result domain.Result
		switch jobType {
		case domain.JobTypeRenderScene:
			result = domain.RenderSceneResult{Scenes: []domain.SceneVideo{{ID: 4, VideoURL: "u4"}}}
		case domain.JobTypeMerge:
			result = domain.MergeResult{MergedURL: "merged"}
		case domain.JobTypeRenderAll:
			result = domain.RenderAllResult{Scenes: []domain.SceneVideo{{ID: 5, VideoURL: "u5"}}, MergedURL: "merged"}
		}
		updated, err := s.Update(ctx, created.ID, domain.UpdateJobRequest{
			Status:   ptr(domain.JobStatusSucceeded),
			Progress: ptr(100),
			Result:   result,
		})
		require.NoError(t, err)

		fetched, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		requireSameJob(t, updated, fetched)
	}
}

func TestFileJobStoreErrorClearsResult(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	_, err = s.Update(ctx, job.ID, domain.UpdateJobRequest{
		Result: domain.RenderSceneResult{Scenes: []domain.SceneVideo{{ID: 1, VideoURL: "u"}}},
	})
	require.NoError(t, err)

	failed, err := s.Update(ctx, job.ID, domain.UpdateJobRequest{
		Status: ptr(domain.JobStatusFailed),
		Error:  &domain.JobError{Code: "RENDER_FAILED", Message: "encoder crashed"},
	})
	require.NoError(t, err)
	assert.Nil(t, failed.Result)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "RENDER_FAILED", failed.Error.Code)
}

func TestFileJobStoreUpdateClampsProgressAndAllowsAnyTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	done, err := s.Update(ctx, job.ID, domain.UpdateJobRequest{Status: ptr(domain.JobStatusSucceeded), Progress: ptr(250)})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)

	requeued, err := s.Update(ctx, job.ID, domain.UpdateJobRequest{Status: ptr(domain.JobStatusQueued), Progress: ptr(-3)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Equal(t, 0, requeued.Progress)
}

func TestFileJobStoreUpdateRejectsForeignResult(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	_, err = s.Update(ctx, job.ID, domain.UpdateJobRequest{Result: domain.MergeResult{MergedURL: "m"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	stored, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Result)
}

func TestFileJobStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	_, err := s.Get(ctx, "job_nonexistent")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.Update(ctx, "job_nonexistent", domain.UpdateJobRequest{Progress: ptr(1)})
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs, err := s.ListByScenario(ctx, "scn_empty")
	require.NoError(t, err)
	assert.NotNil(t, jobs)
	assert.Empty(t, jobs)
}

func TestFileJobStoreCreateRejectsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	_, err := s.Create(context.Background(), renderSceneRequest("scn_1"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	entries, err := os.ReadDir(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileJobStorePersistedLayout(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	job, err := s.Create(context.Background(), renderSceneRequest("scn_layout", 7))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "jobs", job.ID+".json"))
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	for _, key := range []string{"job_id", "type", "status", "payload", "result", "error", "progress", "created_at", "updated_at"} {
		assert.Contains(t, record, key)
	}
	assert.Nil(t, record["result"])
	assert.Nil(t, record["error"])

	raw, err = os.ReadFile(filepath.Join(dir, "index", "scenario_scn_layout.json"))
	require.NoError(t, err)
	var index scenarioIndexRecord
	require.NoError(t, json.Unmarshal(raw, &index))
	assert.Equal(t, "scn_layout", index.ScenarioID)
	assert.Equal(t, []string{job.ID}, index.JobIDs)
	assert.False(t, index.UpdatedAt.IsZero())

	locks, err := os.ReadDir(filepath.Join(dir, "locks"))
	require.NoError(t, err)
	assert.Empty(t, locks, "all locks must be released")
}

func TestFileJobStoreListSkipsMissingRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	kept, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)
	lost, err := s.Create(ctx, renderSceneRequest("scn_1", 2))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "jobs", lost.ID+".json")))

	jobs, err := s.ListByScenario(ctx, "scn_1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, kept.ID, jobs[0].ID)
}

func TestFileJobStoreListOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var want []string
	for i := 0; i < 5; i++ {
		job, err := s.Create(ctx, renderSceneRequest("scn_order", i+1))
		require.NoError(t, err)
		want = append(want, job.ID)
	}

	jobs, err := s.ListByScenario(ctx, "scn_order")
	require.NoError(t, err)
	got := make([]string, 0, len(jobs))
	for _, job := range jobs {
		got = append(got, job.ID)
	}
	assert.Equal(t, want, got)
}

func TestFileJobStoreListRejectsUnsafeScenario(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	_, err := s.ListByScenario(context.Background(), "../jobs")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFileJobStoreDecodeError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobs", job.ID+".json"), []byte("{not json"), 0o644))

	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, ErrJobNotFound)

	_, err = s.ListByScenario(ctx, "scn_1")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestFileJobStoreMalformedStoredResultIsDecodeError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	job, err := s.Create(ctx, domain.CreateJobRequest{
		Type:    domain.JobTypeMerge,
		Payload: domain.JobPayload{ScenarioID: "scn_1", SceneIDs: []int{1}},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "jobs", job.ID+".json")
	corrupt := `{"job_id":"` + job.ID + `","type":"merge","status":"succeeded","payload":{"scenario_id":"scn_1","scene_ids":[1]},"result":{"bogus":1},"error":null,"progress":100}`
	require.NoError(t, os.WriteFile(path, []byte(corrupt), 0o644))

	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.ListByScenario(ctx, "scn_1")
	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFileJobStoreCreateIndexTimeoutLeavesJobReadable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileJobStore(FileConfig{
		Dir:              dir,
		LockTimeout:      50 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	held, err := s.locks.Acquire(ctx, indexLockName("scn_1"), time.Second)
	require.NoError(t, err)

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1, 2))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	require.NoError(t, held.Release())

	entries, err := os.ReadDir(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	jobs, err := s.ListByScenario(ctx, "scn_1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	requireSameJob(t, job, got)
}

func TestFileJobStoreLockTimeout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newTestFileStore(t, dir)

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	held, err := s.locks.Acquire(ctx, job.ID, time.Second)
	require.NoError(t, err)
	defer held.Release()

	impatient, err := NewFileJobStore(FileConfig{
		Dir:              dir,
		LockTimeout:      50 * time.Millisecond,
		LockPollInterval: 5 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	_, err = impatient.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrJobNotFound)

	_, err = impatient.Update(ctx, job.ID, domain.UpdateJobRequest{Progress: ptr(10)})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestFileJobStoreConcurrentIncrementsAcrossStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// Independent stores over one directory stand in for separate processes.
	stores := []*FileJobStore{newTestFileStore(t, dir), newTestFileStore(t, dir), newTestFileStore(t, dir)}

	job, err := stores[0].Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(s *FileJobStore) {
			defer wg.Done()
			_, err := s.Modify(ctx, job.ID, func(j *domain.Job) error {
				j.Progress += 5
				return nil
			})
			assert.NoError(t, err)
		}(stores[i%len(stores)])
	}
	wg.Wait()

	final, err := stores[1].Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)
}

func TestFileJobStoreConcurrentCreatesShareIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, b := newTestFileStore(t, dir), newTestFileStore(t, dir)

	const perStore = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	for i := 0; i < perStore*2; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.Create(ctx, renderSceneRequest("scn_busy", i+1))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[job.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	jobs, err := a.ListByScenario(ctx, "scn_busy")
	require.NoError(t, err)
	require.Len(t, jobs, perStore*2)
	for _, job := range jobs {
		assert.Contains(t, ids, job.ID)
	}
}

func TestScenarioIndexAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	require.NoError(t, s.index.Append(ctx, "scn_1", "job_a"))
	require.NoError(t, s.index.Append(ctx, "scn_1", "job_b"))
	require.NoError(t, s.index.Append(ctx, "scn_1", "job_a"))

	ids, err := s.index.Load(ctx, "scn_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"job_a", "job_b"}, ids)
}

func TestScenarioIndexLoadMissingIsEmpty(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	ids, err := s.index.Load(context.Background(), "scn_none")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileJobStoreModifyKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, t.TempDir())

	job, err := s.Create(ctx, renderSceneRequest("scn_1", 1))
	require.NoError(t, err)

	updated, err := s.Modify(ctx, job.ID, func(j *domain.Job) error {
		j.ID = "job_other"
		j.Type = domain.JobTypeMerge
		j.Error = &domain.JobError{Code: "E", Message: "m"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, job.ID, updated.ID)
	assert.Equal(t, domain.JobTypeRenderScene, updated.Type)
	assert.True(t, job.CreatedAt.Equal(updated.CreatedAt))

	boom := errors.New("boom")
	_, err = s.Modify(ctx, job.ID, func(*domain.Job) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = os.Stat(filepath.Join(s.jobsDir, "job_other.json"))
	assert.True(t, os.IsNotExist(err), fmt.Sprintf("unexpected stat result: %v", err))
}
