package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, cfg Config) *Locker {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "locks")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	l, err := NewLocker(cfg, nil, nil)
	require.NoError(t, err)
	return l
}

func TestAcquireCreatesAndReleaseRemovesMarker(t *testing.T) {
	l := newTestLocker(t, Config{})

	lock, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)
	assert.FileExists(t, l.markerPath("job_abc"))

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, l.markerPath("job_abc"))

	require.NoError(t, lock.Release(), "release must be idempotent")
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	l := newTestLocker(t, Config{})

	held, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "job_abc", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	l := newTestLocker(t, Config{})

	held, err := l.Acquire(context.Background(), "index_scn_1", time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = held.Release()
	}()

	lock, err := l.Acquire(context.Background(), "index_scn_1", 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := newTestLocker(t, Config{})

	held, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "job_abc", 5*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStaleMarkerIsReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	l, err := NewLocker(Config{Dir: dir, PollInterval: 5 * time.Millisecond, StaleAfter: time.Minute}, nil, metrics)
	require.NoError(t, err)

	marker := l.markerPath("job_orphan")
	require.NoError(t, os.WriteFile(marker, []byte("pid=1 ts=0\n"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(marker, old, old))

	lock, err := l.Acquire(context.Background(), "job_orphan", 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.staleReclaimed.WithLabelValues("job")))
}

func TestFreshMarkerIsNotReclaimed(t *testing.T) {
	l := newTestLocker(t, Config{StaleAfter: time.Hour})

	require.NoError(t, os.WriteFile(l.markerPath("job_busy"), []byte("pid=1 ts=0\n"), 0o644))

	_, err := l.Acquire(context.Background(), "job_busy", 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestReleaseLeavesForeignMarker(t *testing.T) {
	l := newTestLocker(t, Config{})

	lock, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)

	// Simulate reclamation by another process followed by a new holder.
	require.NoError(t, os.WriteFile(l.markerPath("job_abc"), []byte("pid=2 ts=1 token=other\n"), 0o644))

	require.NoError(t, lock.Release())
	assert.FileExists(t, l.markerPath("job_abc"))
}

func TestReleaseLeavesUnwrittenMarker(t *testing.T) {
	l := newTestLocker(t, Config{})

	lock, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)

	// A new holder has created its marker but not yet written its token.
	require.NoError(t, os.WriteFile(l.markerPath("job_abc"), nil, 0o644))

	require.NoError(t, lock.Release())
	assert.FileExists(t, l.markerPath("job_abc"))
}

func TestAcquireWritesOwnerToken(t *testing.T) {
	l := newTestLocker(t, Config{})

	lock, err := l.Acquire(context.Background(), "job_abc", time.Second)
	require.NoError(t, err)

	content, err := os.ReadFile(l.markerPath("job_abc"))
	require.NoError(t, err)
	assert.Equal(t, lock.token, content)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, l.markerPath("job_abc"))
}

func TestWithReleasesOnError(t *testing.T) {
	l := newTestLocker(t, Config{})
	boom := errors.New("boom")

	err := l.With(context.Background(), "job_abc", time.Second, func() error {
		assert.FileExists(t, l.markerPath("job_abc"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, l.markerPath("job_abc"))
}

func TestWithReleasesOnPanic(t *testing.T) {
	l := newTestLocker(t, Config{})

	assert.Panics(t, func() {
		_ = l.With(context.Background(), "job_abc", time.Second, func() error {
			panic("boom")
		})
	})
	assert.NoFileExists(t, l.markerPath("job_abc"))
}

func TestWithSerializesCriticalSections(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	// Two lockers over one directory behave like two processes.
	a := newTestLocker(t, Config{Dir: dir, PollInterval: time.Millisecond})
	b := newTestLocker(t, Config{Dir: dir, PollInterval: time.Millisecond})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
		counter int
	)
	for i := 0; i < 20; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.With(context.Background(), "job_shared", 10*time.Second, func() error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				counter++
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 20, counter)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "job", namespace("job_abc123"))
	assert.Equal(t, "index", namespace("index_scn_1"))
	assert.Equal(t, "other", namespace("plain"))
}
