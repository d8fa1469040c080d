// Package filelock implements cross-process advisory locks on top of
// exclusive file creation. A lock named n is held while the marker file
// <dir>/<n>.lock exists. Every cooperating process must use the same
// directory.
package filelock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when a lock could not be obtained before its
// deadline. Callers should treat it as retryable.
var ErrTimeout = errors.New("lock timeout")

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultStaleAfter   = 2 * time.Minute

	markerSuffix = ".lock"
)

type Config struct {
	Dir          string
	PollInterval time.Duration
	StaleAfter   time.Duration
}

type Locker struct {
	dir          string
	pollInterval time.Duration
	staleAfter   time.Duration
	logger       *log.Logger
	metrics      *Metrics
	now          func() time.Time
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	name  string
	path  string
	token []byte
}

func NewLocker(cfg Config, logger *log.Logger, metrics *Metrics) (*Locker, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Locker{
		dir:          cfg.Dir,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}, nil
}

func (l *Locker) markerPath(name string) string {
	return filepath.Join(l.dir, name+markerSuffix)
}

// Acquire polls until it exclusively creates the marker for name, the
// timeout elapses (ErrTimeout) or ctx is done. A timeout <= 0 means
// DefaultTimeout. Markers older than the staleness threshold are removed
// before each attempt.
func (l *Locker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	path := l.markerPath(name)
	start := l.now()
	deadline := start.Add(timeout)
	token := []byte(fmt.Sprintf("pid=%d ts=%s token=%s\n",
		os.Getpid(), strconv.FormatInt(start.UnixNano(), 10), uuid.NewString()))

	for {
		l.reclaimIfStale(name, path)

		created, err := createExclusive(path, token)
		if err != nil {
			return nil, fmt.Errorf("create lock %s: %w", name, err)
		}
		if created {
			l.metrics.observeWait(name, "acquired", l.now().Sub(start))
			return &Lock{name: name, path: path, token: token}, nil
		}

		if !l.now().Before(deadline) {
			l.metrics.observeWait(name, "timeout", l.now().Sub(start))
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		}

		select {
		case <-ctx.Done():
			l.metrics.observeWait(name, "canceled", l.now().Sub(start))
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// With runs fn while holding the named lock and releases it on every exit
// path, including panics.
func (l *Locker) With(ctx context.Context, name string, timeout time.Duration, fn func() error) (err error) {
	lock, err := l.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn()
}

func (l *Locker) reclaimIfStale(name, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	age := l.now().Sub(info.ModTime())
	if age <= l.staleAfter {
		return
	}
	// Another process may have removed or recreated the marker already.
	if err := os.Remove(path); err != nil {
		return
	}
	l.metrics.incStaleReclaimed(name)
	l.logger.Printf("reclaimed stale lock name=%s age=%s", name, age.Round(time.Millisecond))
}

// createExclusive reports false without error when the marker already
// exists. The marker holds token, which Release checks for ownership.
func createExclusive(path string, token []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, err = f.Write(token)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, err
	}
	return true, nil
}

func (l *Lock) Name() string {
	return l.name
}

// Release removes the marker only if it still holds this lock's token. A
// marker that is already gone, or that now belongs to another holder after
// stale reclamation (including one not yet written), is left alone and
// reported as success.
func (l *Lock) Release() error {
	current, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock %s: %w", l.name, err)
	}
	if !bytes.Equal(current, l.token) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}
