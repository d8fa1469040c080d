package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"time"

	"github.com/dunamismax/scenejobs/internal/atomicfile"
	"github.com/dunamismax/scenejobs/internal/filelock"
)

// scenarioIndexRecord is the on-disk shape of index/scenario_{id}.json.
type scenarioIndexRecord struct {
	ScenarioID string    `json:"scenario_id"`
	JobIDs     []string  `json:"job_ids"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type scenarioIndex struct {
	dir         string
	locks       *filelock.Locker
	lockTimeout time.Duration
	now         func() time.Time
}

func indexLockName(scenarioID string) string {
	return "index_" + scenarioID
}

func (ix *scenarioIndex) path(scenarioID string) string {
	return filepath.Join(ix.dir, "scenario_"+scenarioID+".json")
}

// Load returns the scenario's job ids in insertion order. A scenario
// without an index file has no jobs.
func (ix *scenarioIndex) Load(ctx context.Context, scenarioID string) ([]string, error) {
	var ids []string
	err := ix.locks.With(ctx, indexLockName(scenarioID), ix.lockTimeout, func() error {
		var err error
		ids, err = ix.read(scenarioID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Append adds jobID to the scenario's index unless it is already listed.
func (ix *scenarioIndex) Append(ctx context.Context, scenarioID, jobID string) error {
	return ix.locks.With(ctx, indexLockName(scenarioID), ix.lockTimeout, func() error {
		ids, err := ix.read(scenarioID)
		if err != nil {
			return err
		}
		if slices.Contains(ids, jobID) {
			return nil
		}

		record := scenarioIndexRecord{
			ScenarioID: scenarioID,
			JobIDs:     append(ids, jobID),
			UpdatedAt:  ix.now(),
		}
		if err := atomicfile.WriteJSON(ix.path(scenarioID), record); err != nil {
			return fmt.Errorf("write scenario index %s: %w", scenarioID, err)
		}
		return nil
	})
}

func (ix *scenarioIndex) read(scenarioID string) ([]string, error) {
	var record scenarioIndexRecord
	if err := atomicfile.ReadJSON(ix.path(scenarioID), &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read scenario index %s: %w", scenarioID, err)
	}
	if record.JobIDs == nil {
		return []string{}, nil
	}
	return record.JobIDs, nil
}
