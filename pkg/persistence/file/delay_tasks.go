package file

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// DelayTaskRepository stores one JSON file per parked execution under
// <root>/delay_tasks, keyed by execution ID so the one-unprocessed-task
// invariant holds structurally.
type DelayTaskRepository struct {
	root string
	mu   *sync.Mutex
}

func (r *DelayTaskRepository) path(executionID string) string {
	return filepath.Join(r.root, "delay_tasks", executionID+".json")
}

func (r *DelayTaskRepository) Schedule(_ context.Context, task *models.DelayTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := &models.DelayTask{}

	found, err := readJSON(r.path(task.ExecutionID), existing)
	if err != nil {
		return err
	}

	if found && !existing.Processed {
		return persistence.ErrDelayTaskExists
	}

	task.CreatedAt = time.Now().UTC()

	return writeJSON(r.path(task.ExecutionID), task)
}

func (r *DelayTaskRepository) TaskByExecution(_ context.Context, executionID string) (*models.DelayTask, error) {
	task := &models.DelayTask{}

	found, err := readJSON(r.path(executionID), task)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrDelayTaskNotFound
	}

	return task, nil
}

func (r *DelayTaskRepository) Due(_ context.Context, now time.Time) ([]*models.DelayTask, error) {
	paths, err := listJSON(filepath.Join(r.root, "delay_tasks"))
	if err != nil {
		return nil, err
	}

	due := make([]*models.DelayTask, 0)

	for _, path := range paths {
		task := &models.DelayTask{}

		found, err := readJSON(path, task)
		if err != nil {
			return nil, err
		}

		if found && task.Due(now) {
			due = append(due, task)
		}
	}

	return due, nil
}

// Claim flips processed false to true under the store lock. Exactly one of
// any number of concurrent callers observes true.
func (r *DelayTaskRepository) Claim(_ context.Context, executionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task := &models.DelayTask{}

	found, err := readJSON(r.path(executionID), task)
	if err != nil {
		return false, err
	}

	if !found || task.Processed {
		return false, nil
	}

	task.Processed = true

	if err := writeJSON(r.path(executionID), task); err != nil {
		return false, err
	}

	return true, nil
}

// Invalidate marks any pending task processed so the scheduler skips it, e.g.
// when the execution is cancelled. Missing tasks are fine.
func (r *DelayTaskRepository) Invalidate(ctx context.Context, executionID string) error {
	_, err := r.Claim(ctx, executionID)

	return err
}
