package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// DelayTaskRepository keeps the task payload in a JSON value and the queue
// position in a sorted set scored by trigger time in unix milliseconds.
//
// Claiming is ZREM on the queue member: Redis removes a member exactly once,
// so of any number of concurrent schedulers exactly one sees a removal count
// of 1 and wins the task.
type DelayTaskRepository struct {
	client goredis.UniversalClient
}

func (r *DelayTaskRepository) key(executionID string) string {
	return delayTaskKeyPrefix + executionID
}

func (r *DelayTaskRepository) Schedule(ctx context.Context, task *models.DelayTask) error {
	task.CreatedAt = time.Now().UTC()

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode delay task for %s: %w", task.ExecutionID, err)
	}

	created, err := r.client.SetNX(ctx, r.key(task.ExecutionID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("store delay task for %s: %w", task.ExecutionID, err)
	}

	if !created {
		existing, err := r.TaskByExecution(ctx, task.ExecutionID)
		if err == nil && !existing.Processed {
			return persistence.ErrDelayTaskExists
		}

		// Previous task was consumed; replace it.
		if err := r.client.Set(ctx, r.key(task.ExecutionID), raw, 0).Err(); err != nil {
			return fmt.Errorf("replace delay task for %s: %w", task.ExecutionID, err)
		}
	}

	member := goredis.Z{
		Score:  float64(task.TriggerAt.UnixMilli()),
		Member: task.ExecutionID,
	}

	if err := r.client.ZAdd(ctx, delayQueueKey, member).Err(); err != nil {
		return fmt.Errorf("enqueue delay task for %s: %w", task.ExecutionID, err)
	}

	return nil
}

func (r *DelayTaskRepository) TaskByExecution(ctx context.Context, executionID string) (*models.DelayTask, error) {
	raw, err := r.client.Get(ctx, r.key(executionID)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.ErrDelayTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get delay task for %s: %w", executionID, err)
	}

	task := &models.DelayTask{}
	if err := json.Unmarshal([]byte(raw), task); err != nil {
		return nil, fmt.Errorf("decode delay task for %s: %w", executionID, err)
	}

	return task, nil
}

func (r *DelayTaskRepository) Due(ctx context.Context, now time.Time) ([]*models.DelayTask, error) {
	opt := &goredis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}

	ids, err := r.client.ZRangeByScore(ctx, delayQueueKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("scan delay queue: %w", err)
	}

	due := make([]*models.DelayTask, 0, len(ids))

	for _, id := range ids {
		task, err := r.TaskByExecution(ctx, id)
		if errors.Is(err, persistence.ErrDelayTaskNotFound) {
			// Payload gone; drop the orphaned queue entry.
			r.client.ZRem(ctx, delayQueueKey, id)

			continue
		}

		if err != nil {
			return nil, err
		}

		if !task.Processed {
			due = append(due, task)
		}
	}

	return due, nil
}

func (r *DelayTaskRepository) Claim(ctx context.Context, executionID string) (bool, error) {
	removed, err := r.client.ZRem(ctx, delayQueueKey, executionID).Result()
	if err != nil {
		return false, fmt.Errorf("claim delay task for %s: %w", executionID, err)
	}

	if removed == 0 {
		return false, nil
	}

	task, err := r.TaskByExecution(ctx, executionID)
	if errors.Is(err, persistence.ErrDelayTaskNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	task.Processed = true

	raw, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("encode delay task for %s: %w", executionID, err)
	}

	if err := r.client.Set(ctx, r.key(executionID), raw, 0).Err(); err != nil {
		return false, fmt.Errorf("mark delay task processed for %s: %w", executionID, err)
	}

	return true, nil
}

func (r *DelayTaskRepository) Invalidate(ctx context.Context, executionID string) error {
	_, err := r.Claim(ctx, executionID)

	return err
}
