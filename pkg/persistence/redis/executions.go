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

// ExecutionRepository stores execution records as JSON values plus a
// per-patient index set. Conditional updates run inside WATCH so a record
// that moved between read and write is rejected, never overwritten.
type ExecutionRepository struct {
	client goredis.UniversalClient
}

func (r *ExecutionRepository) key(id string) string {
	return executionKeyPrefix + id
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.FlowExecution, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.ErrExecutionNotFound
	}

	if err != nil {
		return nil, &persistence.ExecutionError{Op: "get", ExecutionID: id, Err: err}
	}

	execution := &models.FlowExecution{}
	if err := json.Unmarshal([]byte(raw), execution); err != nil {
		return nil, &persistence.ExecutionError{Op: "decode", ExecutionID: id, Err: err}
	}

	return execution, nil
}

func (r *ExecutionRepository) ExecutionsByPatient(ctx context.Context, patientID string) ([]*models.FlowExecution, error) {
	ids, err := r.client.SMembers(ctx, patientIndexPrefix+patientID).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions for patient %s: %w", patientID, err)
	}

	executions := make([]*models.FlowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := r.ExecutionByID(ctx, id)
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.FlowExecution) error {
	execution.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(execution)
	if err != nil {
		return &persistence.ExecutionError{Op: "encode", ExecutionID: execution.ID, Err: err}
	}

	created, err := r.client.SetNX(ctx, r.key(execution.ID), raw, 0).Result()
	if err != nil {
		return &persistence.ExecutionError{Op: "create", ExecutionID: execution.ID, Err: err}
	}

	if !created {
		return persistence.ErrExecutionAlreadyExists
	}

	if err := r.client.SAdd(ctx, patientIndexPrefix+execution.PatientID, execution.ID).Err(); err != nil {
		return &persistence.ExecutionError{Op: "index", ExecutionID: execution.ID, Err: err}
	}

	return nil
}

func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.FlowExecution, previousNode string) error {
	key := r.key(execution.ID)

	err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return persistence.ErrExecutionNotFound
		}

		if err != nil {
			return err
		}

		stored := &models.FlowExecution{}
		if err := json.Unmarshal([]byte(raw), stored); err != nil {
			return err
		}

		if stored.CurrentNode != previousNode {
			return persistence.ErrStaleExecution
		}

		execution.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(execution)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)

			return nil
		})

		return err
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		// The key changed under WATCH; same outcome as a node mismatch.
		return persistence.ErrStaleExecution
	}

	if err != nil && !errors.Is(err, persistence.ErrExecutionNotFound) && !errors.Is(err, persistence.ErrStaleExecution) {
		return &persistence.ExecutionError{Op: "update", ExecutionID: execution.ID, Err: err}
	}

	return err
}
