package file

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// ExecutionRepository stores one JSON file per execution under
// <root>/executions. The shared mutex serializes conditional updates.
type ExecutionRepository struct {
	root string
	mu   *sync.Mutex
}

func (r *ExecutionRepository) path(id string) string {
	return filepath.Join(r.root, "executions", id+".json")
}

func (r *ExecutionRepository) ExecutionByID(_ context.Context, id string) (*models.FlowExecution, error) {
	execution := &models.FlowExecution{}

	found, err := readJSON(r.path(id), execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrExecutionNotFound
	}

	return execution, nil
}

func (r *ExecutionRepository) ExecutionsByPatient(_ context.Context, patientID string) ([]*models.FlowExecution, error) {
	paths, err := listJSON(filepath.Join(r.root, "executions"))
	if err != nil {
		return nil, err
	}

	executions := make([]*models.FlowExecution, 0)

	for _, path := range paths {
		execution := &models.FlowExecution{}

		found, err := readJSON(path, execution)
		if err != nil {
			return nil, err
		}

		if found && execution.PatientID == patientID {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func (r *ExecutionRepository) CreateExecution(_ context.Context, execution *models.FlowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := &models.FlowExecution{}

	found, err := readJSON(r.path(execution.ID), existing)
	if err != nil {
		return err
	}

	if found {
		return persistence.ErrExecutionAlreadyExists
	}

	execution.UpdatedAt = time.Now().UTC()

	return writeJSON(r.path(execution.ID), execution)
}

// UpdateExecution persists the record only when the stored current_node still
// matches what the caller read. A mismatch means another advance won the race.
func (r *ExecutionRepository) UpdateExecution(_ context.Context, execution *models.FlowExecution, previousNode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := &models.FlowExecution{}

	found, err := readJSON(r.path(execution.ID), stored)
	if err != nil {
		return err
	}

	if !found {
		return persistence.ErrExecutionNotFound
	}

	if stored.CurrentNode != previousNode {
		return persistence.ErrStaleExecution
	}

	execution.UpdatedAt = time.Now().UTC()

	return writeJSON(r.path(execution.ID), execution)
}
