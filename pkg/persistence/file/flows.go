package file

import (
	"context"
	"path/filepath"

	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// FlowRepository stores one JSON file per flow under <root>/flows.
type FlowRepository struct {
	root string
}

func (r *FlowRepository) path(id string) string {
	return filepath.Join(r.root, "flows", id+".json")
}

func (r *FlowRepository) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	flow := &models.FlowDefinition{}

	found, err := readJSON(r.path(id), flow)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrFlowNotFound
	}

	return flow, nil
}

func (r *FlowRepository) ActiveFlows(_ context.Context) ([]*models.FlowDefinition, error) {
	paths, err := listJSON(filepath.Join(r.root, "flows"))
	if err != nil {
		return nil, err
	}

	flows := make([]*models.FlowDefinition, 0, len(paths))

	for _, path := range paths {
		flow := &models.FlowDefinition{}

		found, err := readJSON(path, flow)
		if err != nil {
			return nil, err
		}

		if found && flow.IsActive {
			flows = append(flows, flow)
		}
	}

	return flows, nil
}

func (r *FlowRepository) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	return writeJSON(r.path(flow.ID), flow)
}
