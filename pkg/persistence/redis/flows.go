package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trilhacare/trilha/pkg/models"
	"github.com/trilhacare/trilha/pkg/persistence"
)

// FlowRepository stores flow definitions as JSON values, with a set indexing
// the active ones.
type FlowRepository struct {
	client goredis.UniversalClient
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	raw, err := r.client.Get(ctx, flowKeyPrefix+id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.ErrFlowNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}

	flow := &models.FlowDefinition{}
	if err := json.Unmarshal([]byte(raw), flow); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}

	return flow, nil
}

func (r *FlowRepository) ActiveFlows(ctx context.Context) ([]*models.FlowDefinition, error) {
	ids, err := r.client.SMembers(ctx, activeFlowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}

	flows := make([]*models.FlowDefinition, 0, len(ids))

	for _, id := range ids {
		flow, err := r.FlowByID(ctx, id)
		if errors.Is(err, persistence.ErrFlowNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, nil
}

func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	raw, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", flow.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, flowKeyPrefix+flow.ID, raw, 0)

	if flow.IsActive {
		pipe.SAdd(ctx, activeFlowsKey, flow.ID)
	} else {
		pipe.SRem(ctx, activeFlowsKey, flow.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}

	return nil
}
