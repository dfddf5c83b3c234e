// Package redis provides a Redis backed persistence implementation. Delay
// tasks live in a sorted set scored by trigger time, which makes "everything
// due by now" a single range query and claiming a single atomic removal.
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trilhacare/trilha/pkg/persistence"
)

const (
	flowKeyPrefix      = "trilha:flows:"
	executionKeyPrefix = "trilha:executions:"
	patientIndexPrefix = "trilha:patients:"
	delayTaskKeyPrefix = "trilha:delay_tasks:"
	delayQueueKey      = "trilha:delay_queue"
	activeFlowsKey     = "trilha:flows:active"
)

// Persistence implements persistence.Persistence on a Redis instance.
type Persistence struct {
	client     goredis.UniversalClient
	flows      *FlowRepository
	executions *ExecutionRepository
	delayTasks *DelayTaskRepository
}

// NewPersistence connects to the Redis URL (redis://host:port/db).
func NewPersistence(url string) (*Persistence, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	return NewPersistenceWithClient(client), nil
}

// NewPersistenceWithClient wraps an existing client, which tests use to
// inject their own.
func NewPersistenceWithClient(client goredis.UniversalClient) *Persistence {
	return &Persistence{
		client:     client,
		flows:      &FlowRepository{client: client},
		executions: &ExecutionRepository{client: client},
		delayTasks: &DelayTaskRepository{client: client},
	}
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flows
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) DelayTasks() persistence.DelayTaskRepository {
	return p.delayTasks
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

// IsRedisURL reports whether a database URL selects this backend.
func IsRedisURL(url string) bool {
	return strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://")
}
