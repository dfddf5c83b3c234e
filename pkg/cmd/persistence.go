// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/trilhacare/trilha/pkg/persistence"
	"github.com/trilhacare/trilha/pkg/persistence/file"
	"github.com/trilhacare/trilha/pkg/persistence/redis"
)

// NewPersistence selects the storage backend from the database URL scheme.
// redis:// and rediss:// URLs get the Redis backend; everything else is
// treated as a file path.
func NewPersistence(logger *slog.Logger, databaseURL string) persistence.Persistence {
	if redis.IsRedisURL(databaseURL) {
		p, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to redis: %w", err))
		}

		logger.Info("Using redis persistence")

		return p
	}

	logger.Info("Using file persistence", "root", databaseURL)

	return file.NewPersistence(databaseURL)
}
