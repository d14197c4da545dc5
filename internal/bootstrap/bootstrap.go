package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Bootstrap creates all required infrastructure (the checkpoints table)
// If CleanResources is true, deletes existing resources first to ensure clean state
// If CleanResources is false, creates resources only if they don't exist (preserves data)
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev" // Default environment
	}

	resources := &Resources{}

	tableName := CheckpointsTableName(cfg.Environment)
	if err := createCheckpointsTable(ctx, cfg.DynamoClient, tableName, cfg.CleanResources); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	resources.TableNames.Checkpoints = tableName

	log.Info().Str("table", tableName).Bool("clean", cfg.CleanResources).Msg("bootstrap complete")

	return resources, nil
}

// Cleanup deletes all resources created by Bootstrap
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.TableNames.Checkpoints); err != nil {
		return fmt.Errorf("failed to delete checkpoints table: %w", err)
	}
	return nil
}
