package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/miningd/internal/bootstrap"
)

// BootstrapCmd creates the DynamoDB checkpoints table, usually against DynamoDB Local.
type BootstrapCmd struct {
	Environment string `help:"environment name, used as the table prefix" default:"dev" env:"MININGD_ENVIRONMENT"`
	Clean       bool   `help:"delete the table first, discarding stored checkpoints" default:"false"`

	DynamoDB DynamoDBStoreFlags `embed:"" prefix:"dynamodb-"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogger(globals)

	client, err := c.DynamoDB.client(ctx)
	if err != nil {
		return err
	}

	res, err := bootstrap.Bootstrap(ctx, bootstrap.Config{
		DynamoClient:   client,
		Environment:    c.Environment,
		CleanResources: c.Clean,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	log.Info().Str("table", res.TableNames.Checkpoints).Msg("Checkpoints table ready")
	fmt.Printf("MININGD_DYNAMODB_TABLE=%s\n", res.TableNames.Checkpoints)

	return nil
}
