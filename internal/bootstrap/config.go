package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Config holds configuration for bootstrapping DynamoDB infrastructure
type Config struct {
	DynamoClient *dynamodb.Client

	// Resource naming
	Environment string // e.g., "dev", "test" - used as prefix for resource names

	// CleanResources controls whether to delete existing resources before creating
	// Set to false to preserve checkpoints across restarts
	CleanResources bool
}

// Resources holds identifiers for created infrastructure resources
type Resources struct {
	TableNames struct {
		Checkpoints string
	}
}

// CheckpointsTableName returns the table name used for an environment
func CheckpointsTableName(env string) string {
	if env == "" {
		env = "dev"
	}
	return env + "_checkpoints"
}
