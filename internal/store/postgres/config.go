package postgres

import "fmt"

// CheckpointStoreConfig holds store-specific configuration for the PostgreSQL checkpoint store.
// Pool configuration is handled separately via PoolConfig.
type CheckpointStoreConfig struct {
	// QueryTimeoutSeconds is the maximum time a query can run before timing out.
	// Default: 5 seconds
	// Set to -1 to use context timeouts only (no additional timeout)
	QueryTimeoutSeconds int32

	// AutoMigrate runs the embedded migrations when the store is created.
	AutoMigrate bool
}

// Validate checks that the configuration is valid.
func (c *CheckpointStoreConfig) Validate() error {
	if c.QueryTimeoutSeconds < -1 {
		return fmt.Errorf("query timeout must be -1 or greater, got %d", c.QueryTimeoutSeconds)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *CheckpointStoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 5
	}
}
