package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/store"
	awsstore "github.com/wolfeidau/miningd/internal/store/aws"
	"github.com/wolfeidau/miningd/internal/store/journal"
	memorystore "github.com/wolfeidau/miningd/internal/store/memory"
	postgresstore "github.com/wolfeidau/miningd/internal/store/postgres"
)

// StoreFlags selects and configures the checkpoint store.
type StoreFlags struct {
	StoreType string             `help:"store type (memory, journal, postgres or dynamodb)" default:"journal" env:"MININGD_STORE_TYPE" enum:"memory,journal,postgres,dynamodb"`
	Journal   JournalStoreFlags  `embed:"" prefix:"journal-"`
	Postgres  PostgresStoreFlags `embed:"" prefix:"postgres-"`
	DynamoDB  DynamoDBStoreFlags `embed:"" prefix:"dynamodb-"`
	Retry     RetryFlags         `embed:"" prefix:"retry-"`
}

type JournalStoreFlags struct {
	Dir           string `help:"directory holding the checkpoint journal (default ~/.miningd/journal)" default:"" env:"MININGD_JOURNAL_DIR"`
	ArchiveDir    string `help:"directory receiving compacted journals (default ~/.miningd/archive)" default:"" env:"MININGD_JOURNAL_ARCHIVE_DIR"`
	RetentionDays int    `help:"days to keep archived journals, 0 keeps them forever" default:"30"`
	NoSync        bool   `help:"skip fsync after every record" default:"false"`
}

func (s *JournalStoreFlags) config() *journal.Config {
	cfg := journal.DefaultConfig()
	if s.Dir != "" {
		cfg.Dir = s.Dir
	}
	if s.ArchiveDir != "" {
		cfg.ArchiveDir = s.ArchiveDir
	}
	cfg.RetentionDays = s.RetentionDays
	cfg.SyncWrites = !s.NoSync
	return cfg
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Store Configuration
	QueryTimeout int32 `help:"query timeout in seconds, -1 relies on the caller's context" default:"5"`
	AutoMigrate  bool  `help:"run database migrations on startup" default:"false" env:"MININGD_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type DynamoDBStoreFlags struct {
	Table       string `help:"DynamoDB checkpoints table name" default:"dev_checkpoints" env:"MININGD_DYNAMODB_TABLE"`
	Region      string `help:"AWS region" default:"us-east-1" env:"AWS_REGION"`
	EndpointURL string `help:"DynamoDB endpoint URL override (for DynamoDB Local)" default:"" env:"MININGD_DYNAMODB_ENDPOINT_URL"`
	Local       bool   `help:"use static test credentials for DynamoDB Local" default:"false"`
}

func (s *DynamoDBStoreFlags) client(ctx context.Context) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(s.Region)}
	if s.Local {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	dynamoClientOpts := []func(*dynamodb.Options){}
	if s.EndpointURL != "" {
		dynamoClientOpts = append(dynamoClientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(s.EndpointURL)
		})
	}
	return dynamodb.NewFromConfig(awsConfig, dynamoClientOpts...), nil
}

type RetryFlags struct {
	InitialInterval time.Duration `help:"first retry delay for remote state calls" default:"200ms"`
	MaxInterval     time.Duration `help:"maximum retry delay" default:"5s"`
	MaxTries        uint          `help:"attempts per call including the first" default:"5"`
	MaxElapsed      time.Duration `help:"upper bound on one call including retries" default:"15s"`
}

// openStore builds the selected backend wrapped in the retry policy. The returned
// func releases the backend.
func (f *StoreFlags) openStore(ctx context.Context) (store.CheckpointStore, func(), error) {
	var (
		backend store.CheckpointStore
		closer  = func() {}
	)

	switch f.StoreType {
	case "postgres":
		if err := f.Postgres.Validate(); err != nil {
			return nil, nil, err
		}
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      f.Postgres.ConnString,
			MaxConns:        f.Postgres.MaxConns,
			MinConns:        f.Postgres.MinConns,
			MaxConnLifetime: f.Postgres.MaxConnLifetime,
			MaxConnIdleTime: f.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		cps, err := postgresstore.NewCheckpointStore(ctx, pool, postgresstore.CheckpointStoreConfig{
			QueryTimeoutSeconds: f.Postgres.QueryTimeout,
			AutoMigrate:         f.Postgres.AutoMigrate,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		backend, closer = cps, pool.Close
		log.Info().Msg("Using PostgreSQL checkpoint store")

	case "dynamodb":
		client, err := f.DynamoDB.client(ctx)
		if err != nil {
			return nil, nil, err
		}
		backend = awsstore.NewCheckpointStore(client, f.DynamoDB.Table)
		log.Info().Str("table", f.DynamoDB.Table).Msg("Using DynamoDB checkpoint store")

	case "journal":
		js, err := journal.Open(f.Journal.config())
		if err != nil {
			return nil, nil, err
		}
		backend = js
		closer = func() {
			if err := js.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close journal")
			}
		}

	default:
		backend = memorystore.NewCheckpointStore()
		log.Warn().Msg("Using in-memory checkpoint store, progress is lost on exit")
	}

	retrying, err := store.NewRetryingStore(backend, store.RetryConfig{
		InitialInterval: f.Retry.InitialInterval,
		MaxInterval:     f.Retry.MaxInterval,
		MaxTries:        f.Retry.MaxTries,
		MaxElapsedTime:  f.Retry.MaxElapsed,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return retrying, closer, nil
}
