package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

// CheckpointStore implements store.CheckpointStore using PostgreSQL.
type CheckpointStore struct {
	pool *pgxpool.Pool
	cfg  CheckpointStoreConfig
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a new PostgreSQL-backed checkpoint store.
func NewCheckpointStore(ctx context.Context, pool *pgxpool.Pool, cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint store config: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &CheckpointStore{pool: pool, cfg: cfg}, nil
}

func (s *CheckpointStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeoutSeconds < 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeoutSeconds)*time.Second)
}

// Read retrieves the user's checkpoint and ledger.
func (s *CheckpointStore) Read(ctx context.Context, userID string) (*models.Checkpoint, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	query := `
		SELECT
			user_id, session_id, device_id,
			accrued_value, elapsed_ms, last_checkpoint_ms, status
		FROM checkpoints
		WHERE user_id = $1
	`

	var (
		cp     models.Checkpoint
		status string
	)
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&cp.UserID,
		&cp.SessionID,
		&cp.DeviceID,
		&cp.AccruedValue,
		&cp.ElapsedMs,
		&cp.LastCheckpointMs,
		&status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", mapPostgresError(err))
	}
	cp.Status = models.CheckpointStatus(status)

	ledger, err := s.readLedger(ctx, userID)
	if err != nil {
		return nil, err
	}
	cp.Ledger = ledger

	return &cp, nil
}

func (s *CheckpointStore) readLedger(ctx context.Context, userID string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT field, value FROM ledger WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", mapPostgresError(err))
	}
	defer rows.Close()

	ledger := make(map[string]float64)
	for rows.Next() {
		var (
			field string
			value float64
		)
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		ledger[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", mapPostgresError(err))
	}

	return ledger, nil
}

// Write upserts the checkpoint. The conflict clause carries the last-writer-wins
// rule so concurrent writers are ordered by elapsed time inside the database.
func (s *CheckpointStore) Write(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateCheckpoint(cp); err != nil {
		return err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	query := `
		INSERT INTO checkpoints (
			user_id, session_id, device_id,
			accrued_value, elapsed_ms, last_checkpoint_ms, status, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, now()
		)
		ON CONFLICT (user_id) DO UPDATE SET
			session_id         = EXCLUDED.session_id,
			device_id          = EXCLUDED.device_id,
			accrued_value      = EXCLUDED.accrued_value,
			elapsed_ms         = EXCLUDED.elapsed_ms,
			last_checkpoint_ms = EXCLUDED.last_checkpoint_ms,
			status             = EXCLUDED.status,
			updated_at         = now()
		WHERE checkpoints.session_id <> EXCLUDED.session_id
			OR (
				checkpoints.elapsed_ms <= EXCLUDED.elapsed_ms
				AND NOT (checkpoints.status <> 'active' AND EXCLUDED.status = 'active')
			)
	`

	tag, err := s.pool.Exec(ctx, query,
		cp.UserID,
		cp.SessionID,
		cp.DeviceID,
		cp.AccruedValue,
		cp.ElapsedMs,
		cp.LastCheckpointMs,
		string(cp.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", mapPostgresError(err))
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s at %dms", store.ErrStaleCheckpoint, cp.SessionID, cp.ElapsedMs)
	}

	log.Debug().
		Str("user_id", cp.UserID).
		Str("session_id", cp.SessionID).
		Int64("elapsed_ms", cp.ElapsedMs).
		Str("status", string(cp.Status)).
		Msg("Wrote checkpoint")

	return nil
}

// Increment adds delta to a ledger field in a single statement.
func (s *CheckpointStore) Increment(ctx context.Context, userID, field string, delta float64) (float64, error) {
	if err := store.ValidateLedgerField(field); err != nil {
		return 0, err
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	query := `
		INSERT INTO ledger (user_id, field, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, field) DO UPDATE SET
			value      = ledger.value + EXCLUDED.value,
			updated_at = now()
		RETURNING value
	`

	var value float64
	if err := s.pool.QueryRow(ctx, query, userID, field, delta).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, mapPostgresError(err))
	}

	log.Debug().
		Str("user_id", userID).
		Str("field", field).
		Float64("delta", delta).
		Float64("value", value).
		Msg("Incremented ledger")

	return value, nil
}
