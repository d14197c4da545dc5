package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/store"
)

func TestMapPostgresError(t *testing.T) {
	require.NoError(t, mapPostgresError(nil))

	plain := errors.New("boom")
	require.Equal(t, plain, mapPostgresError(plain))

	err := mapPostgresError(&pgconn.PgError{Code: pgerrcode.AdminShutdown})
	require.ErrorIs(t, err, store.ErrRemoteUnavailable)

	err = mapPostgresError(&pgconn.PgError{Code: pgerrcode.TooManyConnections})
	require.ErrorIs(t, err, store.ErrThrottled)

	var pgErr *pgconn.PgError
	err = mapPostgresError(&pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "checkpoints_elapsed_ms_check"})
	require.ErrorAs(t, err, &pgErr)
	require.Contains(t, err.Error(), "checkpoints_elapsed_ms_check")
}

func TestCheckpointStoreConfig(t *testing.T) {
	var cfg CheckpointStoreConfig
	cfg.ApplyDefaults()
	require.Equal(t, int32(5), cfg.QueryTimeoutSeconds)
	require.NoError(t, cfg.Validate())

	cfg.QueryTimeoutSeconds = -2
	require.Error(t, cfg.Validate())
}

func TestPoolConfig(t *testing.T) {
	cfg := PoolConfig{}
	require.Error(t, cfg.Validate())

	cfg.ConnString = "postgres://localhost/miningd"
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, int32(10), cfg.MaxConns)

	cfg.MinConns = 20
	require.Error(t, cfg.Validate())
}
