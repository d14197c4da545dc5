//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*CheckpointStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
	})
	require.NoError(t, err)

	s, err := NewCheckpointStore(ctx, pool, CheckpointStoreConfig{AutoMigrate: true})
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return s, cleanup
}

func TestIntegration_CheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	t.Run("read missing", func(t *testing.T) {
		_, err := s.Read(ctx, "nobody")
		require.ErrorIs(t, err, store.ErrCheckpointNotFound)
	})

	t.Run("write and read", func(t *testing.T) {
		cp := &models.Checkpoint{
			UserID:           "user-1",
			SessionID:        "s1",
			DeviceID:         "device-a",
			AccruedValue:     1.0,
			ElapsedMs:        60_000,
			LastCheckpointMs: 1_700_000_000_000,
			Status:           models.StatusActive,
		}
		require.NoError(t, s.Write(ctx, cp))

		got, err := s.Read(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, cp.SessionID, got.SessionID)
		require.Equal(t, cp.ElapsedMs, got.ElapsedMs)
		require.Equal(t, cp.LastCheckpointMs, got.LastCheckpointMs)
		require.Equal(t, models.StatusActive, got.Status)
	})

	t.Run("stale write rejected", func(t *testing.T) {
		err := s.Write(ctx, &models.Checkpoint{
			UserID: "user-1", SessionID: "s1", ElapsedMs: 30_000, Status: models.StatusActive,
		})
		require.ErrorIs(t, err, store.ErrStaleCheckpoint)
	})

	t.Run("terminal record is not reopened", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, &models.Checkpoint{
			UserID: "user-1", SessionID: "s1", ElapsedMs: 61_000, AccruedValue: 1.1, Status: models.StatusStopped,
		}))
		err := s.Write(ctx, &models.Checkpoint{
			UserID: "user-1", SessionID: "s1", ElapsedMs: 61_000, AccruedValue: 1.1, Status: models.StatusActive,
		})
		require.ErrorIs(t, err, store.ErrStaleCheckpoint)
	})

	t.Run("new session replaces", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, &models.Checkpoint{
			UserID: "user-1", SessionID: "s2", ElapsedMs: 0, Status: models.StatusActive,
		}))
		got, err := s.Read(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, "s2", got.SessionID)
	})

	t.Run("ledger increments", func(t *testing.T) {
		v, err := s.Increment(ctx, "user-1", store.LedgerBalance, 1.5)
		require.NoError(t, err)
		require.Equal(t, 1.5, v)

		v, err = s.Increment(ctx, "user-1", store.LedgerBalance, 2)
		require.NoError(t, err)
		require.Equal(t, 3.5, v)

		_, err = s.Increment(ctx, "user-1", "referrals", 1)
		require.ErrorIs(t, err, store.ErrUnknownLedgerField)

		got, err := s.Read(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, 3.5, got.Ledger[store.LedgerBalance])
	})
}

func TestIntegration_ConcurrentWritesKeepHighestElapsed(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(elapsed int64) {
			defer wg.Done()
			_ = s.Write(ctx, &models.Checkpoint{
				UserID: "racer", SessionID: "s1", ElapsedMs: elapsed * 1000, Status: models.StatusActive,
			})
		}(i)
	}
	wg.Wait()

	got, err := s.Read(ctx, "racer")
	require.NoError(t, err)
	require.Equal(t, int64(50_000), got.ElapsedMs)
}

func TestIntegration_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	require.NoError(t, RunMigrations(ctx, s.pool))
}
