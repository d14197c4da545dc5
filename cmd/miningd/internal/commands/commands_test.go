package commands

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
	"github.com/wolfeidau/miningd/internal/store/journal"
)

func TestProfileFlags_Defaults(t *testing.T) {
	f := &ProfileFlags{Profile: "standard"}

	cfg, err := f.accrualConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 4*time.Hour, cfg.SessionDuration)
	assert.InDelta(t, 0.00278, cfg.IncrementPerTick, 1e-12)
	assert.InDelta(t, 0.00278, cfg.GapRatePerSecond, 1e-12)
	assert.NotEmpty(t, cfg.DeviceID)
}

func TestProfileFlags_Overrides(t *testing.T) {
	f := &ProfileFlags{
		Profile:         "rapid",
		TickInterval:    200 * time.Millisecond,
		SessionDuration: time.Minute,
		DeviceID:        "laptop",
	}

	cfg, err := f.accrualConfig()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, time.Minute, cfg.SessionDuration)
	assert.InDelta(t, 0.0001, cfg.IncrementPerTick, 1e-12)
	assert.Equal(t, "laptop", cfg.DeviceID)
}

func TestProfileFlags_Invalid(t *testing.T) {
	_, err := (&ProfileFlags{Profile: "does-not-exist"}).accrualConfig()
	require.Error(t, err)

	// a session shorter than one tick is rejected
	_, err = (&ProfileFlags{Profile: "standard", SessionDuration: time.Millisecond}).accrualConfig()
	require.Error(t, err)
}

func TestStoreFlags_OpenMemory(t *testing.T) {
	f := &StoreFlags{StoreType: "memory"}

	s, closer, err := f.openStore(context.Background())
	require.NoError(t, err)
	defer closer()

	_, err = s.Read(context.Background(), "alice")
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)
}

func TestStoreFlags_OpenJournalPersists(t *testing.T) {
	dir := t.TempDir()
	f := &StoreFlags{
		StoreType: "journal",
		Journal:   JournalStoreFlags{Dir: dir, ArchiveDir: t.TempDir()},
	}
	ctx := context.Background()

	s, closer, err := f.openStore(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, &models.Checkpoint{
		UserID:       "alice",
		SessionID:    "s1",
		AccruedValue: 0.5,
		ElapsedMs:    1_000,
		Status:       models.StatusActive,
	}))
	_, err = s.Increment(ctx, "alice", store.LedgerBalance, 2)
	require.NoError(t, err)
	closer()

	s, closer, err = f.openStore(ctx)
	require.NoError(t, err)
	defer closer()

	cp, err := s.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "s1", cp.SessionID)
	assert.Equal(t, int64(1_000), cp.ElapsedMs)
	assert.Equal(t, 2.0, cp.Ledger[store.LedgerBalance])
}

func TestStoreFlags_PostgresRequiresConnString(t *testing.T) {
	f := &StoreFlags{StoreType: "postgres"}

	_, _, err := f.openStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}

func TestJournalCompactCmd_Run(t *testing.T) {
	flags := JournalStoreFlags{Dir: t.TempDir(), ArchiveDir: t.TempDir()}
	ctx := context.Background()

	js, err := journal.Open(flags.config())
	require.NoError(t, err)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, js.Write(ctx, &models.Checkpoint{
			UserID:    "alice",
			SessionID: "s1",
			ElapsedMs: i * 1_000,
			Status:    models.StatusActive,
		}))
	}
	require.NoError(t, js.Close())

	cmd := &JournalCompactCmd{Journal: flags}
	require.NoError(t, cmd.Run(ctx, &Globals{}))

	js, err = journal.Open(flags.config())
	require.NoError(t, err)
	defer js.Close()

	assert.Equal(t, 1, js.Records())
	cp, err := js.Read(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), cp.ElapsedMs)
}

func TestStatusCmd_MissingUser(t *testing.T) {
	cmd := &StatusCmd{
		User:  "nobody",
		Store: StoreFlags{StoreType: "memory"},
	}
	require.NoError(t, cmd.Run(context.Background(), &Globals{}))
}

func TestCLI_ParseServeFlags(t *testing.T) {
	var cli struct {
		Serve ServeCmd `cmd:""`
	}

	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)

	_, err = parser.Parse([]string{
		"serve",
		"--store-type", "postgres",
		"--postgres-conn-string", "postgres://localhost/miningd",
		"--profile", "rapid",
		"--nats-url", "nats://localhost:4222",
		"--retry-max-tries", "3",
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres", cli.Serve.Store.StoreType)
	assert.Equal(t, "postgres://localhost/miningd", cli.Serve.Store.Postgres.ConnString)
	assert.Equal(t, "rapid", cli.Serve.Accrual.Profile)
	assert.Equal(t, "nats://localhost:4222", cli.Serve.NATS.URL)
	assert.Equal(t, uint(3), cli.Serve.Store.Retry.MaxTries)
	assert.Equal(t, "127.0.0.1:8080", cli.Serve.Listen)
	assert.Equal(t, 15*time.Second, cli.Serve.ShutdownTimeout)
}
