//go:build integration

package aws

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/miningd/internal/bootstrap"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

const (
	testDynamoDBEndpoint = "http://localhost:4101"
	testDynamoDBRegion   = "us-east-1"
	testCheckpointsTable = "test_checkpoints_integration"
)

// getDynamoDBClient creates a DynamoDB client for testing
func getDynamoDBClient(t *testing.T, ctx context.Context) *dynamodb.Client {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(testDynamoDBRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	require.NoError(t, err)

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(testDynamoDBEndpoint)
	})
}

func setupCheckpointStore(t *testing.T) (*CheckpointStore, context.Context) {
	ctx := context.Background()
	client := getDynamoDBClient(t, ctx)

	require.NoError(t, bootstrap.CreateSingleCheckpointsTable(ctx, client, testCheckpointsTable))
	t.Cleanup(func() {
		_ = bootstrap.DeleteTable(context.Background(), client, testCheckpointsTable)
	})

	return NewCheckpointStore(client, testCheckpointsTable), ctx
}

func TestCheckpointStore_Integration_ReadWrite(t *testing.T) {
	s, ctx := setupCheckpointStore(t)
	userID := uuid.NewString()

	_, err := s.Read(ctx, userID)
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)

	cp := &models.Checkpoint{
		UserID:           userID,
		SessionID:        "s1",
		DeviceID:         "d1",
		AccruedValue:     0.0278,
		ElapsedMs:        10_000,
		LastCheckpointMs: 1_700_000_010_000,
		Status:           models.StatusActive,
	}
	require.NoError(t, s.Write(ctx, cp))

	got, err := s.Read(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, cp.SessionID, got.SessionID)
	require.Equal(t, cp.ElapsedMs, got.ElapsedMs)
	require.InDelta(t, cp.AccruedValue, got.AccruedValue, 1e-9)
	require.Equal(t, models.StatusActive, got.Status)
}

func TestCheckpointStore_Integration_LastWriterWins(t *testing.T) {
	s, ctx := setupCheckpointStore(t)
	userID := uuid.NewString()

	base := models.Checkpoint{UserID: userID, SessionID: "s1", ElapsedMs: 5000, Status: models.StatusActive}
	require.NoError(t, s.Write(ctx, &base))

	older := base
	older.ElapsedMs = 4000
	require.ErrorIs(t, s.Write(ctx, &older), store.ErrStaleCheckpoint)

	done := base
	done.ElapsedMs = 6000
	done.Status = models.StatusCompleted
	require.NoError(t, s.Write(ctx, &done))

	reopen := base
	reopen.ElapsedMs = 7000
	require.ErrorIs(t, s.Write(ctx, &reopen), store.ErrStaleCheckpoint)

	// A new session always replaces the previous one
	fresh := models.Checkpoint{UserID: userID, SessionID: "s2", ElapsedMs: 0, Status: models.StatusActive}
	require.NoError(t, s.Write(ctx, &fresh))

	got, err := s.Read(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "s2", got.SessionID)
}

func TestCheckpointStore_Integration_Increment(t *testing.T) {
	s, ctx := setupCheckpointStore(t)
	userID := uuid.NewString()

	v, err := s.Increment(ctx, userID, store.LedgerBalance, 1.5)
	require.NoError(t, err)
	require.InDelta(t, 1.5, v, 1e-9)

	// Ledger only items read as not found
	_, err = s.Read(ctx, userID)
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)

	v, err = s.Increment(ctx, userID, store.LedgerBalance, 2.25)
	require.NoError(t, err)
	require.InDelta(t, 3.75, v, 1e-9)

	require.NoError(t, s.Write(ctx, &models.Checkpoint{UserID: userID, SessionID: "s1", Status: models.StatusActive}))

	got, err := s.Read(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 3.75, got.Ledger[store.LedgerBalance], 1e-9)

	_, err = s.Increment(ctx, userID, "bogus", 1)
	require.ErrorIs(t, err, store.ErrUnknownLedgerField)
}
