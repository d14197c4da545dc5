package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

// checkpointItem is the DynamoDB item layout. The ledger counters live on the same
// item so a single GetItem returns both.
type checkpointItem struct {
	UserID           string  `dynamodbav:"user_id"`
	SessionID        string  `dynamodbav:"session_id,omitempty"`
	DeviceID         string  `dynamodbav:"device_id,omitempty"`
	AccruedValue     float64 `dynamodbav:"accrued_value"`
	ElapsedMs        int64   `dynamodbav:"elapsed_ms"`
	LastCheckpointMs int64   `dynamodbav:"last_checkpoint_ms"`
	Status           string  `dynamodbav:"status,omitempty"`

	Balance           float64 `dynamodbav:"balance"`
	SessionsCompleted float64 `dynamodbav:"sessions_completed"`
}

func (i *checkpointItem) toCheckpoint() *models.Checkpoint {
	return &models.Checkpoint{
		UserID:           i.UserID,
		SessionID:        i.SessionID,
		DeviceID:         i.DeviceID,
		AccruedValue:     i.AccruedValue,
		ElapsedMs:        i.ElapsedMs,
		LastCheckpointMs: i.LastCheckpointMs,
		Status:           models.CheckpointStatus(i.Status),
		Ledger: map[string]float64{
			store.LedgerBalance:           i.Balance,
			store.LedgerSessionsCompleted: i.SessionsCompleted,
		},
	}
}

// CheckpointStore is a DynamoDB implementation of store.CheckpointStore
type CheckpointStore struct {
	client    *dynamodb.Client
	tableName string
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a new DynamoDB checkpoint store
func NewCheckpointStore(client *dynamodb.Client, tableName string) *CheckpointStore {
	return &CheckpointStore{
		client:    client,
		tableName: tableName,
	}
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

// Read retrieves the checkpoint with a strongly consistent read
func (s *CheckpointStore) Read(ctx context.Context, userID string) (*models.Checkpoint, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            userKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get checkpoint")
	}

	if result.Item == nil {
		return nil, store.ErrCheckpointNotFound
	}

	var item checkpointItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	// Ledger increments can create the item before any checkpoint is written
	if item.SessionID == "" {
		return nil, store.ErrCheckpointNotFound
	}

	return item.toCheckpoint(), nil
}

// buildWriteExpression sets the checkpoint attributes without touching the ledger and
// guards the update with the last-writer-wins rule.
func buildWriteExpression(cp *models.Checkpoint) (expression.Expression, error) {
	update := expression.Set(expression.Name("session_id"), expression.Value(cp.SessionID)).
		Set(expression.Name("device_id"), expression.Value(cp.DeviceID)).
		Set(expression.Name("accrued_value"), expression.Value(cp.AccruedValue)).
		Set(expression.Name("elapsed_ms"), expression.Value(cp.ElapsedMs)).
		Set(expression.Name("last_checkpoint_ms"), expression.Value(cp.LastCheckpointMs)).
		Set(expression.Name("status"), expression.Value(string(cp.Status)))

	forward := expression.Name("elapsed_ms").LessThanEqual(expression.Value(cp.ElapsedMs))
	if cp.IsActive() {
		// an ended session is never reopened
		forward = forward.And(expression.Name("status").Equal(expression.Value(string(models.StatusActive))))
	}

	condition := expression.AttributeNotExists(expression.Name("session_id")).
		Or(expression.Name("session_id").NotEqual(expression.Value(cp.SessionID)), forward)

	return expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition).
		Build()
}

// Write updates the checkpoint attributes conditionally
func (s *CheckpointStore) Write(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateCheckpoint(cp); err != nil {
		return err
	}

	expr, err := buildWriteExpression(cp)
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       userKey(cp.UserID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: session %s at %dms", store.ErrStaleCheckpoint, cp.SessionID, cp.ElapsedMs)
		}
		return wrapAWSError(err, "failed to write checkpoint")
	}

	log.Debug().
		Str("user_id", cp.UserID).
		Str("session_id", cp.SessionID).
		Int64("elapsed_ms", cp.ElapsedMs).
		Msg("checkpoint written")

	return nil
}

// Increment adds delta to a ledger attribute with an ADD update
func (s *CheckpointStore) Increment(ctx context.Context, userID, field string, delta float64) (float64, error) {
	if err := store.ValidateLedgerField(field); err != nil {
		return 0, err
	}

	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name(field), expression.Value(delta))).
		Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       userKey(userID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, wrapAWSError(err, "failed to increment "+field)
	}

	value, err := numberAttribute(result.Attributes, field)
	if err != nil {
		return 0, err
	}

	log.Debug().
		Str("user_id", userID).
		Str("field", field).
		Float64("value", value).
		Msg("ledger incremented")

	return value, nil
}

func numberAttribute(attrs map[string]types.AttributeValue, name string) (float64, error) {
	n, ok := attrs[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing from update result", name)
	}

	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse attribute %s: %w", name, err)
	}
	return v, nil
}
