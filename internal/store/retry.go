package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/telemetry"
)

// RetryConfig configures exponential backoff for remote state calls.
type RetryConfig struct {
	// InitialInterval is the first retry delay.
	// Default: 200ms
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts.
	// Default: 5s
	MaxInterval time.Duration

	// MaxTries is the total number of attempts including the first.
	// Default: 5
	MaxTries uint

	// MaxElapsedTime bounds the whole call so a tick is never held up indefinitely.
	// Default: 15s
	MaxElapsedTime time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.InitialInterval == 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.MaxTries == 0 {
		c.MaxTries = 5
	}
	if c.MaxElapsedTime == 0 {
		c.MaxElapsedTime = 15 * time.Second
	}
}

// Validate checks that the configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.InitialInterval < 0 || c.MaxInterval < 0 || c.MaxElapsedTime < 0 {
		return errors.New("retry intervals must not be negative")
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("retry max interval %s is less than initial interval %s", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

// RetryingStore decorates a CheckpointStore with bounded exponential backoff.
// Errors that retrying cannot fix are returned as is; anything else that survives
// every attempt is wrapped in ErrRemoteUnavailable.
type RetryingStore struct {
	next CheckpointStore
	cfg  RetryConfig
}

var _ CheckpointStore = (*RetryingStore)(nil)

// NewRetryingStore wraps next with the given retry policy.
func NewRetryingStore(next CheckpointStore, cfg RetryConfig) (*RetryingStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &RetryingStore{next: next, cfg: cfg}, nil
}

func (r *RetryingStore) Read(ctx context.Context, userID string) (*models.Checkpoint, error) {
	return retry(ctx, r.cfg, "read", userID, func() (*models.Checkpoint, error) {
		return r.next.Read(ctx, userID)
	})
}

func (r *RetryingStore) Write(ctx context.Context, cp *models.Checkpoint) error {
	_, err := retry(ctx, r.cfg, "write", cp.UserID, func() (struct{}, error) {
		return struct{}{}, r.next.Write(ctx, cp)
	})
	return err
}

// Increment is retried like any other call. A timeout that hides a committed update
// can therefore apply the delta twice; backends keep increments small and rare.
func (r *RetryingStore) Increment(ctx context.Context, userID, field string, delta float64) (float64, error) {
	return retry(ctx, r.cfg, "increment", userID, func() (float64, error) {
		return r.next.Increment(ctx, userID, field, delta)
	})
}

func retry[T any](ctx context.Context, cfg RetryConfig, op, userID string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		res, err := fn()
		if err != nil && isPermanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxTries),
		backoff.WithMaxElapsedTime(cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().StoreRetriesTotal.Add(ctx, 1)
			log.Warn().
				Err(err).
				Str("op", op).
				Str("user_id", userID).
				Int("attempt", attempt).
				Dur("next_retry", next).
				Msg("Remote state call failed, will retry")
		}),
	)
	if err == nil || isPermanent(err) {
		return res, err
	}

	return res, fmt.Errorf("%w: %s after %d attempts: %w", ErrRemoteUnavailable, op, attempt, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrStaleCheckpoint) ||
		errors.Is(err, ErrUnknownLedgerField)
}
