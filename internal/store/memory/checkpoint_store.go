package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

// CheckpointStore implements store.CheckpointStore using in-memory storage.
// Data is lost on restart; it backs tests and single-process development.
type CheckpointStore struct {
	mu sync.RWMutex

	checkpoints map[string]*models.Checkpoint   // user_id -> latest checkpoint
	ledgers     map[string]map[string]float64 // user_id -> field -> value
	writes      []*models.Checkpoint          // accepted writes, oldest first
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates a new in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]*models.Checkpoint),
		ledgers:     make(map[string]map[string]float64),
	}
}

// Read returns the latest checkpoint for the user with their ledger attached.
func (s *CheckpointStore) Read(ctx context.Context, userID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[userID]
	if !ok {
		return nil, store.ErrCheckpointNotFound
	}

	clone := cp.Clone()
	clone.Ledger = maps.Clone(s.ledgers[userID])
	return clone, nil
}

// Write stores the checkpoint unless it is stale.
func (s *CheckpointStore) Write(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateCheckpoint(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.CheckWrite(s.checkpoints[cp.UserID], cp); err != nil {
		return err
	}

	clone := cp.Clone()
	clone.Ledger = nil
	s.checkpoints[cp.UserID] = clone
	s.writes = append(s.writes, clone.Clone())

	return nil
}

// Increment adds delta to the user's ledger field.
func (s *CheckpointStore) Increment(ctx context.Context, userID, field string, delta float64) (float64, error) {
	if err := store.ValidateLedgerField(field); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[userID]
	if !ok {
		ledger = make(map[string]float64)
		s.ledgers[userID] = ledger
	}
	ledger[field] += delta

	return ledger[field], nil
}

// Writes returns every accepted checkpoint for the user in arrival order.
func (s *CheckpointStore) Writes(userID string) []*models.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Checkpoint
	for _, cp := range s.writes {
		if cp.UserID == userID {
			out = append(out, cp.Clone())
		}
	}
	return out
}

// Ledger returns a copy of the user's ledger.
func (s *CheckpointStore) Ledger(userID string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.ledgers[userID])
}
