package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
	"github.com/wolfeidau/miningd/internal/store"
)

const journalFile = "checkpoints.journal"

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal is closed")

// Config configures the on-device journal.
type Config struct {
	// Dir is the directory holding the active journal file
	Dir string

	// ArchiveDir receives zstd compressed journals replaced by Compact
	ArchiveDir string

	// RetentionDays is how long to keep archived files, 0 keeps them forever
	RetentionDays int

	// SyncWrites fsyncs after every record
	SyncWrites bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Dir:           filepath.Join(homeDir, ".miningd", "journal"),
		ArchiveDir:    filepath.Join(homeDir, ".miningd", "archive"),
		RetentionDays: 30,
		SyncWrites:    true,
	}
}

// Store is an append-only, checksummed local checkpoint store. Every write is a
// record in a single file which is replayed into memory on open, so the device keeps
// its progress across process death even with no network.
type Store struct {
	mu   sync.Mutex
	cfg  *Config
	path string
	file *os.File

	nextSequence int64
	records      int
	truncated    bool

	checkpoints map[string]*models.Checkpoint
	ledgers     map[string]map[string]float64
}

var _ store.CheckpointStore = (*Store)(nil)

// Open opens or creates the journal in cfg.Dir and replays it.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	s := &Store{
		cfg:          cfg,
		path:         filepath.Join(cfg.Dir, journalFile),
		nextSequence: 1,
		checkpoints:  make(map[string]*models.Checkpoint),
		ledgers:      make(map[string]map[string]float64),
	}

	if err := s.openOrCreate(); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	log.Info().
		Str("path", s.path).
		Int("records", s.records).
		Int("users", len(s.checkpoints)).
		Bool("truncated", s.truncated).
		Msg("Journal opened")

	return s, nil
}

// openOrCreate opens the existing journal or creates a new one with a header.
func (s *Store) openOrCreate() error {
	info, statErr := os.Stat(s.path)

	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	s.file = file

	if statErr != nil || info.Size() == 0 {
		if err := writeHeader(s.file); err != nil {
			s.file.Close()
			return err
		}
		return s.file.Sync()
	}

	if err := s.replay(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	return nil
}

// Read returns the latest checkpoint for the user with their ledger attached.
func (s *Store) Read(ctx context.Context, userID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, ErrClosed
	}

	cp, ok := s.checkpoints[userID]
	if !ok {
		return nil, store.ErrCheckpointNotFound
	}

	clone := cp.Clone()
	clone.Ledger = maps.Clone(s.ledgers[userID])
	return clone, nil
}

// Write appends the checkpoint unless it is stale.
func (s *Store) Write(ctx context.Context, cp *models.Checkpoint) error {
	if err := store.ValidateCheckpoint(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}

	if err := store.CheckWrite(s.checkpoints[cp.UserID], cp); err != nil {
		return err
	}

	clone := cp.Clone()
	clone.Ledger = nil

	payload, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.append(recordCheckpoint, payload); err != nil {
		return err
	}

	s.checkpoints[cp.UserID] = clone

	log.Debug().
		Str("user_id", cp.UserID).
		Str("session_id", cp.SessionID).
		Int64("elapsed_ms", cp.ElapsedMs).
		Msg("Checkpoint appended to journal")

	return nil
}

// Increment appends a ledger delta and returns the new value.
func (s *Store) Increment(ctx context.Context, userID, field string, delta float64) (float64, error) {
	if err := store.ValidateLedgerField(field); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrClosed
	}

	payload, err := json.Marshal(incrementPayload{UserID: userID, Field: field, Delta: delta})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal increment: %w", err)
	}

	if err := s.append(recordIncrement, payload); err != nil {
		return 0, err
	}

	return s.addLedger(userID, field, delta), nil
}

// append writes a record at the end of the file. Callers hold s.mu.
func (s *Store) append(kind uint8, payload []byte) error {
	if len(payload)+recordOverhead > maxRecordSize {
		return fmt.Errorf("record of %d bytes exceeds maximum size", len(payload))
	}

	if _, err := s.file.Write(buildRecord(s.nextSequence, kind, payload)); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if s.cfg.SyncWrites {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to fsync: %w", err)
		}
	}

	s.nextSequence++
	s.records++
	return nil
}

func (s *Store) addLedger(userID, field string, delta float64) float64 {
	ledger, ok := s.ledgers[userID]
	if !ok {
		ledger = make(map[string]float64)
		s.ledgers[userID] = ledger
	}
	ledger[field] += delta
	return ledger[field]
}

// Records returns the number of records in the active journal.
func (s *Store) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

// Compact rewrites the journal as one record per user and ledger field, archives the
// previous file with zstd and prunes archives past the retention period.
func (s *Store) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}

	if err := os.MkdirAll(s.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmpPath := s.path + ".compact"
	records, err := s.writeCompacted(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close journal: %w", err)
	}
	s.file = nil

	archiveName := fmt.Sprintf("checkpoints-%d.journal.zst", time.Now().UnixMilli())
	if err := archiveJournal(s.path, filepath.Join(s.cfg.ArchiveDir, archiveName)); err != nil {
		log.Warn().Err(err).Msg("Failed to archive journal, compacting without archive")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return fmt.Errorf("failed to seek journal end: %w", err)
	}
	s.file = file

	before := s.records
	s.records = records
	s.nextSequence = int64(records) + 1

	log.Info().
		Str("path", s.path).
		Int("records_before", before).
		Int("records_after", records).
		Msg("Journal compacted")

	if err := CleanupArchive(s.cfg.ArchiveDir, s.cfg.RetentionDays); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up journal archives")
	}

	return nil
}

// writeCompacted writes the live state to path and returns the record count.
func (s *Store) writeCompacted(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create compacted journal: %w", err)
	}
	defer f.Close()

	if err := writeHeader(f); err != nil {
		return 0, err
	}

	seq := int64(1)
	write := func(kind uint8, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := f.Write(buildRecord(seq, kind, payload)); err != nil {
			return err
		}
		seq++
		return nil
	}

	for _, userID := range slices.Sorted(maps.Keys(s.checkpoints)) {
		if err := write(recordCheckpoint, s.checkpoints[userID]); err != nil {
			return 0, fmt.Errorf("failed to write checkpoint for %s: %w", userID, err)
		}
	}

	for _, userID := range slices.Sorted(maps.Keys(s.ledgers)) {
		ledger := s.ledgers[userID]
		for _, field := range slices.Sorted(maps.Keys(ledger)) {
			inc := incrementPayload{UserID: userID, Field: field, Delta: ledger[field]}
			if err := write(recordIncrement, inc); err != nil {
				return 0, fmt.Errorf("failed to write ledger for %s: %w", userID, err)
			}
		}
	}

	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync compacted journal: %w", err)
	}

	return int(seq - 1), nil
}

// Close closes the journal file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	log.Debug().Str("path", s.path).Int("records", s.records).Msg("Journal closed")
	return nil
}
