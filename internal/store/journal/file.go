package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/models"
)

const (
	// Journal file format constants
	journalMagic   = "MNJRNL01"
	journalVersion = uint32(1)
	headerSize     = 16 // 8 bytes magic + 4 bytes version + 4 bytes reserved

	// recordOverhead is every byte of a record except the payload
	recordOverhead = 32
	maxRecordSize  = 1024 * 1024

	// Record kinds
	recordCheckpoint uint8 = 1
	recordIncrement  uint8 = 2
)

// incrementPayload is the body of a ledger record.
type incrementPayload struct {
	UserID string  `json:"user_id"`
	Field  string  `json:"field"`
	Delta  float64 `json:"delta"`
}

// writeHeader writes the journal file header to f.
func writeHeader(f *os.File) error {
	header := make([]byte, headerSize)
	copy(header[0:8], journalMagic)
	binary.LittleEndian.PutUint32(header[8:12], journalVersion)

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// readHeader validates the header at the start of r.
func readHeader(r io.Reader) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	if magic := string(header[0:8]); magic != journalMagic {
		return fmt.Errorf("invalid magic: %q", magic)
	}

	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}

	return nil
}

// buildRecord constructs a framed record.
//
// Record format (total: 32 + payload_len bytes):
// - Length (4 bytes, uint32) - total record length including this field
// - Sequence (8 bytes, int64)
// - Kind (1 byte, uint8) - recordCheckpoint/recordIncrement
// - Reserved (3 bytes)
// - Timestamp (8 bytes, int64) - Unix milliseconds
// - Payload (variable) - JSON
// - CRC64 (8 bytes, uint64) - CRC64-NVME of everything between length and CRC
func buildRecord(sequence int64, kind uint8, payload []byte) []byte {
	//nolint:gosec // payload size is bounded by maxRecordSize before append
	totalLength := uint32(recordOverhead + len(payload))
	buf := new(bytes.Buffer)

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	_ = binary.Write(buf, binary.LittleEndian, sequence)
	buf.WriteByte(kind)
	buf.Write([]byte{0, 0, 0})
	_ = binary.Write(buf, binary.LittleEndian, time.Now().UnixMilli())
	buf.Write(payload)

	crc := computeCRC64(buf.Bytes()[4:])
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes()
}

func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// decodedRecord is a record read back from disk.
type decodedRecord struct {
	sequence int64
	kind     uint8
	payload  []byte
}

var errCorruptRecord = errors.New("corrupt record")

// readRecord reads the next record from r. It returns io.EOF at a clean end of file
// and errCorruptRecord for anything that cannot be trusted.
func readRecord(r io.Reader) (*decodedRecord, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: failed to read length: %w", errCorruptRecord, err)
	}

	if length < recordOverhead || length > maxRecordSize {
		return nil, fmt.Errorf("%w: invalid record length %d", errCorruptRecord, length)
	}

	data := make([]byte, length-4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: failed to read record data: %w", errCorruptRecord, err)
	}

	storedCRC := binary.LittleEndian.Uint64(data[len(data)-8:])
	if computed := computeCRC64(data[:len(data)-8]); storedCRC != computed {
		return nil, fmt.Errorf("%w: CRC64 mismatch: stored=%x computed=%x", errCorruptRecord, storedCRC, computed)
	}

	return &decodedRecord{
		//nolint:gosec // sequence is always positive
		sequence: int64(binary.LittleEndian.Uint64(data[0:8])),
		kind:     data[8],
		payload:  data[20 : len(data)-8],
	}, nil
}

// replay scans the journal from the start and applies every valid record to the
// in-memory state. A torn or corrupt tail is truncated so later appends start clean.
func (s *Store) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}

	if err := readHeader(s.file); err != nil {
		return err
	}

	offset := int64(headerSize)
	for {
		rec, err := readRecord(s.file)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("path", s.path).
				Int64("offset", offset).
				Msg("Corrupt journal record, truncating")
			if truncErr := s.file.Truncate(offset); truncErr != nil {
				return fmt.Errorf("failed to truncate journal: %w", truncErr)
			}
			s.truncated = true
			break
		}

		if err := s.apply(rec); err != nil {
			log.Warn().
				Err(err).
				Int64("sequence", rec.sequence).
				Msg("Skipping undecodable journal record")
		}

		offset += int64(recordOverhead + len(rec.payload))
		s.records++
		if rec.sequence >= s.nextSequence {
			s.nextSequence = rec.sequence + 1
		}
	}

	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

// apply folds one record into the in-memory state.
func (s *Store) apply(rec *decodedRecord) error {
	switch rec.kind {
	case recordCheckpoint:
		var cp models.Checkpoint
		if err := json.Unmarshal(rec.payload, &cp); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		s.checkpoints[cp.UserID] = &cp

	case recordIncrement:
		var inc incrementPayload
		if err := json.Unmarshal(rec.payload, &inc); err != nil {
			return fmt.Errorf("failed to unmarshal increment: %w", err)
		}
		s.addLedger(inc.UserID, inc.Field, inc.Delta)

	default:
		return fmt.Errorf("unknown record kind: %d", rec.kind)
	}

	return nil
}
