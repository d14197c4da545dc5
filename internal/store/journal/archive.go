package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// archiveJournal compresses the journal at srcPath into archivePath with zstd.
// The source file is left in place.
func archiveJournal(srcPath, archivePath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	dst, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		os.Remove(archivePath)
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(archivePath)
		return fmt.Errorf("failed to compress: %w", err)
	}

	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	dstInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	log.Info().
		Int64("original_bytes", srcInfo.Size()).
		Int64("compressed_bytes", dstInfo.Size()).
		Str("archive_path", archivePath).
		Msg("Journal archived with zstd compression")

	return nil
}

// CleanupArchive removes archived journals older than the retention period
func CleanupArchive(archiveDir string, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read archive directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zst") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(archiveDir, entry.Name())); err != nil {
				log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to delete old archive file")
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		log.Info().
			Str("archive_dir", archiveDir).
			Int("deleted_files", deleted).
			Msg("Archive cleanup completed")
	}

	return nil
}

// Restore decompresses an archived journal to outputPath, for inspection or to roll
// a device back to an earlier state.
func Restore(archivePath, outputPath string) error {
	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	dst, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}

	if _, err := io.Copy(dst, dec); err != nil {
		dst.Close()
		os.Remove(outputPath)
		return fmt.Errorf("failed to decompress: %w", err)
	}

	return dst.Close()
}
