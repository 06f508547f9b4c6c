package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"coachletter/internal/types"
)

// Compile-time assertion that FileArchiver implements Archiver.
var _ Archiver = (*FileArchiver)(nil)

// FileArchiver writes pruned attempt batches as gzipped JSONL files under a
// base directory, one file per batch, mirroring the key layout cold object
// storage would use.
type FileArchiver struct {
	baseDir string
}

// NewFileArchiver creates a FileArchiver rooted at baseDir.
func NewFileArchiver(baseDir string) *FileArchiver {
	return &FileArchiver{baseDir: baseDir}
}

// WriteBatch serializes records to gzipped JSONL at baseDir/key. The file
// is written to a temp name and renamed so a crashed run never leaves a
// half-written archive behind.
func (f *FileArchiver) WriteBatch(ctx context.Context, key string, records []*types.DeliveryAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(f.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: creating directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*")
	if err != nil {
		return fmt.Errorf("archive: creating temp file for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("archive: encoding record %s: %w", r.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: finalizing gzip stream for %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: closing temp file for %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("archive: publishing %s: %w", key, err)
	}
	return nil
}
