package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"

	"github.com/specguard/specguard/pkg/models"
)

// HistoryStore persists diff-artifact provenance, one entry per job id, and
// owns a managed file tree under storageDir. Artifacts are copied in rather
// than referenced, so a stored diff outlives any caller's temporary files.
type HistoryStore struct {
	DB         *gorm.DB
	clock      clock.Clock
	storageDir string
}

func NewHistoryStore(storageDir string, opts ...Option) (*HistoryStore, error) {
	cfg := NewDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	db, err := openDB(cfg, &AssertionHistory{})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	return &HistoryStore{DB: db, clock: cfg.Clock, storageDir: storageDir}, nil
}

// SaveEntry upserts the entry for its job id. When diffSrcPath is non-empty
// the file is copied into storageDir/<jobID>/<DiffFilename> and the stored
// path points at the managed copy.
func (h *HistoryStore) SaveEntry(ctx context.Context, entry models.HistoryEntry, diffSrcPath string) error {
	now := h.clock.Now().UTC()

	if diffSrcPath != "" {
		if entry.DiffFilename == "" {
			entry.DiffFilename = filepath.Base(diffSrcPath)
		}
		managed := filepath.Join(h.storageDir, entry.JobID, entry.DiffFilename)
		if err := copyIn(diffSrcPath, managed); err != nil {
			return err
		}
		entry.DiffPath = managed
	}

	var existing AssertionHistory
	err := h.DB.WithContext(ctx).Where("job_id = ?", entry.JobID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return h.DB.WithContext(ctx).Create(&AssertionHistory{
			JobID:            entry.JobID,
			CodeFilename:     entry.CodeFilename,
			DatabaseFilename: entry.DatabaseFilename,
			DiffPath:         entry.DiffPath,
			DiffFilename:     entry.DiffFilename,
			Source:           entry.Source,
			CreatedAt:        now,
			UpdatedAt:        now,
		}).Error
	case err != nil:
		return err
	default:
		existing.CodeFilename = entry.CodeFilename
		existing.DatabaseFilename = entry.DatabaseFilename
		existing.DiffPath = entry.DiffPath
		existing.DiffFilename = entry.DiffFilename
		existing.Source = entry.Source
		existing.UpdatedAt = now
		return h.DB.WithContext(ctx).Save(&existing).Error
	}
}

// GetEntry returns the stored entry for a job id.
func (h *HistoryStore) GetEntry(ctx context.Context, jobID string) (models.HistoryEntry, error) {
	var row AssertionHistory
	if err := h.DB.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return models.HistoryEntry{}, err
	}
	return models.HistoryEntry{
		JobID:            row.JobID,
		CodeFilename:     row.CodeFilename,
		DatabaseFilename: row.DatabaseFilename,
		DiffPath:         row.DiffPath,
		DiffFilename:     row.DiffFilename,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		Source:           row.Source,
	}, nil
}

// ResolveDiffPath returns the stored diff path only while the file still
// exists on disk; a deleted artifact is reported as absent, not stale.
func (h *HistoryStore) ResolveDiffPath(ctx context.Context, jobID string) (string, bool) {
	entry, err := h.GetEntry(ctx, jobID)
	if err != nil || entry.DiffPath == "" {
		return "", false
	}
	if _, err := os.Stat(entry.DiffPath); err != nil {
		return "", false
	}
	return entry.DiffPath, true
}

func (h *HistoryStore) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func copyIn(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
