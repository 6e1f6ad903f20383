// Package cloudsave packs and restores save-game snapshots as 7z archives.
package cloudsave

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"

	"github.com/deckcloud/deckcloud/internal/safety"
	"github.com/deckcloud/deckcloud/internal/store"
)

// Archiver is the slice of the archive tool the snapshots need.
type Archiver interface {
	Create(ctx context.Context, archivePath, sourceDir string) error
	Extract(ctx context.Context, archivePath, destDir string, onProgress func(percent int)) error
}

// Downloader fetches a remote archive to a local path and returns the file
// written. Production uses grab; tests substitute their own.
type Downloader func(ctx context.Context, url, destDir string) (string, error)

// Manager runs snapshot jobs and records their outcomes in the store.
type Manager struct {
	archiver Archiver
	state    *store.State
	dataDir  string
	download Downloader
	logger   *slog.Logger
}

// New creates a Manager. Snapshots live under dataDir/cloudsaves.
func New(archiver Archiver, state *store.State, dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		archiver: archiver,
		state:    state,
		dataDir:  dataDir,
		download: grabDownload,
		logger:   logger.With("component", "cloudsave"),
	}
}

// Pack archives saveDir into a timestamped snapshot and records the outcome.
// The returned result mirrors what was persisted.
func (m *Manager) Pack(ctx context.Context, gameID, saveDir string) (store.CloudSaveResult, error) {
	result := store.CloudSaveResult{Kind: "upload", At: time.Now()}

	info, err := os.Stat(saveDir)
	if err != nil || !info.IsDir() {
		result.Message = fmt.Sprintf("save directory %s not found", saveDir)
		return m.finish(result, fmt.Errorf("save directory %s: %w", saveDir, os.ErrNotExist))
	}

	name := safety.SanitizeSegment(gameID)
	if name == "" {
		name = "saves"
	}
	archiveName := fmt.Sprintf("%s-saves-%s.7z", name, time.Now().Format("20060102-150405"))
	archiveDir := filepath.Join(m.dataDir, "cloudsaves")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		result.Message = "create snapshot dir failed: " + err.Error()
		return m.finish(result, fmt.Errorf("create snapshot dir: %w", err))
	}

	archivePath := filepath.Join(archiveDir, archiveName)
	if err := m.archiver.Create(ctx, archivePath, saveDir); err != nil {
		result.Message = "pack failed: " + err.Error()
		return m.finish(result, fmt.Errorf("pack %s: %w", saveDir, err))
	}

	result.OK = true
	result.ArchiveName = archiveName
	result.Message = "snapshot packed to " + archivePath
	m.logger.Info("save snapshot packed", "gameId", gameID, "archive", archiveName)
	return m.finish(result, nil)
}

// Restore downloads a snapshot archive and unpacks it into saveDir,
// overwriting existing files.
func (m *Manager) Restore(ctx context.Context, archiveURL, saveDir string) (store.CloudSaveResult, error) {
	result := store.CloudSaveResult{Kind: "restore", At: time.Now()}

	if _, err := safety.ValidateHTTPURL(archiveURL); err != nil {
		result.Message = "invalid archive URL: " + err.Error()
		return m.finish(result, err)
	}

	scratch, err := os.MkdirTemp(m.dataDir, "cloudsave-restore-")
	if err != nil {
		result.Message = "create scratch dir failed: " + err.Error()
		return m.finish(result, fmt.Errorf("create scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	archivePath, err := m.download(ctx, archiveURL, scratch)
	if err != nil {
		result.Message = "download failed: " + err.Error()
		return m.finish(result, fmt.Errorf("download snapshot: %w", err))
	}

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		result.Message = "create save dir failed: " + err.Error()
		return m.finish(result, fmt.Errorf("create save dir: %w", err))
	}
	if err := m.archiver.Extract(ctx, archivePath, saveDir, nil); err != nil {
		result.Message = "unpack failed: " + err.Error()
		return m.finish(result, fmt.Errorf("unpack snapshot: %w", err))
	}

	result.OK = true
	result.ArchiveName = filepath.Base(archivePath)
	result.Message = "snapshot restored to " + saveDir
	m.logger.Info("save snapshot restored", "saveDir", saveDir, "archive", result.ArchiveName)
	return m.finish(result, nil)
}

// finish persists the result snapshot; persistence failures never mask the
// job's own error.
func (m *Manager) finish(result store.CloudSaveResult, jobErr error) (store.CloudSaveResult, error) {
	if err := m.state.SetCloudSaveResult(result); err != nil {
		m.logger.Warn("persist cloud-save result failed", "kind", result.Kind, "error", err)
	}
	return result, jobErr
}

func grabDownload(ctx context.Context, url, destDir string) (string, error) {
	req, err := grab.NewRequest(destDir, url)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	req = req.WithContext(ctx)

	resp := grab.NewClient().Do(req)
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	return resp.Filename, nil
}
