package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deckcloud/deckcloud/internal/safety"
	"github.com/deckcloud/deckcloud/internal/store"
)

// UninstallRequest identifies an installed game by id or path.
type UninstallRequest struct {
	GameID      string `json:"gameId,omitempty"`
	InstallPath string `json:"installPath,omitempty"`
	DeleteFiles bool   `json:"deleteFiles"`
}

// UninstallResult reports what the uninstall actually did.
type UninstallResult struct {
	Removed      int      `json:"removed"`
	FilesDeleted bool     `json:"filesDeleted"`
	Warnings     []string `json:"warnings,omitempty"`
}

// InstalledGames lists the installed-game records.
func (s *Service) InstalledGames() []store.InstalledGameRecord {
	return s.state.InstalledGames()
}

// UninstallGame removes an installed game: optionally its files, always its
// record and launcher shortcut. Shortcut cleanup degrades to a warning.
func (s *Service) UninstallGame(req UninstallRequest) (*UninstallResult, error) {
	if req.GameID == "" && req.InstallPath == "" {
		return nil, fmt.Errorf("uninstall request names neither a game id nor an install path")
	}
	record, ok := s.state.FindInstalledGame(req.GameID, req.InstallPath)
	if !ok {
		return nil, fmt.Errorf("no installed game matches id %q or path %q", req.GameID, req.InstallPath)
	}

	result := &UninstallResult{}

	if req.DeleteFiles && record.InstallPath != "" {
		if err := s.deleteInstallDir(record.InstallPath); err != nil {
			return nil, err
		}
		result.FilesDeleted = true
	}

	if s.shortcuts != nil && record.GameID != "" {
		if _, err := s.shortcuts.Remove(record.GameID); err != nil {
			s.logger.Warn("shortcut cleanup failed", "gameId", record.GameID, "error", err)
			result.Warnings = append(result.Warnings, "shortcut cleanup failed: "+err.Error())
		}
	}

	removed, err := s.state.RemoveInstalledGame(record.GameID, record.InstallPath)
	if err != nil {
		return nil, fmt.Errorf("remove installed record: %w", err)
	}
	result.Removed = removed
	s.logger.Info("game uninstalled",
		"gameId", record.GameID, "path", record.InstallPath, "filesDeleted", result.FilesDeleted)
	return result, nil
}

// deleteInstallDir removes a game directory, refusing anything outside the
// configured install root.
func (s *Service) deleteInstallDir(path string) error {
	root := s.state.Settings().InstallDir
	if root == "" {
		root = s.cfg.Server.InstallDir
	}
	if root == "" || strings.TrimRight(root, "/") == "" {
		return fmt.Errorf("no install root configured, refusing to delete %s", path)
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve install root: %w", err)
	}
	resolved, err := safety.EnsureUnderRoot(rootAbs, path)
	if err != nil {
		return fmt.Errorf("refusing to delete %s: %w", path, err)
	}
	if resolved == rootAbs {
		return fmt.Errorf("refusing to delete the install root itself")
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("delete %s: %w", resolved, err)
	}
	return nil
}
