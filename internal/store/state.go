// Package store persists service state: a single atomically-written JSON
// document for live state and a sqlite ledger for install-run history.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RetentionWindow is how long terminal tasks are kept before pruning.
const RetentionWindow = 7 * 24 * time.Hour

const renameRetryDelay = 50 * time.Millisecond

// document is the on-disk shape of the state file.
type document struct {
	Login      LoginState            `json:"login"`
	Settings   Settings              `json:"settings"`
	Tasks      []TransferTask        `json:"tasks"`
	Installed  []InstalledGameRecord `json:"installedGames"`
	CloudSaves []CloudSaveResult     `json:"cloudSaves"`
}

// State is the durable live state of the service. Every mutator persists
// synchronously before returning; task state must survive an abrupt kill.
type State struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	doc    document
}

// Open loads the state file, creating a fresh document when it does not
// exist. Individually corrupt records are skipped, never fatal.
func Open(path string, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{path: path, logger: logger.With("component", "store")}
	s.doc.Settings.Clamp()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var loaded document
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}

	s.doc.Login = loaded.Login
	s.doc.Settings = loaded.Settings
	s.doc.Settings.Clamp()
	s.doc.CloudSaves = loaded.CloudSaves
	for _, t := range loaded.Tasks {
		if !t.valid() {
			s.logger.Warn("skipping invalid task record", "taskId", t.TaskID)
			continue
		}
		s.doc.Tasks = append(s.doc.Tasks, t)
	}
	for _, g := range loaded.Installed {
		if !g.valid() {
			s.logger.Warn("skipping invalid installed-game record", "gameId", g.GameID)
			continue
		}
		s.doc.Installed = append(s.doc.Installed, g)
	}
	return s, nil
}

// save writes the document atomically. Called with s.mu held.
func (s *State) save() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err == nil {
		return nil
	}

	// Rename can fail transiently on some filesystems; retry once, then
	// fall back to a direct write.
	time.Sleep(renameRetryDelay)
	if err := os.Rename(tmp, s.path); err == nil {
		return nil
	}
	s.logger.Warn("atomic rename failed twice, writing state directly", "path", s.path)
	_ = os.Remove(tmp)
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Login returns the current login state.
func (s *State) Login() LoginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Login
}

// SetLogin stores the session cookie and verified account name.
func (s *State) SetLogin(cookie, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Login = LoginState{
		Cookie:    strings.TrimSpace(cookie),
		Account:   strings.TrimSpace(account),
		UpdatedAt: time.Now(),
	}
	return s.save()
}

// Settings returns the current settings.
func (s *State) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Settings
}

// UpdateSettings replaces the settings after clamping.
func (s *State) UpdateSettings(settings Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.Clamp()
	s.doc.Settings = settings
	return settings, s.save()
}

// Tasks returns a copy of the task list.
func (s *State) Tasks() []TransferTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferTask, len(s.doc.Tasks))
	copy(out, s.doc.Tasks)
	return out
}

// Task returns one task by id.
func (s *State) Task(taskID string) (TransferTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.doc.Tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return TransferTask{}, false
}

// PutTask inserts or replaces a task by id.
func (s *State) PutTask(task TransferTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.UpdatedAt = time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	for i, t := range s.doc.Tasks {
		if t.TaskID == task.TaskID {
			s.doc.Tasks[i] = task
			return s.save()
		}
	}
	s.doc.Tasks = append(s.doc.Tasks, task)
	return s.save()
}

// UpdateTask mutates one task under the lock and persists. The bool result
// is false when the task does not exist.
func (s *State) UpdateTask(taskID string, mutate func(*TransferTask)) (TransferTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].TaskID != taskID {
			continue
		}
		mutate(&s.doc.Tasks[i])
		s.doc.Tasks[i].UpdatedAt = time.Now()
		return s.doc.Tasks[i], true, s.save()
	}
	return TransferTask{}, false, nil
}

// ClaimPostProcess flips postProcessed false→true for one task. Returns true
// only for the single caller that wins the flip; the check-then-set runs
// under the store lock so a refresh race schedules post-processing once.
func (s *State) ClaimPostProcess(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].TaskID != taskID {
			continue
		}
		if s.doc.Tasks[i].PostProcessed {
			return false, nil
		}
		s.doc.Tasks[i].PostProcessed = true
		s.doc.Tasks[i].UpdatedAt = time.Now()
		return true, s.save()
	}
	return false, nil
}

// ResetPostProcess clears the claim so a failed pipeline can be retried by
// an operator action.
func (s *State) ResetPostProcess(taskID string) error {
	_, _, err := s.UpdateTask(taskID, func(t *TransferTask) {
		t.PostProcessed = false
		t.InstallStatus = InstallPending
		t.InstallMessage = ""
	})
	return err
}

// PruneTerminal drops terminal tasks older than the retention window and
// returns how many were removed.
func (s *State) PruneTerminal(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-RetentionWindow)
	kept := s.doc.Tasks[:0]
	removed := 0
	for _, t := range s.doc.Tasks {
		if IsTerminalStatus(t.Status) && t.UpdatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	if removed == 0 {
		return 0, nil
	}
	s.doc.Tasks = kept
	return removed, s.save()
}

// InstalledGames returns a copy of the installed-game list.
func (s *State) InstalledGames() []InstalledGameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstalledGameRecord, len(s.doc.Installed))
	copy(out, s.doc.Installed)
	return out
}

// FindInstalledGame matches by gameId or installPath; either is sufficient
// identity.
func (s *State) FindInstalledGame(gameID, installPath string) (InstalledGameRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findInstalledLocked(gameID, installPath); i >= 0 {
		return s.doc.Installed[i], true
	}
	return InstalledGameRecord{}, false
}

func (s *State) findInstalledLocked(gameID, installPath string) int {
	for i, g := range s.doc.Installed {
		if (gameID != "" && g.GameID == gameID) || (installPath != "" && g.InstallPath == installPath) {
			return i
		}
	}
	return -1
}

// UpsertInstalledGame inserts or updates by (gameId OR installPath). Fields
// earned over time (playtime, launcher id) survive a reinstall.
func (s *State) UpsertInstalledGame(rec InstalledGameRecord) (InstalledGameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rec.UpdatedAt = now

	if i := s.findInstalledLocked(rec.GameID, rec.InstallPath); i >= 0 {
		prev := s.doc.Installed[i]
		rec.CreatedAt = prev.CreatedAt
		if rec.PlaytimeMinutes == 0 {
			rec.PlaytimeMinutes = prev.PlaytimeMinutes
		}
		if rec.ExternalLaunchID == 0 {
			rec.ExternalLaunchID = prev.ExternalLaunchID
		}
		s.doc.Installed[i] = rec
		return rec, s.save()
	}

	rec.CreatedAt = now
	s.doc.Installed = append(s.doc.Installed, rec)
	return rec, s.save()
}

// RemoveInstalledGame deletes every record matching the game id or install
// path, which also clears stale records left at a reused path.
func (s *State) RemoveInstalledGame(gameID, installPath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.Installed[:0]
	removed := 0
	for _, g := range s.doc.Installed {
		if (gameID != "" && g.GameID == gameID) || (installPath != "" && g.InstallPath == installPath) {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	if removed == 0 {
		return 0, nil
	}
	s.doc.Installed = kept
	return removed, s.save()
}

// SetCloudSaveResult records the last outcome for one cloud-save kind.
func (s *State) SetCloudSaveResult(res CloudSaveResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res.At = time.Now()
	for i, existing := range s.doc.CloudSaves {
		if existing.Kind == res.Kind {
			s.doc.CloudSaves[i] = res
			return s.save()
		}
	}
	s.doc.CloudSaves = append(s.doc.CloudSaves, res)
	return s.save()
}

// CloudSaveResults returns a copy of the last-result snapshots.
func (s *State) CloudSaveResults() []CloudSaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CloudSaveResult, len(s.doc.CloudSaves))
	copy(out, s.doc.CloudSaves)
	return out
}
