package store

import (
	"strings"
	"time"
)

// Task status values reported by the download engine, plus the local
// "removed" terminal state.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusComplete = "complete"
	StatusError    = "error"
	StatusRemoved  = "removed"
)

// Install status values for the post-download pipeline.
const (
	InstallPending    = "pending"
	InstallInstalling = "installing"
	InstallInstalled  = "installed"
	InstallFailed     = "failed"
)

// IsTerminalStatus reports whether a task status is final and subject to
// retention pruning.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusError, StatusRemoved:
		return true
	}
	return false
}

// TransferTask is one file download plus its install outcome. TaskID is
// locally generated and stable; EngineHandle is the engine-side gid.
type TransferTask struct {
	TaskID       string `json:"taskId"`
	EngineHandle string `json:"engineHandle"`
	GameID       string `json:"gameId"`
	GameTitle    string `json:"gameTitle"`
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	DownloadDir  string `json:"downloadDir"`
	LocalPath    string `json:"localPath"`

	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progressPercent"`
	SpeedBytesSec   int64   `json:"speedBytesPerSec"`
	TotalBytes      int64   `json:"totalBytes"`
	CompletedBytes  int64   `json:"completedBytes"`
	ErrorReason     string  `json:"errorReason,omitempty"`

	InstallStatus  string `json:"installStatus"`
	InstallMessage string `json:"installMessage,omitempty"`
	InstalledPath  string `json:"installedPath,omitempty"`
	PostProcessed  bool   `json:"postProcessed"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// valid reports whether a loaded task record is usable. Corrupt records are
// skipped on load, never fatal.
func (t *TransferTask) valid() bool {
	return strings.TrimSpace(t.TaskID) != "" && strings.TrimSpace(t.FileName) != ""
}

// InstalledGameRecord is one installed game. Identity on upsert is gameId OR
// installPath: matching either field identifies the same game.
type InstalledGameRecord struct {
	GameID            string    `json:"gameId"`
	GameTitle         string    `json:"gameTitle"`
	InstallPath       string    `json:"installPath"`
	SourceArchivePath string    `json:"sourceArchivePath,omitempty"`
	Status            string    `json:"status"`
	SizeBytes         int64     `json:"sizeBytes"`
	ExternalLaunchID  uint32    `json:"externalLaunchId,omitempty"`
	PlaytimeMinutes   int64     `json:"playtimeMinutes,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (g *InstalledGameRecord) valid() bool {
	return strings.TrimSpace(g.GameID) != "" || strings.TrimSpace(g.InstallPath) != ""
}

// LoginState is the opaque session blob plus the last verified account name.
type LoginState struct {
	Cookie    string    `json:"cookie"`
	Account   string    `json:"account"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Settings are the user-tunable knobs, persisted with the rest of the state.
type Settings struct {
	DownloadDir       string `json:"downloadDir"`
	InstallDir        string `json:"installDir"`
	SplitCount        int    `json:"splitCount"`
	PageSize          int    `json:"pageSize"`
	AutoDeletePackage bool   `json:"autoDeletePackage"`
	AutoInstall       bool   `json:"autoInstall"`
}

// Clamp forces settings into their documented ranges.
func (s *Settings) Clamp() {
	if s.SplitCount < 1 || s.SplitCount > 64 {
		s.SplitCount = 16
	}
	if s.PageSize < 10 || s.PageSize > 200 {
		s.PageSize = 50
	}
	// Completed downloads always install; the toggle survived in the schema
	// but the pipeline depends on it being on.
	s.AutoInstall = true
}

// CloudSaveResult is the last outcome snapshot of one auxiliary cloud-save
// job, kind "upload" or "restore".
type CloudSaveResult struct {
	Kind        string    `json:"kind"`
	OK          bool      `json:"ok"`
	Message     string    `json:"message"`
	ArchiveName string    `json:"archiveName,omitempty"`
	At          time.Time `json:"at"`
}
