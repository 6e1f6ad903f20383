package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/deckcloud/deckcloud/internal/archive"
	"github.com/deckcloud/deckcloud/internal/store"
)

// PostProcessRequest carries the catalog context the pipeline needs beyond
// the task record itself.
type PostProcessRequest struct {
	Task        store.TransferTask
	InstallDir  string
	InstallHint string
}

// PostProcess runs the install steps for one completed download: verify,
// extract or copy, merge, record, register, clean up. Entered once per task;
// the postProcessed claim happens before scheduling, so a crash mid-way
// leaves a failed install status, not a half-claimed flag.
func (p *Pipeline) PostProcess(ctx context.Context, req PostProcessRequest) {
	task := req.Task
	logger := p.logger.With("taskId", task.TaskID, "file", task.FileName)

	p.setInstallState(task.TaskID, store.InstallInstalling, "")

	source := task.LocalPath
	if source == "" {
		source = filepath.Join(task.DownloadDir, task.FileName)
	}
	if _, err := p.fs.Stat(source); err != nil {
		logger.Warn("downloaded file missing, install failed", "path", source)
		p.setInstallState(task.TaskID, store.InstallFailed, "downloaded file not found: "+source)
		return
	}

	targetName := deriveTargetDir(req.InstallHint, task.GameTitle, task.GameID)
	targetDir := filepath.Join(req.InstallDir, targetName)

	var err error
	if archive.IsArchivePath(task.FileName) {
		err = p.extractAndMerge(ctx, source, targetDir)
	} else {
		err = copyFile(p.fs, source, filepath.Join(targetDir, task.FileName))
	}
	if err != nil {
		logger.Warn("install placement failed", "error", err)
		p.setInstallState(task.TaskID, store.InstallFailed, err.Error())
		p.recordFailedRun(task, err.Error())
		return
	}

	record, err := p.state.UpsertInstalledGame(store.InstalledGameRecord{
		GameID:            task.GameID,
		GameTitle:         task.GameTitle,
		InstallPath:       targetDir,
		SourceArchivePath: source,
		Status:            "installed",
		SizeBytes:         dirSize(p.fs, targetDir),
	})
	if err != nil {
		logger.Warn("persist installed game failed", "error", err)
	}

	// Steps below degrade to warnings; the game is installed either way.
	var warnings []string

	if p.shortcuts != nil {
		exe := findExecutable(p.fs, targetDir, req.InstallHint)
		if exe == "" {
			warnings = append(warnings, "no launch target found, shortcut skipped")
		} else if appID, err := p.shortcuts.Register(task.GameID, task.GameTitle, exe, ""); err != nil {
			warnings = append(warnings, "shortcut registration failed: "+err.Error())
		} else {
			record.ExternalLaunchID = appID
			if _, err := p.state.UpsertInstalledGame(record); err != nil {
				logger.Warn("persist launcher id failed", "error", err)
			}
		}
	}

	if p.state.Settings().AutoDeletePackage && archive.IsArchivePath(task.FileName) {
		if err := p.fs.Remove(source); err != nil {
			warnings = append(warnings, "package cleanup failed: "+err.Error())
		}
	}

	message := "installed to " + targetDir
	if len(warnings) > 0 {
		message += " (" + strings.Join(warnings, "; ") + ")"
	}
	p.finishInstall(task.TaskID, targetDir, message)
	p.recordRun(&store.InstallRun{
		GameID:      task.GameID,
		Title:       task.GameTitle,
		Status:      "installed",
		FilesTotal:  1,
		BytesTotal:  task.TotalBytes,
		Message:     message,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	})
	logger.Info("install finished", "target", targetDir, "warnings", len(warnings))
}

// extractAndMerge unpacks into a staging dir next to the target, unwraps a
// redundant top-level directory, then merges into the target. Staging keeps
// a failed extraction from corrupting existing content.
func (p *Pipeline) extractAndMerge(ctx context.Context, source, targetDir string) error {
	parent := filepath.Dir(targetDir)
	if err := p.fs.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	staging, err := afero.TempDir(p.fs, parent, "deckcloud-extract-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := p.fs.RemoveAll(staging); err != nil {
			p.logger.Warn("staging cleanup failed", "path", staging, "error", err)
		}
	}()

	if err := p.extractor.Extract(ctx, source, staging, nil); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(source), err)
	}

	root, err := unwrapRoot(p.fs, staging, filepath.Base(targetDir))
	if err != nil {
		return err
	}
	return mergeDir(p.fs, root, targetDir)
}

func (p *Pipeline) setInstallState(taskID, status, message string) {
	if _, _, err := p.state.UpdateTask(taskID, func(t *store.TransferTask) {
		t.InstallStatus = status
		if message != "" {
			t.InstallMessage = message
		}
	}); err != nil {
		p.logger.Warn("persist install state failed", "taskId", taskID, "error", err)
	}
}

func (p *Pipeline) finishInstall(taskID, installedPath, message string) {
	if _, _, err := p.state.UpdateTask(taskID, func(t *store.TransferTask) {
		t.InstallStatus = store.InstallInstalled
		t.InstalledPath = installedPath
		t.InstallMessage = message
	}); err != nil {
		p.logger.Warn("persist install result failed", "taskId", taskID, "error", err)
	}
}

func (p *Pipeline) recordFailedRun(task store.TransferTask, reason string) {
	run := &store.InstallRun{
		GameID:      task.GameID,
		Title:       task.GameTitle,
		Status:      "failed",
		FilesTotal:  1,
		FilesFailed: 1,
		Message:     reason,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	p.recordRun(run)
	p.recordFailedFile(&store.FailedFile{
		RunID: run.ID, FileID: task.FileID, Name: task.FileName,
		Reason: reason, LastAttemptAt: time.Now(),
	})
}
