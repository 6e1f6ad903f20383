package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/deckcloud/deckcloud/internal/engine"
	"github.com/deckcloud/deckcloud/internal/store"
)

// FileFailure is one file the commit could not submit.
type FileFailure struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// CommitResult carries the submitted tasks and any per-file failures.
type CommitResult struct {
	Tasks  []store.TransferTask `json:"tasks"`
	Failed []FileFailure        `json:"failed,omitempty"`
}

// Commit submits one download per planned file. Per-file atomic: a failure
// on file N leaves files 1..N-1 submitted and persisted. The access token is
// fetched once for the whole batch.
func (p *Pipeline) Commit(ctx context.Context, plan *InstallPlan, parallelism int) (*CommitResult, error) {
	if plan == nil || len(plan.Files) == 0 {
		return nil, fmt.Errorf("install plan is empty")
	}
	if err := p.engine.EnsureRunning(ctx); err != nil {
		return nil, fmt.Errorf("download engine unavailable: %w", err)
	}

	cookie := p.cookie()
	token, err := p.resolver.FetchAccessToken(ctx, cookie)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}

	settings := p.state.Settings()
	if parallelism <= 0 {
		parallelism = settings.SplitCount
	}

	run := &store.InstallRun{
		GameID:     plan.GameID,
		Title:      plan.GameTitle,
		ShareCode:  plan.ShareReference.ShareCode,
		Status:     "downloading",
		FilesTotal: len(plan.Files),
		BytesTotal: plan.RequiredBytes,
		StartedAt:  time.Now(),
	}
	p.recordRun(run)

	result := &CommitResult{}
	for _, f := range plan.Files {
		directURL, err := p.resolver.FetchDownloadURL(ctx, cookie, token, plan.ResolvedShareID, f.FileID)
		if err != nil {
			p.logger.Warn("direct link failed, skipping file", "file", f.Name, "error", err)
			result.Failed = append(result.Failed, FileFailure{FileID: f.FileID, Name: f.Name, Reason: err.Error()})
			p.recordFailedFile(&store.FailedFile{
				RunID: run.ID, FileID: f.FileID, Name: f.Name,
				Reason: err.Error(), LastAttemptAt: time.Now(),
			})
			continue
		}

		gid, err := p.engine.Submit(ctx, engine.SubmitOptions{
			URI:    directURL,
			Dir:    plan.DownloadDir,
			Out:    f.Name,
			Cookie: cookie,
			Split:  parallelism,
		})
		if err != nil {
			p.logger.Warn("engine submit failed, skipping file", "file", f.Name, "error", err)
			result.Failed = append(result.Failed, FileFailure{FileID: f.FileID, Name: f.Name, Reason: err.Error()})
			p.recordFailedFile(&store.FailedFile{
				RunID: run.ID, FileID: f.FileID, Name: f.Name,
				Reason: err.Error(), LastAttemptAt: time.Now(),
			})
			continue
		}

		task := store.TransferTask{
			TaskID:        uuid.NewString(),
			EngineHandle:  gid,
			GameID:        plan.GameID,
			GameTitle:     plan.GameTitle,
			FileID:        f.FileID,
			FileName:      f.Name,
			DownloadDir:   plan.DownloadDir,
			LocalPath:     filepath.Join(plan.DownloadDir, f.Name),
			Status:        store.StatusWaiting,
			TotalBytes:    f.Size,
			InstallStatus: store.InstallPending,
		}
		if err := p.state.PutTask(task); err != nil {
			return nil, fmt.Errorf("persist task for %s: %w", f.Name, err)
		}
		result.Tasks = append(result.Tasks, task)
	}

	run.FilesFailed = len(result.Failed)
	if len(result.Tasks) == 0 {
		run.Status = "failed"
		run.Message = "no file could be submitted"
		run.CompletedAt = time.Now()
		p.recordRun(run)
		return nil, fmt.Errorf("no file could be submitted for %s (%d failures)", plan.GameTitle, len(result.Failed))
	}
	p.recordRun(run)
	return result, nil
}
