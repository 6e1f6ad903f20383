package pipeline

import (
	"context"
	"time"

	"github.com/deckcloud/deckcloud/internal/store"
)

// engineState maps an engine status word to the task status vocabulary.
func engineState(state string) string {
	switch state {
	case "active":
		return store.StatusActive
	case "paused":
		return store.StatusPaused
	case "waiting":
		return store.StatusWaiting
	case "complete":
		return store.StatusComplete
	case "error":
		return store.StatusError
	case "removed":
		return store.StatusRemoved
	default:
		return store.StatusWaiting
	}
}

// Refresh syncs every non-terminal task against the engine and returns the
// full task list. Fail-isolated: one unreachable gid degrades that task to
// error and the rest of the batch still refreshes. The first observed
// transition into complete schedules post-processing exactly once.
func (p *Pipeline) Refresh(ctx context.Context) []store.TransferTask {
	for _, task := range p.state.Tasks() {
		if store.IsTerminalStatus(task.Status) {
			continue
		}

		status, err := p.engine.QueryStatus(ctx, task.EngineHandle)
		if err != nil {
			if task.Status == store.StatusActive || task.Status == store.StatusWaiting {
				reason := err.Error()
				if _, _, uerr := p.state.UpdateTask(task.TaskID, func(t *store.TransferTask) {
					t.Status = store.StatusError
					t.ErrorReason = reason
				}); uerr != nil {
					p.logger.Warn("persist degraded task failed", "taskId", task.TaskID, "error", uerr)
				}
				p.logger.Warn("engine query failed, task degraded", "taskId", task.TaskID, "error", err)
			}
			continue
		}

		newStatus := engineState(status.State)
		percent := 0.0
		if status.TotalLength > 0 {
			percent = float64(status.CompletedLength) / float64(status.TotalLength) * 100
		}
		percent = min(max(percent, 0), 100)
		if newStatus == store.StatusComplete {
			percent = 100
		}

		updated, ok, err := p.state.UpdateTask(task.TaskID, func(t *store.TransferTask) {
			t.Status = newStatus
			t.ProgressPercent = percent
			t.SpeedBytesSec = status.DownloadSpeed
			if status.TotalLength > 0 {
				t.TotalBytes = status.TotalLength
			}
			t.CompletedBytes = status.CompletedLength
			if newStatus == store.StatusError && status.ErrorMessage != "" {
				t.ErrorReason = status.ErrorMessage
			}
		})
		if err != nil {
			p.logger.Warn("persist task refresh failed", "taskId", task.TaskID, "error", err)
		}
		if !ok {
			continue
		}

		if newStatus == store.StatusComplete && p.state.Settings().AutoInstall {
			p.maybeSchedulePostProcess(updated)
		}
	}

	if pruned, err := p.state.PruneTerminal(time.Now()); err != nil {
		p.logger.Warn("retention prune failed", "error", err)
	} else if pruned > 0 {
		p.logger.Info("pruned terminal tasks", "count", pruned)
	}

	return p.state.Tasks()
}

// maybeSchedulePostProcess claims the postProcessed flip and hands the task
// to the completion hook. The claim runs under the store lock, so two
// overlapping refresh passes schedule at most one job.
func (p *Pipeline) maybeSchedulePostProcess(task store.TransferTask) {
	claimed, err := p.state.ClaimPostProcess(task.TaskID)
	if err != nil {
		p.logger.Warn("post-process claim failed", "taskId", task.TaskID, "error", err)
		return
	}
	if !claimed {
		return
	}
	p.logger.Info("scheduling post-process", "taskId", task.TaskID, "file", task.FileName)
	if p.onComplete != nil {
		task.PostProcessed = true
		p.onComplete(task)
	}
}
