package service

import (
	"context"
	"fmt"

	"github.com/deckcloud/deckcloud/internal/store"
)

// ListTasks returns all tasks. With sync set it refreshes against the engine
// first; otherwise it serves the stored snapshot.
func (s *Service) ListTasks(ctx context.Context, sync bool) []store.TransferTask {
	if sync {
		return s.pipeline.Refresh(ctx)
	}
	return s.state.Tasks()
}

// PauseTask pauses one download.
func (s *Service) PauseTask(ctx context.Context, taskID string) error {
	task, ok := s.state.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err := s.engine.Pause(ctx, task.EngineHandle); err != nil {
		return fmt.Errorf("pause task %s: %w", taskID, err)
	}
	_, _, err := s.state.UpdateTask(taskID, func(t *store.TransferTask) {
		t.Status = store.StatusPaused
	})
	return err
}

// ResumeTask resumes one paused download.
func (s *Service) ResumeTask(ctx context.Context, taskID string) error {
	task, ok := s.state.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if err := s.engine.Resume(ctx, task.EngineHandle); err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}
	_, _, err := s.state.UpdateTask(taskID, func(t *store.TransferTask) {
		t.Status = store.StatusActive
	})
	return err
}

// RemoveTask removes one download. Idempotent: removing an unknown or
// already-removed task is a no-op, and engine-side failures are swallowed
// since the gid may be long gone.
func (s *Service) RemoveTask(ctx context.Context, taskID string) error {
	task, ok := s.state.Task(taskID)
	if !ok {
		s.logger.Debug("remove of unknown task ignored", "taskId", taskID)
		return nil
	}

	s.engine.Remove(ctx, task.EngineHandle)

	if task.Status == store.StatusRemoved {
		return nil
	}
	_, _, err := s.state.UpdateTask(taskID, func(t *store.TransferTask) {
		t.Status = store.StatusRemoved
	})
	return err
}
