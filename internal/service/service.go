// Package service is the orchestration façade: it owns the long-lived
// components and exposes the operations the API layer calls.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/deckcloud/deckcloud/internal/catalog"
	"github.com/deckcloud/deckcloud/internal/cloudsave"
	"github.com/deckcloud/deckcloud/internal/config"
	"github.com/deckcloud/deckcloud/internal/pipeline"
	"github.com/deckcloud/deckcloud/internal/store"
)

// DownloadEngine is the engine surface the service drives directly, plus
// process shutdown.
type DownloadEngine interface {
	pipeline.Engine
	Shutdown()
}

// AccountVerifier checks a session cookie against the remote account
// endpoint.
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, cookie string) (string, error)
}

// Options wires a Service. All fields except History and CloudSaves are
// required.
type Options struct {
	Config     *config.Config
	State      *store.State
	History    *store.History
	Catalog    *catalog.Catalog
	Resolver   AccountVerifier
	Engine     DownloadEngine
	Pipeline   *pipeline.Pipeline
	Shortcuts  pipeline.ShortcutRegistrar
	CloudSaves *cloudsave.Manager
	Logger     *slog.Logger
}

// Service sequences installs, task control, uninstall and session state. One
// instance per process; a file lock on the data dir enforces that across
// processes.
type Service struct {
	cfg        *config.Config
	state      *store.State
	history    *store.History
	catalog    *catalog.Catalog
	resolver   AccountVerifier
	engine     DownloadEngine
	pipeline   *pipeline.Pipeline
	shortcuts  pipeline.ShortcutRegistrar
	cloudSaves *cloudsave.Manager
	logger     *slog.Logger

	lock *flock.Flock

	// installMu serializes plan+commit so two API calls cannot race the
	// same share into duplicate task sets.
	installMu sync.Mutex

	jobCtx    context.Context
	jobCancel context.CancelFunc
	jobs      sync.WaitGroup
}

// New creates the Service and takes the single-instance lock. Fails when
// another process already holds the data dir.
func New(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lock := flock.New(filepath.Join(opts.Config.Server.DataDir, "deckcloud.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("data dir %s is locked by another instance", opts.Config.Server.DataDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        opts.Config,
		state:      opts.State,
		history:    opts.History,
		catalog:    opts.Catalog,
		resolver:   opts.Resolver,
		engine:     opts.Engine,
		pipeline:   opts.Pipeline,
		shortcuts:  opts.Shortcuts,
		cloudSaves: opts.CloudSaves,
		logger:     logger.With("component", "service"),
		lock:       lock,
		jobCtx:     ctx,
		jobCancel:  cancel,
	}
	s.pipeline.SetOnComplete(s.startPostProcess)
	return s, nil
}

// startPostProcess runs the install steps for one completed download in the
// background. The catalog supplies the install hint when the game is known.
func (s *Service) startPostProcess(task store.TransferTask) {
	hint := ""
	if entry, ok := s.catalog.GetByGameID(task.GameID); ok {
		hint = entry.InstallHint
	}
	installDir := s.state.Settings().InstallDir
	if installDir == "" {
		installDir = s.cfg.Server.InstallDir
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.pipeline.PostProcess(s.jobCtx, pipeline.PostProcessRequest{
			Task:        task,
			InstallDir:  installDir,
			InstallHint: hint,
		})
	}()
}

// Shutdown stops background jobs, the download engine, the history ledger and
// releases the instance lock. Idempotent.
func (s *Service) Shutdown() {
	s.jobCancel()
	s.jobs.Wait()
	s.engine.Shutdown()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("history close failed", "error", err)
		}
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("instance lock release failed", "error", err)
	}
	s.logger.Info("service stopped")
}
