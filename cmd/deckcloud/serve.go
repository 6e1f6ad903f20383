package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckcloud/deckcloud/internal/archive"
	"github.com/deckcloud/deckcloud/internal/catalog"
	"github.com/deckcloud/deckcloud/internal/cloudsave"
	"github.com/deckcloud/deckcloud/internal/config"
	"github.com/deckcloud/deckcloud/internal/engine"
	"github.com/deckcloud/deckcloud/internal/launcher"
	"github.com/deckcloud/deckcloud/internal/pipeline"
	"github.com/deckcloud/deckcloud/internal/server"
	"github.com/deckcloud/deckcloud/internal/service"
	"github.com/deckcloud/deckcloud/internal/store"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the background service and its local JSON API",
		Long: `Start the deckcloud service: the download engine, install pipeline,
catalog and task store, fronted by a JSON API on a local port.

By default the server listens on the address from the config file
(default: 127.0.0.1:8178). Use --listen to override.`,
		Example: `  deckcloud serve
  deckcloud serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

// buildService wires every long-lived component from the loaded config.
func buildService(cfg *config.Config) (*service.Service, *catalog.Catalog, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	state, err := store.Open(cfg.StatePath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	history, err := store.OpenHistory(cfg.HistoryDBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open history ledger: %w", err)
	}
	cat, err := catalog.New(cfg.Catalog.CSVPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}

	resolver := newResolver()
	eng := engine.NewManager(engine.Options{
		BinaryPath:    cfg.Engine.BinaryPath,
		WorkDir:       cfg.Server.DataDir,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Logger:        logger,
	})
	tool, err := archive.NewTool(cfg.Archive.SevenZipPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("locate archive tool: %w", err)
	}

	var shortcuts *launcher.Manager
	if cfg.Launcher.ShortcutsVDF != "" {
		shortcuts = launcher.NewManager(cfg.Launcher.ShortcutsVDF, logger)
	}

	cookie := func() string { return state.Login().Cookie }
	pipe := pipeline.New(pipeline.Options{
		Resolver:  resolver,
		Engine:    eng,
		Extractor: tool,
		Shortcuts: shortcutsOrNil(shortcuts),
		State:     state,
		History:   history,
		Cookie:    cookie,
		Logger:    logger,
	})

	svc, err := service.New(service.Options{
		Config:     cfg,
		State:      state,
		History:    history,
		Catalog:    cat,
		Resolver:   resolver,
		Engine:     eng,
		Pipeline:   pipe,
		Shortcuts:  shortcutsOrNil(shortcuts),
		CloudSaves: cloudsave.New(tool, state, cfg.Server.DataDir, logger),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, cat, nil
}

// shortcutsOrNil keeps a nil *launcher.Manager from becoming a non-nil
// interface value.
func shortcutsOrNil(m *launcher.Manager) pipeline.ShortcutRegistrar {
	if m == nil {
		return nil
	}
	return m
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	svc, cat, err := buildService(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer svc.Shutdown()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if globalCfg.Catalog.WatchFile && globalCfg.Catalog.CSVPath != "" {
		go func() {
			if err := cat.Watch(watchCtx); err != nil {
				logger.Warn("catalog watch stopped", "error", err)
			}
		}()
	}

	srv := server.NewServer(svc, logger)
	logger.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	return nil
}
