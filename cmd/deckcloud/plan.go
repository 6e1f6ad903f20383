package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckcloud/deckcloud/internal/catalog"
	"github.com/deckcloud/deckcloud/internal/pipeline"
	"github.com/deckcloud/deckcloud/internal/store"
)

var (
	planGameID     string
	planShareURL   string
	planAccessCode string
	planJSON       bool
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview an install: resolved files and disk-space checks",
		Long: `Resolve a share and print the install plan the service would act on:
the downloadable files, required bytes and free-space checks for the
download and install directories. Nothing is submitted.`,
		Example: `  deckcloud plan --game some-game-id
  deckcloud plan --share https://cloud.189.cn/t/QzUZZvmYFjYb --access-code dx8s`,
		RunE: planRun,
	}

	cmd.Flags().StringVar(&planGameID, "game", "", "catalog game id")
	cmd.Flags().StringVar(&planShareURL, "share", "", "share URL (for games outside the catalog)")
	cmd.Flags().StringVar(&planAccessCode, "access-code", "", "share access code")
	cmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")

	return cmd
}

func planRun(cmd *cobra.Command, args []string) error {
	if planGameID == "" && planShareURL == "" {
		return fmt.Errorf("either --game or --share is required")
	}

	state, err := store.Open(globalCfg.StatePath(), logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	req := pipeline.PlanRequest{
		ShareURL:    planShareURL,
		AccessCode:  planAccessCode,
		DownloadDir: globalCfg.Server.DownloadDir,
		InstallDir:  globalCfg.Server.InstallDir,
	}
	if planGameID != "" {
		cat, err := catalog.New(globalCfg.Catalog.CSVPath, logger)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		entry, ok := cat.GetByGameID(planGameID)
		if !ok {
			return fmt.Errorf("game %s not in catalog", planGameID)
		}
		req.GameID = entry.GameID
		req.GameTitle = entry.Title
		req.InstallHint = entry.InstallHint
		if req.ShareURL == "" {
			req.ShareURL = entry.ShareURL
		}
		if req.AccessCode == "" {
			req.AccessCode = entry.AccessCode
		}
	}

	pipe := pipeline.New(pipeline.Options{
		Resolver: newResolver(),
		State:    state,
		Cookie:   func() string { return state.Login().Cookie },
		Logger:   logger,
	})
	plan, err := pipe.BuildPlan(cmd.Context(), req)
	if err != nil {
		return err
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Printf("%s (%s)\n", plan.GameTitle, plan.GameID)
	fmt.Printf("  files:        %d (%d bytes)\n", len(plan.Files), plan.RequiredBytes)
	fmt.Printf("  download dir: %s (free %d, ok=%v)\n", plan.DownloadDir, plan.DownloadFree, plan.DownloadDirOk)
	fmt.Printf("  install dir:  %s (free %d, ok=%v)\n", plan.InstallDir, plan.InstallFree, plan.InstallDirOk)
	fmt.Printf("  can install:  %v\n", plan.CanInstall)
	return nil
}
