package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/deckcloud/deckcloud/internal/pipeline"
)

// InstallRequest identifies what to install: a known catalog game by id, or
// a raw share URL for anything outside the catalog.
type InstallRequest struct {
	GameID          string   `json:"gameId,omitempty"`
	ShareURL        string   `json:"shareUrl,omitempty"`
	AccessCode      string   `json:"accessCode,omitempty"`
	SelectedFileIDs []string `json:"selectedFileIds,omitempty"`
	DownloadDir     string   `json:"downloadDir,omitempty"`
	InstallDir      string   `json:"installDir,omitempty"`
	Parallelism     int      `json:"parallelism,omitempty"`
}

// planRequest maps an API install request onto the pipeline, pulling share
// URL, access code and install hint from the catalog when the game is known.
func (s *Service) planRequest(req InstallRequest) (pipeline.PlanRequest, error) {
	plan := pipeline.PlanRequest{
		ShareURL:        strings.TrimSpace(req.ShareURL),
		AccessCode:      req.AccessCode,
		SelectedFileIDs: req.SelectedFileIDs,
		DownloadDir:     req.DownloadDir,
		InstallDir:      req.InstallDir,
	}
	if req.GameID != "" {
		entry, ok := s.catalog.GetByGameID(req.GameID)
		if !ok {
			return plan, fmt.Errorf("game %s not in catalog", req.GameID)
		}
		plan.GameID = entry.GameID
		plan.GameTitle = entry.Title
		plan.InstallHint = entry.InstallHint
		if plan.ShareURL == "" {
			plan.ShareURL = entry.ShareURL
		}
		if plan.AccessCode == "" {
			plan.AccessCode = entry.AccessCode
		}
	}
	if plan.ShareURL == "" {
		return plan, fmt.Errorf("request names neither a catalog game nor a share URL")
	}

	// Precedence: request, then settings (applied downstream), then config.
	settings := s.state.Settings()
	if plan.DownloadDir == "" && settings.DownloadDir == "" {
		plan.DownloadDir = s.cfg.Server.DownloadDir
	}
	if plan.InstallDir == "" && settings.InstallDir == "" {
		plan.InstallDir = s.cfg.Server.InstallDir
	}
	return plan, nil
}

// PrepareInstall resolves the share and returns the space-checked plan
// without submitting anything.
func (s *Service) PrepareInstall(ctx context.Context, req InstallRequest) (*pipeline.InstallPlan, error) {
	s.installMu.Lock()
	defer s.installMu.Unlock()

	planReq, err := s.planRequest(req)
	if err != nil {
		return nil, err
	}
	return s.pipeline.BuildPlan(ctx, planReq)
}

// StartInstall plans and commits in one step. The plan is recomputed rather
// than trusted from the client; share ids are session-scoped on the remote
// side and go stale.
func (s *Service) StartInstall(ctx context.Context, req InstallRequest) (*pipeline.CommitResult, error) {
	s.installMu.Lock()
	defer s.installMu.Unlock()

	planReq, err := s.planRequest(req)
	if err != nil {
		return nil, err
	}
	plan, err := s.pipeline.BuildPlan(ctx, planReq)
	if err != nil {
		return nil, err
	}
	if !plan.CanInstall {
		return nil, fmt.Errorf("not enough free space for %s: need %d bytes (download free %d, install free %d)",
			plan.GameTitle, plan.RequiredBytes, plan.DownloadFree, plan.InstallFree)
	}
	result, err := s.pipeline.Commit(ctx, plan, req.Parallelism)
	if err != nil {
		return nil, err
	}
	s.logger.Info("install started",
		"game", plan.GameTitle, "files", len(result.Tasks), "failed", len(result.Failed))
	return result, nil
}
