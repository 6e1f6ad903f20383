package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/deckcloud/deckcloud/internal/netdisk"
	"github.com/deckcloud/deckcloud/internal/store"
)

// PlanRequest describes what to install and where.
type PlanRequest struct {
	GameID          string
	GameTitle       string
	ShareURL        string
	AccessCode      string
	InstallHint     string
	SelectedFileIDs []string
	DownloadDir     string
	InstallDir      string
}

// InstallPlan is a read-only preview of one install. Never persisted;
// recomputed per request.
type InstallPlan struct {
	GameID          string                 `json:"gameId"`
	GameTitle       string                 `json:"gameTitle"`
	ShareReference  netdisk.ShareReference `json:"shareReference"`
	ResolvedShareID string                 `json:"resolvedShareId"`
	InstallHint     string                 `json:"installHint,omitempty"`
	DownloadDir     string                 `json:"downloadDir"`
	InstallDir      string                 `json:"installDir"`
	Files           []netdisk.ResolvedFile `json:"files"`
	RequiredBytes   int64                  `json:"requiredBytes"`
	DownloadFree    int64                  `json:"downloadFreeBytes"`
	InstallFree     int64                  `json:"installFreeBytes"`
	DownloadDirOk   bool                   `json:"downloadDirOk"`
	InstallDirOk    bool                   `json:"installDirOk"`
	CanInstall      bool                   `json:"canInstall"`
}

// BuildPlan resolves the share and computes the space preview. Fails when
// the selection yields zero downloadable files.
func (p *Pipeline) BuildPlan(ctx context.Context, req PlanRequest) (*InstallPlan, error) {
	shareURL := req.ShareURL
	if req.AccessCode != "" {
		if ref, err := netdisk.ParseShareReference(shareURL); err == nil && ref.AccessCode == "" {
			ref.AccessCode = req.AccessCode
			shareURL = ref.URL()
		}
	}

	resolved, err := p.resolver.Resolve(ctx, shareURL, p.cookie())
	if err != nil {
		return nil, err
	}
	ref, err := netdisk.ParseShareReference(shareURL)
	if err != nil {
		return nil, err
	}

	selected := map[string]bool{}
	for _, id := range req.SelectedFileIDs {
		selected[id] = true
	}

	var files []netdisk.ResolvedFile
	var required int64
	for _, f := range resolved.Files {
		if f.IsFolder {
			continue
		}
		if len(selected) > 0 && !selected[f.FileID] {
			continue
		}
		files = append(files, f)
		required += f.Size
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("share %s has no downloadable files for this selection", ref.ShareCode)
	}

	title := req.GameTitle
	if title == "" {
		title = files[0].Name
	}
	gameID := req.GameID
	if gameID == "" {
		gameID = ref.ShareCode
	}

	settings := p.state.Settings()
	downloadDir := firstNonEmpty(req.DownloadDir, settings.DownloadDir)
	installDir := firstNonEmpty(req.InstallDir, settings.InstallDir)

	plan := &InstallPlan{
		GameID:          gameID,
		GameTitle:       title,
		ShareReference:  ref,
		ResolvedShareID: resolved.ShareID,
		InstallHint:     req.InstallHint,
		DownloadDir:     downloadDir,
		InstallDir:      installDir,
		Files:           files,
		RequiredBytes:   required,
	}

	// The two targets can sit on different volumes; each check stands alone.
	plan.DownloadFree, plan.DownloadDirOk = p.checkSpace(downloadDir, required)
	plan.InstallFree, plan.InstallDirOk = p.checkSpace(installDir, required)
	plan.CanInstall = plan.DownloadDirOk && plan.InstallDirOk

	p.recordRun(&store.InstallRun{
		GameID:     plan.GameID,
		Title:      plan.GameTitle,
		ShareCode:  ref.ShareCode,
		Status:     "planned",
		FilesTotal: len(files),
		BytesTotal: required,
		StartedAt:  time.Now(),
	})
	return plan, nil
}

// checkSpace probes free bytes at the nearest existing ancestor of path.
func (p *Pipeline) checkSpace(path string, required int64) (int64, bool) {
	probe := path
	for {
		free, err := p.freeBytes(probe)
		if err == nil {
			return free, free >= required
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			p.logger.Warn("free-space probe failed", "path", path, "error", err)
			return 0, false
		}
		probe = parent
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
