// Package pipeline turns resolved shares into download jobs and sequences
// the post-download install steps.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/deckcloud/deckcloud/internal/engine"
	"github.com/deckcloud/deckcloud/internal/netdisk"
	"github.com/deckcloud/deckcloud/internal/safety"
	"github.com/deckcloud/deckcloud/internal/store"
)

// ShareResolver is the slice of the netdisk resolver the pipeline needs.
type ShareResolver interface {
	Resolve(ctx context.Context, shareURL, cookie string) (*netdisk.ResolvedShare, error)
	FetchAccessToken(ctx context.Context, cookie string) (string, error)
	FetchDownloadURL(ctx context.Context, cookie, accessToken, shareID, fileID string) (string, error)
}

// Engine is the slice of the download-engine adapter the pipeline needs.
type Engine interface {
	EnsureRunning(ctx context.Context) error
	Submit(ctx context.Context, opts engine.SubmitOptions) (string, error)
	QueryStatus(ctx context.Context, gid string) (engine.Status, error)
	Pause(ctx context.Context, gid string) error
	Resume(ctx context.Context, gid string) error
	Remove(ctx context.Context, gid string)
}

// Extractor unpacks one archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string, onProgress func(percent int)) error
}

// ShortcutRegistrar registers installed games with the game library.
type ShortcutRegistrar interface {
	Register(gameID, displayName, exePath, launchOptions string) (uint32, error)
	Remove(gameID string) (bool, error)
}

// CookieProvider supplies the current session cookie for remote calls.
type CookieProvider func() string

// Options wires a Pipeline.
type Options struct {
	Resolver  ShareResolver
	Engine    Engine
	Extractor Extractor
	Shortcuts ShortcutRegistrar
	State     *store.State
	// History is the best-effort install-run ledger; nil disables it.
	History *store.History
	Cookie  CookieProvider
	// Fs defaults to the OS filesystem; tests swap in a MemMapFs for the
	// merge layer.
	Fs     afero.Fs
	Logger *slog.Logger
	// FreeBytes defaults to the statfs probe; tests override it.
	FreeBytes func(path string) (int64, error)
}

// Pipeline owns plan, commit, refresh and post-process for install tasks.
type Pipeline struct {
	resolver  ShareResolver
	engine    Engine
	extractor Extractor
	shortcuts ShortcutRegistrar
	state     *store.State
	history   *store.History
	cookie    CookieProvider
	fs        afero.Fs
	logger    *slog.Logger
	freeBytes func(path string) (int64, error)

	// onComplete is invoked once per task when refresh observes its first
	// transition into complete; the service points it at the job registry.
	onComplete func(task store.TransferTask)
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	freeBytes := opts.FreeBytes
	if freeBytes == nil {
		freeBytes = safety.FreeBytes
	}
	cookie := opts.Cookie
	if cookie == nil {
		cookie = func() string { return "" }
	}
	return &Pipeline{
		resolver:  opts.Resolver,
		engine:    opts.Engine,
		extractor: opts.Extractor,
		shortcuts: opts.Shortcuts,
		state:     opts.State,
		history:   opts.History,
		cookie:    cookie,
		fs:        fs,
		logger:    logger.With("component", "pipeline"),
		freeBytes: freeBytes,
	}
}

// SetOnComplete installs the completion hook. Must be called before the
// first Refresh.
func (p *Pipeline) SetOnComplete(fn func(task store.TransferTask)) {
	p.onComplete = fn
}

// recordRun writes a ledger row, best-effort.
func (p *Pipeline) recordRun(run *store.InstallRun) {
	if p.history == nil {
		return
	}
	var err error
	if run.ID == 0 {
		err = p.history.CreateInstallRun(run)
	} else {
		err = p.history.UpdateInstallRun(run)
	}
	if err != nil {
		p.logger.Warn("history ledger write failed", "gameId", run.GameID, "error", err)
	}
}

// recordFailedFile writes a dead-letter row, best-effort.
func (p *Pipeline) recordFailedFile(rec *store.FailedFile) {
	if p.history == nil || rec.RunID == 0 {
		return
	}
	if err := p.history.RecordFailedFile(rec); err != nil {
		p.logger.Warn("history dead-letter write failed", "fileId", rec.FileID, "error", err)
	}
}
