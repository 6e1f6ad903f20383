package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckcloud/deckcloud/internal/engine"
	"github.com/deckcloud/deckcloud/internal/netdisk"
	"github.com/deckcloud/deckcloud/internal/store"
)

type fakeResolver struct {
	share      *netdisk.ResolvedShare
	resolveErr error
	token      string
	// urlErrFor fails FetchDownloadURL for specific file ids.
	urlErrFor map[string]error
	urlCalls  []string
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ string) (*netdisk.ResolvedShare, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.share, nil
}

func (f *fakeResolver) FetchAccessToken(_ context.Context, _ string) (string, error) {
	if f.token == "" {
		return "", fmt.Errorf("no session")
	}
	return f.token, nil
}

func (f *fakeResolver) FetchDownloadURL(_ context.Context, _, _, _, fileID string) (string, error) {
	f.urlCalls = append(f.urlCalls, fileID)
	if err := f.urlErrFor[fileID]; err != nil {
		return "", err
	}
	return "https://download.example/" + fileID, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	runErr    error
	submitErr map[string]error
	submits   []engine.SubmitOptions
	statuses  map[string]engine.Status
	statusErr map[string]error
	nextGid   int
	pauses    []string
	resumes   []string
	removes   []string
}

func (f *fakeEngine) EnsureRunning(context.Context) error { return f.runErr }

func (f *fakeEngine) Submit(_ context.Context, opts engine.SubmitOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[opts.Out]; err != nil {
		return "", err
	}
	f.submits = append(f.submits, opts)
	f.nextGid++
	return fmt.Sprintf("gid-%d", f.nextGid), nil
}

func (f *fakeEngine) QueryStatus(_ context.Context, gid string) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[gid]; err != nil {
		return engine.Status{}, err
	}
	return f.statuses[gid], nil
}

func (f *fakeEngine) Pause(_ context.Context, gid string) error {
	f.pauses = append(f.pauses, gid)
	return nil
}

func (f *fakeEngine) Resume(_ context.Context, gid string) error {
	f.resumes = append(f.resumes, gid)
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, gid string) {
	f.removes = append(f.removes, gid)
}

type fakeExtractor struct {
	fs afero.Fs
	// populate writes archive content into the staging dir.
	populate func(fs afero.Fs, dest string) error
	err      error
	calls    int
}

func (f *fakeExtractor) Extract(_ context.Context, _, dest string, onProgress func(int)) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if onProgress != nil {
		onProgress(100)
	}
	if f.populate != nil {
		return f.populate(f.fs, dest)
	}
	return nil
}

type fakeShortcuts struct {
	appID       uint32
	registerErr error
	registered  []string
	removed     []string
}

func (f *fakeShortcuts) Register(gameID, _, _, _ string) (uint32, error) {
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	f.registered = append(f.registered, gameID)
	return f.appID, nil
}

func (f *fakeShortcuts) Remove(gameID string) (bool, error) {
	f.removed = append(f.removed, gameID)
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestState(t *testing.T) *store.State {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.json"), testLogger())
	require.NoError(t, err)
	return s
}

func threeFileShare() *netdisk.ResolvedShare {
	return &netdisk.ResolvedShare{
		ShareCode: "abc123",
		ShareID:   "77001",
		Files: []netdisk.ResolvedFile{
			{FileID: "f1", Name: "game.7z", Size: 4 << 30},
			{FileID: "f2", Name: "patch.zip", Size: 1 << 30},
			{FileID: "f3", Name: "manual", Size: 0, IsFolder: true},
		},
	}
}

func TestBuildPlanComputesSpaceChecks(t *testing.T) {
	free := map[string]int64{
		"/downloads": 16 << 30,
		"/games":     16 << 30,
	}
	p := New(Options{
		Resolver: &fakeResolver{share: threeFileShare()},
		Engine:   &fakeEngine{},
		State:    newTestState(t),
		Logger:   testLogger(),
		FreeBytes: func(path string) (int64, error) {
			if v, ok := free[path]; ok {
				return v, nil
			}
			return 0, fmt.Errorf("no mount at %s", path)
		},
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		GameID:      "g-1",
		GameTitle:   "Alpha Quest",
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/downloads",
		InstallDir:  "/games",
	})
	require.NoError(t, err)

	assert.Len(t, plan.Files, 2, "folders are not downloadable")
	assert.Equal(t, int64(5<<30), plan.RequiredBytes)
	assert.True(t, plan.DownloadDirOk)
	assert.True(t, plan.InstallDirOk)
	assert.True(t, plan.CanInstall)
	assert.Equal(t, "77001", plan.ResolvedShareID)
}

func TestBuildPlanInsufficientDownloadSpace(t *testing.T) {
	p := New(Options{
		Resolver: &fakeResolver{share: threeFileShare()},
		Engine:   &fakeEngine{},
		State:    newTestState(t),
		Logger:   testLogger(),
		FreeBytes: func(path string) (int64, error) {
			if path == "/downloads" {
				return 1 << 30, nil
			}
			return 64 << 30, nil
		},
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/downloads",
		InstallDir:  "/games",
	})
	require.NoError(t, err)

	assert.False(t, plan.DownloadDirOk)
	assert.True(t, plan.InstallDirOk, "install volume check stands alone")
	assert.False(t, plan.CanInstall)
}

func TestBuildPlanSpaceProbeWalksToExistingAncestor(t *testing.T) {
	probed := []string{}
	p := New(Options{
		Resolver: &fakeResolver{share: threeFileShare()},
		Engine:   &fakeEngine{},
		State:    newTestState(t),
		Logger:   testLogger(),
		FreeBytes: func(path string) (int64, error) {
			probed = append(probed, path)
			if path == "/mnt" {
				return 64 << 30, nil
			}
			return 0, fmt.Errorf("not mounted")
		},
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/mnt/sd/downloads",
		InstallDir:  "/mnt/sd/games",
	})
	require.NoError(t, err)
	assert.True(t, plan.CanInstall)
	assert.Contains(t, probed, "/mnt/sd/downloads")
	assert.Contains(t, probed, "/mnt/sd")
	assert.Contains(t, probed, "/mnt")
}

func TestBuildPlanSelectionFiltersFiles(t *testing.T) {
	p := New(Options{
		Resolver:  &fakeResolver{share: threeFileShare()},
		Engine:    &fakeEngine{},
		State:     newTestState(t),
		Logger:    testLogger(),
		FreeBytes: func(string) (int64, error) { return 64 << 30, nil },
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:        "https://cloud.189.cn/t/abc123",
		SelectedFileIDs: []string{"f2"},
		DownloadDir:     "/downloads",
		InstallDir:      "/games",
	})
	require.NoError(t, err)
	require.Len(t, plan.Files, 1)
	assert.Equal(t, "patch.zip", plan.Files[0].Name)

	_, err = p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:        "https://cloud.189.cn/t/abc123",
		SelectedFileIDs: []string{"nope"},
		DownloadDir:     "/downloads",
		InstallDir:      "/games",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no downloadable files")
}

func TestCommitSubmitsEveryPlannedFile(t *testing.T) {
	eng := &fakeEngine{}
	state := newTestState(t)
	p := New(Options{
		Resolver:  &fakeResolver{share: threeFileShare(), token: "tok"},
		Engine:    eng,
		State:     state,
		Logger:    testLogger(),
		FreeBytes: func(string) (int64, error) { return 64 << 30, nil },
		Cookie:    func() string { return "SSON=abc" },
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		GameID:      "g-1",
		GameTitle:   "Alpha Quest",
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/downloads",
		InstallDir:  "/games",
	})
	require.NoError(t, err)

	result, err := p.Commit(context.Background(), plan, 8)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 2)
	assert.Empty(t, result.Failed)

	require.Len(t, eng.submits, 2)
	assert.Equal(t, "https://download.example/f1", eng.submits[0].URI)
	assert.Equal(t, "game.7z", eng.submits[0].Out)
	assert.Equal(t, "SSON=abc", eng.submits[0].Cookie)
	assert.Equal(t, 8, eng.submits[0].Split)

	tasks := state.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, store.StatusWaiting, tasks[0].Status)
	assert.Equal(t, store.InstallPending, tasks[0].InstallStatus)
	assert.Equal(t, filepath.Join("/downloads", "game.7z"), tasks[0].LocalPath)
	assert.NotEmpty(t, tasks[0].EngineHandle)
	assert.NotEqual(t, tasks[0].TaskID, tasks[1].TaskID)
}

func TestCommitSkipsFailedFileAndKeepsRest(t *testing.T) {
	eng := &fakeEngine{}
	state := newTestState(t)
	p := New(Options{
		Resolver: &fakeResolver{
			share:     threeFileShare(),
			token:     "tok",
			urlErrFor: map[string]error{"f1": fmt.Errorf("link expired")},
		},
		Engine:    eng,
		State:     state,
		Logger:    testLogger(),
		FreeBytes: func(string) (int64, error) { return 64 << 30, nil },
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/downloads",
		InstallDir:  "/games",
	})
	require.NoError(t, err)

	result, err := p.Commit(context.Background(), plan, 0)
	require.NoError(t, err)

	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "patch.zip", result.Tasks[0].FileName)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "f1", result.Failed[0].FileID)
	assert.Contains(t, result.Failed[0].Reason, "link expired")
	assert.Len(t, state.Tasks(), 1, "only the submitted file is persisted")
}

func TestCommitAllFilesFailed(t *testing.T) {
	p := New(Options{
		Resolver: &fakeResolver{
			share: threeFileShare(),
			token: "tok",
			urlErrFor: map[string]error{
				"f1": fmt.Errorf("link expired"),
				"f2": fmt.Errorf("link expired"),
			},
		},
		Engine:    &fakeEngine{},
		State:     newTestState(t),
		Logger:    testLogger(),
		FreeBytes: func(string) (int64, error) { return 64 << 30, nil },
	})

	plan, err := p.BuildPlan(context.Background(), PlanRequest{
		ShareURL:    "https://cloud.189.cn/t/abc123",
		DownloadDir: "/downloads",
		InstallDir:  "/games",
	})
	require.NoError(t, err)

	_, err = p.Commit(context.Background(), plan, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no file could be submitted")
}

func TestCommitEngineUnavailable(t *testing.T) {
	p := New(Options{
		Resolver: &fakeResolver{share: threeFileShare(), token: "tok"},
		Engine:   &fakeEngine{runErr: fmt.Errorf("binary not found")},
		State:    newTestState(t),
		Logger:   testLogger(),
	})

	_, err := p.Commit(context.Background(), &InstallPlan{
		Files: threeFileShare().Files[:1],
	}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download engine unavailable")
}

func TestRefreshIsolatesQueryFailures(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.PutTask(store.TransferTask{
		TaskID: "t1", EngineHandle: "gid-1", FileName: "a.7z",
		Status: store.StatusActive, InstallStatus: store.InstallPending,
	}))
	require.NoError(t, state.PutTask(store.TransferTask{
		TaskID: "t2", EngineHandle: "gid-2", FileName: "b.7z",
		Status: store.StatusActive, InstallStatus: store.InstallPending,
	}))

	eng := &fakeEngine{
		statusErr: map[string]error{"gid-1": fmt.Errorf("gid not found")},
		statuses: map[string]engine.Status{
			"gid-2": {State: "active", TotalLength: 100, CompletedLength: 40, DownloadSpeed: 1024},
		},
	}
	p := New(Options{Resolver: &fakeResolver{}, Engine: eng, State: state, Logger: testLogger()})

	tasks := p.Refresh(context.Background())
	byID := map[string]store.TransferTask{}
	for _, tk := range tasks {
		byID[tk.TaskID] = tk
	}

	assert.Equal(t, store.StatusError, byID["t1"].Status)
	assert.Contains(t, byID["t1"].ErrorReason, "gid not found")
	assert.Equal(t, store.StatusActive, byID["t2"].Status, "sibling task still refreshes")
	assert.InDelta(t, 40.0, byID["t2"].ProgressPercent, 0.01)
	assert.Equal(t, int64(1024), byID["t2"].SpeedBytesSec)
}

func TestRefreshLeavesPausedTaskOnQueryFailure(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.PutTask(store.TransferTask{
		TaskID: "t1", EngineHandle: "gid-1", FileName: "a.7z",
		Status: store.StatusPaused, InstallStatus: store.InstallPending,
	}))

	eng := &fakeEngine{statusErr: map[string]error{"gid-1": fmt.Errorf("engine restarted")}}
	p := New(Options{Resolver: &fakeResolver{}, Engine: eng, State: state, Logger: testLogger()})

	tasks := p.Refresh(context.Background())
	require.Len(t, tasks, 1)
	assert.Equal(t, store.StatusPaused, tasks[0].Status)
}

func TestRefreshSchedulesPostProcessExactlyOnce(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.PutTask(store.TransferTask{
		TaskID: "t1", EngineHandle: "gid-1", FileName: "a.7z",
		Status: store.StatusActive, InstallStatus: store.InstallPending,
	}))

	eng := &fakeEngine{statuses: map[string]engine.Status{
		"gid-1": {State: "complete", TotalLength: 100, CompletedLength: 100},
	}}
	p := New(Options{Resolver: &fakeResolver{}, Engine: eng, State: state, Logger: testLogger()})

	var mu sync.Mutex
	fired := 0
	p.SetOnComplete(func(task store.TransferTask) {
		mu.Lock()
		fired++
		mu.Unlock()
		assert.True(t, task.PostProcessed)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Refresh(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fired, "completion hook runs once per task")
	task, ok := state.Task("t1")
	require.True(t, ok)
	assert.True(t, task.PostProcessed)
	assert.Equal(t, store.StatusComplete, task.Status)
	assert.InDelta(t, 100.0, task.ProgressPercent, 0.01)
}

func TestRefreshSkipsTerminalTasks(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.PutTask(store.TransferTask{
		TaskID: "t1", EngineHandle: "gid-1", FileName: "a.7z",
		Status: store.StatusError, InstallStatus: store.InstallPending,
	}))

	eng := &fakeEngine{statuses: map[string]engine.Status{}}
	p := New(Options{Resolver: &fakeResolver{}, Engine: eng, State: state, Logger: testLogger()})

	p.Refresh(context.Background())
	assert.Empty(t, eng.statusErr)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Empty(t, eng.submits)
}
