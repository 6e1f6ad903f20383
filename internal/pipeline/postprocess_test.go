package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckcloud/deckcloud/internal/store"
)

func writeMem(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func readMem(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	raw, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(raw)
}

func TestMergeDirUnionSemantics(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMem(t, fs, "/staging/a/x.txt", "new")
	writeMem(t, fs, "/staging/a/y/z.txt", "nested")
	writeMem(t, fs, "/target/a/x.txt", "old")
	writeMem(t, fs, "/target/b/w.txt", "keep")

	require.NoError(t, mergeDir(fs, "/staging", "/target"))

	assert.Equal(t, "new", readMem(t, fs, "/target/a/x.txt"), "source wins on conflict")
	assert.Equal(t, "nested", readMem(t, fs, "/target/a/y/z.txt"), "directories union")
	assert.Equal(t, "keep", readMem(t, fs, "/target/b/w.txt"), "unrelated files survive")
}

func TestUnwrapRoot(t *testing.T) {
	t.Run("single dir matching target base", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/staging/AlphaQuest/run.exe", "bin")
		writeMem(t, fs, "/staging/readme.txt", "doc")

		root, err := unwrapRoot(fs, "/staging", "AlphaQuest")
		require.NoError(t, err)
		assert.Equal(t, "/staging/AlphaQuest", root)
	})

	t.Run("lone dir without sibling files", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/staging/somegame/run.exe", "bin")

		root, err := unwrapRoot(fs, "/staging", "AlphaQuest")
		require.NoError(t, err)
		assert.Equal(t, "/staging/somegame", root)
	})

	t.Run("dir with sibling files stays wrapped", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/staging/data/a.pak", "pak")
		writeMem(t, fs, "/staging/run.exe", "bin")

		root, err := unwrapRoot(fs, "/staging", "AlphaQuest")
		require.NoError(t, err)
		assert.Equal(t, "/staging", root)
	})

	t.Run("multiple dirs stay wrapped", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/staging/bin/run.exe", "bin")
		writeMem(t, fs, "/staging/data/a.pak", "pak")

		root, err := unwrapRoot(fs, "/staging", "AlphaQuest")
		require.NoError(t, err)
		assert.Equal(t, "/staging", root)
	})
}

func TestDeriveTargetDir(t *testing.T) {
	cases := []struct {
		name   string
		hint   string
		title  string
		gameID string
		want   string
	}{
		{"hint with directory", "AlphaQuest/run.exe", "ignored", "g", "AlphaQuest"},
		{"bare file hint strips extension", "run.exe", "ignored", "g", "run"},
		{"backslash hint", `AlphaQuest\run.exe`, "ignored", "g", "AlphaQuest"},
		{"no hint", "", "Alpha Quest", "abcdef0123456789", "Alpha Quest_abcdef012345"},
		{"title needs sanitizing", "", `Alpha:Quest?`, "id1", "AlphaQuest_id1"},
		{"everything empty", "", "", "", "game"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveTargetDir(tc.hint, tc.title, tc.gameID))
		})
	}
}

func TestFindExecutable(t *testing.T) {
	t.Run("hint resolves directly", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/bin/run.exe", "bin")

		got := findExecutable(fs, "/games/AlphaQuest", "bin/run.exe")
		assert.Equal(t, "/games/AlphaQuest/bin/run.exe", got)
	})

	t.Run("hint carries the target dir as first segment", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/run.exe", "bin")

		got := findExecutable(fs, "/games/AlphaQuest", "AlphaQuest/run.exe")
		assert.Equal(t, "/games/AlphaQuest/run.exe", got)
	})

	t.Run("leaf walk is case-insensitive", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/Bin/RUN.EXE", "bin")

		got := findExecutable(fs, "/games/AlphaQuest", "run.exe")
		assert.Equal(t, "/games/AlphaQuest/Bin/RUN.EXE", got)
	})

	t.Run("ranked scan prefers exe over script", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/start.sh", "sh")
		writeMem(t, fs, "/games/AlphaQuest/game.exe", "bin")

		got := findExecutable(fs, "/games/AlphaQuest", "")
		assert.Equal(t, "/games/AlphaQuest/game.exe", got)
	})

	t.Run("ranked scan prefers shallower file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/deep/nested/other.exe", "bin")
		writeMem(t, fs, "/games/AlphaQuest/game.exe", "bin")

		got := findExecutable(fs, "/games/AlphaQuest", "")
		assert.Equal(t, "/games/AlphaQuest/game.exe", got)
	})

	t.Run("archives are never launch targets", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/bundle.7z", "zz")
		writeMem(t, fs, "/games/AlphaQuest/start.sh", "sh")

		got := findExecutable(fs, "/games/AlphaQuest", "")
		assert.Equal(t, "/games/AlphaQuest/start.sh", got)
	})

	t.Run("nothing plausible", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeMem(t, fs, "/games/AlphaQuest/save.dat", "dat")

		got := findExecutable(fs, "/games/AlphaQuest", "")
		assert.Equal(t, "", got)
	})
}

func completedTask() store.TransferTask {
	return store.TransferTask{
		TaskID:        "t1",
		EngineHandle:  "gid-1",
		GameID:        "g-1",
		GameTitle:     "Alpha Quest",
		FileID:        "f1",
		FileName:      "AlphaQuest.7z",
		DownloadDir:   "/downloads",
		LocalPath:     "/downloads/AlphaQuest.7z",
		Status:        store.StatusComplete,
		InstallStatus: store.InstallPending,
		PostProcessed: true,
	}
}

func TestPostProcessInstallsArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMem(t, fs, "/downloads/AlphaQuest.7z", "archive-bytes")

	state := newTestState(t)
	require.NoError(t, state.PutTask(completedTask()))
	settings := state.Settings()
	settings.AutoDeletePackage = true
	_, err := state.UpdateSettings(settings)
	require.NoError(t, err)

	extractor := &fakeExtractor{fs: fs, populate: func(fs afero.Fs, dest string) error {
		writeMem(t, fs, filepath.Join(dest, "AlphaQuest", "game.exe"), "bin")
		writeMem(t, fs, filepath.Join(dest, "AlphaQuest", "data", "a.pak"), "pak")
		return nil
	}}
	shortcuts := &fakeShortcuts{appID: 0x80001234}

	p := New(Options{
		Resolver:  &fakeResolver{},
		Engine:    &fakeEngine{},
		Extractor: extractor,
		Shortcuts: shortcuts,
		State:     state,
		Fs:        fs,
		Logger:    testLogger(),
	})
	p.PostProcess(context.Background(), PostProcessRequest{
		Task:        completedTask(),
		InstallDir:  "/games",
		InstallHint: "AlphaQuest/game.exe",
	})

	task, ok := state.Task("t1")
	require.True(t, ok)
	assert.Equal(t, store.InstallInstalled, task.InstallStatus)
	assert.Equal(t, "/games/AlphaQuest", task.InstalledPath)
	assert.Contains(t, task.InstallMessage, "installed to /games/AlphaQuest")

	assert.Equal(t, "bin", readMem(t, fs, "/games/AlphaQuest/game.exe"))
	assert.Equal(t, "pak", readMem(t, fs, "/games/AlphaQuest/data/a.pak"))

	rec, ok := state.FindInstalledGame("g-1", "")
	require.True(t, ok)
	assert.Equal(t, "/games/AlphaQuest", rec.InstallPath)
	assert.Equal(t, uint32(0x80001234), rec.ExternalLaunchID)
	assert.Equal(t, []string{"g-1"}, shortcuts.registered)

	_, err = fs.Stat("/downloads/AlphaQuest.7z")
	assert.Error(t, err, "package removed after install")

	entries, err := afero.ReadDir(fs, "/games")
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging dir cleaned up")
	assert.Equal(t, "AlphaQuest", entries[0].Name())
}

func TestPostProcessMissingDownloadFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	state := newTestState(t)
	require.NoError(t, state.PutTask(completedTask()))

	p := New(Options{
		Resolver:  &fakeResolver{},
		Engine:    &fakeEngine{},
		Extractor: &fakeExtractor{fs: fs},
		State:     state,
		Fs:        fs,
		Logger:    testLogger(),
	})
	p.PostProcess(context.Background(), PostProcessRequest{Task: completedTask(), InstallDir: "/games"})

	task, ok := state.Task("t1")
	require.True(t, ok)
	assert.Equal(t, store.InstallFailed, task.InstallStatus)
	assert.Contains(t, task.InstallMessage, "not found")
}

func TestPostProcessExtractFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMem(t, fs, "/downloads/AlphaQuest.7z", "archive-bytes")
	state := newTestState(t)
	require.NoError(t, state.PutTask(completedTask()))

	p := New(Options{
		Resolver:  &fakeResolver{},
		Engine:    &fakeEngine{},
		Extractor: &fakeExtractor{fs: fs, err: assert.AnError},
		State:     state,
		Fs:        fs,
		Logger:    testLogger(),
	})
	p.PostProcess(context.Background(), PostProcessRequest{Task: completedTask(), InstallDir: "/games"})

	task, ok := state.Task("t1")
	require.True(t, ok)
	assert.Equal(t, store.InstallFailed, task.InstallStatus)
	assert.Contains(t, task.InstallMessage, "extract")

	_, ok = state.FindInstalledGame("g-1", "")
	assert.False(t, ok, "failed install records no game")
}

func TestPostProcessNonArchiveCopiesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMem(t, fs, "/downloads/AlphaQuest.exe", "standalone")

	task := completedTask()
	task.FileName = "AlphaQuest.exe"
	task.LocalPath = "/downloads/AlphaQuest.exe"

	state := newTestState(t)
	require.NoError(t, state.PutTask(task))

	extractor := &fakeExtractor{fs: fs}
	p := New(Options{
		Resolver:  &fakeResolver{},
		Engine:    &fakeEngine{},
		Extractor: extractor,
		State:     state,
		Fs:        fs,
		Logger:    testLogger(),
	})
	p.PostProcess(context.Background(), PostProcessRequest{Task: task, InstallDir: "/games"})

	got, ok := state.Task("t1")
	require.True(t, ok)
	assert.Equal(t, store.InstallInstalled, got.InstallStatus)
	assert.Equal(t, 0, extractor.calls, "plain files are copied, not extracted")
	assert.Equal(t, "standalone", readMem(t, fs, filepath.Join(got.InstalledPath, "AlphaQuest.exe")))
}

func TestPostProcessShortcutFailureIsWarning(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMem(t, fs, "/downloads/AlphaQuest.7z", "archive-bytes")
	state := newTestState(t)
	require.NoError(t, state.PutTask(completedTask()))

	extractor := &fakeExtractor{fs: fs, populate: func(fs afero.Fs, dest string) error {
		writeMem(t, fs, filepath.Join(dest, "game.exe"), "bin")
		return nil
	}}
	p := New(Options{
		Resolver:  &fakeResolver{},
		Engine:    &fakeEngine{},
		Extractor: extractor,
		Shortcuts: &fakeShortcuts{registerErr: assert.AnError},
		State:     state,
		Fs:        fs,
		Logger:    testLogger(),
	})
	p.PostProcess(context.Background(), PostProcessRequest{Task: completedTask(), InstallDir: "/games"})

	task, ok := state.Task("t1")
	require.True(t, ok)
	assert.Equal(t, store.InstallInstalled, task.InstallStatus, "shortcut failure does not fail the install")
	assert.Contains(t, task.InstallMessage, "shortcut registration failed")
}
