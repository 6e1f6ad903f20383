package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckcloud/deckcloud/internal/catalog"
	"github.com/deckcloud/deckcloud/internal/config"
	"github.com/deckcloud/deckcloud/internal/engine"
	"github.com/deckcloud/deckcloud/internal/netdisk"
	"github.com/deckcloud/deckcloud/internal/pipeline"
	"github.com/deckcloud/deckcloud/internal/service"
	"github.com/deckcloud/deckcloud/internal/store"
)

type fakeResolver struct {
	share      *netdisk.ResolvedShare
	resolveErr error
}

func (f *fakeResolver) Resolve(context.Context, string, string) (*netdisk.ResolvedShare, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.share, nil
}

func (f *fakeResolver) FetchAccessToken(context.Context, string) (string, error) {
	return "tok", nil
}

func (f *fakeResolver) FetchDownloadURL(_ context.Context, _, _, _, fileID string) (string, error) {
	return "https://download.example/" + fileID, nil
}

func (f *fakeResolver) VerifyAccount(context.Context, string) (string, error) {
	return "user@189.cn", nil
}

type fakeEngine struct {
	statuses map[string]engine.Status
	nextGid  int
}

func (f *fakeEngine) EnsureRunning(context.Context) error { return nil }

func (f *fakeEngine) Submit(context.Context, engine.SubmitOptions) (string, error) {
	f.nextGid++
	return fmt.Sprintf("gid-%d", f.nextGid), nil
}

func (f *fakeEngine) QueryStatus(_ context.Context, gid string) (engine.Status, error) {
	if st, ok := f.statuses[gid]; ok {
		return st, nil
	}
	return engine.Status{State: "waiting"}, nil
}

func (f *fakeEngine) Pause(context.Context, string) error  { return nil }
func (f *fakeEngine) Resume(context.Context, string) error { return nil }
func (f *fakeEngine) Remove(context.Context, string)       {}
func (f *fakeEngine) Shutdown()                            {}

const sampleCatalog = "game_id,title,down_url,pwd,openpath\n" +
	"g-1,Alpha Quest,https://cloud.189.cn/t/abc123,pw12,AlphaQuest/game.exe\n"

func newTestServer(t *testing.T, resolver *fakeResolver) *httptest.Server {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = dataDir
	cfg.Server.DownloadDir = filepath.Join(dataDir, "downloads")
	cfg.Server.InstallDir = filepath.Join(dataDir, "installed")

	state, err := store.Open(cfg.StatePath(), slog.Default())
	require.NoError(t, err)

	csvPath := filepath.Join(dataDir, "catalog.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(sampleCatalog), 0o644))
	cat, err := catalog.New(csvPath, slog.Default())
	require.NoError(t, err)

	eng := &fakeEngine{statuses: map[string]engine.Status{}}
	pipe := pipeline.New(pipeline.Options{
		Resolver:  resolver,
		Engine:    eng,
		State:     state,
		Logger:    slog.Default(),
		FreeBytes: func(string) (int64, error) { return 64 << 30, nil },
	})

	svc, err := service.New(service.Options{
		Config:   cfg,
		State:    state,
		Catalog:  cat,
		Resolver: resolver,
		Engine:   eng,
		Pipeline: pipe,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	ts := httptest.NewServer(NewServer(svc, slog.Default()).routes())
	t.Cleanup(ts.Close)
	return ts
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{share: &netdisk.ResolvedShare{
		ShareCode: "abc123",
		ShareID:   "77001",
		Files: []netdisk.ResolvedFile{
			{FileID: "f1", Name: "AlphaQuest.7z", Size: 1 << 20},
		},
	}}
}

func getEnvelope(t *testing.T, ts *httptest.Server, path string) (int, envelope) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func postEnvelope(t *testing.T, ts *httptest.Server, path string, body any) (int, envelope) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestStateEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	code, env := getEnvelope(t, ts, "/api/state")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", env.Status)

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, data["loggedIn"])
}

func TestCatalogEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	code, env := getEnvelope(t, ts, "/api/catalog?query=alpha&page=1&pageSize=10")
	assert.Equal(t, http.StatusOK, code)

	data := env.Data.(map[string]any)
	assert.EqualValues(t, 1, data["total"])
}

func TestSettingsUpdateClamps(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	code, env := postEnvelope(t, ts, "/api/settings", store.Settings{SplitCount: 999, PageSize: 3})
	assert.Equal(t, http.StatusOK, code)

	data := env.Data.(map[string]any)
	assert.EqualValues(t, 16, data["splitCount"])
	assert.EqualValues(t, 50, data["pageSize"])
	assert.Equal(t, true, data["autoInstall"])
}

func TestInstallPrepareAndStart(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	code, env := postEnvelope(t, ts, "/api/install/prepare", service.InstallRequest{GameID: "g-1"})
	assert.Equal(t, http.StatusOK, code)
	plan := env.Data.(map[string]any)
	assert.Equal(t, true, plan["canInstall"])

	code, env = postEnvelope(t, ts, "/api/install/start", service.InstallRequest{GameID: "g-1"})
	assert.Equal(t, http.StatusOK, code)
	result := env.Data.(map[string]any)
	assert.Len(t, result["tasks"], 1)

	code, env = getEnvelope(t, ts, "/api/tasks")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, env.Data, 1)
}

func TestPrepareFailureCarriesDiagnostics(t *testing.T) {
	resolver := defaultResolver()
	resolver.resolveErr = &netdisk.ResolveError{
		Message:   "share resolution failed",
		ShareCode: "abc123",
		Attempts: []netdisk.Attempt{
			{Step: "info", Endpoint: "/api/open/share/getShareInfoByCodeV2.action", Status: 400},
			{Step: "html", Endpoint: "/t/abc123"},
		},
	}
	ts := newTestServer(t, resolver)

	code, env := postEnvelope(t, ts, "/api/install/prepare", service.InstallRequest{GameID: "g-1"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "share resolution failed")
	require.Len(t, env.Diagnostics, 2)
	assert.Equal(t, "info", env.Diagnostics[0].Step)
}

func TestTaskRemoveIsIdempotentOverHTTP(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	_, env := postEnvelope(t, ts, "/api/install/start", service.InstallRequest{GameID: "g-1"})
	tasks := env.Data.(map[string]any)["tasks"].([]any)
	taskID := tasks[0].(map[string]any)["taskId"].(string)

	for i := 0; i < 2; i++ {
		code, env := postEnvelope(t, ts, "/api/tasks/"+taskID+"/remove", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "success", env.Status)
	}

	code, _ := postEnvelope(t, ts, "/api/tasks/never-existed/remove", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestUninstallUnknownGameIsBadRequest(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	code, env := postEnvelope(t, ts, "/api/installed/uninstall", service.UninstallRequest{GameID: "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", env.Status)
}

func TestInvalidJSONBody(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	resp, err := http.Post(ts.URL+"/api/install/prepare", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	_, _ = getEnvelope(t, ts, "/api/state")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "deckcloud_http_requests_total")
	assert.Contains(t, string(body), `op="state"`)
}

func TestTasksWebsocketStreams(t *testing.T) {
	ts := newTestServer(t, defaultResolver())

	_, _ = postEnvelope(t, ts, "/api/install/start", service.InstallRequest{GameID: "g-1"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var tasks []store.TransferTask
	require.NoError(t, conn.ReadJSON(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "AlphaQuest.7z", tasks[0].FileName)
}
