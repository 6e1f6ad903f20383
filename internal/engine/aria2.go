// Package engine manages a local aria2 process and drives downloads through
// its JSON-RPC interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrNotRunning is returned by RPC operations before the engine has been
// started or after it has been shut down.
var ErrNotRunning = errors.New("download engine is not running")

const (
	healthPollInterval = 200 * time.Millisecond
	healthPollAttempts = 25
	shutdownGrace      = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	// BinaryPath is the configured aria2c location; empty means auto-resolve.
	BinaryPath string
	// WorkDir is the default download directory and holds the session file.
	WorkDir       string
	MaxConcurrent int
	Logger        *slog.Logger
}

// Manager owns the lifecycle of one aria2 subprocess. All methods are safe
// for concurrent use.
type Manager struct {
	mu sync.Mutex

	logger        *slog.Logger
	binaryPath    string
	workDir       string
	maxConcurrent int

	cmd     *exec.Cmd
	rpc     *rpcClient
	port    int
	running bool
}

// NewManager creates a Manager. The engine process is not started until
// EnsureRunning is called.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Manager{
		logger:        logger.With("component", "engine"),
		binaryPath:    opts.BinaryPath,
		workDir:       opts.WorkDir,
		maxConcurrent: maxConcurrent,
	}
}

// EnsureRunning verifies the engine answers RPC and (re)starts it when it
// does not. Safe to call before every engine operation.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running && m.rpc != nil {
		if err := m.rpc.call(ctx, "aria2.getVersion", nil, nil); err == nil {
			return nil
		}
		m.logger.Warn("engine stopped answering, restarting")
		m.stopLocked()
	}
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	binary, err := ResolveBinary(m.binaryPath)
	if err != nil {
		return err
	}
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("allocate rpc port: %w", err)
	}
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")

	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	sessionFile := filepath.Join(m.workDir, "aria2.session")
	inputFile := sessionFile
	if _, err := os.Stat(sessionFile); err != nil {
		inputFile = os.DevNull
	}

	args := []string{
		"--enable-rpc=true",
		"--rpc-listen-all=false",
		"--rpc-allow-origin-all=true",
		"--rpc-listen-port=" + strconv.Itoa(port),
		"--rpc-secret=" + secret,
		"--dir=" + m.workDir,
		"--continue=true",
		"--max-concurrent-downloads=" + strconv.Itoa(m.maxConcurrent),
		"--input-file=" + inputFile,
		"--save-session=" + sessionFile,
		"--save-session-interval=15",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--daemon=false",
		"--summary-interval=0",
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine process: %w", err)
	}

	m.cmd = cmd
	m.port = port
	m.rpc = newRPCClient(fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", port), secret)
	m.running = true

	// The process needs a moment to bind its RPC port.
	for i := 0; i < healthPollAttempts; i++ {
		if err := m.rpc.call(ctx, "aria2.getVersion", nil, nil); err == nil {
			m.logger.Info("engine started", "binary", binary, "port", port, "pid", cmd.Process.Pid)
			return nil
		}
		select {
		case <-ctx.Done():
			m.stopLocked()
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}

	m.stopLocked()
	return fmt.Errorf("engine did not answer rpc within %s", time.Duration(healthPollAttempts)*healthPollInterval)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// SubmitOptions describes one download to hand to the engine.
type SubmitOptions struct {
	URI    string
	Dir    string
	Out    string
	Cookie string
	// Split is the per-download connection count, clamped to [1, 64].
	Split int
}

// Submit queues one download and returns the engine-assigned gid.
func (m *Manager) Submit(ctx context.Context, opts SubmitOptions) (string, error) {
	rpc, err := m.activeRPC()
	if err != nil {
		return "", err
	}

	split := min(max(opts.Split, 1), 64)
	downloadOpts := map[string]any{
		"dir":                       opts.Dir,
		"split":                     strconv.Itoa(split),
		"max-connection-per-server": strconv.Itoa(min(split, 16)),
		"min-split-size":            "1M",
		"continue":                  "true",
		"allow-overwrite":           "true",
		"auto-file-renaming":        "false",
	}
	if opts.Out != "" {
		downloadOpts["out"] = opts.Out
	}
	if opts.Cookie != "" {
		downloadOpts["header"] = []string{"Cookie: " + opts.Cookie}
	}

	var gid string
	if err := rpc.call(ctx, "aria2.addUri", []any{[]string{opts.URI}, downloadOpts}, &gid); err != nil {
		return "", err
	}
	if gid == "" {
		return "", fmt.Errorf("engine accepted the download but returned no gid")
	}
	return gid, nil
}

// Status is one download's live state as reported by the engine.
type Status struct {
	Gid             string
	State           string
	TotalLength     int64
	CompletedLength int64
	DownloadSpeed   int64
	ErrorMessage    string
}

// QueryStatus fetches the current state of one download.
func (m *Manager) QueryStatus(ctx context.Context, gid string) (Status, error) {
	rpc, err := m.activeRPC()
	if err != nil {
		return Status{}, err
	}

	keys := []string{"status", "totalLength", "completedLength", "downloadSpeed", "errorMessage"}
	var raw map[string]string
	if err := rpc.call(ctx, "aria2.tellStatus", []any{gid, keys}, &raw); err != nil {
		return Status{}, err
	}

	parse := func(key string) int64 {
		v, _ := strconv.ParseInt(raw[key], 10, 64)
		return v
	}
	return Status{
		Gid:             gid,
		State:           raw["status"],
		TotalLength:     parse("totalLength"),
		CompletedLength: parse("completedLength"),
		DownloadSpeed:   parse("downloadSpeed"),
		ErrorMessage:    raw["errorMessage"],
	}, nil
}

// Pause force-pauses one download.
func (m *Manager) Pause(ctx context.Context, gid string) error {
	rpc, err := m.activeRPC()
	if err != nil {
		return err
	}
	return rpc.call(ctx, "aria2.forcePause", []any{gid}, nil)
}

// Resume unpauses one download.
func (m *Manager) Resume(ctx context.Context, gid string) error {
	rpc, err := m.activeRPC()
	if err != nil {
		return err
	}
	return rpc.call(ctx, "aria2.unpause", []any{gid}, nil)
}

// Remove drops one download from the engine. Both RPC calls are best-effort:
// an already-finished gid lives only in the result list and an unknown gid is
// not an error worth surfacing.
func (m *Manager) Remove(ctx context.Context, gid string) {
	rpc, err := m.activeRPC()
	if err != nil {
		return
	}
	if err := rpc.call(ctx, "aria2.remove", []any{gid}, nil); err != nil {
		m.logger.Debug("engine remove ignored", "gid", gid, "error", err)
	}
	if err := rpc.call(ctx, "aria2.removeDownloadResult", []any{gid}, nil); err != nil {
		m.logger.Debug("engine remove result ignored", "gid", gid, "error", err)
	}
}

func (m *Manager) activeRPC() (*rpcClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.rpc == nil {
		return nil, ErrNotRunning
	}
	return m.rpc, nil
}

// Shutdown terminates the engine process, giving it a grace period to flush
// its session file before the hard kill.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	m.running = false
	m.rpc = nil
	cmd := m.cmd
	m.cmd = nil
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		m.logger.Warn("engine ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}
