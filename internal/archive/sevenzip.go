// Package archive shells out to 7-Zip for package extraction and cloud-save
// bundling.
package archive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// EnvBinaryOverride points at a 7-Zip binary and wins over every other
// resolution source.
const EnvBinaryOverride = "DECKCLOUD_7Z"

const (
	tailLines  = 12
	errorLines = 6
)

var percentRE = regexp.MustCompile(`(\d{1,3})%`)

// ToolError is a 7-Zip invocation failure carrying the tail of its output.
type ToolError struct {
	Op     string
	Path   string
	Output []string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("7z %s failed for %s: %v", e.Op, e.Path, e.Err)
	if len(e.Output) > 0 {
		msg += "; output: " + strings.Join(e.Output, " | ")
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Tool wraps one resolved 7-Zip binary.
type Tool struct {
	binary string
	logger *slog.Logger
}

/// ResolveBinary locates a 7-Zip binary: environment override, the configured
// path, then PATH lookup across the common executable names.
func ResolveBinary(configured string) (string, error) {
	for _, c := range []string{os.Getenv(EnvBinaryOverride), configured} {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	for _, name := range []string{"7zz", "7z", "7za"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("7-Zip binary not found: set %s, configure archive.sevenZipPath, or install p7zip", EnvBinaryOverride)
}

// NewTool creates a Tool around the given configured binary path.
func NewTool(configured string, logger *slog.Logger) (*Tool, error) {
	binary, err := ResolveBinary(configured)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{binary: binary, logger: logger.With("component", "archive")}, nil
}

// Extract unpacks an archive into destDir, reporting coarse percent progress
// through onProgress when non-nil.
func (t *Tool) Extract(ctx context.Context, archivePath, destDir string, onProgress func(percent int)) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}

	// -bsp1 routes the progress stream to stdout so the percent markers are
	// parseable.
	cmd := exec.CommandContext(ctx, t.binary, "x", "-y", "-o"+destDir, archivePath, "-bsp1")
	return t.run(cmd, "extract", archivePath, onProgress)
}

// Create bundles the contents of srcDir into a fresh .7z archive.
func (t *Tool) Create(ctx context.Context, archivePath, srcDir string) error {
	_ = os.Remove(archivePath)
	cmd := exec.CommandContext(ctx, t.binary, "a", "-t7z", archivePath, srcDir+string(os.PathSeparator)+".")
	return t.run(cmd, "create", archivePath, nil)
}

func (t *Tool) run(cmd *exec.Cmd, op, path string, onProgress func(percent int)) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe 7z output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start 7z: %w", err)
	}

	tail := consumeOutput(stdout, onProgress)

	if err := cmd.Wait(); err != nil {
		return &ToolError{Op: op, Path: path, Output: lastLines(tail, errorLines), Err: err}
	}
	if onProgress != nil {
		onProgress(100)
	}
	t.logger.Debug("7z finished", "op", op, "path", path)
	return nil
}

// consumeOutput drains the combined output, keeping a short rolling tail and
// emitting percent markers as they scroll by.
func consumeOutput(r io.Reader, onProgress func(percent int)) []string {
	var tail []string
	lastPercent := -1

	scanner := bufio.NewScanner(r)
	scanner.Split(scanLinesAndCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
		if onProgress == nil {
			continue
		}
		if m := percentRE.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil && pct != lastPercent && pct <= 100 {
				lastPercent = pct
				onProgress(pct)
			}
		}
	}
	return tail
}

// scanLinesAndCR splits on \n and bare \r, since 7z redraws its progress line
// with carriage returns.
func scanLinesAndCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// Suffixes recognized as extractable archives.
var archiveSuffixes = []string{
	".zip", ".tar", ".tgz", ".tar.gz", ".tbz", ".tbz2", ".tar.bz2",
	".txz", ".tar.xz", ".7z", ".rar",
}

// IsArchivePath reports whether the file name carries a known archive suffix.
func IsArchivePath(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// StripArchiveSuffix removes a recognized archive suffix from the name, or
// returns it unchanged.
func StripArchiveSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return name[:len(name)-len(suffix)]
		}
	}
	return name
}
