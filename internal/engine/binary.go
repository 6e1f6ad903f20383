package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// EnvBinaryOverride points at an aria2c binary and wins over every other
// resolution source.
const EnvBinaryOverride = "DECKCLOUD_ARIA2C"

// ResolveBinary locates the aria2c binary. Resolution order: environment
// override, the configured path, bundled candidates next to the running
// executable, then PATH lookup.
func ResolveBinary(configured string) (string, error) {
	var candidates []string
	if env := strings.TrimSpace(os.Getenv(EnvBinaryOverride)); env != "" {
		candidates = append(candidates, env)
	}
	if configured = strings.TrimSpace(configured); configured != "" {
		candidates = append(candidates, configured)
	}
	if self, err := os.Executable(); err == nil {
		dir := filepath.Dir(self)
		candidates = append(candidates,
			filepath.Join(dir, "aria2c"),
			filepath.Join(dir, "bin", "aria2c"),
		)
	}

	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || info.IsDir() {
			continue
		}
		if err := ensureExecutable(c, info.Mode()); err != nil {
			return "", err
		}
		return c, nil
	}

	if path, err := exec.LookPath("aria2c"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("aria2c binary not found: set %s, configure engine.binaryPath, or install aria2", EnvBinaryOverride)
}

// ensureExecutable repairs a lost execute bit, which happens when the binary
// ships inside an archive that does not preserve permissions.
func ensureExecutable(path string, mode os.FileMode) error {
	if mode&0o111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0o755); err != nil {
		return fmt.Errorf("make %s executable: %w", path, err)
	}
	return nil
}
