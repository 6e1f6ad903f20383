//go:build !windows

package safety

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeBytes reports the free space available to unprivileged writers at path.
func FreeBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
