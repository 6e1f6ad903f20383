package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// mergeDir merges src into dst with union semantics: directories union
// recursively, a conflicting file is overwritten by the source, unrelated
// files in dst survive.
func mergeDir(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create merge target %s: %w", dst, err)
	}

	entries, err := afero.ReadDir(fs, src)
	if err != nil {
		return fmt.Errorf("read merge source %s: %w", src, err)
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := mergeDir(fs, from, to); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(fs, from, to); err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies one file, replacing any existing target.
func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// unwrapRoot decides which directory inside staging to merge from. When the
// archive holds a single top-level directory that matches the target's
// basename, or a lone directory with no sibling files, that directory is the
// real content root.
func unwrapRoot(fs afero.Fs, staging, targetBase string) (string, error) {
	entries, err := afero.ReadDir(fs, staging)
	if err != nil {
		return "", fmt.Errorf("read staging dir: %w", err)
	}

	var dirs []os.FileInfo
	files := 0
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		} else {
			files++
		}
	}

	if len(dirs) == 1 {
		if dirs[0].Name() == targetBase || files == 0 {
			return filepath.Join(staging, dirs[0].Name()), nil
		}
	}
	return staging, nil
}

// dirSize sums the file sizes under root.
func dirSize(fs afero.Fs, root string) int64 {
	var total int64
	_ = afero.Walk(fs, root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
