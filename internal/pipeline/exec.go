package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/deckcloud/deckcloud/internal/archive"
	"github.com/deckcloud/deckcloud/internal/safety"
)

// deriveTargetDir picks the install directory name for one game: the first
// segment of the catalog path hint (extension stripped when the hint is a
// bare file name), else sanitized title plus a short id suffix.
func deriveTargetDir(hint, title, gameID string) string {
	hint = strings.Trim(strings.ReplaceAll(strings.TrimSpace(hint), "\\", "/"), "/")
	if hint != "" {
		first := hint
		if i := strings.Index(hint, "/"); i >= 0 {
			first = hint[:i]
		} else if ext := filepath.Ext(first); ext != "" {
			// A bare file hint names the executable, not a directory.
			first = strings.TrimSuffix(first, ext)
		}
		if first = safety.SanitizeSegment(first); first != "" {
			return first
		}
	}

	name := safety.SanitizeSegment(title)
	if name == "" {
		name = "game"
	}
	suffix := gameID
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	if suffix = safety.SanitizeSegment(suffix); suffix != "" {
		name += "_" + suffix
	}
	return name
}

// Executable ranking: native binaries first, then scripts, then app images;
// ties broken by shallower depth, then shorter path.
func execRank(name string) int {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".exe":
		return 0
	case ".bat", ".cmd":
		return 1
	case ".sh", ".x86_64", "":
		return 2
	case ".appimage":
		return 3
	}
	return -1
}

// findExecutable locates the most plausible launch target under installDir.
// The catalog hint wins; otherwise a case-insensitive leaf-name walk for the
// hint's basename, then a ranked scan.
func findExecutable(fs afero.Fs, installDir, hint string) string {
	hint = strings.ReplaceAll(strings.TrimSpace(hint), "\\", "/")
	if hint != "" {
		// Hint may carry the target dir as its first segment.
		candidates := []string{hint}
		if i := strings.Index(hint, "/"); i >= 0 {
			candidates = append(candidates, hint[i+1:])
		}
		for _, rel := range candidates {
			joined, err := safety.SafeJoinUnder(installDir, rel)
			if err != nil {
				continue
			}
			if info, err := fs.Stat(joined); err == nil && !info.IsDir() {
				return joined
			}
		}

		// Leaf-name walk, case-insensitive.
		leaf := strings.ToLower(filepath.Base(hint))
		if leaf != "" && leaf != "." {
			var found string
			_ = afero.Walk(fs, installDir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() || found != "" {
					return nil
				}
				if strings.ToLower(info.Name()) == leaf {
					found = path
				}
				return nil
			})
			if found != "" {
				return found
			}
		}
	}

	type candidate struct {
		path  string
		rank  int
		depth int
	}
	var best *candidate
	_ = afero.Walk(fs, installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if archive.IsArchivePath(info.Name()) {
			return nil
		}
		rank := execRank(info.Name())
		if rank < 0 {
			return nil
		}
		rel, relErr := filepath.Rel(installDir, path)
		if relErr != nil {
			return nil
		}
		c := candidate{path: path, rank: rank, depth: strings.Count(rel, string(filepath.Separator))}
		if best == nil ||
			c.rank < best.rank ||
			(c.rank == best.rank && c.depth < best.depth) ||
			(c.rank == best.rank && c.depth == best.depth && len(c.path) < len(best.path)) {
			best = &c
		}
		return nil
	})
	if best == nil {
		return ""
	}
	return best.path
}
