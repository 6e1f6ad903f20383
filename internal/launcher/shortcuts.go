// Package launcher registers installed games as shortcuts in the game
// library's binary VDF shortcuts file.
package launcher

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Shortcut is one non-library app entry.
type Shortcut struct {
	AppID         uint32
	AppName       string
	Exe           string
	StartDir      string
	Icon          string
	LaunchOptions string
	// GameID ties the entry back to the catalog; stored in the devkit field
	// the library app carries through untouched.
	GameID string
}

// GenerateAppID derives the stable launcher app id used for grid art and
// launch URLs: crc32 of exe+name with the top bit set.
func GenerateAppID(exe, appName string) uint32 {
	crc := crc32.ChecksumIEEE([]byte(exe + appName))
	return crc | 0x80000000
}

// Manager reads and rewrites one shortcuts.vdf file.
type Manager struct {
	path   string
	logger *slog.Logger
}

// NewManager creates a Manager for the given shortcuts file path.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, logger: logger.With("component", "launcher")}
}

// Load reads all shortcuts. A missing file is an empty list.
func (m *Manager) Load() ([]Shortcut, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read shortcuts file: %w", err)
	}

	root, err := decodeVDF(raw)
	if err != nil {
		return nil, err
	}
	entries, _ := root["shortcuts"].(vdfMap)

	// Entries are keyed by their numeric position.
	indexes := make([]int, 0, len(entries))
	byIndex := map[int]vdfMap{}
	for k, v := range entries {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if node, ok := v.(vdfMap); ok {
			indexes = append(indexes, i)
			byIndex[i] = node
		}
	}
	sort.Ints(indexes)

	var shortcuts []Shortcut
	for _, i := range indexes {
		shortcuts = append(shortcuts, shortcutFromNode(byIndex[i]))
	}
	return shortcuts, nil
}

func shortcutFromNode(node vdfMap) Shortcut {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := node[k].(string); ok {
				return v
			}
		}
		return ""
	}
	appID, _ := node["appid"].(uint32)
	return Shortcut{
		AppID:         appID,
		AppName:       str("AppName", "appname"),
		Exe:           unquote(str("Exe", "exe")),
		StartDir:      unquote(str("StartDir", "startdir")),
		Icon:          str("icon"),
		LaunchOptions: str("LaunchOptions"),
		GameID:        str("DevkitGameID"),
	}
}

func nodeFromShortcut(s Shortcut) vdfMap {
	return vdfMap{
		"appid":               s.AppID,
		"AppName":             s.AppName,
		"Exe":                 quoteIfNeeded(s.Exe),
		"StartDir":            quoteIfNeeded(s.StartDir),
		"icon":                s.Icon,
		"ShortcutPath":        "",
		"LaunchOptions":       s.LaunchOptions,
		"IsHidden":            uint32(0),
		"AllowDesktopConfig":  uint32(1),
		"AllowOverlay":        uint32(1),
		"OpenVR":              uint32(0),
		"Devkit":              uint32(0),
		"DevkitGameID":        s.GameID,
		"DevkitOverrideAppID": uint32(0),
		"LastPlayTime":        uint32(0),
		"tags":                vdfMap{},
	}
}

// quoteIfNeeded wraps paths containing spaces, matching how the library app
// writes them.
func quoteIfNeeded(p string) string {
	if p == "" || !strings.Contains(p, " ") || strings.HasPrefix(p, `"`) {
		return p
	}
	return `"` + p + `"`
}

func unquote(p string) string {
	if len(p) >= 2 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
		return p[1 : len(p)-1]
	}
	return p
}

// Save rewrites the whole shortcuts file.
func (m *Manager) Save(shortcuts []Shortcut) error {
	entries := vdfMap{}
	for i, s := range shortcuts {
		entries[strconv.Itoa(i)] = nodeFromShortcut(s)
	}
	raw := encodeVDF(vdfMap{"shortcuts": entries})

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create shortcuts dir: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o644); err != nil {
		return fmt.Errorf("write shortcuts file: %w", err)
	}
	return nil
}

// Register adds or replaces the shortcut for one game, matching an existing
// entry by game id or display name. Returns the stable app id.
func (m *Manager) Register(gameID, displayName, exePath, launchOptions string) (uint32, error) {
	shortcuts, err := m.Load()
	if err != nil {
		return 0, err
	}

	entry := Shortcut{
		AppID:         GenerateAppID(quoteIfNeeded(exePath), displayName),
		AppName:       displayName,
		Exe:           exePath,
		StartDir:      filepath.Dir(exePath),
		LaunchOptions: launchOptions,
		GameID:        gameID,
	}

	replaced := false
	for i, s := range shortcuts {
		if (gameID != "" && s.GameID == gameID) || s.AppName == displayName {
			shortcuts[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		shortcuts = append(shortcuts, entry)
	}

	if err := m.Save(shortcuts); err != nil {
		return 0, err
	}
	m.logger.Info("shortcut registered", "game", displayName, "appId", entry.AppID, "replaced", replaced)
	return entry.AppID, nil
}

// Remove drops the shortcut for one game. Returns whether anything was
// removed.
func (m *Manager) Remove(gameID string) (bool, error) {
	shortcuts, err := m.Load()
	if err != nil {
		return false, err
	}

	kept := shortcuts[:0]
	removed := false
	for _, s := range shortcuts {
		if s.GameID == gameID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	if !removed {
		return false, nil
	}
	if err := m.Save(kept); err != nil {
		return false, err
	}
	m.logger.Info("shortcut removed", "gameId", gameID)
	return true, nil
}
