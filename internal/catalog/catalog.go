// Package catalog serves the CSV-backed game catalog with search, pagination
// and live reload.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Entry is one catalog row.
type Entry struct {
	GameID         string `json:"gameId"`
	Title          string `json:"title"`
	CategoryParent string `json:"categoryParent,omitempty"`
	Categories     string `json:"categories,omitempty"`
	ShareURL       string `json:"shareUrl"`
	AccessCode     string `json:"accessCode,omitempty"`
	InstallHint    string `json:"installHint,omitempty"`
	ArchiveBytes   int64  `json:"archiveBytes,omitempty"`
	InstalledBytes int64  `json:"installedBytes,omitempty"`
}

// Page is one page of search results.
type Page struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"pageSize"`
}

// Summary describes the loaded catalog.
type Summary struct {
	Path        string  `json:"path"`
	Total       int     `json:"total"`
	InvalidRows int     `json:"invalidRows"`
	Preview     []Entry `json:"preview"`
}

const (
	maxPageSize    = 200
	previewEntries = 8
	sharePrefix    = "https://cloud.189.cn/t/"
)

// Catalog is an in-memory snapshot of the CSV, swapped wholesale on reload.
type Catalog struct {
	mu          sync.RWMutex
	path        string
	logger      *slog.Logger
	entries     []Entry
	invalidRows int
}

// New loads the catalog from path. A missing file yields an empty catalog,
// not an error; the service is usable without one.
func New(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger.With("component", "catalog")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the CSV and swaps the snapshot.
func (c *Catalog) Reload() error {
	if strings.TrimSpace(c.path) == "" {
		return nil
	}
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		c.logger.Warn("catalog file not found, serving empty catalog", "path", c.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	entries, invalid, err := parseCSV(f)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.entries = entries
	c.invalidRows = invalid
	c.mu.Unlock()
	c.logger.Info("catalog loaded", "path", c.path, "entries", len(entries), "invalidRows", invalid)
	return nil
}

// parseCSV reads header-keyed rows. Rows missing a title or carrying a share
// URL outside the known host are counted as invalid and dropped.
func parseCSV(r io.Reader) ([]Entry, int, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []Entry
	invalid := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			invalid++
			continue
		}

		e := Entry{
			GameID:         field(row, "game_id"),
			Title:          field(row, "title"),
			CategoryParent: field(row, "category_parent"),
			Categories:     field(row, "categories"),
			ShareURL:       field(row, "down_url"),
			AccessCode:     field(row, "pwd"),
			InstallHint:    field(row, "openpath"),
			ArchiveBytes:   parseSize(field(row, "filesize_z")),
			InstalledBytes: parseSize(field(row, "list_filesize")),
		}
		if e.Title == "" || !strings.HasPrefix(e.ShareURL, sharePrefix) {
			invalid++
			continue
		}
		if e.GameID == "" {
			e.GameID = e.Title
		}
		entries = append(entries, e)
	}
	return entries, invalid, nil
}

func parseSize(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return max(v, 0)
}

// stripBOM removes a UTF-8 byte-order mark, common in spreadsheet exports.
func stripBOM(r io.Reader) io.Reader {
	buf := make([]byte, 3)
	n, _ := io.ReadFull(r, buf)
	if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return r
	}
	return io.MultiReader(strings.NewReader(string(buf[:n])), r)
}

// GetByGameID returns one entry by id.
func (c *Catalog) GetByGameID(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.GameID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// List filters entries by a lowercase-contains match over title, categories
// and game id, then pages the result. pageSize is clamped to [1, 200].
func (c *Catalog) List(query string, page, pageSize int) Page {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pageSize = min(max(pageSize, 1), maxPageSize)
	page = max(page, 1)

	needle := strings.ToLower(strings.TrimSpace(query))
	var matched []Entry
	for _, e := range c.entries {
		if needle == "" ||
			strings.Contains(strings.ToLower(e.Title), needle) ||
			strings.Contains(strings.ToLower(e.Categories), needle) ||
			strings.Contains(strings.ToLower(e.GameID), needle) {
			matched = append(matched, e)
		}
	}

	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+pageSize, len(matched))

	return Page{
		Entries:  append([]Entry{}, matched[start:end]...),
		Total:    len(matched),
		Page:     page,
		PageSize: pageSize,
	}
}

// Summarize reports the loaded snapshot with a short preview.
func (c *Catalog) Summarize() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	preview := c.entries
	if len(preview) > previewEntries {
		preview = preview[:previewEntries]
	}
	return Summary{
		Path:        c.path,
		Total:       len(c.entries),
		InvalidRows: c.invalidRows,
		Preview:     append([]Entry{}, preview...),
	}
}
