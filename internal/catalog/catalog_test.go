package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = "game_id,title,category_parent,categories,down_url,pwd,openpath,filesize_z,list_filesize\n" +
	"g1,Alpha Quest,RPG,\"rpg,adventure\",https://cloud.189.cn/t/AAA111,1a2b,AlphaQuest/game.exe,1000,2500\n" +
	"g2,Beta Racer,Racing,racing,https://cloud.189.cn/t/BBB222,,,500,900\n" +
	",Gamma Puzzle,Puzzle,puzzle,https://cloud.189.cn/t/CCC333,,,0,0\n" +
	"bad1,,Misc,misc,https://cloud.189.cn/t/DDD444,,,0,0\n" +
	"bad2,Delta,Misc,misc,https://example.com/t/EEE555,,,0,0\n"

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "games.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFiltersInvalidRows(t *testing.T) {
	c, err := New(writeCatalog(t, sampleCSV), nil)
	require.NoError(t, err)

	sum := c.Summarize()
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.InvalidRows)
}

func TestLoadHandlesUTF8BOM(t *testing.T) {
	c, err := New(writeCatalog(t, "\xEF\xBB\xBF"+sampleCSV), nil)
	require.NoError(t, err)

	e, ok := c.GetByGameID("g1")
	require.True(t, ok)
	assert.Equal(t, "Alpha Quest", e.Title)
	assert.Equal(t, "1a2b", e.AccessCode)
	assert.Equal(t, "AlphaQuest/game.exe", e.InstallHint)
	assert.Equal(t, int64(1000), e.ArchiveBytes)
}

func TestGameIDFallsBackToTitle(t *testing.T) {
	c, err := New(writeCatalog(t, sampleCSV), nil)
	require.NoError(t, err)

	e, ok := c.GetByGameID("Gamma Puzzle")
	require.True(t, ok)
	assert.Equal(t, "Gamma Puzzle", e.Title)
}

func TestListFiltersAndPages(t *testing.T) {
	c, err := New(writeCatalog(t, sampleCSV), nil)
	require.NoError(t, err)

	page := c.List("racing", 1, 50)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Beta Racer", page.Entries[0].Title)

	// Case-insensitive title match.
	page = c.List("ALPHA", 1, 50)
	assert.Equal(t, 1, page.Total)

	// Pagination with clamped page size.
	page = c.List("", 1, 0)
	assert.Equal(t, 1, page.PageSize)
	assert.Len(t, page.Entries, 1)
	assert.Equal(t, 3, page.Total)

	page = c.List("", 2, 2)
	assert.Len(t, page.Entries, 1)

	page = c.List("", 99, 50)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 3, page.Total)
}

func TestSummarizePreviewCapped(t *testing.T) {
	var b strings.Builder
	b.WriteString("game_id,title,down_url\n")
	for i := 0; i < 20; i++ {
		b.WriteString("g,Title,https://cloud.189.cn/t/XYZ\n")
	}
	c, err := New(writeCatalog(t, b.String()), nil)
	require.NoError(t, err)

	sum := c.Summarize()
	assert.Equal(t, 20, sum.Total)
	assert.Len(t, sum.Preview, previewEntries)
}

func TestMissingFileServesEmpty(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "absent.csv"), nil)
	require.NoError(t, err)
	assert.Zero(t, c.Summarize().Total)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeCatalog(t, sampleCSV)
	c, err := New(path, nil)
	require.NoError(t, err)
	require.Equal(t, 3, c.Summarize().Total)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	// Give the watcher a moment to arm before writing.
	time.Sleep(200 * time.Millisecond)
	extra := sampleCSV + "g9,Epsilon,Misc,misc,https://cloud.189.cn/t/FFF666,,,0,0\n"
	require.NoError(t, os.WriteFile(path, []byte(extra), 0o644))

	require.Eventually(t, func() bool {
		return c.Summarize().Total == 4
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
