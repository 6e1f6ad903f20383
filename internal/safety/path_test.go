package safety

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRelativePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b/c", filepath.Join("a", "b", "c"), false},
		{"a/../b", "b", false},
		{"", "", true},
		{".", "", true},
		{"..", "", true},
		{"../escape", "", true},
		{"/abs/path", "", true},
	}
	for _, tc := range cases {
		got, err := CleanRelativePath(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	got, err := SafeJoinUnder(root, "games/title")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "games", "title"), got)

	_, err = SafeJoinUnder(root, "../outside")
	assert.Error(t, err)
}

func TestEnsureUnderRootRejectsEscape(t *testing.T) {
	root := t.TempDir()

	_, err := EnsureUnderRoot(root, filepath.Join(root, "..", "sibling"))
	assert.Error(t, err)

	got, err := EnsureUnderRoot(root, filepath.Join(root, "inside"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "inside"), got)
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "My Game", SanitizeSegment("My Game"))
	assert.Equal(t, "abc", SanitizeSegment(`a<b>c:`))
	assert.Equal(t, "name", SanitizeSegment("  .name.  "))
	assert.Equal(t, "tab", SanitizeSegment("ta\tb"))
	assert.Equal(t, "", SanitizeSegment(`<>:"/\|?*`))
}

func TestExpandUser(t *testing.T) {
	got, err := ExpandUser("/tmp")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = ExpandUser("   ")
	assert.Error(t, err)
}
