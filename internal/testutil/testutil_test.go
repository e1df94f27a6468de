package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "go.mod"))
}

func TestCommit(t *testing.T) {
	RequireGit(t)

	dir := t.TempDir()
	InitRepo(t, dir, "main")
	first := Commit(t, dir, "docs/a.md", "one\n", "first")
	second := Commit(t, dir, "docs/a.md", "two\n", "second")

	assert.Len(t, first, 40)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "main", strings.TrimSpace(Git(t, "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")))

	got, err := os.ReadFile(filepath.Join(dir, "docs", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(got))
}

func TestFileURL(t *testing.T) {
	assert.Equal(t, "file:///srv/docs", FileURL("/srv/docs"))
}
