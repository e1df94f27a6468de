package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireGit skips the test when no git binary is on PATH.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// InitRepo creates a repository at dir on branch, ready to commit to. Tests
// use it as a remote through FileURL.
func InitRepo(t testing.TB, dir, branch string) {
	t.Helper()
	Git(t, "init", "-b", branch, dir)
	Git(t, "-C", dir, "config", "user.email", "test@test.com")
	Git(t, "-C", dir, "config", "user.name", "Test")
	Git(t, "-C", dir, "config", "commit.gpgsign", "false")
}

// Commit writes name with content and commits it, returning the new commit id.
func Commit(t testing.TB, repoDir, name, content, msg string) string {
	t.Helper()
	path := filepath.Join(repoDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	Git(t, "-C", repoDir, "add", name)
	Git(t, "-C", repoDir, "commit", "-m", msg)
	return strings.TrimSpace(Git(t, "-C", repoDir, "rev-parse", "HEAD"))
}

// Git runs git and fails the test on error.
func Git(t testing.TB, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// FileURL returns the file:// URL of a local repository.
func FileURL(dir string) string {
	return "file://" + filepath.ToSlash(dir)
}

// FakeGit puts an executable named git running script ahead of the real
// one on PATH for the rest of the test.
func FakeGit(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake git needs a POSIX shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "git"), []byte("#!/bin/sh\n"+script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}
