//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/baselinesync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness drives the baselinesync binary against a local git remote.
type Harness struct {
	t          *testing.T
	bin        string
	RemoteDir  string
	CacheRoot  string
	ConfigPath string
	env        []string
}

// NewHarness builds the binary and prepares a remote on branch main plus a
// config file pointing at it.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	work := t.TempDir()
	h := &Harness{
		t:          t,
		bin:        filepath.Join(work, "baselinesync"),
		RemoteDir:  filepath.Join(work, "remote"),
		CacheRoot:  filepath.Join(work, "cache"),
		ConfigPath: filepath.Join(work, "config.yaml"),
	}

	h.build()
	testutil.InitRepo(t, h.RemoteDir, "main")

	config := fmt.Sprintf("baseline:\n  url: %q\n  ref: main\npaths:\n  cache_root: %q\nprobe:\n  timeout: 5s\n",
		testutil.FileURL(h.RemoteDir), h.CacheRoot)
	require.NoError(t, os.WriteFile(h.ConfigPath, []byte(config), 0o600))

	// keep the developer's environment out of resolution
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "BASELINE_") {
			h.env = append(h.env, kv)
		}
	}
	return h
}

func (h *Harness) build() {
	h.t.Helper()
	root, err := testutil.FindProjectRoot()
	require.NoError(h.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/baselinesync")
	cmd.Dir = root
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	require.NoError(h.t, cmd.Run(), "go build")
}

// Commit adds a commit to the remote and returns its id.
func (h *Harness) Commit(name, content string) string {
	h.t.Helper()
	return testutil.Commit(h.t, h.RemoteDir, name, content, "update "+name)
}

// Run executes the binary with the harness config and returns stdout,
// stderr and the exit code.
func (h *Harness) Run(args ...string) (string, string, int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.bin, append([]string{"--config", h.ConfigPath, "--log-level", "debug"}, args...)...)
	cmd.Env = h.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else {
		require.NoError(h.t, err, "run %v", args)
	}

	if stderr.Len() > 0 {
		(&testWriter{t: h.t, prefix: "[stderr] "}).Write(stderr.Bytes())
	}
	return stdout.String(), stderr.String(), code
}

// MustRun runs the binary and fails the test on a non-zero exit.
func (h *Harness) MustRun(args ...string) string {
	h.t.Helper()
	stdout, stderr, code := h.Run(args...)
	require.Zero(h.t, code, "baselinesync %v failed: %s", args, stderr)
	return stdout
}

// testWriter forwards command output to the test log.
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
