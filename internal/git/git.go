package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long a cancelled command may keep its output pipes
// open before Wait gives up on them.
const waitDelay = 2 * time.Second

// ErrNotInstalled is returned when no git executable is on PATH.
var ErrNotInstalled = errors.New("git is not installed")

// Client is the narrow set of version-control operations the baseline
// cache needs. Implementations must not merge, rebase or resolve conflicts.
type Client interface {
	// Available reports whether the git tool can be used at all.
	Available() error
	// ListRemoteRef lists the remote's refs matching ref without
	// transferring any objects and returns the raw listing.
	ListRemoteRef(ctx context.Context, url, ref string) (string, error)
	// CloneShallow clones exactly ref, one commit deep, into destDir.
	CloneShallow(ctx context.Context, url, ref, destDir string) error
	// FetchAndCheckout fetches ref from origin and checks it out in dir.
	FetchAndCheckout(ctx context.Context, url, ref, dir string) error
	// FastForward advances the checked out branch to the fetched commit.
	FastForward(ctx context.Context, url, ref, dir string) error
	// HeadCommit returns the commit currently checked out in dir.
	HeadCommit(ctx context.Context, dir string) (string, error)
}

// IsWorkingCopy reports whether dir holds a git working copy.
func IsWorkingCopy(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	gitPath        string
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		gitPath:        "git",
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Available checks that git can be found on PATH.
func (c *ShellClient) Available() error {
	if _, err := exec.LookPath(c.gitPath); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return nil
}

// ListRemoteRef runs git ls-remote for a single ref.
func (c *ShellClient) ListRemoteRef(ctx context.Context, url, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, c.gitPath, "ls-remote", url, ref)
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	return c.runCommand(cmd)
}

// CloneShallow performs a depth-1 single-branch clone of ref.
func (c *ShellClient) CloneShallow(ctx context.Context, url, ref, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.gitPath, "clone",
		"--depth", "1", "--single-branch", "--branch", ref, url, destDir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// FetchAndCheckout fetches ref and checks it out.
func (c *ShellClient) FetchAndCheckout(ctx context.Context, url, ref, dir string) error {
	// No --depth here: the fetched commits must connect to the existing
	// shallow history or a later fast-forward cannot be verified.
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", dir, "fetch", "origin", ref)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}

	// Strategy:
	// 1. Try direct checkout (local branches and tags from the clone)
	// 2. Fall back to the commit just fetched
	cmd = exec.CommandContext(ctx, c.gitPath, "-C", dir, "checkout", "-f", ref)
	if _, err := c.runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, c.gitPath, "-C", dir, "checkout", "-f", "FETCH_HEAD")
		if _, err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git checkout failed for ref %q (tried both direct and fetched): %w", ref, err)
		}
	}
	return nil
}

// FastForward merges the fetched commit into the current branch, refusing
// anything that is not a fast-forward. A detached HEAD (a checked out tag)
// has nothing to advance and is left alone.
func (c *ShellClient) FastForward(ctx context.Context, url, ref, dir string) error {
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", dir, "symbolic-ref", "-q", "HEAD")
	if _, err := c.runCommand(cmd); err != nil {
		return nil
	}

	cmd = exec.CommandContext(ctx, c.gitPath, "-C", dir, "pull", "--ff-only", "origin", ref)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git pull --ff-only failed: %w", err)
	}
	return nil
}

// HeadCommit returns the full commit hash of HEAD in dir.
func (c *ShellClient) HeadCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", dir, "rev-parse", "HEAD")
	out, err := c.runCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	// Never block on an interactive credential prompt.
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels through the environment to a credential helper
		// rather than being embedded in the command line.
		cmd.Env = append(cmd.Env, "BASELINESYNC_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$BASELINESYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns its stdout. Failures carry
// stderr in an *ExecError.
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if cmd.Cancel != nil {
		killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		return "", &ExecError{
			Type:   classify(stderr.String()),
			Args:   cmd.Args[1:],
			Err:    err,
			StdOut: stdout.String(),
			StdErr: stderr.String(),
		}
	}
	return stdout.String(), nil
}
