// Package excerpt reads documents out of a resolved baseline.
//
// A missing document is a normal outcome and is reported as a nil
// Excerpt, not as an error.
package excerpt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/baselinesync/internal/baseline"
)

// ErrOutsideRoot is returned for relative paths that escape the baseline.
var ErrOutsideRoot = errors.New("path escapes the baseline root")

// Ensurer resolves the baseline to read from.
type Ensurer interface {
	Ensure(ctx context.Context, override string, opts baseline.Options) baseline.Result
}

// Options narrow what is returned from a document.
type Options struct {
	// Heading selects the markdown section with this title, up to the next
	// heading of the same or a higher level.
	Heading string
	// MaxLines caps the number of returned lines; zero means no cap.
	MaxLines int
	// SkipFetchIfUnchanged is passed through to the engine.
	SkipFetchIfUnchanged bool
}

// Excerpt is a document, or part of one, read from the baseline.
type Excerpt struct {
	Path      string `json:"path"`
	Ref       string `json:"ref"`
	CommitSHA string `json:"commitSha,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Reader reads excerpts through an afero filesystem.
type Reader struct {
	engine Ensurer
	fs     afero.Fs
	// resolve follows symlinks; nil for filesystems without them.
	resolve func(path string) (string, error)
}

// NewReader creates a reader over the OS filesystem. Symlinks inside the
// baseline are followed only while they stay under its root.
func NewReader(engine Ensurer) *Reader {
	r := NewReaderFs(engine, afero.NewOsFs())
	r.resolve = filepath.EvalSymlinks
	return r
}

// NewReaderFs creates a reader over an arbitrary filesystem.
func NewReaderFs(engine Ensurer, fsys afero.Fs) *Reader {
	return &Reader{engine: engine, fs: fsys}
}

// Read ensures the baseline and returns relPath from it. It returns nil
// and no error when either the baseline or the document is unavailable.
func (r *Reader) Read(ctx context.Context, override, relPath string, opts Options) (*Excerpt, error) {
	res := r.engine.Ensure(ctx, override, baseline.Options{SkipFetchIfUnchanged: opts.SkipFetchIfUnchanged})
	if res.Root == "" {
		return nil, nil
	}
	return r.ReadFrom(res, relPath, opts)
}

// ReadFrom reads relPath from an already resolved baseline.
func (r *Reader) ReadFrom(res baseline.Result, relPath string, opts Options) (*Excerpt, error) {
	if res.Root == "" {
		return nil, nil
	}

	path, err := Join(res.Root, relPath)
	if err != nil {
		return nil, err
	}
	if r.resolve != nil {
		path, err = r.resolveWithin(res.Root, path, relPath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}

	content := string(data)
	if opts.Heading != "" {
		section, ok := Section(content, opts.Heading)
		if !ok {
			return nil, nil
		}
		content = section
	}

	ex := &Excerpt{
		Path:      filepath.ToSlash(filepath.Clean(relPath)),
		Ref:       res.Ref,
		CommitSHA: res.CommitSHA,
	}
	ex.Content, ex.Truncated = limitLines(content, opts.MaxLines)
	return ex, nil
}

// Join resolves relPath under root, rejecting absolute paths and any path
// that would leave root.
func Join(root, relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}
	joined := filepath.Join(root, relPath)
	if !within(root, joined) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}
	return joined, nil
}

// resolveWithin follows symlinks in path and rejects targets outside the
// resolved root.
func (r *Reader) resolveWithin(root, path, relPath string) (string, error) {
	realRoot, err := r.resolve(root)
	if err != nil {
		return "", err
	}
	target, err := r.resolve(path)
	if err != nil {
		return "", err
	}
	if !within(realRoot, target) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
	}
	return target, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Section returns the markdown section titled heading, including its
// heading line. Matching ignores case and surrounding whitespace.
func Section(content, heading string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(heading))

	var (
		b       strings.Builder
		level   int
		inFence bool
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}

		if !inFence {
			if l, title := parseHeading(line); l > 0 {
				if level > 0 && l <= level {
					break
				}
				if level == 0 && strings.ToLower(title) == want {
					level = l
				}
			}
		}

		if level > 0 {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if level == 0 {
		return "", false
	}
	return b.String(), true
}

func parseHeading(line string) (int, string) {
	if !strings.HasPrefix(line, "#") {
		return 0, ""
	}
	level := len(line) - len(strings.TrimLeft(line, "#"))
	if level > 6 {
		return 0, ""
	}
	rest := line[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return 0, ""
	}
	return level, strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), "#"))
}

func limitLines(content string, max int) (string, bool) {
	if max <= 0 {
		return content, false
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= max {
		return content, false
	}
	return strings.Join(lines[:max], ""), true
}
