// Package probe asks a remote for the commit a reference points to without
// transferring any repository content.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/schaermu/baselinesync/internal/git"
)

// DefaultTimeout is the hard ceiling applied to a single probe.
const DefaultTimeout = 10 * time.Second

// ErrUnparsable is the message reported when the remote listing yields no
// usable commit identifier.
const ErrUnparsable = "could not parse remote identifier"

// Result is the outcome of a probe. Error is non-empty only on failure, and
// Changed is always true when it is.
type Result struct {
	Changed    bool   `json:"changed"`
	CurrentSHA string `json:"currentSha,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DegradeToRefreshOnUncertainty is the policy applied on every failure path:
// a probe that cannot tell reports the baseline as changed so callers
// attempt a refresh instead of trusting stale data.
func DegradeToRefreshOnUncertainty(reason string) Result {
	return Result{Changed: true, Error: reason}
}

// RemoteLister is the subset of git.Client a probe needs.
type RemoteLister interface {
	ListRemoteRef(ctx context.Context, url, ref string) (string, error)
}

var _ RemoteLister = (*git.ShellClient)(nil)

// Prober runs staleness probes.
type Prober struct {
	git     RemoteLister
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a prober. A non-positive timeout selects DefaultTimeout.
func NewProber(lister RemoteLister, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		git:     lister,
		timeout: timeout,
		logger:  logger,
	}
}

// Probe compares cachedSHA against the commit ref currently points to on
// the remote at location.
func (p *Prober) Probe(ctx context.Context, location, ref, cachedSHA string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.git.ListRemoteRef(ctx, location, ref)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("remote probe timed out", "location", location, "ref", ref, "timeout", p.timeout)
			return DegradeToRefreshOnUncertainty(fmt.Sprintf("remote probe timed out after %s", p.timeout))
		}
		p.logger.Warn("remote probe failed", "location", location, "ref", ref, "error", err)
		return DegradeToRefreshOnUncertainty(fmt.Sprintf("remote probe failed: %v", err))
	}

	remote, ok := ParseListing(out, ref)
	if !ok {
		p.logger.Warn("remote probe returned no usable identifier", "location", location, "ref", ref)
		return DegradeToRefreshOnUncertainty(ErrUnparsable)
	}

	if cachedSHA == "" {
		// first check for this cache entry, not a failure
		return Result{Changed: true, CurrentSHA: remote}
	}

	changed := remote != cachedSHA
	p.logger.Debug("remote probe complete",
		"location", location,
		"ref", ref,
		"cached", cachedSHA,
		"remote", remote,
		"changed", changed)
	return Result{Changed: changed, CurrentSHA: remote}
}

var listingLine = regexp.MustCompile(`^([0-9a-f]{7,64})\t(\S+)$`)

// ParseListing extracts the commit for ref from `git ls-remote` output.
// Lines have the form "<sha>\t<refname>". The exact branch wins, then the
// peeled tag, then the tag itself, then a line naming ref verbatim. Lines
// for other refs that merely end in ref (refs/heads/x/main) never match.
func ParseListing(out, ref string) (string, bool) {
	candidates := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := listingLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		if _, seen := candidates[m[2]]; !seen {
			candidates[m[2]] = m[1]
		}
	}
	if scanner.Err() != nil {
		return "", false
	}

	for _, name := range []string{
		"refs/heads/" + ref,
		"refs/tags/" + ref + "^{}",
		"refs/tags/" + ref,
		ref,
	} {
		if sha, ok := candidates[name]; ok {
			return sha, true
		}
	}
	return "", false
}
