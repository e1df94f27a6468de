// Package report batches baseline change checks and renders them for
// humans. It never mutates a cache entry.
package report

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/baselinesync/internal/baseline"
	"github.com/schaermu/baselinesync/internal/probe"
)

const shortSHALen = 7

// Ensurer is the part of the baseline engine the reporter uses.
type Ensurer interface {
	Ensure(ctx context.Context, override string, opts baseline.Options) baseline.Result
}

// Prober compares a known commit against the remote.
type Prober interface {
	Probe(ctx context.Context, location, ref, cachedSHA string) probe.Result
}

// Target is one repository to check in a batch.
type Target struct {
	Location  string `json:"location"`
	Ref       string `json:"ref"`
	CachedSHA string `json:"cachedSha,omitempty"`
}

// Summary is the outcome of a single check.
type Summary struct {
	Location   string `json:"location"`
	Ref        string `json:"ref"`
	Changed    bool   `json:"changed"`
	CachedSHA  string `json:"cachedSha,omitempty"`
	CurrentSHA string `json:"currentSha,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Reporter runs change checks.
type Reporter struct {
	engine Ensurer
	probe  Prober
}

// NewReporter creates a reporter.
func NewReporter(engine Ensurer, prober Prober) *Reporter {
	return &Reporter{engine: engine, probe: prober}
}

// CheckOne checks the baseline that override (or the configuration)
// resolves to, without mutating its cache entry.
func (r *Reporter) CheckOne(ctx context.Context, override string) Summary {
	res := r.engine.Ensure(ctx, override, baseline.Options{CheckOnly: true})

	s := Summary{
		Location:   res.BaselineURL,
		Ref:        res.Ref,
		CachedSHA:  res.CommitSHA,
		CurrentSHA: res.RemoteSHA,
		Error:      res.ProbeError,
	}
	switch {
	case res.Err != nil:
		s.Error = res.Err.Error()
		s.Changed = true
	case res.Changed == baseline.ChangeUnknown:
		// local paths are never stale
		s.Changed = false
		s.CurrentSHA = res.CommitSHA
	default:
		s.Changed = res.Changed == baseline.Changed || s.Error != ""
	}
	return s
}

// CheckMany probes every target concurrently. The i-th summary belongs to
// the i-th target.
func (r *Reporter) CheckMany(ctx context.Context, targets []Target) []Summary {
	summaries := make([]Summary, len(targets))

	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			pr := r.probe.Probe(ctx, t.Location, t.Ref, t.CachedSHA)
			summaries[i] = Summary{
				Location:   t.Location,
				Ref:        t.Ref,
				Changed:    pr.Changed,
				CachedSHA:  t.CachedSHA,
				CurrentSHA: pr.CurrentSHA,
				Error:      pr.Error,
			}
			return nil
		})
	}
	// Probe failures live in the summaries; the group itself cannot fail.
	_ = g.Wait()

	return summaries
}

// Format renders a summary as one line: an error, a change, or an
// up-to-date notice.
func Format(s Summary) string {
	name := s.Location
	if s.Ref != "" {
		name += "@" + s.Ref
	}

	switch {
	case s.Error != "":
		return fmt.Sprintf("%s: check failed: %s", name, s.Error)
	case s.Changed && s.CachedSHA != "" && s.CurrentSHA != "":
		return fmt.Sprintf("%s: changed %s -> %s", name, Short(s.CachedSHA), Short(s.CurrentSHA))
	case s.Changed:
		return fmt.Sprintf("%s: changed", name)
	case s.CurrentSHA == "":
		return fmt.Sprintf("%s: up to date", name)
	default:
		return fmt.Sprintf("%s: up to date at %s", name, Short(s.CurrentSHA))
	}
}

// Short abbreviates a commit identifier.
func Short(sha string) string {
	if len(sha) > shortSHALen {
		return sha[:shortSHALen]
	}
	return sha
}
