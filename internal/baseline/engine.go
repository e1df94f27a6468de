// Package baseline keeps a local working copy of the baseline repository
// and decides, per call, the cheapest action that leaves it usable.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/baselinesync/internal/cache"
	"github.com/schaermu/baselinesync/internal/config"
	"github.com/schaermu/baselinesync/internal/git"
	"github.com/schaermu/baselinesync/internal/probe"
	"github.com/schaermu/baselinesync/internal/source"
)

// LocalRef is reported as the reference of a local-path baseline.
const LocalRef = "local"

// Resolver resolves the effective baseline source.
type Resolver interface {
	Resolve(override string) source.Source
}

// Prober compares a cached commit against the remote.
type Prober interface {
	Probe(ctx context.Context, location, ref, cachedSHA string) probe.Result
}

// Options select the synchronization mode of a single Ensure call.
type Options struct {
	// CheckOnly probes for changes without touching the cache.
	CheckOnly bool
	// SkipFetchIfUnchanged avoids the fetch when the probe reports no change.
	SkipFetchIfUnchanged bool
}

// Engine orchestrates baseline resolution and synchronization
type Engine struct {
	resolver        Resolver
	git             git.Client
	probe           Prober
	cacheRoot       string
	trackMovingHead bool
	logger          *slog.Logger
}

// NewEngine creates a new baseline engine. The cache root is taken from
// cfg and must already be resolved by the caller.
func NewEngine(cfg *config.Config, resolver Resolver, gitClient git.Client, prober Prober, logger *slog.Logger) *Engine {
	return &Engine{
		resolver:        resolver,
		git:             gitClient,
		probe:           prober,
		cacheRoot:       cfg.Paths.CacheRoot,
		trackMovingHead: cfg.Sync.TrackMovingHead,
		logger:          logger,
	}
}

// CacheRoot returns the directory all cache entries live under.
func (e *Engine) CacheRoot() string {
	return e.cacheRoot
}

// Ensure makes the baseline available and reports where it is. It never
// returns an error directly: failures are carried in Result.Err.
func (e *Engine) Ensure(ctx context.Context, override string, opts Options) Result {
	src := e.resolver.Resolve(override)
	res := Result{
		Ref:            src.Ref,
		RefSource:      string(src.RefPrecedence),
		BaselineURL:    src.Location,
		BaselineSource: string(src.Precedence),
	}

	e.logger.Debug("resolved baseline source",
		"location", src.Location,
		"ref", src.Ref,
		"precedence", src.Precedence,
		"ref_precedence", src.RefPrecedence,
		"check_only", opts.CheckOnly,
		"skip_fetch_if_unchanged", opts.SkipFetchIfUnchanged)

	switch src.Kind() {
	case source.KindLocal:
		return e.ensureLocal(ctx, src, res)
	case source.KindInvalid:
		return res.fail(KindResolution,
			fmt.Errorf("unrecognized baseline location %q: expected a git URL or a filesystem path", src.Location))
	}

	if err := e.git.Available(); err != nil {
		return res.fail(KindTooling, err)
	}
	if e.cacheRoot == "" {
		return res.fail(KindResolution, errors.New("no cache root configured"))
	}

	dir := cache.Locate(e.cacheRoot, src.Location, src.Ref)
	if git.IsWorkingCopy(dir) {
		return e.ensureExisting(ctx, src, dir, opts, res)
	}
	return e.ensureFresh(ctx, src, dir, opts, res)
}

// ensureLocal serves a filesystem path as-is.
func (e *Engine) ensureLocal(ctx context.Context, src source.Source, res Result) Result {
	res.Ref = LocalRef
	res.RefSource = LocalRef
	res.Changed = ChangeUnknown

	path, err := source.ExpandPath(src.Location)
	if err != nil {
		return res.fail(KindLocalPath, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return res.fail(KindLocalPath, fmt.Errorf("local baseline path does not exist: %s", path))
	}
	if !info.IsDir() {
		return res.fail(KindLocalPath, fmt.Errorf("local baseline path is not a directory: %s", path))
	}

	res.Root = path
	if git.IsWorkingCopy(path) {
		res.CommitSHA = e.headCommit(ctx, path)
	}

	e.logger.Info("using local baseline", "root", path, "commit", res.CommitSHA)
	return res
}

// ensureExisting refreshes a cache entry that already has a working copy.
// Nothing here is fatal: the cached copy is always better than no copy.
func (e *Engine) ensureExisting(ctx context.Context, src source.Source, dir string, opts Options, res Result) Result {
	res.Root = dir
	cached := e.headCommit(ctx, dir)

	var probed *probe.Result
	if opts.CheckOnly || opts.SkipFetchIfUnchanged {
		pr := e.probe.Probe(ctx, src.Location, src.Ref, cached)
		probed = &pr
		res.RemoteSHA = pr.CurrentSHA
		res.ProbeError = pr.Error
	}

	if opts.CheckOnly {
		res.CommitSHA = cached
		res.Changed = ChangeOf(probed.Changed)
		return res
	}

	if opts.SkipFetchIfUnchanged && !probed.Changed {
		e.logger.Info("baseline unchanged, skipping fetch", "dir", dir, "commit", cached)
		res.SkippedFetch = true
	} else {
		e.refresh(ctx, src, dir)
	}

	res.CommitSHA = e.headCommit(ctx, dir)
	if res.CommitSHA == "" {
		res.CommitSHA = cached
	}

	if probed != nil {
		res.Changed = ChangeOf(probed.Changed)
	} else {
		res.Changed = ChangeOf(cached == "" || res.CommitSHA != cached)
	}

	e.logger.Info("baseline ready",
		"root", dir,
		"commit", res.CommitSHA,
		"changed", res.Changed,
		"skipped_fetch", res.SkippedFetch)
	return res
}

// refresh fetches and checks out the tracked reference. Failures are logged
// and absorbed so the previous working copy keeps being served.
func (e *Engine) refresh(ctx context.Context, src source.Source, dir string) {
	e.logger.Info("fetching baseline", "location", src.Location, "ref", src.Ref, "dir", dir)

	if err := e.git.FetchAndCheckout(ctx, src.Location, src.Ref, dir); err != nil {
		e.logger.Warn("fetch failed, serving cached baseline", "dir", dir, "error", err)
		return
	}
	if !e.trackMovingHead {
		return
	}
	if err := e.git.FastForward(ctx, src.Location, src.Ref, dir); err != nil {
		e.logger.Warn("fast-forward failed, serving checked out baseline", "dir", dir, "error", err)
	}
}

// ensureFresh clones a baseline that has no cache entry yet. A failed clone
// is fatal because there is nothing to fall back to.
func (e *Engine) ensureFresh(ctx context.Context, src source.Source, dir string, opts Options, res Result) Result {
	if opts.CheckOnly {
		pr := e.probe.Probe(ctx, src.Location, src.Ref, "")
		res.Changed = ChangeOf(pr.Changed)
		res.RemoteSHA = pr.CurrentSHA
		res.ProbeError = pr.Error
		return res
	}

	e.logger.Info("cloning baseline", "location", src.Location, "ref", src.Ref, "dir", dir)
	if err := e.git.CloneShallow(ctx, src.Location, src.Ref, dir); err != nil {
		return res.fail(KindClone, fmt.Errorf("failed to clone %s at %s: %w", src.Location, src.Ref, err))
	}

	res.Root = dir
	res.Changed = Changed
	res.CommitSHA = e.headCommit(ctx, dir)

	e.logger.Info("baseline cloned", "root", dir, "commit", res.CommitSHA)
	return res
}

// headCommit reads the checked out commit, returning "" when it cannot.
func (e *Engine) headCommit(ctx context.Context, dir string) string {
	sha, err := e.git.HeadCommit(ctx, dir)
	if err != nil {
		e.logger.Debug("could not read checked out commit", "dir", dir, "error", err)
		return ""
	}
	return sha
}
