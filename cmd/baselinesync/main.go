package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schaermu/baselinesync/internal/activation"
	"github.com/schaermu/baselinesync/internal/baseline"
	"github.com/schaermu/baselinesync/internal/config"
	"github.com/schaermu/baselinesync/internal/excerpt"
	"github.com/schaermu/baselinesync/internal/git"
	"github.com/schaermu/baselinesync/internal/mcpserver"
	"github.com/schaermu/baselinesync/internal/probe"
	"github.com/schaermu/baselinesync/internal/report"
	"github.com/schaermu/baselinesync/internal/source"
	"github.com/schaermu/baselinesync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Shared command flags
	baselineOverride string
	jsonOutput       bool

	// sync flags
	checkOnly            bool
	skipFetchIfUnchanged bool

	// check flags
	checkTargets []string

	// excerpt flags
	excerptHeading  string
	excerptMaxLines int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "baselinesync",
	Short: "Keep a local copy of the baseline documentation repository",
	Long: `baselinesync resolves which baseline repository to use, keeps a shallow local
copy of it under a per-repository cache directory, and reports cheaply whether
the remote moved since the last sync.

The baseline is taken from --baseline, then BASELINE_URL or the config file,
then the built-in default. The reference comes from BASELINE_REF or the config
file and defaults to "main".`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Make sure an up-to-date local copy of the baseline exists",
	Long: `Sync clones the baseline on first use and refreshes it afterwards. With
--skip-fetch-if-unchanged the remote is probed first and the fetch is skipped
when nothing moved. With --check-only the cache is never touched.

The outcome is recorded in the cache root for the status command.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether the baseline changed upstream",
	Long: `Check compares the cached commit with the remote without modifying the cache.

Pass --target url@ref[=sha] (repeatable) to check arbitrary repositories
concurrently instead of the configured baseline.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the result of the last sync",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var excerptCmd = &cobra.Command{
	Use:   "excerpt PATH",
	Short: "Print a document from the baseline",
	Long: `Excerpt syncs the baseline (skipping the fetch when nothing changed) and
prints the document at PATH, relative to the baseline root. --heading narrows
the output to one markdown section.`,
	Args: cobra.ExactArgs(1),
	RunE: runExcerpt,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refresh the baseline on GitHub push webhooks",
	Long: `Serve syncs once, then listens for GitHub push webhooks and refreshes the
baseline when the tracked reference moves. The listener is taken from systemd
socket activation when available, otherwise serve.listen_addr is bound.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve baseline tools over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "baselinesync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/baselinesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, checkCmd, excerptCmd} {
		cmd.Flags().StringVar(&baselineOverride, "baseline", "", "repository URL or local directory to use instead of the configured baseline")
	}
	for _, cmd := range []*cobra.Command{syncCmd, checkCmd, statusCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	}

	syncCmd.Flags().BoolVar(&checkOnly, "check-only", false, "only report staleness, never clone or fetch")
	syncCmd.Flags().BoolVar(&skipFetchIfUnchanged, "skip-fetch-if-unchanged", false, "probe the remote and skip the fetch when it did not move")

	checkCmd.Flags().StringArrayVar(&checkTargets, "target", nil, "repository to check as url@ref[=sha] (repeatable)")

	excerptCmd.Flags().StringVar(&excerptHeading, "heading", "", "only print the markdown section with this heading")
	excerptCmd.Flags().IntVar(&excerptMaxLines, "max-lines", 0, "print at most this many lines (0 prints everything)")

	rootCmd.AddCommand(syncCmd, checkCmd, statusCmd, excerptCmd, serveCmd, mcpCmd, versionCmd)
}

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *baseline.Engine
	prober *probe.Prober
}

func newApp() (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Paths.CacheRoot == "" {
		root, err := defaultCacheRoot()
		if err != nil {
			return nil, err
		}
		cfg.Paths.CacheRoot = root
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	prober := probe.NewProber(gitClient, cfg.Probe.Timeout, logger)
	resolver := source.NewResolver(cfg.Environment())

	return &app{
		cfg:    cfg,
		logger: logger,
		engine: baseline.NewEngine(cfg, resolver, gitClient, prober, logger),
		prober: prober,
	}, nil
}

// record persists res for the status command. Failing to record is not
// fatal for the command that produced the result.
func (a *app) record(res baseline.Result) {
	if err := baseline.SaveLastResult(a.cfg.LastResultPath(), res, time.Now()); err != nil {
		a.logger.Warn("failed to record sync result", "error", err)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}

	a.logger.Info("starting sync", "check_only", checkOnly, "skip_fetch_if_unchanged", skipFetchIfUnchanged)
	res := a.engine.Ensure(ctx, baselineOverride, baseline.Options{
		CheckOnly:            checkOnly,
		SkipFetchIfUnchanged: skipFetchIfUnchanged,
	})
	if !checkOnly {
		a.record(res)
	}

	if err := printResult(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Err != nil {
		a.logger.Error("sync failed", "error", res.Err)
		return res.Err
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	reporter := report.NewReporter(a.engine, a.prober)

	var summaries []report.Summary
	if len(checkTargets) == 0 {
		summaries = []report.Summary{reporter.CheckOne(ctx, baselineOverride)}
	} else {
		targets := make([]report.Target, 0, len(checkTargets))
		for _, raw := range checkTargets {
			t, err := parseTarget(raw)
			if err != nil {
				return err
			}
			targets = append(targets, t)
		}
		summaries = reporter.CheckMany(ctx, targets)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, summaries)
	}
	for _, s := range summaries {
		_, _ = fmt.Fprintln(out, report.Format(s))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	last, err := baseline.LoadLastResult(a.cfg.LastResultPath())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if last == nil {
		_, _ = fmt.Fprintln(out, "no sync recorded yet")
		return nil
	}
	if jsonOutput {
		return writeJSON(out, last)
	}

	_, _ = fmt.Fprintf(out, "recorded: %s\n", last.RecordedAt.Format(time.RFC3339))
	return printResult(out, last.Result)
}

func runExcerpt(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}

	res := a.engine.Ensure(ctx, baselineOverride, baseline.Options{SkipFetchIfUnchanged: true})
	a.record(res)
	if res.Err != nil {
		return res.Err
	}

	ex, err := excerpt.NewReader(a.engine).ReadFrom(res, args[0], excerpt.Options{
		Heading:  excerptHeading,
		MaxLines: excerptMaxLines,
	})
	if err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("%s is not available in the baseline at %s", args[0], res.Ref)
	}

	out := cmd.OutOrStdout()
	_, _ = io.WriteString(out, ex.Content)
	if ex.Truncated {
		a.logger.Info("output truncated", "max_lines", excerptMaxLines)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}

	hook, err := webhook.NewServer(a.cfg, a.engine, a.logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listener(a.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		a.logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}

	return hook.Start(ctx, ln)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}

	tools := mcpserver.NewTools(a.engine, report.NewReporter(a.engine, a.prober), excerpt.NewReader(a.engine), a.logger)
	a.logger.Info("serving MCP on stdio", "version", version)
	return mcpserver.Serve(ctx, mcpserver.New(version, tools), os.Stdin, os.Stdout, a.logger)
}

// parseTarget parses url@ref[=sha]. The ref may contain slashes
// (release/v2); an "@" in the user part (git@host:org/repo.git,
// ssh://git@host/repo.git) never starts one.
func parseTarget(raw string) (report.Target, error) {
	raw = strings.TrimSpace(raw)
	var t report.Target

	if i := strings.LastIndex(raw, "="); i >= 0 {
		t.CachedSHA = strings.TrimSpace(raw[i+1:])
		raw = raw[:i]
	}

	t.Location = raw
	t.Ref = source.DefaultRef
	if i := refSeparator(raw); i >= 0 {
		t.Location = raw[:i]
		t.Ref = raw[i+1:]
		if t.Ref == "" {
			return report.Target{}, fmt.Errorf("invalid target %q: empty ref after @", raw)
		}
	}

	if t.Location == "" || source.Classify(t.Location) != source.KindRemote {
		return report.Target{}, fmt.Errorf("invalid target %q: expected url@ref[=sha]", raw)
	}
	return t, nil
}

// refSeparator returns the index of the "@" that separates the ref from
// the URL, or -1. Only an "@" past the host qualifies.
func refSeparator(raw string) int {
	i := strings.LastIndex(raw, "@")
	if i < 0 || strings.Contains(raw[i+1:], ":") {
		return -1
	}

	pathStart := -1
	if k := strings.Index(raw, "://"); k >= 0 {
		if j := strings.Index(raw[k+3:], "/"); j >= 0 {
			pathStart = k + 3 + j
		}
	} else {
		pathStart = strings.Index(raw, ":")
	}

	if pathStart < 0 || i < pathStart {
		return -1
	}
	return i
}

func printResult(w io.Writer, res baseline.Result) error {
	if jsonOutput {
		return writeJSON(w, res)
	}

	_, _ = fmt.Fprintf(w, "baseline: %s (%s)\n", res.BaselineURL, res.BaselineSource)
	_, _ = fmt.Fprintf(w, "ref:      %s (%s)\n", res.Ref, res.RefSource)
	if res.Err != nil {
		_, _ = fmt.Fprintf(w, "error:    %s\n", res.Err)
		return nil
	}
	if res.Root != "" {
		_, _ = fmt.Fprintf(w, "root:     %s\n", res.Root)
	}
	if res.CommitSHA != "" {
		_, _ = fmt.Fprintf(w, "commit:   %s\n", res.CommitSHA)
	}
	_, _ = fmt.Fprintf(w, "changed:  %s\n", res.Changed)
	if res.SkippedFetch {
		_, _ = fmt.Fprintln(w, "fetch:    skipped")
	}
	if res.ProbeError != "" {
		_, _ = fmt.Fprintf(w, "probe:    %s\n", res.ProbeError)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries command output and MCP framing
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config strictly. Without the flag the default path is
// optional and a missing file yields the defaults.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile != "" {
		logger.Debug("loading configuration", "path", cfgFile)
		return config.Load(cfgFile)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config directory: %w", err)
	}
	configPath := filepath.Join(configDir, "baselinesync", "config.yaml")
	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"baseline", cfg.Baseline.URL,
		"ref", cfg.Baseline.Ref,
		"cache_root", cfg.Paths.CacheRoot,
		"auth", cfg.AuthMethod())
	return cfg, nil
}

func defaultCacheRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine cache directory: %w", err)
	}
	if dir == "" {
		return "", errors.New("failed to determine cache directory")
	}
	return filepath.Join(dir, "baselinesync", "repos"), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
