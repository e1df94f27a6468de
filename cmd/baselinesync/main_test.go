package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/baselinesync/internal/baseline"
	"github.com/schaermu/baselinesync/internal/report"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withFlags restores every package-level flag after the test.
func withFlags(t *testing.T) {
	t.Helper()
	saved := struct {
		cfgFile, logLevel, logFormat, override, heading string
		json, checkOnly, skip                           bool
		targets                                         []string
		maxLines                                        int
	}{cfgFile, logLevel, logFormat, baselineOverride, excerptHeading, jsonOutput, checkOnly, skipFetchIfUnchanged, checkTargets, excerptMaxLines}
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = saved.cfgFile, saved.logLevel, saved.logFormat
		baselineOverride, excerptHeading = saved.override, saved.heading
		jsonOutput, checkOnly, skipFetchIfUnchanged = saved.json, saved.checkOnly, saved.skip
		checkTargets, excerptMaxLines = saved.targets, saved.maxLines
	})
	logLevel = "error"
}

// writeConfig points --config at a file whose cache root lives in a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cacheRoot := filepath.Join(dir, "cache")
	content := []byte("paths:\n  cache_root: \"" + cacheRoot + "\"\n")
	cfgFile = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, content, 0o600))
	return cacheRoot
}

func TestSetupLogger(t *testing.T) {
	withFlags(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat
			assert.NotNil(t, setupLogger())
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	withFlags(t)
	cacheRoot := writeConfig(t)

	cfg, err := loadConfig(discardLogger())
	require.NoError(t, err)
	assert.Equal(t, cacheRoot, cfg.Paths.CacheRoot)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	withFlags(t)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(discardLogger())
	assert.Error(t, err)
}

func TestLoadConfig_DefaultPathIsOptional(t *testing.T) {
	withFlags(t)
	cfgFile = ""
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := loadConfig(discardLogger())
	require.NoError(t, err)
	assert.True(t, cfg.Sync.TrackMovingHead)
	assert.Empty(t, cfg.Paths.CacheRoot)
}

func TestDefaultCacheRoot(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg-cache")

	root, err := defaultCacheRoot()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg-cache/baselinesync/repos", root)
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()
	<-ctx.Done()
	assert.Error(t, ctx.Err())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    report.Target
		wantErr bool
	}{
		{
			raw:  "https://github.com/org/docs.git@v2",
			want: report.Target{Location: "https://github.com/org/docs.git", Ref: "v2"},
		},
		{
			raw:  "https://github.com/org/docs.git@main=abc123",
			want: report.Target{Location: "https://github.com/org/docs.git", Ref: "main", CachedSHA: "abc123"},
		},
		{
			raw:  "https://github.com/org/docs.git",
			want: report.Target{Location: "https://github.com/org/docs.git", Ref: "main"},
		},
		{
			raw:  "git@github.com:org/docs.git",
			want: report.Target{Location: "git@github.com:org/docs.git", Ref: "main"},
		},
		{
			raw:  "git@github.com:org/docs.git@release=ff",
			want: report.Target{Location: "git@github.com:org/docs.git", Ref: "release", CachedSHA: "ff"},
		},
		{
			raw:  "https://github.com/org/docs.git@release/v2=abc",
			want: report.Target{Location: "https://github.com/org/docs.git", Ref: "release/v2", CachedSHA: "abc"},
		},
		{
			raw:  "git@github.com:org/docs.git@feature/x",
			want: report.Target{Location: "git@github.com:org/docs.git", Ref: "feature/x"},
		},
		{
			raw:  "ssh://git@github.com/org/docs.git",
			want: report.Target{Location: "ssh://git@github.com/org/docs.git", Ref: "main"},
		},
		{
			raw:  "ssh://git@github.com/org/docs.git@feature/x",
			want: report.Target{Location: "ssh://git@github.com/org/docs.git", Ref: "feature/x"},
		},
		{
			raw:  "file:///srv/docs@main",
			want: report.Target{Location: "file:///srv/docs", Ref: "main"},
		},
		{raw: "https://github.com/org/docs.git@", wantErr: true},
		{raw: "/srv/docs@main", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "not a url@main", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTarget(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintResult(t *testing.T) {
	withFlags(t)

	t.Run("text", func(t *testing.T) {
		jsonOutput = false
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, baseline.Result{
			Root:           "/cache/docs/main",
			Ref:            "main",
			RefSource:      "defaulted",
			BaselineURL:    "https://github.com/org/docs.git",
			BaselineSource: "configured",
			CommitSHA:      "abc123",
			Changed:        baseline.Unchanged,
			SkippedFetch:   true,
		}))

		out := buf.String()
		assert.Contains(t, out, "baseline: https://github.com/org/docs.git (configured)")
		assert.Contains(t, out, "root:     /cache/docs/main")
		assert.Contains(t, out, "changed:  false")
		assert.Contains(t, out, "fetch:    skipped")
	})

	t.Run("failure", func(t *testing.T) {
		jsonOutput = false
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, baseline.Result{
			Ref: "main",
			Err: &baseline.Error{Kind: baseline.KindClone, Err: errors.New("boom")},
		}))
		assert.Contains(t, buf.String(), "error:    clone: boom")
		assert.NotContains(t, buf.String(), "changed:")
	})

	t.Run("json", func(t *testing.T) {
		jsonOutput = true
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, baseline.Result{Ref: "local", Changed: baseline.ChangeUnknown}))

		var raw map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
		assert.Equal(t, "local", raw["ref"])
		assert.Nil(t, raw["changed"])
	})
}

func TestPrintResult_Golden(t *testing.T) {
	withFlags(t)
	jsonOutput = false

	synced := baseline.Result{
		Root:           "/cache/docs-0123456789ab/main",
		Ref:            "main",
		RefSource:      "defaulted",
		BaselineURL:    "https://github.com/org/docs.git",
		BaselineSource: "configured",
		CommitSHA:      "abc123",
		Changed:        baseline.Changed,
	}

	unchanged := synced
	unchanged.Root = "/cache/docs-0123456789ab/v2"
	unchanged.Ref = "v2"
	unchanged.RefSource = "environment"
	unchanged.Changed = baseline.Unchanged
	unchanged.SkippedFetch = true

	degraded := synced
	degraded.ProbeError = "remote probe timed out after 10s"

	failed := baseline.Result{
		Ref:            "main",
		RefSource:      "defaulted",
		BaselineURL:    "https://github.com/org/docs.git",
		BaselineSource: "explicit-override",
		Changed:        baseline.Changed,
		Err: &baseline.Error{
			Kind: baseline.KindClone,
			Err:  errors.New("failed to clone https://github.com/org/docs.git at main: exit status 128"),
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, res := range map[string]baseline.Result{
		"synced":    synced,
		"unchanged": unchanged,
		"degraded":  degraded,
		"failed":    failed,
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printResult(&buf, res))
			g.Assert(t, name, buf.Bytes())
		})
	}
}

func TestRunSync_LocalBaselineThenStatus(t *testing.T) {
	withFlags(t)
	cacheRoot := writeConfig(t)
	docs := t.TempDir()
	baselineOverride = docs

	var out bytes.Buffer
	syncCmd.SetOut(&out)
	t.Cleanup(func() { syncCmd.SetOut(nil) })

	require.NoError(t, runSync(syncCmd, nil))
	assert.Contains(t, out.String(), "root:     "+docs)
	assert.Contains(t, out.String(), "changed:  unknown")
	assert.FileExists(t, filepath.Join(cacheRoot, "last-result.json"))

	out.Reset()
	jsonOutput = true
	statusCmd.SetOut(&out)
	t.Cleanup(func() { statusCmd.SetOut(nil) })

	require.NoError(t, runStatus(statusCmd, nil))
	var last baseline.LastResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &last))
	assert.Equal(t, docs, last.Result.Root)
	assert.Equal(t, baseline.LocalRef, last.Result.Ref)
}

func TestRunSync_FailureExitsNonZero(t *testing.T) {
	withFlags(t)
	writeConfig(t)
	baselineOverride = filepath.Join(t.TempDir(), "missing")

	var out bytes.Buffer
	syncCmd.SetOut(&out)
	t.Cleanup(func() { syncCmd.SetOut(nil) })

	err := runSync(syncCmd, nil)
	var berr *baseline.Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, baseline.KindLocalPath, berr.Kind)
}

func TestRunSync_CheckOnlyDoesNotRecord(t *testing.T) {
	withFlags(t)
	cacheRoot := writeConfig(t)
	baselineOverride = t.TempDir()
	checkOnly = true

	syncCmd.SetOut(io.Discard)
	t.Cleanup(func() { syncCmd.SetOut(nil) })

	require.NoError(t, runSync(syncCmd, nil))
	assert.NoFileExists(t, filepath.Join(cacheRoot, "last-result.json"))
}

func TestRunStatus_NothingRecorded(t *testing.T) {
	withFlags(t)
	writeConfig(t)

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	t.Cleanup(func() { statusCmd.SetOut(nil) })

	require.NoError(t, runStatus(statusCmd, nil))
	assert.Equal(t, "no sync recorded yet\n", out.String())
}

func TestRunExcerpt_LocalBaseline(t *testing.T) {
	withFlags(t)
	writeConfig(t)
	docs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "guides"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "guides", "style.md"), []byte("# Style\n\n## Naming\n\nUse nouns.\n\n## Layout\n"), 0o644))
	baselineOverride = docs
	excerptHeading = "naming"

	var out bytes.Buffer
	excerptCmd.SetOut(&out)
	t.Cleanup(func() { excerptCmd.SetOut(nil) })

	require.NoError(t, runExcerpt(excerptCmd, []string{"guides/style.md"}))
	assert.Equal(t, "## Naming\n\nUse nouns.\n\n", out.String())

	err := runExcerpt(excerptCmd, []string{"guides/absent.md"})
	assert.ErrorContains(t, err, "not available")
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	assert.Contains(t, out.String(), "baselinesync "+version)
}
