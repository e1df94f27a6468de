// Package mcpserver exposes baseline resolution, change checks and
// document excerpts as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/schaermu/baselinesync/internal/baseline"
	"github.com/schaermu/baselinesync/internal/excerpt"
	"github.com/schaermu/baselinesync/internal/report"
)

const (
	ToolEnsure  = "baseline_ensure"
	ToolCheck   = "baseline_check"
	ToolExcerpt = "baseline_excerpt"
)

// Ensurer resolves and materializes the baseline.
type Ensurer interface {
	Ensure(ctx context.Context, override string, opts baseline.Options) baseline.Result
}

// Checker answers whether the baseline changed upstream.
type Checker interface {
	CheckOne(ctx context.Context, override string) report.Summary
}

// ExcerptReader reads documents from the baseline.
type ExcerptReader interface {
	Read(ctx context.Context, override, relPath string, opts excerpt.Options) (*excerpt.Excerpt, error)
}

// Tools holds the tool handlers.
type Tools struct {
	engine  Ensurer
	checker Checker
	reader  ExcerptReader
	logger  *slog.Logger
}

// NewTools creates the tool handlers.
func NewTools(engine Ensurer, checker Checker, reader ExcerptReader, logger *slog.Logger) *Tools {
	return &Tools{engine: engine, checker: checker, reader: reader, logger: logger}
}

// New creates an MCP server with every baseline tool registered.
func New(version string, tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		"baselinesync",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	s.AddTool(ensureTool(), tools.HandleEnsure)
	s.AddTool(checkTool(), tools.HandleCheck)
	s.AddTool(excerptTool(), tools.HandleExcerpt)
	return s
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *slog.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(&slogWriter{logger: logger}, "", 0))
	return stdio.Listen(ctx, in, out)
}

const instructions = `baselinesync keeps a local copy of the baseline documentation repository.
Call baseline_check to learn whether the baseline moved upstream without touching the cache,
baseline_ensure to make the local copy current, and baseline_excerpt to read a document from it.
Every tool takes an optional "baseline" argument: a repository URL or local directory that
replaces the configured one.`

func baselineArg() mcp.ToolOption {
	return mcp.WithString("baseline",
		mcp.Description("Repository URL or local directory overriding the configured baseline"),
	)
}

func ensureTool() mcp.Tool {
	return mcp.NewTool(ToolEnsure,
		mcp.WithDescription("Resolve the baseline and make sure an up-to-date local copy exists. Returns the result record as JSON."),
		baselineArg(),
		mcp.WithBoolean("check_only",
			mcp.Description("Only report staleness; never clone or fetch"),
		),
		mcp.WithBoolean("skip_fetch_if_unchanged",
			mcp.Description("Skip the fetch when the remote still points at the cached commit"),
		),
	)
}

func checkTool() mcp.Tool {
	return mcp.NewTool(ToolCheck,
		mcp.WithDescription("Report whether the baseline changed upstream, without modifying the local copy."),
		baselineArg(),
	)
}

func excerptTool() mcp.Tool {
	return mcp.NewTool(ToolExcerpt,
		mcp.WithDescription("Read a document from the baseline, optionally narrowed to one markdown section."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path of the document relative to the baseline root"),
		),
		baselineArg(),
		mcp.WithString("heading",
			mcp.Description("Markdown heading whose section should be returned"),
		),
		mcp.WithNumber("max_lines",
			mcp.Description("Maximum number of lines to return; 0 returns everything"),
			mcp.Min(0),
		),
	)
}

// HandleEnsure runs Ensure and returns the result record.
func (t *Tools) HandleEnsure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	override := req.GetString("baseline", "")
	opts := baseline.Options{
		CheckOnly:            req.GetBool("check_only", false),
		SkipFetchIfUnchanged: req.GetBool("skip_fetch_if_unchanged", false),
	}

	res := t.engine.Ensure(ctx, override, opts)
	t.logger.Debug("ensure tool finished", "root", res.Root, "changed", res.Changed.String(), "ok", res.OK())

	text, err := toJSON(res)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheck runs a read-only change check.
func (t *Tools) HandleCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary := t.checker.CheckOne(ctx, req.GetString("baseline", ""))

	text, err := toJSON(summary)
	if err != nil {
		return nil, err
	}
	result := mcp.NewToolResultText(report.Format(summary) + "\n" + text)
	return result, nil
}

// HandleExcerpt reads one document.
func (t *Tools) HandleExcerpt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	relPath, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxLines := req.GetInt("max_lines", 0)
	if maxLines < 0 {
		return mcp.NewToolResultError("max_lines must not be negative"), nil
	}

	ex, err := t.reader.Read(ctx, req.GetString("baseline", ""), relPath, excerpt.Options{
		Heading:              req.GetString("heading", ""),
		MaxLines:             maxLines,
		SkipFetchIfUnchanged: true,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ex == nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s is not available in the baseline", relPath)), nil
	}

	content := ex.Content
	if ex.Truncated {
		content += "\n[truncated]\n"
	}
	return mcp.NewToolResultText(content), nil
}

func toJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(data), nil
}

// slogWriter routes the transport's error log into slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Error("mcp transport", "message", string(p))
	return len(p), nil
}
