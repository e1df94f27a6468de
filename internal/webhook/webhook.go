// Package webhook refreshes the baseline cache when GitHub reports a push
// to the baseline repository.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/schaermu/baselinesync/internal/baseline"
	"github.com/schaermu/baselinesync/internal/config"
	"github.com/schaermu/baselinesync/internal/source"
)

const (
	defaultDebounce = 2 * time.Second
	maxBodyBytes    = 1 << 20
)

// Ensurer is the part of the baseline engine the hook drives.
type Ensurer interface {
	Ensure(ctx context.Context, override string, opts baseline.Options) baseline.Result
}

// GitHubPushEvent holds the fields of a push payload the hook looks at.
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server receives push webhooks and refreshes the baseline.
type Server struct {
	cfg       *config.Config
	engine    Ensurer
	logger    *slog.Logger
	statePath string
	ref       string

	secretMu sync.RWMutex
	secret   []byte

	refreshMu      sync.Mutex // guards refreshRunning and refreshPending
	refreshRunning bool
	refreshPending bool
	debounce       *debouncer
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a hook server. The webhook secret is read once, here.
func NewServer(cfg *config.Config, engine Ensurer, logger *slog.Logger) (*Server, error) {
	if cfg.Serve.GitHubWebhookSecretFile == "" {
		return nil, errors.New("serve.github_webhook_secret_file is required")
	}
	secret, err := readSecret(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		secret:   secret,
		ref:      cfg.Environment().GetString("ref"),
		debounce: &debouncer{delay: defaultDebounce},
	}
	if s.ref == "" {
		s.ref = source.DefaultRef
	}
	if cfg.Paths.CacheRoot != "" {
		s.statePath = cfg.LastResultPath()
	}
	return s, nil
}

// Handler returns the HTTP routes served by the hook.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start refreshes once, then serves on ln until ctx is cancelled.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	if err := s.WatchSecret(ctx); err != nil {
		s.logger.Warn("webhook secret will not be reloaded", "error", err)
	}

	s.logger.Info("refreshing baseline before accepting webhooks")
	s.refresh(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for refresh\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for refresh\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.refresh(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Refresh scheduled\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.statePath == "" {
		http.Error(w, "No state recorded", http.StatusNotFound)
		return
	}

	last, err := baseline.LoadLastResult(s.statePath)
	if err != nil {
		s.logger.Error("failed to load last result", "error", err)
		http.Error(w, "Failed to load state", http.StatusInternalServerError)
		return
	}
	if last == nil {
		http.Error(w, "No state recorded", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(last)
}

// WatchSecret reloads the webhook secret whenever its file is rewritten,
// until ctx is done. The directory is watched so that atomic replacements
// by secret managers are seen too.
func (s *Server) WatchSecret(ctx context.Context) error {
	path := filepath.Clean(s.cfg.Serve.GitHubWebhookSecretFile)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer func() {
			_ = w.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == path && ev.Has(fsnotify.Write|fsnotify.Create) {
					s.reloadSecret(path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("secret watcher error", "error", err)
			}
		}
	}()
	return nil
}

// reloadSecret keeps the previous secret when the new file is unreadable.
func (s *Server) reloadSecret(path string) {
	secret, err := readSecret(path)
	if err != nil {
		s.logger.Warn("keeping previous webhook secret", "error", err)
		return
	}

	s.secretMu.Lock()
	s.secret = secret
	s.secretMu.Unlock()
	s.logger.Info("webhook secret reloaded")
}

func readSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, errors.New("webhook secret is empty")
	}
	return secret, nil
}

// verifySignature checks a "sha256=<hex>" HMAC header against body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	s.secretMu.RLock()
	secret := s.secret
	s.secretMu.RUnlock()

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

func (s *Server) isEventTypeAllowed(eventType string) bool {
	allowed := s.cfg.Serve.AllowedEventTypes
	return len(allowed) == 0 || slices.Contains(allowed, eventType)
}

// isRefAllowed matches the pushed ref against allowed_refs. Without a
// filter only pushes to the tracked baseline ref count.
func (s *Server) isRefAllowed(ref string) bool {
	if allowed := s.cfg.Serve.AllowedRefs; len(allowed) > 0 {
		return slices.Contains(allowed, ref)
	}
	return ref == s.ref || ref == "refs/heads/"+s.ref || ref == "refs/tags/"+s.ref
}

// refresh runs one Ensure at a time. A request arriving while one runs
// queues a single re-run; further requests fold into it.
func (s *Server) refresh(ctx context.Context) {
	s.refreshMu.Lock()
	if s.refreshRunning {
		s.refreshPending = true
		s.refreshMu.Unlock()
		s.logger.Info("refresh already in progress, queuing re-run")
		return
	}
	s.refreshRunning = true
	s.refreshMu.Unlock()

	for {
		logger := s.logger.With("refresh_id", uuid.NewString())
		res := s.engine.Ensure(ctx, "", baseline.Options{SkipFetchIfUnchanged: true})
		if res.Err != nil {
			logger.Error("refresh failed", "error", res.Err)
		} else {
			logger.Info("refresh completed",
				"root", res.Root,
				"commit", res.CommitSHA,
				"changed", res.Changed.String(),
				"skipped_fetch", res.SkippedFetch)
		}
		if s.statePath != "" {
			if err := baseline.SaveLastResult(s.statePath, res, time.Now()); err != nil {
				logger.Warn("failed to record refresh result", "error", err)
			}
		}

		s.refreshMu.Lock()
		if !s.refreshPending {
			s.refreshRunning = false
			s.refreshMu.Unlock()
			return
		}
		s.refreshPending = false
		s.refreshMu.Unlock()

		s.logger.Info("re-running refresh for queued request")
	}
}

// trigger (re)arms the timer; only the last callback within the delay runs.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
