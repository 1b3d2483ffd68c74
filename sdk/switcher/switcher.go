// Package switcher is the embedding surface for host agents. A host builds
// one Switcher at startup and installs it as the transport (or fetch
// function) for its Codex responses-API calls. Account selection, token
// refresh, body rewriting, and rotation all happen inside.
package switcher

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/opencode-plugins/codex-auto-switch/internal/account"
	"github.com/opencode-plugins/codex-auto-switch/internal/auth"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
	"github.com/opencode-plugins/codex-auto-switch/internal/interceptor"
	"github.com/opencode-plugins/codex-auto-switch/internal/logging"
	"github.com/opencode-plugins/codex-auto-switch/internal/watcher"
)

// Options customises the embedded gateway.
type Options struct {
	// Config overrides the configuration loaded from disk.
	Config *config.Config
	// StoragePath overrides the account set location.
	StoragePath string
	// Transport is the underlying HTTP transport; nil uses the default.
	Transport http.RoundTripper
	// HostPrompt is the host agent's system prompt, cached for stripping.
	HostPrompt string
	// Hooks are the host sink callbacks (toast, log, auth writeback).
	Hooks account.Hooks
	// WatchStorage reloads the pool when another process writes the
	// storage file.
	WatchStorage bool
}

// Switcher bundles the gateway with its account manager.
type Switcher struct {
	gateway *interceptor.Gateway
	manager *account.Manager
	tokens  *auth.Service
	cancel  context.CancelFunc
}

// New wires a Switcher from options.
func New(opts Options) (*Switcher, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	logging.SetupBaseLogger(cfg.Debug)

	tokens := auth.NewService()
	store := account.NewStore(opts.StoragePath)
	manager := account.NewManager(cfg, tokens, store, opts.Hooks)
	reqLog := logging.NewRequestLogger(filepath.Join(config.LogDir(), "requests"), cfg.RequestLogging)

	gateway := interceptor.New(cfg, manager, reqLog, opts.Transport)
	gateway.SetKnownHostPrompt(opts.HostPrompt)

	s := &Switcher{gateway: gateway, manager: manager, tokens: tokens}

	if opts.WatchStorage {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		if w, err := watcher.NewWatcher(store.Path(), manager.Reload); err == nil {
			_ = w.Start(ctx)
		}
	}
	return s, nil
}

// RoundTrip implements http.RoundTripper, making the Switcher mountable as
// a transport.
func (s *Switcher) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.gateway.RoundTrip(req)
}

// AddAccount registers credentials obtained from a completed OAuth flow.
func (s *Switcher) AddAccount(ctx context.Context, creds *auth.Credentials) (int, error) {
	return s.manager.AddAccount(ctx, creds)
}

// Manager exposes the account pool for inspection.
func (s *Switcher) Manager() *account.Manager { return s.manager }

// Close flushes pending state and stops background work.
func (s *Switcher) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.manager.Flush()
}
