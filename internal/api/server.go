// Package api provides the optional local HTTP surface for hosts that
// cannot embed the gateway directly: a gin server that forwards responses
// API calls through the interceptor pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-plugins/codex-auto-switch/internal/account"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
	"github.com/opencode-plugins/codex-auto-switch/internal/interceptor"
)

// Server wraps a gin engine forwarding requests through the gateway.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	gateway *interceptor.Gateway
	cfg     *config.Config
}

// NewServer creates the local proxy server.
func NewServer(cfg *config.Config, gateway *interceptor.Gateway, port int) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		gateway: gateway,
		cfg:     cfg,
		server: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", port),
			Handler: engine,
		},
	}

	engine.POST("/responses", s.handleResponses)
	engine.POST("/v1/responses", s.handleResponses)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return s
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	log.Infof("local proxy listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleResponses forwards the call upstream through the gateway and
// streams the result back to the caller.
func (s *Server) handleResponses(c *gin.Context) {
	upstream, err := http.NewRequestWithContext(
		c.Request.Context(),
		http.MethodPost,
		"https://chatgpt.com/backend-api/responses",
		c.Request.Body,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	upstream.Header = c.Request.Header.Clone()

	resp, err := s.gateway.RoundTrip(upstream)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, interceptor.ErrNoAccounts) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	for key, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	if _, err = io.Copy(c.Writer, resp.Body); err != nil {
		log.Debugf("api: stream copy ended: %v", err)
	}
}

// AccountSummary is the status row returned by the accounts listing.
type AccountSummary struct {
	Index       int     `json:"index"`
	Email       string  `json:"email,omitempty"`
	AccountID   string  `json:"accountId,omitempty"`
	Enabled     bool    `json:"enabled"`
	Health      float64 `json:"health"`
	Tokens      float64 `json:"tokens"`
	RateLimited bool    `json:"rateLimited"`
	Failures    int     `json:"failures"`
}

// RegisterAccountRoutes exposes a read-only accounts listing for local
// inspection.
func (s *Server) RegisterAccountRoutes(manager *account.Manager) {
	s.engine.GET("/accounts", func(c *gin.Context) {
		accounts := manager.Accounts()
		out := make([]AccountSummary, len(accounts))
		for i, a := range accounts {
			out[i] = AccountSummary{
				Index:       a.Index,
				Email:       a.Email,
				AccountID:   a.AccountID,
				Enabled:     a.Enabled,
				Health:      manager.Health().Score(a.Index),
				Tokens:      manager.Buckets().Tokens(a.Index),
				RateLimited: a.RateLimitResetTime > 0,
				Failures:    a.ConsecutiveFailures,
			}
		}
		c.JSON(http.StatusOK, gin.H{"accounts": out})
	})
}
