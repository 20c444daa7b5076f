// Package api provides the HTTP surface of the onboarding service.
//
// It exposes message intake, explicit OTP resend, state inspection, gated
// tool invocation, and a health probe. All onboarding semantics live in the
// workflow engine; handlers only translate HTTP to engine calls.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/security"
	"github.com/mlground/onboard/internal/workflow"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Engine is the slice of the workflow engine the handlers need, extracted for
// testing with stubs.
type Engine interface {
	Process(ctx context.Context, userID, message string) (*workflow.Turn, error)
	Resend(ctx context.Context, userID string) (*workflow.Turn, error)
	ProcessToolCall(userID string, call models.ToolCall) (models.ToolResult, error)
	State(userID string) (*models.UserState, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Tokens *security.TokenIssuer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTokenIssuer enables bearer-token authentication on the tools endpoint.
func WithTokenIssuer(tokens *security.TokenIssuer) Option {
	return func(o *Opts) { o.Tokens = tokens }
}

// Server hosts the HTTP endpoints over a workflow engine.
type Server struct {
	engine Engine
	tokens *security.TokenIssuer
	addr   string
	srv    *http.Server
}

// NewServer creates an API server for the given engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("api.NewServer: server configured", "addr", cfg.Addr, "authEnabled", cfg.Tokens != nil)
	return &Server{engine: engine, tokens: cfg.Tokens, addr: cfg.Addr}
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/messages", s.messagesHandler)
	mux.HandleFunc("/api/v1/otp/resend", s.resendHandler)
	mux.HandleFunc("/api/v1/state", s.stateHandler)
	mux.HandleFunc("/api/v1/tools", s.toolsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API server")
	return s.srv.Shutdown(ctx)
}
