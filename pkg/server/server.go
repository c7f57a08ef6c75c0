// Package server wires the broker's components into a single runnable
// HTTP server: configuration, the session manager, the cache janitor, and
// ambient telemetry.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/bgutil-pot-broker/internal/api"
	"github.com/agentoven/bgutil-pot-broker/internal/api/handlers"
	"github.com/agentoven/bgutil-pot-broker/internal/botguard"
	"github.com/agentoven/bgutil-pot-broker/internal/config"
	"github.com/agentoven/bgutil-pot-broker/internal/retention"
	"github.com/agentoven/bgutil-pot-broker/internal/session"
	"github.com/agentoven/bgutil-pot-broker/internal/telemetry"
)

// Version is stamped into /ping responses; overridden at build time via
// -ldflags where the CLI wires it through.
var Version = "dev"

// Server is a fully wired broker: an HTTP handler plus the background
// janitor goroutine and telemetry shutdown hook that come with it.
type Server struct {
	Handler      http.Handler
	Host         string
	Port         int
	ShutdownFunc func(context.Context) error

	cancelJanitor context.CancelFunc
}

// New builds a Server from cfg. It starts the retention janitor
// immediately; callers should call ShutdownFunc when done to stop it and
// flush telemetry.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, Version)
	if err != nil {
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	solver := botguard.NewGojaSolver()

	mgr := session.New(session.Config{
		SafetyMargin:     cfg.SafetyMargin,
		TokenTTL:         cfg.TokenTTL,
		VMTimeout:        cfg.VMTimeout,
		MaxVMTimeout:     cfg.MaxVMTimeout,
		ChallengeTimeout: cfg.ChallengeTimeout,
		MaxPOTEntries:    cfg.MaxPOTEntries,
		CacheDir:         cfg.CacheDir,
	}, solver)

	h := handlers.New(mgr, Version)
	router := api.NewRouter(h, cfg.RequestTimeout)

	janitorCtx, cancel := context.WithCancel(ctx)
	janitor := retention.New(cfg.SafetyMargin, mgr.Sweepers()...)
	go janitor.Run(janitorCtx)

	srv := &Server{
		Handler:       router,
		Host:          cfg.Host,
		Port:          cfg.Port,
		cancelJanitor: cancel,
	}
	srv.ShutdownFunc = func(shutdownCtx context.Context) error {
		cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server: telemetry shutdown failed")
		}
		return nil
	}

	return srv, nil
}

// Addr formats the listen address for net/http.Server.
func (s *Server) Addr() string {
	if strings.Contains(s.Host, ":") {
		return fmt.Sprintf("[%s]:%d", s.Host, s.Port)
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
