// bgutil-pot-broker — a long-running BotGuard Proof-of-Origin Token broker.
//
// It mediates between a YouTube downloader client and Google's BotGuard
// challenge/response machinery: clients submit a content binding and
// receive a short-lived token, while the broker caches aggressively to
// avoid redundant attestation work.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/bgutil-pot-broker/internal/config"
	"github.com/agentoven/bgutil-pot-broker/pkg/server"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
)

func main() {
	flags := config.Flags{}

	root := &cobra.Command{
		Use:   "bgutil-pot-broker",
		Short: "BotGuard Proof-of-Origin Token broker",
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the token broker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runServer(flags))
			return nil
		},
	}

	serverCmd.Flags().StringVar(&flags.Host, "host", "", "listen host (default ::)")
	serverCmd.Flags().IntVar(&flags.Port, "port", 0, "listen port (default 4416)")
	serverCmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to a YAML configuration file")
	serverCmd.Flags().BoolVar(&flags.Verbose, "verbose", false, "enable debug logging")
	serverCmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(serverCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func runServer(flags config.Flags) int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(flags)
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return exitConfigError
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Msg("bgutil-pot-broker starting")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize server")
		return exitConfigError
	}
	defer srv.ShutdownFunc(ctx)

	listener, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		log.Error().Err(err).Str("addr", srv.Addr()).Msg("failed to bind listen address")
		return exitBindFailure
	}

	httpServer := &http.Server{
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr()).Msg("bgutil-pot-broker ready")

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server failed")
		return exitConfigError
	}
	return exitOK
}
