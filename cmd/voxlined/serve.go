package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/voxline/voxline/internal/badgerstore"
	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/metrics"
	"github.com/voxline/voxline/internal/signalhttp"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the call record server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log := newLogger(cfg)

	commit, when := resolveBuildInfo(buildCommit, buildTime)
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Dur("ringing_timeout", cfg.RingingTimeout).
		Dur("recovery_window", cfg.RecoveryWindow).
		Int("dials_per_second", cfg.DialsPerSecond).
		Bool("api_key_set", cfg.APIKey != "").
		Str("commit", orUnknown(commit)).
		Str("built", orUnknown(when)).
		Msg("starting voxlined")

	logStartupWarnings(log, cfg)

	iceServers, err := cfg.ICEServers()
	if err != nil {
		return err
	}

	met := metrics.New()

	store, err := badgerstore.Open(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing store failed")
		}
	}()

	handler := signalhttp.NewServer(signalhttp.ServerConfig{
		Store:                   store,
		Logger:                  log,
		Metrics:                 met,
		APIKey:                  cfg.APIKey,
		DialsPerSecond:          cfg.DialsPerSecond,
		MaxTrackedParties:       cfg.MaxTrackedParties,
		SubscribeMsgsPerSecond:  cfg.SubscribeMsgsPerSecond,
		SubscribeBytesPerSecond: cfg.SubscribeBytesPerSecond,
		ICEServers:              iceServers,
	}).Handler()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(cfg.Level()).With().Timestamp().Logger()
}
