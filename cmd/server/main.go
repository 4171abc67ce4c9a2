package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"

	router "github.com/dkeye/Callbox/internal/adapters/http"
	wssignal "github.com/dkeye/Callbox/internal/adapters/signal"
	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/app/orch"
	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	clock := clockwork.NewRealClock()
	reg := app.NewRegistry()
	outbox := app.NewOutbox(reg, app.SimplePolicy{})
	tokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	calls := app.NewCallCoordinator(backend, backend, reg, outbox,
		app.WithClock(clock),
		app.WithRingTimeout(cfg.Calls.RingTimeout),
	)

	o := &orch.Orchestrator{
		Registry:      reg,
		Gate:          app.NewGate(tokens, backend, reg, clock),
		Outbox:        outbox,
		Router:        app.NewSignalRouter(reg, calls, outbox, cfg.Signal.ValidateSDP),
		Calls:         calls,
		Notifier:      app.NewNotifier(backend, backend, reg, outbox, clock, cfg.Notify.Concurrency),
		Conversations: backend,
	}

	ctl := wssignal.NewSignalWSController(o,
		wssignal.NewCallRateLimiter(cfg.Calls.InitiateLimit, cfg.Calls.InitiateWindow, clock),
		wssignal.Options{
			ReadLimit:    cfg.ReadLimit,
			PingPeriod:   cfg.PingPeriod,
			WriteTimeout: cfg.WriteTimeout,
			SendBuffer:   cfg.SendBuffer,
		},
	)

	r := router.SetupRouter(ctx, cfg, router.Deps{Orch: o, Signal: ctl, Notifications: backend})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Callbox server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
