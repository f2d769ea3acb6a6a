package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/gridworx/helios-client-sub002/internal/api"
	"github.com/gridworx/helios-client-sub002/internal/config"
	"github.com/gridworx/helios-client-sub002/internal/executor"
	"github.com/gridworx/helios-client-sub002/internal/handlers/script"
	"github.com/gridworx/helios-client-sub002/internal/handlers/webhook"
	"github.com/gridworx/helios-client-sub002/internal/lifecycle"
	"github.com/gridworx/helios-client-sub002/internal/scheduler"
	"github.com/gridworx/helios-client-sub002/internal/store"
	"github.com/gridworx/helios-client-sub002/internal/timeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	// Handler registry, populated once at startup. Unknown step names at
	// execution time are surfaced as configuration errors, not handler
	// failures.
	registry := executor.NewRegistry()
	switch {
	case cfg.WebhookEndpoint != "":
		registry.RegisterAll(webhook.New(cfg.WebhookEndpoint, cfg.StepTimeout))
		log.Info().Str("endpoint", cfg.WebhookEndpoint).Msg("steps dispatched to provisioning webhook")
	case cfg.ScriptPath != "":
		registry.RegisterAll(script.New(cfg.ScriptPath))
		log.Info().Str("script", cfg.ScriptPath).Msg("steps dispatched to provisioning script")
	default:
		log.Warn().Msg("no step handlers configured; every due action will fail with a configuration error")
	}

	resolver := timeline.New(cfg.Location(), cfg.DueHour)
	exec := executor.New(repo, registry, cfg.StepTimeout)
	svc := lifecycle.NewService(repo, exec, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	loop := scheduler.New(repo, exec, resolver, cfg.PollInterval, cfg.BatchSize, cfg.Workers)
	go loop.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(svc, repo)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
