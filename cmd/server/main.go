package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/assistant-sessions/internal/chat"
	"github.com/suPer8Hu/assistant-sessions/internal/config"
	"github.com/suPer8Hu/assistant-sessions/internal/db"
	"github.com/suPer8Hu/assistant-sessions/internal/httpapi"
	"github.com/suPer8Hu/assistant-sessions/internal/httpapi/handlers"
	"github.com/suPer8Hu/assistant-sessions/internal/logging"
	"github.com/suPer8Hu/assistant-sessions/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("component", "server").Logger()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connect failed")
	}
	if cfg.DBAutoMigrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("Database migrate failed")
		}
	}

	svc := chat.NewService(chat.NewRepo(gdb), chat.Options{
		ReuseWindow:  cfg.SessionReuseWindow,
		HistoryTurns: cfg.HistoryMaxTurns,
		Logger:       &log,
	})
	caps := svc.Probe(ctx)
	log.Info().
		Bool("sessions_table", caps.SessionsTable).
		Bool("turns_table", caps.TurnsTable).
		Bool("identity_columns", caps.SessionIdentityColumns).
		Msg("Conversation schema probed")

	var reconciler handlers.ReconcileEnqueuer
	if cfg.ReconcileMode == config.ReconcileQueue {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("RabbitMQ publisher init failed")
		}
		defer pub.Close()
		reconciler = pub
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, svc, reconciler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("HTTP server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Err(err).Msg("HTTP server shutdown failed")
	}
}
