package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/assistant-sessions/internal/chat"
	"github.com/suPer8Hu/assistant-sessions/internal/config"
	"github.com/suPer8Hu/assistant-sessions/internal/db"
	"github.com/suPer8Hu/assistant-sessions/internal/logging"
	"github.com/suPer8Hu/assistant-sessions/internal/store/rabbitmq"
	"github.com/suPer8Hu/assistant-sessions/internal/store/redisstore"
)

const sweepLeaseKey = "assistant:reconcile:sweep"

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

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
	if caps := svc.Probe(ctx); !caps.Ready() {
		log.Warn().Interface("schema", caps).Msg("Conversation tables missing at startup")
	}

	var wg sync.WaitGroup

	sched := startSweeper(ctx, cfg, svc, log)

	if cfg.RabbitURL != "" && cfg.ReconcileMode == config.ReconcileQueue {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consume(ctx, cfg, svc, log); err != nil {
				log.Err(err).Msg("Reconcile consumer stopped")
				stop()
			}
		}()
	}

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Str("mode", cfg.ReconcileMode).
		Int("concurrency", cfg.WorkerConcurrency).
		Str("schedule", cfg.ReconcileCron).
		Msg("Worker started")

	<-ctx.Done()
	log.Info().Msg("Worker shutting down")
	if sched != nil {
		<-sched.Stop().Done()
	}
	wg.Wait()
}

// startSweeper schedules the global stale-turn sweep. Only the instance
// holding the Redis lease runs a given tick.
func startSweeper(ctx context.Context, cfg config.Config, svc *chat.Service, log zerolog.Logger) *cron.Cron {
	if strings.TrimSpace(cfg.ReconcileCron) == "" || cfg.ReconcileCron == "off" {
		return nil
	}

	leases := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := leases.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable; sweeps will run without a lease")
		_ = leases.Close()
		leases = nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(cfg.ReconcileCron, func() {
		sweepOnce(ctx, cfg, svc, leases, log)
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReconcileCron).Msg("Invalid reconcile schedule")
	}
	c.Start()
	return c
}

func sweepOnce(ctx context.Context, cfg config.Config, svc *chat.Service, leases *redisstore.Store, log zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	if leases != nil {
		token := ulid.Make().String()
		lease, err := leases.AcquireLease(ctx, sweepLeaseKey, token, 4*time.Minute)
		if err != nil {
			log.Warn().Err(err).Msg("Sweep lease acquire failed")
			return
		}
		if lease == nil {
			log.Debug().Msg("Sweep lease held elsewhere, skipping")
			return
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Sweep lease release failed")
			}
		}()
	}

	n, err := svc.SweepStaleTurns(ctx, cfg.ReconcileOlderThan, cfg.ReconcileSweepUsers, cfg.ReconcileLimit)
	if err != nil {
		log.Err(err).Int("reconciled", n).Dur("cost", time.Since(start)).Msg("Sweep failed")
		return
	}
	log.Info().Int("reconciled", n).Dur("cost", time.Since(start)).Msg("Sweep finished")
}

// consume runs a fixed pool of workers over per-user reconcile requests.
// Bad messages go to the dead-letter queue; a failed reconcile is retried
// once before it is dead-lettered.
func consume(ctx context.Context, cfg config.Config, svc *chat.Service, log zerolog.Logger) error {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		return err
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				handleDelivery(ctx, svc, cfg, wlog, d)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, svc *chat.Service, cfg config.Config, log zerolog.Logger, d amqp.Delivery) {
	m, err := rabbitmq.DecodeReconcile(d.Body)
	if err != nil || strings.TrimSpace(m.UserID) == "" {
		log.Warn().Err(err).Msg("Bad reconcile message")
		_ = d.Nack(false, false)
		return
	}

	// Shutting down: hand buffered work back to the broker.
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	start := time.Now()
	n, err := svc.ReconcileStaleTurns(ctx, m.UserID, cfg.ReconcileOlderThan, cfg.ReconcileLimit)
	if err != nil {
		requeue := ctx.Err() != nil || !d.Redelivered
		log.Err(err).
			Str("user_id", m.UserID).
			Bool("requeue", requeue).
			Dur("cost", time.Since(start)).
			Msg("Reconcile failed")
		_ = d.Nack(false, requeue)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Str("user_id", m.UserID).Msg("Ack failed")
		return
	}
	if lag := time.Since(m.RequestedAt); n > 0 || lag > time.Minute {
		log.Debug().Str("user_id", m.UserID).Int("reconciled", n).Dur("lag", lag).Msg("Reconcile request handled")
	}
}
