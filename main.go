package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inboxpulse/mail-infra/internal/analytics"
	"github.com/inboxpulse/mail-infra/internal/config"
	"github.com/inboxpulse/mail-infra/internal/logging"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/providers/gmail"
	"github.com/inboxpulse/mail-infra/internal/providers/outlook"
	"github.com/inboxpulse/mail-infra/internal/queue"
	"github.com/inboxpulse/mail-infra/internal/scheduler"
	"github.com/inboxpulse/mail-infra/internal/store/sqlite"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.Environment == "development")

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data directory")
	}

	st, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open sqlite store")
	}
	defer st.Close()

	q, err := queue.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := q.EnsureStreams(ctx); err != nil {
		log.Fatal().Err(err).Msg("ensure job streams")
	}

	factory := func(ctx context.Context, mb *model.Mailbox) (syncer.Connector, error) {
		switch mb.Provider {
		case model.ProviderGmail:
			return gmail.New(ctx, mb, cfg.GmailTopicName, log)
		case model.ProviderOutlook:
			return outlook.New(ctx, mb, log)
		default:
			return nil, fmt.Errorf("unknown provider %q", mb.Provider)
		}
	}

	coord := syncer.NewCoordinator(st, q, factory, cfg.AITagRate, log)
	agg := analytics.New(st, log)

	pools := make([]*queue.Pool, 0, 3)
	for _, spec := range []struct {
		name    string
		workers int
		handler queue.Handler
	}{
		{queue.QueueIngestion, cfg.IngestionWorkers, queue.IngestionHandler(coord, log)},
		{queue.QueueAnalytics, cfg.AnalyticsWorkers, queue.AnalyticsHandler(agg)},
		{queue.QueueAI, cfg.AIWorkers, queue.AIHandler(queue.NoopTagger{Log: log})},
	} {
		pool, err := queue.NewPool(q, st, spec.name, spec.workers, cfg.JobMaxAttempts, spec.handler, log)
		if err != nil {
			log.Fatal().Err(err).Str("queue", spec.name).Msg("create worker pool")
		}
		pools = append(pools, pool)
	}

	sched := scheduler.New(st, q, cfg.IngestionInterval, cfg.AnalyticsHour, log)
	sched.Start(ctx)
	defer sched.Stop()

	router := buildRouter(cfg, log, st, coord, agg)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range pools {
		p := pool
		g.Go(func() error { return p.Run(ctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("shutdown with error")
	}
	log.Info().Msg("shutdown complete")
}
