package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

// Enqueuer is the queue surface the scheduler drives.
type Enqueuer interface {
	EnqueueIngestion(ctx context.Context, mailboxID string, isInitial bool) error
	EnqueueAnalytics(ctx context.Context, organizationID, date, metric string) error
}

// Scheduler enqueues recurring work: ingestion sweeps for all active
// mailboxes on a fixed interval, and a daily analytics sweep for every
// organization. It only enqueues; the worker pools do the work.
type Scheduler struct {
	store             store.Store
	queue             Enqueuer
	ingestionInterval time.Duration
	analyticsHour     int
	log               zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(st store.Store, queue Enqueuer, ingestionInterval time.Duration, analyticsHour int, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:             st,
		queue:             queue,
		ingestionInterval: ingestionInterval,
		analyticsHour:     analyticsHour,
		log:               log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the timer loops. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
	s.log.Info().Dur("ingestion_interval", s.ingestionInterval).Int("analytics_hour", s.analyticsHour).Msg("scheduler started")
}

// Stop halts the timer loops and waits for them to exit. In-flight jobs
// already enqueued are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	ingestTicker := time.NewTicker(s.ingestionInterval)
	defer ingestTicker.Stop()

	analyticsTimer := time.NewTimer(untilHour(time.Now(), s.analyticsHour))
	defer analyticsTimer.Stop()

	// An immediate sweep on startup covers mailboxes that missed ticks
	// while the process was down.
	s.SweepIngestion(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ingestTicker.C:
			s.SweepIngestion(ctx)
		case <-analyticsTimer.C:
			s.SweepAnalytics(ctx, time.Now())
			analyticsTimer.Reset(untilHour(time.Now(), s.analyticsHour))
		}
	}
}

// SweepIngestion enqueues a sync job for every active, non-errored mailbox.
func (s *Scheduler) SweepIngestion(ctx context.Context) {
	mbs, err := s.store.ListActiveMailboxes(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("ingestion sweep: listing mailboxes failed")
		return
	}

	enqueued := 0
	for _, mb := range mbs {
		if mb.SyncState == model.SyncStateError {
			// Stays excluded until credentials are restored externally.
			continue
		}
		if err := s.queue.EnqueueIngestion(ctx, mb.ID, mb.SyncCursor == ""); err != nil {
			s.log.Error().Err(err).Str("mailbox", mb.ID).Msg("ingestion sweep: enqueue failed")
			continue
		}
		enqueued++
	}
	s.log.Info().Int("mailboxes", enqueued).Msg("ingestion sweep enqueued")
}

// SweepAnalytics enqueues every metric for every organization for the
// given day.
func (s *Scheduler) SweepAnalytics(ctx context.Context, now time.Time) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("analytics sweep: listing organizations failed")
		return
	}

	date := now.UTC().Format("2006-01-02")
	for _, org := range orgs {
		for _, metric := range []string{model.MetricVolume, model.MetricResponseTime, model.MetricContactHealth} {
			if err := s.queue.EnqueueAnalytics(ctx, org, date, metric); err != nil {
				s.log.Error().Err(err).Str("organization", org).Str("metric", metric).Msg("analytics sweep: enqueue failed")
			}
		}
	}
	s.log.Info().Int("organizations", len(orgs)).Str("date", date).Msg("analytics sweep enqueued")
}

// untilHour returns the duration until the next occurrence of hour o'clock.
func untilHour(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
