package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

// Handler processes one job payload. A nil return acks the job; a
// retryable error schedules redelivery with backoff; a non-retryable error
// or exhausted attempts records a terminal failure.
type Handler func(ctx context.Context, data []byte) error

// Pool runs a fixed number of workers pulling from one queue's durable
// consumer. Shutdown is cooperative: cancel the context handed to Run and
// in-flight jobs finish before the workers exit.
type Pool struct {
	queue       *Queue
	store       store.Store
	name        string
	stream      string
	subject     string
	workers     int
	maxAttempts int
	handler     Handler
	log         zerolog.Logger
}

// NewPool wires a worker pool to a queue. name selects the stream and
// subject and doubles as the durable consumer name.
func NewPool(q *Queue, st store.Store, name string, workers, maxAttempts int, handler Handler, log zerolog.Logger) (*Pool, error) {
	var stream, subject string
	switch name {
	case QueueIngestion:
		stream, subject = StreamIngestion, SubjectIngestion
	case QueueAnalytics:
		stream, subject = StreamAnalytics, SubjectAnalytics
	case QueueAI:
		stream, subject = StreamAI, SubjectAI
	default:
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		queue:       q,
		store:       st,
		name:        name,
		stream:      stream,
		subject:     subject,
		workers:     workers,
		maxAttempts: maxAttempts,
		handler:     handler,
		log:         log.With().Str("component", "worker_pool").Str("queue", name).Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, then drains and returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.runWorker(ctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, worker int) error {
	durable := "workers-" + p.name
	sub, err := p.queue.js.PullSubscribe(p.subject, durable,
		nats.BindStream(p.stream),
		nats.AckExplicit(),
		nats.AckWait(2*time.Minute),
		nats.MaxDeliver(p.maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.name, err)
	}
	defer sub.Unsubscribe()

	log := p.log.With().Int("worker", worker).Logger()
	log.Debug().Msg("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug().Msg("worker draining")
			return nil
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn().Err(err).Msg("fetch failed")
			continue
		}

		for _, msg := range msgs {
			p.process(ctx, log, msg)
		}
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, msg *nats.Msg) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	err := p.handler(ctx, msg.Data)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn().Err(ackErr).Msg("ack failed")
		}
		return
	}

	if apperr.IsRetryable(err) && attempt < p.maxAttempts {
		delay := backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("job failed, scheduling retry")
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			log.Warn().Err(nakErr).Msg("nak failed")
		}
		return
	}

	// Terminal: either non-retryable or out of attempts. Surface it, then
	// take the message off the queue.
	log.Error().Err(err).Int("attempt", attempt).Msg("job failed permanently")
	if recErr := p.store.RecordFailedJob(ctx, &model.FailedJob{
		Queue:     p.name,
		JobType:   p.subject,
		Payload:   string(msg.Data),
		Attempts:  attempt,
		LastError: err.Error(),
		FailedAt:  time.Now().UTC(),
	}); recErr != nil {
		log.Error().Err(recErr).Msg("failed to record terminal job failure")
	}
	if termErr := msg.Term(); termErr != nil {
		log.Warn().Err(termErr).Msg("term failed")
	}
}

// backoff doubles per attempt from 30s, capped at 15 minutes.
func backoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}
