package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Queue wraps NATS JetStream as the job transport for the three worker
// pools. Publishes carry a message id so JetStream's duplicate window
// absorbs double enqueues.
type Queue struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log zerolog.Logger
}

// Connect dials NATS and binds a JetStream context.
func Connect(url string, log zerolog.Logger) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Queue{
		nc:  nc,
		js:  js,
		log: log.With().Str("component", "queue").Logger(),
	}, nil
}

// EnsureStreams creates the three job streams if they do not exist.
func (q *Queue) EnsureStreams(ctx context.Context) error {
	streams := []struct {
		name    string
		subject string
	}{
		{StreamIngestion, SubjectIngestion},
		{StreamAnalytics, SubjectAnalytics},
		{StreamAI, SubjectAI},
	}

	for _, s := range streams {
		if info, err := q.js.StreamInfo(s.name); err == nil && info != nil {
			continue
		}
		_, err := q.js.AddStream(&nats.StreamConfig{
			Name:       s.name,
			Subjects:   []string{s.subject},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     7 * 24 * time.Hour,
		})
		if err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				continue
			}
			return fmt.Errorf("create stream %s: %w", s.name, err)
		}
		q.log.Info().Str("stream", s.name).Msg("created job stream")
	}
	return nil
}

func (q *Queue) publish(subject string, payload any, msgID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.js.Publish(subject, data, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// EnqueueIngestion schedules a sync pass for one mailbox.
func (q *Queue) EnqueueIngestion(ctx context.Context, mailboxID string, isInitial bool) error {
	msgID := fmt.Sprintf("ingestion:%s:%s", mailboxID, dedupeBucket(time.Now()))
	return q.publish(SubjectIngestion, IngestionJob{MailboxID: mailboxID, IsInitial: isInitial}, msgID)
}

// EnqueueAnalytics schedules one metric computation for an organization
// and day.
func (q *Queue) EnqueueAnalytics(ctx context.Context, organizationID, date, metric string) error {
	msgID := fmt.Sprintf("analytics:%s:%s:%s:%s", organizationID, date, metric, dedupeBucket(time.Now()))
	return q.publish(SubjectAnalytics, AnalyticsJob{
		OrganizationID: organizationID,
		Date:           date,
		Metric:         metric,
	}, msgID)
}

// EnqueueAITag schedules one content analysis. The message id alone is the
// dedupe key; re-analyzing the same message is never useful.
func (q *Queue) EnqueueAITag(ctx context.Context, messageID, analysisType, content string) error {
	msgID := fmt.Sprintf("ai:%s:%s", messageID, analysisType)
	return q.publish(SubjectAI, AIJob{
		MessageID:    messageID,
		AnalysisType: analysisType,
		Content:      content,
	}, msgID)
}

// Close drains the connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}
