package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/inboxpulse/mail-infra/internal/analytics"
	"github.com/inboxpulse/mail-infra/internal/apperr"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

// IngestionHandler decodes ingestion jobs and runs the sync pass. The pass
// is idempotent end to end, so a redelivered job for an already-synced
// mailbox is just a cheap no-op sync.
func IngestionHandler(coord *syncer.Coordinator, log zerolog.Logger) Handler {
	log = log.With().Str("handler", "ingestion").Logger()
	return func(ctx context.Context, data []byte) error {
		var job IngestionJob
		if err := json.Unmarshal(data, &job); err != nil {
			return apperr.Parse("ingestion_job", err)
		}
		if job.MailboxID == "" {
			return apperr.Parse("ingestion_job", fmt.Errorf("job missing mailbox id"))
		}

		res, err := coord.SyncMailbox(ctx, job.MailboxID, syncer.TriggerCron)
		if err != nil {
			return err
		}
		if res != nil && len(res.Errors) > 0 {
			log.Warn().Str("mailbox", job.MailboxID).Str("item_errors", syncer.FormatItemErrors(res.Errors)).Msg("sync completed with item errors")
		}
		return nil
	}
}

// AnalyticsHandler decodes analytics jobs and recomputes one aggregate.
// Aggregate writes are upserts, so redelivery recomputes the same value.
func AnalyticsHandler(agg *analytics.Aggregator) Handler {
	return func(ctx context.Context, data []byte) error {
		var job AnalyticsJob
		if err := json.Unmarshal(data, &job); err != nil {
			return apperr.Parse("analytics_job", err)
		}
		if job.OrganizationID == "" || job.Date == "" || job.Metric == "" {
			return apperr.Parse("analytics_job", fmt.Errorf("job missing organization, date or metric"))
		}
		return agg.Run(ctx, job.OrganizationID, job.Date, job.Metric)
	}
}

// Tagger analyzes message content out of band. The sync core only enqueues
// and dispatches; real model calls live behind this interface.
type Tagger interface {
	Tag(ctx context.Context, messageID, analysisType, content string) error
}

// NoopTagger acknowledges tagging jobs without doing work. Used until a
// real analysis backend is configured.
type NoopTagger struct {
	Log zerolog.Logger
}

func (t NoopTagger) Tag(ctx context.Context, messageID, analysisType, content string) error {
	t.Log.Debug().Str("message", messageID).Str("analysis", analysisType).Msg("tagging backend not configured, dropping job")
	return nil
}

// AIHandler decodes AI jobs and hands them to the tagger.
func AIHandler(tagger Tagger) Handler {
	return func(ctx context.Context, data []byte) error {
		var job AIJob
		if err := json.Unmarshal(data, &job); err != nil {
			return apperr.Parse("ai_job", err)
		}
		if job.MessageID == "" {
			return apperr.Parse("ai_job", fmt.Errorf("job missing message id"))
		}
		return tagger.Tag(ctx, job.MessageID, job.AnalysisType, job.Content)
	}
}
