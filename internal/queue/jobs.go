package queue

import "time"

// Queue names. Each queue is its own JetStream stream with an independent
// worker pool.
const (
	QueueIngestion = "ingestion"
	QueueAnalytics = "analytics"
	QueueAI        = "ai"
)

// Stream and subject layout. One stream per queue keeps retention and
// consumer policy independent.
const (
	StreamIngestion = "MAIL_INGESTION"
	StreamAnalytics = "MAIL_ANALYTICS"
	StreamAI        = "MAIL_AI"

	SubjectIngestion = "jobs.ingestion"
	SubjectAnalytics = "jobs.analytics"
	SubjectAI        = "jobs.ai"
)

// IngestionJob asks a worker to sync one mailbox.
type IngestionJob struct {
	MailboxID string `json:"mailboxId"`
	IsInitial bool   `json:"isInitial"`
}

// AnalyticsJob asks a worker to compute one metric for one organization
// and day.
type AnalyticsJob struct {
	OrganizationID string `json:"organizationId"`
	Date           string `json:"date"`
	Metric         string `json:"metric"`
}

// AIJob asks a worker to run one analysis over one message's content.
type AIJob struct {
	MessageID    string `json:"messageId"`
	AnalysisType string `json:"analysisType"`
	Content      string `json:"content"`
}

// dedupeBucket coarsens publish time so retried enqueues of the same job
// inside the window collapse into one delivery.
func dedupeBucket(t time.Time) string {
	return t.UTC().Truncate(5 * time.Minute).Format("200601021504")
}
