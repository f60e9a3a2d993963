package model

import (
	"strings"
	"time"
)

// Provider identifies the mail provider a mailbox belongs to.
type Provider string

const (
	ProviderGmail   Provider = "GMAIL"
	ProviderOutlook Provider = "OUTLOOK"
)

// SyncState is the coordinator-visible state of a mailbox.
type SyncState string

const (
	SyncStateIdle             SyncState = "IDLE"
	SyncStateBackfilling      SyncState = "BACKFILLING"
	SyncStateIncremental      SyncState = "INCREMENTAL"
	SyncStateWebhookTriggered SyncState = "WEBHOOK_TRIGGERED"
	SyncStateError            SyncState = "ERROR"
)

// Mailbox is a connected inbox. Created externally on OAuth completion;
// this core only mutates its cursor, state and activity flags.
type Mailbox struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Provider       Provider  `json:"provider"`
	EmailAddress   string    `json:"email_address"`
	TokenBlob      string    `json:"-"` // opaque OAuth token JSON, format owned by the auth layer
	SyncCursor     string    `json:"sync_cursor"`
	SyncState      SyncState `json:"sync_state"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	LastError      string    `json:"last_error,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// NormalizedMessage is the canonical message shape shared by both providers.
// MessageID is unique per mailbox; Fingerprint detects duplicates across
// distinct provider ids.
type NormalizedMessage struct {
	MailboxID     string    `json:"mailbox_id"`
	MessageID     string    `json:"message_id"`
	ThreadID      string    `json:"thread_id"`
	Subject       string    `json:"subject"`
	From          string    `json:"from"`
	To            []string  `json:"to"`
	Cc            []string  `json:"cc,omitempty"`
	Bcc           []string  `json:"bcc,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	SentAt        time.Time `json:"sent_at"`
	Size          int64     `json:"size"`
	HasAttachment bool      `json:"has_attachment"`
	IsRead        bool      `json:"is_read"`
	IsImportant   bool      `json:"is_important"`
	Labels        []string  `json:"labels,omitempty"`
	Snippet       string    `json:"snippet"`
	Fingerprint   string    `json:"fingerprint"`
}

// IsSent reports whether the message was sent from one of the given
// mailbox-owned addresses.
func (m *NormalizedMessage) IsSent(ownAddresses map[string]bool) bool {
	return ownAddresses[normalizeAddr(m.From)]
}

// Thread aggregates messages sharing a provider thread id within one mailbox.
// MessageCount never decreases.
type Thread struct {
	MailboxID     string    `json:"mailbox_id"`
	ThreadID      string    `json:"thread_id"`
	Subject       string    `json:"subject"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	// ResponseTime is the minutes between a received message and the next
	// sent message in the same thread; 0 when no response pair exists yet.
	ResponseTime float64 `json:"response_time"`
	// LastInboundAt tracks the pending unanswered inbound message, cleared
	// once a sent message answers it.
	LastInboundAt time.Time `json:"-"`
}

// Contact is a per-mailbox identity keyed by lowercased email address.
// Updated by the aggregator, never by connectors.
type Contact struct {
	MailboxID       string    `json:"mailbox_id"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	Domain          string    `json:"domain"`
	ContactCount    int       `json:"contact_count"`
	LastContactedAt time.Time `json:"last_contacted_at"`
	AvgResponseTime float64   `json:"avg_response_time"`
	HealthScore     int       `json:"health_score"`
}

// Metric names for analytics aggregates.
const (
	MetricVolume        = "volume"
	MetricResponseTime  = "response_time"
	MetricContactHealth = "contact_health"
)

// AnalyticsAggregate is one computed value keyed by (organization, date,
// metric). Recomputation overwrites, never increments.
type AnalyticsAggregate struct {
	OrganizationID string    `json:"organization_id"`
	Date           string    `json:"date"` // YYYY-MM-DD
	Metric         string    `json:"metric"`
	Value          string    `json:"value"` // JSON document, shape depends on metric
	ComputedAt     time.Time `json:"computed_at"`
}

// FailedJob records a queue job that exhausted its retries, for operator
// visibility.
type FailedJob struct {
	ID        int64     `json:"id"`
	Queue     string    `json:"queue"`
	JobType   string    `json:"job_type"`
	Payload   string    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

func normalizeAddr(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
