package sync

import (
	"context"

	"github.com/inboxpulse/mail-infra/internal/model"
)

// Paging limits shared by both provider variants. The backfill cap bounds
// worst-case cost for a newly connected mailbox; older history is never
// fetched by this core.
const (
	PageSize    = 100
	BackfillCap = 1000
)

// SyncResult reports what one connector pass did. Per-item failures are
// accumulated in Errors; a single bad message never aborts the page.
type SyncResult struct {
	Success           bool     `json:"success"`
	MessagesProcessed int      `json:"messages_processed"`
	MessagesAdded     int      `json:"messages_added"`
	MessagesUpdated   int      `json:"messages_updated"`
	Errors            []string `json:"errors,omitempty"`
	// NextCursor is advanced even on partial failure so a retry resumes
	// rather than restarts. Opaque, provider-specific.
	NextCursor string `json:"next_cursor"`
	// Backfilled reports that the pass ran the backfill path, including an
	// IncrementalSync call that resumed an unfinished backfill from its
	// cursor. Follow-up work keyed to backfills checks this, not the cursor.
	Backfilled bool `json:"backfilled,omitempty"`
}

// MessageSink receives each normalized message as a connector fetches it.
// It reports whether the message was newly added (duplicates are absorbed
// at the persistence boundary and report false).
type MessageSink func(ctx context.Context, msg *model.NormalizedMessage) (added bool, err error)

// Connector is the capability set implemented per provider. Authenticate
// must be called before any other operation in the same call; it validates
// the stored token and may refresh the session once.
type Connector interface {
	Provider() model.Provider

	Authenticate(ctx context.Context) error

	// InitialBackfill fetches messages in descending pages of PageSize up
	// to BackfillCap total, feeding each normalized message to sink.
	InitialBackfill(ctx context.Context, cursor string, sink MessageSink) (*SyncResult, error)

	// IncrementalSync fetches only messages newer than a provider-appropriate
	// recency window, starting from cursor. Designed to run frequently and
	// cheaply.
	IncrementalSync(ctx context.Context, cursor string, sink MessageSink) (*SyncResult, error)

	// SubscribeWebhook registers push notifications delivered to url.
	// Subscription state is provider-side; only success is reported.
	SubscribeWebhook(ctx context.Context, url string) (bool, error)
	UnsubscribeWebhook(ctx context.Context) (bool, error)
}

// ConnectorFactory builds a connector for a mailbox's provider using its
// stored token blob.
type ConnectorFactory func(ctx context.Context, mb *model.Mailbox) (Connector, error)
