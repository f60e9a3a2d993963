package store

import (
	"context"
	"errors"
	"time"

	"github.com/inboxpulse/mail-infra/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// WriteResult reports what an UpsertMessage actually did, so callers can
// distinguish new rows from absorbed duplicates.
type WriteResult int

const (
	WriteAdded WriteResult = iota
	WriteUpdated
	WriteDuplicate
)

// Store is the narrow persistence contract this core requires. Two
// implementations exist: sqlite (durable) and memory (tests). Selection is
// explicit configuration, never runtime probing.
type Store interface {
	// Mailboxes
	GetMailbox(ctx context.Context, id string) (*model.Mailbox, error)
	ListActiveMailboxes(ctx context.Context) ([]*model.Mailbox, error)
	ListMailboxesByOrganization(ctx context.Context, orgID string) ([]*model.Mailbox, error)
	ListOrganizations(ctx context.Context) ([]string, error)
	UpsertMailbox(ctx context.Context, mb *model.Mailbox) error
	SetMailboxState(ctx context.Context, id string, state model.SyncState, lastError string) error

	// CompareAndSwapCursor atomically advances a mailbox's cursor only when
	// it still holds prev. Returns false when another sync advanced it first.
	CompareAndSwapCursor(ctx context.Context, mailboxID, prev, next string) (bool, error)

	// Messages. UpsertMessage enforces the dedup invariant: a second write
	// with a known (mailboxID, messageID) or a colliding fingerprint is a
	// no-op reported as WriteDuplicate.
	UpsertMessage(ctx context.Context, msg *model.NormalizedMessage) (WriteResult, error)
	GetMessage(ctx context.Context, mailboxID, messageID string) (*model.NormalizedMessage, error)
	ListMessagesByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*model.NormalizedMessage, error)
	ListRecentMessagesByContact(ctx context.Context, mailboxID, email string, limit int) ([]*model.NormalizedMessage, error)

	// Threads
	GetThread(ctx context.Context, mailboxID, threadID string) (*model.Thread, error)
	UpsertThread(ctx context.Context, th *model.Thread) error
	ListThreadsByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*model.Thread, error)

	// Contacts
	GetContact(ctx context.Context, mailboxID, email string) (*model.Contact, error)
	UpsertContact(ctx context.Context, c *model.Contact) error
	ListContactsByOrganization(ctx context.Context, orgID string) ([]*model.Contact, error)

	// Aggregates, upsert keyed by (organizationID, date, metric).
	UpsertAggregate(ctx context.Context, agg *model.AnalyticsAggregate) error
	GetAggregate(ctx context.Context, orgID, date, metric string) (*model.AnalyticsAggregate, error)
	ListAggregates(ctx context.Context, orgID, metric, fromDate, toDate string) ([]*model.AnalyticsAggregate, error)

	// Terminal queue failures, surfaced to operators.
	RecordFailedJob(ctx context.Context, fj *model.FailedJob) error
	ListFailedJobs(ctx context.Context, limit int) ([]*model.FailedJob, error)

	Close() error
}
