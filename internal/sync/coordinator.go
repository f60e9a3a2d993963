package sync

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

// Trigger identifies what started a sync pass.
type Trigger string

const (
	TriggerCron    Trigger = "cron"
	TriggerWebhook Trigger = "webhook"
	TriggerManual  Trigger = "manual"
)

// JobEnqueuer is the queue-side contract the coordinator needs. Implemented
// by the JetStream publisher.
type JobEnqueuer interface {
	EnqueueAnalytics(ctx context.Context, organizationID, date, metric string) error
	EnqueueAITag(ctx context.Context, messageID, analysisType, content string) error
}

// WebhookEvent is a provider push notification routed to a mailbox.
type WebhookEvent struct {
	Type      string    `json:"type"`
	MailboxID string    `json:"mailboxId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator runs the per-mailbox sync state machine: backfill on first
// sync, incremental afterwards, webhook-triggered out of band. Cursor
// updates go through a per-mailbox lock plus a store-level compare-and-swap
// so concurrent cron and webhook syncs cannot corrupt each other.
type Coordinator struct {
	store     store.Store
	queue     JobEnqueuer
	factory   ConnectorFactory
	aiLimiter *rate.Limiter
	log       zerolog.Logger

	locksMu gosync.Mutex
	locks   map[string]*gosync.Mutex

	runnersMu gosync.Mutex
	runners   map[string]context.CancelFunc
}

// NewCoordinator creates a coordinator. aiTagRate bounds how many AI-tagging
// jobs per second a backfill may enqueue.
func NewCoordinator(st store.Store, queue JobEnqueuer, factory ConnectorFactory, aiTagRate float64, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		queue:     queue,
		factory:   factory,
		aiLimiter: rate.NewLimiter(rate.Limit(aiTagRate), int(aiTagRate)+1),
		log:       log.With().Str("component", "sync_coordinator").Logger(),
		locks:     make(map[string]*gosync.Mutex),
		runners:   make(map[string]context.CancelFunc),
	}
}

// SyncMailbox runs one sync pass for a mailbox and returns the connector's
// result. The pass is registered so StopMailbox can cancel it between pages.
func (c *Coordinator) SyncMailbox(ctx context.Context, mailboxID string, trigger Trigger) (*SyncResult, error) {
	mb, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("mailbox %s: %w", mailboxID, err)
		}
		return nil, apperr.Persistence("sync", err)
	}

	if !mb.IsActive {
		c.log.Debug().Str("mailbox", mailboxID).Msg("skipping inactive mailbox")
		return &SyncResult{Success: true}, nil
	}
	if mb.SyncState == model.SyncStateError && trigger != TriggerManual {
		// An errored mailbox stays out of scheduling until authentication
		// is restored externally; a manual trigger is that restoration's
		// signal.
		c.log.Debug().Str("mailbox", mailboxID).Msg("skipping errored mailbox")
		return &SyncResult{Success: false, Errors: []string{mb.LastError}}, nil
	}

	lock := c.mailboxLock(mailboxID)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerRun(mailboxID, cancel)
	defer c.unregisterRun(mailboxID)

	// Re-read under the lock; a concurrent pass may have advanced the cursor.
	mb, err = c.store.GetMailbox(runCtx, mailboxID)
	if err != nil {
		return nil, apperr.Persistence("sync", err)
	}

	conn, err := c.factory(runCtx, mb)
	if err != nil {
		return nil, fmt.Errorf("create connector for %s: %w", mailboxID, err)
	}

	if err := conn.Authenticate(runCtx); err != nil {
		if apperr.IsAuth(err) {
			c.log.Warn().Str("mailbox", mailboxID).Err(err).Msg("authentication failed, mailbox moved to error state")
			if stateErr := c.store.SetMailboxState(runCtx, mailboxID, model.SyncStateError, err.Error()); stateErr != nil {
				c.log.Error().Err(stateErr).Str("mailbox", mailboxID).Msg("failed to persist error state")
			}
		}
		return nil, err
	}

	session := newIngestSession(c.store, mb)

	backfill := mb.SyncCursor == "" && mb.SyncState != model.SyncStateIncremental
	var state model.SyncState
	switch {
	case backfill:
		state = model.SyncStateBackfilling
	case trigger == TriggerWebhook:
		state = model.SyncStateWebhookTriggered
	default:
		state = model.SyncStateIncremental
	}
	if err := c.store.SetMailboxState(runCtx, mailboxID, state, ""); err != nil {
		return nil, apperr.Persistence("sync", err)
	}

	var res *SyncResult
	if backfill {
		c.log.Info().Str("mailbox", mailboxID).Msg("starting initial backfill")
		res, err = conn.InitialBackfill(runCtx, mb.SyncCursor, session.Apply)
	} else {
		c.log.Debug().Str("mailbox", mailboxID).Str("trigger", string(trigger)).Msg("starting incremental sync")
		res, err = conn.IncrementalSync(runCtx, mb.SyncCursor, session.Apply)
	}

	// The cursor advances even on partial failure so a retry resumes; a
	// failed pass must still never lose progress already persisted.
	if res != nil && res.NextCursor != "" && res.NextCursor != mb.SyncCursor {
		swapped, casErr := c.store.CompareAndSwapCursor(runCtx, mailboxID, mb.SyncCursor, res.NextCursor)
		if casErr != nil {
			c.log.Error().Err(casErr).Str("mailbox", mailboxID).Msg("cursor update failed")
		} else if !swapped {
			c.log.Warn().Str("mailbox", mailboxID).Msg("cursor advanced by concurrent sync, keeping newer value")
		}
	}

	if err != nil {
		if apperr.IsAuth(err) {
			_ = c.store.SetMailboxState(runCtx, mailboxID, model.SyncStateError, err.Error())
		} else {
			_ = c.store.SetMailboxState(runCtx, mailboxID, model.SyncStateIdle, err.Error())
		}
		return res, err
	}

	if err := c.store.SetMailboxState(runCtx, mailboxID, model.SyncStateIdle, ""); err != nil {
		c.log.Error().Err(err).Str("mailbox", mailboxID).Msg("failed to persist idle state")
	}

	// A connector may have resumed an unfinished backfill from a non-empty
	// cursor, so trust its report over the pre-pass guess.
	c.afterSuccessfulSync(runCtx, mb, backfill || res.Backfilled, session, res)

	c.log.Info().
		Str("mailbox", mailboxID).
		Int("processed", res.MessagesProcessed).
		Int("added", res.MessagesAdded).
		Int("item_errors", len(res.Errors)).
		Msg("sync pass complete")
	return res, nil
}

// afterSuccessfulSync enqueues the follow-up work a completed pass owes:
// fresh analytics for the owning organization, and for backfills a
// rate-limited batch of AI-tagging jobs for the new messages.
func (c *Coordinator) afterSuccessfulSync(ctx context.Context, mb *model.Mailbox, backfill bool, session *ingestSession, res *SyncResult) {
	date := time.Now().UTC().Format("2006-01-02")
	for _, metric := range []string{model.MetricVolume, model.MetricResponseTime, model.MetricContactHealth} {
		if err := c.queue.EnqueueAnalytics(ctx, mb.OrganizationID, date, metric); err != nil {
			c.log.Error().Err(err).Str("organization", mb.OrganizationID).Str("metric", metric).Msg("failed to enqueue analytics job")
		}
	}

	if !backfill {
		return
	}
	for i, msgID := range session.addedID {
		if !c.aiLimiter.Allow() {
			c.log.Debug().Str("mailbox", mb.ID).Int("skipped", len(session.addedID)-i).Msg("ai tagging enqueue rate limit reached")
			break
		}
		msg, err := c.store.GetMessage(ctx, mb.ID, msgID)
		if err != nil {
			continue
		}
		content := msg.Subject
		if msg.Snippet != "" {
			content = msg.Subject + "\n" + msg.Snippet
		}
		if err := c.queue.EnqueueAITag(ctx, msgID, "classification", content); err != nil {
			c.log.Error().Err(err).Str("message", msgID).Msg("failed to enqueue ai tagging job")
		}
	}
}

// HandleWebhookEvent runs the incremental path out-of-band for a provider
// push notification. Racing a cron sync for the same mailbox is safe; the
// worst case is redundant work.
func (c *Coordinator) HandleWebhookEvent(ctx context.Context, ev WebhookEvent) (*SyncResult, error) {
	if ev.MailboxID == "" {
		return nil, apperr.Parse("webhook", fmt.Errorf("event missing mailbox id"))
	}
	c.log.Info().Str("mailbox", ev.MailboxID).Str("type", ev.Type).Msg("webhook-triggered sync")
	return c.SyncMailbox(ctx, ev.MailboxID, TriggerWebhook)
}

// EnableWebhook subscribes a mailbox to provider push notifications.
func (c *Coordinator) EnableWebhook(ctx context.Context, mailboxID, url string) (bool, error) {
	mb, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return false, err
	}
	conn, err := c.factory(ctx, mb)
	if err != nil {
		return false, err
	}
	if err := conn.Authenticate(ctx); err != nil {
		return false, err
	}
	return conn.SubscribeWebhook(ctx, url)
}

// DisableWebhook removes a mailbox's push subscription.
func (c *Coordinator) DisableWebhook(ctx context.Context, mailboxID string) (bool, error) {
	mb, err := c.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return false, err
	}
	conn, err := c.factory(ctx, mb)
	if err != nil {
		return false, err
	}
	if err := conn.Authenticate(ctx); err != nil {
		return false, err
	}
	return conn.UnsubscribeWebhook(ctx)
}

// StopMailbox cancels an in-flight sync for a deactivated mailbox. The
// connector observes the cancellation between pages, so the stop takes
// effect within one page's latency.
func (c *Coordinator) StopMailbox(mailboxID string) bool {
	c.runnersMu.Lock()
	defer c.runnersMu.Unlock()
	cancel, ok := c.runners[mailboxID]
	if !ok {
		return false
	}
	cancel()
	delete(c.runners, mailboxID)
	return true
}

func (c *Coordinator) registerRun(mailboxID string, cancel context.CancelFunc) {
	c.runnersMu.Lock()
	defer c.runnersMu.Unlock()
	c.runners[mailboxID] = cancel
}

func (c *Coordinator) unregisterRun(mailboxID string) {
	c.runnersMu.Lock()
	defer c.runnersMu.Unlock()
	delete(c.runners, mailboxID)
}

func (c *Coordinator) mailboxLock(mailboxID string) *gosync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	lock, ok := c.locks[mailboxID]
	if !ok {
		lock = &gosync.Mutex{}
		c.locks[mailboxID] = lock
	}
	return lock
}

// FormatItemErrors joins per-item errors for logs and operator surfaces.
func FormatItemErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
