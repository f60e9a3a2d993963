package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/auth"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/normalize"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

// While a backfill is paging the cursor carries the page token so an
// interrupted run resumes mid-backfill; once the backfill completes the
// cursor switches to the profile's history id and stays numeric.
const backfillCursorPrefix = "pt:"

// Adapter syncs a Gmail mailbox through the Gmail REST API.
type Adapter struct {
	svc     *gmail.Service
	mailbox *model.Mailbox
	topic   string
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New builds an adapter from the mailbox's stored OAuth token. topic is the
// Pub/Sub topic push notifications are published to; empty disables webhook
// subscriptions.
func New(ctx context.Context, mb *model.Mailbox, topic string, log zerolog.Logger) (*Adapter, error) {
	tok, err := auth.ParseTokenBlob(mb.TokenBlob)
	if err != nil {
		return nil, err
	}

	cfg := &oauth2.Config{Scopes: []string{gmail.GmailReadonlyScope}}
	httpClient := cfg.Client(ctx, tok.OAuth2())

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &Adapter{
		svc:     svc,
		mailbox: mb,
		topic:   topic,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gmail:" + mb.ID,
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		log: log.With().Str("component", "gmail_adapter").Str("mailbox", mb.ID).Logger(),
	}, nil
}

func (a *Adapter) Provider() model.Provider { return model.ProviderGmail }

// Authenticate validates the stored token with a profile fetch.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.execute(func() (any, error) {
		return a.svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return classify("authenticate", err)
	}
	return nil
}

// InitialBackfill pages newest-first through the mailbox up to the backfill
// cap, feeding each normalized message to sink. A bad message is recorded
// and skipped; only transport and persistence failures abort the pass.
func (a *Adapter) InitialBackfill(ctx context.Context, cursor string, sink syncer.MessageSink) (*syncer.SyncResult, error) {
	res := &syncer.SyncResult{NextCursor: cursor, Backfilled: true}

	pageToken := ""
	if strings.HasPrefix(cursor, backfillCursorPrefix) {
		pageToken = strings.TrimPrefix(cursor, backfillCursorPrefix)
	}

	for res.MessagesProcessed < syncer.BackfillCap {
		if err := ctx.Err(); err != nil {
			return res, apperr.Transient("backfill", err)
		}

		page, err := a.listPage(ctx, pageToken, "")
		if err != nil {
			return res, classify("backfill", err)
		}

		if err := a.applyPage(ctx, page.Messages, sink, res); err != nil {
			return res, err
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		// Persisted as progress so an aborted backfill resumes here.
		res.NextCursor = backfillCursorPrefix + pageToken
	}

	// Backfill complete. Switch the cursor to the current history id so the
	// next pass is incremental.
	historyID, err := a.currentHistoryID(ctx)
	if err != nil {
		return res, classify("backfill", err)
	}
	if historyID != 0 {
		res.NextCursor = strconv.FormatUint(historyID, 10)
	}

	res.Success = true
	return res, nil
}

// IncrementalSync reads the history feed from the stored history id. When
// the id has expired on Google's side the pass degrades to a bounded rescan
// of the last day instead of a full backfill.
func (a *Adapter) IncrementalSync(ctx context.Context, cursor string, sink syncer.MessageSink) (*syncer.SyncResult, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		// Empty cursor, or still a backfill page token. Finish the backfill
		// first.
		return a.InitialBackfill(ctx, cursor, sink)
	}

	res := &syncer.SyncResult{NextCursor: cursor}
	latest := startID
	seen := make(map[string]bool)

	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, apperr.Transient("incremental", err)
		}

		out, err := a.execute(func() (any, error) {
			call := a.svc.Users.History.List("me").
				StartHistoryId(startID).
				HistoryTypes("messageAdded").
				MaxResults(syncer.PageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			if isHistoryExpired(err) {
				a.log.Warn().Uint64("history_id", startID).Msg("history id expired, rescanning recent messages")
				return a.recentRescan(ctx, sink)
			}
			return res, classify("incremental", err)
		}
		page := out.(*gmail.ListHistoryResponse)

		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || seen[rec.Message.Id] {
					continue
				}
				seen[rec.Message.Id] = true
				if err := a.applyMessage(ctx, rec.Message.Id, sink, res); err != nil {
					return res, err
				}
			}
		}
		if page.HistoryId > latest {
			latest = page.HistoryId
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	res.NextCursor = strconv.FormatUint(latest, 10)
	res.Success = true
	return res, nil
}

// recentRescan lists messages from the last day. Used when the history
// cursor has expired; the dedup layer absorbs anything already stored.
func (a *Adapter) recentRescan(ctx context.Context, sink syncer.MessageSink) (*syncer.SyncResult, error) {
	res := &syncer.SyncResult{}

	pageToken := ""
	for res.MessagesProcessed < syncer.BackfillCap {
		if err := ctx.Err(); err != nil {
			return res, apperr.Transient("rescan", err)
		}

		page, err := a.listPage(ctx, pageToken, "newer_than:1d")
		if err != nil {
			return res, classify("rescan", err)
		}
		if err := a.applyPage(ctx, page.Messages, sink, res); err != nil {
			return res, err
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	historyID, err := a.currentHistoryID(ctx)
	if err != nil {
		return res, classify("rescan", err)
	}
	if historyID != 0 {
		res.NextCursor = strconv.FormatUint(historyID, 10)
	}

	res.Success = true
	return res, nil
}

// SubscribeWebhook registers a users.watch on the inbox pointing at the
// configured Pub/Sub topic. Gmail pushes to the topic rather than to url;
// the parameter exists for providers that take a direct callback.
func (a *Adapter) SubscribeWebhook(ctx context.Context, url string) (bool, error) {
	if a.topic == "" {
		return false, fmt.Errorf("gmail push notifications require a pub/sub topic")
	}
	_, err := a.execute(func() (any, error) {
		return a.svc.Users.Watch("me", &gmail.WatchRequest{
			TopicName: a.topic,
			LabelIds:  []string{"INBOX"},
		}).Context(ctx).Do()
	})
	if err != nil {
		return false, classify("subscribe", err)
	}
	return true, nil
}

func (a *Adapter) UnsubscribeWebhook(ctx context.Context) (bool, error) {
	_, err := a.execute(func() (any, error) {
		return nil, a.svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return false, classify("unsubscribe", err)
	}
	return true, nil
}

func (a *Adapter) currentHistoryID(ctx context.Context) (uint64, error) {
	out, err := a.execute(func() (any, error) {
		return a.svc.Users.GetProfile("me").Context(ctx).Do()
	})
	if err != nil {
		return 0, err
	}
	return out.(*gmail.Profile).HistoryId, nil
}

func (a *Adapter) listPage(ctx context.Context, pageToken, query string) (*gmail.ListMessagesResponse, error) {
	out, err := a.execute(func() (any, error) {
		call := a.svc.Users.Messages.List("me").
			IncludeSpamTrash(false).
			MaxResults(syncer.PageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if query != "" {
			call = call.Q(query)
		}
		return call.Do()
	})
	if err != nil {
		return nil, err
	}
	return out.(*gmail.ListMessagesResponse), nil
}

func (a *Adapter) applyPage(ctx context.Context, msgs []*gmail.Message, sink syncer.MessageSink, res *syncer.SyncResult) error {
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return apperr.Transient("page", err)
		}
		if res.MessagesProcessed >= syncer.BackfillCap {
			return nil
		}
		if err := a.applyMessage(ctx, m.Id, sink, res); err != nil {
			return err
		}
	}
	return nil
}

// applyMessage fetches, normalizes and sinks one message. Fetch and parse
// failures go into res.Errors; only a persistence failure propagates.
func (a *Adapter) applyMessage(ctx context.Context, id string, sink syncer.MessageSink, res *syncer.SyncResult) error {
	out, err := a.execute(func() (any, error) {
		return a.svc.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("fetch %s: %v", id, err))
		return nil
	}

	msg, err := normalizeMessage(a.mailbox.ID, out.(*gmail.Message))
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return nil
	}

	added, err := sink(ctx, msg)
	if err != nil {
		return err
	}
	res.MessagesProcessed++
	if added {
		res.MessagesAdded++
	}
	return nil
}

func (a *Adapter) execute(fn func() (any, error)) (any, error) {
	return a.breaker.Execute(fn)
}

// normalizeMessage maps a Gmail metadata-format message into the canonical
// shape. Label conventions: UNREAD inverts the read flag, IMPORTANT sets
// importance.
func normalizeMessage(mailboxID string, m *gmail.Message) (*model.NormalizedMessage, error) {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	received := time.UnixMilli(m.InternalDate).UTC()
	sent := received
	if d, err := mail.ParseDate(headers["Date"]); err == nil {
		sent = d.UTC()
	}

	isRead := true
	isImportant := false
	for _, l := range m.LabelIds {
		switch l {
		case "UNREAD":
			isRead = false
		case "IMPORTANT":
			isImportant = true
		}
	}

	hasAttachment := m.Payload != nil && strings.HasPrefix(m.Payload.MimeType, "multipart/mixed")

	return normalize.Message(mailboxID, normalize.RawMessage{
		MessageID:     m.Id,
		ThreadID:      m.ThreadId,
		Subject:       headers["Subject"],
		From:          headers["From"],
		To:            headers["To"],
		Cc:            headers["Cc"],
		Bcc:           headers["Bcc"],
		ReceivedAt:    received,
		SentAt:        sent,
		Size:          m.SizeEstimate,
		HasAttachment: hasAttachment,
		IsRead:        isRead,
		IsImportant:   isImportant,
		Labels:        m.LabelIds,
		Snippet:       m.Snippet,
	})
}

// classify maps a Gmail API failure onto the retry taxonomy. Anything the
// status codes do not mark as an auth problem is treated as retryable.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if apperr.HTTPStatusKind(gerr.Code) == apperr.KindAuth {
			return apperr.Auth(op, err)
		}
	}
	return apperr.Transient(op, err)
}

func isHistoryExpired(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return strings.Contains(err.Error(), "404")
}
