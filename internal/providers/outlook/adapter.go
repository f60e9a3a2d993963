package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/auth"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/normalize"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

// Cursor formats. While a backfill is paging the cursor is the Graph
// nextLink URL; afterwards it is "ts:" plus the newest receivedDateTime
// seen, which the incremental filter resumes from.
const timeCursorPrefix = "ts:"

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "bodyPreview", "receivedDateTime", "sentDateTime",
	"hasAttachments", "isRead", "importance",
}

// Adapter syncs an Outlook mailbox through Microsoft Graph.
type Adapter struct {
	client  *msgraphsdk.GraphServiceClient
	mailbox *model.Mailbox
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New builds an adapter from the mailbox's stored OAuth token.
func New(ctx context.Context, mb *model.Mailbox, log zerolog.Logger) (*Adapter, error) {
	tok, err := auth.ParseTokenBlob(mb.TokenBlob)
	if err != nil {
		return nil, err
	}

	cred := &staticTokenCredential{token: tok.AccessToken, expiry: tok.ExpiresAt}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}

	return &Adapter{
		client:  client,
		mailbox: mb,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outlook:" + mb.ID,
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		log: log.With().Str("component", "outlook_adapter").Str("mailbox", mb.ID).Logger(),
	}, nil
}

func (a *Adapter) Provider() model.Provider { return model.ProviderOutlook }

// Authenticate validates the stored token with a profile fetch.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.execute(func() (any, error) {
		return a.client.Me().Get(ctx, nil)
	})
	if err != nil {
		return classify("authenticate", err)
	}
	return nil
}

// InitialBackfill pages newest-first through the mailbox up to the backfill
// cap. The Graph nextLink is carried as the cursor so an interrupted
// backfill resumes from its last completed page.
func (a *Adapter) InitialBackfill(ctx context.Context, cursor string, sink syncer.MessageSink) (*syncer.SyncResult, error) {
	res := &syncer.SyncResult{NextCursor: cursor, Backfilled: true}

	nextLink := ""
	if strings.HasPrefix(cursor, "http") {
		nextLink = cursor
	}

	var newest time.Time
	for res.MessagesProcessed < syncer.BackfillCap {
		if err := ctx.Err(); err != nil {
			return res, apperr.Transient("backfill", err)
		}

		page, err := a.fetchPage(ctx, nextLink, "")
		if err != nil {
			return res, classify("backfill", err)
		}

		if err := a.applyPage(ctx, page.GetValue(), sink, res, &newest); err != nil {
			return res, err
		}

		link := page.GetOdataNextLink()
		if link == nil || *link == "" {
			break
		}
		nextLink = *link
		res.NextCursor = nextLink
	}

	if !newest.IsZero() {
		res.NextCursor = timeCursorPrefix + newest.UTC().Format(time.RFC3339)
	}
	res.Success = true
	return res, nil
}

// IncrementalSync fetches messages received since the time cursor, never
// looking back further than one day. Duplicates from the overlap are
// absorbed downstream.
func (a *Adapter) IncrementalSync(ctx context.Context, cursor string, sink syncer.MessageSink) (*syncer.SyncResult, error) {
	if !strings.HasPrefix(cursor, timeCursorPrefix) {
		// Empty cursor, or a backfill nextLink still to finish.
		return a.InitialBackfill(ctx, cursor, sink)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(cursor, timeCursorPrefix)); err == nil && ts.After(since) {
		since = ts.UTC()
	}

	res := &syncer.SyncResult{NextCursor: cursor}
	filter := fmt.Sprintf("receivedDateTime ge %s", since.Format(time.RFC3339))

	newest := since
	nextLink := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, apperr.Transient("incremental", err)
		}

		page, err := a.fetchPage(ctx, nextLink, filter)
		if err != nil {
			return res, classify("incremental", err)
		}

		if err := a.applyPage(ctx, page.GetValue(), sink, res, &newest); err != nil {
			return res, err
		}

		link := page.GetOdataNextLink()
		if link == nil || *link == "" {
			break
		}
		nextLink = *link
	}

	res.NextCursor = timeCursorPrefix + newest.UTC().Format(time.RFC3339)
	res.Success = true
	return res, nil
}

// SubscribeWebhook creates a Graph change notification subscription for
// new messages, delivered to url.
func (a *Adapter) SubscribeWebhook(ctx context.Context, url string) (bool, error) {
	sub := graphmodels.NewSubscription()
	changeType := "created"
	resource := "/me/messages"
	clientState := uuid.NewString()
	expiry := time.Now().Add(72 * time.Hour)
	sub.SetChangeType(&changeType)
	sub.SetNotificationUrl(&url)
	sub.SetResource(&resource)
	sub.SetClientState(&clientState)
	sub.SetExpirationDateTime(&expiry)

	_, err := a.execute(func() (any, error) {
		return a.client.Subscriptions().Post(ctx, sub, nil)
	})
	if err != nil {
		return false, classify("subscribe", err)
	}
	return true, nil
}

// UnsubscribeWebhook deletes this mailbox's message subscriptions.
func (a *Adapter) UnsubscribeWebhook(ctx context.Context) (bool, error) {
	out, err := a.execute(func() (any, error) {
		return a.client.Subscriptions().Get(ctx, nil)
	})
	if err != nil {
		return false, classify("unsubscribe", err)
	}

	subs := out.(graphmodels.SubscriptionCollectionResponseable)
	for _, sub := range subs.GetValue() {
		res := sub.GetResource()
		if res == nil || !strings.Contains(*res, "messages") {
			continue
		}
		id := sub.GetId()
		if id == nil {
			continue
		}
		_, err := a.execute(func() (any, error) {
			return nil, a.client.Subscriptions().BySubscriptionId(*id).Delete(ctx, nil)
		})
		if err != nil {
			return false, classify("unsubscribe", err)
		}
	}
	return true, nil
}

// fetchPage retrieves one message page, either by following a nextLink or
// by issuing a fresh query with the standard field selection.
func (a *Adapter) fetchPage(ctx context.Context, nextLink, filter string) (graphmodels.MessageCollectionResponseable, error) {
	out, err := a.execute(func() (any, error) {
		if nextLink != "" {
			return users.NewItemMessagesRequestBuilder(nextLink, a.client.GetAdapter()).Get(ctx, nil)
		}
		top := int32(syncer.PageSize)
		orderby := []string{"receivedDateTime desc"}
		params := &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Select:  selectFields,
			Orderby: orderby,
		}
		if filter != "" {
			params.Filter = &filter
		}
		return a.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: params,
		})
	})
	if err != nil {
		return nil, err
	}
	return out.(graphmodels.MessageCollectionResponseable), nil
}

func (a *Adapter) applyPage(ctx context.Context, msgs []graphmodels.Messageable, sink syncer.MessageSink, res *syncer.SyncResult, newest *time.Time) error {
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return apperr.Transient("page", err)
		}
		if res.MessagesProcessed >= syncer.BackfillCap {
			return nil
		}

		msg, err := normalizeMessage(a.mailbox.ID, m)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if msg.ReceivedAt.After(*newest) {
			*newest = msg.ReceivedAt
		}

		added, err := sink(ctx, msg)
		if err != nil {
			return err
		}
		res.MessagesProcessed++
		if added {
			res.MessagesAdded++
		}
	}
	return nil
}

func (a *Adapter) execute(fn func() (any, error)) (any, error) {
	return a.breaker.Execute(fn)
}

// normalizeMessage maps a Graph message into the canonical shape. Graph
// models every field as a pointer; absent fields normalize to zero values
// and validation downstream decides whether the message is usable.
func normalizeMessage(mailboxID string, m graphmodels.Messageable) (*model.NormalizedMessage, error) {
	raw := normalize.RawMessage{
		MessageID: deref(m.GetId()),
		ThreadID:  deref(m.GetConversationId()),
		Subject:   deref(m.GetSubject()),
		Snippet:   deref(m.GetBodyPreview()),
	}

	if from := m.GetFrom(); from != nil {
		if ea := from.GetEmailAddress(); ea != nil {
			raw.From = deref(ea.GetAddress())
		}
	}
	raw.To = joinRecipients(m.GetToRecipients())
	raw.Cc = joinRecipients(m.GetCcRecipients())
	raw.Bcc = joinRecipients(m.GetBccRecipients())

	if t := m.GetReceivedDateTime(); t != nil {
		raw.ReceivedAt = *t
	}
	if t := m.GetSentDateTime(); t != nil {
		raw.SentAt = *t
	}
	if b := m.GetHasAttachments(); b != nil {
		raw.HasAttachment = *b
	}
	if b := m.GetIsRead(); b != nil {
		raw.IsRead = *b
	}
	if imp := m.GetImportance(); imp != nil && *imp == graphmodels.HIGH_IMPORTANCE {
		raw.IsImportant = true
	}

	return normalize.Message(mailboxID, raw)
}

func joinRecipients(recipients []graphmodels.Recipientable) string {
	var addrs []string
	for _, r := range recipients {
		if ea := r.GetEmailAddress(); ea != nil {
			if addr := ea.GetAddress(); addr != nil && *addr != "" {
				addrs = append(addrs, *addr)
			}
		}
	}
	return strings.Join(addrs, ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classify maps a Graph failure onto the retry taxonomy.
func classify(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		if apperr.HTTPStatusKind(oerr.ResponseStatusCode) == apperr.KindAuth {
			return apperr.Auth(op, err)
		}
	}
	return apperr.Transient(op, err)
}

// staticTokenCredential hands the stored access token to the Graph SDK.
// Refresh is the connection flow's responsibility; an expired token shows
// up as an auth failure on the next call.
type staticTokenCredential struct {
	token  string
	expiry int64
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expires := time.Now().Add(1 * time.Hour)
	if c.expiry > 0 {
		expires = time.Unix(c.expiry, 0)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expires}, nil
}
