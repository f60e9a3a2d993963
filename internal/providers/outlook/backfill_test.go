package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	absauth "github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	syncer "github.com/inboxpulse/mail-infra/internal/sync"
)

var graphBase = time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC)

// fakeGraphServer serves the /me/messages surface with nextLink paging. The
// nextLink carries a "page" parameter encoding the next page index; messages
// are ordered newest first, one minute apart.
type fakeGraphServer struct {
	mu     sync.Mutex
	url    string
	total  int
	fail   string // page index to fail once with a 500
	failed bool
	tops   []string // $top seen on fresh (non-nextLink) queries
}

func (f *fakeGraphServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path != "/me/messages" {
			http.NotFound(w, r)
			return
		}

		page := r.URL.Query().Get("page")
		if f.fail != "" && page == f.fail && !f.failed {
			f.failed = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"code":"serverError","message":"backend error"}}`)
			return
		}
		if page == "" {
			f.tops = append(f.tops, r.URL.Query().Get("$top"))
		}

		start := 0
		if page != "" {
			fmt.Sscanf(page, "%d", &start)
			start *= syncer.PageSize
		}
		end := start + syncer.PageSize
		if end > f.total {
			end = f.total
		}

		body := map[string]any{"value": pageValues(start, end)}
		if end < f.total {
			body["@odata.nextLink"] = fmt.Sprintf("%s/me/messages?page=%d", f.url, end/syncer.PageSize)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func pageValues(start, end int) []any {
	out := make([]any, 0, end-start)
	for i := start; i < end; i++ {
		id := fmt.Sprintf("om%04d", i)
		ts := graphBase.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339)
		out = append(out, map[string]any{
			"id":               id,
			"conversationId":   "conv-" + id,
			"subject":          "note " + id,
			"bodyPreview":      "hello",
			"receivedDateTime": ts,
			"sentDateTime":     ts,
			"isRead":           true,
			"hasAttachments":   false,
			"from": map[string]any{
				"emailAddress": map[string]any{"address": "sender@example.com", "name": "Sender"},
			},
			"toRecipients": []any{
				map[string]any{"emailAddress": map[string]any{"address": "me@inboxpulse.dev"}},
			},
		})
	}
	return out
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	// A nil http client makes the SDK build its default middleware pipeline,
	// which rewrites the Me() builder's /users/me-token-to-replace path to /me.
	req, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		&absauth.AnonymousAuthenticationProvider{}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.SetBaseUrl(srv.URL)
	return &Adapter{
		client:  msgraphsdk.NewGraphServiceClient(req),
		mailbox: &model.Mailbox{ID: "mb-1", EmailAddress: "me@inboxpulse.dev"},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "outlook-test"}),
		log:     zerolog.Nop(),
	}
}

func countingSink(added *int) syncer.MessageSink {
	return func(ctx context.Context, msg *model.NormalizedMessage) (bool, error) {
		*added++
		return true, nil
	}
}

func TestInitialBackfillHonorsCap(t *testing.T) {
	f := &fakeGraphServer{total: 1100}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	f.url = srv.URL
	a := newTestAdapter(t, srv)

	var added int
	res, err := a.InitialBackfill(context.Background(), "", countingSink(&added))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Backfilled {
		t.Errorf("success=%v backfilled=%v, want both true", res.Success, res.Backfilled)
	}
	if res.MessagesProcessed != syncer.BackfillCap {
		t.Errorf("processed = %d, want cap %d", res.MessagesProcessed, syncer.BackfillCap)
	}
	if added != syncer.BackfillCap {
		t.Errorf("sink saw %d messages, want %d", added, syncer.BackfillCap)
	}
	if len(res.Errors) != 0 {
		t.Errorf("item errors = %v, want none", res.Errors)
	}
	// The completed backfill hands over to the time cursor, anchored at the
	// newest message seen.
	want := timeCursorPrefix + graphBase.Format(time.RFC3339)
	if res.NextCursor != want {
		t.Errorf("cursor = %q, want %q", res.NextCursor, want)
	}
	for _, top := range f.tops {
		if top != "100" {
			t.Errorf("fresh query requested $top=%s, want 100", top)
		}
	}
}

func TestInitialBackfillResumesFromNextLink(t *testing.T) {
	f := &fakeGraphServer{total: 250, fail: "2"}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	f.url = srv.URL
	a := newTestAdapter(t, srv)

	var added int
	res, err := a.InitialBackfill(context.Background(), "", countingSink(&added))
	if err == nil {
		t.Fatal("expected transport error on third page")
	}
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Errorf("kind = %v, want transient", apperr.KindOf(err))
	}
	if res.MessagesProcessed != 200 {
		t.Errorf("processed before failure = %d, want 200", res.MessagesProcessed)
	}
	wantLink := srv.URL + "/me/messages?page=2"
	if res.NextCursor != wantLink {
		t.Errorf("cursor after failure = %q, want nextLink %q", res.NextCursor, wantLink)
	}

	// Retrying from the persisted nextLink fetches only the remaining page.
	res, err = a.InitialBackfill(context.Background(), res.NextCursor, countingSink(&added))
	if err != nil {
		t.Fatal(err)
	}
	if res.MessagesProcessed != 50 {
		t.Errorf("processed on resume = %d, want 50", res.MessagesProcessed)
	}
	if added != 250 {
		t.Errorf("sink saw %d messages across both passes, want 250", added)
	}
	want := timeCursorPrefix + graphBase.Add(-200*time.Minute).Format(time.RFC3339)
	if res.NextCursor != want {
		t.Errorf("cursor after resume = %q, want %q", res.NextCursor, want)
	}
}
