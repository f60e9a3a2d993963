package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedMailbox(t *testing.T, st *Store, id string) {
	t.Helper()
	if err := st.UpsertMailbox(context.Background(), &model.Mailbox{
		ID:             id,
		OrganizationID: "org-1",
		Provider:       model.ProviderGmail,
		EmailAddress:   "me@inboxpulse.dev",
		SyncState:      model.SyncStateIdle,
		IsActive:       true,
	}); err != nil {
		t.Fatal(err)
	}
}

func sampleMessage(mailboxID, messageID, fingerprint string) *model.NormalizedMessage {
	at := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	return &model.NormalizedMessage{
		MailboxID:   mailboxID,
		MessageID:   messageID,
		ThreadID:    "t1",
		Subject:     "hello",
		From:        "alice@example.com",
		To:          []string{"me@inboxpulse.dev"},
		ReceivedAt:  at,
		SentAt:      at,
		Fingerprint: fingerprint,
	}
}

func TestUpsertMessageDeduplicates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedMailbox(t, st, "mb-1")

	res, err := st.UpsertMessage(ctx, sampleMessage("mb-1", "m1", "fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if res != store.WriteAdded {
		t.Errorf("first write = %v, want WriteAdded", res)
	}

	// Same provider message id.
	res, err = st.UpsertMessage(ctx, sampleMessage("mb-1", "m1", "fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if res != store.WriteDuplicate {
		t.Errorf("duplicate id write = %v, want WriteDuplicate", res)
	}

	// Different id, same fingerprint.
	res, err = st.UpsertMessage(ctx, sampleMessage("mb-1", "m2", "fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if res != store.WriteDuplicate {
		t.Errorf("fingerprint collision write = %v, want WriteDuplicate", res)
	}

	// Same id in a different mailbox is a distinct message.
	seedMailbox(t, st, "mb-2")
	res, err = st.UpsertMessage(ctx, sampleMessage("mb-2", "m1", "fp2"))
	if err != nil {
		t.Fatal(err)
	}
	if res != store.WriteAdded {
		t.Errorf("cross-mailbox write = %v, want WriteAdded", res)
	}
}

func TestListMessagesByOrganizationIncludesFinalSecond(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedMailbox(t, st, "mb-1")

	msg := sampleMessage("mb-1", "m1", "fp1")
	msg.ReceivedAt = time.Date(2025, 8, 1, 23, 59, 59, 0, time.UTC)
	msg.SentAt = msg.ReceivedAt
	if _, err := st.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	// [dayStart, nextDayStart) must cover the day's last second.
	from := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	got, err := st.ListMessagesByOrganization(ctx, "org-1", from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("messages in day range = %d, want 1", len(got))
	}
}

func TestCompareAndSwapCursor(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedMailbox(t, st, "mb-1")

	swapped, err := st.CompareAndSwapCursor(ctx, "mb-1", "", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !swapped {
		t.Fatal("initial swap failed")
	}

	swapped, err = st.CompareAndSwapCursor(ctx, "mb-1", "", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Error("stale swap succeeded")
	}

	mb, err := st.GetMailbox(ctx, "mb-1")
	if err != nil {
		t.Fatal(err)
	}
	if mb.SyncCursor != "c1" {
		t.Errorf("cursor = %q, want c1", mb.SyncCursor)
	}
}

func TestAggregateUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for _, value := range []string{`{"totalSent":1}`, `{"totalSent":2}`} {
		if err := st.UpsertAggregate(ctx, &model.AnalyticsAggregate{
			OrganizationID: "org-1",
			Date:           "2025-08-01",
			Metric:         model.MetricVolume,
			Value:          value,
			ComputedAt:     time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	agg, err := st.GetAggregate(ctx, "org-1", "2025-08-01", model.MetricVolume)
	if err != nil {
		t.Fatal(err)
	}
	if agg.Value != `{"totalSent":2}` {
		t.Errorf("value = %s, want latest write", agg.Value)
	}

	aggs, err := st.ListAggregates(ctx, "org-1", model.MetricVolume, "2025-08-01", "2025-08-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 1 {
		t.Errorf("aggregates = %d, want 1 (overwrite, not append)", len(aggs))
	}
}

func TestThreadMessageCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedMailbox(t, st, "mb-1")

	at := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := st.UpsertThread(ctx, &model.Thread{
		MailboxID: "mb-1", ThreadID: "t1", MessageCount: 5, LastMessageAt: at,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertThread(ctx, &model.Thread{
		MailboxID: "mb-1", ThreadID: "t1", MessageCount: 3, LastMessageAt: at.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	th, err := st.GetThread(ctx, "mb-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if th.MessageCount != 5 {
		t.Errorf("messageCount = %d, want 5", th.MessageCount)
	}
	if !th.LastMessageAt.Equal(at.Add(time.Hour)) {
		t.Errorf("lastMessageAt = %v, want advanced", th.LastMessageAt)
	}
}

func TestMailboxStateTransitions(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seedMailbox(t, st, "mb-1")

	if err := st.SetMailboxState(ctx, "mb-1", model.SyncStateError, "token expired"); err != nil {
		t.Fatal(err)
	}

	mb, err := st.GetMailbox(ctx, "mb-1")
	if err != nil {
		t.Fatal(err)
	}
	if mb.SyncState != model.SyncStateError || mb.LastError != "token expired" {
		t.Errorf("state = %q lastError = %q", mb.SyncState, mb.LastError)
	}

	if _, err := st.GetMailbox(ctx, "missing"); err != store.ErrNotFound {
		t.Errorf("missing mailbox error = %v, want ErrNotFound", err)
	}
}

func TestFailedJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.RecordFailedJob(ctx, &model.FailedJob{
		Queue:     "analytics",
		JobType:   "jobs.analytics",
		Payload:   `{"organizationId":"org-1"}`,
		Attempts:  5,
		LastError: "store unavailable",
		FailedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ListFailedJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Queue != "analytics" || jobs[0].Attempts != 5 {
		t.Errorf("jobs = %+v", jobs)
	}
}
