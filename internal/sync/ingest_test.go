package sync

import (
	"context"
	"testing"
	"time"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store/memory"
)

func TestIngestResponseTimeIgnoresAddressCase(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mb := testMailbox()
	mb.EmailAddress = "Me@InboxPulse.dev"
	if err := st.UpsertMailbox(ctx, mb); err != nil {
		t.Fatal(err)
	}

	session := newIngestSession(st, mb)
	base := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

	inbound := &model.NormalizedMessage{
		MailboxID:   "mb-1",
		MessageID:   "in-1",
		ThreadID:    "t1",
		Subject:     "planning",
		From:        "alice@example.com",
		To:          []string{"me@inboxpulse.dev"},
		ReceivedAt:  base,
		SentAt:      base,
		Fingerprint: "fp-in-1",
	}
	// Normalization always lowercases addresses, so the reply's From
	// differs from the stored mailbox address only by case.
	reply := &model.NormalizedMessage{
		MailboxID:   "mb-1",
		MessageID:   "out-1",
		ThreadID:    "t1",
		Subject:     "planning",
		From:        "me@inboxpulse.dev",
		To:          []string{"alice@example.com"},
		ReceivedAt:  base.Add(30 * time.Minute),
		SentAt:      base.Add(30 * time.Minute),
		Fingerprint: "fp-out-1",
	}

	for _, msg := range []*model.NormalizedMessage{inbound, reply} {
		added, err := session.Apply(ctx, msg)
		if err != nil {
			t.Fatalf("apply %s: %v", msg.MessageID, err)
		}
		if !added {
			t.Fatalf("apply %s: not added", msg.MessageID)
		}
	}

	th, err := st.GetThread(ctx, "mb-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if th.ResponseTime != 30 {
		t.Errorf("thread response time = %v, want 30", th.ResponseTime)
	}
	if !th.LastInboundAt.IsZero() {
		t.Errorf("last inbound at = %v, want cleared after reply", th.LastInboundAt)
	}
}
