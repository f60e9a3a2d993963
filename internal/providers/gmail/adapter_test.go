package gmail

import (
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/inboxpulse/mail-infra/internal/apperr"
)

func metaMessage(labels []string) *gmail.Message {
	return &gmail.Message{
		Id:           "18f3a",
		ThreadId:     "18f00",
		InternalDate: time.Date(2025, 8, 10, 14, 30, 0, 0, time.UTC).UnixMilli(),
		LabelIds:     labels,
		Snippet:      "quick question about the invoice",
		SizeEstimate: 2048,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Invoice 1042"},
				{Name: "From", Value: "Billing <billing@vendor.example>"},
				{Name: "To", Value: "me@inboxpulse.dev"},
				{Name: "Date", Value: "Sun, 10 Aug 2025 14:29:31 +0000"},
			},
		},
	}
}

func TestNormalizeMessage(t *testing.T) {
	msg, err := normalizeMessage("mb-1", metaMessage([]string{"INBOX", "UNREAD", "IMPORTANT"}))
	if err != nil {
		t.Fatal(err)
	}

	if msg.From != "billing@vendor.example" {
		t.Errorf("from = %q", msg.From)
	}
	if msg.IsRead {
		t.Error("UNREAD label did not clear the read flag")
	}
	if !msg.IsImportant {
		t.Error("IMPORTANT label did not set importance")
	}
	if !msg.HasAttachment {
		t.Error("multipart/mixed did not set attachment flag")
	}
	if msg.SentAt.After(msg.ReceivedAt) {
		t.Errorf("sentAt %v after receivedAt %v", msg.SentAt, msg.ReceivedAt)
	}
	if msg.Fingerprint == "" {
		t.Error("missing fingerprint")
	}
}

func TestNormalizeMessageReadDefault(t *testing.T) {
	msg, err := normalizeMessage("mb-1", metaMessage([]string{"INBOX"}))
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsRead {
		t.Error("message without UNREAD label should be read")
	}
	if msg.IsImportant {
		t.Error("message without IMPORTANT label should not be important")
	}
}

func TestNormalizeMessageRejectsMissingSender(t *testing.T) {
	m := metaMessage(nil)
	m.Payload.Headers = m.Payload.Headers[:1]
	if _, err := normalizeMessage("mb-1", m); err == nil {
		t.Fatal("expected parse error")
	} else if apperr.KindOf(err) != apperr.KindParse {
		t.Errorf("kind = %v, want parse", apperr.KindOf(err))
	}
}

func TestClassify(t *testing.T) {
	authErr := classify("authenticate", &googleapi.Error{Code: 401})
	if apperr.KindOf(authErr) != apperr.KindAuth {
		t.Errorf("401 classified as %v, want auth", apperr.KindOf(authErr))
	}
	rateErr := classify("backfill", &googleapi.Error{Code: 429})
	if apperr.KindOf(rateErr) != apperr.KindTransient {
		t.Errorf("429 classified as %v, want transient", apperr.KindOf(rateErr))
	}
}

func TestIsHistoryExpired(t *testing.T) {
	if !isHistoryExpired(&googleapi.Error{Code: 404}) {
		t.Error("404 not treated as expired history")
	}
	if isHistoryExpired(&googleapi.Error{Code: 500}) {
		t.Error("500 treated as expired history")
	}
}
