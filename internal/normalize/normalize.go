package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
)

// RawMessage is the provider-agnostic input to normalization. Connectors
// fill it from their SDK types before handing it over.
type RawMessage struct {
	MessageID     string
	ThreadID      string
	Subject       string
	From          string // may be `"Name" <addr>` or a bare address
	To            string // comma-separated header value
	Cc            string
	Bcc           string
	ReceivedAt    time.Time
	SentAt        time.Time
	Size          int64
	HasAttachment bool
	IsRead        bool
	IsImportant   bool
	Labels        []string
	Snippet       string
}

// Message validates and converts a raw provider message into the canonical
// shape. A message missing its id, sender, recipients or received time is
// rejected with a parse error; the caller records it and moves on.
func Message(mailboxID string, raw RawMessage) (*model.NormalizedMessage, error) {
	if raw.MessageID == "" {
		return nil, apperr.Parse("normalize", fmt.Errorf("message missing id"))
	}

	from := Address(raw.From)
	if from == "" {
		return nil, apperr.Parse("normalize", fmt.Errorf("message %s missing sender", raw.MessageID))
	}

	to := AddressList(raw.To)
	if len(to) == 0 {
		return nil, apperr.Parse("normalize", fmt.Errorf("message %s has empty recipient set", raw.MessageID))
	}

	if raw.ReceivedAt.IsZero() {
		return nil, apperr.Parse("normalize", fmt.Errorf("message %s missing received time", raw.MessageID))
	}

	sentAt := raw.SentAt
	if sentAt.IsZero() {
		sentAt = raw.ReceivedAt
	}

	msg := &model.NormalizedMessage{
		MailboxID:     mailboxID,
		MessageID:     raw.MessageID,
		ThreadID:      raw.ThreadID,
		Subject:       raw.Subject,
		From:          from,
		To:            to,
		Cc:            AddressList(raw.Cc),
		Bcc:           AddressList(raw.Bcc),
		ReceivedAt:    raw.ReceivedAt.UTC(),
		SentAt:        sentAt.UTC(),
		Size:          raw.Size,
		HasAttachment: raw.HasAttachment,
		IsRead:        raw.IsRead,
		IsImportant:   raw.IsImportant,
		Labels:        raw.Labels,
		Snippet:       raw.Snippet,
	}
	msg.Fingerprint = Fingerprint(msg)
	return msg, nil
}

// Address extracts a bare, lowercased email address from a header value like
// `"Jane Doe" <jane@example.com>` or a raw address. Returns "" when no
// address can be found.
func Address(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	// Fall back to angle-bracket extraction for headers net/mail rejects.
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 1 {
			s = s[i+1 : i+j]
		}
	}
	if !strings.Contains(s, "@") {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// AddressList splits a multi-recipient header on commas and keeps only
// tokens that yield a usable address.
func AddressList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if addr := Address(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// DisplayName extracts the human name from a From header, if any.
func DisplayName(s string) string {
	if addr, err := mail.ParseAddress(strings.TrimSpace(s)); err == nil {
		return addr.Name
	}
	return ""
}

// Domain returns the domain part of an email address.
func Domain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

// Fingerprint derives the dedup hash from the structurally stable subset of
// a message: sender, recipients, subject, thread id and send time. Volatile
// fields (fetch time, labels, read state) are deliberately excluded so two
// fetches of the same message always agree.
func Fingerprint(m *model.NormalizedMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", m.From, strings.Join(m.To, ","), m.Subject)
	fmt.Fprintf(h, "%s\x00%d", m.ThreadID, m.SentAt.Unix())
	return hex.EncodeToString(h.Sum(nil))
}
