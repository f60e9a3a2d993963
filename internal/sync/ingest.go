package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboxpulse/mail-infra/internal/apperr"
	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

// ingestSession applies one sync pass's messages to the store, keeping
// thread rollups current and remembering which messages were new so the
// coordinator can enqueue follow-up work. Contacts are the aggregator's
// responsibility, not the connector path's.
type ingestSession struct {
	store   store.Store
	mailbox *model.Mailbox
	ownAddr string
	addedID []string
}

func newIngestSession(st store.Store, mb *model.Mailbox) *ingestSession {
	return &ingestSession{
		store:   st,
		mailbox: mb,
		ownAddr: strings.ToLower(mb.EmailAddress),
	}
}

// Apply is the MessageSink handed to connectors.
func (s *ingestSession) Apply(ctx context.Context, msg *model.NormalizedMessage) (bool, error) {
	res, err := s.store.UpsertMessage(ctx, msg)
	if err != nil {
		return false, apperr.Persistence("ingest", err)
	}
	if res == store.WriteDuplicate {
		// Duplicate delivery: the record already exists, nothing else to do.
		return false, nil
	}

	s.addedID = append(s.addedID, msg.MessageID)

	if msg.ThreadID != "" {
		if err := s.updateThread(ctx, msg); err != nil {
			return true, apperr.Persistence("ingest", err)
		}
	}
	return true, nil
}

// updateThread advances the thread rollup for a newly added message.
// messageCount only ever grows; responseTime is set when a sent message
// answers the thread's last inbound message.
func (s *ingestSession) updateThread(ctx context.Context, msg *model.NormalizedMessage) error {
	th, err := s.store.GetThread(ctx, msg.MailboxID, msg.ThreadID)
	if err == store.ErrNotFound {
		th = &model.Thread{
			MailboxID: msg.MailboxID,
			ThreadID:  msg.ThreadID,
			Subject:   msg.Subject,
		}
	} else if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}

	sent := msg.From == s.ownAddr
	if sent && !th.LastInboundAt.IsZero() && msg.SentAt.After(th.LastInboundAt) {
		th.ResponseTime = msg.SentAt.Sub(th.LastInboundAt).Minutes()
		th.LastInboundAt = time.Time{}
	}
	if !sent && msg.ReceivedAt.After(th.LastInboundAt) {
		th.LastInboundAt = msg.ReceivedAt
	}

	th.MessageCount++
	if msg.ReceivedAt.After(th.LastMessageAt) {
		th.LastMessageAt = msg.ReceivedAt
	}
	if th.Subject == "" {
		th.Subject = msg.Subject
	}

	return s.store.UpsertThread(ctx, th)
}
