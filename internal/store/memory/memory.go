package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

// Store is the in-memory Store implementation used by tests. It enforces the
// same uniqueness and CAS semantics as the SQLite store.
type Store struct {
	mu         sync.RWMutex
	mailboxes  map[string]*model.Mailbox
	messages   map[string]map[string]*model.NormalizedMessage // mailboxID -> messageID
	prints     map[string]map[string]string                   // mailboxID -> fingerprint -> messageID
	threads    map[string]map[string]*model.Thread
	contacts   map[string]map[string]*model.Contact
	aggregates map[string]*model.AnalyticsAggregate // orgID|date|metric
	failedJobs []*model.FailedJob
	nextJobID  int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		mailboxes:  make(map[string]*model.Mailbox),
		messages:   make(map[string]map[string]*model.NormalizedMessage),
		prints:     make(map[string]map[string]string),
		threads:    make(map[string]map[string]*model.Thread),
		contacts:   make(map[string]map[string]*model.Contact),
		aggregates: make(map[string]*model.AnalyticsAggregate),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetMailbox(_ context.Context, id string) (*model.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

func (s *Store) ListActiveMailboxes(_ context.Context) ([]*model.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Mailbox
	for _, mb := range s.mailboxes {
		if mb.IsActive {
			cp := *mb
			out = append(out, &cp)
		}
	}
	sortMailboxes(out)
	return out, nil
}

func (s *Store) ListMailboxesByOrganization(_ context.Context, orgID string) ([]*model.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Mailbox
	for _, mb := range s.mailboxes {
		if mb.OrganizationID == orgID {
			cp := *mb
			out = append(out, &cp)
		}
	}
	sortMailboxes(out)
	return out, nil
}

func (s *Store) ListOrganizations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, mb := range s.mailboxes {
		if !seen[mb.OrganizationID] {
			seen[mb.OrganizationID] = true
			out = append(out, mb.OrganizationID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) UpsertMailbox(_ context.Context, mb *model.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mb
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.mailboxes[mb.ID] = &cp
	return nil
}

func (s *Store) SetMailboxState(_ context.Context, id string, state model.SyncState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		return store.ErrNotFound
	}
	mb.SyncState = state
	mb.LastError = lastError
	mb.LastSyncedAt = time.Now().UTC()
	return nil
}

func (s *Store) CompareAndSwapCursor(_ context.Context, mailboxID, prev, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return false, store.ErrNotFound
	}
	if mb.SyncCursor != prev {
		return false, nil
	}
	mb.SyncCursor = next
	mb.LastSyncedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) UpsertMessage(_ context.Context, msg *model.NormalizedMessage) (store.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.messages[msg.MailboxID]
	if !ok {
		byID = make(map[string]*model.NormalizedMessage)
		s.messages[msg.MailboxID] = byID
		s.prints[msg.MailboxID] = make(map[string]string)
	}

	if _, exists := byID[msg.MessageID]; exists {
		return store.WriteDuplicate, nil
	}
	if _, exists := s.prints[msg.MailboxID][msg.Fingerprint]; exists {
		return store.WriteDuplicate, nil
	}

	cp := *msg
	byID[msg.MessageID] = &cp
	s.prints[msg.MailboxID][msg.Fingerprint] = msg.MessageID
	return store.WriteAdded, nil
}

func (s *Store) GetMessage(_ context.Context, mailboxID, messageID string) (*model.NormalizedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.messages[mailboxID][messageID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListMessagesByOrganization(_ context.Context, orgID string, from, to time.Time) ([]*model.NormalizedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.NormalizedMessage
	for mbID, byID := range s.messages {
		mb, ok := s.mailboxes[mbID]
		if !ok || mb.OrganizationID != orgID {
			continue
		}
		for _, m := range byID {
			if !m.ReceivedAt.Before(from) && m.ReceivedAt.Before(to) {
				cp := *m
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) ListRecentMessagesByContact(_ context.Context, mailboxID, email string, limit int) ([]*model.NormalizedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.NormalizedMessage
	for _, m := range s.messages[mailboxID] {
		if m.From == email || containsAddr(m.To, email) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetThread(_ context.Context, mailboxID, threadID string) (*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if th, ok := s.threads[mailboxID][threadID]; ok {
		cp := *th
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertThread(_ context.Context, th *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.threads[th.MailboxID]
	if !ok {
		byID = make(map[string]*model.Thread)
		s.threads[th.MailboxID] = byID
	}
	cp := *th
	if cur, exists := byID[th.ThreadID]; exists {
		// message_count never decreases
		if cur.MessageCount > cp.MessageCount {
			cp.MessageCount = cur.MessageCount
		}
		if cur.LastMessageAt.After(cp.LastMessageAt) {
			cp.LastMessageAt = cur.LastMessageAt
		}
	}
	byID[th.ThreadID] = &cp
	return nil
}

func (s *Store) ListThreadsByOrganization(_ context.Context, orgID string, from, to time.Time) ([]*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Thread
	for mbID, byID := range s.threads {
		mb, ok := s.mailboxes[mbID]
		if !ok || mb.OrganizationID != orgID {
			continue
		}
		for _, th := range byID {
			if !th.LastMessageAt.Before(from) && th.LastMessageAt.Before(to) {
				cp := *th
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
	return out, nil
}

func (s *Store) GetContact(_ context.Context, mailboxID, email string) (*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contacts[mailboxID][email]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertContact(_ context.Context, c *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byEmail, ok := s.contacts[c.MailboxID]
	if !ok {
		byEmail = make(map[string]*model.Contact)
		s.contacts[c.MailboxID] = byEmail
	}
	cp := *c
	byEmail[c.Email] = &cp
	return nil
}

func (s *Store) ListContactsByOrganization(_ context.Context, orgID string) ([]*model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Contact
	for mbID, byEmail := range s.contacts {
		mb, ok := s.mailboxes[mbID]
		if !ok || mb.OrganizationID != orgID {
			continue
		}
		for _, c := range byEmail {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactCount > out[j].ContactCount })
	return out, nil
}

func (s *Store) UpsertAggregate(_ context.Context, agg *model.AnalyticsAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agg
	cp.ComputedAt = time.Now().UTC()
	s.aggregates[aggKey(agg.OrganizationID, agg.Date, agg.Metric)] = &cp
	return nil
}

func (s *Store) GetAggregate(_ context.Context, orgID, date, metric string) (*model.AnalyticsAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if agg, ok := s.aggregates[aggKey(orgID, date, metric)]; ok {
		cp := *agg
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAggregates(_ context.Context, orgID, metric, fromDate, toDate string) ([]*model.AnalyticsAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AnalyticsAggregate
	for _, agg := range s.aggregates {
		if agg.OrganizationID == orgID && agg.Metric == metric &&
			agg.Date >= fromDate && agg.Date <= toDate {
			cp := *agg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) RecordFailedJob(_ context.Context, fj *model.FailedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	cp := *fj
	cp.ID = s.nextJobID
	cp.FailedAt = time.Now().UTC()
	s.failedJobs = append(s.failedJobs, &cp)
	return nil
}

func (s *Store) ListFailedJobs(_ context.Context, limit int) ([]*model.FailedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.failedJobs)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]*model.FailedJob, 0, n)
	for i := len(s.failedJobs) - 1; i >= 0 && len(out) < n; i-- {
		cp := *s.failedJobs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func aggKey(orgID, date, metric string) string {
	return orgID + "|" + date + "|" + metric
}

func containsAddr(addrs []string, addr string) bool {
	for _, a := range addrs {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func sortMailboxes(mbs []*model.Mailbox) {
	sort.Slice(mbs, func(i, j int) bool { return mbs[i].ID < mbs[j].ID })
}
