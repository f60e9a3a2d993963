package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxpulse/mail-infra/internal/model"
	"github.com/inboxpulse/mail-infra/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable SQLite-backed persistence store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Mailboxes ----

const mailboxCols = `id, organization_id, provider, email_address, token_blob,
	sync_cursor, sync_state, last_synced_at, last_error, is_active, created_at`

func scanMailbox(row interface{ Scan(...any) error }) (*model.Mailbox, error) {
	var mb model.Mailbox
	var lastSynced, createdAt int64
	err := row.Scan(&mb.ID, &mb.OrganizationID, &mb.Provider, &mb.EmailAddress,
		&mb.TokenBlob, &mb.SyncCursor, &mb.SyncState, &lastSynced, &mb.LastError,
		&mb.IsActive, &createdAt)
	if err != nil {
		return nil, err
	}
	if lastSynced > 0 {
		mb.LastSyncedAt = time.Unix(lastSynced, 0).UTC()
	}
	mb.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &mb, nil
}

func (s *Store) GetMailbox(ctx context.Context, id string) (*model.Mailbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE id = ?`, id)
	mb, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return mb, nil
}

func (s *Store) listMailboxes(ctx context.Context, query string, args ...any) ([]*model.Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*model.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		out = append(out, mb)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveMailboxes(ctx context.Context) ([]*model.Mailbox, error) {
	return s.listMailboxes(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE is_active = 1 ORDER BY id`)
}

func (s *Store) ListMailboxesByOrganization(ctx context.Context, orgID string) ([]*model.Mailbox, error) {
	return s.listMailboxes(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE organization_id = ? ORDER BY id`, orgID)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT organization_id FROM mailboxes ORDER BY organization_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMailbox(ctx context.Context, mb *model.Mailbox) error {
	createdAt := mb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (`+mailboxCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			provider = excluded.provider,
			email_address = excluded.email_address,
			token_blob = excluded.token_blob,
			sync_cursor = excluded.sync_cursor,
			sync_state = excluded.sync_state,
			last_synced_at = excluded.last_synced_at,
			last_error = excluded.last_error,
			is_active = excluded.is_active
	`, mb.ID, mb.OrganizationID, mb.Provider, mb.EmailAddress, mb.TokenBlob,
		mb.SyncCursor, mb.SyncState, mb.LastSyncedAt.Unix(), mb.LastError,
		mb.IsActive, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert mailbox: %w", err)
	}
	return nil
}

func (s *Store) SetMailboxState(ctx context.Context, id string, state model.SyncState, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes SET sync_state = ?, last_error = ?, last_synced_at = ?
		WHERE id = ?
	`, state, lastError, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set mailbox state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompareAndSwapCursor advances the cursor only if it still holds prev.
// The conditional UPDATE is the per-mailbox critical section that keeps a
// slow backfill from clobbering a faster incremental sync.
func (s *Store) CompareAndSwapCursor(ctx context.Context, mailboxID, prev, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes SET sync_cursor = ?, last_synced_at = ?
		WHERE id = ? AND sync_cursor = ?
	`, next, time.Now().Unix(), mailboxID, prev)
	if err != nil {
		return false, fmt.Errorf("failed to swap cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- Messages ----

func (s *Store) UpsertMessage(ctx context.Context, msg *model.NormalizedMessage) (store.WriteResult, error) {
	toJSON, _ := json.Marshal(msg.To)
	ccJSON, _ := json.Marshal(msg.Cc)
	bccJSON, _ := json.Marshal(msg.Bcc)
	labelsJSON, _ := json.Marshal(msg.Labels)

	// INSERT OR IGNORE absorbs both duplicate paths: a known
	// (mailbox_id, message_id) and a colliding fingerprint.
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(mailbox_id, message_id, thread_id, subject, from_addr, to_addrs, cc_addrs, bcc_addrs,
		 received_at, sent_at, size, has_attachment, is_read, is_important, labels, snippet, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MailboxID, msg.MessageID, msg.ThreadID, msg.Subject, msg.From,
		string(toJSON), string(ccJSON), string(bccJSON),
		msg.ReceivedAt.Unix(), msg.SentAt.Unix(), msg.Size,
		msg.HasAttachment, msg.IsRead, msg.IsImportant,
		string(labelsJSON), msg.Snippet, msg.Fingerprint)
	if err != nil {
		return store.WriteDuplicate, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return store.WriteDuplicate, err
	}
	if n == 0 {
		return store.WriteDuplicate, nil
	}
	return store.WriteAdded, nil
}

const messageCols = `mailbox_id, message_id, thread_id, subject, from_addr, to_addrs,
	cc_addrs, bcc_addrs, received_at, sent_at, size, has_attachment, is_read,
	is_important, labels, snippet, fingerprint`

func scanMessage(row interface{ Scan(...any) error }) (*model.NormalizedMessage, error) {
	var m model.NormalizedMessage
	var toJSON, ccJSON, bccJSON, labelsJSON string
	var receivedAt, sentAt int64
	err := row.Scan(&m.MailboxID, &m.MessageID, &m.ThreadID, &m.Subject, &m.From,
		&toJSON, &ccJSON, &bccJSON, &receivedAt, &sentAt, &m.Size,
		&m.HasAttachment, &m.IsRead, &m.IsImportant, &labelsJSON, &m.Snippet, &m.Fingerprint)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(toJSON), &m.To)
	_ = json.Unmarshal([]byte(ccJSON), &m.Cc)
	_ = json.Unmarshal([]byte(bccJSON), &m.Bcc)
	_ = json.Unmarshal([]byte(labelsJSON), &m.Labels)
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	m.SentAt = time.Unix(sentAt, 0).UTC()
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, mailboxID, messageID string) (*model.NormalizedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE mailbox_id = ? AND message_id = ?`,
		mailboxID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]*model.NormalizedMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.NormalizedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMessagesByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*model.NormalizedMessage, error) {
	return s.listMessages(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE mailbox_id IN (SELECT id FROM mailboxes WHERE organization_id = ?)
		  AND received_at >= ? AND received_at < ?
		ORDER BY received_at
	`, orgID, from.Unix(), to.Unix())
}

func (s *Store) ListRecentMessagesByContact(ctx context.Context, mailboxID, email string, limit int) ([]*model.NormalizedMessage, error) {
	return s.listMessages(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE mailbox_id = ?
		  AND (from_addr = ? OR to_addrs LIKE '%' || ? || '%')
		ORDER BY received_at DESC
		LIMIT ?
	`, mailboxID, email, email, limit)
}

// ---- Threads ----

func (s *Store) GetThread(ctx context.Context, mailboxID, threadID string) (*model.Thread, error) {
	var th model.Thread
	var lastMessageAt, lastInboundAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT mailbox_id, thread_id, subject, message_count, last_message_at, response_time, last_inbound_at
		FROM threads WHERE mailbox_id = ? AND thread_id = ?
	`, mailboxID, threadID).Scan(&th.MailboxID, &th.ThreadID, &th.Subject,
		&th.MessageCount, &lastMessageAt, &th.ResponseTime, &lastInboundAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if lastMessageAt > 0 {
		th.LastMessageAt = time.Unix(lastMessageAt, 0).UTC()
	}
	if lastInboundAt > 0 {
		th.LastInboundAt = time.Unix(lastInboundAt, 0).UTC()
	}
	return &th, nil
}

func (s *Store) UpsertThread(ctx context.Context, th *model.Thread) error {
	lastInbound := int64(0)
	if !th.LastInboundAt.IsZero() {
		lastInbound = th.LastInboundAt.Unix()
	}
	// MAX() keeps message_count monotone even under concurrent syncs.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (mailbox_id, thread_id, subject, message_count, last_message_at, response_time, last_inbound_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id, thread_id) DO UPDATE SET
			subject = excluded.subject,
			message_count = MAX(message_count, excluded.message_count),
			last_message_at = MAX(last_message_at, excluded.last_message_at),
			response_time = excluded.response_time,
			last_inbound_at = excluded.last_inbound_at
	`, th.MailboxID, th.ThreadID, th.Subject, th.MessageCount,
		th.LastMessageAt.Unix(), th.ResponseTime, lastInbound)
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

func (s *Store) ListThreadsByOrganization(ctx context.Context, orgID string, from, to time.Time) ([]*model.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mailbox_id, thread_id, subject, message_count, last_message_at, response_time, last_inbound_at
		FROM threads
		WHERE mailbox_id IN (SELECT id FROM mailboxes WHERE organization_id = ?)
		  AND last_message_at >= ? AND last_message_at < ?
		ORDER BY last_message_at
	`, orgID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var out []*model.Thread
	for rows.Next() {
		var th model.Thread
		var lastMessageAt, lastInboundAt int64
		if err := rows.Scan(&th.MailboxID, &th.ThreadID, &th.Subject,
			&th.MessageCount, &lastMessageAt, &th.ResponseTime, &lastInboundAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		th.LastMessageAt = time.Unix(lastMessageAt, 0).UTC()
		if lastInboundAt > 0 {
			th.LastInboundAt = time.Unix(lastInboundAt, 0).UTC()
		}
		out = append(out, &th)
	}
	return out, rows.Err()
}

// ---- Contacts ----

func (s *Store) GetContact(ctx context.Context, mailboxID, email string) (*model.Contact, error) {
	var c model.Contact
	var lastContactedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT mailbox_id, email, name, domain, contact_count, last_contacted_at, avg_response_time, health_score
		FROM contacts WHERE mailbox_id = ? AND email = ?
	`, mailboxID, email).Scan(&c.MailboxID, &c.Email, &c.Name, &c.Domain,
		&c.ContactCount, &lastContactedAt, &c.AvgResponseTime, &c.HealthScore)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	if lastContactedAt > 0 {
		c.LastContactedAt = time.Unix(lastContactedAt, 0).UTC()
	}
	return &c, nil
}

func (s *Store) UpsertContact(ctx context.Context, c *model.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (mailbox_id, email, name, domain, contact_count, last_contacted_at, avg_response_time, health_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox_id, email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			domain = excluded.domain,
			contact_count = excluded.contact_count,
			last_contacted_at = MAX(last_contacted_at, excluded.last_contacted_at),
			avg_response_time = excluded.avg_response_time,
			health_score = excluded.health_score
	`, c.MailboxID, c.Email, c.Name, c.Domain, c.ContactCount,
		c.LastContactedAt.Unix(), c.AvgResponseTime, c.HealthScore)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

func (s *Store) ListContactsByOrganization(ctx context.Context, orgID string) ([]*model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mailbox_id, email, name, domain, contact_count, last_contacted_at, avg_response_time, health_score
		FROM contacts
		WHERE mailbox_id IN (SELECT id FROM mailboxes WHERE organization_id = ?)
		ORDER BY contact_count DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		var c model.Contact
		var lastContactedAt int64
		if err := rows.Scan(&c.MailboxID, &c.Email, &c.Name, &c.Domain,
			&c.ContactCount, &lastContactedAt, &c.AvgResponseTime, &c.HealthScore); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		if lastContactedAt > 0 {
			c.LastContactedAt = time.Unix(lastContactedAt, 0).UTC()
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---- Aggregates ----

func (s *Store) UpsertAggregate(ctx context.Context, agg *model.AnalyticsAggregate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_aggregates (organization_id, date, metric, value, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, date, metric) DO UPDATE SET
			value = excluded.value,
			computed_at = excluded.computed_at
	`, agg.OrganizationID, agg.Date, agg.Metric, agg.Value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return nil
}

func (s *Store) GetAggregate(ctx context.Context, orgID, date, metric string) (*model.AnalyticsAggregate, error) {
	var agg model.AnalyticsAggregate
	var computedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, date, metric, value, computed_at
		FROM analytics_aggregates
		WHERE organization_id = ? AND date = ? AND metric = ?
	`, orgID, date, metric).Scan(&agg.OrganizationID, &agg.Date, &agg.Metric, &agg.Value, &computedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}
	agg.ComputedAt = time.Unix(computedAt, 0).UTC()
	return &agg, nil
}

func (s *Store) ListAggregates(ctx context.Context, orgID, metric, fromDate, toDate string) ([]*model.AnalyticsAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, date, metric, value, computed_at
		FROM analytics_aggregates
		WHERE organization_id = ? AND metric = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, orgID, metric, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer rows.Close()

	var out []*model.AnalyticsAggregate
	for rows.Next() {
		var agg model.AnalyticsAggregate
		var computedAt int64
		if err := rows.Scan(&agg.OrganizationID, &agg.Date, &agg.Metric, &agg.Value, &computedAt); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		agg.ComputedAt = time.Unix(computedAt, 0).UTC()
		out = append(out, &agg)
	}
	return out, rows.Err()
}

// ---- Failed jobs ----

func (s *Store) RecordFailedJob(ctx context.Context, fj *model.FailedJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_jobs (queue, job_type, payload, attempts, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fj.Queue, fj.JobType, fj.Payload, fj.Attempts, fj.LastError, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record failed job: %w", err)
	}
	return nil
}

func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]*model.FailedJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, job_type, payload, attempts, last_error, failed_at
		FROM failed_jobs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.FailedJob
	for rows.Next() {
		var fj model.FailedJob
		var failedAt int64
		if err := rows.Scan(&fj.ID, &fj.Queue, &fj.JobType, &fj.Payload,
			&fj.Attempts, &fj.LastError, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed job: %w", err)
		}
		fj.FailedAt = time.Unix(failedAt, 0).UTC()
		out = append(out, &fj)
	}
	return out, rows.Err()
}
