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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mailfold/mailsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed implementation of store.Store and
// store.Outbox. Message upserts and their outbox events share one
// transaction, so an event exists exactly when its message does.
type Store struct {
	DB *sql.DB
}

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

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertAccount creates or updates the account profile fields. Sync
// bookkeeping columns are untouched.
func (s *Store) UpsertAccount(ctx context.Context, a *store.Account) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name
	`, a.ID, a.Email, a.Name, created.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// FindAccount loads one account, or (nil, nil) when absent.
func (s *Store) FindAccount(ctx context.Context, id string) (*store.Account, error) {
	var (
		a          store.Account
		inProgress int64
		lastSynced int64
		created    int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, email, name, cursor, sync_in_progress, last_synced_at, created_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.Email, &a.Name, &a.Cursor, &inProgress, &lastSynced, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	a.SyncInProgress = inProgress != 0
	if lastSynced > 0 {
		a.LastSyncedAt = time.Unix(lastSynced, 0)
	}
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}

// UpsertCredential replaces the stored encrypted credential wholesale.
func (s *Store) UpsertCredential(ctx context.Context, accountID string, enc *store.EncryptedCredential) error {
	var expiry int64
	if !enc.Expiry.IsZero() {
		expiry = enc.Expiry.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (account_id, access_token, refresh_token, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, accountID, enc.AccessToken, enc.RefreshToken, expiry, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// GetCredential loads the stored credential, or (nil, nil) when absent.
func (s *Store) GetCredential(ctx context.Context, accountID string) (*store.EncryptedCredential, error) {
	var (
		enc    store.EncryptedCredential
		expiry int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry FROM credentials WHERE account_id = ?
	`, accountID).Scan(&enc.AccessToken, &enc.RefreshToken, &expiry)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if expiry > 0 {
		enc.Expiry = time.Unix(expiry, 0)
	}
	return &enc, nil
}

// UpsertMessage writes the record keyed by (account, provider id) and
// enqueues an email.synced outbox event in the same transaction. The
// UNIQUE msg_id makes re-syncing an unchanged message a no-op on the
// outbox side.
func (s *Store) UpsertMessage(ctx context.Context, rec *store.MessageRecord) error {
	toJSON := mustJSON(rec.To)
	ccJSON := mustJSON(rec.Cc)
	bccJSON := mustJSON(rec.Bcc)
	labelsJSON := mustJSON(rec.Labels)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(account_id, provider_id, thread_id, subject, from_name, from_email,
		 to_json, cc_json, bcc_json, reply_to, message_id, date, snippet,
		 text_body, html_body, labels_json, is_read, is_starred, is_important,
		 size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			from_name = excluded.from_name,
			from_email = excluded.from_email,
			to_json = excluded.to_json,
			cc_json = excluded.cc_json,
			bcc_json = excluded.bcc_json,
			reply_to = excluded.reply_to,
			message_id = excluded.message_id,
			date = excluded.date,
			snippet = excluded.snippet,
			text_body = excluded.text_body,
			html_body = excluded.html_body,
			labels_json = excluded.labels_json,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			is_important = excluded.is_important,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, rec.AccountID, rec.ProviderID, rec.ThreadID, rec.Subject,
		rec.From.Name, rec.From.Email, toJSON, ccJSON, bccJSON, rec.ReplyTo,
		rec.MessageID, rec.Date.Unix(), rec.Snippet, rec.TextBody, rec.HTMLBody,
		labelsJSON, boolInt(rec.Read), boolInt(rec.Starred), boolInt(rec.Important),
		rec.Size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	event := map[string]any{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"account_id":          rec.AccountID,
		"provider_message_id": rec.ProviderID,
		"provider_thread_id":  rec.ThreadID,
		"subject":             rec.Subject,
		"snippet":             rec.Snippet,
		"msg_date":            rec.Date.Unix(),
	}
	payload, _ := json.Marshal(event)
	msgID := fmt.Sprintf("email.synced|%s|%s", rec.AccountID, rec.ProviderID)
	natsSubject := fmt.Sprintf("mail.%s.email.synced", rec.AccountID)

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), natsSubject, "email.synced", payload, msgID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountMessages returns how many messages are stored for the account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = ?
	`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListMessages returns stored messages newest first.
func (s *Store) ListMessages(ctx context.Context, accountID string, limit, offset int) ([]store.MessageRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT provider_id, thread_id, subject, from_name, from_email,
		       to_json, cc_json, bcc_json, reply_to, message_id, date, snippet,
		       text_body, html_body, labels_json, is_read, is_starred,
		       is_important, size
		FROM messages
		WHERE account_id = ?
		ORDER BY date DESC
		LIMIT ? OFFSET ?
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []store.MessageRecord
	for rows.Next() {
		var (
			rec                            store.MessageRecord
			toJSON, ccJSON, bccJSON        string
			labelsJSON                     string
			date                           int64
			isRead, isStarred, isImportant int64
		)
		err := rows.Scan(&rec.ProviderID, &rec.ThreadID, &rec.Subject,
			&rec.From.Name, &rec.From.Email, &toJSON, &ccJSON, &bccJSON,
			&rec.ReplyTo, &rec.MessageID, &date, &rec.Snippet,
			&rec.TextBody, &rec.HTMLBody, &labelsJSON,
			&isRead, &isStarred, &isImportant, &rec.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		rec.AccountID = accountID
		rec.Date = time.Unix(date, 0)
		rec.Read = isRead != 0
		rec.Starred = isStarred != 0
		rec.Important = isImportant != 0
		_ = json.Unmarshal([]byte(toJSON), &rec.To)
		_ = json.Unmarshal([]byte(ccJSON), &rec.Cc)
		_ = json.Unmarshal([]byte(bccJSON), &rec.Bcc)
		_ = json.Unmarshal([]byte(labelsJSON), &rec.Labels)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCursor loads the account's sync cursor; "" means none.
func (s *Store) GetCursor(ctx context.Context, accountID string) (string, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM accounts WHERE id = ?
	`, accountID).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor.String, nil
}

// SetCursor stores the cursor; "" clears it.
func (s *Store) SetCursor(ctx context.Context, accountID, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET cursor = ? WHERE id = ?
	`, cursor, accountID)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// SetSyncInProgress flips the account's sync flag.
func (s *Store) SetSyncInProgress(ctx context.Context, accountID string, inProgress bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET sync_in_progress = ? WHERE id = ?
	`, boolInt(inProgress), accountID)
	if err != nil {
		return fmt.Errorf("failed to set sync flag: %w", err)
	}
	return nil
}

// SetLastSynced records when the account last completed a sync.
func (s *Store) SetLastSynced(ctx context.Context, accountID string, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET last_synced_at = ? WHERE id = ?
	`, t.Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to set last synced: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []store.OutboxMessage
	for rows.Next() {
		var msg store.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || v == nil {
		return "[]"
	}
	if string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
