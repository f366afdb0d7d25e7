package store

import (
	"context"
	"time"
)

// Account is the synchronized user identity. The vault mutates the
// credential row, the sync engine mutates cursor and sync bookkeeping;
// account lifecycle itself belongs to the web layer.
type Account struct {
	ID             string
	Email          string
	Name           string
	Cursor         string
	SyncInProgress bool
	LastSyncedAt   time.Time
	CreatedAt      time.Time
}

// EncryptedCredential is the at-rest form of a provider credential.
// AccessToken and RefreshToken hold base64 of nonce||ciphertext; the
// expiry is kept in the clear so callers can decide whether a refresh
// is due without decrypting.
type EncryptedCredential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Address is a parsed display-name/address pair from a message header.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MessageRecord is the synchronized unit: one provider message, parsed.
// Identity is (AccountID, ProviderID); syncing the same message again
// fully overwrites the row.
type MessageRecord struct {
	AccountID  string
	ProviderID string
	ThreadID   string

	Subject   string
	From      Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	ReplyTo   string
	MessageID string
	Date      time.Time

	Snippet  string
	TextBody string
	HTMLBody string

	Labels    []string
	Read      bool
	Starred   bool
	Important bool
	Size      int64
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is the persistence contract the sync core depends on.
// GetCredential returns (nil, nil) when no credential is on file.
type Store interface {
	UpsertAccount(ctx context.Context, a *Account) error
	FindAccount(ctx context.Context, id string) (*Account, error)

	UpsertCredential(ctx context.Context, accountID string, enc *EncryptedCredential) error
	GetCredential(ctx context.Context, accountID string) (*EncryptedCredential, error)

	UpsertMessage(ctx context.Context, rec *MessageRecord) error
	CountMessages(ctx context.Context, accountID string) (int, error)
	ListMessages(ctx context.Context, accountID string, limit, offset int) ([]MessageRecord, error)

	GetCursor(ctx context.Context, accountID string) (string, error)
	SetCursor(ctx context.Context, accountID, cursor string) error

	SetSyncInProgress(ctx context.Context, accountID string, inProgress bool) error
	SetLastSynced(ctx context.Context, accountID string, t time.Time) error
}

// Outbox is the event half of the store, drained by the dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}
