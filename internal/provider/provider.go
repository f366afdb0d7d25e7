package provider

import (
	"context"
	"time"
)

// Credential is an OAuth access/refresh token pair as issued by the
// mailbox provider. It is always stored encrypted; plaintext copies
// only live on the stack of the vault and the provider adapter.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Header is a single raw message header.
type Header struct {
	Name  string
	Value string
}

// Part is a node in the decoded MIME tree of a message. Leaf parts
// carry already-decoded body data; multipart containers carry children.
type Part struct {
	MimeType string
	Data     []byte
	Parts    []Part
}

// MessagePayload is the normalized full-detail form of one message as
// returned by the provider, before header/body parsing.
type MessagePayload struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	SizeEstimate int64
	InternalDate time.Time
	Headers      []Header
	Payload      Part
}

// ListPage is one page of a full mailbox listing.
type ListPage struct {
	IDs           []string
	NextPageToken string
	// SizeEstimate is the provider's estimate of the total mailbox
	// size, when it reports one. Zero means unknown.
	SizeEstimate int64
}

// ChangePage is one page of the provider change log. Only additions
// are surfaced; deletion events are not part of the sync model.
type ChangePage struct {
	AddedIDs      []string
	NextPageToken string
	// NewCursor is the provider's current head cursor. It is reported
	// on every page but only covers the change log once all pages have
	// been consumed, so callers must not persist it mid-run.
	NewCursor string
}

// Mailbox is the provider-agnostic contract the sync engine talks to.
// All calls authenticate with a bearer access token obtained from the
// vault; the adapter never persists anything.
type Mailbox interface {
	ListMessageIDs(ctx context.Context, accessToken, pageToken string, pageSize int64) (*ListPage, error)
	GetMessage(ctx context.Context, accessToken, id string) (*MessagePayload, error)
	ListChanges(ctx context.Context, accessToken, cursor, pageToken string) (*ChangePage, error)
	CurrentCursor(ctx context.Context, accessToken string) (string, error)
	RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error)
}
