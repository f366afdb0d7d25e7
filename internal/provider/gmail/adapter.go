package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailfold/mailsync/internal/provider"
)

// Adapter implements provider.Mailbox for Gmail. Cursors are Gmail
// history ids; the change log is the History API.
type Adapter struct {
	oauth *oauth2.Config
}

// New creates a Gmail adapter from OAuth client configuration.
func New(clientID, clientSecret, redirectURL string) *Adapter {
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
	}
}

// AuthURL returns the consent URL for the OAuth redirect flow.
func (a *Adapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a credential.
func (a *Adapter) Exchange(ctx context.Context, code string) (*provider.Credential, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return credentialFromToken(tok), nil
}

// RefreshCredential exchanges a refresh token for a fresh credential.
func (a *Adapter) RefreshCredential(ctx context.Context, refreshToken string) (*provider.Credential, error) {
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	return credentialFromToken(tok), nil
}

// ListMessageIDs returns one page of the full mailbox listing.
func (a *Adapter) ListMessageIDs(ctx context.Context, accessToken, pageToken string, pageSize int64) (*provider.ListPage, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(pageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	page := &provider.ListPage{
		NextPageToken: resp.NextPageToken,
		SizeEstimate:  resp.ResultSizeEstimate,
	}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches full message detail and normalizes it.
func (a *Adapter) GetMessage(ctx context.Context, accessToken, id string) (*provider.MessagePayload, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Sprintf("get message %s", id), err)
	}
	return normalize(msg), nil
}

// ListChanges returns one page of the history log starting at cursor.
// Gmail keeps history for a limited time; a 404 means the cursor has
// expired and a full resync is required.
func (a *Adapter) ListChanges(ctx context.Context, accessToken, cursor, pageToken string) (*provider.ChangePage, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a history id", provider.ErrCursorInvalid, cursor)
	}

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List("me").StartHistoryId(startID).MaxResults(100).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: history id %s", provider.ErrCursorInvalid, cursor)
		}
		return nil, classify("list history", err)
	}

	page := &provider.ChangePage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				page.AddedIDs = append(page.AddedIDs, added.Message.Id)
			}
		}
	}
	return page, nil
}

// CurrentCursor returns the mailbox's current history id.
func (a *Adapter) CurrentCursor(ctx context.Context, accessToken string) (string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classify("get profile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create gmail client: %w", err)
	}
	return svc, nil
}

// normalize converts a Gmail message into the provider payload,
// decoding body data so the rest of the system never sees base64url.
func normalize(m *gmail.Message) *provider.MessagePayload {
	payload := &provider.MessagePayload{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		LabelIDs:     m.LabelIds,
		Snippet:      m.Snippet,
		SizeEstimate: m.SizeEstimate,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
	if m.Payload == nil {
		return payload
	}
	for _, h := range m.Payload.Headers {
		payload.Headers = append(payload.Headers, provider.Header{Name: h.Name, Value: h.Value})
	}
	payload.Payload = convertPart(m.Payload)
	return payload
}

func convertPart(p *gmail.MessagePart) provider.Part {
	part := provider.Part{MimeType: p.MimeType}
	if p.Body != nil && p.Body.Data != "" {
		part.Data = decodeBase64URL(p.Body.Data)
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// decodeBase64URL tolerates both padded and unpadded url-safe base64.
func decodeBase64URL(s string) []byte {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil
	}
	return data
}

// credentialFromToken keeps the oauth2 dependency out of callers.
func credentialFromToken(tok *oauth2.Token) *provider.Credential {
	return &provider.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// classify maps auth failures onto the provider error taxonomy.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w", op, provider.ErrUnauthorized)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
