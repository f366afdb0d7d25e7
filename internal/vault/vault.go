package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/store"
)

var (
	// ErrNotConnected means no credential is on file for the account;
	// the user must (re)authorize with the provider.
	ErrNotConnected = errors.New("no mailbox credential on file")

	// ErrCredentialInvalid means the stored credential can no longer be
	// used or refreshed. Schedulers treat it like ErrNotConnected:
	// reconnect required, not transient.
	ErrCredentialInvalid = errors.New("mailbox credential invalid, reconnect required")

	// ErrEncryption is a fatal misconfiguration of the vault key.
	ErrEncryption = errors.New("credential encryption misconfigured")
)

// keySalt is fixed: the derived key only needs to be stable per
// configured secret, not per record. Per-record randomness comes from
// the GCM nonce.
var keySalt = []byte("mailsync.vault.v1")

// Refresher exchanges a refresh token for a fresh credential at the
// provider. Implemented by the provider adapter.
type Refresher interface {
	RefreshCredential(ctx context.Context, refreshToken string) (*provider.Credential, error)
}

// Vault encrypts provider credentials at rest and hands out valid
// access tokens, refreshing expired ones in place. Refresh is the only
// path that mutates a stored credential, and it replaces it wholesale.
type Vault struct {
	store     store.Store
	refresher Refresher
	aead      cipher.AEAD
	log       *zap.Logger
	now       func() time.Time
}

// New derives a 32-byte AES key from secret and returns a ready vault.
// An absent or too-short secret is ErrEncryption: refusing to start
// beats silently storing tokens under a weak key.
func New(secret string, st store.Store, refresher Refresher, log *zap.Logger) (*Vault, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: key must be at least 16 characters", ErrEncryption)
	}
	key, err := scrypt.Key([]byte(secret), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncryption, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return &Vault{
		store:     st,
		refresher: refresher,
		aead:      aead,
		log:       log,
		now:       time.Now,
	}, nil
}

// Store encrypts and persists a credential for the account.
func (v *Vault) Store(ctx context.Context, accountID string, cred provider.Credential) error {
	encAccess, err := v.seal(cred.AccessToken)
	if err != nil {
		return err
	}
	encRefresh := ""
	if cred.RefreshToken != "" {
		if encRefresh, err = v.seal(cred.RefreshToken); err != nil {
			return err
		}
	}
	enc := &store.EncryptedCredential{
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		Expiry:       cred.Expiry,
	}
	if err := v.store.UpsertCredential(ctx, accountID, enc); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// GetValidAccessToken returns a usable access token for the account,
// refreshing and re-persisting the credential when the stored one has
// expired.
func (v *Vault) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	enc, err := v.store.GetCredential(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if enc == nil {
		return "", ErrNotConnected
	}

	access, err := v.open(enc.AccessToken)
	if err != nil {
		return "", err
	}
	if enc.Expiry.IsZero() || enc.Expiry.After(v.now()) {
		return access, nil
	}

	if enc.RefreshToken == "" {
		return "", fmt.Errorf("%w: expired and no refresh token", ErrCredentialInvalid)
	}
	refresh, err := v.open(enc.RefreshToken)
	if err != nil {
		return "", err
	}

	v.log.Info("access token expired, refreshing", zap.String("account_id", accountID))
	fresh, err := v.refresher.RefreshCredential(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("%w: refresh failed: %v", ErrCredentialInvalid, err)
	}
	if fresh.RefreshToken == "" {
		// Providers often omit the refresh token on refresh responses.
		fresh.RefreshToken = refresh
	}
	if err := v.Store(ctx, accountID, *fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// CheckCredential reports whether the account has a credential the
// scheduler could start polling with. It never triggers a refresh.
func (v *Vault) CheckCredential(ctx context.Context, accountID string) error {
	enc, err := v.store.GetCredential(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if enc == nil {
		return ErrNotConnected
	}
	if !enc.Expiry.IsZero() && !enc.Expiry.After(v.now()) && enc.RefreshToken == "" {
		return fmt.Errorf("%w: expired and no refresh token", ErrCredentialInvalid)
	}
	return nil
}

// seal encrypts plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext).
func (v *Vault) seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}
	out := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// open reverses seal.
func (v *Vault) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrEncryption, err)
	}
	if len(raw) < v.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryption)
	}
	nonce, ct := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", ErrEncryption, err)
	}
	return string(plain), nil
}
