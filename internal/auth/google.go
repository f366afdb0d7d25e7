package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// googleJWKSURL serves the keys Google signs ID tokens with.
const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// GoogleUser is the identity carried by a verified Google ID token.
type GoogleUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GoogleVerifier validates Google-issued ID tokens against a cached
// JWKS. Keys are refreshed in the background so token verification
// never blocks on a network fetch.
type GoogleVerifier struct {
	clientID    string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewGoogleVerifier warms the JWKS cache and starts background
// refresh. clientID is the expected token audience.
func NewGoogleVerifier(clientID string) (*GoogleVerifier, error) {
	v := &GoogleVerifier{
		clientID:   clientID,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(googleJWKSURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

// VerifyIDToken checks signature, expiry, issuer and audience, and
// extracts the user identity.
func (v *GoogleVerifier) VerifyIDToken(raw string) (*GoogleUser, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithAudience(v.clientID),
		jwt.WithIssuer("https://accounts.google.com"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}

	sub := token.Subject()
	if sub == "" {
		return nil, fmt.Errorf("ID token missing subject")
	}

	var email, name string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		name, _ = claim.(string)
	}

	return &GoogleUser{ID: sub, Email: email, Name: name}, nil
}

func (v *GoogleVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, googleJWKSURL)
	if err != nil {
		return jwk.Fetch(ctx, googleJWKSURL)
	}
	return keySet, nil
}

func (v *GoogleVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// Errors are retried on the next tick.
	}
}

func (v *GoogleVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}
