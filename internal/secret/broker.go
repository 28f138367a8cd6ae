package secret

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"giftwatch/internal/api"
	"giftwatch/internal/vault"
	logx "giftwatch/pkg/logx"
)

// ErrSecretUnavailable means the channel-access token could not be obtained:
// no valid app token exists and re-authentication failed too.
var ErrSecretUnavailable = errors.New("channel-access token unavailable")

// DefaultTTL bounds the cache lifetime when the server omits expires_in.
// Never "forever": a process-level TTL violation must not be possible.
const DefaultTTL = time.Hour

// TokenSource supplies app tokens for the authenticated fetch.
type TokenSource interface {
	EnsureToken(ctx context.Context) (string, error)
	Authenticate(ctx context.Context) (string, error)
}

// Broker fetches and caches the short-lived channel-access token.
//
// The decrypted value lives in memory only, guarded by a one-shot expiry
// timer armed from the server-declared expires_in. The timer clears this
// cache entry exclusively; vault contents are untouched.
type Broker struct {
	client *api.Client
	tokens TokenSource
	log    logx.Logger

	mu        sync.Mutex
	value     string
	expiresAt time.Time
	timer     *time.Timer
}

func New(client *api.Client, tokens TokenSource, log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{client: client, tokens: tokens, log: log}
}

// GetSecret returns the channel-access token for userCtx, fetching and
// decrypting a fresh one when the cached value is missing or expired.
func (b *Broker) GetSecret(ctx context.Context, userCtx string) (string, error) {
	b.mu.Lock()
	if b.value != "" && time.Now().Before(b.expiresAt) {
		v := b.value
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	token, err := b.tokens.EnsureToken(ctx)
	if err != nil {
		return "", errors.Join(ErrSecretUnavailable, err)
	}

	resp, err := b.client.FetchBotToken(ctx, token, userCtx)
	if api.IsUnauthorized(err) {
		token, err = b.tokens.Authenticate(ctx)
		if err == nil {
			resp, err = b.client.FetchBotToken(ctx, token, userCtx)
		}
	}
	if err != nil {
		return "", errors.Join(ErrSecretUnavailable, err)
	}

	plaintext, err := Decrypt(resp.Token, userCtx)
	if err != nil {
		return "", errors.Join(ErrSecretUnavailable, err)
	}

	ttl := DefaultTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}

	b.mu.Lock()
	b.value = plaintext
	b.expiresAt = time.Now().Add(ttl)
	if b.timer != nil {
		b.timer.Stop()
	}
	// One-shot expiry independent of any persistent store: the plaintext
	// must not outlive the server-declared window even across re-reads.
	b.timer = time.AfterFunc(ttl, b.expire)
	b.mu.Unlock()

	b.log.Debug("channel-access token cached", logx.Duration("ttl", ttl))
	return plaintext, nil
}

// Invalidate drops the cached value immediately.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.value = ""
	b.expiresAt = time.Time{}
	b.mu.Unlock()
}

// Close releases the expiry timer.
func (b *Broker) Close() { b.Invalidate() }

func (b *Broker) expire() {
	b.mu.Lock()
	b.value = ""
	b.expiresAt = time.Time{}
	b.timer = nil
	b.mu.Unlock()
	b.log.Debug("channel-access token expired")
}

// Decrypt reverses the backend's obfuscation: base64, then XOR against
// SHA-256(userCtx) repeated to length. The scheme is transport hardening,
// not real encryption; anyone with the user id can reverse it.
func Decrypt(ciphertext, userCtx string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret ciphertext: %w", err)
	}
	digest := sha256.Sum256([]byte(userCtx))
	pt := vault.XORKeystream(digest[:], ct)
	if !utf8.Valid(pt) {
		return "", errors.New("secret ciphertext: decrypt produced invalid text (wrong user context?)")
	}
	return string(pt), nil
}

// Encrypt is the inverse of Decrypt. Exposed for tests and local tooling.
func Encrypt(plaintext, userCtx string) string {
	digest := sha256.Sum256([]byte(userCtx))
	ct := vault.XORKeystream(digest[:], []byte(plaintext))
	return base64.StdEncoding.EncodeToString(ct)
}
