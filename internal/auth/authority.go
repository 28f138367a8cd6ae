package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"giftwatch/internal/api"
	"giftwatch/internal/vault"
	logx "giftwatch/pkg/logx"
)

// ErrAuthFailure means no app token could be obtained: the network call
// failed and no cached credential exists either.
var ErrAuthFailure = errors.New("app authentication failed and no cached token available")

// Vault keys owned by this package.
const (
	credentialKey = "credentials"
	deviceIDKey   = "device_id"
)

// expiryLeeway refreshes a token slightly before its recorded expiry so a
// cycle does not start with a token about to die mid-flight.
const expiryLeeway = 30 * time.Second

// Config carries the build-time identity of the installed app.
//
// SharedSecret is the embedded signing secret the backend expects in the
// app-signature header. It is extractable from any shipped binary; the
// backend treats it as proof-of-build, not proof-of-identity.
type Config struct {
	AppVersion   string
	SharedSecret string
	UserID       string
}

// credential is the persisted credential record. Owned exclusively by the
// Authority; mutated only on successful authentication or Logout.
type credential struct {
	Token   string    `json:"token"`
	Expiry  time.Time `json:"expiry,omitempty"`
	UserID  string    `json:"user_id"`
	Updated time.Time `json:"updated"`
}

// expired reports whether the recorded expiry (when known) has passed or is
// about to. A zero Expiry means the backend declared no lifetime; such
// tokens are served until a 401 proves otherwise.
func (c *credential) expired() bool {
	return !c.Expiry.IsZero() && time.Now().Add(expiryLeeway).After(c.Expiry)
}

// Authority obtains and refreshes the app-level token.
//
// Authenticate hits the network; CurrentToken never does. On a network
// failure Authenticate silently falls back to the cached token (with a
// warning) and only returns ErrAuthFailure when there is nothing to fall
// back to.
type Authority struct {
	cfg    Config
	client *api.Client
	vault  *vault.Vault
	log    logx.Logger

	mu   sync.Mutex
	cred *credential
}

func New(cfg Config, client *api.Client, v *vault.Vault, log logx.Logger) *Authority {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Authority{cfg: cfg, client: client, vault: v, log: log}
}

// Signature computes the app-signature header value:
// hex(SHA-256("{app_version}:{shared_secret}")).
func Signature(appVersion, sharedSecret string) string {
	sum := sha256.Sum256([]byte(appVersion + ":" + sharedSecret))
	return hex.EncodeToString(sum[:])
}

// Authenticate obtains a fresh app token, persisting it on success.
func (a *Authority) Authenticate(ctx context.Context) (string, error) {
	deviceID, err := a.deviceID(ctx)
	if err != nil {
		a.log.Warn("device id unavailable", logx.Err(err))
	}

	resp, err := a.client.AuthenticateApp(ctx, a.cfg.AppVersion, Signature(a.cfg.AppVersion, a.cfg.SharedSecret), deviceID)
	if err != nil {
		if cached := a.cachedToken(ctx); cached != "" {
			a.log.Warn("app authentication failed; falling back to cached token", logx.Err(err))
			return cached, nil
		}
		a.log.Error("app authentication failed with no cached token", logx.Err(err))
		return "", errors.Join(ErrAuthFailure, err)
	}

	cred := &credential{
		Token:   resp.Token,
		UserID:  a.cfg.UserID,
		Updated: time.Now(),
	}
	if exp := tokenExpiry(resp.Token, resp.ExpiresIn); !exp.IsZero() {
		cred.Expiry = exp
	}

	a.mu.Lock()
	a.cred = cred
	a.mu.Unlock()

	if err := a.persist(ctx, cred); err != nil {
		// Token still usable this process; persistence is best-effort.
		a.log.Warn("persisting credentials failed", logx.Err(err))
	}
	a.log.Info("app authenticated", logx.String("app_version", a.cfg.AppVersion))
	return cred.Token, nil
}

// CurrentToken returns the last obtained or cached token without any
// network I/O. Empty when nothing is available.
func (a *Authority) CurrentToken(ctx context.Context) string {
	return a.cachedToken(ctx)
}

// EnsureToken returns a usable token, authenticating when none is cached or
// the cached one is past its recorded expiry.
func (a *Authority) EnsureToken(ctx context.Context) (string, error) {
	if cred := a.cachedCred(ctx); cred != nil && !cred.expired() {
		return cred.Token, nil
	}
	return a.Authenticate(ctx)
}

// Logout clears the credential record in memory and in the vault.
func (a *Authority) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.cred = nil
	a.mu.Unlock()
	return a.vault.Remove(ctx, credentialKey)
}

// UserID returns the configured user identifier.
func (a *Authority) UserID() string { return a.cfg.UserID }

// cachedToken returns the cached token regardless of its recorded expiry.
// An expired token is still the best available fallback when the network is
// down; freshness checks belong to EnsureToken.
func (a *Authority) cachedToken(ctx context.Context) string {
	if cred := a.cachedCred(ctx); cred != nil {
		return cred.Token
	}
	return ""
}

func (a *Authority) cachedCred(ctx context.Context) *credential {
	a.mu.Lock()
	if a.cred != nil {
		c := *a.cred
		a.mu.Unlock()
		return &c
	}
	a.mu.Unlock()

	// Cold start: try the vault copy.
	raw, ok, err := a.vault.Get(ctx, credentialKey)
	if err != nil || !ok {
		return nil
	}
	var cred credential
	if err := json.Unmarshal(raw, &cred); err != nil || cred.Token == "" {
		return nil
	}

	a.mu.Lock()
	if a.cred == nil {
		a.cred = &cred
	}
	c := *a.cred
	a.mu.Unlock()
	return &c
}

func (a *Authority) persist(ctx context.Context, cred *credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return a.vault.Put(ctx, credentialKey, raw)
}

// deviceID returns the per-install device identifier, provisioning one on
// first use.
func (a *Authority) deviceID(ctx context.Context) (string, error) {
	raw, ok, err := a.vault.Get(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if ok && len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := a.vault.Put(ctx, deviceIDKey, []byte(id)); err != nil {
		return id, err
	}
	return id, nil
}

// tokenExpiry extracts the expiry from the token itself when it is a JWT
// (claims are read unverified; the backend owns validation), falling back
// to the server-declared expires_in.
func tokenExpiry(token string, expiresIn int64) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}
