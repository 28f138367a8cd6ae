package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"giftwatch/internal/gift"
	logx "giftwatch/pkg/logx"
)

// Default per-request timeout. An unbounded hang would stall the next
// scheduled polling tick, so every call is capped even when the caller's
// context has no deadline.
const defaultTimeout = 10 * time.Second

// FetchError is a transient transport or HTTP-status failure.
// Status is 0 for pure network errors.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err is a FetchError with HTTP 401.
func IsUnauthorized(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Status == http.StatusUnauthorized
}

// Client talks to the gift monitor backend.
type Client struct {
	baseURL string
	http    *http.Client
	log     logx.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func New(baseURL string, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- Wire types ----

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type BotTokenResponse struct {
	// Token is base64 ciphertext; the broker decrypts it locally.
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type giftEnvelope struct {
	ID              string   `json:"id"`
	GiftID          string   `json:"gift_id"`
	GiftData        giftData `json:"gift_data"`
	ChannelUsername string   `json:"channel_username"`
	MessageLink     string   `json:"message_link"`
	CreatedAt       string   `json:"created_at"`
}

type giftData struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Emoji            string   `json:"emoji"`
	Description      string   `json:"description"`
	Price            string   `json:"price"`
	Total            int      `json:"total"`
	Available        int      `json:"available"`
	AvailablePercent *int     `json:"available_percent"`
	IsLimited        bool     `json:"is_limited"`
	IsSoldOut        bool     `json:"is_sold_out"`
	DetectedAt       string   `json:"detected_at"`
	UrgencyScore     *float64 `json:"urgency_score"`
}

// ---- Operations ----

// AuthenticateApp exchanges the app fingerprint for an app token.
// 403 (bad signature) and every other non-200 status are FetchErrors;
// the auth layer decides whether a cached token can still serve.
func (c *Client) AuthenticateApp(ctx context.Context, appVersion, appSignature, deviceID string) (TokenResponse, error) {
	const op = "auth"
	req, err := c.newRequest(ctx, http.MethodPost, "/api/auth/app", nil)
	if err != nil {
		return TokenResponse{}, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("app-version", appVersion)
	req.Header.Set("app-signature", appSignature)
	if deviceID != "" {
		req.Header.Set("device-id", deviceID)
	}

	var out TokenResponse
	if err := c.do(op, req, &out); err != nil {
		return TokenResponse{}, err
	}
	if out.Token == "" {
		return TokenResponse{}, &FetchError{Op: op, Err: errors.New("empty token in response")}
	}
	return out, nil
}

// FetchConfig returns the raw signed config document. The caller verifies
// the signature over the exact bytes, so no decoding happens here.
func (c *Client) FetchConfig(ctx context.Context, token, appVersion string) ([]byte, error) {
	const op = "config"
	req, err := c.newRequest(ctx, http.MethodGet, "/api/config", nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-App-Version", appVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Op: op, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	return body, nil
}

// FetchBotToken retrieves the encrypted channel-access token for a user.
func (c *Client) FetchBotToken(ctx context.Context, token, userID string) (BotTokenResponse, error) {
	const op = "bot-token"
	req, err := c.newRequest(ctx, http.MethodGet, "/api/bot-token", nil)
	if err != nil {
		return BotTokenResponse{}, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("user-id", userID)

	var out BotTokenResponse
	if err := c.do(op, req, &out); err != nil {
		return BotTokenResponse{}, err
	}
	if out.Token == "" {
		return BotTokenResponse{}, &FetchError{Op: op, Err: errors.New("empty token in response")}
	}
	return out, nil
}

// FetchRecentGifts returns the newest detected gifts. Order is whatever the
// backend sends; callers must not assume newest-first.
func (c *Client) FetchRecentGifts(ctx context.Context, token string, limit int) ([]gift.Gift, error) {
	const op = "gifts"
	path := "/api/v1/gifts/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var envs []giftEnvelope
	if err := c.do(op, req, &envs); err != nil {
		return nil, err
	}

	out := make([]gift.Gift, 0, len(envs))
	for _, e := range envs {
		g := e.toGift()
		if g.ID == "" {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (e giftEnvelope) toGift() gift.Gift {
	d := e.GiftData
	g := gift.Gift{
		ID:          e.GiftID,
		Name:        d.Name,
		Emoji:       d.Emoji,
		Description: d.Description,
		Price:       d.Price,
		Total:       d.Total,
		Available:   d.Available,
		IsLimited:   d.IsLimited,
		IsSoldOut:   d.IsSoldOut,
		Channel:     e.ChannelUsername,
		MessageLink: e.MessageLink,
	}
	if g.ID == "" {
		g.ID = d.ID
	}
	if g.ID == "" {
		g.ID = e.ID
	}
	if d.AvailablePercent != nil {
		g.AvailablePct = *d.AvailablePercent
		g.AvailableKnown = true
	}
	if ts := parseTime(d.DetectedAt); !ts.IsZero() {
		g.DetectedAt = ts
	} else {
		g.DetectedAt = parseTime(e.CreatedAt)
	}
	if d.UrgencyScore != nil {
		g.UrgencyScore = *d.UrgencyScore
	} else {
		g.UrgencyScore = gift.Urgency(g)
	}
	return g
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ---- plumbing ----

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, errors.New("api base url not configured")
	}
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &FetchError{Op: op, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return &FetchError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
