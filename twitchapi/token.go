package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultAuthBaseURL is the Twitch identity host.
const DefaultAuthBaseURL = "https://id.twitch.tv"

// DefaultTimeout bounds every Twitch HTTP call made with the package default client.
const DefaultTimeout = 15 * time.Second

var defaultHTTPClient = &http.Client{Timeout: DefaultTimeout}

// TokenManager owns the app access (client credentials) token used for Helix calls.
// It is created at startup, replaced when Helix answers 401 and revoked once at shutdown.
type TokenManager struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// AuthBaseURL overrides DefaultAuthBaseURL (tests).
	AuthBaseURL string

	mu          sync.RWMutex
	token       string
	expiresAt   time.Time
	validatedAt time.Time
	revokeOnce  sync.Once
}

func (tm *TokenManager) http() *http.Client {
	if tm.HTTPClient != nil {
		return tm.HTTPClient
	}
	return defaultHTTPClient
}

func (tm *TokenManager) authURL(path string) string {
	base := tm.AuthBaseURL
	if base == "" {
		base = DefaultAuthBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// Token returns the current token or "" when none is held.
func (tm *TokenManager) Token() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.token
}

// setToken installs a token directly (tests).
func (tm *TokenManager) setToken(tok string, expiresAt time.Time) {
	tm.mu.Lock()
	tm.token = tok
	tm.expiresAt = expiresAt
	tm.validatedAt = time.Now()
	tm.mu.Unlock()
}

// Invalidate drops the held token so the next cycle creates a new one.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.expiresAt = time.Time{}
	tm.mu.Unlock()
}

// NeedsValidation reports whether the token was last validated more than every ago.
func (tm *TokenManager) NeedsValidation(now time.Time, every time.Duration) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.token == "" || every <= 0 {
		return false
	}
	return now.Sub(tm.validatedAt) >= every
}

// Create requests a new app access token.
//
// 400 and 403 answers mean the credentials are wrong and are returned as *AuthError.
// Every other failure is soft: the caller keeps no token and retries later.
func (tm *TokenManager) Create(ctx context.Context) (string, error) {
	if tm.ClientID == "" || tm.ClientSecret == "" {
		return "", &AuthError{Message: "missing client id/secret for twitch app token"}
	}
	cc := clientcredentials.Config{
		ClientID:     tm.ClientID,
		ClientSecret: tm.ClientSecret,
		TokenURL:     tm.authURL("/oauth2/token"),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, tm.http()))
	if err != nil {
		return "", classifyTokenError(err)
	}
	exp := tok.Expiry
	if exp.IsZero() {
		exp = ComputeExpiry(0)
	}
	tm.mu.Lock()
	tm.token = tok.AccessToken
	tm.expiresAt = exp
	tm.validatedAt = time.Now()
	tm.mu.Unlock()
	return tok.AccessToken, nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := apiMessage(re.Body)
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusForbidden:
			return &AuthError{Status: re.Response.StatusCode, Message: msg}
		default:
			return &ServerError{Status: re.Response.StatusCode, Body: msg}
		}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &TransportError{Op: "twitch token", Err: err}
	}
	return fmt.Errorf("twitch token: %w", err)
}

// Validate checks the held token against the identity service.
func (tm *TokenManager) Validate(ctx context.Context) error {
	tok := tm.Token()
	if tok == "" {
		return ErrUnauthorized
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tm.authURL("/oauth2/validate"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "OAuth "+tok)
	resp, err := tm.http().Do(req)
	if err != nil {
		return &TransportError{Op: "twitch validate", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
		tm.mu.Lock()
		tm.validatedAt = time.Now()
		tm.mu.Unlock()
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, readMessage(resp.Body))
	default:
		return &ServerError{Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
}

// Revoke invalidates the held token server-side. It only ever runs once and
// is a no-op without a token; failures are returned for logging only.
func (tm *TokenManager) Revoke(ctx context.Context) error {
	var err error
	tm.revokeOnce.Do(func() {
		tok := tm.Token()
		if tok == "" {
			return
		}
		err = tm.revoke(ctx, tok)
		tm.Invalidate()
	})
	return err
}

func (tm *TokenManager) revoke(ctx context.Context, tok string) error {
	form := url.Values{}
	form.Set("client_id", tm.ClientID)
	form.Set("token", tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.authURL("/oauth2/revoke"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := tm.http().Do(req)
	if err != nil {
		return &TransportError{Op: "twitch revoke", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &ServerError{Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
	return nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// readMessage extracts the "message" field of a Twitch error body, falling back to the raw text.
func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return apiMessage(b)
}

func apiMessage(b []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(b))
}
