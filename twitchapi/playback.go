package twitchapi

import (
	"bytes"
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
)

const (
	// DefaultGQLURL is the web player's GraphQL endpoint.
	DefaultGQLURL = "https://gql.twitch.tv/gql"
	// DefaultUsherBaseURL serves live HLS master playlists.
	DefaultUsherBaseURL = "https://usher.ttvnw.net"

	webPlayerClientID       = "kimne78kx3ncx6brgo4mv6wki5h1ko"
	playbackAccessTokenHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"
)

// ErrNoPlaybackToken is returned when GQL answers without a stream token (channel offline).
var ErrNoPlaybackToken = errors.New("twitch: no stream playback token")

// PlaybackToken authorizes a usher manifest request.
type PlaybackToken struct {
	Value     string
	Signature string
	ExpiresAt time.Time
}

// Expired reports whether the token must be fetched again.
func (t PlaybackToken) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}

// PlaybackClient lists the renditions a live channel currently offers by
// fetching a playback access token and parsing the usher master playlist.
type PlaybackClient struct {
	HTTPClient   *http.Client
	GQLURL       string
	UsherBaseURL string
	// OAuthToken is an optional user token forwarded as "Authorization: OAuth <token>".
	OAuthToken string
	Now        func() time.Time

	mu    sync.Mutex
	cache map[string]PlaybackToken
}

func (pc *PlaybackClient) http() *http.Client {
	if pc.HTTPClient != nil {
		return pc.HTTPClient
	}
	return defaultHTTPClient
}

func (pc *PlaybackClient) now() time.Time {
	if pc.Now != nil {
		return pc.Now()
	}
	return time.Now()
}

type gqlPersistedQuery struct {
	OperationName string `json:"operationName"`
	Extensions    struct {
		PersistedQuery struct {
			Version    int    `json:"version"`
			SHA256Hash string `json:"sha256Hash"`
		} `json:"persistedQuery"`
	} `json:"extensions"`
	Variables struct {
		IsLive     bool   `json:"isLive"`
		Login      string `json:"login"`
		IsVod      bool   `json:"isVod"`
		VodID      string `json:"vodID"`
		PlayerType string `json:"playerType"`
	} `json:"variables"`
}

// AccessToken returns a cached playback token for login, fetching a new one
// once the expiry embedded in the token value has passed.
func (pc *PlaybackClient) AccessToken(ctx context.Context, login string) (PlaybackToken, error) {
	pc.mu.Lock()
	if t, ok := pc.cache[login]; ok && !t.Expired(pc.now()) {
		pc.mu.Unlock()
		return t, nil
	}
	pc.mu.Unlock()

	t, err := pc.fetchAccessToken(ctx, login)
	if err != nil {
		return PlaybackToken{}, err
	}
	pc.mu.Lock()
	if pc.cache == nil {
		pc.cache = map[string]PlaybackToken{}
	}
	pc.cache[login] = t
	pc.mu.Unlock()
	return t, nil
}

// Forget drops the cached token for login.
func (pc *PlaybackClient) Forget(login string) {
	pc.mu.Lock()
	delete(pc.cache, login)
	pc.mu.Unlock()
}

func (pc *PlaybackClient) fetchAccessToken(ctx context.Context, login string) (PlaybackToken, error) {
	var q gqlPersistedQuery
	q.OperationName = "PlaybackAccessToken"
	q.Extensions.PersistedQuery.Version = 1
	q.Extensions.PersistedQuery.SHA256Hash = playbackAccessTokenHash
	q.Variables.IsLive = true
	q.Variables.Login = login
	q.Variables.PlayerType = "embed"
	payload, err := json.Marshal(q)
	if err != nil {
		return PlaybackToken{}, err
	}
	endpoint := pc.GQLURL
	if endpoint == "" {
		endpoint = DefaultGQLURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return PlaybackToken{}, err
	}
	req.Header.Set("Client-Id", webPlayerClientID)
	req.Header.Set("Content-Type", "application/json")
	if pc.OAuthToken != "" {
		req.Header.Set("Authorization", "OAuth "+pc.OAuthToken)
	}
	resp, err := pc.http().Do(req)
	if err != nil {
		return PlaybackToken{}, &TransportError{Op: "gql playback token", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return PlaybackToken{}, &ServerError{Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
	var body struct {
		Data struct {
			StreamPlaybackAccessToken *struct {
				Value     string `json:"value"`
				Signature string `json:"signature"`
			} `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PlaybackToken{}, fmt.Errorf("decode playback token: %w", err)
	}
	spat := body.Data.StreamPlaybackAccessToken
	if spat == nil || spat.Value == "" {
		return PlaybackToken{}, ErrNoPlaybackToken
	}
	return PlaybackToken{Value: spat.Value, Signature: spat.Signature, ExpiresAt: tokenExpiry(spat.Value)}, nil
}

// tokenExpiry reads the unix "expires" field embedded in the token value.
// A value without one is treated as already expired so it is never cached.
func tokenExpiry(value string) time.Time {
	var v struct {
		Expires int64 `json:"expires"`
	}
	if err := json.Unmarshal([]byte(value), &v); err != nil || v.Expires <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Expires, 0)
}

// Renditions returns the quality labels login is currently broadcasting.
func (pc *PlaybackClient) Renditions(ctx context.Context, login string) ([]string, error) {
	tok, err := pc.AccessToken(ctx, login)
	if err != nil {
		return nil, err
	}
	base := pc.UsherBaseURL
	if base == "" {
		base = DefaultUsherBaseURL
	}
	params := url.Values{}
	params.Set("client_id", webPlayerClientID)
	params.Set("token", tok.Value)
	params.Set("sig", tok.Signature)
	params.Set("allow_source", "true")
	params.Set("allow_audio_only", "true")
	u := strings.TrimRight(base, "/") + "/api/channel/hls/" + url.PathEscape(login) + ".m3u8?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := pc.http().Do(req)
	if err != nil {
		return nil, &TransportError{Op: "usher manifest", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		// A rejected token is useless for the rest of its lifetime.
		pc.Forget(login)
		return nil, &ServerError{Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: "usher manifest", Err: err}
	}
	return ParseRenditions(string(b)), nil
}
