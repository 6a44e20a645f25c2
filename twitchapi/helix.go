// Package twitchapi contains the Twitch clients used by the live checker: the
// app access token lifecycle, the batched Helix streams query and the
// playback-token/usher manifest lookup used for quality probing.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAPIBaseURL is the Helix host.
const DefaultAPIBaseURL = "https://api.twitch.tv"

// MaxLoginsPerRequest is the documented Helix limit of user_login values per call.
const MaxLoginsPerRequest = 100

// defaultRateLimitWait is used when a 429 carries no usable Ratelimit-Reset header.
const defaultRateLimitWait = time.Minute

// Stream is the subset of a live stream the recorder needs.
type Stream struct {
	Login     string
	Title     string
	Category  string
	StartedAt time.Time
}

// HelixClient queries live status for a set of channels.
type HelixClient struct {
	Tokens     *TokenManager
	ClientID   string
	HTTPClient *http.Client
	// BaseURL overrides DefaultAPIBaseURL (tests).
	BaseURL string
	// Limiter optionally paces requests; nil disables pacing.
	Limiter *rate.Limiter
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return defaultHTTPClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultAPIBaseURL
}

// GetStreams returns the channels among logins that are currently live.
// Logins are batched MaxLoginsPerRequest at a time; the first failing batch
// aborts the call so the caller sees a single classified error per round.
func (hc *HelixClient) GetStreams(ctx context.Context, logins []string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	tok := hc.Tokens.Token()
	if tok == "" {
		return nil, fmt.Errorf("%w: no access token", ErrUnauthorized)
	}
	var out []Stream
	for start := 0; start < len(logins); start += MaxLoginsPerRequest {
		end := min(start+MaxLoginsPerRequest, len(logins))
		page, err := hc.getStreamsPage(ctx, tok, logins[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (hc *HelixClient) getStreamsPage(ctx context.Context, tok string, logins []string) ([]Stream, error) {
	if hc.Limiter != nil {
		if err := hc.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+"/helix/streams", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for _, l := range logins {
		q.Add("user_login", l)
	}
	q.Set("first", strconv.Itoa(MaxLoginsPerRequest))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, &TransportError{Op: "helix streams", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, readMessage(resp.Body))
	case http.StatusBadRequest:
		return nil, &BadRequestError{Message: readMessage(resp.Body)}
	case http.StatusTooManyRequests:
		return nil, &RateLimitedError{Reset: parseRateLimitReset(resp.Header.Get("Ratelimit-Reset"))}
	default:
		return nil, &ServerError{Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}

	var body struct {
		Data []struct {
			UserLogin string `json:"user_login"`
			Title     string `json:"title"`
			GameName  string `json:"game_name"`
			Type      string `json:"type"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode helix streams: %w", err)
	}
	out := make([]Stream, 0, len(body.Data))
	for _, d := range body.Data {
		if d.Type != "" && d.Type != "live" {
			continue
		}
		started, _ := time.Parse(time.RFC3339, d.StartedAt)
		out = append(out, Stream{
			Login:     strings.ToLower(d.UserLogin),
			Title:     d.Title,
			Category:  d.GameName,
			StartedAt: started,
		})
	}
	return out, nil
}

// parseRateLimitReset converts the unix-seconds Ratelimit-Reset header.
func parseRateLimitReset(v string) time.Time {
	if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0)
	}
	return time.Now().Add(defaultRateLimitWait)
}
