// Package testutil holds fakes shared by package tests: a mock of the
// Twitch endpoints livecheck talks to and a Postgres helper.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockTwitchServer serves the id.twitch.tv, api.twitch.tv, gql and usher
// endpoints from one httptest server, keyed by request path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	calls    map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs (or replaces) the handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Calls returns how many requests path has received.
func (m *MockTwitchServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// WriteJSON writes v with a JSON content type; the oauth2 client needs the header.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// MockOAuthTokenSequence hands out tokens in order, repeating the last one.
func (m *MockTwitchServer) MockOAuthTokenSequence(tokens ...string) {
	var mu sync.Mutex
	i := 0
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tok := tokens[i]
		if i < len(tokens)-1 {
			i++
		}
		mu.Unlock()
		WriteJSON(w, http.StatusOK, map[string]interface{}{"access_token": tok, "expires_in": 3600, "token_type": "bearer"})
	})
}

// MockOAuthTokenError makes token creation fail with status.
func (m *MockTwitchServer) MockOAuthTokenError(status int, message string) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, map[string]interface{}{"status": status, "message": message})
	})
}

// MockValidateResponse answers /oauth2/validate with status.
func (m *MockTwitchServer) MockValidateResponse(status int) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusOK {
			WriteJSON(w, status, map[string]interface{}{"client_id": "test-client", "expires_in": 3600})
			return
		}
		WriteJSON(w, status, map[string]interface{}{"status": status, "message": "invalid access token"})
	})
}

// MockRevokeResponse answers /oauth2/revoke with status.
func (m *MockTwitchServer) MockRevokeResponse(status int) {
	m.Handle("/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"data": streams})
	})
}

// MockStreamsFunc lets a test decide the response per request.
func (m *MockTwitchServer) MockStreamsFunc(fn func(logins []string) (int, []map[string]interface{})) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		status, streams := fn(r.URL.Query()["user_login"])
		if status != http.StatusOK {
			WriteJSON(w, status, map[string]interface{}{"status": status, "message": http.StatusText(status)})
			return
		}
		WriteJSON(w, status, map[string]interface{}{"data": streams})
	})
}

// MockStreamsRateLimited answers /helix/streams with 429 and the given reset.
func (m *MockTwitchServer) MockStreamsRateLimited(resetUnix int64) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Remaining", "0")
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(resetUnix, 10))
		WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{"status": 429, "message": "Too Many Requests"})
	})
}

// MockPlaybackAccessToken answers the GQL endpoint with a token expiring at expiresUnix.
func (m *MockTwitchServer) MockPlaybackAccessToken(expiresUnix int64) {
	m.Handle("/gql", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"streamPlaybackAccessToken": map[string]string{
					"value":     fmt.Sprintf(`{"expires":%d}`, expiresUnix),
					"signature": "test-sig",
				},
			},
		})
	})
}

// MockUsherManifest serves a master playlist for login.
func (m *MockTwitchServer) MockUsherManifest(login, manifest string) {
	m.Handle("/api/channel/hls/"+login+".m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(manifest)) //nolint:errcheck // test mock response
	})
}

// Stream builds one /helix/streams data entry.
func Stream(login, title, category string) map[string]interface{} {
	return map[string]interface{}{
		"user_login": login,
		"title":      title,
		"game_name":  category,
		"type":       "live",
		"started_at": "2024-10-15T14:30:00Z",
	}
}
