package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type handlers struct {
	state StateSource
	loop  LoopState
}

type channelStatus struct {
	Login             string `json:"login"`
	ConfiguredQuality string `json:"configured_quality"`
	DesiredQuality    string `json:"desired_quality"`
	NegotiatedQuality string `json:"negotiated_quality,omitempty"`
	Failures          int    `json:"failures"`
	Recording         bool   `json:"recording"`
}

type sessionStatus struct {
	ID        string    `json:"id"`
	Login     string    `json:"login"`
	Quality   string    `json:"quality"`
	Path      string    `json:"path"`
	Title     string    `json:"title,omitempty"`
	Category  string    `json:"category,omitempty"`
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
}

type statusResponse struct {
	Ready     bool            `json:"ready"`
	LastTick  *time.Time      `json:"last_tick,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Pollable  []string        `json:"pollable"`
	Channels  []channelStatus `json:"channels"`
	Sessions  []sessionStatus `json:"sessions"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.loop.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "token",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	snap := h.state.Snapshot()
	resp := statusResponse{
		Ready:    h.loop.Ready(),
		Pollable: append([]string{}, snap.Pollable...),
		Channels: make([]channelStatus, 0, len(snap.Channels)),
		Sessions: make([]sessionStatus, 0, len(snap.Sessions)),
	}
	if at, lastErr := h.loop.LastTick(); !at.IsZero() {
		resp.LastTick = &at
		resp.LastError = lastErr
	}

	recording := make(map[string]bool, len(snap.Sessions))
	for _, s := range snap.Sessions {
		recording[s.Login] = true
		ss := sessionStatus{
			ID:        s.ID,
			Login:     s.Login,
			Quality:   s.Quality,
			Path:      s.Path,
			Title:     s.Title,
			Category:  s.Category,
			StartedAt: s.StartedAt,
		}
		if s.Proc != nil {
			ss.PID = s.Proc.Pid()
		}
		resp.Sessions = append(resp.Sessions, ss)
	}
	for _, c := range snap.Channels {
		resp.Channels = append(resp.Channels, channelStatus{
			Login:             c.Login,
			ConfiguredQuality: c.ConfiguredQuality,
			DesiredQuality:    c.DesiredQuality,
			NegotiatedQuality: c.NegotiatedQuality,
			Failures:          c.Failures,
			Recording:         recording[c.Login],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
