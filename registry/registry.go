// Package registry holds the authoritative per-channel state of a run: the
// configured and negotiated quality of every channel, its failed-probe
// counter, its output directory and, while recording, its capture session.
//
// A channel is pollable exactly when it has no session. The pollable set is
// never stored; Pollable derives it from the session map under the same lock
// so a login can never be both pollable and recording.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Quality aliases the capture tool resolves itself.
const (
	QualityBest      = "best"
	QualityWorst     = "worst"
	QualityAudioOnly = "audio_only"
)

var (
	// ErrUnknownChannel is returned for logins that were not configured.
	ErrUnknownChannel = errors.New("registry: unknown channel")
	// ErrAlreadyRecording guards against a second session for one channel.
	ErrAlreadyRecording = errors.New("registry: channel already recording")
)

// Process is a running capture child as seen by the registry.
type Process interface {
	Pid() int
	// Poll reports without blocking whether the process has exited and its exit code.
	Poll() (exited bool, code int)
	// Terminate stops the process, escalating to a kill after grace.
	Terminate(grace time.Duration) error
}

// Session is one live recording.
type Session struct {
	ID        string
	Login     string
	Quality   string
	Path      string
	Title     string
	Category  string
	StartedAt time.Time
	Proc      Process
}

// Channel is the per-login state.
type Channel struct {
	Login             string
	ConfiguredQuality string
	DesiredQuality    string
	NegotiatedQuality string
	Failures          int
	OutputDir         string
}

// Spec configures one channel at construction time.
type Spec struct {
	Login   string
	Quality string
}

// Registry is safe for concurrent use; the control loop mutates it and the
// status server reads snapshots.
type Registry struct {
	mu       sync.Mutex
	order    []string
	channels map[string]*Channel
	sessions map[string]*Session
}

// New builds the registry for the configured channels. Logins are lowercased;
// root is the directory under which each channel gets its own folder.
func New(root string, specs []Spec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("registry: no channels configured")
	}
	r := &Registry{
		channels: make(map[string]*Channel, len(specs)),
		sessions: make(map[string]*Session),
	}
	for _, s := range specs {
		login := strings.ToLower(strings.TrimSpace(s.Login))
		if login == "" {
			return nil, errors.New("registry: empty channel login")
		}
		if _, dup := r.channels[login]; dup {
			return nil, fmt.Errorf("registry: duplicate channel %q", login)
		}
		q := s.Quality
		if q == "" {
			q = QualityBest
		}
		r.channels[login] = &Channel{
			Login:             login,
			ConfiguredQuality: q,
			DesiredQuality:    q,
			OutputDir:         filepath.Join(root, login),
		}
		r.order = append(r.order, login)
	}
	return r, nil
}

// Logins returns every configured login in configuration order.
func (r *Registry) Logins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Pollable returns the logins without a session, in configuration order.
func (r *Registry) Pollable() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order)-len(r.sessions))
	for _, l := range r.order {
		if _, rec := r.sessions[l]; !rec {
			out = append(out, l)
		}
	}
	return out
}

// Channel returns a copy of the channel state.
func (r *Registry) Channel(login string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[login]
	if !ok {
		return Channel{}, false
	}
	return *c, true
}

// Update applies fn to the channel under the registry lock.
func (r *Registry) Update(login string, fn func(c *Channel)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[login]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, login)
	}
	fn(c)
	return nil
}

// EnsureOutputDir creates the channel's output directory if needed and returns it.
// Calling it for an existing directory is a no-op.
func (r *Registry) EnsureOutputDir(login string) (string, error) {
	c, ok := r.Channel(login)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, login)
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir output dir: %w", err)
	}
	return c.OutputDir, nil
}

// StartRecording moves login from the pollable set into the session map.
func (r *Registry) StartRecording(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[s.Login]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, s.Login)
	}
	if _, rec := r.sessions[s.Login]; rec {
		return fmt.Errorf("%w: %s", ErrAlreadyRecording, s.Login)
	}
	c.NegotiatedQuality = s.Quality
	r.sessions[s.Login] = s
	return nil
}

// FinishRecording removes login's session and returns the channel to the
// pollable set with its configured quality and a cleared failure counter.
// It returns the removed session, or nil when login was not recording.
func (r *Registry) FinishRecording(login string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[login]
	if !ok {
		return nil
	}
	delete(r.sessions, login)
	if c, ok := r.channels[login]; ok {
		c.DesiredQuality = c.ConfiguredQuality
		c.NegotiatedQuality = ""
		c.Failures = 0
	}
	return s
}

// Sessions returns the running sessions sorted by login.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// Recording reports whether login has a session.
func (r *Registry) Recording(login string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[login]
	return ok
}

// Snapshot is a point-in-time copy for reporting.
type Snapshot struct {
	Channels []Channel
	Pollable []string
	Sessions []Session
}

// Snapshot copies the whole state under one lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snap Snapshot
	for _, l := range r.order {
		snap.Channels = append(snap.Channels, *r.channels[l])
		if s, rec := r.sessions[l]; rec {
			snap.Sessions = append(snap.Sessions, *s)
		} else {
			snap.Pollable = append(snap.Pollable, l)
		}
	}
	return snap
}

// CheckInvariant verifies that every configured login is in exactly one of
// the pollable set and the session map, and that no session is orphaned.
func (r *Registry) CheckInvariant() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l := range r.sessions {
		if _, ok := r.channels[l]; !ok {
			return fmt.Errorf("session for unconfigured channel %q", l)
		}
	}
	pollable := 0
	for _, l := range r.order {
		if _, rec := r.sessions[l]; !rec {
			pollable++
		}
	}
	if pollable+len(r.sessions) != len(r.order) {
		return fmt.Errorf("pollable %d + recording %d != channels %d", pollable, len(r.sessions), len(r.order))
	}
	return nil
}
