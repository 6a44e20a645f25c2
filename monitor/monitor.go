// Package monitor runs the polling loop: keep an app token, ask Helix which
// pollable channels are live, negotiate quality, launch captures and reap
// finished ones, on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livecheck/capture"
	"github.com/onnwee/livecheck/quality"
	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/telemetry"
	"github.com/onnwee/livecheck/twitchapi"
)

// DefaultValidateEvery matches Twitch's requirement to validate app tokens hourly.
const DefaultValidateEvery = time.Hour

// Tokens is the app access token lifecycle.
type Tokens interface {
	Token() string
	Create(ctx context.Context) (string, error)
	Validate(ctx context.Context) error
	NeedsValidation(now time.Time, every time.Duration) bool
	Invalidate()
	Revoke(ctx context.Context) error
}

// StreamSource answers liveness queries.
type StreamSource interface {
	GetStreams(ctx context.Context, logins []string) ([]twitchapi.Stream, error)
}

// Negotiator decides the capture quality of a live channel.
type Negotiator interface {
	Negotiate(ctx context.Context, login string) (quality.Result, error)
}

// Supervisor owns capture processes.
type Supervisor interface {
	Launch(ctx context.Context, stream twitchapi.Stream, quality string) (*registry.Session, error)
	Reap(ctx context.Context) []capture.Finished
	TerminateAll(ctx context.Context, grace time.Duration) []capture.Finished
}

// errNoToken marks a tick skipped because no token could be obtained.
var errNoToken = errors.New("no app access token")

// Monitor is the control loop. Only one goroutine may call Tick or Run.
type Monitor struct {
	Registry      *registry.Registry
	Tokens        Tokens
	Streams       StreamSource
	Negotiator    Negotiator
	Capture       Supervisor
	Refresh       time.Duration
	ValidateEvery time.Duration
	Grace         time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	shutdownOnce sync.Once
	mu           sync.Mutex
	lastTick     time.Time
	lastErr      string
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep != nil {
		return m.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Monitor) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"))
}

// Run ticks every Refresh until ctx is done (nil) or a fatal error occurs.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := m.sleep(ctx, m.Refresh); err != nil {
			return nil
		}
	}
}

// Tick runs one poll round. It returns an error only for conditions that
// must stop the program (bad credentials, malformed requests) or when ctx
// is cancelled during a rate-limit wait.
func (m *Monitor) Tick(ctx context.Context) (err error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "monitor.tick")
	defer func() {
		m.recordTick(err)
		telemetry.EndSpan(span, err)
	}()
	logger := m.logger(ctx)

	if err := m.ensureToken(ctx); err != nil {
		if !errors.Is(err, errNoToken) {
			return err
		}
		m.Capture.Reap(ctx)
		return nil
	}

	pollable := m.Registry.Pollable()
	if len(pollable) > 0 {
		streams, err := m.poll(ctx, pollable)
		var rl *twitchapi.RateLimitedError
		var te *twitchapi.TransportError
		switch {
		case err == nil:
			m.startLive(ctx, streams)
		case errors.Is(err, twitchapi.ErrUnauthorized):
			logger.Warn("app access token rejected; creating a new one", slog.Any("err", err))
			m.Tokens.Invalidate()
			if err := m.createToken(ctx); err != nil && !errors.Is(err, errNoToken) {
				return err
			}
		case errors.As(err, &rl):
			if err := m.waitRateLimit(ctx, rl.Reset); err != nil {
				return err
			}
		case twitchapi.IsFatal(err):
			logger.Error("liveness query rejected", slog.Any("err", err))
			return err
		case errors.As(err, &te):
			logger.Warn("liveness query failed; treating every channel as offline", slog.Any("err", err))
		default:
			logger.Error("liveness query failed", slog.Any("err", err))
		}
	}

	m.Capture.Reap(ctx)
	if ierr := m.Registry.CheckInvariant(); ierr != nil {
		logger.Error("channel registry out of sync", slog.Any("err", ierr))
	}
	return nil
}

// ensureToken creates a token when none is held and validates the held one
// every ValidateEvery.
func (m *Monitor) ensureToken(ctx context.Context) error {
	if m.Tokens.Token() == "" {
		return m.createToken(ctx)
	}
	if !m.Tokens.NeedsValidation(m.now(), m.ValidateEvery) {
		return nil
	}
	err := m.Tokens.Validate(ctx)
	switch {
	case err == nil:
		m.logger(ctx).Debug("app access token validated")
		return nil
	case errors.Is(err, twitchapi.ErrUnauthorized):
		m.logger(ctx).Warn("app access token no longer valid; creating a new one", slog.Any("err", err))
		m.Tokens.Invalidate()
		return m.createToken(ctx)
	default:
		m.logger(ctx).Warn("token validation failed; keeping current token", slog.Any("err", err))
		return nil
	}
}

func (m *Monitor) createToken(ctx context.Context) error {
	if _, err := m.Tokens.Create(ctx); err != nil {
		telemetry.RecordTokenCreation("error")
		if twitchapi.IsFatal(err) {
			m.logger(ctx).Error("cannot create app access token", slog.Any("err", err))
			return err
		}
		m.logger(ctx).Warn("app access token creation failed; retrying next round", slog.Any("err", err))
		return errNoToken
	}
	telemetry.RecordTokenCreation("ok")
	m.logger(ctx).Info("app access token created")
	return nil
}

func (m *Monitor) poll(ctx context.Context, logins []string) ([]twitchapi.Stream, error) {
	ctx, span := telemetry.StartSpan(ctx, "helix.get_streams", attribute.Int("logins", len(logins)))
	var streams []twitchapi.Stream
	var err error
	telemetry.TimePoll(func() { streams, err = m.Streams.GetStreams(ctx, logins) })
	telemetry.RecordPoll(pollResult(err))
	span.SetAttributes(attribute.Int("live", len(streams)))
	telemetry.EndSpan(span, err)
	return streams, err
}

func pollResult(err error) string {
	var rl *twitchapi.RateLimitedError
	var te *twitchapi.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, twitchapi.ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &rl):
		return "rate_limited"
	case twitchapi.IsFatal(err):
		return "rejected"
	case errors.As(err, &te):
		return "transport"
	default:
		return "server_error"
	}
}

func (m *Monitor) startLive(ctx context.Context, streams []twitchapi.Stream) {
	telemetry.SetLiveChannels(len(streams))
	logger := m.logger(ctx)
	if len(streams) == 0 {
		logger.Debug("no channel is live", slog.Duration("next_check", m.Refresh))
		return
	}
	for _, st := range streams {
		if _, ok := m.Registry.Channel(st.Login); !ok || m.Registry.Recording(st.Login) {
			continue
		}
		res, err := m.Negotiator.Negotiate(ctx, st.Login)
		if err != nil {
			if !errors.Is(err, quality.ErrQualityUnavailable) {
				logger.Warn("quality negotiation failed", slog.String("channel", st.Login), slog.Any("err", err))
			}
			continue
		}
		if _, err := m.Capture.Launch(ctx, st, res.Quality); err != nil {
			logger.Error("failed to start capture", slog.String("channel", st.Login), slog.Any("err", err))
		}
	}
}

// waitRateLimit blocks until the clock reaches reset, reaping every Refresh
// so finished captures are released during the wait.
func (m *Monitor) waitRateLimit(ctx context.Context, reset time.Time) error {
	telemetry.IncRateLimitWaits()
	logger := m.logger(ctx)
	logger.Warn("too many requests; waiting until reset", slog.Time("reset", reset))
	for m.now().Before(reset) {
		m.Capture.Reap(ctx)
		if err := m.sleep(ctx, m.Refresh); err != nil {
			return err
		}
	}
	logger.Info("rate limit reset; resuming checks")
	return nil
}

// Shutdown terminates every capture and then revokes the token. Only the
// first call has any effect.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		grace := m.Grace
		if grace <= 0 {
			grace = capture.DefaultGrace
		}
		m.Capture.TerminateAll(ctx, grace)
		if err := m.Tokens.Revoke(ctx); err != nil {
			m.logger(ctx).Warn("token revoke failed", slog.Any("err", err))
			return
		}
		m.logger(ctx).Info("app access token revoked")
	})
}

func (m *Monitor) recordTick(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTick = m.now()
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
}

// LastTick returns when the last round finished and its error text, if any.
func (m *Monitor) LastTick() (time.Time, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTick, m.lastErr
}

// Ready reports whether the loop holds an app token.
func (m *Monitor) Ready() bool {
	return m.Tokens.Token() != ""
}
