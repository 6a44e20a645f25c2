// Package capture launches and supervises the external recorder processes,
// one per live channel, and hands finished channels back to the registry.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/telemetry"
	"github.com/onnwee/livecheck/twitchapi"
)

const (
	// DefaultTool is the capture program.
	DefaultTool = "streamlink"
	// DefaultExt is the container extension of recordings.
	DefaultExt = "ts"
	// DefaultGrace is how long TerminateAll waits after SIGTERM.
	DefaultGrace = 10 * time.Second
)

// tuningFlags are always passed before user options.
var tuningFlags = []string{
	"--stream-segment-threads", "5",
	"--stream-segment-attempts", "5",
	"--twitch-disable-ads",
	"--hls-live-restart",
}

// Journal records session boundaries somewhere durable. Implementations
// must not block the loop for long; errors are logged and ignored.
type Journal interface {
	Started(ctx context.Context, s registry.Session) error
	Finished(ctx context.Context, s registry.Session, endedAt time.Time, code int) error
}

// Finished describes a reaped session.
type Finished struct {
	Session registry.Session
	Code    int
	Err     error // *ProcessError for non-zero codes
}

// Supervisor spawns capture processes and reaps them without blocking.
type Supervisor struct {
	Registry       *registry.Registry
	Tool           string
	Options        []string
	OAuthToken     string
	Ext            string
	QualityInTitle bool
	Journal        Journal
	Start          Starter
	Now            func() time.Time
}

func (s *Supervisor) tool() string {
	if s.Tool == "" {
		return DefaultTool
	}
	return s.Tool
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) logger(ctx context.Context) *slog.Logger {
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "capture"))
}

// Args builds the capture tool's argument list for one recording.
func (s *Supervisor) Args(login, quality, path string) []string {
	args := append([]string(nil), tuningFlags...)
	if s.OAuthToken != "" {
		args = append(args, "--twitch-api-header=Authorization=OAuth "+s.OAuthToken)
	}
	args = append(args, s.Options...)
	return append(args, "https://www.twitch.tv/"+login, quality, "-o", path)
}

// Launch starts recording stream at quality and registers the session.
// On error the channel stays pollable.
func (s *Supervisor) Launch(ctx context.Context, stream twitchapi.Stream, quality string) (sess *registry.Session, err error) {
	ctx, span := telemetry.StartSpan(ctx, "capture.launch",
		attribute.String("login", stream.Login), attribute.String("quality", quality))
	defer func() { telemetry.EndSpan(span, err) }()

	dir, err := s.Registry.EnsureOutputDir(stream.Login)
	if err != nil {
		return nil, err
	}
	now := s.now()
	name := BuildFilename(FileInfo{
		Login:       stream.Login,
		At:          now,
		Title:       stream.Title,
		Category:    stream.Category,
		Quality:     quality,
		WithQuality: s.QualityInTitle,
		Ext:         s.Ext,
	})
	path := filepath.Join(dir, name)

	start := s.Start
	if start == nil {
		start = StartExec
	}
	proc, err := start(ctx, s.tool(), s.Args(stream.Login, quality, path))
	if err != nil {
		return nil, err
	}

	sess = &registry.Session{
		ID:        uuid.NewString(),
		Login:     stream.Login,
		Quality:   quality,
		Path:      path,
		Title:     stream.Title,
		Category:  stream.Category,
		StartedAt: now,
		Proc:      proc,
	}
	if err := s.Registry.StartRecording(sess); err != nil {
		_ = proc.Terminate(DefaultGrace)
		return nil, fmt.Errorf("register session: %w", err)
	}
	telemetry.RecordingStarted()
	s.logger(ctx).Info("stream is online; recording",
		slog.String("channel", stream.Login),
		slog.String("quality", quality),
		slog.String("path", path),
		slog.Int("pid", proc.Pid()),
		slog.String("session", sess.ID))
	if s.Journal != nil {
		if jerr := s.Journal.Started(ctx, *sess); jerr != nil {
			s.logger(ctx).Warn("journal start", slog.Any("err", jerr), slog.String("session", sess.ID))
		}
	}
	return sess, nil
}

// Reap polls every session once without blocking and releases the
// channels whose process has exited. With no sessions it does nothing.
func (s *Supervisor) Reap(ctx context.Context) []Finished {
	var out []Finished
	for _, sess := range s.Registry.Sessions() {
		exited, code := sess.Proc.Poll()
		if !exited {
			continue
		}
		out = append(out, s.finish(ctx, sess.Login, code, ""))
	}
	return out
}

func (s *Supervisor) finish(ctx context.Context, login string, code int, outcome string) Finished {
	sess := s.Registry.FinishRecording(login)
	if sess == nil {
		return Finished{}
	}
	f := Finished{Session: *sess, Code: code}
	logger := s.logger(ctx).With(slog.String("channel", login), slog.String("session", sess.ID))
	if code == 0 {
		logger.Info("stream is done; back to checking", slog.Duration("duration", s.now().Sub(sess.StartedAt)))
	} else {
		f.Err = &ProcessError{Login: login, Code: code}
		logger.Warn("capture process ended abnormally", slog.Any("err", f.Err))
	}
	if outcome == "" {
		outcome = ClassifyExit(code).String()
	}
	telemetry.RecordingFinished(outcome)
	if s.Journal != nil {
		if jerr := s.Journal.Finished(ctx, *sess, s.now(), code); jerr != nil {
			logger.Warn("journal finish", slog.Any("err", jerr))
		}
	}
	return f
}

// TerminateAll stops every running capture process in parallel, waiting at
// most grace before killing, and releases all sessions.
func (s *Supervisor) TerminateAll(ctx context.Context, grace time.Duration) []Finished {
	sessions := s.Registry.Sessions()
	if len(sessions) == 0 {
		return nil
	}
	s.logger(ctx).Info("terminating capture processes", slog.Int("count", len(sessions)), slog.Duration("grace", grace))

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *registry.Session) {
			defer wg.Done()
			if err := sess.Proc.Terminate(grace); err != nil {
				s.logger(ctx).Error("terminate capture process", slog.String("channel", sess.Login), slog.Any("err", err))
			}
		}(sess)
	}
	wg.Wait()

	out := make([]Finished, 0, len(sessions))
	for _, sess := range sessions {
		_, code := sess.Proc.Poll()
		out = append(out, s.finish(ctx, sess.Login, code, "terminated"))
	}
	return out
}
