package monitor

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livecheck/capture"
	"github.com/onnwee/livecheck/db"
	"github.com/onnwee/livecheck/quality"
	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/telemetry"
	"github.com/onnwee/livecheck/testutil"
	"github.com/onnwee/livecheck/twitchapi"
)

type fakeProc struct {
	mu     sync.Mutex
	exited bool
	code   int
}

func (p *fakeProc) Pid() int { return 1 }

func (p *fakeProc) Poll() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.code
}

func (p *fakeProc) Terminate(time.Duration) error {
	p.exit(-1)
	return nil
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited, p.code = true, code
}

type fakeProber struct{ labels []string }

func (f fakeProber) Available(context.Context, string) ([]string, error) { return f.labels, nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t       *testing.T
	srv     *testutil.MockTwitchServer
	reg     *registry.Registry
	tokens  *twitchapi.TokenManager
	mon     *Monitor
	clock   *fakeClock
	procs   map[string]*fakeProc
	sleeps  int
	onSleep func(n int)
}

func newHarness(t *testing.T, specs []registry.Spec, prober quality.Prober, threshold int) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		srv:   testutil.NewMockTwitchServer(t),
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
		procs: map[string]*fakeProc{},
	}
	h.srv.MockOAuthTokenResponse("app-token", 3600)
	h.srv.MockRevokeResponse(http.StatusOK)

	reg, err := registry.New(t.TempDir(), specs)
	require.NoError(t, err)
	h.reg = reg
	h.tokens = &twitchapi.TokenManager{ClientID: "test-client", ClientSecret: "secret", AuthBaseURL: h.srv.URL}

	sup := &capture.Supervisor{
		Registry: reg,
		Now:      h.clock.Now,
		Start: func(_ context.Context, _ string, args []string) (registry.Process, error) {
			p := &fakeProc{}
			for _, a := range args {
				if strings.HasPrefix(a, "https://www.twitch.tv/") {
					h.procs[strings.TrimPrefix(a, "https://www.twitch.tv/")] = p
				}
			}
			return p, nil
		},
	}
	h.mon = &Monitor{
		Registry:   reg,
		Tokens:     h.tokens,
		Streams:    &twitchapi.HelixClient{Tokens: h.tokens, ClientID: "test-client", BaseURL: h.srv.URL},
		Negotiator: &quality.Negotiator{Registry: reg, Prober: prober, Threshold: threshold},
		Capture:    sup,
		Refresh:    time.Second,
		Now:        h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h.sleeps++
			h.clock.advance(d)
			if h.onSleep != nil {
				h.onSleep(h.sleeps)
			}
			return ctx.Err()
		},
	}
	return h
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.mon.Tick(context.Background()))
	require.NoError(h.t, h.reg.CheckInvariant())
}

func liveIfRequested(live ...string) func([]string) (int, []map[string]interface{}) {
	return func(logins []string) (int, []map[string]interface{}) {
		var out []map[string]interface{}
		for _, l := range logins {
			for _, want := range live {
				if l == want {
					out = append(out, testutil.Stream(l, "title", "Just Chatting"))
				}
			}
		}
		return http.StatusOK, out
	}
}

func TestEndToEndDowngradeAndRelease(t *testing.T) {
	h := newHarness(t,
		[]registry.Spec{{Login: "alice", Quality: "720p"}, {Login: "bob", Quality: "720p"}},
		fakeProber{labels: []string{"480p", "best"}}, 3)

	var mu sync.Mutex
	var requested [][]string
	live := liveIfRequested("alice")
	h.srv.MockStreamsFunc(func(logins []string) (int, []map[string]interface{}) {
		mu.Lock()
		requested = append(requested, logins)
		mu.Unlock()
		return live(logins)
	})

	for i := 1; i <= 2; i++ {
		h.tick()
		ch, _ := h.reg.Channel("alice")
		assert.Equal(t, i, ch.Failures)
		assert.Equal(t, []string{"alice", "bob"}, h.reg.Pollable(), "alice stays pollable until ready")
	}

	h.tick()
	assert.True(t, h.reg.Recording("alice"))
	assert.Equal(t, []string{"bob"}, h.reg.Pollable())
	sessions := h.reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "best", sessions[0].Quality)
	ch, _ := h.reg.Channel("alice")
	assert.Equal(t, "best", ch.DesiredQuality)
	assert.Zero(t, ch.Failures)

	// While recording alice is not queried; bob stays pollable.
	h.tick()
	mu.Lock()
	assert.Equal(t, []string{"bob"}, requested[len(requested)-1])
	mu.Unlock()

	h.procs["alice"].exit(0)
	h.tick()
	assert.Equal(t, []string{"alice", "bob"}, h.reg.Pollable())
	ch, _ = h.reg.Channel("alice")
	assert.Equal(t, "720p", ch.DesiredQuality, "downgrade lasts one session")
	assert.Equal(t, 1, h.srv.Calls("/oauth2/token"))
}

func TestRateLimitWaitKeepsReaping(t *testing.T) {
	h := newHarness(t, []registry.Spec{{Login: "alice"}, {Login: "bob"}}, fakeProber{}, 1)
	reset := h.clock.Now().Add(5 * time.Second)

	round := 0
	h.srv.MockStreamsFunc(func(logins []string) (int, []map[string]interface{}) {
		round++
		if round == 1 {
			return liveIfRequested("alice")(logins)
		}
		return http.StatusOK, nil
	})
	h.tick()
	require.True(t, h.reg.Recording("alice"))

	h.srv.MockStreamsRateLimited(reset.Unix())
	h.onSleep = func(n int) {
		// Alice's capture ends during the wait.
		if n == 2 {
			h.procs["alice"].exit(0)
		}
		assert.Equal(t, 2, h.srv.Calls("/helix/streams"), "no liveness query before reset")
	}

	h.tick()

	assert.Equal(t, 2, h.srv.Calls("/helix/streams"))
	assert.False(t, h.clock.Now().Before(reset), "wait lasts until reset")
	assert.GreaterOrEqual(t, h.sleeps, 5)
	assert.False(t, h.reg.Recording("alice"), "finished capture reaped during the wait")
}

func TestUnauthorizedRecreatesToken(t *testing.T) {
	h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
	h.srv.MockOAuthTokenSequence("stale", "fresh")
	h.srv.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			testutil.WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{"status": 401, "message": "Invalid OAuth token"})
			return
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": []interface{}{testutil.Stream("alice", "t", "c")}})
	})

	h.tick()
	assert.Equal(t, "fresh", h.tokens.Token())
	assert.False(t, h.reg.Recording("alice"), "the rejected round is discarded")

	h.tick()
	assert.True(t, h.reg.Recording("alice"))
	assert.Equal(t, 2, h.srv.Calls("/oauth2/token"))
}

func TestValidationFailureRecreatesToken(t *testing.T) {
	h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
	h.mon.Now = time.Now
	h.mon.ValidateEvery = time.Nanosecond
	h.srv.MockOAuthTokenSequence("first", "second")
	h.srv.MockValidateResponse(http.StatusUnauthorized)
	h.srv.MockStreamsResponse(nil)

	h.tick()
	time.Sleep(time.Millisecond)
	h.tick()

	assert.Equal(t, 1, h.srv.Calls("/oauth2/validate"))
	assert.Equal(t, "second", h.tokens.Token())
}

func TestFatalErrorsStopRun(t *testing.T) {
	t.Run("bad request", func(t *testing.T) {
		h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
		h.srv.MockStreamsFunc(func([]string) (int, []map[string]interface{}) { return http.StatusBadRequest, nil })

		err := h.mon.Run(context.Background())
		var be *twitchapi.BadRequestError
		require.ErrorAs(t, err, &be)
	})
	t.Run("credentials", func(t *testing.T) {
		h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
		h.srv.MockOAuthTokenError(http.StatusForbidden, "invalid client")

		err := h.mon.Run(context.Background())
		var ae *twitchapi.AuthError
		require.ErrorAs(t, err, &ae)
		assert.Zero(t, h.srv.Calls("/helix/streams"))
	})
}

func TestSoftFailuresKeepRunning(t *testing.T) {
	t.Run("token server error", func(t *testing.T) {
		h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
		h.srv.MockOAuthTokenError(http.StatusInternalServerError, "oops")
		h.tick()
		assert.Zero(t, h.srv.Calls("/helix/streams"), "no liveness query without a token")
	})
	t.Run("helix server error", func(t *testing.T) {
		h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
		h.srv.MockStreamsFunc(func([]string) (int, []map[string]interface{}) { return http.StatusServiceUnavailable, nil })
		h.tick()
		assert.Equal(t, []string{"alice"}, h.reg.Pollable())
	})
	t.Run("transport error", func(t *testing.T) {
		h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
		h.tick() // obtain a token first
		h.mon.Streams = &twitchapi.HelixClient{Tokens: h.tokens, ClientID: "c", BaseURL: "http://127.0.0.1:1"}
		h.tick()
		assert.Equal(t, []string{"alice"}, h.reg.Pollable())
	})
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
	h.srv.MockStreamsResponse(nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.onSleep = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	require.NoError(t, h.mon.Run(ctx))
	assert.Equal(t, 3, h.srv.Calls("/helix/streams"))
	ts, lastErr := h.mon.LastTick()
	assert.False(t, ts.IsZero())
	assert.Empty(t, lastErr)
}

func TestShutdownTerminatesThenRevokesOnce(t *testing.T) {
	h := newHarness(t, []registry.Spec{{Login: "alice"}, {Login: "bob"}}, fakeProber{}, 1)
	h.srv.MockStreamsFunc(liveIfRequested("alice", "bob"))
	h.tick()
	require.Empty(t, h.reg.Pollable())

	var order []string
	h.srv.Handle("/oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		for login, p := range h.procs {
			if exited, _ := p.Poll(); !exited {
				order = append(order, "revoke-before-"+login)
			}
		}
		order = append(order, "revoke")
		w.WriteHeader(http.StatusOK)
	})

	h.mon.Shutdown(context.Background())
	h.mon.Shutdown(context.Background())

	assert.Equal(t, []string{"revoke"}, order)
	assert.Equal(t, 1, h.srv.Calls("/oauth2/revoke"))
	assert.Equal(t, []string{"alice", "bob"}, h.reg.Pollable())
	assert.False(t, h.mon.Ready())
}

func TestPollResult(t *testing.T) {
	assert.Equal(t, "ok", pollResult(nil))
	assert.Equal(t, "unauthorized", pollResult(twitchapi.ErrUnauthorized))
	assert.Equal(t, "rate_limited", pollResult(&twitchapi.RateLimitedError{}))
	assert.Equal(t, "rejected", pollResult(&twitchapi.BadRequestError{}))
	assert.Equal(t, "transport", pollResult(&twitchapi.TransportError{Op: "x", Err: context.DeadlineExceeded}))
	assert.Equal(t, "server_error", pollResult(&twitchapi.ServerError{Status: 500}))
}

func TestJournalRecordsSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h := newHarness(t, []registry.Spec{{Login: "lc_test_alice"}}, fakeProber{}, 1)
	h.mon.Capture.(*capture.Supervisor).Journal = &db.Journal{DB: database}
	h.srv.MockStreamsFunc(liveIfRequested("lc_test_alice"))

	h.tick()
	require.True(t, h.reg.Recording("lc_test_alice"))
	id := h.reg.Sessions()[0].ID
	h.procs["lc_test_alice"].exit(0)
	h.tick()

	var code int
	require.NoError(t, database.QueryRow(`SELECT exit_code FROM recordings WHERE id = $1`, id).Scan(&code))
	assert.Equal(t, 0, code)
}

func TestTickObservesPollDuration(t *testing.T) {
	telemetry.Init()
	samples := func() uint64 {
		m := &dto.Metric{}
		require.NoError(t, telemetry.PollDuration.(prometheus.Metric).Write(m))
		return m.GetHistogram().GetSampleCount()
	}
	h := newHarness(t, []registry.Spec{{Login: "alice"}}, fakeProber{}, 1)
	h.srv.MockStreamsResponse(nil)

	before := samples()
	h.tick()
	assert.Equal(t, before+1, samples())
}
