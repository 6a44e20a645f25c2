package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/testutil"
	"github.com/onnwee/livecheck/twitchapi"
)

const streamlinkOutput = `[cli][info] Found matching plugin twitch for URL https://www.twitch.tv/alice
Available streams: audio_only, 160p (worst), 360p, 480p, 720p60, 1080p60 (best)
`

func TestParseAvailableStreams(t *testing.T) {
	got := ParseAvailableStreams([]byte(streamlinkOutput))
	assert.Equal(t, []string{"audio_only", "160p", "360p", "480p", "720p60", "1080p60"}, got)
}

func TestParseAvailableStreamsOffline(t *testing.T) {
	out := []byte("error: No playable streams found on this URL: https://www.twitch.tv/alice\n")
	assert.Nil(t, ParseAvailableStreams(out))
	assert.Nil(t, ParseAvailableStreams(nil))
}

func TestStreamlinkProberArgs(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := &StreamlinkProber{
		OAuthToken: "user-tok",
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return []byte(streamlinkOutput), nil
		},
	}
	labels, err := p.Available(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, labels, "720p60")
	assert.Equal(t, "streamlink", gotName)
	assert.Equal(t, []string{
		"--twitch-api-header=Authorization=OAuth user-tok",
		"https://www.twitch.tv/alice",
	}, gotArgs)
}

func TestStreamlinkProberOfflineExit(t *testing.T) {
	p := &StreamlinkProber{
		Tool: "/opt/streamlink",
		Run: func(context.Context, string, ...string) ([]byte, error) {
			return []byte("error: No playable streams found\n"), errors.New("exit status 1")
		},
	}
	labels, err := p.Available(context.Background(), "alice")
	require.Error(t, err)
	assert.Nil(t, labels)
	assert.Contains(t, err.Error(), "/opt/streamlink probe")
}

func TestStreamlinkProberTimesOut(t *testing.T) {
	p := &StreamlinkProber{
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
			<-ctx.Done()
			return nil, errors.New("signal: killed")
		},
	}
	start := time.Now()
	labels, err := p.Available(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, labels)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStreamlinkProberDefaultTimeout(t *testing.T) {
	var deadline time.Time
	p := &StreamlinkProber{
		Run: func(ctx context.Context, _ string, _ ...string) ([]byte, error) {
			deadline, _ = ctx.Deadline()
			return []byte(streamlinkOutput), nil
		},
	}
	_, err := p.Available(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, deadline.IsZero(), "probe must run under a deadline")
	assert.WithinDuration(t, time.Now().Add(twitchapi.DefaultTimeout), deadline, 2*time.Second)
}

func TestManifestProber(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockPlaybackAccessToken(4102444800)
	srv.MockUsherManifest("alice", "#EXTM3U\n"+
		"#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID=\"chunked\",NAME=\"1080p60 (source)\"\n"+
		"#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID=\"720p30\",NAME=\"720p\"\n")

	p := &ManifestProber{Client: &twitchapi.PlaybackClient{GQLURL: srv.URL + "/gql", UsherBaseURL: srv.URL}}
	labels, err := p.Available(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"1080p60", "720p", "best", "worst"}, labels)

	_, err = p.Available(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Calls("/gql"), "playback token is cached until it expires")
	assert.Equal(t, 2, srv.Calls("/api/channel/hls/alice.m3u8"))
}

func TestNegotiatorWithManifestProber(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockPlaybackAccessToken(4102444800)
	srv.MockUsherManifest("alice", "#EXTM3U\n#EXT-X-MEDIA:TYPE=VIDEO,NAME=\"720p\"\n")

	reg, err := registry.New(t.TempDir(), []registry.Spec{{Login: "alice", Quality: "720p"}})
	require.NoError(t, err)
	n := &Negotiator{
		Registry:  reg,
		Prober:    &ManifestProber{Client: &twitchapi.PlaybackClient{GQLURL: srv.URL + "/gql", UsherBaseURL: srv.URL}},
		Threshold: 3,
	}
	res, err := n.Negotiate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Result{Ready: true, Quality: "720p"}, res)
}
