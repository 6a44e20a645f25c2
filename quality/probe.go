package quality

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/livecheck/twitchapi"
)

// CommandRunner runs name with args and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execWaitDelay caps how long Output waits for pipes held open by
// grandchildren after the tool itself is killed.
const execWaitDelay = 2 * time.Second

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = execWaitDelay
	return cmd.Output()
}

// StreamlinkProber asks the capture tool which streams it can see.
type StreamlinkProber struct {
	Tool       string // defaults to streamlink
	OAuthToken string // optional user token forwarded as a Twitch API header
	Run        CommandRunner
	// Timeout bounds one probe run; defaults to twitchapi.DefaultTimeout.
	Timeout time.Duration
}

// Available runs `<tool> https://www.twitch.tv/<login>` and parses the
// "Available streams:" line of its output.
func (p *StreamlinkProber) Available(ctx context.Context, login string) ([]string, error) {
	tool := p.Tool
	if tool == "" {
		tool = "streamlink"
	}
	run := p.Run
	if run == nil {
		run = execRunner
	}
	var args []string
	if p.OAuthToken != "" {
		args = append(args, "--twitch-api-header=Authorization=OAuth "+p.OAuthToken)
	}
	args = append(args, "https://www.twitch.tv/"+login)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = twitchapi.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := run(ctx, tool, args...)
	labels := ParseAvailableStreams(out)
	if len(labels) > 0 {
		return labels, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, fmt.Errorf("%s probe: %w", tool, cerr)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s probe: %w: %s", tool, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("%s probe: %w", tool, err)
	}
	return nil, nil
}

// ParseAvailableStreams extracts labels from streamlink's
// "Available streams: audio_only, 160p (worst), ..., 1080p60 (best)" line.
func ParseAvailableStreams(out []byte) []string {
	const marker = "Available streams:"
	var line string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if i := strings.Index(sc.Text(), marker); i >= 0 {
			line = sc.Text()[i+len(marker):]
		}
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}
	var labels []string
	for _, f := range strings.Split(line, ",") {
		f = strings.TrimSpace(f)
		f = strings.TrimSuffix(f, " (worst)")
		f = strings.TrimSuffix(f, " (best)")
		if f != "" {
			labels = append(labels, f)
		}
	}
	return labels
}

// ManifestProber reads renditions straight from the HLS master playlist.
type ManifestProber struct {
	Client *twitchapi.PlaybackClient
}

// Available implements Prober.
func (p *ManifestProber) Available(ctx context.Context, login string) ([]string, error) {
	return p.Client.Renditions(ctx, login)
}
