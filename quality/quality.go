// Package quality decides when a live channel can be recorded at its desired
// quality. Aliases the capture tool resolves on its own are accepted
// immediately; any concrete label must show up in a probe of the live
// stream. A channel whose label stays missing for Threshold consecutive
// probes is downgraded to best for the rest of the session.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/telemetry"
)

// DefaultThreshold is the number of failed probes before falling back to best.
const DefaultThreshold = 20

// ErrQualityUnavailable reports that a live channel does not (yet) offer its desired quality.
var ErrQualityUnavailable = errors.New("desired quality not available")

// Prober lists the quality labels a live channel currently offers.
type Prober interface {
	Available(ctx context.Context, login string) ([]string, error)
}

// Result is the outcome of one negotiation.
type Result struct {
	Ready      bool
	Quality    string
	Downgraded bool
}

// Normalize maps alternative spellings onto the label the capture tool uses.
func Normalize(q string) string {
	q = strings.TrimSpace(q)
	if q == "audio-only" {
		return registry.QualityAudioOnly
	}
	return q
}

// IsAlias reports whether q is resolved by the capture tool without probing.
func IsAlias(q string) bool {
	switch Normalize(q) {
	case registry.QualityBest, registry.QualityWorst, registry.QualityAudioOnly:
		return true
	}
	return false
}

// Negotiator owns the probe/downgrade policy and records its effect on the registry.
type Negotiator struct {
	Registry  *registry.Registry
	Prober    Prober
	Threshold int
}

func (n *Negotiator) threshold() int {
	if n.Threshold < 1 {
		return DefaultThreshold
	}
	return n.Threshold
}

// Negotiate decides whether login can be recorded now. A not-ready outcome
// is returned as an error wrapping ErrQualityUnavailable together with a
// zero Result.
func (n *Negotiator) Negotiate(ctx context.Context, login string) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "quality.negotiate", attribute.String("login", login))
	defer func() {
		span.SetAttributes(attribute.Bool("ready", res.Ready), attribute.Bool("downgraded", res.Downgraded))
		telemetry.EndSpan(span, err)
	}()

	ch, ok := n.Registry.Channel(login)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrUnknownChannel, login)
	}
	desired := Normalize(ch.DesiredQuality)
	if IsAlias(desired) {
		return Result{Ready: true, Quality: desired}, nil
	}

	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "quality"), slog.String("channel", login))

	labels, probeErr := n.Prober.Available(ctx, login)
	if probeErr == nil && contains(labels, desired) {
		telemetry.RecordProbe("hit")
		_ = n.Registry.Update(login, func(c *registry.Channel) { c.Failures = 0 })
		return Result{Ready: true, Quality: desired}, nil
	}
	if probeErr != nil {
		telemetry.RecordProbe("error")
		logger.Debug("quality probe failed", slog.Any("err", probeErr))
	} else {
		telemetry.RecordProbe("miss")
	}

	var failures int
	var downgraded bool
	_ = n.Registry.Update(login, func(c *registry.Channel) {
		c.Failures++
		failures = c.Failures
		if c.Failures >= n.threshold() {
			c.DesiredQuality = registry.QualityBest
			c.Failures = 0
			downgraded = true
		}
	})
	if downgraded {
		telemetry.IncDowngrades()
		logger.Info("desired quality never appeared; falling back to best",
			slog.String("wanted", desired), slog.Int("checks", failures))
		return Result{Ready: true, Quality: registry.QualityBest, Downgraded: true}, nil
	}

	logger.Info("stream is online but quality not found",
		slog.String("wanted", desired), slog.Int("check", failures), slog.Int("max", n.threshold()))
	if probeErr != nil {
		return Result{}, fmt.Errorf("%w: %s wants %s (check %d/%d): %v", ErrQualityUnavailable, login, desired, failures, n.threshold(), probeErr)
	}
	return Result{}, fmt.Errorf("%w: %s wants %s (check %d/%d)", ErrQualityUnavailable, login, desired, failures, n.threshold())
}

func contains(labels []string, q string) bool {
	for _, l := range labels {
		if Normalize(l) == q {
			return true
		}
	}
	return false
}
