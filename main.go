// Command livecheck watches a set of Twitch channels and records each one
// with an external capture tool (streamlink by default) while it is live.
// It:
//   - Loads configuration (file, environment, flags) and initializes structured logging.
//   - Obtains an app access token and polls Helix for live channels.
//   - Negotiates the capture quality per channel, downgrading to best after
//     repeated misses, and supervises one capture process per live channel.
//   - Optionally journals sessions to Postgres and exposes /healthz, /readyz,
//     /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: captures are terminated, then the
// token is revoked.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/onnwee/livecheck/capture"
	"github.com/onnwee/livecheck/config"
	"github.com/onnwee/livecheck/db"
	"github.com/onnwee/livecheck/monitor"
	"github.com/onnwee/livecheck/quality"
	"github.com/onnwee/livecheck/registry"
	"github.com/onnwee/livecheck/server"
	"github.com/onnwee/livecheck/telemetry"
	"github.com/onnwee/livecheck/twitchapi"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath string
	channels   []string
	quality    string
	refresh    float64
	checkMax   int
	root       string
	httpAddr   string
	debug      bool
	legacy     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newCommand(&options{})
}

func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "livecheck",
		Short:         "Record Twitch channels while they are live",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Local dev convenience only; production relies on real env.
			_ = godotenv.Load()

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				slog.Error("config load failed", slog.Any("err", err))
				return err
			}
			slog.SetDefault(slog.New(newLogHandler(os.Stdout, cfg.LogLevel, cfg.LogFormat)))
			if err := cfg.Validate(); err != nil {
				slog.Error("invalid configuration", slog.Any("err", err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg); err != nil {
				slog.Error("livecheck stopped", slog.Any("err", err))
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or TOML config file")
	f.StringSliceVar(&opts.channels, "channels", nil, "channel logins to watch (overrides config)")
	f.StringVarP(&opts.quality, "quality", "q", "", "default capture quality")
	f.Float64Var(&opts.refresh, "refresh", 0, "seconds between liveness checks")
	f.IntVar(&opts.checkMax, "check-max", 0, "failed quality probes before falling back to best")
	f.StringVar(&opts.root, "root", "", "directory recordings are written under")
	f.StringVar(&opts.httpAddr, "http-addr", "", "status server listen address (empty disables)")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	f.BoolVar(&opts.legacy, "legacy", false, "probe qualities from the HLS manifest instead of the capture tool")
	return cmd
}

// loadConfig layers explicitly set flags over file and environment.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("channels") {
		cfg.Channels = opts.channels
	}
	if changed("quality") {
		cfg.Quality = opts.quality
	}
	if changed("refresh") {
		cfg.Refresh = config.Seconds(opts.refresh)
	}
	if changed("check-max") {
		cfg.CheckMax = opts.checkMax
	}
	if changed("root") {
		cfg.RootPath = opts.root
	}
	if changed("http-addr") {
		cfg.HTTPAddr = opts.httpAddr
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if opts.legacy {
		cfg.LegacyProbe = true
	}
	cfg.Normalize()
	return cfg, nil
}

// newLogHandler picks the slog handler. Defaults: level=info, format=text.
func newLogHandler(w io.Writer, level, format string) slog.Handler {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
}

func run(ctx context.Context, cfg *config.Config) error {
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("livecheck", version)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdownTracing()

	specs := make([]registry.Spec, 0, len(cfg.Channels))
	for _, login := range cfg.Channels {
		specs = append(specs, registry.Spec{Login: login, Quality: cfg.QualityFor(login)})
	}
	reg, err := registry.New(cfg.RootPath, specs)
	if err != nil {
		return err
	}

	slog.Info("livecheck starting",
		slog.String("version", version),
		slog.Any("channels", reg.Logins()),
		slog.Duration("refresh", cfg.Refresh),
		slog.String("quality", cfg.Quality),
		slog.Int("check_max", cfg.CheckMax),
		slog.String("root", cfg.RootPath),
		slog.Bool("legacy_probe", cfg.LegacyProbe))
	slog.Debug("effective config", slog.String("config", cfg.String()))

	tokens := &twitchapi.TokenManager{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}
	helix := &twitchapi.HelixClient{Tokens: tokens, ClientID: cfg.ClientID}
	if cfg.APIRate > 0 {
		helix.Limiter = rate.NewLimiter(rate.Limit(cfg.APIRate), 1)
	}

	var prober quality.Prober = &quality.StreamlinkProber{Tool: cfg.CaptureTool, OAuthToken: cfg.OAuthToken}
	if cfg.LegacyProbe {
		prober = &quality.ManifestProber{Client: &twitchapi.PlaybackClient{OAuthToken: cfg.OAuthToken}}
	}

	sup := &capture.Supervisor{
		Registry:       reg,
		Tool:           cfg.CaptureTool,
		Options:        cfg.CaptureOptions,
		OAuthToken:     cfg.OAuthToken,
		Ext:            cfg.CaptureExt,
		QualityInTitle: cfg.QualityInTitle,
	}
	if cfg.DBDsn != "" {
		if journal := openJournal(ctx, cfg.DBDsn); journal != nil {
			defer func() {
				if err := journal.DB.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()
			sup.Journal = journal
		}
	}

	mon := &monitor.Monitor{
		Registry:   reg,
		Tokens:     tokens,
		Streams:    helix,
		Negotiator: &quality.Negotiator{Registry: reg, Prober: prober, Threshold: cfg.CheckMax},
		Capture:    sup,
		Refresh:    cfg.Refresh,

		ValidateEvery: monitor.DefaultValidateEvery,
	}

	// The loop and the status server share a context so a fatal loop error
	// also stops the server.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverDone := make(chan struct{})
	if cfg.HTTPAddr != "" {
		go func() {
			defer close(serverDone)
			if err := server.Start(loopCtx, cfg.HTTPAddr, server.NewRouter(reg, mon)); err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	} else {
		close(serverDone)
	}

	runErr := mon.Run(loopCtx)

	// Children and the token are cleaned up on every exit path, with a fresh
	// deadline since ctx is usually already cancelled here.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), capture.DefaultGrace+10*time.Second)
	defer shutdownCancel()
	slog.Info("shutting down")
	mon.Shutdown(shutdownCtx)
	cancel()
	<-serverDone

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openJournal connects and migrates the session journal. Failures are
// logged and leave journaling off.
func openJournal(ctx context.Context, dsn string) *db.Journal {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Warn("session journal disabled", slog.Any("err", err), slog.String("component", "db"))
		return nil
	}
	if err := db.Migrate(ctx, database); err != nil {
		slog.Warn("session journal disabled", slog.Any("err", err), slog.String("component", "db"))
		_ = database.Close()
		return nil
	}
	slog.Info("session journal enabled", slog.String("component", "db"))
	return &db.Journal{DB: database}
}
