// Command chat-pulse is the main entrypoint for the burst-detection API and
// background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: live chat recorder with auto session polling,
//     the detection worker, VOD catalog sync, retention sweeps, the analytics
//     cron, and the Twitch OAuth token refresher.
//   - Exposes an HTTP server with the video/event/match API plus /healthz,
//     /readyz, /stats, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-pulse/chat"
	"github.com/onnwee/chat-pulse/config"
	"github.com/onnwee/chat-pulse/db"
	"github.com/onnwee/chat-pulse/oauth"
	"github.com/onnwee/chat-pulse/pipeline"
	"github.com/onnwee/chat-pulse/server"
	"github.com/onnwee/chat-pulse/telemetry"
	"github.com/onnwee/chat-pulse/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdownTracing, err := telemetry.InitTracing("chat-pulse", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.ConnectDSN(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as fallback so deployments
	// without the migrations directory on disk still come up.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Helix client for catalog sync and live polling; nil when app
	// credentials are absent, which disables both.
	var helix *twitchapi.HelixClient
	if err := cfg.ValidateHelixReady(); err == nil {
		helix, err = twitchapi.NewHelixClient(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret)
		if err != nil {
			slog.Warn("helix client init failed", slog.Any("err", err))
		}
	} else {
		slog.Info("helix disabled (missing app credentials)")
	}

	// Live chat recorder: IRC connection plus the live-status poller that
	// opens and closes recording sessions.
	if len(cfg.TwitchChannels) > 0 {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Info("chat recorder disabled", slog.Any("reason", err))
		} else {
			rec := chat.NewRecorder(database, cfg.TwitchUsername, cfg.TwitchOAuthToken)
			go func() {
				if err := rec.Run(ctx, cfg.TwitchChannels); err != nil && ctx.Err() == nil {
					slog.Error("chat recorder exited", slog.Any("err", err))
				}
			}()
			if helix != nil {
				go chat.StartAutoSessions(ctx, rec, helix, cfg.TwitchChannels)
			} else {
				slog.Warn("auto session polling disabled (no helix app credentials)")
			}
		}
	}

	// One-shot import of an on-disk chat log directory, attributed to the
	// first configured channel.
	if cfg.ChatLogDir != "" && len(cfg.TwitchChannels) > 0 {
		go func() {
			n, err := pipeline.ImportDir(ctx, database, cfg.ChatLogDir, cfg.TwitchChannels[0])
			if err != nil {
				slog.Warn("startup chat log import failed", slog.Any("err", err))
				return
			}
			slog.Info("startup chat log import done", slog.Int("imported", n))
		}()
	}

	go pipeline.StartDetectJob(ctx, database, cfg.DetectPollInterval)
	go pipeline.StartRetentionJob(ctx, database, cfg.RetentionDays, cfg.RetentionSweepInterval)
	if helix != nil {
		go pipeline.StartCatalogSyncJob(ctx, database, helix, cfg.TwitchChannels)
	}
	if err := pipeline.StartAnalyticsCron(ctx, database, cfg.AnalyticsCron); err != nil {
		slog.Error("analytics cron setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Keeps the bot user token fresh; no-op until a token row exists.
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1).
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, database, cfg.Addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default slog logger from LOG_LEVEL and
// LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
