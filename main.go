// Command backend is the main entrypoint for the chatxp API and background
// workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the adaptive chat poll scheduler (YouTube), the Twitch IRC
//     lifecycle, the chat retention job, and OAuth token refreshers.
//   - Exposes an HTTP server with health, status, metrics, and the
//     session/experience reporting endpoints.
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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/chatxp/backend/chat"
	"github.com/onnwee/chatxp/backend/config"
	"github.com/onnwee/chatxp/backend/db"
	"github.com/onnwee/chatxp/backend/experience"
	"github.com/onnwee/chatxp/backend/oauth"
	"github.com/onnwee/chatxp/backend/poll"
	"github.com/onnwee/chatxp/backend/server"
	"github.com/onnwee/chatxp/backend/telemetry"
	"github.com/onnwee/chatxp/backend/twitchapi"
	"github.com/onnwee/chatxp/backend/twitchchat"
	"github.com/onnwee/chatxp/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
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
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatxp", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// versioned migrations (golang-migrate) first, embedded SQL as fallback
	// for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores and the chat consumer shared by every ingest path.
	lsStore := &db.LivestreamStore{DB: database}
	svc := &experience.Service{
		Chat:   &db.ChatStore{DB: database},
		States: &db.ExperienceStore{DB: database},
		Tuning: experience.TuningFromEnv(),
	}

	// YouTube: OAuth service, live discovery, and the adaptive poll scheduler.
	fetchers := map[chat.Platform]poll.Fetcher{}
	if cfg.YouTubeEnabled() {
		ytSvc := youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})
		fetchers[chat.PlatformYouTube] = &youtubeapi.ChatFetcher{Service: ytSvc}
		if cfg.YTChannelID != "" {
			go youtubeapi.StartLiveDiscoveryJob(ctx, ytSvc, lsStore, cfg.YTChannelID, cfg.StreamerID, time.Minute)
		} else {
			slog.Info("YT_CHANNEL_ID not set; youtube live discovery disabled")
		}
	} else {
		slog.Info("youtube creds not set; youtube chat polling disabled")
	}
	scheduler := poll.New(lsStore, svc, fetchers, poll.TuningFromEnv())
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Twitch: IRC is push-based, so its lifecycle loop runs the recorder
	// directly instead of going through the scheduler.
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" && cfg.TwitchChannel != "" {
		lifecycle := &twitchchat.Lifecycle{
			Cfg: cfg,
			Helix: &twitchapi.HelixClient{
				AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
				ClientID:       cfg.TwitchClientID,
			},
			Store:   lsStore,
			Handler: svc,
		}
		go lifecycle.Run(ctx)
	} else {
		slog.Info("twitch creds not set; twitch chat ingestion disabled")
	}

	// Background maintenance
	go db.StartChatRetentionJob(ctx, database)

	// Centralized OAuth token refreshers
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})
	oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if cfg.YTClientID == "" {
			return "", "", time.Time{}, "", context.Canceled
		}
		oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint}
		newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
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

	// HTTP server (health/status/metrics/reporting)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
