// Command streamnest keeps a local cache of a user's followed Twitch channels
// in sync: which are live, and for favorites their latest recording. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Warms the cache, then starts the background refresh loop, the update
//     coalescer, and the OAuth token refresher for the Twitch user token.
//   - Exposes an HTTP API with the channel list, refresh triggers, /healthz,
//     /readyz, /status, and /metrics.
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

	"github.com/mirrorwell/streamnest/config"
	"github.com/mirrorwell/streamnest/db"
	"github.com/mirrorwell/streamnest/oauth"
	"github.com/mirrorwell/streamnest/server"
	"github.com/mirrorwell/streamnest/syncer"
	"github.com/mirrorwell/streamnest/telemetry"
	"github.com/mirrorwell/streamnest/twitchapi"
)

func main() {
	// Load .env if present (local dev convenience; production uses real env).
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateUpstreamReady(); err != nil {
		slog.Warn("twitch credentials incomplete, upstream polls will fail until configured", slog.Any("err", err))
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamnest", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

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

	// Versioned migrations first; embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations")
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The follow endpoints need the stored user token; Helix calls read it
	// per request, the refresher keeps it alive. User and video lookups run on
	// an app token so they survive user-token reauthorization.
	helix := &twitchapi.HelixClient{
		TokenSource: &db.UserTokenSource{DB: database, Provider: oauth.ProviderTwitch},
		AppTokens: &twitchapi.AppTokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
		},
		ClientID: cfg.TwitchClientID,
	}

	sync := syncer.New(cfg, database, helix)
	sync.PopulateInitialCache(ctx)
	sync.StartBackgroundRefresh(ctx)

	oauth.StartRefresher(ctx, database, oauth.ProviderTwitch, 5*time.Minute, 15*time.Minute, oauth.TwitchRefreshFunc(cfg))

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	go func() {
		if err := server.Start(ctx, database, sync, cfg); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	sync.StopBackgroundRefresh()
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
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

func startPprof() {
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
