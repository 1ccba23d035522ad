package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coah80/grabbot/internal/alerts"
	"github.com/coah80/grabbot/internal/bot"
	"github.com/coah80/grabbot/internal/cache"
	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/database"
	"github.com/coah80/grabbot/internal/metrics"
	"github.com/coah80/grabbot/internal/middleware"
	"github.com/coah80/grabbot/internal/quota"
	"github.com/coah80/grabbot/internal/routes"
	"github.com/coah80/grabbot/internal/server"
	"github.com/coah80/grabbot/internal/services"
	"github.com/coah80/grabbot/internal/util"
)

func setupLogging() {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
}

func component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func main() {
	godotenv.Load()
	config.Load()
	setupLogging()

	if config.DiscordToken == "" {
		log.Fatal().Msg("DISCORD_TOKEN is required")
	}
	if config.DiscordAppID == "" {
		log.Fatal().Msg("DISCORD_APP_ID is required")
	}

	server.PrintBanner()

	if err := util.CheckDependencies(); err != nil {
		log.Fatal().Err(err).Msg("startup check failed")
	}
	if err := util.EnsureDir(config.DownloadDir); err != nil {
		log.Fatal().Err(err).Str("dir", config.DownloadDir).Msg("cannot create download dir")
	}
	alerts.Setup(component("alerts"))
	if ds, err := util.GetDiskSpace(config.DownloadDir); err == nil && ds.AvailGB() < config.DiskSpaceMinGB {
		alerts.LowDiskSpace(ds.String())
	}

	db, err := database.Open(config.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", config.DatabasePath).Msg("failed to open database")
	}
	defer db.Close()

	cacheStore, err := cache.New(db, config.CacheRetention,
		cache.WithEnabled(config.CacheEnabled), cache.WithLogger(component("cache")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare cache")
	}
	quotaStore, err := quota.New(db, config.MaxDownloadsPerUser, quota.WithLogger(component("quota")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare quota store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := services.NewLimiter(config.MaxConcurrentDownloads)
	collector := metrics.New(func() float64 { return float64(limiter.InUse()) })

	orchLog := component("orchestrator")
	orch := services.NewOrchestrator(
		services.NewYtdlpBackend(services.WithYtdlpLogger(component("ytdlp"))),
		services.NewPipeline(services.NewFFmpegTool(component("ffmpeg")), config.SegmentBytes, config.MinSegmentSeconds, component("delivery")),
		services.WithRegistry(services.NewRegistry(services.WithRegistryLogger(component("registry")))),
		services.WithLimiter(limiter),
		services.WithCache(cacheStore),
		services.WithAdmission(quotaStore),
		services.WithMetrics(collector),
		services.WithOrchestratorLogger(orchLog),
	)
	jobs := services.NewJobs(ctx, orch,
		services.WithFileBaseURL(config.PublicURL),
		services.WithJobsLogger(component("jobs")))

	cacheStore.StartSweeper(ctx, config.CacheSweep)
	jobs.StartSweeper(ctx, time.Minute)
	keep := func(path string) bool {
		return cacheStore.Holds(ctx, path) || jobs.Holds(path)
	}
	util.StartCleanupInterval(config.DownloadDir, 30*time.Minute, config.TempFileRetention, keep, ctx.Done())

	rl := middleware.NewRateLimiter(config.RateLimitPerSecond, config.RateLimitBurst)
	rl.StartCleanup(5*time.Minute, 10*time.Minute, ctx.Done())

	srv := server.New(server.Options{
		API: &routes.API{
			Orch:   orch,
			Jobs:   jobs,
			Secret: config.APISecret,
			Logger: component("api"),
		},
		Metrics:     collector.Handler(),
		RateLimiter: rl,
		Logger:      component("http"),
	})
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	b, err := bot.New(bot.Config{Token: config.DiscordToken, AppID: config.DiscordAppID}, orch, quotaStore, component("bot"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create bot")
	}
	if err := b.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start bot")
	}

	alerts.ServerStarted()
	fmt.Println("Bot is running. Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	alerts.ServerStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	b.Stop()
	jobs.Close()
	alerts.Flush()
	log.Info().Msg("stopped")
}
