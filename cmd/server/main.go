package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"monobar/internal/platform/config"
	"monobar/internal/platform/logger"
	"monobar/internal/platform/metrics"
	"monobar/internal/playback"
	"monobar/internal/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	out, closer := logger.Output(logger.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer closer.Close()
	log := logger.NewWithWriter(cfg.LogLevel, cfg.LogFormat, out)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	up := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamURL,
		Token:   cfg.UpstreamToken,
		UserID:  cfg.UpstreamUser,
		Timeout: cfg.UpstreamTimeout,
		Logger:  log,
	})

	canceller := playback.NewCanceller(up, playback.CancellerConfig{
		Workers:   cfg.CancelWorkers,
		QueueSize: cfg.CancelQueueSize,
		Timeout:   cfg.CancelTimeout,
	}, log, met)
	registry := playback.NewRegistry(playback.WithDisplacedHook(func(s playback.PlaybackSession) {
		for _, id := range s.DistinctUpstreamIDs() {
			canceller.Enqueue(s.DeviceID, id)
		}
	}))
	svc := playback.NewService(up, registry, canceller, log, met)
	relay := playback.NewSegmentRelay(up, registry, playback.RelayConfig{
		Attempts: cfg.SegmentRetryAttempts,
		Delay:    cfg.SegmentRetryDelay,
	}, log, met)
	reaper := playback.NewReaper(registry, canceller, playback.ReaperConfig{
		Interval:    cfg.ReapInterval,
		IdleTimeout: cfg.SessionIdleTimeout,
	}, log, met)
	h := playback.NewHandler(svc, relay, playback.BaseURLs{Public: cfg.PublicBaseURL, Dev: cfg.DevBaseURL}, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.Handler(corsOptions(cfg.CORSOrigins)))
	r.Use(playback.DevelopmentNoCache)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.Len()) }).ServeHTTP(w, r)
	})
	r.Route("/watch", func(r chi.Router) {
		r.Get("/", h.Watch)
		r.Get("/master/playlist", h.MasterPlaylist)
		r.Get("/subtitle", h.Subtitle)
		r.Get("/{stage:main|play}/playlist", h.MediaPlaylist)
		r.Get("/{stage:main|play}/segment/*", h.Segment)
	})
	r.Delete("/status", h.StopSession)
	r.Post("/status", h.ReportStatus)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := reaper.Start(ctx); err != nil {
		log.Error("reaper start failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"upstream", cfg.UpstreamURL,
		"public_base_url", cfg.PublicBaseURL,
		"session_idle_timeout", cfg.SessionIdleTimeout.String(),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	reaper.Stop()
	canceller.Close()

	log.Info("server stopped")
}

// corsOptions allows the browser player to call the proxy. Credentials are
// only allowed for an explicit origin list.
func corsOptions(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	allowCreds := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCreds = false
			break
		}
	}

	return cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Environment"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: allowCreds,
		MaxAge:           300,
	}
}
