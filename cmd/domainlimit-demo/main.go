// Command domainlimit-demo serves a single "hello" route behind a domain-scoped
// rate limiter. Without -config it runs the built-in demo policies:
// "call-nic.com" gets 10 requests per 5 seconds and everyone else 1 per minute.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nhalm/domainlimit"
	"github.com/nhalm/domainlimit/config"
	"github.com/nhalm/domainlimit/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath); err != nil {
		logger.Error("domainlimit-demo failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *redis.Client
	if cfg.Store.Type == "redis" {
		client, err = cfg.RedisClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	factory, err := cfg.StoreFactory(client)
	if err != nil {
		return err
	}

	opts := append(cfg.Options(),
		domainlimit.WithStoreFactory(factory),
		domainlimit.WithOnLimitReached(func(r *http.Request, info domainlimit.Info) {
			slog.Warn("rate limit reached",
				"domain", info.Domain,
				"key", info.Key,
				"limit", info.Limit,
				"reset_at", info.ResetAt,
				"path", r.URL.Path,
			)
		}),
	)

	var memStats *stats.Memory
	if cfg.Stats.Enabled {
		if client != nil {
			opts = append(opts, domainlimit.WithRecorder(stats.NewRedis(client, stats.WithRedisTrackKeys(cfg.Stats.TrackKeys))))
		} else {
			memStats = stats.NewMemory(stats.WithTrackKeys(cfg.Stats.TrackKeys))
			opts = append(opts, domainlimit.WithRecorder(memStats))
		}
	}

	limiter, err := domainlimit.New(cfg.LimiterPolicies(), opts...)
	if err != nil {
		return err
	}
	defer limiter.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if cfg.Admin.Enabled {
		r.Mount("/admin", domainlimit.AdminRouter(limiter,
			domainlimit.WithAdminAPIKey(domainlimit.StaticAPIKeys(cfg.Admin.APIKey)),
			domainlimit.WithAdminRateLimit(cfg.Admin.RPS, cfg.Admin.Burst),
			domainlimit.WithAdminCanonlog(),
		))
	}
	if memStats != nil {
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"total":     memStats.Total(),
				"by_domain": memStats.ByDomain(),
			})
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(domainlimit.Handler(domainlimit.WithCanonlog()))
		r.Use(limiter.Handler)
		r.HandleFunc("/", func(_ http.ResponseWriter, r *http.Request) {
			domainlimit.SetResponse(r, http.StatusOK, map[string]string{"message": "hello"})
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server running", "addr", cfg.Addr, "store", cfg.Store.Type, "policies", len(cfg.Policies))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	cfg := config.Default()
	cfg.Policies = []config.PolicyConfig{
		{Domain: "call-nic.com", Max: 10, Window: 5 * time.Second},
		{Domain: domainlimit.Wildcard, Max: 1, Window: time.Minute},
	}
	cfg.DomainSource = "host"
	if err := cfg.ApplyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
