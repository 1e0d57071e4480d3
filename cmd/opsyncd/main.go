package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/clinicore/opsync/internal/httpapi"
	"github.com/clinicore/opsync/internal/synclog"
)

func main() {
	logger := buildLogger(os.Getenv("OPSYNC_LOG_LEVEL"))
	slog.SetDefault(logger)

	addr := os.Getenv("OPSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, err := buildBackendFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to initialize storage backend: %v", err)
	}

	notifier := buildNotifierFromEnv(logger)
	registry := prometheus.NewRegistry()
	metrics := synclog.NewMetrics(registry)

	engine, err := synclog.NewEngine(context.Background(), synclog.Options{
		Backend:                     backend,
		MaxPageSize:                 intEnv("OPSYNC_MAX_PAGE_SIZE", 0),
		DefaultPageSize:             intEnv("OPSYNC_DEFAULT_PAGE_SIZE", 0),
		RequireRegisteredFacilities: !boolEnv("OPSYNC_AUTO_CREATE_FACILITIES", true),
		Notifier:                    notifier,
		Metrics:                     metrics,
		Logger:                      logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

	server := httpapi.NewServerWithConfig(engine, notifier, httpapi.ServerConfig{
		RateLimitMax:    intEnv("OPSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("OPSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("OPSYNC_MAX_BODY_BYTES", 0),
		Metrics:         registry,
		Logger:          logger,
	})

	httpServer := &http.Server{Addr: addr, Handler: server}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("opsyncd listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	notifier.Close()
	if err := engine.Close(); err != nil {
		log.Printf("engine close: %v", err)
	}
}

func buildBackendFromEnv(logger *slog.Logger) (synclog.Backend, error) {
	dsn := strings.TrimSpace(os.Getenv("OPSYNC_BACKEND_DSN"))
	if dsn == "" {
		dataDir := strings.TrimSpace(os.Getenv("OPSYNC_DATA_DIR"))
		if dataDir == "" {
			dataDir = ".opsync"
		}
		dsn = "file://" + filepath.Join(dataDir, "oplog")
	}
	return synclog.BuildBackendFromDSN(dsn, logger)
}

func buildNotifierFromEnv(logger *slog.Logger) *synclog.Notifier {
	redisAddr := strings.TrimSpace(os.Getenv("OPSYNC_REDIS_ADDR"))
	if redisAddr == "" {
		return synclog.NewNotifier(logger)
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return synclog.NewRedisNotifier(client, logger)
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
