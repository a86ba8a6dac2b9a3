package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Whiskyrie/solidarios-auth/internal/cache"
	"github.com/Whiskyrie/solidarios-auth/internal/config"
	"github.com/Whiskyrie/solidarios-auth/internal/middleware"
	"github.com/Whiskyrie/solidarios-auth/internal/service"
	"github.com/Whiskyrie/solidarios-auth/internal/storage/postgres"
	"github.com/Whiskyrie/solidarios-auth/internal/transport/rest"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var (
		configPath     string
		generateSecret bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.BoolVar(&generateSecret, "generate-secret", false, "print a fresh token secret and exit")
	flag.Parse()

	// Утилитарный режим для операционной ротации секретов:
	// печатает новый секрет и завершает работу, конфиг не требуется.
	if generateSecret {
		secret, err := config.GenerateSecret()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate secret:", err)
			os.Exit(1)
		}
		fmt.Println(secret)
		return
	}

	// .env удобен в local-окружении; отсутствие файла — не ошибка.
	_ = godotenv.Load()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	// Подключение к БД c таймаутом.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 10*time.Second)
	str, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Error("postgres_connect_failed", slog.String("err", err.Error()))
		rootCancel()
		os.Exit(1)
	}
	log.Info("postgres_connected")

	// Сервис.
	srvc := service.New(str, cfg.Auth)

	// Опциональный Redis-кэш refresh-токенов: пустой URL выключает кэш,
	// сервис продолжает работать напрямую с БД.
	if cfg.Redis.RedisURL != "" {
		rcache, err := cache.NewRedisCache(cfg.Redis.RedisURL, "auth:rt:")
		if err != nil {
			log.Error("redis_connect_failed", slog.String("err", err.Error()))
			rootCancel()
			str.Close()
			os.Exit(1)
		}
		defer rcache.Close()
		srvc.SetRefreshCache(rcache)
		log.Info("redis_cache_enabled")
	}
	log.Info("service_initialized")

	var ready int32 // 0 — not ready; 1 — ready

	router := mux.NewRouter()

	router.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&ready) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})

	router.Handle("/metrics", promhttp.Handler())

	// API-эндпоинты под общей цепочкой middleware.
	api := router.PathPrefix("/").Subrouter()
	api.Use(
		middleware.Recover(log),
		middleware.Logging(log),
		middleware.WithTimeout(cfg.Timeouts.Service),
	)
	rest.NewServer(srvc).Routes(api)

	httpAddr := cfg.HTTP.Addr()
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           rest.CORS(cfg.HTTP.CORSOrigins)(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Фоновая очистка просроченных и отозванных refresh-токенов.
	startRefreshJanitor(rootCtx, srvc, log, 30*time.Minute)

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("http_listen_start", slog.String("addr", httpAddr))
		atomic.StoreInt32(&ready, 1)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	atomic.StoreInt32(&ready, 0)

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}

	// Явная очистка перед выходом.
	shutdownCancel()
	rootCancel()
	str.Close()

	log.Info("service_stopped")
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// startRefreshJanitor запускает фоновую задачу, которая периодически удаляет
// из хранилища просроченные и отозванные refresh-токены.
func startRefreshJanitor(ctx context.Context, srvc *service.Service, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				removed, err := srvc.CleanupExpiredTokens(ctx)
				if err != nil {
					log.Error("refresh_janitor_failed", slog.String("err", err.Error()))
					continue
				}
				if removed > 0 {
					log.Info("refresh_janitor_cleaned", slog.Int64("removed", removed))
				}
			}
		}
	}()
}
