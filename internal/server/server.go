// Пакет server — HTTP-сервер Content Publisher с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/content-publisher/internal/api/handlers"
	"github.com/bigkaa/goartstore/content-publisher/internal/api/middleware"
	"github.com/bigkaa/goartstore/content-publisher/internal/config"
)

// Routes — обработчики и middleware для маршрутизатора.
type Routes struct {
	Transactions *handlers.TransactionsHandler
	Files        *handlers.FilesHandler
	Content      *handlers.ContentHandler
	Health       *handlers.HealthHandler

	// Validator — проверка запросов по OpenAPI (nil — без проверки)
	Validator *middleware.OpenAPIValidator
	// Auth — JWT-аутентификация /api/v1 (nil — без аутентификации)
	Auth *middleware.JWTAuth
	// RequiredScope — scope, обязательный при включённой аутентификации
	RequiredScope string
}

// NewRouter собирает chi-маршрутизатор.
// /health/*, /metrics и /api/openapi.yaml доступны без токена.
func NewRouter(logger *slog.Logger, rt Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware())

	r.Get("/health/live", rt.Health.Live)
	r.Get("/health/ready", rt.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(middleware.OpenAPISpec())
	})

	r.Route("/api/v1", func(api chi.Router) {
		if rt.Auth != nil {
			api.Use(rt.Auth.Middleware())
			api.Use(middleware.RequireScope(rt.RequiredScope))
		}
		if rt.Validator != nil {
			api.Use(rt.Validator.Middleware())
		}

		api.Post("/begin", rt.Transactions.Begin)
		api.Route("/transactions/{id}", func(tx chi.Router) {
			tx.Get("/", rt.Transactions.Get)
			tx.Post("/files", rt.Files.Upload)
			tx.Post("/manifest", rt.Files.Manifest)
			tx.Post("/commit", rt.Transactions.Commit)
			tx.Post("/rollback", rt.Transactions.Rollback)
			tx.Get("/content-hash", rt.Content.ContentHash)
			tx.Post("/verify", rt.Content.Verify)
		})
	})

	return r
}

// Server — HTTP-сервер Content Publisher.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с обработчиком handler.
// WriteTimeout не задаётся: загрузка и фиксация больших наборов
// файлов ограничены только размером запроса.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает SIGINT/SIGTERM, затем выполняет
// graceful shutdown с таймаутом CP_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
