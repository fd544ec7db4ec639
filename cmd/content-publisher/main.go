// Точка входа Content Publisher — сервиса транзакционной публикации
// файлов на статический сайт.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/content-publisher/internal/api/handlers"
	"github.com/bigkaa/goartstore/content-publisher/internal/api/middleware"
	"github.com/bigkaa/goartstore/content-publisher/internal/config"
	"github.com/bigkaa/goartstore/content-publisher/internal/server"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/sealed"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Content Publisher запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("transaction_store", cfg.TransactionStore),
		slog.String("website", cfg.WebsiteDir),
		slog.Int("pool_size", cfg.PoolSize),
	)

	// --- Инициализация компонентов ---

	// 1. Хранилище транзакций
	store, err := txstore.New(cfg.TransactionStore, sealed.New(cfg.ScryptWorkFactor), logger)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища транзакций", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Сервисы
	publisher := service.NewPublisher(store, cfg.WebsiteDir, cfg.PoolSize, logger)
	content := service.NewContentService(store, cfg.HashCacheSize, cfg.HashCacheTTL, logger)

	// 3. Фоновые процессы
	ctx := context.Background()

	var archiveSvc *service.ArchiveService
	if cfg.ArchiveDir != "" {
		archiveSvc = service.NewArchiveService(store, cfg.ArchiveDir, cfg.ArchiveThreshold, cfg.ArchiveInterval, logger)
		archiveSvc.Start(ctx)
	} else {
		logger.Info("Архивирование выключено (CP_ARCHIVE_DIR не задан)")
	}

	// 4. JWT и мониторинг JWKS
	var (
		jwtAuth      *middleware.JWTAuth
		dephealthSvc *service.DephealthService
		deps         handlers.DependencyHealth
	)
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}

		dephealthSvc, err = service.NewDephealthService(service.DephealthConfig{
			Name:          cfg.DephealthName,
			Group:         cfg.DephealthGroup,
			DepName:       cfg.DephealthDepName,
			URL:           cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
			TLSSkipVerify: cfg.TLSSkipVerify,
		}, logger)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealthSvc = nil
		} else if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
			dephealthSvc = nil
		} else {
			deps = dephealthSvc
		}
	} else {
		logger.Warn("CP_JWKS_URL не задан, API доступен без аутентификации")
	}

	// 5. Handlers и маршрутизация
	validator, err := middleware.NewOpenAPIValidator(logger)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := server.NewRouter(logger, server.Routes{
		Transactions:  handlers.NewTransactionsHandler(store, publisher, logger),
		Files:         handlers.NewFilesHandler(store, publisher, cfg.MaxUploadSize, logger),
		Content:       handlers.NewContentHandler(store, content, logger),
		Health:        handlers.NewHealthHandler(cfg.TransactionStore, cfg.WebsiteDir, deps),
		Validator:     validator,
		Auth:          jwtAuth,
		RequiredScope: cfg.RequiredScope,
	})

	// 6. HTTP-сервер
	srv := server.New(cfg, logger, router)
	runErr := srv.Run()

	// --- Остановка фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	if archiveSvc != nil {
		archiveSvc.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Content Publisher остановлен")
}
