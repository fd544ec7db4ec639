// Пакет config — загрузка и валидация конфигурации Content Publisher
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Content Publisher.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория хранилища транзакций
	TransactionStore string
	// Корневая директория публикуемого сайта
	WebsiteDir string
	// Размер пула воркеров файловых операций
	PoolSize int
	// Директория архива транзакций (пусто — архивирование выключено)
	ArchiveDir string
	// Возраст, после которого транзакция переносится в архив
	ArchiveThreshold time.Duration
	// Интервал архивирования (0 — только при старте)
	ArchiveInterval time.Duration
	// Максимальный размер тела запроса загрузки в байтах
	MaxUploadSize int64
	// Размер LRU-кэша SHA-1 файлов staging
	HashCacheSize int
	// Время жизни записи в кэше SHA-1
	HashCacheTTL time.Duration
	// log2(N) для scrypt при шифровании метаданных
	ScryptWorkFactor int

	// URL JWKS endpoint (пусто — аутентификация выключена)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Пропускать проверку TLS-сертификата JWKS endpoint
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Scope, обязательный для /api/v1 (пусто — не проверяется)
	RequiredScope string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости (JWKS) в метриках topologymetrics
	DephealthDepName string
	// Имя вершины графа текущего приложения
	DephealthName string

	// Путь к TLS сертификату (вместе с TLSKey включает HTTPS)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// TLSEnabled — true, если заданы и сертификат, и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// AuthEnabled — true, если задан JWKS URL.
func (c *Config) AuthEnabled() bool {
	return c.JWKSUrl != ""
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
// Любая ошибка здесь фатальна: сервис не начинает обслуживание.
func Load() (*Config, error) {
	cfg := &Config{}

	// CP_PORT — порт HTTP-сервера (по умолчанию 8084)
	port, err := getEnvInt("CP_PORT", 8084)
	if err != nil {
		return nil, fmt.Errorf("CP_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("CP_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// CP_TRANSACTION_STORE — обязательный, существующая директория
	cfg.TransactionStore, err = getEnvDir("CP_TRANSACTION_STORE")
	if err != nil {
		return nil, err
	}

	// CP_WEBSITE_DIR — обязательный, существующая директория
	cfg.WebsiteDir, err = getEnvDir("CP_WEBSITE_DIR")
	if err != nil {
		return nil, err
	}

	// CP_POOL_SIZE — размер пула воркеров (по умолчанию 8)
	cfg.PoolSize, err = getEnvInt("CP_POOL_SIZE", 8)
	if err != nil {
		return nil, fmt.Errorf("CP_POOL_SIZE: %w", err)
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("CP_POOL_SIZE: значение должно быть положительным, получено %d", cfg.PoolSize)
	}

	// CP_ARCHIVE_DIR — директория архива (опционально, должна существовать)
	cfg.ArchiveDir = getEnvDefault("CP_ARCHIVE_DIR", "")
	if cfg.ArchiveDir != "" {
		if err := requireDir("CP_ARCHIVE_DIR", cfg.ArchiveDir); err != nil {
			return nil, err
		}
	}

	// CP_ARCHIVE_THRESHOLD — возраст транзакции для архивирования (по умолчанию 24h)
	cfg.ArchiveThreshold, err = getEnvDuration("CP_ARCHIVE_THRESHOLD", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CP_ARCHIVE_THRESHOLD: %w", err)
	}
	if cfg.ArchiveThreshold <= 0 {
		return nil, fmt.Errorf("CP_ARCHIVE_THRESHOLD: значение должно быть положительным")
	}

	// CP_ARCHIVE_INTERVAL — интервал архивирования (по умолчанию 1h)
	cfg.ArchiveInterval, err = getEnvDuration("CP_ARCHIVE_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CP_ARCHIVE_INTERVAL: %w", err)
	}
	if cfg.ArchiveInterval < 0 {
		return nil, fmt.Errorf("CP_ARCHIVE_INTERVAL: значение не может быть отрицательным")
	}

	// CP_MAX_UPLOAD_SIZE — лимит тела запроса загрузки (по умолчанию 1 GB)
	cfg.MaxUploadSize, err = getEnvInt64("CP_MAX_UPLOAD_SIZE", 1073741824)
	if err != nil {
		return nil, fmt.Errorf("CP_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("CP_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// CP_HASH_CACHE_SIZE — размер кэша SHA-1 (по умолчанию 1024)
	cfg.HashCacheSize, err = getEnvInt("CP_HASH_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("CP_HASH_CACHE_SIZE: %w", err)
	}
	if cfg.HashCacheSize <= 0 {
		return nil, fmt.Errorf("CP_HASH_CACHE_SIZE: значение должно быть положительным")
	}

	// CP_HASH_CACHE_TTL — время жизни записи кэша SHA-1 (по умолчанию 5m)
	cfg.HashCacheTTL, err = getEnvDuration("CP_HASH_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CP_HASH_CACHE_TTL: %w", err)
	}

	// CP_SCRYPT_WORK_FACTOR — log2(N) для scrypt (по умолчанию 15)
	cfg.ScryptWorkFactor, err = getEnvInt("CP_SCRYPT_WORK_FACTOR", 15)
	if err != nil {
		return nil, fmt.Errorf("CP_SCRYPT_WORK_FACTOR: %w", err)
	}
	if cfg.ScryptWorkFactor < 10 || cfg.ScryptWorkFactor > 22 {
		return nil, fmt.Errorf("CP_SCRYPT_WORK_FACTOR: значение %d вне допустимого диапазона 10-22", cfg.ScryptWorkFactor)
	}

	// CP_JWKS_URL — опционально, включает JWT-аутентификацию
	cfg.JWKSUrl = getEnvDefault("CP_JWKS_URL", "")

	// CP_JWKS_CA_CERT — путь к CA-сертификату для JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("CP_JWKS_CA_CERT", "")

	// CP_TLS_SKIP_VERIFY — пропуск проверки TLS JWKS endpoint (по умолчанию false)
	cfg.TLSSkipVerify, err = getEnvBool("CP_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("CP_TLS_SKIP_VERIFY: %w", err)
	}

	// CP_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("CP_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CP_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// CP_JWKS_REFRESH_INTERVAL — интервал обновления JWKS (по умолчанию 15s)
	cfg.JWKSRefreshInterval, err = getEnvDuration("CP_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CP_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// CP_JWT_LEEWAY — допустимое отклонение часов (по умолчанию 5s)
	cfg.JWTLeeway, err = getEnvDuration("CP_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CP_JWT_LEEWAY: %w", err)
	}

	// CP_JWT_REQUIRED_SCOPE — обязательный scope (опционально)
	cfg.RequiredScope = getEnvDefault("CP_JWT_REQUIRED_SCOPE", "")

	// CP_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("CP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// CP_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("CP_DEPHEALTH_GROUP", "content-publisher")

	// CP_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics
	cfg.DephealthDepName = getEnvDefault("CP_DEPHEALTH_DEP_NAME", "jwks")

	// DEPHEALTH_NAME — имя вершины графа (по умолчанию content-publisher)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "content-publisher")

	// CP_TLS_CERT, CP_TLS_KEY — задаются парой
	cfg.TLSCert = getEnvDefault("CP_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("CP_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("CP_TLS_CERT и CP_TLS_KEY должны задаваться вместе")
	}

	// CP_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("CP_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CP_SHUTDOWN_TIMEOUT: %w", err)
	}

	// CP_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CP_LOG_LEVEL: %w", err)
	}

	// CP_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDir возвращает обязательный путь к существующей директории.
func getEnvDir(key string) (string, error) {
	val, err := getEnvRequired(key)
	if err != nil {
		return "", err
	}
	if err := requireDir(key, val); err != nil {
		return "", err
	}
	return val, nil
}

// requireDir проверяет, что path существует и является директорией.
func requireDir(key, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: директория %s недоступна: %w", key, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s не является директорией", key, path)
	}
	return nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool из переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
