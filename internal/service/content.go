// content.go — проверка SHA-1 файлов транзакции.
// SHA-1 файлов staging кэшируется в LRU с TTL (hashicorp/golang-lru/v2/expirable).
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/digest"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/pathsafe"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// Prometheus-метрики кэша SHA-1.
var (
	hashCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_publisher_hash_cache_hits_total",
		Help: "Общее количество попаданий в кэш SHA-1 файлов staging.",
	})
	hashCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_publisher_hash_cache_misses_total",
		Help: "Общее количество промахов кэша SHA-1 файлов staging.",
	})
)

// ContentService — проверка содержимого транзакций.
type ContentService struct {
	store  *txstore.Store
	cache  *expirable.LRU[string, string]
	logger *slog.Logger
}

// NewContentService создаёт сервис с кэшем SHA-1 на cacheSize записей.
func NewContentService(store *txstore.Store, cacheSize int, ttl time.Duration, logger *slog.Logger) *ContentService {
	return &ContentService{
		store:  store,
		cache:  expirable.NewLRU[string, string](cacheSize, nil, ttl),
		logger: logger.With(slog.String("component", "content_service")),
	}
}

// IsValidHash сравнивает expected с SHA-1, записанным для uri в транзакции.
// Пустые tx, uri или expected — ErrInvalidArgument. Отсутствие записи
// или несовпадение — false без ошибки.
func (s *ContentService) IsValidHash(tx *model.Transaction, uri, expected string) (bool, error) {
	if tx == nil {
		return false, fmt.Errorf("%w: транзакция не задана", ErrInvalidArgument)
	}
	if strings.TrimSpace(uri) == "" {
		return false, fmt.Errorf("%w: не задан uri", ErrInvalidArgument)
	}
	if strings.TrimSpace(expected) == "" {
		return false, fmt.Errorf("%w: не задан sha1", ErrInvalidArgument)
	}

	rec, ok := tx.Uri(normalizeURI(uri))
	if !ok {
		return false, nil
	}
	return digest.Equal(rec.Digest, expected), nil
}

// ContentHash возвращает SHA-1 файла uri в staging транзакции.
// Отсутствующий файл — ErrNotFound.
func (s *ContentService) ContentHash(tx *model.Transaction, uri string) (string, error) {
	if tx == nil {
		return "", fmt.Errorf("%w: транзакция не задана", ErrInvalidArgument)
	}
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("%w: не задан uri", ErrInvalidArgument)
	}

	path, err := pathsafe.ResolveContained(uri, s.store.ContentDir(tx))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: файл %s", ErrNotFound, uri)
		}
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s не является файлом", ErrNotFound, uri)
	}

	// Ключ включает размер и mtime: перезапись файла даёт новый ключ
	key := fmt.Sprintf("%s|%s|%d|%d", tx.ID(), path, info.Size(), info.ModTime().UnixNano())
	if sum, ok := s.cache.Get(key); ok {
		hashCacheHitsTotal.Inc()
		return sum, nil
	}
	hashCacheMissesTotal.Inc()

	sum, err := digest.File(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	s.cache.Add(key, sum)

	s.logger.Debug("SHA-1 файла вычислен",
		slog.String("tx_id", tx.ID()),
		slog.String("uri", uri),
		slog.String("sha", sum),
	)
	return sum, nil
}

// normalizeURI приводит uri к виду с одним ведущим "/".
func normalizeURI(uri string) string {
	return "/" + strings.TrimLeft(strings.TrimSpace(uri), "/")
}
