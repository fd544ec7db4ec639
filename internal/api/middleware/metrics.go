// metrics.go — Prometheus метрики Content Publisher.
// HTTP-метрики: content_publisher_http_requests_total,
// content_publisher_http_request_duration_seconds.
// Бизнес-метрики экспортируются и обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_publisher_http_requests_total",
			Help: "Общее количество HTTP-запросов к Content Publisher",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "content_publisher_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Content Publisher в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// OperationsTotal — количество операций публикации по результату.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_publisher_operations_total",
			Help: "Общее количество операций публикации",
		},
		[]string{"operation", "status"},
	)

	// TransactionsTotal — количество завершённых транзакций по итоговому статусу.
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_publisher_transactions_total",
			Help: "Количество завершённых транзакций по статусу",
		},
		[]string{"status"},
	)

	// OpenTransactions — текущее количество открытых транзакций в памяти.
	OpenTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "content_publisher_open_transactions",
			Help: "Текущее количество открытых транзакций",
		},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем UUID на {id} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

const transactionsPrefix = "/api/v1/transactions/"

// normalizePath заменяет id транзакции на {id}:
// /api/v1/transactions/a1b2c3d4-e5f6-7890-abcd-ef1234567890/commit →
// /api/v1/transactions/{id}/commit
func normalizePath(path string) string {
	if !strings.HasPrefix(path, transactionsPrefix) || !isUUIDSegment(path, transactionsPrefix) {
		return path
	}
	return transactionsPrefix + "{id}" + path[len(transactionsPrefix)+36:]
}

// isUUIDSegment проверяет, начинается ли сегмент пути после prefix с UUID.
func isUUIDSegment(path, prefix string) bool {
	if len(path) < len(prefix)+36 {
		return false
	}
	segment := path[len(prefix) : len(prefix)+36]
	for i, c := range segment {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
		} else if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
