// archive.go — фоновый перенос старых транзакций в архив.
//
// В архив (CP_ARCHIVE_DIR) переносятся директории транзакций:
//   - откаченные (rolled back, rollback failed) — сразу;
//   - зафиксированные (committed, commit failed) — после порога с момента завершения;
//   - открытые, но заброшенные — после порога с момента создания;
//   - нечитаемые или зашифрованные — после порога по mtime метаданных.
//
// Открытые транзакции, находящиеся в памяти, и транзакции, над которыми
// выполняется загрузка, фиксация или откат, не трогаются.
// Запускается при старте и далее с интервалом CP_ARCHIVE_INTERVAL.
package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// Prometheus метрики архивирования
var (
	archiveRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "content_publisher_archive_runs_total",
		Help: "Общее количество запусков архивирования",
	})

	archivedTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "content_publisher_archived_transactions_total",
		Help: "Количество транзакций, перенесённых в архив, по причине",
	}, []string{"reason"})

	archiveDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "content_publisher_archive_duration_seconds",
		Help:    "Длительность архивирования в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Причины архивирования.
const (
	ReasonRolledBack = "rolled_back"
	ReasonFinished   = "finished"
	ReasonAbandoned  = "abandoned"
	ReasonOpaque     = "opaque"
)

// ArchiveResult — результат одного запуска архивирования.
type ArchiveResult struct {
	// Archived — количество перенесённых транзакций по причине
	Archived map[string]int
	// Skipped — количество транзакций, оставленных на месте
	Skipped int
	// Errors — количество ошибок переноса
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Total возвращает общее количество перенесённых транзакций.
func (r *ArchiveResult) Total() int {
	n := 0
	for _, c := range r.Archived {
		n += c
	}
	return n
}

// ArchiveService — сервис архивирования транзакций.
type ArchiveService struct {
	store      *txstore.Store
	archiveDir string
	threshold  time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiveService создаёт сервис архивирования.
// interval == 0 — только однократный запуск при старте.
func NewArchiveService(
	store *txstore.Store,
	archiveDir string,
	threshold time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		store:      store,
		archiveDir: archiveDir,
		threshold:  threshold,
		interval:   interval,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "archive")),
	}
}

// Start запускает фоновую горутину архивирования.
// Вызывается один раз при старте приложения.
func (a *ArchiveService) Start(ctx context.Context) {
	archiveCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.run(archiveCtx)

	a.logger.Info("Архивирование запущено",
		slog.String("archive_dir", a.archiveDir),
		slog.String("threshold", a.threshold.String()),
		slog.String("interval", a.interval.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается завершения текущего прохода.
func (a *ArchiveService) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.logger.Info("Архивирование остановлено")
}

// run — основной цикл фоновой горутины.
func (a *ArchiveService) run(ctx context.Context) {
	defer close(a.done)

	// Первый запуск — сразу после старта
	a.RunOnce()
	if a.interval <= 0 {
		return
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce()
		}
	}
}

// RunOnce выполняет один проход архивирования.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (a *ArchiveService) RunOnce() *ArchiveResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	result := &ArchiveResult{Archived: make(map[string]int)}

	ids, err := a.store.List()
	if err != nil {
		a.logger.Error("Ошибка чтения хранилища транзакций",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return result
	}

	now := a.now()
	for _, id := range ids {
		a.archiveOne(id, now, result)
	}

	result.Duration = time.Since(start)
	archiveRunsTotal.Inc()
	archiveDurationSeconds.Observe(result.Duration.Seconds())

	a.logger.Info("Архивирование завершено",
		slog.Int(ReasonRolledBack, result.Archived[ReasonRolledBack]),
		slog.Int(ReasonFinished, result.Archived[ReasonFinished]),
		slog.Int(ReasonAbandoned, result.Archived[ReasonAbandoned]),
		slog.Int(ReasonOpaque, result.Archived[ReasonOpaque]),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// archiveOne переносит транзакцию id в архив, если для этого есть причина.
// Транзакция, над которой выполняется операция, пропускается до
// следующего прохода; блокировка удерживается до конца переноса.
func (a *ArchiveService) archiveOne(id string, now time.Time, result *ArchiveResult) {
	if a.store.IsLive(id) {
		result.Skipped++
		return
	}
	unlock, ok := a.store.TryLock(id)
	if !ok {
		result.Skipped++
		return
	}
	defer unlock()

	reason := a.reason(id, now)
	if reason == "" {
		result.Skipped++
		return
	}

	if err := a.move(id); err != nil {
		a.logger.Error("Ошибка переноса транзакции в архив",
			slog.String("tx_id", id),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return
	}
	a.store.Forget(id)
	result.Archived[reason]++
	archivedTransactionsTotal.WithLabelValues(reason).Inc()

	a.logger.Debug("Транзакция перенесена в архив",
		slog.String("tx_id", id),
		slog.String("reason", reason),
	)
}

// reason возвращает причину архивирования транзакции id
// или пустую строку, если транзакцию нужно оставить.
func (a *ArchiveService) reason(id string, now time.Time) string {
	tx, err := a.store.Peek(id)
	if err != nil {
		if !errors.Is(err, txstore.ErrUnauthorized) {
			a.logger.Warn("Метаданные транзакции не прочитаны",
				slog.String("tx_id", id),
				slog.String("error", err.Error()),
			)
		}
		if a.olderThanThreshold(a.modTime(id), now) {
			return ReasonOpaque
		}
		return ""
	}

	switch status := tx.Status(); {
	case status == model.TxRolledBack || status == model.TxRollbackFailed:
		return ReasonRolledBack
	case !status.IsOpen():
		if a.olderThanThreshold(tx.EndedAt(), now) {
			return ReasonFinished
		}
	case a.olderThanThreshold(tx.StartedAt(), now):
		return ReasonAbandoned
	}
	return ""
}

// modTime — mtime метаданных, при их отсутствии — mtime директории.
func (a *ArchiveService) modTime(id string) time.Time {
	if t, err := a.store.MetadataModTime(id); err == nil {
		return t
	}
	info, err := os.Stat(a.store.Dir(id))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (a *ArchiveService) olderThanThreshold(t, now time.Time) bool {
	return !t.IsZero() && now.Sub(t) > a.threshold
}

// move переносит директорию транзакции в архив.
// При совпадении имени к нему добавляется суффикс.
func (a *ArchiveService) move(id string) error {
	dst := filepath.Join(a.archiveDir, id)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(a.archiveDir, id+"-"+uuid.NewString()[:8])
	}
	return os.Rename(a.store.Dir(id), dst)
}
