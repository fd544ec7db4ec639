// publisher.go — загрузка файлов в staging, применение манифеста,
// фиксация транзакции на сайте и откат из резервных копий.
//
// Ошибки отдельных файлов не прерывают пакет: они записываются в запись
// о файле и в список ошибок транзакции. Наружу возвращаются только
// нарушения предусловий и ошибки сохранения метаданных.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/content-publisher/internal/api/middleware"
	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/digest"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/filestore"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/pathsafe"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// ManifestResult — итог применения манифеста.
type ManifestResult struct {
	// Copied — количество успешно скопированных файлов
	Copied int
	// Failed — количество записей манифеста, завершившихся ошибкой
	Failed int
	// Deletes — количество URI, помеченных на удаление
	Deletes int
}

// Publisher — сервис публикации содержимого транзакций на сайт.
type Publisher struct {
	store      *txstore.Store
	websiteDir string
	poolSize   int
	logger     *slog.Logger
}

// NewPublisher создаёт сервис публикации.
// poolSize ограничивает число параллельных файловых операций в одном вызове.
func NewPublisher(store *txstore.Store, websiteDir string, poolSize int, logger *slog.Logger) *Publisher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Publisher{
		store:      store,
		websiteDir: websiteDir,
		poolSize:   poolSize,
		logger:     logger.With(slog.String("component", "publisher")),
	}
}

// IngestFile записывает поток r в staging транзакции по адресу uri.
//
// Поток:
//  1. Проверка, что uri не выходит за пределы staging
//  2. Запись started в транзакцию
//  3. Потоковая запись с подсчётом SHA-1
//  4. uploaded или upload failed (ошибка также добавляется в транзакцию)
//  5. Замена записи и сохранение транзакции
//
// Ошибка записи файла не возвращается как error: итог виден в записи.
func (p *Publisher) IngestFile(ctx context.Context, tx *model.Transaction, uri string, r io.Reader) (model.UriRecord, error) {
	unlock, err := p.lock(tx, false)
	if err != nil {
		return model.UriRecord{}, err
	}
	defer unlock()
	if err := requireOpen(tx); err != nil {
		return model.UriRecord{}, err
	}
	if strings.TrimSpace(uri) == "" {
		return model.UriRecord{}, fmt.Errorf("%w: не задан uri", ErrBadRequest)
	}

	contentDir := p.store.ContentDir(tx)
	target, err := pathsafe.ResolveContained(uri, contentDir)
	if err != nil {
		return model.UriRecord{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	uri, _ = pathsafe.ToURI(target, contentDir)

	rec := model.NewUriRecord(uri, model.ActionCopy, time.Now())
	if err := tx.AddUri(rec); err != nil {
		return model.UriRecord{}, fmt.Errorf("%w: %v", ErrTransactionClosed, err)
	}

	final := p.saveRecord(tx, rec, target, r)
	if err := tx.AddUri(final); err != nil {
		return final, fmt.Errorf("%w: %v", ErrTransactionClosed, err)
	}

	if err := p.store.Update(tx); err != nil {
		middleware.OperationsTotal.WithLabelValues("ingest", "error").Inc()
		return final, fmt.Errorf("%w: сохранение транзакции: %v", ErrIOFailure, err)
	}

	status := "success"
	if final.HasError() {
		status = "failure"
	}
	middleware.OperationsTotal.WithLabelValues("ingest", status).Inc()

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Файл загружен в staging",
		slog.String("tx_id", tx.ID()),
		slog.String("uri", final.URI),
		slog.String("status", string(final.Status)),
		slog.String("sha", final.Digest),
	)
	return final, nil
}

// IngestZip распаковывает zip-архив в staging транзакции. Каждый файл
// архива становится записью по адресу prefix + "/" + имя в архиве.
// Элемент, выходящий за пределы staging, становится записью с ошибкой.
func (p *Publisher) IngestZip(ctx context.Context, tx *model.Transaction, prefix string, r io.ReaderAt, size int64) ([]model.UriRecord, error) {
	unlock, err := p.lock(tx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := requireOpen(tx); err != nil {
		return nil, err
	}

	// Небезопасные имена элементов не отклоняют архив целиком:
	// они проверяются по отдельности ниже
	zr, err := zip.NewReader(r, size)
	if err != nil && zr == nil {
		return nil, fmt.Errorf("%w: некорректный zip-архив: %v", ErrBadRequest, err)
	}

	contentDir := p.store.ContentDir(tx)
	base := ""
	if trimmed := strings.Trim(prefix, "/"); trimmed != "" {
		base = "/" + trimmed
	}

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(p.poolSize)

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		g.Go(func() error {
			uri := base + "/" + f.Name
			target, err := pathsafe.ResolveContained(uri, contentDir)
			if err != nil {
				failed.Add(1)
				p.recordFailure(tx, model.NewUriRecord(uri, model.ActionCopy, time.Now()), err)
				return nil
			}
			uri, _ = pathsafe.ToURI(target, contentDir)

			rec := model.NewUriRecord(uri, model.ActionCopy, time.Now())
			tx.AddUri(rec)

			rc, err := f.Open()
			if err != nil {
				failed.Add(1)
				p.recordFailure(tx, rec, err)
				return nil
			}
			defer rc.Close()

			final := p.saveRecord(tx, rec, target, rc)
			if final.HasError() {
				failed.Add(1)
			}
			tx.AddUri(final)
			return nil
		})
	}
	_ = g.Wait()

	if err := p.store.Update(tx); err != nil {
		middleware.OperationsTotal.WithLabelValues("ingest_zip", "error").Inc()
		return nil, fmt.Errorf("%w: сохранение транзакции: %v", ErrIOFailure, err)
	}

	status := "success"
	if failed.Load() > 0 {
		status = "failure"
	}
	middleware.OperationsTotal.WithLabelValues("ingest_zip", status).Inc()

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Zip-архив распакован в staging",
		slog.String("tx_id", tx.ID()),
		slog.String("prefix", prefix),
		slog.Int("files", len(zr.File)),
		slog.Int("failed", int(failed.Load())),
	)

	// Возвращаем записи этого архива в порядке URI
	records := make([]model.UriRecord, 0, len(zr.File))
	for _, rec := range tx.Uris() {
		if base == "" || strings.HasPrefix(rec.URI, base+"/") {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ApplyManifest копирует файлы внутри staging и помечает URI на удаление.
// Копирования выполняются параллельно в пуле; ошибка одной записи
// не отменяет остальные. Транзакция сохраняется один раз в конце.
func (p *Publisher) ApplyManifest(ctx context.Context, tx *model.Transaction, m model.Manifest) (ManifestResult, error) {
	var result ManifestResult
	unlock, err := p.lock(tx, false)
	if err != nil {
		return result, err
	}
	defer unlock()
	if err := requireOpen(tx); err != nil {
		return result, err
	}
	if m.Empty() {
		return result, fmt.Errorf("%w: пустой манифест", ErrBadRequest)
	}

	contentDir := p.store.ContentDir(tx)

	var (
		g              errgroup.Group
		copied, failed atomic.Int32
	)
	g.SetLimit(p.poolSize)

	for _, entry := range m.FilesToCopy {
		g.Go(func() error {
			if p.copyEntry(tx, contentDir, entry) {
				copied.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	deletes := make([]model.UriRecord, 0, len(m.UrisToDelete))
	for _, uri := range m.UrisToDelete {
		rec, ok := p.deleteRecord(tx, uri)
		if !ok {
			failed.Add(1)
		}
		if rec.URI != "" {
			deletes = append(deletes, rec)
		}
	}
	tx.AddUriDeletes(deletes)

	result = ManifestResult{
		Copied:  int(copied.Load()),
		Failed:  int(failed.Load()),
		Deletes: len(deletes),
	}

	if err := p.store.Update(tx); err != nil {
		middleware.OperationsTotal.WithLabelValues("manifest", "error").Inc()
		return result, fmt.Errorf("%w: сохранение транзакции: %v", ErrIOFailure, err)
	}

	status := "success"
	if result.Failed > 0 {
		status = "failure"
	}
	middleware.OperationsTotal.WithLabelValues("manifest", status).Inc()

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Манифест применён",
		slog.String("tx_id", tx.ID()),
		slog.Int("copied", result.Copied),
		slog.Int("deletes", result.Deletes),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// copyEntry копирует один файл манифеста внутри staging.
func (p *Publisher) copyEntry(tx *model.Transaction, contentDir string, entry model.FileCopy) bool {
	if strings.TrimSpace(entry.Target) == "" {
		tx.AddError(fmt.Sprintf("манифест: не задан target для источника %q", entry.Source))
		return false
	}

	dst, err := pathsafe.ResolveContained(entry.Target, contentDir)
	if err != nil {
		p.recordFailure(tx, model.NewUriRecord(entry.Target, model.ActionCopy, time.Now()), err)
		return false
	}
	uri, _ := pathsafe.ToURI(dst, contentDir)
	rec := model.NewUriRecord(uri, model.ActionCopy, time.Now())
	tx.AddUri(rec)

	src, err := pathsafe.ResolveContained(entry.Source, contentDir)
	if err != nil {
		p.recordFailure(tx, rec, fmt.Errorf("источник: %w", err))
		return false
	}

	in, err := os.Open(src)
	if err != nil {
		p.recordFailure(tx, rec, fmt.Errorf("источник: %w", err))
		return false
	}
	defer in.Close()

	final := p.saveRecord(tx, rec, dst, in)
	tx.AddUri(final)
	return !final.HasError()
}

// deleteRecord строит запись DELETE для uri. Второй результат false,
// если uri невалиден (запись тогда несёт ошибку).
func (p *Publisher) deleteRecord(tx *model.Transaction, uri string) (model.UriRecord, bool) {
	if strings.TrimSpace(uri) == "" {
		tx.AddError("манифест: пустой uri для удаления")
		return model.UriRecord{}, false
	}

	rec := model.NewUriRecord(uri, model.ActionDelete, time.Now())
	target, err := pathsafe.ResolveContained(uri, p.websiteDir)
	if err != nil {
		failed, _ := rec.UploadFailed(err.Error(), time.Now())
		tx.AddError(fmt.Sprintf("%s: %v", uri, err))
		return failed, false
	}
	rec.URI, _ = pathsafe.ToURI(target, p.websiteDir)
	return rec, true
}

// saveRecord пишет поток r в target и возвращает итоговую запись.
func (p *Publisher) saveRecord(tx *model.Transaction, rec model.UriRecord, target string, r io.Reader) model.UriRecord {
	res, err := filestore.SaveStream(target, r)
	if err != nil {
		p.logger.Warn("Ошибка записи файла в staging",
			slog.String("tx_id", tx.ID()),
			slog.String("uri", rec.URI),
			slog.String("error", err.Error()),
		)
		tx.AddError(fmt.Sprintf("%s: %v", rec.URI, err))
		failed, _ := rec.UploadFailed(err.Error(), time.Now())
		return failed
	}
	uploaded, _ := rec.Uploaded(res.Digest, time.Now())
	return uploaded
}

// recordFailure помечает запись как upload failed и добавляет ошибку в транзакцию.
func (p *Publisher) recordFailure(tx *model.Transaction, rec model.UriRecord, cause error) {
	failed, _ := rec.UploadFailed(cause.Error(), time.Now())
	tx.AddUri(failed)
	tx.AddError(fmt.Sprintf("%s: %v", rec.URI, cause))
}

// Commit переносит содержимое staging на сайт.
//
// Сначала обрабатываются удаления, затем файлы staging. Перед перезаписью
// или удалением файл сайта копируется в backup. Каждый URI целиком
// (backup и перезапись) обрабатывается одним воркером.
// Возвращает true, если ни одна операция не завершилась ошибкой.
//
// На время фиксации загрузки в транзакцию блокируются.
func (p *Publisher) Commit(ctx context.Context, tx *model.Transaction) (bool, error) {
	unlock, err := p.lock(tx, true)
	if err != nil {
		return false, err
	}
	defer unlock()
	if err := requireOpen(tx); err != nil {
		return false, err
	}

	start := time.Now()
	contentDir := p.store.ContentDir(tx)
	backupDir := p.store.BackupDir(tx)

	// Фаза 1: удаления
	var g errgroup.Group
	g.SetLimit(p.poolSize)
	for _, rec := range tx.UriDeletes() {
		if rec.HasError() {
			continue
		}
		g.Go(func() error {
			tx.AddUriDelete(p.commitDelete(tx, rec, backupDir))
			return nil
		})
	}
	_ = g.Wait()

	// Фаза 2: файлы staging
	staged, err := listFiles(contentDir)
	if err != nil {
		tx.AddError(fmt.Sprintf("обход staging: %v", err))
	}
	stagedSet := make(map[string]struct{}, len(staged))
	for _, uri := range staged {
		stagedSet[uri] = struct{}{}
		g.Go(func() error {
			if rec, ok := p.commitCopy(tx, uri, contentDir, backupDir); ok {
				tx.AddUri(rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Загруженные записи без файла в staging
	for _, rec := range tx.Uris() {
		if rec.Status != model.UriUploaded {
			continue
		}
		if _, ok := stagedSet[rec.URI]; ok {
			continue
		}
		failed, _ := rec.CommitFailed("файл отсутствует в staging")
		tx.AddUri(failed)
		tx.AddError(fmt.Sprintf("%s: файл отсутствует в staging", rec.URI))
	}

	success := !tx.HasErrors()
	if err := tx.Commit(success); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransactionClosed, err)
	}
	p.finish(tx, "commit", success)

	if err := p.store.Update(tx); err != nil {
		return success, fmt.Errorf("%w: сохранение транзакции: %v", ErrIOFailure, err)
	}

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Транзакция зафиксирована",
		slog.String("tx_id", tx.ID()),
		slog.String("status", string(tx.Status())),
		slog.Int("staged", len(staged)),
		slog.Duration("duration", time.Since(start)),
	)
	return success, nil
}

// commitDelete удаляет файл сайта, предварительно сохранив его копию.
func (p *Publisher) commitDelete(tx *model.Transaction, rec model.UriRecord, backupDir string) model.UriRecord {
	fail := func(err error) model.UriRecord {
		tx.AddError(fmt.Sprintf("%s: %v", rec.URI, err))
		failed, _ := rec.CommitFailed(err.Error())
		return failed
	}

	target, err := pathsafe.ResolveContained(rec.URI, p.websiteDir)
	if err != nil {
		return fail(err)
	}

	if filestore.FileExists(target) {
		if err := p.backup(rec.URI, target, backupDir); err != nil {
			return fail(err)
		}
		if err := filestore.DeleteFile(target); err != nil {
			return fail(err)
		}
	}

	committed, err := rec.Committed()
	if err != nil {
		return fail(err)
	}
	return committed
}

// commitCopy публикует один файл staging. Второй результат false,
// если запись не нужно обновлять (загрузка файла завершилась ошибкой).
func (p *Publisher) commitCopy(tx *model.Transaction, uri, contentDir, backupDir string) (model.UriRecord, bool) {
	rec, ok := tx.Uri(uri)
	switch {
	case !ok:
		// Файл попал в staging в обход записи: фиксируем его с новой записью
		rec = model.NewUriRecord(uri, model.ActionCopy, time.Now())
	case rec.Status == model.UriUploadFailed:
		return rec, false
	}

	fail := func(err error) (model.UriRecord, bool) {
		tx.AddError(fmt.Sprintf("%s: %v", uri, err))
		failed, _ := rec.CommitFailed(err.Error())
		return failed, true
	}

	src := pathsafe.Resolve(uri, contentDir)
	if rec.Status == model.UriStarted {
		sum, err := digest.File(src)
		if err != nil {
			return fail(err)
		}
		if rec, err = rec.Uploaded(sum, time.Now()); err != nil {
			return fail(err)
		}
	}

	target, err := pathsafe.ResolveContained(uri, p.websiteDir)
	if err != nil {
		return fail(err)
	}

	if filestore.FileExists(target) {
		if err := p.backup(uri, target, backupDir); err != nil {
			return fail(err)
		}
	}

	if err := filestore.CopyFile(src, target); err != nil {
		return fail(err)
	}

	committed, err := rec.Committed()
	if err != nil {
		return fail(err)
	}
	return committed, true
}

// backup копирует файл сайта target в backupDir по тому же относительному пути.
// Уже существующая копия не перезаписывается: она хранит исходное состояние.
func (p *Publisher) backup(uri, target, backupDir string) error {
	dst, err := pathsafe.ResolveContained(uri, backupDir)
	if err != nil {
		return err
	}
	if filestore.FileExists(dst) {
		return nil
	}
	if err := filestore.CopyFile(target, dst); err != nil {
		return fmt.Errorf("резервная копия: %w", err)
	}
	return nil
}

// Rollback восстанавливает сайт из резервных копий транзакции и удаляет
// файлы, которые фиксация создала впервые. Допустим для открытой
// и для зафиксированной транзакции. Возвращает true, если не возникло
// новых ошибок.
//
// Без читаемой директории резервных копий откат не выполняется:
// статус и сайт остаются без изменений.
func (p *Publisher) Rollback(ctx context.Context, tx *model.Transaction) (bool, error) {
	unlock, err := p.lock(tx, true)
	if err != nil {
		return false, err
	}
	defer unlock()
	if !model.CanRollback(tx.Status()) {
		return false, fmt.Errorf("%w: %s в статусе %q", ErrTransactionClosed, tx.ID(), tx.Status())
	}

	start := time.Now()
	backupDir := p.store.BackupDir(tx)

	backups, err := listFiles(backupDir)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("rollback", "error").Inc()
		return false, fmt.Errorf("%w: резервные копии транзакции %s: %v", ErrIOFailure, tx.ID(), err)
	}

	var failures atomic.Int32
	fail := func(uri string, err error) {
		failures.Add(1)
		tx.AddError(fmt.Sprintf("откат %s: %v", uri, err))
	}
	restored := make(map[string]struct{}, len(backups))
	for _, uri := range backups {
		restored[uri] = struct{}{}
	}

	var g errgroup.Group
	g.SetLimit(p.poolSize)

	for _, uri := range backups {
		g.Go(func() error {
			target, err := pathsafe.ResolveContained(uri, p.websiteDir)
			if err != nil {
				fail(uri, err)
				return nil
			}
			if err := filestore.CopyFile(pathsafe.Resolve(uri, backupDir), target); err != nil {
				fail(uri, err)
			}
			return nil
		})
	}

	// Файлы, созданные фиксацией впервые (копии для них нет)
	for _, rec := range tx.Uris() {
		if rec.Status != model.UriCommitted {
			continue
		}
		if _, ok := restored[rec.URI]; ok {
			continue
		}
		g.Go(func() error {
			target, err := pathsafe.ResolveContained(rec.URI, p.websiteDir)
			if err != nil {
				fail(rec.URI, err)
				return nil
			}
			if err := filestore.DeleteFile(target); err != nil {
				fail(rec.URI, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	success := failures.Load() == 0
	if err := tx.Rollback(success); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransactionClosed, err)
	}
	p.finish(tx, "rollback", success)

	if err := p.store.Update(tx); err != nil {
		return success, fmt.Errorf("%w: сохранение транзакции: %v", ErrIOFailure, err)
	}

	p.logger.LogAttrs(ctx, slog.LevelInfo, "Транзакция откачена",
		slog.String("tx_id", tx.ID()),
		slog.String("status", string(tx.Status())),
		slog.Int("restored", len(backups)),
		slog.Int("failures", int(failures.Load())),
		slog.Duration("duration", time.Since(start)),
	)
	return success, nil
}

// finish обновляет метрики завершения транзакции.
func (p *Publisher) finish(tx *model.Transaction, operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	middleware.OperationsTotal.WithLabelValues(operation, status).Inc()
	middleware.TransactionsTotal.WithLabelValues(string(tx.Status())).Inc()
	middleware.OpenTransactions.Set(float64(p.store.CountOpen()))
}

// lock захватывает блокировку операций транзакции: разделяемую для
// загрузок, исключительную для фиксации и отката. Транзакция, перенесённая
// в архив, пока вызов ждал блокировку, даёт ErrNotFound.
func (p *Publisher) lock(tx *model.Transaction, exclusive bool) (func(), error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: транзакция не задана", ErrInvalidArgument)
	}
	id := tx.ID()

	var unlock func()
	if exclusive {
		unlock = p.store.Lock(id)
	} else {
		unlock = p.store.RLock(id)
	}
	if !p.store.Exists(id) {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return unlock, nil
}

// listFiles возвращает URI файлов под root без временных файлов
// незавершённых записей.
func listFiles(root string) ([]string, error) {
	uris, err := pathsafe.ListURIs(root)
	if err != nil {
		return nil, err
	}
	files := uris[:0]
	for _, uri := range uris {
		if !filestore.IsTempFile(path.Base(uri)) {
			files = append(files, uri)
		}
	}
	return files, nil
}

// requireOpen проверяет, что транзакция открыта.
func requireOpen(tx *model.Transaction) error {
	if !tx.IsOpen() {
		return fmt.Errorf("%w: %s в статусе %q", ErrTransactionClosed, tx.ID(), tx.Status())
	}
	return nil
}
