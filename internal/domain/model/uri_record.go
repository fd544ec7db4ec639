// Пакет model — доменные модели публикации: запись о файле (UriRecord),
// транзакция (Transaction) и манифест пакетной операции (Manifest).
//
// Transaction сериализуется в transaction.json; набор полей JSON стабилен,
// внешние инструменты читают хранилище транзакций напрямую.
package model

import (
	"fmt"
	"time"
)

// UriStatus — статус файла в жизненном цикле транзакции.
type UriStatus string

const (
	// UriStarted — загрузка начата
	UriStarted UriStatus = "started"
	// UriUploaded — файл в staging, дайджест вычислен
	UriUploaded UriStatus = "uploaded"
	// UriUploadFailed — ошибка загрузки в staging
	UriUploadFailed UriStatus = "upload failed"
	// UriCommitted — файл опубликован на сайте
	UriCommitted UriStatus = "committed"
	// UriCommitFailed — ошибка публикации
	UriCommitFailed UriStatus = "commit failed"
)

// UriAction — действие над URI при фиксации.
type UriAction string

const (
	ActionCopy   UriAction = "COPY"
	ActionDelete UriAction = "DELETE"
)

// UriRecord — запись о передаче и публикации одного файла.
// Идентичность записи определяется только полем URI.
//
// Переходы состояний — чистые функции: каждый метод возвращает новое
// значение и не изменяет исходное.
type UriRecord struct {
	URI       string    `json:"uri"`
	Status    UriStatus `json:"status"`
	Action    UriAction `json:"action,omitempty"`
	StartedAt time.Time `json:"start"`
	EndedAt   time.Time `json:"end,omitzero"`
	// Duration — длительность загрузки в миллисекундах
	Duration int64  `json:"duration"`
	Digest   string `json:"sha,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewUriRecord создаёт запись в статусе started.
// Пустое действие трактуется как COPY.
func NewUriRecord(uri string, action UriAction, now time.Time) UriRecord {
	if action == "" {
		action = ActionCopy
	}
	return UriRecord{
		URI:       uri,
		Status:    UriStarted,
		Action:    action,
		StartedAt: stamp(now),
	}
}

// Uploaded переводит запись started → uploaded с дайджестом и длительностью.
func (r UriRecord) Uploaded(digest string, now time.Time) (UriRecord, error) {
	if r.Status != UriStarted {
		return r, r.transitionError(UriUploaded)
	}
	r = r.stop(now)
	r.Status = UriUploaded
	r.Digest = digest
	return r, nil
}

// UploadFailed переводит запись started → upload failed с причиной.
func (r UriRecord) UploadFailed(reason string, now time.Time) (UriRecord, error) {
	if r.Status != UriStarted {
		return r, r.transitionError(UriUploadFailed)
	}
	r = r.stop(now)
	r.Status = UriUploadFailed
	r.Error = reason
	return r, nil
}

// Committed переводит запись в committed. Допустимо из uploaded,
// а для DELETE-записей — из started (файл в staging не загружается).
func (r UriRecord) Committed() (UriRecord, error) {
	switch {
	case r.Status == UriUploaded:
	case r.Status == UriStarted && r.Action == ActionDelete:
	default:
		return r, r.transitionError(UriCommitted)
	}
	r.Status = UriCommitted
	return r, nil
}

// CommitFailed переводит незавершённую запись в commit failed с причиной.
func (r UriRecord) CommitFailed(reason string) (UriRecord, error) {
	if r.Status != UriStarted && r.Status != UriUploaded {
		return r, r.transitionError(UriCommitFailed)
	}
	r.Status = UriCommitFailed
	r.Error = reason
	return r, nil
}

// HasError сообщает, содержит ли запись ошибку.
func (r UriRecord) HasError() bool {
	return r.Error != ""
}

// String — краткое представление для логов.
func (r UriRecord) String() string {
	return fmt.Sprintf("%s (%s)", r.URI, r.Status)
}

func (r UriRecord) stop(now time.Time) UriRecord {
	r.EndedAt = stamp(now)
	r.Duration = r.EndedAt.Sub(r.StartedAt).Milliseconds()
	return r
}

func (r UriRecord) transitionError(target UriStatus) error {
	return &TransitionError{
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("запись %s: переход %s → %s недопустим", r.URI, r.Status, target),
	}
}

// stamp приводит время к UTC с точностью до миллисекунд, чтобы значение
// не менялось при сериализации в JSON и обратно.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
