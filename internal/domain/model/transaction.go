package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxStatus — статус транзакции публикации.
type TxStatus string

const (
	// TxStarted — транзакция создана, файлов ещё нет
	TxStarted TxStatus = "started"
	// TxPublishing — в транзакцию добавлен хотя бы один файл
	TxPublishing TxStatus = "publishing"
	// TxCommitted — все файлы опубликованы
	TxCommitted TxStatus = "committed"
	// TxCommitFailed — фиксация завершилась с ошибками
	TxCommitFailed TxStatus = "commit failed"
	// TxRolledBack — сайт восстановлен из резервных копий
	TxRolledBack TxStatus = "rolled back"
	// TxRollbackFailed — откат завершился с ошибками
	TxRollbackFailed TxStatus = "rollback failed"
)

// IsOpen сообщает, является ли статус открытым (started, publishing).
func (s TxStatus) IsOpen() bool {
	return s == TxStarted || s == TxPublishing
}

// Transaction — единица атомарной публикации набора файлов.
//
// Все поля защищены mu. Коллекции изменяются по схеме copy-on-write:
// каждая операция строит новую map/slice и подменяет ссылку, поэтому
// снимок (Snapshot) может разделять коллекции с живым экземпляром
// и никогда не видит частичного обновления.
type Transaction struct {
	mu        sync.Mutex
	id        string
	status    TxStatus
	startedAt time.Time
	endedAt   time.Time
	uris      map[string]UriRecord
	deletes   map[string]UriRecord
	errors    []string
}

// NewTransaction создаёт транзакцию в статусе started со случайным id.
func NewTransaction(now time.Time) *Transaction {
	return &Transaction{
		id:        uuid.NewString(),
		status:    TxStarted,
		startedAt: stamp(now),
		uris:      map[string]UriRecord{},
		deletes:   map[string]UriRecord{},
	}
}

// ID возвращает идентификатор транзакции.
func (t *Transaction) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Status возвращает текущий статус.
func (t *Transaction) Status() TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StartedAt возвращает время создания.
func (t *Transaction) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// EndedAt возвращает время завершения (нулевое для открытой транзакции).
func (t *Transaction) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

// IsOpen — true для статусов started и publishing.
func (t *Transaction) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.IsOpen()
}

// AddUri добавляет или заменяет запись о файле (по URI).
// Завершённая транзакция изменений не принимает.
func (t *Transaction) AddUri(r UriRecord) error {
	return t.AddUris([]UriRecord{r})
}

// AddUris добавляет набор записей одной атомарной операцией.
func (t *Transaction) AddUris(records []UriRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.IsOpen() {
		return t.closedError("addUri")
	}
	t.uris = withRecords(t.uris, records)
	t.markPublishing()
	return nil
}

// AddUriDelete добавляет URI для удаления при фиксации.
func (t *Transaction) AddUriDelete(r UriRecord) error {
	return t.AddUriDeletes([]UriRecord{r})
}

// AddUriDeletes добавляет набор URI для удаления одной атомарной операцией.
func (t *Transaction) AddUriDeletes(records []UriRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.IsOpen() {
		return t.closedError("addUriDelete")
	}
	t.deletes = withRecords(t.deletes, records)
	t.markPublishing()
	return nil
}

// AddError добавляет сообщение об ошибке в конец списка.
func (t *Transaction) AddError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	updated := make([]string, len(t.errors), len(t.errors)+1)
	copy(updated, t.errors)
	t.errors = append(updated, msg)
}

// Uri возвращает запись о файле по URI.
func (t *Transaction) Uri(uri string) (UriRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.uris[uri]
	return r, ok
}

// UriDelete возвращает запись об удалении по URI.
func (t *Transaction) UriDelete(uri string) (UriRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.deletes[uri]
	return r, ok
}

// Uris возвращает записи о файлах, отсортированные по URI.
func (t *Transaction) Uris() []UriRecord {
	t.mu.Lock()
	m := t.uris
	t.mu.Unlock()
	return sortedRecords(m)
}

// UriDeletes возвращает записи об удалении, отсортированные по URI.
func (t *Transaction) UriDeletes() []UriRecord {
	t.mu.Lock()
	m := t.deletes
	t.mu.Unlock()
	return sortedRecords(m)
}

// Errors возвращает копию списка ошибок.
func (t *Transaction) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.errors))
	copy(out, t.errors)
	return out
}

// HasErrors — true, если есть ошибки транзакции или хотя бы одна
// запись о файле (или удалении) содержит ошибку.
func (t *Transaction) HasErrors() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errors) > 0 {
		return true
	}
	for _, r := range t.uris {
		if r.HasError() {
			return true
		}
	}
	for _, r := range t.deletes {
		if r.HasError() {
			return true
		}
	}
	return false
}

// Commit завершает фиксацию: committed при success, иначе commit failed.
// Допустимо только для открытой транзакции.
func (t *Transaction) Commit(success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.IsOpen() {
		return t.closedError("commit")
	}
	t.endedAt = stamp(time.Now())
	if success {
		t.status = TxCommitted
	} else {
		t.status = TxCommitFailed
	}
	return nil
}

// Rollback завершает откат: rolled back при success, иначе rollback failed.
// Допустим для открытой и для зафиксированной транзакции, но не повторно.
func (t *Transaction) Rollback(success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanRollback(t.status) {
		return t.closedError("rollback")
	}
	t.endedAt = stamp(time.Now())
	if success {
		t.status = TxRolledBack
	} else {
		t.status = TxRollbackFailed
	}
	return nil
}

// CanRollback сообщает, допустим ли откат транзакции в статусе s.
func CanRollback(s TxStatus) bool {
	return s != TxRolledBack && s != TxRollbackFailed
}

// Snapshot возвращает независимую копию транзакции для передачи
// вызывающему коду. Изменения копии не затрагивают оригинал.
func (t *Transaction) Snapshot() *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Transaction{
		id:        t.id,
		status:    t.status,
		startedAt: t.startedAt,
		endedAt:   t.endedAt,
		uris:      t.uris,
		deletes:   t.deletes,
		errors:    t.errors,
	}
}

// String — краткое представление для логов.
func (t *Transaction) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%s (%d URIs)", t.id, len(t.uris))
}

// transactionJSON — формат transaction.json.
type transactionJSON struct {
	ID         string      `json:"id"`
	Status     TxStatus    `json:"status"`
	StartDate  time.Time   `json:"startDate"`
	EndDate    time.Time   `json:"endDate,omitzero"`
	UriInfos   []UriRecord `json:"uriInfos"`
	UriDeletes []UriRecord `json:"uriDeletes"`
	Errors     []string    `json:"errors"`
}

// MarshalJSON сериализует согласованный снимок транзакции.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	t.mu.Lock()
	v := transactionJSON{
		ID:        t.id,
		Status:    t.status,
		StartDate: t.startedAt,
		EndDate:   t.endedAt,
		Errors:    t.errors,
	}
	uris, deletes := t.uris, t.deletes
	t.mu.Unlock()

	v.UriInfos = sortedRecords(uris)
	v.UriDeletes = sortedRecords(deletes)
	if v.Errors == nil {
		v.Errors = []string{}
	}
	return json.Marshal(v)
}

// UnmarshalJSON восстанавливает транзакцию из transaction.json.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var v transactionJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.ID == "" {
		return fmt.Errorf("transaction.json: отсутствует id")
	}
	if v.Status == "" {
		v.Status = TxStarted
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = v.ID
	t.status = v.Status
	t.startedAt = v.StartDate
	t.endedAt = v.EndDate
	t.uris = withRecords(nil, v.UriInfos)
	t.deletes = withRecords(nil, v.UriDeletes)
	t.errors = v.Errors
	return nil
}

func (t *Transaction) markPublishing() {
	if t.status == TxStarted {
		t.status = TxPublishing
	}
}

func (t *Transaction) closedError(op string) error {
	return &TransitionError{
		Code:    "TRANSACTION_CLOSED",
		Message: fmt.Sprintf("операция %q невозможна: транзакция %s в статусе %q", op, t.id, t.status),
	}
}

// withRecords возвращает новую map: копию src с добавленными records.
func withRecords(src map[string]UriRecord, records []UriRecord) map[string]UriRecord {
	updated := make(map[string]UriRecord, len(src)+len(records))
	for k, v := range src {
		updated[k] = v
	}
	for _, r := range records {
		updated[r.URI] = r
	}
	return updated
}

func sortedRecords(m map[string]UriRecord) []UriRecord {
	out := make([]UriRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
