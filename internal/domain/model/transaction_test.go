package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// TestTransaction_ConcurrentAdds проверяет, что параллельные добавления
// не теряются ни при каком числе горутин.
func TestTransaction_ConcurrentAdds(t *testing.T) {
	for _, workers := range []int{1, 2, 8, 32} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			tx := NewTransaction(time.Now())
			const perWorker = 50

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						uri := fmt.Sprintf("/w%d/f%d.html", w, i)
						tx.AddUri(NewUriRecord(uri, ActionCopy, time.Now()))
						tx.AddUriDelete(NewUriRecord(uri+".old", ActionDelete, time.Now()))
						tx.AddError("ошибка " + uri)
						// Параллельное чтение не должно видеть частичное состояние
						_ = tx.Uris()
						_, _ = json.Marshal(tx)
					}
				}(w)
			}
			wg.Wait()

			want := workers * perWorker
			if got := len(tx.Uris()); got != want {
				t.Errorf("записи: ожидалось %d, получено %d", want, got)
			}
			if got := len(tx.UriDeletes()); got != want {
				t.Errorf("удаления: ожидалось %d, получено %d", want, got)
			}
			if got := len(tx.Errors()); got != want {
				t.Errorf("ошибки: ожидалось %d, получено %d", want, got)
			}
		})
	}
}

func TestTransaction_IsOpen(t *testing.T) {
	tests := []struct {
		status TxStatus
		open   bool
	}{
		{TxStarted, true},
		{TxPublishing, true},
		{TxCommitted, false},
		{TxCommitFailed, false},
		{TxRolledBack, false},
		{TxRollbackFailed, false},
	}
	for _, tt := range tests {
		tx := NewTransaction(time.Now())
		tx.status = tt.status
		if got := tx.IsOpen(); got != tt.open {
			t.Errorf("IsOpen(%q) = %v, ожидалось %v", tt.status, got, tt.open)
		}
	}
}

func TestTransaction_AddMovesToPublishing(t *testing.T) {
	tx := NewTransaction(time.Now())
	if tx.Status() != TxStarted {
		t.Fatalf("статус новой транзакции: %q", tx.Status())
	}
	tx.AddUri(NewUriRecord("/a", ActionCopy, time.Now()))
	if tx.Status() != TxPublishing {
		t.Errorf("статус: ожидалось publishing, получено %q", tx.Status())
	}
}

func TestTransaction_AddUriReplacesByURI(t *testing.T) {
	tx := NewTransaction(time.Now())
	r := NewUriRecord("/a", ActionCopy, time.Now())
	tx.AddUri(r)
	up, _ := r.Uploaded("d1", time.Now())
	tx.AddUri(up)

	if n := len(tx.Uris()); n != 1 {
		t.Fatalf("ожидалась одна запись для URI, получено %d", n)
	}
	got, _ := tx.Uri("/a")
	if got.Status != UriUploaded {
		t.Errorf("ожидалась заменённая запись, статус %q", got.Status)
	}
}

func TestTransaction_HasErrors(t *testing.T) {
	tx := NewTransaction(time.Now())
	if tx.HasErrors() {
		t.Fatal("новая транзакция без ошибок")
	}

	failed, _ := NewUriRecord("/a", ActionCopy, time.Now()).UploadFailed("сбой", time.Now())
	tx.AddUri(failed)
	if !tx.HasErrors() {
		t.Error("ошибка записи должна учитываться в HasErrors")
	}

	tx2 := NewTransaction(time.Now())
	tx2.AddError("общая ошибка")
	if !tx2.HasErrors() {
		t.Error("ошибка транзакции должна учитываться в HasErrors")
	}
}

func TestTransaction_CommitRollback(t *testing.T) {
	tx := NewTransaction(time.Now())
	if err := tx.Commit(true); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if tx.Status() != TxCommitted || tx.EndedAt().IsZero() {
		t.Errorf("ожидался committed с датой завершения, получено %q", tx.Status())
	}
	if err := tx.Commit(true); err == nil {
		t.Error("повторная фиксация должна вернуть ошибку")
	}

	if err := tx.Rollback(true); err != nil {
		t.Fatalf("откат зафиксированной транзакции: %v", err)
	}
	if tx.Status() != TxRolledBack {
		t.Errorf("статус: ожидалось rolled back, получено %q", tx.Status())
	}
	if err := tx.Rollback(true); err == nil {
		t.Error("повторный откат должен вернуть ошибку")
	}

	failed := NewTransaction(time.Now())
	_ = failed.Commit(false)
	if failed.Status() != TxCommitFailed {
		t.Errorf("статус: ожидалось commit failed, получено %q", failed.Status())
	}
}

func TestTransaction_ClosedRejectsRecords(t *testing.T) {
	tx := NewTransaction(time.Now())
	if err := tx.AddUri(NewUriRecord("/a", ActionCopy, time.Now())); err != nil {
		t.Fatalf("открытая транзакция: %v", err)
	}
	_ = tx.Commit(true)

	err := tx.AddUri(NewUriRecord("/late", ActionCopy, time.Now()))
	var te *TransitionError
	if !errors.As(err, &te) || te.Code != "TRANSACTION_CLOSED" {
		t.Errorf("AddUri после фиксации: ожидалась TRANSACTION_CLOSED, получено %v", err)
	}
	if err := tx.AddUriDelete(NewUriRecord("/old", ActionDelete, time.Now())); err == nil {
		t.Error("AddUriDelete после фиксации должен вернуть ошибку")
	}
	if _, ok := tx.Uri("/late"); ok {
		t.Error("запись добавлена в зафиксированную транзакцию")
	}
	if len(tx.UriDeletes()) != 0 {
		t.Errorf("удаления: %+v", tx.UriDeletes())
	}

	// Ошибки отката допускаются и после фиксации
	tx.AddError("откат /a: нет доступа")
	if len(tx.Errors()) != 1 {
		t.Errorf("ошибки: %v", tx.Errors())
	}
}

func TestTransaction_SnapshotIsolation(t *testing.T) {
	tx := NewTransaction(time.Now())
	tx.AddUri(NewUriRecord("/a", ActionCopy, time.Now()))

	snap := tx.Snapshot()
	tx.AddUri(NewUriRecord("/b", ActionCopy, time.Now()))
	tx.AddError("после снимка")

	if n := len(snap.Uris()); n != 1 {
		t.Errorf("снимок изменился: %d записей", n)
	}
	if len(snap.Errors()) != 0 {
		t.Error("снимок не должен видеть новые ошибки")
	}

	snap.AddUri(NewUriRecord("/c", ActionCopy, time.Now()))
	if _, ok := tx.Uri("/c"); ok {
		t.Error("изменение снимка затронуло оригинал")
	}
}

// TestTransaction_JSONRoundTrip проверяет сохранение всех наблюдаемых полей.
func TestTransaction_JSONRoundTrip(t *testing.T) {
	tx := NewTransaction(time.Now())
	up, _ := NewUriRecord("/index.html", ActionCopy, time.Now()).Uploaded("aaf4c61d", time.Now())
	tx.AddUri(up)
	tx.AddUriDelete(NewUriRecord("/old.html", ActionDelete, time.Now()))
	tx.AddError("первая ошибка")
	_ = tx.Commit(false)

	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	var loaded Transaction
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("ошибка десериализации: %v", err)
	}

	if loaded.ID() != tx.ID() || loaded.Status() != tx.Status() {
		t.Errorf("id/status: ожидалось %s/%s, получено %s/%s", tx.ID(), tx.Status(), loaded.ID(), loaded.Status())
	}
	if !loaded.StartedAt().Equal(tx.StartedAt()) || !loaded.EndedAt().Equal(tx.EndedAt()) {
		t.Error("даты не совпадают после загрузки")
	}
	if !reflect.DeepEqual(loaded.Errors(), tx.Errors()) {
		t.Errorf("ошибки: ожидалось %v, получено %v", tx.Errors(), loaded.Errors())
	}
	assertRecordsEqual(t, tx.Uris(), loaded.Uris())
	assertRecordsEqual(t, tx.UriDeletes(), loaded.UriDeletes())
}

// TestTransaction_JSONShape проверяет стабильные имена полей transaction.json.
func TestTransaction_JSONShape(t *testing.T) {
	tx := NewTransaction(time.Now())
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("ошибка разбора: %v", err)
	}
	for _, key := range []string{"id", "status", "startDate", "uriInfos", "uriDeletes", "errors"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("в JSON отсутствует поле %q", key)
		}
	}
	if _, ok := raw["endDate"]; ok {
		t.Error("endDate не должен выводиться для открытой транзакции")
	}
}

func assertRecordsEqual(t *testing.T, want, got []UriRecord) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("число записей: ожидалось %d, получено %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.URI != g.URI || w.Status != g.Status || w.Action != g.Action ||
			w.Digest != g.Digest || w.Error != g.Error || w.Duration != g.Duration ||
			!w.StartedAt.Equal(g.StartedAt) || !w.EndedAt.Equal(g.EndedAt) {
			t.Errorf("запись %d: ожидалось %+v, получено %+v", i, w, g)
		}
	}
}
