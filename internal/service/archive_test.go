package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
)

type archiveEnv struct {
	*testEnv
	archive    *ArchiveService
	archiveDir string
}

func setupArchive(t *testing.T) *archiveEnv {
	t.Helper()
	env := setupPublisher(t, 1)
	dir := t.TempDir()
	return &archiveEnv{
		testEnv:    env,
		archive:    NewArchiveService(env.store, dir, 24*time.Hour, 0, testLogger()),
		archiveDir: dir,
	}
}

// later сдвигает «текущее время» сервиса за порог архивирования.
func (e *archiveEnv) later() {
	e.archive.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
}

func (e *archiveEnv) assertArchived(t *testing.T, id string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(e.archiveDir, id)); err != nil {
		t.Errorf("транзакция %s должна быть в архиве: %v", id, err)
	}
	if _, err := os.Stat(e.store.Dir(id)); !os.IsNotExist(err) {
		t.Errorf("транзакция %s должна исчезнуть из хранилища", id)
	}
}

func (e *archiveEnv) assertKept(t *testing.T, id string) {
	t.Helper()
	if _, err := os.Stat(e.store.Dir(id)); err != nil {
		t.Errorf("транзакция %s должна остаться в хранилище: %v", id, err)
	}
}

func (e *archiveEnv) finish(t *testing.T, tx *model.Transaction, rollback bool) {
	t.Helper()
	var err error
	if rollback {
		err = tx.Rollback(true)
	} else {
		err = tx.Commit(true)
	}
	if err != nil {
		t.Fatalf("завершение транзакции: %v", err)
	}
	if err := e.store.Update(tx); err != nil {
		t.Fatalf("сохранение транзакции: %v", err)
	}
}

func TestArchive_RolledBackImmediately(t *testing.T) {
	env := setupArchive(t)
	tx := env.begin(t)
	env.finish(t, tx, true)

	result := env.archive.RunOnce()
	if result.Archived[ReasonRolledBack] != 1 || result.Total() != 1 {
		t.Errorf("итог: %+v", result)
	}
	env.assertArchived(t, tx.ID())
}

func TestArchive_OpenAndRecentKept(t *testing.T) {
	env := setupArchive(t)
	open := env.begin(t)
	committed := env.begin(t)
	env.finish(t, committed, false)

	result := env.archive.RunOnce()
	if result.Total() != 0 || result.Skipped != 2 {
		t.Errorf("итог: %+v", result)
	}
	env.assertKept(t, open.ID())
	env.assertKept(t, committed.ID())

	// Открытая транзакция в памяти не архивируется и после порога
	env.later()
	result = env.archive.RunOnce()
	if result.Archived[ReasonFinished] != 1 {
		t.Errorf("зафиксированная после порога: %+v", result)
	}
	env.assertKept(t, open.ID())
	env.assertArchived(t, committed.ID())
}

func TestArchive_Abandoned(t *testing.T) {
	env := setupArchive(t)
	tx := env.begin(t)
	env.store.Forget(tx.ID())

	if result := env.archive.RunOnce(); result.Total() != 0 {
		t.Errorf("свежая транзакция не должна архивироваться: %+v", result)
	}

	env.later()
	result := env.archive.RunOnce()
	if result.Archived[ReasonAbandoned] != 1 {
		t.Errorf("итог: %+v", result)
	}
	env.assertArchived(t, tx.ID())
}

func TestArchive_SealedOpaque(t *testing.T) {
	env := setupArchive(t)
	tx, err := env.store.Create("секрет")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.store.Forget(tx.ID())

	if result := env.archive.RunOnce(); result.Total() != 0 {
		t.Errorf("свежая зашифрованная транзакция не должна архивироваться: %+v", result)
	}

	env.later()
	result := env.archive.RunOnce()
	if result.Archived[ReasonOpaque] != 1 {
		t.Errorf("итог: %+v", result)
	}
	env.assertArchived(t, tx.ID())
}

func TestArchive_NameCollision(t *testing.T) {
	env := setupArchive(t)
	tx := env.begin(t)
	env.finish(t, tx, true)

	if err := os.Mkdir(filepath.Join(env.archiveDir, tx.ID()), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result := env.archive.RunOnce()
	if result.Total() != 1 || result.Errors != 0 {
		t.Errorf("итог: %+v", result)
	}
	entries, err := os.ReadDir(env.archiveDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("в архиве ожидалось 2 элемента, получили %d", len(entries))
	}
}

func TestArchive_StartStop(t *testing.T) {
	env := setupArchive(t)
	tx := env.begin(t)
	env.finish(t, tx, true)

	env.archive.Start(t.Context())
	env.archive.Stop()

	env.assertArchived(t, tx.ID())
}

// TestArchive_SkipsBusyTransaction проверяет, что транзакция с операцией
// в процессе не переносится, а после её завершения откат невозможен.
func TestArchive_SkipsBusyTransaction(t *testing.T) {
	env := setupArchive(t)
	tx := env.begin(t)
	env.ingest(t, tx, "/a.html", "new")
	if ok, err := env.publisher.Commit(context.Background(), tx); err != nil || !ok {
		t.Fatalf("commit: ok=%v err=%v", ok, err)
	}
	env.later()

	unlock := env.store.Lock(tx.ID())
	result := env.archive.RunOnce()
	unlock()
	if result.Total() != 0 || result.Skipped != 1 {
		t.Errorf("занятая транзакция: %+v", result)
	}
	env.assertKept(t, tx.ID())

	result = env.archive.RunOnce()
	if result.Archived[ReasonFinished] != 1 {
		t.Errorf("итог: %+v", result)
	}
	env.assertArchived(t, tx.ID())

	// Экземпляр, полученный до переноса, больше не откатывается
	if _, err := env.publisher.Rollback(context.Background(), tx); !errors.Is(err, ErrNotFound) {
		t.Errorf("откат перенесённой транзакции: хотели ErrNotFound, получили %v", err)
	}
	if got := readFile(t, filepath.Join(env.website, "a.html")); got != "new" {
		t.Errorf("сайт не должен меняться: получили %q", got)
	}
}
