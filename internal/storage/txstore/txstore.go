// Пакет txstore — хранилище транзакций публикации на диске.
//
// Раскладка одной транзакции:
//
//	<root>/<id>/transaction.json  — метаданные (возможно, зашифрованные age)
//	<root>/<id>/content/          — staging: загруженные файлы до фиксации
//	<root>/<id>/backup/           — копии файлов сайта, затронутых фиксацией
//
// Метаданные перезаписываются атомарно: temp файл → fsync → rename.
package txstore

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/filestore"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/sealed"
)

const (
	// MetadataFile — имя файла метаданных внутри директории транзакции.
	MetadataFile = "transaction.json"
	contentDir   = "content"
	backupDir    = "backup"
	dirPerm      = 0o750
)

var (
	// ErrNotFound — транзакция не найдена.
	ErrNotFound = errors.New("транзакция не найдена")
	// ErrUnauthorized — метаданные зашифрованы, а пароль не передан.
	ErrUnauthorized = errors.New("требуется пароль шифрования")
	// ErrDecryption — неверный пароль шифрования.
	ErrDecryption = errors.New("ошибка расшифровки метаданных")
)

// entry — транзакция в памяти вместе с паролем, которым она открыта.
type entry struct {
	tx       *model.Transaction
	password string
	// writeMu упорядочивает запись снимков одной транзакции
	writeMu sync.Mutex
}

// Store — файловое хранилище транзакций.
//
// Транзакции, которые ещё могут измениться, держатся в памяти, чтобы
// параллельные запросы по одному id работали с одним экземпляром.
type Store struct {
	root   string
	sealer *sealed.Sealer
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*entry

	opsMu sync.Mutex
	ops   map[string]*opLock
}

// opLock упорядочивает операции над файлами одной транзакции.
// refs — число владельцев и ожидающих; при нуле блокировка удаляется.
type opLock struct {
	mu   sync.RWMutex
	refs int
}

// New создаёт хранилище в существующей директории root.
// Проверяет доступность директории на запись.
func New(root string, sealer *sealed.Sealer, logger *slog.Logger) (*Store, error) {
	if err := filestore.CheckWritable(root); err != nil {
		return nil, fmt.Errorf("хранилище транзакций: %w", err)
	}
	if sealer == nil {
		sealer = sealed.New(sealed.DefaultWorkFactor)
	}

	return &Store{
		root:   root,
		sealer: sealer,
		logger: logger.With(slog.String("component", "txstore")),
		live:   make(map[string]*entry),
		ops:    make(map[string]*opLock),
	}, nil
}

// Root возвращает корневую директорию хранилища.
func (s *Store) Root() string {
	return s.root
}

// Create создаёт транзакцию в статусе started вместе с её директориями
// и сохраняет метаданные. Непустой password включает шифрование метаданных.
func (s *Store) Create(password string) (*model.Transaction, error) {
	tx := model.NewTransaction(time.Now())
	id := tx.ID()
	dir := s.Dir(id)

	// Mkdir (не MkdirAll): директория либо целиком наша, либо ошибка
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("создание директории транзакции %s: %w", id, err)
	}
	for _, sub := range []string{contentDir, backupDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), dirPerm); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("создание директории %s транзакции %s: %w", sub, id, err)
		}
	}

	e := &entry{tx: tx, password: password}
	if err := s.write(e); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	s.mu.Lock()
	s.live[id] = e
	s.mu.Unlock()

	s.logger.Info("Транзакция создана",
		slog.String("tx_id", id),
		slog.Bool("encrypted", password != ""),
	)
	return tx, nil
}

// Get возвращает транзакцию по id. Для зашифрованных метаданных нужен
// пароль: без него ErrUnauthorized, с неверным ErrDecryption.
func (s *Store) Get(id, password string) (*model.Transaction, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.RLock()
	e, ok := s.live[id]
	s.mu.RUnlock()
	if ok {
		if err := checkPassword(e.password, password); err != nil {
			return nil, fmt.Errorf("%w: транзакция %s", err, id)
		}
		return e.tx, nil
	}

	tx, err := s.read(id, password)
	if err != nil {
		return nil, err
	}
	if !model.CanRollback(tx.Status()) {
		return tx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Параллельный Get мог загрузить транзакцию раньше нас
	if existing, ok := s.live[id]; ok {
		return existing.tx, nil
	}
	s.live[id] = &entry{tx: tx, password: password}
	return tx, nil
}

// Peek читает транзакцию без пароля и без помещения в кэш.
// Для зашифрованных метаданных возвращает ErrUnauthorized.
func (s *Store) Peek(id string) (*model.Transaction, error) {
	s.mu.RLock()
	e, ok := s.live[id]
	s.mu.RUnlock()
	if ok {
		return e.tx.Snapshot(), nil
	}
	return s.read(id, "")
}

// Update атомарно перезаписывает метаданные снимком транзакции.
// Транзакция, которая больше не может измениться, вытесняется из кэша.
func (s *Store) Update(tx *model.Transaction) error {
	id := tx.ID()

	s.mu.RLock()
	e, ok := s.live[id]
	s.mu.RUnlock()
	if !ok || e.tx != tx {
		// Транзакция вне кэша: пароль неизвестен, метаданные пишутся
		// в том виде, в каком они были (шифрование сохраняется только
		// для кэшированных экземпляров)
		e = &entry{tx: tx}
		if sealedOnDisk(s.metadataPath(id)) {
			return fmt.Errorf("%w: транзакция %s не открыта паролем", ErrUnauthorized, id)
		}
	}

	if err := s.write(e); err != nil {
		return err
	}

	if !model.CanRollback(tx.Status()) {
		s.Forget(id)
	}
	return nil
}

// List возвращает идентификаторы всех транзакций в хранилище (по возрастанию).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("чтение директории хранилища %s: %w", s.root, err)
	}

	var ids []string
	for _, de := range entries {
		if de.IsDir() && validID(de.Name()) {
			ids = append(ids, de.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Lock захватывает исключительную блокировку операций транзакции id
// (фиксация, откат, архивирование). Возвращает функцию освобождения.
func (s *Store) Lock(id string) func() {
	l := s.acquire(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.release(id, l)
	}
}

// RLock захватывает разделяемую блокировку операций транзакции id:
// загрузки файлов и манифесты выполняются параллельно друг с другом,
// но не с фиксацией или откатом.
func (s *Store) RLock(id string) func() {
	l := s.acquire(id)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		s.release(id, l)
	}
}

// TryLock захватывает исключительную блокировку, только если над
// транзакцией id сейчас не выполняется ни одна операция.
func (s *Store) TryLock(id string) (func(), bool) {
	l := s.acquire(id)
	if !l.mu.TryLock() {
		s.release(id, l)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		s.release(id, l)
	}, true
}

func (s *Store) acquire(id string) *opLock {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	l, ok := s.ops[id]
	if !ok {
		l = &opLock{}
		s.ops[id] = l
	}
	l.refs++
	return l
}

func (s *Store) release(id string, l *opLock) {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.ops, id)
	}
}

// Exists сообщает, есть ли директория транзакции id в хранилище.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.Dir(id))
	return err == nil && info.IsDir()
}

// IsLive сообщает, находится ли открытая транзакция id в памяти.
func (s *Store) IsLive(id string) bool {
	s.mu.RLock()
	e, ok := s.live[id]
	s.mu.RUnlock()
	return ok && e.tx.IsOpen()
}

// CountOpen возвращает количество открытых транзакций в памяти.
func (s *Store) CountOpen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.live {
		if e.tx.IsOpen() {
			n++
		}
	}
	return n
}

// Forget удаляет транзакцию из кэша (данные на диске не затрагиваются).
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// Dir возвращает директорию транзакции id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// ContentDir возвращает staging-директорию транзакции.
func (s *Store) ContentDir(tx *model.Transaction) string {
	return filepath.Join(s.Dir(tx.ID()), contentDir)
}

// BackupDir возвращает директорию резервных копий транзакции.
func (s *Store) BackupDir(tx *model.Transaction) string {
	return filepath.Join(s.Dir(tx.ID()), backupDir)
}

// MetadataModTime возвращает время последнего изменения метаданных id.
func (s *Store) MetadataModTime(id string) (time.Time, error) {
	info, err := os.Stat(s.metadataPath(id))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.Dir(id), MetadataFile)
}

// write сериализует снимок транзакции, при необходимости шифрует
// и атомарно записывает его.
func (s *Store) write(e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	snapshot := e.tx.Snapshot()
	id := snapshot.ID()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация транзакции %s: %w", id, err)
	}

	if e.password != "" {
		data, err = s.sealer.Seal(data, e.password)
		if err != nil {
			return fmt.Errorf("шифрование транзакции %s: %w", id, err)
		}
	}

	if err := filestore.WriteFile(s.metadataPath(id), data); err != nil {
		return fmt.Errorf("запись транзакции %s: %w", id, err)
	}

	s.logger.Debug("Транзакция сохранена",
		slog.String("tx_id", id),
		slog.String("status", string(snapshot.Status())),
	)
	return nil
}

// read загружает транзакцию с диска.
func (s *Store) read(id, password string) (*model.Transaction, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("чтение транзакции %s: %w", id, err)
	}

	if sealed.IsSealed(data) {
		if password == "" {
			return nil, fmt.Errorf("%w: транзакция %s", ErrUnauthorized, id)
		}
		data, err = s.sealer.Open(data, password)
		if err != nil {
			if errors.Is(err, sealed.ErrWrongPassword) {
				return nil, fmt.Errorf("%w: транзакция %s", ErrDecryption, id)
			}
			return nil, fmt.Errorf("%w: транзакция %s: %v", ErrDecryption, id, err)
		}
	}

	var tx model.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("десериализация транзакции %s: %w", id, err)
	}
	return &tx, nil
}

// checkPassword сверяет пароль запроса с паролем, которым открыта транзакция.
func checkPassword(want, got string) error {
	switch {
	case want == "":
		return nil
	case got == "":
		return ErrUnauthorized
	case subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1:
		return ErrDecryption
	}
	return nil
}

func sealedOnDisk(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	return sealed.IsSealed(buf[:n])
}

// validID отсекает всё, что не является UUID, в том числе попытки
// выйти из корня хранилища через id.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
