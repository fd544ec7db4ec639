// Пакет filestore — операции с физическими файлами: потоковая запись
// с подсчётом SHA-1 на лету, копирование, удаление.
//
// Все записи выполняются по схеме temp файл → fsync → atomic rename,
// поэтому читатель никогда не видит частично записанный файл.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/content-publisher/internal/storage/digest"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// SaveResult — результат записи файла на диск.
type SaveResult struct {
	// Path — абсолютный путь записанного файла
	Path string
	// Size — размер записанных данных в байтах
	Size int64
	// Digest — SHA-1 хэш содержимого
	Digest string
}

// SaveStream записывает данные из reader в path, создавая родительские
// директории. SHA-1 считается в том же проходе.
func SaveStream(path string, reader io.Reader) (*SaveResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("ошибка создания директории для %s: %w", path, err)
	}

	var result SaveResult
	err := writeAtomic(path, func(f *os.File) error {
		d, n, err := digest.Copy(f, reader)
		if err != nil {
			return fmt.Errorf("ошибка записи данных: %w", err)
		}
		result.Digest = d
		result.Size = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Path = path
	return &result, nil
}

// CopyFile копирует src в dst с созданием родительских директорий dst.
// Существующий dst атомарно заменяется.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("ошибка создания директории для %s: %w", dst, err)
	}

	return writeAtomic(dst, func(f *os.File) error {
		if _, err := io.Copy(f, in); err != nil {
			return fmt.Errorf("ошибка копирования %s → %s: %w", src, dst, err)
		}
		return nil
	})
}

// WriteFile атомарно записывает data в path.
func WriteFile(path string, data []byte) error {
	return writeAtomic(path, func(f *os.File) error {
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("ошибка записи: %w", err)
		}
		return nil
	})
}

// DeleteFile удаляет файл. Возвращает nil, если файла уже нет.
func DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// FileExists проверяет, что path существует и является обычным файлом.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CheckWritable проверяет, что директория существует и доступна для записи,
// создавая и удаляя в ней тестовый файл.
func CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("директория %s недоступна: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s не является директорией", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), filePerm); err != nil {
		return fmt.Errorf("директория %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)
	return nil
}

// tempPrefix и tempSuffix обрамляют имя временного файла: ".<имя>.<id>.tmp".
const (
	tempPrefix = "."
	tempSuffix = ".tmp"
)

// IsTempFile сообщает, является ли name (базовое имя) временным файлом
// незавершённой записи. Такие файлы не публикуются и не восстанавливаются.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix) &&
		len(name) > len(tempPrefix)+len(tempSuffix)
}

// writeAtomic пишет во временный файл рядом с path, делает fsync
// и переименовывает его в path. При ошибке временный файл удаляется.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmpPath := filepath.Join(filepath.Dir(path),
		fmt.Sprintf("%s%s.%s%s", tempPrefix, filepath.Base(path), uuid.NewString()[:8], tempSuffix))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
