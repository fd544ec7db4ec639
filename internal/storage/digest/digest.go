// Пакет digest — вычисление SHA-1 дайджеста содержимого файлов.
// Дайджест используется для проверки целостности загруженных файлов
// и хранится в UriRecord после успешной загрузки.
package digest

import (
	"crypto/sha1" //nolint:gosec // SHA-1 — формат дайджеста, ожидаемый клиентами публикации
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// File вычисляет SHA-1 дайджест файла за один проход.
// Ошибка открытия или чтения файла возвращается обёрнутой.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha1.New() //nolint:gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления дайджеста %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Copy копирует src в dst, одновременно вычисляя SHA-1 дайджест
// прочитанных данных. Возвращает дайджест и число записанных байт.
func Copy(dst io.Writer, src io.Reader) (string, int64, error) {
	hasher := sha1.New() //nolint:gosec
	n, err := io.Copy(dst, io.TeeReader(src, hasher))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Bytes возвращает SHA-1 дайджест среза байт.
func Bytes(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Normalize приводит hex-дайджест к каноническому виду для сравнения.
func Normalize(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// Equal сравнивает два hex-дайджеста без учёта регистра и пробелов по краям.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}
