// Пакет pathsafe — преобразование URI сайта в пути файловой системы
// и проверка, что путь не выходит за пределы корневой директории.
//
// Проверка вложенности сравнивает директории по идентичности в файловой
// системе (os.SameFile), а не по строкам, поэтому сегменты ".." и
// символические ссылки не позволяют выйти за корень.
package pathsafe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolve отбрасывает ведущие "/" у uri и присоединяет его к root.
// Не обращается к файловой системе.
func Resolve(uri, root string) string {
	rel := strings.TrimLeft(uri, "/")
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Contains возвращает true, если root встречается среди предков candidate
// (включая сам candidate). Несуществующий хвост пути пропускается,
// ближайший существующий предок разрешается через EvalSymlinks.
// Любая ошибка сравнения трактуется как «не содержится».
func Contains(candidate, root string) bool {
	rootInfo, err := os.Stat(root)
	if err != nil {
		return false
	}

	existing := filepath.Clean(candidate)
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return false
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return false
		}
		existing = parent
	}

	current, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return false
	}

	for {
		info, err := os.Stat(current)
		if err != nil {
			return false
		}
		if os.SameFile(info, rootInfo) {
			return true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return false
		}
		current = parent
	}
}

// ResolveContained объединяет Resolve и Contains: возвращает путь
// uri под root или ошибку, если путь выходит за пределы root.
func ResolveContained(uri, root string) (string, error) {
	path := Resolve(uri, root)
	if !Contains(path, root) {
		return "", fmt.Errorf("путь %q выходит за пределы %s", uri, root)
	}
	if path == filepath.Clean(root) {
		return "", fmt.Errorf("путь %q указывает на корневую директорию", uri)
	}
	return path, nil
}

// ToURI возвращает URI (с ведущим "/") для пути path относительно root.
func ToURI(path, root string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return "/" + filepath.ToSlash(rel), nil
}

// ListURIs возвращает URI всех обычных файлов под root в лексическом порядке.
// Отсутствующая директория root — ошибка (errors.Is(err, fs.ErrNotExist)).
func ListURIs(root string) ([]string, error) {
	var uris []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		uri, err := ToURI(path, root)
		if err != nil {
			return err
		}
		uris = append(uris, uri)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода директории %s: %w", root, err)
	}
	return uris, nil
}
