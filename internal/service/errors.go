// Пакет service — бизнес-логика Content Publisher.
// errors.go — таксономия ошибок и их отображение в HTTP.
package service

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

var (
	// ErrBadRequest — нарушено предусловие вызова.
	ErrBadRequest = errors.New("некорректный запрос")
	// ErrInvalidArgument — отсутствует обязательный аргумент.
	ErrInvalidArgument = fmt.Errorf("%w: недопустимый аргумент", ErrBadRequest)
	// ErrTransactionClosed — операция над завершённой транзакцией.
	ErrTransactionClosed = fmt.Errorf("%w: транзакция завершена", ErrBadRequest)
	// ErrIOFailure — ошибка файловой операции вне записи о файле.
	ErrIOFailure = errors.New("ошибка ввода-вывода")

	// ErrNotFound — транзакция или файл не найдены.
	ErrNotFound = txstore.ErrNotFound
	// ErrUnauthorized — не передан пароль шифрования.
	ErrUnauthorized = txstore.ErrUnauthorized
	// ErrDecryption — неверный пароль шифрования.
	ErrDecryption = txstore.ErrDecryption
)

// PublishError — ошибка операции публикации с HTTP-кодом.
type PublishError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ToPublishError отображает ошибку сервисного слоя в PublishError.
func ToPublishError(err error) *PublishError {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe
	}

	var te *model.TransitionError
	switch {
	case errors.Is(err, ErrTransactionClosed):
		return newPublishError(http.StatusBadRequest, apierrors.CodeTransactionClosed, err)
	case errors.As(err, &te):
		return newPublishError(http.StatusBadRequest, te.Code, err)
	case errors.Is(err, ErrBadRequest):
		return newPublishError(http.StatusBadRequest, apierrors.CodeValidationError, err)
	case errors.Is(err, ErrNotFound):
		return newPublishError(http.StatusNotFound, apierrors.CodeNotFound, err)
	case errors.Is(err, ErrUnauthorized):
		return newPublishError(http.StatusUnauthorized, apierrors.CodeUnauthorized, err)
	case errors.Is(err, ErrDecryption):
		return newPublishError(http.StatusForbidden, apierrors.CodeDecryptionFailed, err)
	default:
		return &PublishError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка",
			Err:        err,
		}
	}
}

func newPublishError(status int, code string, err error) *PublishError {
	return &PublishError{
		StatusCode: status,
		Code:       code,
		Message:    err.Error(),
		Err:        err,
	}
}
