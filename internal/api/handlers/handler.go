// Пакет handlers — HTTP-обработчики Content Publisher.
// handler.go — общий конверт ответа и загрузка транзакции из запроса.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// PasswordHeader — заголовок с паролем шифрования метаданных транзакции.
const PasswordHeader = "X-Encryption-Password"

// Result — ответ операций над транзакцией.
// Error == true означает ошибку приложения; Transaction — текущее состояние.
type Result struct {
	Message     string             `json:"message"`
	Error       bool               `json:"error"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, status int, message string, tx *model.Transaction) {
	writeJSON(w, status, Result{
		Message:     message,
		Error:       status >= http.StatusBadRequest,
		Transaction: tx,
	})
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
// Внутренние ошибки логируются, клиенту уходит обезличенное сообщение.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	pe := service.ToPublishError(err)
	if pe.StatusCode >= http.StatusInternalServerError {
		logger.Error("Ошибка обработки запроса",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	apierrors.WriteError(w, pe.StatusCode, pe.Code, pe.Message)
}

// loadTransaction находит транзакцию по {id} из пути и паролю из заголовка.
// При ошибке ответ уже записан и возвращается false.
func loadTransaction(store *txstore.Store, logger *slog.Logger, w http.ResponseWriter, r *http.Request) (*model.Transaction, bool) {
	tx, err := store.Get(chi.URLParam(r, "id"), r.Header.Get(PasswordHeader))
	if err != nil {
		writeServiceError(w, logger, r, err)
		return nil, false
	}
	return tx, true
}

// operationContext — контекст файловой операции. Отмена запроса клиентом
// не прерывает начатую загрузку, фиксацию или откат.
func operationContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
