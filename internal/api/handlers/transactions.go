// transactions.go — создание, просмотр, фиксация и откат транзакций.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
	"github.com/bigkaa/goartstore/content-publisher/internal/api/middleware"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// TransactionsHandler — жизненный цикл транзакций.
type TransactionsHandler struct {
	store     *txstore.Store
	publisher *service.Publisher
	logger    *slog.Logger
}

// NewTransactionsHandler создаёт обработчик транзакций.
func NewTransactionsHandler(store *txstore.Store, publisher *service.Publisher, logger *slog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		store:     store,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "transactions_handler")),
	}
}

// Begin обрабатывает POST /api/v1/begin.
// Непустой X-Encryption-Password включает шифрование метаданных.
func (h *TransactionsHandler) Begin(w http.ResponseWriter, r *http.Request) {
	tx, err := h.store.Create(r.Header.Get(PasswordHeader))
	if err != nil {
		h.logger.Error("Ошибка создания транзакции",
			slog.String("subject", middleware.SubjectFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Не удалось создать транзакцию")
		return
	}
	middleware.OpenTransactions.Set(float64(h.store.CountOpen()))

	writeResult(w, http.StatusCreated, "Транзакция создана", tx)
}

// Get обрабатывает GET /api/v1/transactions/{id}.
func (h *TransactionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("Транзакция %s", tx.ID()), tx)
}

// Commit обрабатывает POST /api/v1/transactions/{id}/commit.
// Фиксация с ошибками отдаёт 500 и полное состояние транзакции.
func (h *TransactionsHandler) Commit(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}

	success, err := h.publisher.Commit(operationContext(r), tx)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if !success {
		writeResult(w, http.StatusInternalServerError, "При фиксации транзакции обнаружены ошибки", tx)
		return
	}
	writeResult(w, http.StatusOK, "Транзакция зафиксирована", tx)
}

// Rollback обрабатывает POST /api/v1/transactions/{id}/rollback.
func (h *TransactionsHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}

	success, err := h.publisher.Rollback(operationContext(r), tx)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if !success {
		writeResult(w, http.StatusInternalServerError, "При откате транзакции обнаружены ошибки", tx)
		return
	}
	writeResult(w, http.StatusOK, "Транзакция откачена", tx)
}
