// content.go — проверка SHA-1 содержимого транзакции.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// ContentHandler — эндпоинты content-hash и verify.
type ContentHandler struct {
	store   *txstore.Store
	content *service.ContentService
	logger  *slog.Logger
}

// NewContentHandler создаёт обработчик проверки содержимого.
func NewContentHandler(store *txstore.Store, content *service.ContentService, logger *slog.Logger) *ContentHandler {
	return &ContentHandler{
		store:   store,
		content: content,
		logger:  logger.With(slog.String("component", "content_handler")),
	}
}

type hashResponse struct {
	URI   string `json:"uri"`
	SHA1  string `json:"sha1"`
	Valid *bool  `json:"valid,omitempty"`
}

// ContentHash обрабатывает GET /api/v1/transactions/{id}/content-hash?uri=...
func (h *ContentHandler) ContentHash(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}

	uri := r.URL.Query().Get("uri")
	sum, err := h.content.ContentHash(tx, uri)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{URI: uri, SHA1: sum})
}

// Verify обрабатывает POST /api/v1/transactions/{id}/verify с телом {uri, sha1}.
func (h *ContentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}

	var req struct {
		URI  string `json:"uri"`
		SHA1 string `json:"sha1"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}

	valid, err := h.content.IsValidHash(tx, req.URI, req.SHA1)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{URI: req.URI, SHA1: req.SHA1, Valid: &valid})
}
