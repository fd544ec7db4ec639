// files.go — загрузка файлов, zip-архивов и манифестов в транзакцию.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
	"github.com/bigkaa/goartstore/content-publisher/internal/domain/model"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

// maxManifestSize — предельный размер тела манифеста.
const maxManifestSize = 16 << 20

var errNoFilePart = errors.New("в multipart-запросе нет поля file")

// FilesHandler — загрузка содержимого в staging транзакции.
type FilesHandler struct {
	store         *txstore.Store
	publisher     *service.Publisher
	maxUploadSize int64
	logger        *slog.Logger
}

// NewFilesHandler создаёт обработчик загрузки.
func NewFilesHandler(store *txstore.Store, publisher *service.Publisher, maxUploadSize int64, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		store:         store,
		publisher:     publisher,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "files_handler")),
	}
}

// Upload обрабатывает POST /api/v1/transactions/{id}/files?uri=...&zip=bool.
// Тело — multipart с полем file (и необязательным полем uri) или сырые байты.
// При zip=true тело распаковывается, uri служит префиксом.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}
	if !tx.IsOpen() {
		apierrors.TransactionClosed(w, fmt.Sprintf("Транзакция %s завершена", tx.ID()))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	query := r.URL.Query()
	zipped, _ := strconv.ParseBool(query.Get("zip"))

	body, formURI, err := openUpload(r)
	if err != nil {
		h.writeBodyError(w, err)
		return
	}
	defer body.Close()

	uri := query.Get("uri")
	if uri == "" {
		uri = formURI
	}

	tracked := &trackingReader{r: body}
	if zipped {
		h.uploadZip(w, r, tx, uri, tracked)
		return
	}
	h.uploadFile(w, r, tx, uri, tracked)
}

func (h *FilesHandler) uploadFile(w http.ResponseWriter, r *http.Request, tx *model.Transaction, uri string, body *trackingReader) {
	if strings.TrimSpace(uri) == "" {
		apierrors.ValidationError(w, "Параметр uri обязателен")
		return
	}

	rec, err := h.publisher.IngestFile(operationContext(r), tx, uri, body)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if isTooLarge(body.err) {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxUploadSize))
		return
	}
	if rec.HasError() {
		writeResult(w, http.StatusInternalServerError, fmt.Sprintf("Файл %s не добавлен: %s", rec.URI, rec.Error), tx)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("Файл %s добавлен в транзакцию", rec.URI), tx)
}

// uploadZip сохраняет архив во временный файл в директории транзакции:
// для чтения zip нужен io.ReaderAt и размер.
func (h *FilesHandler) uploadZip(w http.ResponseWriter, r *http.Request, tx *model.Transaction, prefix string, body *trackingReader) {
	tmp, err := os.CreateTemp(h.store.Dir(tx.ID()), ".upload-*.zip")
	if err != nil {
		writeServiceError(w, h.logger, r, fmt.Errorf("%w: временный файл: %v", service.ErrIOFailure, err))
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, body)
	if err != nil {
		h.writeBodyError(w, err)
		return
	}

	records, err := h.publisher.IngestZip(operationContext(r), tx, prefix, tmp, size)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}

	failed := 0
	for _, rec := range records {
		if rec.HasError() {
			failed++
		}
	}
	if failed > 0 || tx.HasErrors() {
		writeResult(w, http.StatusInternalServerError,
			fmt.Sprintf("Архив распакован с ошибками: файлов %d, ошибок %d", len(records), failed), tx)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("Архив распакован: файлов %d", len(records)), tx)
}

// Manifest обрабатывает POST /api/v1/transactions/{id}/manifest.
// Тело в JSON или, при Content-Type application/yaml, в YAML.
func (h *FilesHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	tx, ok := loadTransaction(h.store, h.logger, w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxManifestSize)
	m, err := decodeManifest(r)
	if err != nil {
		if isTooLarge(err) {
			apierrors.PayloadTooLarge(w, "Манифест слишком велик")
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный манифест: %s", err.Error()))
		return
	}

	res, err := h.publisher.ApplyManifest(operationContext(r), tx, m)
	if err != nil {
		writeServiceError(w, h.logger, r, err)
		return
	}
	if res.Failed > 0 {
		writeResult(w, http.StatusInternalServerError,
			fmt.Sprintf("Скопировано %d из %d файлов, ошибок %d", res.Copied, len(m.FilesToCopy), res.Failed), tx)
		return
	}
	writeResult(w, http.StatusOK,
		fmt.Sprintf("Скопировано файлов: %d. Помечено на удаление: %d.", res.Copied, res.Deletes), tx)
}

func (h *FilesHandler) writeBodyError(w http.ResponseWriter, err error) {
	if isTooLarge(err) {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер запроса превышает %d байт", h.maxUploadSize))
		return
	}
	apierrors.ValidationError(w, fmt.Sprintf("Ошибка чтения тела запроса: %s", err.Error()))
}

// openUpload возвращает поток файла и значение поля uri, если оно
// встретилось в multipart до поля file. Не-multipart тело отдаётся как есть.
func openUpload(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, "", nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", err
	}

	var uri string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errNoFilePart
		}
		if err != nil {
			return nil, "", err
		}

		switch part.FormName() {
		case "file":
			return part, uri, nil
		case "uri":
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			if err != nil {
				return nil, "", err
			}
			uri = strings.TrimSpace(string(value))
		}
		part.Close()
	}
}

func decodeManifest(r *http.Request) (model.Manifest, error) {
	var m model.Manifest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		if err := yaml.NewDecoder(r.Body).Decode(&m); err != nil {
			return m, err
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			return m, err
		}
	}
	return m, nil
}

// trackingReader запоминает последнюю ошибку чтения, отличную от io.EOF.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
