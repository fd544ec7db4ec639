package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/klauspost/compress/zip"

	"github.com/bigkaa/goartstore/content-publisher/internal/api/handlers"
	"github.com/bigkaa/goartstore/content-publisher/internal/api/middleware"
	"github.com/bigkaa/goartstore/content-publisher/internal/service"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/digest"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/sealed"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/txstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testApp struct {
	handler http.Handler
	store   *txstore.Store
	website string
}

func newTestApp(t *testing.T, maxUpload int64, auth *middleware.JWTAuth) *testApp {
	t.Helper()
	logger := testLogger()

	store, err := txstore.New(t.TempDir(), sealed.New(10), logger)
	if err != nil {
		t.Fatalf("txstore.New: %v", err)
	}
	website := t.TempDir()

	publisher := service.NewPublisher(store, website, 4, logger)
	content := service.NewContentService(store, 64, time.Minute, logger)
	validator, err := middleware.NewOpenAPIValidator(logger)
	if err != nil {
		t.Fatalf("NewOpenAPIValidator: %v", err)
	}

	h := NewRouter(logger, Routes{
		Transactions:  handlers.NewTransactionsHandler(store, publisher, logger),
		Files:         handlers.NewFilesHandler(store, publisher, maxUpload, logger),
		Content:       handlers.NewContentHandler(store, content, logger),
		Health:        handlers.NewHealthHandler(store.Root(), website, nil),
		Validator:     validator,
		Auth:          auth,
		RequiredScope: "publish",
	})
	return &testApp{handler: h, store: store, website: website}
}

type request struct {
	method   string
	target   string
	body     io.Reader
	headers  map[string]string
	password string
}

func (a *testApp) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(req.method, req.target, req.body)
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	if req.password != "" {
		r.Header.Set(handlers.PasswordHeader, req.password)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, r)
	return rec
}

type resultBody struct {
	Message     string `json:"message"`
	Error       bool   `json:"error"`
	Transaction struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		UriInfos []struct {
			URI    string `json:"uri"`
			Status string `json:"status"`
			Sha    string `json:"sha"`
		} `json:"uriInfos"`
		Errors []string `json:"errors"`
	} `json:"transaction"`
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) resultBody {
	t.Helper()
	var res resultBody
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("разбор ответа: %v: %s", err, rec.Body.String())
	}
	return res
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("разбор ошибки: %v: %s", err, rec.Body.String())
	}
	return body.Error.Code
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("ожидался статус %d, получен %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (a *testApp) begin(t *testing.T, password string) string {
	t.Helper()
	rec := a.do(t, request{method: http.MethodPost, target: "/api/v1/begin", password: password})
	expectStatus(t, rec, http.StatusCreated)
	res := decodeResult(t, rec)
	if res.Transaction.ID == "" || res.Error {
		t.Fatalf("некорректный ответ begin: %+v", res)
	}
	return res.Transaction.ID
}

func txPath(id, suffix string) string {
	return "/api/v1/transactions/" + id + suffix
}

func TestPublishFlow(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "")

	rec := app.do(t, request{
		method: http.MethodPost,
		target: txPath(id, "/files?uri=/docs/index.html"),
		body:   strings.NewReader("hello"),
	})
	expectStatus(t, rec, http.StatusOK)
	res := decodeResult(t, rec)
	if res.Transaction.Status != "publishing" || len(res.Transaction.UriInfos) != 1 {
		t.Fatalf("транзакция после загрузки: %+v", res.Transaction)
	}
	if res.Transaction.UriInfos[0].Sha != digest.Bytes([]byte("hello")) {
		t.Errorf("sha: %s", res.Transaction.UriInfos[0].Sha)
	}

	rec = app.do(t, request{method: http.MethodGet, target: txPath(id, "/content-hash?uri=/docs/index.html")})
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), digest.Bytes([]byte("hello"))) {
		t.Errorf("content-hash: %s", rec.Body.String())
	}

	for _, tt := range []struct {
		sha  string
		want bool
	}{
		{digest.Bytes([]byte("hello")), true},
		{digest.Bytes([]byte("other")), false},
	} {
		body := `{"uri":"/docs/index.html","sha1":"` + tt.sha + `"}`
		rec = app.do(t, request{
			method:  http.MethodPost,
			target:  txPath(id, "/verify"),
			body:    strings.NewReader(body),
			headers: map[string]string{"Content-Type": "application/json"},
		})
		expectStatus(t, rec, http.StatusOK)
		var v struct {
			Valid bool `json:"valid"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &v)
		if v.Valid != tt.want {
			t.Errorf("verify %s: ожидалось %v", tt.sha, tt.want)
		}
	}

	rec = app.do(t, request{method: http.MethodPost, target: txPath(id, "/commit")})
	expectStatus(t, rec, http.StatusOK)
	if res := decodeResult(t, rec); res.Transaction.Status != "committed" {
		t.Errorf("статус после commit: %s", res.Transaction.Status)
	}

	data, err := os.ReadFile(filepath.Join(app.website, "docs", "index.html"))
	if err != nil || string(data) != "hello" {
		t.Errorf("файл на сайте: %q, %v", data, err)
	}

	// Повторная загрузка в закрытую транзакцию
	rec = app.do(t, request{
		method: http.MethodPost,
		target: txPath(id, "/files?uri=/late.html"),
		body:   strings.NewReader("late"),
	})
	expectStatus(t, rec, http.StatusBadRequest)
	if code := errorCode(t, rec); code != "TRANSACTION_CLOSED" {
		t.Errorf("код ошибки: %s", code)
	}

	rec = app.do(t, request{method: http.MethodPost, target: txPath(id, "/rollback")})
	expectStatus(t, rec, http.StatusOK)
	if _, err := os.Stat(filepath.Join(app.website, "docs", "index.html")); !os.IsNotExist(err) {
		t.Error("после отката файл, созданный фиксацией, должен быть удалён")
	}

	rec = app.do(t, request{method: http.MethodPost, target: txPath(id, "/rollback")})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestEncryptedTransaction(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "s3cret")

	tests := []struct {
		name     string
		password string
		want     int
	}{
		{"без пароля", "", http.StatusUnauthorized},
		{"неверный пароль", "wrong", http.StatusForbidden},
		{"верный пароль", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, request{method: http.MethodGet, target: txPath(id, ""), password: tt.password})
			expectStatus(t, rec, tt.want)
		})
	}

	raw, err := os.ReadFile(filepath.Join(app.store.Dir(id), txstore.MetadataFile))
	if err != nil {
		t.Fatalf("чтение метаданных: %v", err)
	}
	if !sealed.IsSealed(raw) {
		t.Error("метаданные на диске должны быть зашифрованы")
	}
}

func TestTransactionLookupErrors(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)

	rec := app.do(t, request{method: http.MethodGet, target: txPath("0b7e5b3c-8f0e-4c57-9d7a-2f4b1e6a9c10", "")})
	expectStatus(t, rec, http.StatusNotFound)

	rec = app.do(t, request{method: http.MethodGet, target: txPath("not-a-uuid", "")})
	expectStatus(t, rec, http.StatusBadRequest)
	if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("код ошибки: %s", code)
	}
}

func TestUploadMultipart(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("uri", "/form/page.html")
	fw, _ := mw.CreateFormFile("file", "page.html")
	_, _ = io.WriteString(fw, "<html></html>")
	_ = mw.Close()

	rec := app.do(t, request{
		method:  http.MethodPost,
		target:  txPath(id, "/files"),
		body:    &buf,
		headers: map[string]string{"Content-Type": mw.FormDataContentType()},
	})
	expectStatus(t, rec, http.StatusOK)
	res := decodeResult(t, rec)
	if len(res.Transaction.UriInfos) != 1 || res.Transaction.UriInfos[0].URI != "/form/page.html" {
		t.Errorf("записи: %+v", res.Transaction.UriInfos)
	}
}

func TestUploadZip(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{"a.html": "A", "sub/b.html": "B"} {
		w, _ := zw.Create(name)
		_, _ = io.WriteString(w, content)
	}
	_ = zw.Close()

	rec := app.do(t, request{
		method:  http.MethodPost,
		target:  txPath(id, "/files?zip=true&uri=/bundle"),
		body:    &buf,
		headers: map[string]string{"Content-Type": "application/zip"},
	})
	expectStatus(t, rec, http.StatusOK)
	res := decodeResult(t, rec)
	if len(res.Transaction.UriInfos) != 2 {
		t.Fatalf("записи: %+v", res.Transaction.UriInfos)
	}

	entries, _ := os.ReadDir(app.store.Dir(id))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".upload-") {
			t.Errorf("временный файл не удалён: %s", e.Name())
		}
	}
}

func TestUploadTooLarge(t *testing.T) {
	app := newTestApp(t, 8, nil)
	id := app.begin(t, "")

	rec := app.do(t, request{
		method: http.MethodPost,
		target: txPath(id, "/files?uri=/big.bin"),
		body:   strings.NewReader(strings.Repeat("x", 64)),
	})
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestManifestYAMLAndPartialCommit(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "")

	rec := app.do(t, request{
		method: http.MethodPost,
		target: txPath(id, "/files?uri=/src/page.html"),
		body:   strings.NewReader("page"),
	})
	expectStatus(t, rec, http.StatusOK)

	manifest := `
filesToCopy:
  - source: /src/page.html
    target: /good.html
  - source: ../../../etc/passwd
    target: /bad.html
`
	rec = app.do(t, request{
		method:  http.MethodPost,
		target:  txPath(id, "/manifest"),
		body:    strings.NewReader(manifest),
		headers: map[string]string{"Content-Type": "application/yaml"},
	})
	expectStatus(t, rec, http.StatusInternalServerError)
	if res := decodeResult(t, rec); !res.Error || len(res.Transaction.Errors) == 0 {
		t.Errorf("ответ манифеста: %+v", res)
	}

	rec = app.do(t, request{method: http.MethodPost, target: txPath(id, "/commit")})
	expectStatus(t, rec, http.StatusInternalServerError)
	res := decodeResult(t, rec)
	if !res.Error || res.Transaction.Status != "commit failed" {
		t.Errorf("ответ commit: %+v", res)
	}

	if data, err := os.ReadFile(filepath.Join(app.website, "good.html")); err != nil || string(data) != "page" {
		t.Errorf("good.html: %q, %v", data, err)
	}
}

func TestManifestInvalidBody(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)
	id := app.begin(t, "")

	rec := app.do(t, request{
		method:  http.MethodPost,
		target:  txPath(id, "/manifest"),
		body:    strings.NewReader("{не json"),
		headers: map[string]string{"Content-Type": "application/json"},
	})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = app.do(t, request{
		method:  http.MethodPost,
		target:  txPath(id, "/manifest"),
		body:    strings.NewReader("{}"),
		headers: map[string]string{"Content-Type": "application/json"},
	})
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, 1<<20, nil)

	for _, target := range []string{"/health/live", "/health/ready", "/metrics", "/api/openapi.yaml"} {
		rec := app.do(t, request{method: http.MethodGet, target: target})
		if rec.Code != http.StatusOK {
			t.Errorf("%s: ожидался статус 200, получен %d", target, rec.Code)
		}
	}
}

func TestAuthRequiredForAPI(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}

	app := newTestApp(t, 1<<20, middleware.NewJWTAuthWithKeyfunc(kf, time.Second, testLogger()))

	rec := app.do(t, request{method: http.MethodPost, target: "/api/v1/begin"})
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = app.do(t, request{method: http.MethodGet, target: "/health/live"})
	expectStatus(t, rec, http.StatusOK)
}
