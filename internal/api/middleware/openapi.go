// openapi.go — проверка запросов по встроенному OpenAPI-описанию (kin-openapi).
// Проверяются path/query/header-параметры; тела запросов разбирают обработчики.
package middleware

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/bigkaa/goartstore/content-publisher/internal/api/errors"
)

//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec возвращает встроенное OpenAPI-описание API.
func OpenAPISpec() []byte {
	return openapiSpec
}

// OpenAPIValidator — middleware проверки запросов по OpenAPI.
type OpenAPIValidator struct {
	router routers.Router
	logger *slog.Logger
}

// NewOpenAPIValidator загружает и проверяет встроенное описание.
func NewOpenAPIValidator(logger *slog.Logger) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("проверка OpenAPI: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("маршрутизатор OpenAPI: %w", err)
	}

	return &OpenAPIValidator{
		router: router,
		logger: logger.With(slog.String("component", "openapi")),
	}, nil
}

// Middleware отклоняет запросы с некорректными параметрами (400).
// Маршруты, отсутствующие в описании, пропускаются без проверки.
func (v *OpenAPIValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, params, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: params,
				Route:      route,
				Options: &openapi3filter.Options{
					ExcludeRequestBody: true,
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не прошёл проверку OpenAPI",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validationMessage(err error) string {
	var re *openapi3filter.RequestError
	if errors.As(err, &re) && re.Parameter != nil {
		return fmt.Sprintf("Некорректный параметр %s", re.Parameter.Name)
	}
	return "Некорректный запрос"
}
