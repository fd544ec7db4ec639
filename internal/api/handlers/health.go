// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/content-publisher/internal/config"
	"github.com/bigkaa/goartstore/content-publisher/internal/storage/filestore"
)

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// DependencyHealth — состояние внешних зависимостей (JWKS).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version    string
	storeDir   string
	websiteDir string
	deps       DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil, если аутентификация выключена.
func NewHealthHandler(storeDir, websiteDir string, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		version:    config.Version,
		storeDir:   storeDir,
		websiteDir: websiteDir,
		deps:       deps,
	}
}

// Live обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    statusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "content-publisher",
	})
}

// Ready обрабатывает GET /health/ready.
// Недоступность директорий на запись — fail (503),
// недоступность JWKS — degraded (200).
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	overall := statusOK
	httpStatus := http.StatusOK

	checks := map[string]any{
		"transaction_store": checkDir(h.storeDir),
		"website":           checkDir(h.websiteDir),
	}
	for _, name := range []string{"transaction_store", "website"} {
		if checks[name].(map[string]any)["status"] != statusOK {
			overall = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.deps != nil {
		deps := make(map[string]any)
		for name, healthy := range h.deps.Health() {
			deps[name] = healthy
			if !healthy && overall == statusOK {
				overall = statusDegraded
			}
		}
		checks["dependencies"] = deps
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "content-publisher",
		"checks":    checks,
	})
}

func checkDir(dir string) map[string]any {
	if err := filestore.CheckWritable(dir); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": err.Error(),
		}
	}
	return map[string]any{"status": statusOK}
}
