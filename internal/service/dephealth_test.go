package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// jwksServer — mock JWKS endpoint с заданным статусом ответа.
func jwksServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testDephealthConfig(name, url string, interval time.Duration) DephealthConfig {
	return DephealthConfig{
		Name:          name,
		Group:         "content-publisher",
		DepName:       "jwks",
		URL:           url,
		CheckInterval: interval,
	}
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	srv := jwksServer(t, http.StatusOK)

	ds, err := NewDephealthServiceWithRegisterer(
		testDephealthConfig("test-cp-01", srv.URL, 5*time.Second),
		testLogger(), prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_Health(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"доступен", http.StatusOK, true},
		{"ошибка 500", http.StatusInternalServerError, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := jwksServer(t, tt.status)

			ds, err := NewDephealthServiceWithRegisterer(
				testDephealthConfig("test-cp-0"+string(rune('2'+i)), srv.URL, time.Second),
				testLogger(), prometheus.NewRegistry(),
			)
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Даём время на первую проверку (интервал 1s + запас)
			time.Sleep(3 * time.Second)

			health := ds.Health()
			found := false
			for key, val := range health {
				if strings.HasPrefix(key, "jwks:") {
					found = true
					if val != tt.want {
						t.Errorf("jwks health = %v для ключа %q, ожидалось %v", val, key, tt.want)
					}
					break
				}
			}
			if !found {
				t.Errorf("Нет записи для jwks в Health(), keys=%v", healthKeys(health))
			}
		})
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
