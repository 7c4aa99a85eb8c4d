package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	m := InitNodeMetrics(nil, "test")

	// Set some values
	m.Retransmits.WithLabelValues("dup_res").Add(3)
	m.InFlight.Set(5)

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
		t.Errorf("Unexpected content type: %s", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	bodyStr := string(body)

	// Verify metrics are present
	expectedMetrics := []string{
		"meshkv_retransmits_total",
		"meshkv_transactions_in_flight",
		"go_goroutines",       // Standard Go metrics
		"process_cpu_seconds", // Standard process metrics
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("Expected metric %s not found in response", metric)
		}
	}

	// Verify our custom metric values carry the node label
	if !strings.Contains(bodyStr, `meshkv_retransmits_total{node="test",step="dup_res"} 3`) {
		t.Error("Expected retransmits_total with value 3")
	}

	if !strings.Contains(bodyStr, `meshkv_transactions_in_flight{node="test"} 5`) {
		t.Error("Expected transactions_in_flight with value 5")
	}
}

func TestHandler_OpenMetricsFormat(t *testing.T) {
	_ = InitNodeMetrics(nil, "test")

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "openmetrics") && !strings.Contains(contentType, "text/plain") {
		t.Logf("Content-Type: %s (OpenMetrics may fall back to text/plain)", contentType)
	}
}
