package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, collector *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, pair := range metric.GetLabel() {
		if value, ok := labels[pair.GetName()]; ok && value == pair.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestCollectorRecordsDomainEvents(t *testing.T) {
	collector := NewCollector()

	collector.ObserveAppend(blacklist.OperationAdd)
	collector.ObserveAppend(blacklist.OperationAdd)
	collector.ObserveAppend(blacklist.OperationRemove)
	collector.ObserveApply(blacklist.ApplyResultStale)
	collector.ObserveCursorAdvance(true)
	collector.ObserveCatchUp(errors.New("boom"))

	if value := counterValue(t, collector, "blacklist_sync_log_appends_total", map[string]string{"operation": "ADD"}); value != 2 {
		t.Fatalf("expected 2 ADD appends, got %v", value)
	}
	if value := counterValue(t, collector, "blacklist_sync_log_appends_total", map[string]string{"operation": "REMOVE"}); value != 1 {
		t.Fatalf("expected 1 REMOVE append, got %v", value)
	}
	if value := counterValue(t, collector, "blacklist_sync_snapshot_applies_total", map[string]string{"result": "stale"}); value != 1 {
		t.Fatalf("expected 1 stale apply, got %v", value)
	}
	if value := counterValue(t, collector, "blacklist_sync_cursor_advances_total", map[string]string{"advanced": "true"}); value != 1 {
		t.Fatalf("expected 1 cursor advance, got %v", value)
	}
	if value := counterValue(t, collector, "blacklist_sync_reconciler_catch_up_runs_total", map[string]string{"status": "error"}); value != 1 {
		t.Fatalf("expected 1 failed catch up, got %v", value)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	collector := NewCollector()
	collector.ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, 5*time.Millisecond)

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `blacklist_sync_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collector output")
	}
}
