package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveBridgeCall(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveBridgeCall("search", "success", 250*time.Millisecond)
	rec.SetBridgePending(3)
	rec.SetBridgeUp(true)

	families := gather(t, rec,
		"bankbridge_bridge_calls_total",
		"bankbridge_bridge_call_duration_seconds",
		"bankbridge_bridge_pending_calls",
		"bankbridge_bridge_up",
	)

	counter := findMetric(t, families["bankbridge_bridge_calls_total"], map[string]string{
		"method":  "search",
		"outcome": "success",
	})
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	hist := findMetric(t, families["bankbridge_bridge_call_duration_seconds"], map[string]string{"method": "search"}).GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for bridge latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.25, got %v", hist.GetSampleSum())
	}

	if got := families["bankbridge_bridge_pending_calls"][0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("expected pending gauge 3, got %v", got)
	}
	if got := families["bankbridge_bridge_up"][0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected up gauge 1, got %v", got)
	}
}

func TestRecorderCircuitState(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetCircuitState("closed")
	rec.SetCircuitState("open")
	rec.ObserveCircuitTransition("closed", "open")

	families := gather(t, rec, "bankbridge_resilience_circuit_state", "bankbridge_resilience_circuit_transitions_total")

	open := findMetric(t, families["bankbridge_resilience_circuit_state"], map[string]string{"state": "open"})
	if got := open.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected open state gauge 1, got %v", got)
	}
	closed := findMetric(t, families["bankbridge_resilience_circuit_state"], map[string]string{"state": "closed"})
	if got := closed.GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected closed state gauge 0, got %v", got)
	}
	transition := findMetric(t, families["bankbridge_resilience_circuit_transitions_total"], map[string]string{"from": "closed", "to": "open"})
	if got := transition.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected transition counter 1, got %v", got)
	}
}

func TestRecorderResilienceAttempts(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveResilienceAttempt("search", "failure")
	rec.ObserveResilienceAttempt("search", "success")
	rec.ObserveRetry("search", "NETWORK_TIMEOUT")

	families := gather(t, rec, "bankbridge_resilience_attempts_total", "bankbridge_resilience_retries_total")
	failure := findMetric(t, families["bankbridge_resilience_attempts_total"], map[string]string{"operation": "search", "outcome": "failure"})
	if got := failure.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failure counter 1, got %v", got)
	}
	retry := findMetric(t, families["bankbridge_resilience_retries_total"], map[string]string{"operation": "search", "kind": "NETWORK_TIMEOUT"})
	if got := retry.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected retry counter 1, got %v", got)
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheOperation(CacheOperationLookup, CacheResultHit, 10*time.Millisecond)
	rec.ObserveCacheOperation(CacheOperationStore, CacheResultStored, 5*time.Millisecond)
	rec.SetCacheEntries(2)

	families := gather(t, rec, "bankbridge_cache_operations_total", "bankbridge_cache_operation_duration_seconds", "bankbridge_cache_entries")

	lookup := findMetric(t, families["bankbridge_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    CacheResultHit,
	})
	if got := lookup.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	latency := findMetric(t, families["bankbridge_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    CacheResultStored,
	}).GetHistogram()
	if latency.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", latency.GetSampleCount())
	}
	if diff := math.Abs(latency.GetSampleSum() - 0.005); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.005, got %v", latency.GetSampleSum())
	}
	if got := families["bankbridge_cache_entries"][0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected entries gauge 2, got %v", got)
	}
}

func TestRecorderHealthAndValidation(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveHealthCheck("degraded", 20*time.Millisecond)
	rec.ObserveBankValidation("invalid")

	families := gather(t, rec, "bankbridge_health_status", "bankbridge_health_check_duration_seconds", "bankbridge_banks_validations_total")
	degraded := findMetric(t, families["bankbridge_health_status"], map[string]string{"status": "degraded"})
	if got := degraded.GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected degraded gauge 1, got %v", got)
	}
	invalid := findMetric(t, families["bankbridge_banks_validations_total"], map[string]string{"result": "invalid"})
	if got := invalid.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected validation counter 1, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveBridgeCall("ping", "success", time.Millisecond)
	rec.SetCircuitState("open")
	rec.ObserveHealthCheck("healthy", time.Millisecond)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
