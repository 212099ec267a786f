package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector() returned nil")
	}
}

func TestCollector_RecordEnvelopes(t *testing.T) {
	c := NewCollector()

	c.RecordEnvelopeSent()
	c.RecordEnvelopeSent()
	c.RecordEnvelopeReceived()

	output := c.PrometheusFormat()

	if !strings.Contains(output, "asap_envelopes_sent_total 2") {
		t.Error("Expected sent count of 2")
	}
	if !strings.Contains(output, "asap_envelopes_received_total 1") {
		t.Error("Expected received count of 1")
	}
}

func TestCollector_RecordRejection(t *testing.T) {
	c := NewCollector()

	c.RecordRejection("schema")
	c.RecordRejection("schema")
	c.RecordRejection("replay")

	output := c.PrometheusFormat()

	if !strings.Contains(output, `asap_envelopes_rejected_total{reason="schema"} 2`) {
		t.Error("Expected 2 schema rejections")
	}
	if !strings.Contains(output, `asap_envelopes_rejected_total{reason="replay"} 1`) {
		t.Error("Expected 1 replay rejection")
	}
}

func TestCollector_RecordTransport(t *testing.T) {
	c := NewCollector()

	c.RecordRetry()
	c.RecordRetry()
	c.RecordSendFailure()
	c.RecordBreakerOpen("http://peer")

	output := c.PrometheusFormat()

	if !strings.Contains(output, "asap_send_retries_total 2") {
		t.Error("Expected retry count of 2")
	}
	if !strings.Contains(output, "asap_send_failures_total 1") {
		t.Error("Expected failure count of 1")
	}
	if !strings.Contains(output, `asap_breaker_opens_total{destination="http://peer"} 1`) {
		t.Error("Expected 1 breaker open for peer")
	}
}

func TestCollector_RecordTaskAndSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordTask(true)
	c.RecordTask(false)
	c.RecordTask(false)
	c.RecordSnapshotSave(nil)
	c.RecordSnapshotSave(errors.New("disk full"))

	output := c.PrometheusFormat()

	if !strings.Contains(output, "asap_tasks_created_total 1") {
		t.Error("Expected 1 task created")
	}
	if !strings.Contains(output, "asap_task_transitions_total 2") {
		t.Error("Expected 2 transitions")
	}
	if !strings.Contains(output, "asap_snapshot_saves_total 2") {
		t.Error("Expected 2 snapshot saves")
	}
	if !strings.Contains(output, "asap_snapshot_save_errors_total 1") {
		t.Error("Expected 1 snapshot error")
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordEnvelopeSent()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "asap_envelopes_sent_total 1") {
		t.Error("Expected sent counter in body")
	}
	if !strings.Contains(rec.Body.String(), "asap_uptime_seconds") {
		t.Error("Expected uptime gauge in body")
	}
}
