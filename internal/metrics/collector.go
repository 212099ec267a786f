// Package metrics provides Prometheus-compatible metrics collection for
// the ASAP protocol core.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and exposes Prometheus-compatible metrics
type Collector struct {
	// Envelope metrics
	envelopesSent     int64
	envelopesReceived int64
	rejections        sync.Map // map[string]*int64, keyed by rejection reason

	// Transport metrics
	retries      int64
	sendFailures int64
	breakerOpens sync.Map // map[string]*int64, keyed by destination

	// Task metrics
	taskTransitions int64
	tasksCreated    int64

	// Snapshot metrics
	snapshotSaves  int64
	snapshotErrors int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// RecordEnvelopeSent records a successfully delivered outbound envelope
func (c *Collector) RecordEnvelopeSent() {
	atomic.AddInt64(&c.envelopesSent, 1)
}

// RecordEnvelopeReceived records an inbound envelope accepted by the pipeline
func (c *Collector) RecordEnvelopeReceived() {
	atomic.AddInt64(&c.envelopesReceived, 1)
}

// RecordRejection records an inbound envelope rejected by a pipeline stage
func (c *Collector) RecordRejection(reason string) {
	counter, _ := c.rejections.LoadOrStore(reason, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// RecordRetry records one retry attempt by the transport client
func (c *Collector) RecordRetry() {
	atomic.AddInt64(&c.retries, 1)
}

// RecordSendFailure records a send that exhausted its retry budget
func (c *Collector) RecordSendFailure() {
	atomic.AddInt64(&c.sendFailures, 1)
}

// RecordBreakerOpen records a circuit breaker tripping for a destination
func (c *Collector) RecordBreakerOpen(destination string) {
	counter, _ := c.breakerOpens.LoadOrStore(destination, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

// RecordTask records task creation or a lifecycle transition
func (c *Collector) RecordTask(created bool) {
	if created {
		atomic.AddInt64(&c.tasksCreated, 1)
	} else {
		atomic.AddInt64(&c.taskTransitions, 1)
	}
}

// RecordSnapshotSave records a snapshot store write
func (c *Collector) RecordSnapshotSave(err error) {
	atomic.AddInt64(&c.snapshotSaves, 1)
	if err != nil {
		atomic.AddInt64(&c.snapshotErrors, 1)
	}
}

// PrometheusFormat returns metrics in Prometheus exposition format
func (c *Collector) PrometheusFormat() string {
	var output string

	// Envelope metrics
	output += c.formatCounter("asap_envelopes_sent_total", "", atomic.LoadInt64(&c.envelopesSent))
	output += c.formatCounter("asap_envelopes_received_total", "", atomic.LoadInt64(&c.envelopesReceived))
	c.rejections.Range(func(key, value interface{}) bool {
		reason := key.(string)
		output += c.formatCounter("asap_envelopes_rejected_total", fmt.Sprintf(`reason="%s"`, reason), atomic.LoadInt64(value.(*int64)))
		return true
	})

	// Transport metrics
	output += c.formatCounter("asap_send_retries_total", "", atomic.LoadInt64(&c.retries))
	output += c.formatCounter("asap_send_failures_total", "", atomic.LoadInt64(&c.sendFailures))
	c.breakerOpens.Range(func(key, value interface{}) bool {
		dest := key.(string)
		output += c.formatCounter("asap_breaker_opens_total", fmt.Sprintf(`destination="%s"`, dest), atomic.LoadInt64(value.(*int64)))
		return true
	})

	// Task metrics
	output += c.formatCounter("asap_tasks_created_total", "", atomic.LoadInt64(&c.tasksCreated))
	output += c.formatCounter("asap_task_transitions_total", "", atomic.LoadInt64(&c.taskTransitions))

	// Snapshot metrics
	output += c.formatCounter("asap_snapshot_saves_total", "", atomic.LoadInt64(&c.snapshotSaves))
	output += c.formatCounter("asap_snapshot_save_errors_total", "", atomic.LoadInt64(&c.snapshotErrors))

	// System metrics
	uptime := time.Since(c.startTime).Seconds()
	output += c.formatGauge("asap_uptime_seconds", "", uptime)

	return output
}

func (c *Collector) formatCounter(name, labels string, value int64) string {
	if labels != "" {
		return fmt.Sprintf("%s{%s} %d\n", name, labels, value)
	}
	return fmt.Sprintf("%s %d\n", name, value)
}

func (c *Collector) formatGauge(name, labels string, value float64) string {
	if labels != "" {
		return fmt.Sprintf("%s{%s} %.2f\n", name, labels, value)
	}
	return fmt.Sprintf("%s %.2f\n", name, value)
}

// Handler returns an HTTP handler for metrics endpoint
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(c.PrometheusFormat()))
	}
}
