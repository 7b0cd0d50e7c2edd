// Package metrics is a small vendor-neutral facade for pipeline metrics.
//
// Core code records through the package-level helpers; the CLI installs a
// concrete Backend (Datadog, Pushgateway) with SetBackend. Until then every
// call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide how to map them (tags, label
// pairs) and may ignore labels they do not know.
type Labels map[string]string

// Backend receives metric updates.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// GaugeSetter is implemented by backends that support point-in-time values.
type GaugeSetter interface {
	SetGauge(name string, value float64, labels Labels)
}

// Metric names shared by the helpers and the backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	BatchesTotal        = "etl_batches_total"
	HTTPRequestsTotal   = "etl_http_requests_total"
	HTTPErrorsTotal     = "etl_http_errors_total"
	HTTPDurationSeconds = "etl_http_request_duration_seconds"
	HTTPRetriesTotal    = "etl_http_retries_total"
	WatermarkLagSeconds = "etl_watermark_lag_seconds"
)

// Record kinds for RecordRecords.
const (
	KindFetched   = "fetched"
	KindValidated = "validated"
	KindInvalid   = "invalid"
	KindInserted  = "inserted"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// SetGauge forwards to the installed backend when it supports gauges.
func SetGauge(name string, value float64, labels Labels) {
	if g, ok := current().(GaugeSetter); ok {
		g.SetGauge(name, value, labels)
	}
}

// RecordStep counts one execution of a pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": status(err)}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords adds n to the records counter for kind.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one written batch.
func RecordBatch() {
	IncCounter(BatchesTotal, 1, nil)
}

// RecordHTTP records one HTTP attempt. code is 0 when no response arrived.
func RecordHTTP(code int, err error, d time.Duration) {
	l := Labels{"status": httpStatus(code)}
	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || code >= 400 || code == 0 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}

// RecordRetry counts one retried HTTP attempt.
func RecordRetry(code int) {
	IncCounter(HTTPRetriesTotal, 1, Labels{"status": httpStatus(code)})
}

// RecordWatermarkLag publishes how far the stored watermark trails now.
func RecordWatermarkLag(watermark, now time.Time) {
	lag := now.Sub(watermark)
	if lag < 0 {
		lag = 0
	}
	SetGauge(WatermarkLagSeconds, lag.Seconds(), nil)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func httpStatus(code int) string {
	if code <= 0 {
		return "transport_error"
	}
	return strconv.Itoa(code)
}
