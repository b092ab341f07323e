package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike  AlertType = "login_failure_spike"
	AlertCSRFRejectionSpike AlertType = "csrf_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultCSRFWindow            = 1 * time.Minute
	defaultCSRFThreshold         = 100
)

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	alert     AlertType
	message   string
	times     []time.Time
	window    time.Duration
	threshold int
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	loginFailures slidingWindow
	csrfRejects   slidingWindow

	alertFn AlertFunc
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now: time.Now,
		loginFailures: slidingWindow{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		csrfRejects: slidingWindow{
			alert:     AlertCSRFRejectionSpike,
			message:   "CSRF rejection rate exceeds threshold",
			window:    defaultCSRFWindow,
			threshold: defaultCSRFThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects a security event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event SecurityEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case EventLoginFailure:
		m.record(&m.loginFailures)
	case EventCSRFRejected:
		m.record(&m.csrfRejects)
	}
}

func (m *metricsCollector) record(w *slidingWindow) {
	m.mu.Lock()
	now := m.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.window)

	var alert *AlertEvent
	if len(w.times) >= w.threshold {
		alert = &AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
