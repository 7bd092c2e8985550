package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike      AlertType = "login_failure_spike"
	AlertValidationFailureSpike AlertType = "validation_failure_spike"
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

// spikeWindow counts events in a sliding window and fires once per spike.
type spikeWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures      spikeWindow
	validationFailures spikeWindow

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow         = 1 * time.Minute
	defaultLoginFailureThreshold      = 50
	defaultValidationFailureWindow    = 5 * time.Minute
	defaultValidationFailureThreshold = 200
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: spikeWindow{
			alert:     AlertLoginFailureSpike,
			message:   "session establish failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		validationFailures: spikeWindow{
			alert:     AlertValidationFailureSpike,
			message:   "session validation failure rate exceeds threshold",
			window:    defaultValidationFailureWindow,
			threshold: defaultValidationFailureThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.loginFailures)
	case AuditValidateFailure:
		m.record(&m.validationFailures)
	}
}

func (m *metricsCollector) record(w *spikeWindow) {
	m.mu.Lock()
	now := time.Now()
	w.events = trimWindow(append(w.events, now), now, w.window)
	if len(w.events) < w.threshold {
		m.mu.Unlock()
		return
	}
	ev := AlertEvent{
		Type:      w.alert,
		Message:   w.message,
		Count:     len(w.events),
		Threshold: w.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	w.events = w.events[:0]
	m.mu.Unlock()

	m.alertFn(ev)
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
