package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSendFailureSpike    AlertType = "send_failure_spike"
	AlertPairingFailureSpike AlertType = "pairing_failure_spike"
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

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Sliding window for failed sends.
	sendFailures  []time.Time
	sendWindow    time.Duration
	sendThreshold int

	// Sliding window for failed pairing code requests.
	pairingFailures  []time.Time
	pairingWindow    time.Duration
	pairingThreshold int

	alertFn AlertFunc
}

const (
	defaultSendFailureWindow       = 1 * time.Minute
	defaultSendFailureThreshold    = 20
	defaultPairingFailureWindow    = 5 * time.Minute
	defaultPairingFailureThreshold = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		sendWindow:       defaultSendFailureWindow,
		sendThreshold:    defaultSendFailureThreshold,
		pairingWindow:    defaultPairingFailureWindow,
		pairingThreshold: defaultPairingFailureThreshold,
		alertFn:          alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditMessageFailed:
		m.record(&m.sendFailures, m.sendWindow, m.sendThreshold,
			AlertSendFailureSpike, "message send failure rate exceeds threshold")
	case AuditPairingCodeFailed:
		m.record(&m.pairingFailures, m.pairingWindow, m.pairingThreshold,
			AlertPairingFailureSpike, "pairing code failure rate exceeds threshold")
	}
}

func (m *metricsCollector) record(times *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*times = append(*times, now)
	*times = trimWindow(*times, now, window)

	if len(*times) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*times),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*times = (*times)[:0]
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
