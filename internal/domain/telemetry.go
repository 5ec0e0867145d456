package domain

import "time"

// EventKind classifies telemetry events.
type EventKind string

const (
	// EventLifecycle covers engine and cycle transitions (start, stop, pause,
	// resume, settle).
	EventLifecycle EventKind = "lifecycle"
	// EventParamChange records configuration snapshot changes and automatic
	// order-size corrections.
	EventParamChange EventKind = "param-change"
	// EventHeartbeat is the periodic liveness signal.
	EventHeartbeat EventKind = "heartbeat"
	// EventAlert marks operator-visible failures: exhausted retries, fatal
	// exchange errors, heartbeat staleness.
	EventAlert EventKind = "alert"
)

// TelemetryEvent is pushed to the external notification channel,
// fire-and-forget.
type TelemetryEvent struct {
	Kind     EventKind `json:"kind"`
	Exchange string    `json:"exchange,omitempty"`
	Pair     string    `json:"pair,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}
