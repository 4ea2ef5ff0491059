package model

import (
	"time"
)

// EventKind discriminates the two telemetry wire variants.
type EventKind string

const (
	KindFlow   EventKind = "flow"
	KindStatus EventKind = "status"
)

// ValveState indicates whether the dispensing valve is open or closed.
type ValveState string

const (
	ValveOpen   ValveState = "open"
	ValveClosed ValveState = "closed"
)

// DeviceHealth is the device-reported health status.
type DeviceHealth string

const (
	HealthOnline      DeviceHealth = "ONLINE"
	HealthOffline     DeviceHealth = "OFFLINE"
	HealthMaintenance DeviceHealth = "MAINTENANCE"
	HealthError       DeviceHealth = "ERROR"
)

// EventMeta holds the fields common to both telemetry variants.
type EventMeta struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	WellID    string    `json:"well_id"`
	Signature string    `json:"signature"`
}

// TelemetryEvent is the closed set of wire event variants. Only FlowEvent
// and StatusEvent implement it.
type TelemetryEvent interface {
	Meta() EventMeta
	telemetryEvent()
}

// FlowEvent reports dispensing activity for one session.
type FlowEvent struct {
	EventMeta
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	PulseCount  int64      `json:"pulse_count"`
	FlowRate    float64    `json:"flow_rate"`     // lt/min
	TotalVolume float64    `json:"total_volume"`  // cumulative lt within the session
	ValveState  ValveState `json:"valve_state"`
	Pressure    float64    `json:"pressure"`    // kPa
	Temperature float64    `json:"temperature"` // °C
}

func (e *FlowEvent) Meta() EventMeta { return e.EventMeta }
func (*FlowEvent) telemetryEvent()   {}

// Diagnostics is the sub-record attached to status events.
type Diagnostics struct {
	PumpHealthy    bool    `json:"pump_healthy"`
	SensorHealthy  bool    `json:"sensor_healthy"`
	NetworkHealthy bool    `json:"network_healthy"`
	MemoryUsage    float64 `json:"memory_usage"` // percent
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// StatusEvent reports device health and connectivity.
type StatusEvent struct {
	EventMeta
	Status          DeviceHealth `json:"status"`
	BatteryLevel    float64      `json:"battery_level"`    // percent
	SignalStrength  float64      `json:"signal_strength"`  // dBm
	LastMaintenance time.Time    `json:"last_maintenance"`
	ErrorCode       string       `json:"error_code,omitempty"`
	Diagnostics     Diagnostics  `json:"diagnostics"`
}

func (e *StatusEvent) Meta() EventMeta { return e.EventMeta }
func (*StatusEvent) telemetryEvent()   {}

// ValidValveState reports whether s is one of the allowed literals.
func ValidValveState(s ValveState) bool {
	return s == ValveOpen || s == ValveClosed
}

// ValidDeviceHealth reports whether h is one of the allowed literals.
func ValidDeviceHealth(h DeviceHealth) bool {
	switch h {
	case HealthOnline, HealthOffline, HealthMaintenance, HealthError:
		return true
	}
	return false
}
