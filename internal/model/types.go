package model

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState describes the health of the publish/subscribe session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// NetworkType is the transport medium currently reported by the network monitor.
type NetworkType int

const (
	NetworkNone NetworkType = iota
	NetworkWifi
	NetworkCellular
	NetworkOther
)

func (n NetworkType) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkWifi:
		return "wifi"
	case NetworkCellular:
		return "cellular"
	case NetworkOther:
		return "other"
	default:
		return fmt.Sprintf("NetworkType(%d)", int(n))
	}
}

// ParseNetworkType maps a case-insensitive name onto a NetworkType.
func ParseNetworkType(s string) (NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return NetworkNone, nil
	case "wifi":
		return NetworkWifi, nil
	case "cellular":
		return NetworkCellular, nil
	case "other", "ethernet":
		return NetworkOther, nil
	default:
		return NetworkNone, fmt.Errorf("unknown network type %q", s)
	}
}

// ReconnectStats is the backoff bookkeeping of the session manager.
type ReconnectStats struct {
	TotalAttempts        int           `json:"total_attempts"`
	SuccessfulReconnects int           `json:"successful_reconnects"`
	CurrentAttempt       int           `json:"current_attempt"`
	NextRetryDelay       time.Duration `json:"next_retry_delay"`
	LastReconnectTime    time.Time     `json:"last_reconnect_time"`
}

// PendingMessage is one outbound message awaiting delivery.
type PendingMessage struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// ProcessedMessageRecord is a dedup ledger entry.
type ProcessedMessageRecord struct {
	MessageID string    `json:"message_id"`
	FirstSeen time.Time `json:"first_seen"`
}

// LocatorState is the mode of the trigger engine.
type LocatorState int

const (
	Dormant LocatorState = iota
	Aware
	Active
)

func (s LocatorState) String() string {
	switch s {
	case Dormant:
		return "dormant"
	case Aware:
		return "aware"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("LocatorState(%d)", int(s))
	}
}

// ActivityType is the inferred motion class of the device.
type ActivityType int

const (
	Unknown ActivityType = iota
	Still
	Walking
	Running
	Driving
)

func (a ActivityType) String() string {
	switch a {
	case Unknown:
		return "unknown"
	case Still:
		return "still"
	case Walking:
		return "walking"
	case Running:
		return "running"
	case Driving:
		return "driving"
	default:
		return fmt.Sprintf("ActivityType(%d)", int(a))
	}
}

// Moving reports whether the activity class implies the device is in motion.
func (a ActivityType) Moving() bool {
	return a == Walking || a == Running || a == Driving
}

// ParseActivityType maps a case-insensitive name onto an ActivityType.
func ParseActivityType(s string) (ActivityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return Unknown, nil
	case "still":
		return Still, nil
	case "walking", "on_foot":
		return Walking, nil
	case "running":
		return Running, nil
	case "driving", "in_vehicle":
		return Driving, nil
	default:
		return Unknown, fmt.Errorf("unknown activity %q", s)
	}
}

// TriggerReason explains why a report was requested.
type TriggerReason int

const (
	ReasonPeriodic TriggerReason = iota
	ReasonActivityChange
	ReasonGeofenceEnter
	ReasonGeofenceExit
	ReasonWifiChange
	ReasonSignificantLocationChange
	ReasonManual
	ReasonRemoteRequest
)

var reasonNames = [...]string{
	ReasonPeriodic:                  "periodic",
	ReasonActivityChange:            "activity_change",
	ReasonGeofenceEnter:             "geofence_enter",
	ReasonGeofenceExit:              "geofence_exit",
	ReasonWifiChange:                "wifi_change",
	ReasonSignificantLocationChange: "significant_location_change",
	ReasonManual:                    "manual",
	ReasonRemoteRequest:             "remote_request",
}

func (r TriggerReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("TriggerReason(%d)", int(r))
}

// ParseTriggerReason is the inverse of TriggerReason.String.
func ParseTriggerReason(s string) (TriggerReason, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range reasonNames {
		if n == name {
			return TriggerReason(i), nil
		}
	}
	return ReasonPeriodic, fmt.Errorf("unknown trigger reason %q", s)
}

// BypassesSuppression reports whether the reason always produces a report attempt.
func (r TriggerReason) BypassesSuppression() bool {
	return r == ReasonManual || r == ReasonRemoteRequest
}

// Coordinates is a WGS84 position with an accuracy radius in meters.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// ReportRecord describes the last successful report.
type ReportRecord struct {
	Timestamp   time.Time     `json:"timestamp"`
	Reason      TriggerReason `json:"reason"`
	Coordinates Coordinates   `json:"coordinates"`
	Activity    ActivityType  `json:"activity"`
}

// LocationReport is the JSON payload published for every report attempt.
type LocationReport struct {
	DeviceID    string      `json:"device_id"`
	Reason      string      `json:"reason"`
	Activity    string      `json:"activity"`
	Coordinates Coordinates `json:"coordinates"`
	Battery     int         `json:"battery,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NetworkEventKind mirrors the callbacks of a platform network monitor.
type NetworkEventKind int

const (
	NetworkAvailable NetworkEventKind = iota
	NetworkLost
	NetworkCapabilitiesChanged
)

// NetworkEvent is delivered by the network monitor. Identity names the local
// network association (for example an SSID or BSSID digest) and may be empty.
type NetworkEvent struct {
	Kind     NetworkEventKind
	Type     NetworkType
	HasWifi  bool
	Identity string
}

// GeofenceTransition is the direction of a geofence crossing.
type GeofenceTransition int

const (
	GeofenceEnter GeofenceTransition = iota
	GeofenceExit
)

func (t GeofenceTransition) String() string {
	if t == GeofenceExit {
		return "exit"
	}
	return "enter"
}

// GeofenceEvent is emitted by the geofence signal source.
type GeofenceEvent struct {
	FenceID    string
	Transition GeofenceTransition
}

// BatteryStatus is the coarse battery state used by the cadence computation.
type BatteryStatus struct {
	Level     int  `json:"level"`
	Low       bool `json:"low"`
	PowerSave bool `json:"power_save"`
}

// SendStatus is the outcome of handing a message to the communication facade.
type SendStatus int

const (
	SendSent SendStatus = iota
	SendQueued
	SendLost
)

func (s SendStatus) String() string {
	switch s {
	case SendSent:
		return "sent"
	case SendQueued:
		return "queued"
	default:
		return "lost"
	}
}

// SendResult is returned by the facade for every outbound message.
type SendResult struct {
	Status    SendStatus
	MessageID string
	Err       error
}

// ReportFailure is the structured "report failed" notification.
type ReportFailure struct {
	Reason    TriggerReason
	Timestamp time.Time
	Err       error
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (n NetworkType) MarshalText() ([]byte, error)     { return []byte(n.String()), nil }
func (s LocatorState) MarshalText() ([]byte, error)    { return []byte(s.String()), nil }
func (a ActivityType) MarshalText() ([]byte, error)    { return []byte(a.String()), nil }
func (r TriggerReason) MarshalText() ([]byte, error)   { return []byte(r.String()), nil }

func (a *ActivityType) UnmarshalText(b []byte) error {
	v, err := ParseActivityType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (r *TriggerReason) UnmarshalText(b []byte) error {
	v, err := ParseTriggerReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
