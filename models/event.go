package models

// DeviceEvent records a registry change observed by the relay.
type DeviceEvent struct {
	ID        int64  `json:"id"`
	DeviceID  string `json:"device_id"`
	EventType string `json:"event_type"`
	Details   string `json:"details"`
	RemoteIP  string `json:"remote_ip"`
	Timestamp int64  `json:"timestamp"`
}
