package device

// EventKind names the lifecycle events a device emits on its bus. The values
// double as the control-channel event type strings.
type EventKind string

const (
	EventAttributesChanged    EventKind = "deviceAttributesChange"
	EventConnected            EventKind = "deviceConnected"
	EventDisconnected         EventKind = "deviceDisconnected"
	EventConnectionError      EventKind = "deviceConnectionError"
	EventBehaviorCodeError    EventKind = "behaviorCodeError"
	EventBehaviorRuntimeError EventKind = "behaviorRuntimeError"
)

// Event is one lifecycle notification from a device to its manager.
type Event struct {
	Kind     EventKind      `json:"type"`
	DeviceID string         `json:"deviceID"`
	Changed  map[string]any `json:"changedAttributes,omitempty"`
	Hook     string         `json:"hook,omitempty"`
	Error    string         `json:"error,omitempty"`
}
