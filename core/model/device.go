// Package model defines the simulation data model: architecture devices
// (reusable device definitions), device instances and the configuration
// document a session is created from.
package model

// AttributeDef declares one attribute of an architecture device.
type AttributeDef struct {
	Name         string `json:"name"`
	DataType     string `json:"dataType"`
	DefaultValue any    `json:"defaultValue"`
}

// OutputMessageDef declares an outbound message of an architecture device.
// A message is emitted periodically when PeriodSeconds is positive, and on
// attribute change for every attribute listed in OnChange.
type OutputMessageDef struct {
	Name          string   `json:"name"`
	Attributes    []string `json:"attributes"`
	PeriodSeconds float64  `json:"periodSeconds,omitempty"`
	OnChange      []string `json:"onChange,omitempty"`
}

// CommandDef declares an inbound command accepted by a device.
type CommandDef struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// HookHost is the capability surface a behavior hook can reach. Hooks get no
// ambient access to the process; everything goes through this interface.
type HookHost interface {
	DeviceID() string
	GetAttribute(name string) (any, bool)
	SetAttribute(name string, value any)
	SendMessage(name string)
}

// NativeHook is an already-callable behavior hook, used verbatim instead of
// compiling source text. Mostly useful in tests and built-in device models.
type NativeHook func(host HookHost, args []any)

// HookSpec holds a behavior hook as source text or as a native function.
type HookSpec struct {
	Source string     `json:"source,omitempty"`
	Args   []string   `json:"args,omitempty"`
	Fn     NativeHook `json:"-"`
}

// Empty reports whether the hook declares neither source nor a native function.
func (h *HookSpec) Empty() bool {
	return h == nil || (h.Source == "" && h.Fn == nil)
}

// BehaviorHooks groups the extension points of an architecture device.
type BehaviorHooks struct {
	OnInit             *HookSpec `json:"onInit,omitempty"`
	OnRunning          *HookSpec `json:"onRunning,omitempty"`
	OnConnected        *HookSpec `json:"onConnected,omitempty"`
	OnMessageReception *HookSpec `json:"onMessageReception,omitempty"`
}

// ArchitectureDevice is the reusable definition of a device type.
type ArchitectureDevice struct {
	Guid                 string             `json:"guid"`
	Name                 string             `json:"name"`
	DeviceType           string             `json:"deviceType,omitempty"`
	Attributes           []AttributeDef     `json:"attributes"`
	InputCommands        []CommandDef       `json:"inputCommands,omitempty"`
	OutputMessages       []OutputMessageDef `json:"outputMessages,omitempty"`
	Hooks                BehaviorHooks      `json:"behaviorHooks,omitempty"`
	RunningPeriodSeconds float64            `json:"runningPeriodSeconds,omitempty"`
}

// Attribute returns the declared attribute with the given name.
func (a *ArchitectureDevice) Attribute(name string) (AttributeDef, bool) {
	for _, at := range a.Attributes {
		if at.Name == name {
			return at, true
		}
	}
	return AttributeDef{}, false
}

// DeviceTypeCar marks instances simulated with the car motion model.
const DeviceTypeCar = "car"

// Credentials are the transport credentials a device connects with.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DeviceInstance describes one simulated device in the configuration
// document.
type DeviceInstance struct {
	DeviceID       string         `json:"deviceID"`
	ArchDeviceGuid string         `json:"archDeviceGuid"`
	DeviceType     string         `json:"deviceType,omitempty"`
	Credentials    Credentials    `json:"credentials"`
	LastAttributes map[string]any `json:"lastAttributes,omitempty"`
}

// SimulationConfig is the document a session is created from.
type SimulationConfig struct {
	SessionID            string               `json:"sessionID"`
	ArchitectureRevision int                  `json:"architectureRevision"`
	SimulationRevision   int                  `json:"simulationRevision"`
	DevicesSchemas       []ArchitectureDevice `json:"devicesSchemas"`
	Devices              []DeviceInstance     `json:"devices"`
}

// Command is an inbound command delivered to a device over its transport.
type Command struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// DeviceStatus is a point-in-time snapshot of one device instance.
type DeviceStatus struct {
	DeviceID       string         `json:"deviceID"`
	DeviceType     string         `json:"deviceType"`
	ArchDeviceGuid string         `json:"archDeviceGuid"`
	Connected      bool           `json:"connected"`
	Attributes     map[string]any `json:"attributes"`
}

// Stats aggregates counts across all live sessions.
type Stats struct {
	Simulations      int `json:"simulations"`
	Devices          int `json:"devices"`
	ConnectedDevices int `json:"connectedDevices"`
}
