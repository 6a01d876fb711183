package session

import (
	"encoding/json"
	"time"

	"github.com/openfleet/carsim/core/model"
)

// ControlClient is one connected control-channel client. Send failures are
// local to that client.
type ControlClient interface {
	ID() string
	Send(v any) error
}

// ControlChannel is the session-scoped bidirectional channel the manager
// broadcasts on. One implementation backs it with websockets bound to the
// shared HTTP listener; tests use an in-memory fake.
type ControlChannel interface {
	// URL returns the path clients connect to.
	URL() string
	// Broadcast serializes the event and sends it to every connected
	// client. A failing client must not prevent delivery to the others.
	Broadcast(v any)
	// SetHandler installs the inbound message handler.
	SetHandler(h func(client ControlClient, data []byte))
	// SetJoinHandler installs the callback run for each newly connected
	// client.
	SetJoinHandler(h func(client ControlClient))
	// Close stops accepting connections immediately and, after the grace
	// delay, disconnects remaining clients and detaches from the shared
	// listener.
	Close(grace time.Duration)
}

// ChannelFactory builds the control channel for a session, bound to the
// shared transport listener at a session-specific path.
type ChannelFactory func(sessionID string) (ControlChannel, error)

// ClientCommand is the message a control client sends to the manager.
type ClientCommand struct {
	CmdType          string                    `json:"cmdType"`
	DeviceID         string                    `json:"deviceID,omitempty"`
	AttributeName    string                    `json:"attributeName,omitempty"`
	AttributeValue   json.RawMessage           `json:"attributeValue,omitempty"`
	SimulationDevice *model.DeviceInstance     `json:"simulationDevice,omitempty"`
	ArchDevice       *model.ArchitectureDevice `json:"archDevice,omitempty"`
}

// Server to client event type names not covered by device.EventKind.
const (
	evtDevicesStatus          = "devicesStatus"
	evtDeviceStatus           = "deviceStatus"
	evtArchitectureDevices    = "architectureDevices"
	evtNewArchitectureDevice  = "newArchitectureDevice"
	evtArchitectureDevUpdated = "architectureDeviceUpdated"
	evtNewDeviceCreated       = "newDeviceCreated"
	evtDeviceDeleted          = "deviceDeleted"
	evtSimulationTerminated   = "simulationTerminated"
)
