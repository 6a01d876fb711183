// Package session implements the per-session simulation manager and the
// process-wide session registry with TTL-based garbage collection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfleet/carsim/core/behavior"
	"github.com/openfleet/carsim/core/device"
	"github.com/openfleet/carsim/core/logger"
	coremetrics "github.com/openfleet/carsim/core/metrics"
	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/motion"
	"github.com/openfleet/carsim/core/routing"
	"github.com/openfleet/carsim/core/transport"
)

// DefaultGraceDelay is how long the control channel stays up after a
// termination broadcast so clients can receive it.
const DefaultGraceDelay = 2 * time.Second

// ErrMissingSessionID rejects configuration documents without a sessionID.
var ErrMissingSessionID = errors.New("session: missing sessionID")

// Deps bundles the collaborators a Manager needs.
type Deps struct {
	Channel   ChannelFactory
	Transport transport.Factory
	Searcher  routing.Searcher
	Matcher   motion.TripMatcher
	Cache     *behavior.Cache
	Motion    motion.Config
	Metrics   coremetrics.Sink
	Log       logger.Logger
	TTL       time.Duration
	Sweep     time.Duration
	Grace     time.Duration
	RetryCap  int
}

// Manager owns one simulation session: its control channel, its architecture
// device table and its device instances.
type Manager struct {
	mu sync.Mutex

	sessionID string
	archRev   int
	simRev    int

	archDevices map[string]model.ArchitectureDevice
	devices     map[string]*device.Device

	channel ControlChannel
	deps    Deps

	expiration time.Time
	destroyed  bool
}

// NewManager constructs the session from the configuration document,
// registering its architecture devices and instantiating its devices.
// Individual device errors are logged, not fatal to the session.
func NewManager(cfg model.SimulationConfig, deps Deps) (*Manager, error) {
	if cfg.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	if deps.Channel == nil {
		return nil, fmt.Errorf("session: nil channel factory")
	}
	if deps.Log == nil {
		deps.Log = nopLog{}
	}
	if deps.Cache == nil {
		deps.Cache = behavior.NewCache()
	}
	if deps.Metrics == nil {
		deps.Metrics = coremetrics.NopSink{}
	}
	if deps.Matcher == nil {
		deps.Matcher = motion.NopTripMatcher{}
	}
	if deps.Grace <= 0 {
		deps.Grace = DefaultGraceDelay
	}
	deps.Motion.SetDefaults()

	ch, err := deps.Channel(cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: control channel: %w", err)
	}
	m := &Manager{
		sessionID:   cfg.SessionID,
		archRev:     cfg.ArchitectureRevision,
		simRev:      cfg.SimulationRevision,
		archDevices: make(map[string]model.ArchitectureDevice),
		devices:     make(map[string]*device.Device),
		channel:     ch,
		deps:        deps,
	}
	ch.SetHandler(m.HandleClientCommand)
	ch.SetJoinHandler(m.onClientJoin)

	for _, def := range cfg.DevicesSchemas {
		if err := m.AddArchDevice(def); err != nil {
			deps.Log.Errorf("%s: arch device %s: %v", cfg.SessionID, def.Guid, err)
		}
	}
	for _, inst := range cfg.Devices {
		if err := m.AddDevice(inst); err != nil {
			deps.Log.Errorf("%s: device %s: %v", cfg.SessionID, inst.DeviceID, err)
		}
	}
	m.Touch()
	return m, nil
}

// SessionID returns the session identifier.
func (m *Manager) SessionID() string { return m.sessionID }

// Revisions returns the architecture and simulation revisions.
func (m *Manager) Revisions() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archRev, m.simRev
}

// ControlURL returns the control channel path for this session.
func (m *Manager) ControlURL() string { return m.channel.URL() }

// Touch extends the session lifetime by one TTL.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.expiration = time.Now().Add(m.deps.TTL)
	m.mu.Unlock()
}

// Expired reports whether the session passed its expiration deadline.
func (m *Manager) Expired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.After(m.expiration)
}

// AddArchDevice stores a new architecture device definition and broadcasts
// it. Duplicate guids are rejected.
func (m *Manager) AddArchDevice(def model.ArchitectureDevice) error {
	if def.Guid == "" {
		return fmt.Errorf("arch device requires a guid")
	}
	m.mu.Lock()
	if _, exists := m.archDevices[def.Guid]; exists {
		m.mu.Unlock()
		return fmt.Errorf("arch device %s already exists", def.Guid)
	}
	m.archDevices[def.Guid] = def
	m.mu.Unlock()
	m.broadcast(map[string]any{"type": evtNewArchitectureDevice, "archDevice": def})
	return nil
}

// UpdateArchDevice replaces an existing definition and propagates it to
// every instance referencing it: surviving attributes keep their values.
func (m *Manager) UpdateArchDevice(def model.ArchitectureDevice) error {
	m.mu.Lock()
	if _, exists := m.archDevices[def.Guid]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("unknown arch device %s", def.Guid)
	}
	m.archDevices[def.Guid] = def
	var affected []*device.Device
	for _, d := range m.devices {
		if d.ArchGuid() == def.Guid {
			affected = append(affected, d)
		}
	}
	m.mu.Unlock()
	for _, d := range affected {
		d.ResetArch(def)
	}
	m.broadcast(map[string]any{"type": evtArchitectureDevUpdated, "archDevice": def})
	return nil
}

// ArchDevices returns the architecture device table, sorted by guid.
func (m *Manager) ArchDevices() []model.ArchitectureDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ArchitectureDevice, 0, len(m.archDevices))
	for _, def := range m.archDevices {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Guid < out[j].Guid })
	return out
}

// AddDevice instantiates a device from the configuration document entry.
// The check-and-insert is atomic under the session lock so concurrent adds
// of the same deviceID cannot both succeed.
func (m *Manager) AddDevice(inst model.DeviceInstance) error {
	if inst.DeviceID == "" {
		return fmt.Errorf("device requires a deviceID")
	}
	if inst.Credentials.Username == "" {
		return fmt.Errorf("device %s lacks transport credentials", inst.DeviceID)
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("session %s is destroyed", m.sessionID)
	}
	if _, exists := m.devices[inst.DeviceID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("device %s already exists", inst.DeviceID)
	}
	arch, ok := m.archDevices[inst.ArchDeviceGuid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown arch device %s", inst.ArchDeviceGuid)
	}

	conn, err := m.deps.Transport(m.sessionID, inst.DeviceID, inst.Credentials.Username, inst.Credentials.Password)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("transport for %s: %w", inst.DeviceID, err)
	}
	var mot device.Motion
	if inst.DeviceType == model.DeviceTypeCar || arch.DeviceType == model.DeviceTypeCar {
		mot = motion.NewCarModel(m.deps.Motion, m.deps.Searcher, m.deps.Matcher, m.deps.Log)
	}
	d := device.New(device.Params{
		SessionID: m.sessionID,
		Instance:  inst,
		Arch:      arch,
		Connector: conn,
		Cache:     m.deps.Cache,
		Motion:    mot,
		Log:       m.deps.Log,
		RetryCap:  m.deps.RetryCap,
	})
	m.devices[inst.DeviceID] = d
	m.mu.Unlock()

	go m.pumpEvents(d)
	m.broadcast(map[string]any{"type": evtNewDeviceCreated, "device": d.Status()})
	return nil
}

// pumpEvents republishes one device's lifecycle events to the control
// clients, in generation order. It exits when the device bus closes.
func (m *Manager) pumpEvents(d *device.Device) {
	sub := d.Events().Subscribe()
	for ev := range sub {
		m.broadcast(ev)
	}
}

// DeleteDevice destroys the device and removes it from the session.
func (m *Manager) DeleteDevice(id string) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown device %s", id)
	}
	delete(m.devices, id)
	m.mu.Unlock()
	d.Destroy()
	m.broadcast(map[string]any{"type": evtDeviceDeleted, "deviceID": id})
	return nil
}

// Connect starts the transport connection of one device. Connection results
// are reported through events.
func (m *Manager) Connect(id string) error {
	d, err := m.device(id)
	if err != nil {
		return err
	}
	go d.Connect()
	return nil
}

// ConnectAll connects every device of the session.
func (m *Manager) ConnectAll() {
	for _, d := range m.snapshot() {
		go d.Connect()
	}
}

// Disconnect drops the transport connection of one device.
func (m *Manager) Disconnect(id string) error {
	d, err := m.device(id)
	if err != nil {
		return err
	}
	d.Disconnect()
	return nil
}

// DisconnectAll disconnects every device of the session.
func (m *Manager) DisconnectAll() {
	for _, d := range m.snapshot() {
		d.Disconnect()
	}
}

// SetAttribute applies an attribute change to a device. Undeclared
// attributes are rejected.
func (m *Manager) SetAttribute(id, name string, value any) error {
	d, err := m.device(id)
	if err != nil {
		return err
	}
	if !d.SetAttribute(name, value) {
		return fmt.Errorf("device %s has no attribute %s", id, name)
	}
	return nil
}

// DeviceStatus snapshots one device.
func (m *Manager) DeviceStatus(id string) (model.DeviceStatus, error) {
	d, err := m.device(id)
	if err != nil {
		return model.DeviceStatus{}, err
	}
	return d.Status(), nil
}

// AllDevicesStatus snapshots every device, sorted by deviceID.
func (m *Manager) AllDevicesStatus() []model.DeviceStatus {
	devs := m.snapshot()
	out := make([]model.DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Counts returns the device and connected-device counts.
func (m *Manager) Counts() (devices, connected int) {
	for _, d := range m.snapshot() {
		devices++
		if d.IsConnected() {
			connected++
		}
	}
	return devices, connected
}

// ResetStuckDevices clears connect-failure counters at or above the
// threshold without destroying the devices. Called by the registry sweep.
func (m *Manager) ResetStuckDevices(threshold int) {
	for _, d := range m.snapshot() {
		d.ResetRetries(threshold)
	}
}

// Destroy tears the session down: every device is deleted (each delete
// broadcasts its own event), a termination event is broadcast, and the
// control channel closes after the grace delay. Terminal and idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := m.DeleteDevice(id); err != nil {
			m.deps.Log.Errorf("%s: delete %s: %v", m.sessionID, id, err)
		}
	}
	m.broadcast(map[string]any{"type": evtSimulationTerminated, "sessionID": m.sessionID})
	m.channel.Close(m.deps.Grace)
}

// HandleClientCommand parses and dispatches one control-channel message.
// Failures are replied to the issuing client as an error object; the
// connection stays open.
func (m *Manager) HandleClientCommand(client ControlClient, data []byte) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		m.reply(client, map[string]any{"error": fmt.Sprintf("malformed message: %v", err)})
		return
	}
	if err := m.dispatch(client, cmd); err != nil {
		m.reply(client, map[string]any{"error": err.Error()})
	}
}

func (m *Manager) dispatch(client ControlClient, cmd ClientCommand) error {
	switch cmd.CmdType {
	case "connect":
		return m.Connect(cmd.DeviceID)
	case "connectAll":
		m.ConnectAll()
	case "disconnect":
		return m.Disconnect(cmd.DeviceID)
	case "disconnectAll":
		m.DisconnectAll()
	case "setAttribute":
		var value any
		if len(cmd.AttributeValue) > 0 {
			if err := json.Unmarshal(cmd.AttributeValue, &value); err != nil {
				return fmt.Errorf("malformed attributeValue: %v", err)
			}
		}
		return m.SetAttribute(cmd.DeviceID, cmd.AttributeName, value)
	case "deviceStatus":
		st, err := m.DeviceStatus(cmd.DeviceID)
		if err != nil {
			return err
		}
		m.reply(client, map[string]any{"type": evtDeviceStatus, "device": st})
	case "allDevicesStatus":
		m.reply(client, map[string]any{"type": evtDevicesStatus, "devices": m.AllDevicesStatus()})
	case "addDevice":
		if cmd.SimulationDevice == nil {
			return fmt.Errorf("addDevice requires simulationDevice")
		}
		return m.AddDevice(*cmd.SimulationDevice)
	case "addArchDevice":
		if cmd.ArchDevice == nil {
			return fmt.Errorf("addArchDevice requires archDevice")
		}
		return m.AddArchDevice(*cmd.ArchDevice)
	case "updateArchDevice":
		if cmd.ArchDevice == nil {
			return fmt.Errorf("updateArchDevice requires archDevice")
		}
		return m.UpdateArchDevice(*cmd.ArchDevice)
	case "getArchDevices":
		m.reply(client, map[string]any{"type": evtArchitectureDevices, "archDevices": m.ArchDevices()})
	case "deleteDevice":
		return m.DeleteDevice(cmd.DeviceID)
	default:
		return fmt.Errorf("unknown cmdType %q", cmd.CmdType)
	}
	return nil
}

// onClientJoin sends the session snapshot to a newly connected client.
func (m *Manager) onClientJoin(client ControlClient) {
	m.reply(client, map[string]any{"type": evtDevicesStatus, "devices": m.AllDevicesStatus()})
	m.reply(client, map[string]any{"type": evtArchitectureDevices, "archDevices": m.ArchDevices()})
}

func (m *Manager) reply(client ControlClient, v any) {
	if err := client.Send(v); err != nil {
		m.deps.Log.Warnf("%s: reply to %s: %v", m.sessionID, client.ID(), err)
	}
}

func (m *Manager) broadcast(v any) {
	m.channel.Broadcast(v)
	if kind := eventKind(v); kind != "" {
		if err := m.deps.Metrics.RecordEvent(kind); err != nil {
			m.deps.Log.Warnf("%s: record event: %v", m.sessionID, err)
		}
	}
}

func eventKind(v any) string {
	switch ev := v.(type) {
	case device.Event:
		return string(ev.Kind)
	case map[string]any:
		if t, ok := ev["type"].(string); ok {
			return t
		}
	}
	return ""
}

func (m *Manager) device(id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", id)
	}
	return d, nil
}

func (m *Manager) snapshot() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

type nopLog struct{}

func (nopLog) Debugf(string, ...any)         {}
func (nopLog) Debugw(string, map[string]any) {}
func (nopLog) Infof(string, ...any)          {}
func (nopLog) Warnf(string, ...any)          {}
func (nopLog) Errorf(string, ...any)         {}
