// Package device implements the generic virtual device: attribute state,
// connection state, periodic message emission and behavior hook dispatch.
// Motion-capable devices get a Motion capability injected instead of
// subclassing.
package device

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/openfleet/carsim/core/behavior"
	"github.com/openfleet/carsim/core/logger"
	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/transport"
	"github.com/openfleet/carsim/internal/eventbus"
)

// DefaultRunningPeriod is the onRunning tick period unless the device model
// overrides it.
const DefaultRunningPeriod = time.Second

// DefaultConnectRetryCap is how many consecutive connect failures are
// tolerated before the device stops retrying until the registry sweep resets
// the counter.
const DefaultConnectRetryCap = 5

// Motion is the capability a motion model plugs into the generic device.
// Both methods run while the device lock is held; the host argument gives
// lock-free access to attribute state.
type Motion interface {
	// OnCommand reacts to an inbound command. It returns true when the
	// command was meaningful to the motion model.
	OnCommand(host model.HookHost, cmd model.Command) bool
	// OnTick advances the motion simulation one step. Only called while
	// the device is connected.
	OnTick(host model.HookHost)
}

// Params bundles the dependencies of a Device.
type Params struct {
	SessionID string
	Instance  model.DeviceInstance
	Arch      model.ArchitectureDevice
	Connector transport.Connector
	Cache     *behavior.Cache
	Motion    Motion
	Log       logger.Logger
	RetryCap  int
}

// Device is one simulated device instance.
type Device struct {
	mu sync.Mutex

	id        string
	sessionID string
	arch      model.ArchitectureDevice
	attrs     map[string]any

	conn       transport.Connector
	connected  bool
	connecting bool
	destroyed  bool

	connectFailures int
	authFailed      bool
	retryCap        int

	cache  *behavior.Cache
	runner *behavior.Runner
	motion Motion

	bus *eventbus.TypedBus[Event]
	log logger.Logger

	// batch state, only touched while mu is held
	pending map[string]any

	runningStop chan struct{}
	outputsStop chan struct{}
}

// New constructs the device: attributes are derived from the architecture
// definition, last-known values applied on top, the onInit hook runs and the
// periodic running timer starts when the model declares onRunning behavior or
// a motion capability is attached.
func New(p Params) *Device {
	if p.Log == nil {
		p.Log = nopLogger{}
	}
	if p.RetryCap <= 0 {
		p.RetryCap = DefaultConnectRetryCap
	}
	if p.Cache == nil {
		p.Cache = behavior.NewCache()
	}
	d := &Device{
		id:        p.Instance.DeviceID,
		sessionID: p.SessionID,
		arch:      p.Arch,
		attrs:     make(map[string]any),
		conn:      p.Connector,
		cache:     p.Cache,
		motion:    p.Motion,
		bus:       eventbus.NewTyped[Event](0),
		log:       p.Log,
		retryCap:  p.RetryCap,
	}
	for _, at := range p.Arch.Attributes {
		d.attrs[at.Name] = at.DefaultValue
	}
	for name, v := range p.Instance.LastAttributes {
		if _, ok := p.Arch.Attribute(name); ok {
			d.attrs[name] = v
		}
	}
	d.runner = behavior.NewRunner(hostAdapter{d}, p.Log)

	d.mu.Lock()
	d.beginBatch()
	d.runHookLocked("onInit", d.arch.Hooks.OnInit, nil, nil)
	d.flushBatchLocked()
	d.ensureRunningTimerLocked()
	d.mu.Unlock()
	return d
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// ArchGuid returns the guid of the architecture device this instance was
// created from.
func (d *Device) ArchGuid() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arch.Guid
}

// Events exposes the device's lifecycle event bus.
func (d *Device) Events() *eventbus.TypedBus[Event] { return d.bus }

// IsConnected reports the transport connection state.
func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Status snapshots the device state.
func (d *Device) Status() model.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	attrs := make(map[string]any, len(d.attrs))
	for k, v := range d.attrs {
		attrs[k] = v
	}
	devType := d.arch.DeviceType
	if d.motion != nil {
		devType = model.DeviceTypeCar
	} else if devType == "" {
		devType = "device"
	}
	return model.DeviceStatus{
		DeviceID:       d.id,
		DeviceType:     devType,
		ArchDeviceGuid: d.arch.Guid,
		Connected:      d.connected,
		Attributes:     attrs,
	}
}

// Connect attempts the transport connection. Failures are reported through
// the event bus, never returned: authentication rejections permanently halt
// reconnects, other failures count against the retry cap that the registry
// sweep resets.
func (d *Device) Connect() {
	d.mu.Lock()
	if d.destroyed || d.connected || d.connecting || d.authFailed {
		d.mu.Unlock()
		return
	}
	if d.connectFailures >= d.retryCap {
		d.mu.Unlock()
		return
	}
	d.connecting = true
	conn := d.conn
	d.mu.Unlock()

	err := conn.Connect()

	d.mu.Lock()
	d.connecting = false
	if d.destroyed {
		d.mu.Unlock()
		conn.Disconnect()
		return
	}
	if err != nil {
		d.connectFailures++
		if errors.Is(err, transport.ErrNotAuthorized) {
			d.authFailed = true
			d.log.Errorf("%s: authentication rejected, reconnects disabled: %v", d.id, err)
		}
		d.mu.Unlock()
		d.bus.Publish(Event{Kind: EventConnectionError, DeviceID: d.id, Error: err.Error()})
		return
	}
	d.connected = true
	d.connectFailures = 0
	topic := transport.CommandTopic(d.sessionID, d.id)
	if serr := conn.Subscribe(topic, d.onTransportMessage); serr != nil {
		d.log.Errorf("%s: subscribe %s: %v", d.id, topic, serr)
	}
	d.startOutputTimersLocked()
	d.beginBatch()
	d.runHookLocked("onConnected", d.arch.Hooks.OnConnected, nil, nil)
	d.flushBatchLocked()
	d.mu.Unlock()
	d.bus.Publish(Event{Kind: EventConnected, DeviceID: d.id})
}

// Disconnect drops the transport connection. Disconnecting an already
// disconnected device is a silent no-op.
func (d *Device) Disconnect() {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	d.stopOutputTimersLocked()
	conn := d.conn
	d.mu.Unlock()
	conn.Disconnect()
	d.bus.Publish(Event{Kind: EventDisconnected, DeviceID: d.id})
}

// ResetRetries clears the connect-failure counter when it exceeded the
// threshold, letting a stuck device try again. Called by the registry sweep.
func (d *Device) ResetRetries(threshold int) {
	d.mu.Lock()
	if d.connectFailures >= threshold {
		d.connectFailures = 0
	}
	d.mu.Unlock()
}

// SetAttribute applies an externally requested attribute change. Only
// declared attributes are accepted.
func (d *Device) SetAttribute(name string, value any) bool {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.arch.Attribute(name); !ok {
		d.mu.Unlock()
		return false
	}
	d.beginBatch()
	d.setAttrLocked(name, value)
	d.flushBatchLocked()
	d.mu.Unlock()
	return true
}

// HandleCommand dispatches an inbound command: the motion capability first,
// then the onMessageReception hook with the command payload.
func (d *Device) HandleCommand(cmd model.Command) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.beginBatch()
	if d.motion != nil {
		d.motion.OnCommand(hostAdapter{d}, cmd)
	}
	payload := map[string]any{"name": cmd.Name}
	for k, v := range cmd.Params {
		payload[k] = v
	}
	d.runHookLocked("onMessageReception", d.arch.Hooks.OnMessageReception,
		[]string{"message"}, []any{payload})
	d.flushBatchLocked()
	d.mu.Unlock()
}

// ResetArch rebinds the device to an updated architecture definition.
// Attributes that survive by name keep their value, removed ones disappear,
// new ones get their default.
func (d *Device) ResetArch(def model.ArchitectureDevice) {
	d.mu.Lock()
	attrs := make(map[string]any, len(def.Attributes))
	for _, at := range def.Attributes {
		if v, ok := d.attrs[at.Name]; ok {
			attrs[at.Name] = v
		} else {
			attrs[at.Name] = at.DefaultValue
		}
	}
	d.arch = def
	d.attrs = attrs
	if d.connected {
		d.stopOutputTimersLocked()
		d.startOutputTimersLocked()
	}
	d.ensureRunningTimerLocked()
	d.mu.Unlock()
}

// Destroy stops all timers, disconnects and closes the event bus. Terminal.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	if d.runningStop != nil {
		close(d.runningStop)
		d.runningStop = nil
	}
	d.stopOutputTimersLocked()
	wasConnected := d.connected
	d.connected = false
	conn := d.conn
	d.mu.Unlock()
	if wasConnected {
		conn.Disconnect()
	}
	d.bus.Close()
}

func (d *Device) onTransportMessage(_ string, payload []byte) {
	var cmd model.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.log.Errorf("%s: decode command: %v", d.id, err)
		return
	}
	d.HandleCommand(cmd)
}

// tick is one running-timer step: onRunning hook, then the motion model when
// connected.
func (d *Device) tick() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.beginBatch()
	d.runHookLocked("onRunning", d.arch.Hooks.OnRunning, nil, nil)
	if d.motion != nil && d.connected {
		d.motion.OnTick(hostAdapter{d})
	}
	d.flushBatchLocked()
	d.mu.Unlock()
}

func (d *Device) ensureRunningTimerLocked() {
	want := !d.arch.Hooks.OnRunning.Empty() || d.motion != nil
	if !want || d.destroyed || d.runningStop != nil {
		return
	}
	period := DefaultRunningPeriod
	if d.arch.RunningPeriodSeconds > 0 {
		period = time.Duration(d.arch.RunningPeriodSeconds * float64(time.Second))
	}
	stop := make(chan struct{})
	d.runningStop = stop
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				d.tick()
			}
		}
	}()
}

func (d *Device) startOutputTimersLocked() {
	if d.outputsStop != nil {
		return
	}
	stop := make(chan struct{})
	d.outputsStop = stop
	for _, msg := range d.arch.OutputMessages {
		if msg.PeriodSeconds <= 0 {
			continue
		}
		name := msg.Name
		period := time.Duration(msg.PeriodSeconds * float64(time.Second))
		go func() {
			t := time.NewTicker(period)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					d.mu.Lock()
					d.sendMessageLocked(name)
					d.mu.Unlock()
				}
			}
		}()
	}
}

func (d *Device) stopOutputTimersLocked() {
	if d.outputsStop != nil {
		close(d.outputsStop)
		d.outputsStop = nil
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)         {}
func (nopLogger) Debugw(string, map[string]any) {}
func (nopLogger) Infof(string, ...any)          {}
func (nopLogger) Warnf(string, ...any)          {}
func (nopLogger) Errorf(string, ...any)         {}
