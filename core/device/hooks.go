package device

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/openfleet/carsim/core/behavior"
	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/transport"
)

// hostAdapter exposes the whitelisted capability surface to behavior hooks
// and the motion model. Its methods assume the device lock is already held:
// they are only reachable from within hook or motion dispatch.
type hostAdapter struct{ d *Device }

func (h hostAdapter) DeviceID() string { return h.d.id }

func (h hostAdapter) GetAttribute(name string) (any, bool) {
	v, ok := h.d.attrs[name]
	return v, ok
}

func (h hostAdapter) SetAttribute(name string, value any) {
	h.d.setAttrLocked(name, value)
}

func (h hostAdapter) SendMessage(name string) {
	h.d.sendMessageLocked(name)
}

// setAttrLocked records an attribute change into the current batch. Unknown
// attributes are dropped, unchanged values do not trigger anything.
func (d *Device) setAttrLocked(name string, value any) {
	if _, ok := d.arch.Attribute(name); !ok {
		return
	}
	if cur, ok := d.attrs[name]; ok && reflect.DeepEqual(cur, value) {
		return
	}
	d.attrs[name] = value
	if d.pending != nil {
		d.pending[name] = value
	}
}

func (d *Device) beginBatch() {
	d.pending = make(map[string]any)
}

// flushBatchLocked closes the change batch: each output message whose
// on-change trigger set intersects the changed attributes is sent exactly
// once, then a single attributes-changed event lists every change.
func (d *Device) flushBatchLocked() {
	changed := d.pending
	d.pending = nil
	if len(changed) == 0 {
		return
	}
	for _, msg := range d.arch.OutputMessages {
		triggered := false
		for _, attr := range msg.OnChange {
			if _, ok := changed[attr]; ok {
				triggered = true
				break
			}
		}
		if triggered {
			d.sendMessageLocked(msg.Name)
		}
	}
	d.bus.Publish(Event{Kind: EventAttributesChanged, DeviceID: d.id, Changed: changed})
}

// sendMessageLocked builds the payload from the message's declared attribute
// list and delivers it over the transport. Disconnected devices drop the
// message; there is no queuing.
func (d *Device) sendMessageLocked(name string) {
	var def *model.OutputMessageDef
	for i := range d.arch.OutputMessages {
		if d.arch.OutputMessages[i].Name == name {
			def = &d.arch.OutputMessages[i]
			break
		}
	}
	if def == nil {
		d.log.Errorf("%s: unknown output message %q", d.id, name)
		return
	}
	if !d.connected {
		d.log.Errorf("%s: dropping message %q: not connected", d.id, name)
		return
	}
	payload := map[string]any{
		"deviceID":  d.id,
		"message":   name,
		"timestamp": time.Now().UnixMilli(),
	}
	for _, attr := range def.Attributes {
		if v, ok := d.attrs[attr]; ok {
			payload[attr] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.log.Errorf("%s: marshal message %q: %v", d.id, name, err)
		return
	}
	topic := transport.MessageTopic(d.sessionID, d.id, name)
	if err := d.conn.Publish(topic, data); err != nil {
		d.log.Errorf("%s: publish %q: %v", d.id, name, err)
	}
}

// runHookLocked compiles (via the shared cache) and invokes one behavior
// hook. Compile failures are cached permanently and reported once; runtime
// failures are reported per invocation. The device keeps running either way.
func (d *Device) runHookLocked(name string, spec *model.HookSpec, defaultArgs []string, argv []any) {
	if spec.Empty() {
		return
	}
	if spec.Fn != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					d.bus.Publish(Event{Kind: EventBehaviorRuntimeError, DeviceID: d.id, Hook: name, Error: toErrString(rec)})
				}
			}()
			spec.Fn(hostAdapter{d}, argv)
		}()
		return
	}
	args := spec.Args
	if len(args) == 0 {
		args = defaultArgs
	}
	prog, err := d.cache.Program(d.arch.Guid, name, args, spec.Source)
	if err != nil {
		d.bus.Publish(Event{Kind: EventBehaviorCodeError, DeviceID: d.id, Hook: name, Error: err.Error()})
		return
	}
	if prog == nil {
		// Cached invalid sentinel: already reported, never retried.
		return
	}
	key := behavior.Key(d.arch.Guid, name, args, spec.Source)
	if err := d.runner.Invoke(key, prog, argv); err != nil {
		d.bus.Publish(Event{Kind: EventBehaviorRuntimeError, DeviceID: d.id, Hook: name, Error: err.Error()})
	}
}

func toErrString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
