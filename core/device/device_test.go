package device

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/transport"
)

func trackerArch() model.ArchitectureDevice {
	return model.ArchitectureDevice{
		Guid: "tracker",
		Attributes: []model.AttributeDef{
			{Name: "lat", DataType: "number", DefaultValue: 0.0},
			{Name: "lng", DataType: "number", DefaultValue: 0.0},
			{Name: "speed", DataType: "number", DefaultValue: 0.0},
		},
		OutputMessages: []model.OutputMessageDef{
			{Name: "position", Attributes: []string{"lat", "lng"}, OnChange: []string{"lat", "lng"}},
			{Name: "velocity", Attributes: []string{"speed"}, OnChange: []string{"speed"}},
		},
	}
}

func newTestDevice(t *testing.T, arch model.ArchitectureDevice, inst model.DeviceInstance) (*Device, *transport.MockConnector) {
	t.Helper()
	conn := transport.NewMockConnector()
	if inst.DeviceID == "" {
		inst.DeviceID = "dev-1"
	}
	d := New(Params{
		SessionID: "sess-1",
		Instance:  inst,
		Arch:      arch,
		Connector: conn,
	})
	t.Cleanup(d.Destroy)
	return d, conn
}

// collect drains the device bus into a slice the test can poll.
func collect(d *Device) func() []Event {
	sub := d.Events().Subscribe()
	var mu sync.Mutex
	var events []Event
	go func() {
		for ev := range sub {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
}

func hasKind(events []Event, kind EventKind) bool {
	for _, ev := range events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestNewSeedsAttributes(t *testing.T) {
	d, _ := newTestDevice(t, trackerArch(), model.DeviceInstance{
		DeviceID: "dev-1",
		LastAttributes: map[string]any{
			"lat":      48.85,
			"odometer": 1234.0, // not declared, must be ignored
		},
	})

	st := d.Status()
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.Equal(t, "tracker", st.ArchDeviceGuid)
	assert.Equal(t, 48.85, st.Attributes["lat"], "last known value wins over the default")
	assert.Equal(t, 0.0, st.Attributes["lng"])
	assert.NotContains(t, st.Attributes, "odometer")
	assert.False(t, st.Connected)
}

func TestOnInitHookRunsAtConstruction(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnInit = &model.HookSpec{Fn: func(host model.HookHost, _ []any) {
		host.SetAttribute("speed", 30.0)
	}}
	d, _ := newTestDevice(t, arch, model.DeviceInstance{})
	assert.Equal(t, 30.0, d.Status().Attributes["speed"])
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	d, conn := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	events := collect(d)

	d.Connect()
	assert.True(t, d.IsConnected())
	require.Eventually(t, func() bool {
		return hasKind(events(), EventConnected)
	}, time.Second, 5*time.Millisecond)

	d.Connect()
	assert.Equal(t, 1, countKind(events(), EventConnected), "repeat connect is a no-op")

	d.Disconnect()
	assert.False(t, d.IsConnected())
	assert.False(t, conn.IsConnected())
	require.Eventually(t, func() bool {
		return hasKind(events(), EventDisconnected)
	}, time.Second, 5*time.Millisecond)

	d.Disconnect()
	assert.Equal(t, 1, countKind(events(), EventDisconnected), "repeat disconnect is silent")
}

func TestConnectRunsOnConnectedHook(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnConnected = &model.HookSpec{Fn: func(host model.HookHost, _ []any) {
		host.SetAttribute("speed", 5.0)
	}}
	d, _ := newTestDevice(t, arch, model.DeviceInstance{})
	d.Connect()
	assert.Equal(t, 5.0, d.Status().Attributes["speed"])
}

func TestAuthRejectionDisablesReconnects(t *testing.T) {
	d, conn := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	events := collect(d)
	conn.ConnectErr = transport.ErrNotAuthorized

	d.Connect()
	require.Eventually(t, func() bool {
		return hasKind(events(), EventConnectionError)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, d.IsConnected())

	conn.ConnectErr = nil
	d.Connect()
	assert.False(t, d.IsConnected(), "auth rejection is permanent")
}

func TestRetryCapAndSweepReset(t *testing.T) {
	conn := transport.NewMockConnector()
	conn.ConnectErr = transport.ErrNotConnected
	d := New(Params{
		SessionID: "sess-1",
		Instance:  model.DeviceInstance{DeviceID: "dev-1"},
		Arch:      trackerArch(),
		Connector: conn,
		RetryCap:  2,
	})
	t.Cleanup(d.Destroy)
	events := collect(d)

	d.Connect()
	d.Connect()
	d.Connect()
	require.Eventually(t, func() bool {
		return countKind(events(), EventConnectionError) == 2
	}, time.Second, 5*time.Millisecond)

	d.ResetRetries(2)
	d.Connect()
	require.Eventually(t, func() bool {
		return countKind(events(), EventConnectionError) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSetAttributeDedupAndEvents(t *testing.T) {
	d, _ := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	events := collect(d)

	assert.True(t, d.SetAttribute("speed", 50.0))
	require.Eventually(t, func() bool {
		return countKind(events(), EventAttributesChanged) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, d.SetAttribute("speed", 50.0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, countKind(events(), EventAttributesChanged), "unchanged value triggers nothing")

	assert.False(t, d.SetAttribute("warpDrive", 9.0))
}

func TestBatchSendsTriggeredMessageOnce(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnMessageReception = &model.HookSpec{Fn: func(host model.HookHost, _ []any) {
		host.SetAttribute("lat", 48.85)
		host.SetAttribute("lng", 2.35)
	}}
	d, conn := newTestDevice(t, arch, model.DeviceInstance{})
	events := collect(d)
	d.Connect()

	d.HandleCommand(model.Command{Name: "relocate"})

	topic := transport.MessageTopic("sess-1", "dev-1", "position")
	sent := conn.Sent(topic)
	require.Len(t, sent, 1, "both changes trigger the message once per batch")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &payload))
	assert.Equal(t, "dev-1", payload["deviceID"])
	assert.Equal(t, "position", payload["message"])
	assert.Equal(t, 48.85, payload["lat"])
	assert.Equal(t, 2.35, payload["lng"])
	assert.Contains(t, payload, "timestamp")

	assert.Empty(t, conn.Sent(transport.MessageTopic("sess-1", "dev-1", "velocity")))

	require.Eventually(t, func() bool {
		for _, ev := range events() {
			if ev.Kind == EventAttributesChanged && len(ev.Changed) == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestMessagesDroppedWhileDisconnected(t *testing.T) {
	d, conn := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	assert.True(t, d.SetAttribute("lat", 1.0))
	assert.Empty(t, conn.Sent(transport.MessageTopic("sess-1", "dev-1", "position")))
}

func TestInboundCommandDispatch(t *testing.T) {
	arch := trackerArch()
	var got map[string]any
	arch.Hooks.OnMessageReception = &model.HookSpec{Fn: func(host model.HookHost, args []any) {
		got, _ = args[0].(map[string]any)
	}}
	d, conn := newTestDevice(t, arch, model.DeviceInstance{})
	d.Connect()

	conn.Inject(transport.CommandTopic("sess-1", "dev-1"),
		[]byte(`{"name":"lock","params":{"reason":"maintenance"}}`))

	require.NotNil(t, got)
	assert.Equal(t, "lock", got["name"])
	assert.Equal(t, "maintenance", got["reason"])
}

func TestScriptHooks(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnInit = &model.HookSpec{Source: `setAttribute('speed', 42);`}
	d, _ := newTestDevice(t, arch, model.DeviceInstance{})
	assert.Equal(t, int64(42), d.Status().Attributes["speed"])
}

func TestScriptCompileErrorReportedOnce(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnMessageReception = &model.HookSpec{Source: `this is not javascript`}
	d, _ := newTestDevice(t, arch, model.DeviceInstance{})
	events := collect(d)

	d.HandleCommand(model.Command{Name: "ping"})
	require.Eventually(t, func() bool {
		return countKind(events(), EventBehaviorCodeError) == 1
	}, time.Second, 5*time.Millisecond)

	d.HandleCommand(model.Command{Name: "ping"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, countKind(events(), EventBehaviorCodeError), "invalid code is reported once and never retried")
}

func TestScriptRuntimeErrorReportedPerInvocation(t *testing.T) {
	arch := trackerArch()
	arch.Hooks.OnMessageReception = &model.HookSpec{Source: `throw new Error('boom');`}
	d, _ := newTestDevice(t, arch, model.DeviceInstance{})
	events := collect(d)

	d.HandleCommand(model.Command{Name: "ping"})
	d.HandleCommand(model.Command{Name: "ping"})
	require.Eventually(t, func() bool {
		return countKind(events(), EventBehaviorRuntimeError) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestResetArchPreservesSurvivingValues(t *testing.T) {
	d, _ := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	require.True(t, d.SetAttribute("speed", 33.0))

	d.ResetArch(model.ArchitectureDevice{
		Guid: "tracker",
		Attributes: []model.AttributeDef{
			{Name: "speed", DataType: "number", DefaultValue: 0.0},
			{Name: "battery", DataType: "number", DefaultValue: 100.0},
		},
	})

	st := d.Status()
	assert.Equal(t, 33.0, st.Attributes["speed"])
	assert.Equal(t, 100.0, st.Attributes["battery"])
	assert.NotContains(t, st.Attributes, "lat")
}

func TestRunningTimerDrivesHook(t *testing.T) {
	arch := trackerArch()
	arch.RunningPeriodSeconds = 0.01
	var mu sync.Mutex
	ticks := 0
	arch.Hooks.OnRunning = &model.HookSpec{Fn: func(model.HookHost, []any) {
		mu.Lock()
		ticks++
		mu.Unlock()
	}}
	newTestDevice(t, arch, model.DeviceInstance{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestPeriodicOutputMessages(t *testing.T) {
	arch := trackerArch()
	arch.OutputMessages = append(arch.OutputMessages, model.OutputMessageDef{
		Name:          "heartbeat",
		Attributes:    []string{"speed"},
		PeriodSeconds: 0.01,
	})
	d, conn := newTestDevice(t, arch, model.DeviceInstance{})
	topic := transport.MessageTopic("sess-1", "dev-1", "heartbeat")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, conn.Sent(topic), "periodic emission only runs while connected")

	d.Connect()
	require.Eventually(t, func() bool {
		return len(conn.Sent(topic)) >= 2
	}, time.Second, 5*time.Millisecond)

	d.Disconnect()
	n := len(conn.Sent(topic))
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, len(conn.Sent(topic)), n+1, "timers stop on disconnect")
}

func TestDestroyIsTerminal(t *testing.T) {
	d, conn := newTestDevice(t, trackerArch(), model.DeviceInstance{})
	d.Connect()
	d.Destroy()

	assert.False(t, d.IsConnected())
	assert.False(t, conn.IsConnected())
	assert.False(t, d.SetAttribute("speed", 1.0))
	d.Destroy()
}
