package mqtt

import (
	"fmt"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/carsim/core/transport"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePaho struct {
	connected  bool
	connectErr error

	published map[string][]byte
	callbacks map[string]paho.MessageHandler
}

func newFakePaho() *fakePaho {
	return &fakePaho{
		published: make(map[string][]byte),
		callbacks: make(map[string]paho.MessageHandler),
	}
}

func (f *fakePaho) IsConnected() bool { return f.connected }

func (f *fakePaho) Connect() paho.Token {
	if f.connectErr != nil {
		return fakeToken{err: f.connectErr}
	}
	f.connected = true
	return fakeToken{}
}

func (f *fakePaho) Disconnect(uint) { f.connected = false }

func (f *fakePaho) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.published[topic] = payload.([]byte)
	return fakeToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.callbacks[topic] = cb
	return fakeToken{}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func withFakePaho(t *testing.T, f *fakePaho) {
	t.Helper()
	orig := newPahoClient
	newPahoClient = func(*paho.ClientOptions) pahoClient { return f }
	t.Cleanup(func() { newPahoClient = orig })
}

func newTestConnector(t *testing.T, f *fakePaho) transport.Connector {
	t.Helper()
	withFakePaho(t, f)
	factory, err := NewFactory(Config{Broker: "tcp://broker:1883"})
	require.NoError(t, err)
	conn, err := factory("sess-1", "car-1", "car", "secret")
	require.NoError(t, err)
	return conn
}

func TestConnectorLifecycle(t *testing.T) {
	f := newFakePaho()
	conn := newTestConnector(t, f)

	require.NoError(t, conn.Connect())
	assert.True(t, conn.IsConnected())
	conn.Disconnect()
	assert.False(t, conn.IsConnected())
}

func TestConnectorMapsAuthRejections(t *testing.T) {
	for _, cause := range []error{
		packets.ErrorRefusedNotAuthorised,
		packets.ErrorRefusedBadUsernameOrPassword,
		packets.ErrorRefusedIDRejected,
	} {
		f := newFakePaho()
		f.connectErr = cause
		conn := newTestConnector(t, f)

		err := conn.Connect()
		assert.ErrorIs(t, err, transport.ErrNotAuthorized, cause.Error())
	}
}

func TestConnectorPassesThroughOtherErrors(t *testing.T) {
	f := newFakePaho()
	f.connectErr = fmt.Errorf("network unreachable")
	conn := newTestConnector(t, f)

	err := conn.Connect()
	require.Error(t, err)
	assert.NotErrorIs(t, err, transport.ErrNotAuthorized)
}

func TestConnectorPublish(t *testing.T) {
	f := newFakePaho()
	conn := newTestConnector(t, f)

	err := conn.Publish("carshare/sess-1/car-1/message/position", []byte(`{}`))
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, conn.Connect())
	require.NoError(t, conn.Publish("carshare/sess-1/car-1/message/position", []byte(`{"lat":1}`)))
	assert.Equal(t, []byte(`{"lat":1}`), f.published["carshare/sess-1/car-1/message/position"])
}

func TestConnectorSubscribeDeliversPayloads(t *testing.T) {
	f := newFakePaho()
	conn := newTestConnector(t, f)
	require.NoError(t, conn.Connect())

	var gotTopic string
	var gotPayload []byte
	topic := transport.CommandTopic("sess-1", "car-1")
	require.NoError(t, conn.Subscribe(topic, func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}))

	cb := f.callbacks[topic]
	require.NotNil(t, cb)
	cb(nil, fakeMessage{topic: topic, payload: []byte(`{"name":"lock"}`)})
	assert.Equal(t, topic, gotTopic)
	assert.Equal(t, []byte(`{"name":"lock"}`), gotPayload)
}
