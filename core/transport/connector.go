// Package transport abstracts the broker connection a virtual device speaks
// over. The engine only depends on this interface; the paho-backed
// implementation lives in infra/mqtt.
package transport

import (
	"errors"
	"fmt"
)

// ErrNotAuthorized reports an authentication rejection from the broker.
// Devices stop reconnecting permanently when they see it.
var ErrNotAuthorized = errors.New("transport: not authorized")

// ErrNotConnected reports a publish attempted while disconnected.
var ErrNotConnected = errors.New("transport: not connected")

// MessageHandler receives inbound payloads for a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Connector is one device's connection to the broker.
type Connector interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

// Factory builds a Connector for one device of a session. The engine calls
// it once per device instance.
type Factory func(sessionID, deviceID, username, password string) (Connector, error)

// MessageTopic is the topic a device publishes the named output message on.
func MessageTopic(sessionID, deviceID, message string) string {
	return fmt.Sprintf("carshare/%s/%s/message/%s", sessionID, deviceID, message)
}

// CommandTopic is the topic a device receives inbound commands on.
func CommandTopic(sessionID, deviceID string) string {
	return fmt.Sprintf("carshare/%s/%s/command", sessionID, deviceID)
}
