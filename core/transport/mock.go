package transport

import "sync"

// MockConnector is an in-memory Connector used in tests and in broker-less
// demo runs.
type MockConnector struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]MessageHandler

	// ConnectErr is returned by Connect when set, simulating broker
	// failures or auth rejections.
	ConnectErr error
	// Published records every payload by topic.
	Published map[string][][]byte
}

// NewMockConnector creates a disconnected MockConnector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		handlers:  make(map[string]MessageHandler),
		Published: make(map[string][][]byte),
	}
}

func (m *MockConnector) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockConnector) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.Published[topic] = append(m.Published[topic], payload)
	return nil
}

func (m *MockConnector) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.handlers[topic] = handler
	return nil
}

// Inject delivers a payload to the handler subscribed on topic, as if it
// arrived from the broker.
func (m *MockConnector) Inject(topic string, payload []byte) {
	m.mu.Lock()
	h := m.handlers[topic]
	m.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// Sent returns the payloads published on topic.
func (m *MockConnector) Sent(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Published[topic]
}
