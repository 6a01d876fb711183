// Package mqtt provides the paho-backed broker connector virtual devices
// speak over.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/openfleet/carsim/core/transport"
	"github.com/openfleet/carsim/infra/logger"
)

// Config defines the connection parameters shared by every simulated device.
type Config struct {
	Broker     string `json:"broker"`
	UseTLS     bool   `json:"use_tls"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	CABundle   string `json:"ca_bundle"`
	QoS        byte   `json:"qos"`

	TLSConfig *tls.Config `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
}

// LoadTLSConfig loads the TLS configuration from the file paths in the
// config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// pahoClient is the slice of paho.Client the connector uses. Narrowed for
// testability.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Connector implements transport.Connector on Eclipse Paho. One Connector
// serves one device; reconnect policy is owned by the device, so paho's
// auto-reconnect stays off.
type Connector struct {
	cli pahoClient
	qos byte
	log logger.Logger
}

var newPahoClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewFactory returns a transport.Factory producing paho connectors for the
// configured broker.
func NewFactory(cfg Config) (transport.Factory, error) {
	var tlsCfg *tls.Config
	if cfg.UseTLS {
		var err error
		tlsCfg, err = cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	return func(sessionID, deviceID, username, password string) (transport.Connector, error) {
		opts := paho.NewClientOptions().
			AddBroker(cfg.Broker).
			SetClientID(fmt.Sprintf("carsim-%s-%s", sessionID, deviceID)).
			SetConnectTimeout(5 * time.Second).
			SetAutoReconnect(false)
		if username != "" {
			opts.SetUsername(username)
			opts.SetPassword(password)
		}
		if tlsCfg != nil {
			opts.SetTLSConfig(tlsCfg)
		}
		return &Connector{
			cli: newPahoClient(opts),
			qos: cfg.QoS,
			log: logger.New("mqtt-connector"),
		}, nil
	}, nil
}

// Connect dials the broker. Authentication rejections are mapped to
// transport.ErrNotAuthorized so the device stops retrying.
func (c *Connector) Connect() error {
	token := c.cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		if isAuthError(err) {
			return fmt.Errorf("%w: %v", transport.ErrNotAuthorized, err)
		}
		return err
	}
	return nil
}

func isAuthError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedIDRejected)
}

// Disconnect closes the broker connection, allowing in-flight messages a
// short quiesce.
func (c *Connector) Disconnect() {
	if c.cli.IsConnected() {
		c.cli.Disconnect(250)
	}
}

func (c *Connector) IsConnected() bool { return c.cli.IsConnected() }

// Publish sends the payload on the topic.
func (c *Connector) Publish(topic string, payload []byte) error {
	if !c.cli.IsConnected() {
		return transport.ErrNotConnected
	}
	token := c.cli.Publish(topic, c.qos, false, payload)
	token.Wait()
	return token.Error()
}

// Subscribe registers the handler for inbound payloads on the topic.
func (c *Connector) Subscribe(topic string, handler transport.MessageHandler) error {
	token := c.cli.Subscribe(topic, c.qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}
