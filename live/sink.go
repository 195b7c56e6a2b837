package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loxone-admin/metrics"
	"loxone-admin/protocol"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Sink receives every value event applied by the listener
type Sink interface {
	PublishValue(ev protocol.ValueEvent) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev protocol.ValueEvent) error

func (f SinkFunc) PublishValue(ev protocol.ValueEvent) error { return f(ev) }

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// MQTTOptions configures an MQTTSink
type MQTTOptions struct {
	Broker      string
	ClientID    string // generated when empty
	Username    string
	Password    string
	TopicPrefix string
	ConfigID    string
	QoS         byte
	Retained    bool
	Metrics     *metrics.Metrics
}

// publisher is the part of the paho client used by MQTTSink
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink republishes value events to <prefix>/<configId>/values/<uuid>
type MQTTSink struct {
	client   publisher
	prefix   string
	configID string
	qos      byte
	retained bool
	metrics  *metrics.Metrics
}

type mqttValue struct {
	UUID    string  `json:"uuid"`
	Value   float64 `json:"value"`
	Created int64   `json:"created,omitempty"`
}

// NewMQTTSink connects to the broker
func NewMQTTSink(opts MQTTOptions) (*MQTTSink, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "loxone-admin-" + uuid.NewString()[:8]
	}
	co := pahomqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", opts.Broker, "err", err)
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout after %v", opts.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	slog.Info("connected to mqtt broker", "broker", opts.Broker, "client_id", clientID)

	return newMQTTSink(client, opts), nil
}

func newMQTTSink(client publisher, opts MQTTOptions) *MQTTSink {
	return &MQTTSink{
		client:   client,
		prefix:   strings.TrimSuffix(opts.TopicPrefix, "/"),
		configID: opts.ConfigID,
		qos:      opts.QoS,
		retained: opts.Retained,
		metrics:  opts.Metrics,
	}
}

// Topic returns the topic a value of uuid is published to
func (s *MQTTSink) Topic(uuid string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/values/%s", s.configID, uuid)
	}
	return fmt.Sprintf("%s/%s/values/%s", s.prefix, s.configID, uuid)
}

// PublishValue publishes ev as JSON
func (s *MQTTSink) PublishValue(ev protocol.ValueEvent) error {
	msg := mqttValue{UUID: ev.UUID, Value: ev.Value}
	if !ev.Created.IsZero() {
		msg.Created = ev.Created.UnixMilli()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	token := s.client.Publish(s.Topic(ev.UUID), s.qos, s.retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		s.metrics.Published(false)
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		s.metrics.Published(false)
		return fmt.Errorf("mqtt publish: %w", err)
	}
	s.metrics.Published(true)
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
