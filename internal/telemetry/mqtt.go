package telemetry

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/ultralight/internal/monitoring"
)

const publishTimeout = 5 * time.Second

// disconnectQuiesce is how long, in milliseconds, Close lets in-flight
// publishes finish.
const disconnectQuiesce = 250

// Publisher is the subset of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each row as JSON to "<topic>/<kind>". Publishing does
// not block the caller; delivery failures are logged.
type MQTTSink struct {
	client Publisher
	topic  string
	closed atomic.Bool
}

// NewMQTTSink creates a sink over a connected client.
func NewMQTTSink(client Publisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

type mqttPayload struct {
	Kind   string  `json:"kind"`
	TS     float64 `json:"ts"`
	Fields []any   `json:"fields"`
}

func (s *MQTTSink) Record(kind string, ts time.Time, fields ...any) error {
	if fields == nil {
		fields = []any{}
	}
	payload, err := json.Marshal(mqttPayload{
		Kind:   kind,
		TS:     float64(ts.UnixMicro()) / 1e6,
		Fields: fields,
	})
	if err != nil {
		return fmt.Errorf("encode mqtt payload: %w", err)
	}

	topic := s.topic + "/" + kind
	token := s.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			monitoring.Debugf("telemetry: mqtt publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			monitoring.Logf("telemetry: mqtt publish to %s: %v", topic, err)
		}
	}()
	return nil
}

// Close disconnects the client when it supports disconnecting (an
// mqtt.Client does). Close is safe to call more than once.
func (s *MQTTSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if d, ok := s.client.(interface{ Disconnect(quiesce uint) }); ok {
		d.Disconnect(disconnectQuiesce)
	}
	return nil
}

// DialMQTT connects to broker (e.g. "tcp://localhost:1883") with automatic
// reconnects.
func DialMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Logf("telemetry: mqtt connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	monitoring.Logf("telemetry: connected to %s as %s", broker, clientID)
	return client, nil
}
