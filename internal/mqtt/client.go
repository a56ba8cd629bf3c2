package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"mistcharge/internal/dashboard"
	"mistcharge/internal/syncer"
)

// Reading is one telemetry value received from the collector.
type Reading struct {
	Sensor string
	Value  any
	// Timestamp is when the device took the reading; zero when the payload
	// carries no usable timestamp.
	Timestamp time.Time
}

type ReadingHandler func(Reading)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
	// ConnectTimeout bounds the initial connect. The client keeps retrying in
	// the background after it expires.
	ConnectTimeout time.Duration
}

// Client subscribes to collector telemetry and publishes sync results. A
// disabled client accepts every call and does nothing.
type Client struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
	handler     ReadingHandler
	log         *logrus.Entry
}

var sensorTopics = []string{
	dashboard.SensorTemperature,
	dashboard.SensorHumidity,
	dashboard.SensorWaterLevel,
	dashboard.SensorBattery,
	dashboard.SensorWaterQuality,
}

func NewClient(cfg Config, handler ReadingHandler, log *logrus.Entry) (*Client, error) {
	if !cfg.Enabled {
		return &Client{enabled: false, log: log}, nil
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		topicPrefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		enabled:     true,
		handler:     handler,
		log:         log,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(c.onConnect)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		log.Warnf("MQTT broker %s not reachable yet, retrying in background", cfg.Broker)
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return c, nil
}

// onConnect (re)subscribes on every connect so subscriptions survive a
// reconnect with a clean session.
func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info("MQTT connected")
	if c.handler == nil {
		return
	}

	filters := make(map[string]byte, len(sensorTopics)+1)
	for _, name := range sensorTopics {
		filters[c.topic("sensors", name)] = 0
	}
	filters[c.topic("status", dashboard.SensorPower)] = 0

	token := client.SubscribeMultiple(filters, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.WithError(err).Error("Failed to subscribe to telemetry")
		return
	}
	c.log.Infof("Subscribed to %d telemetry topics", len(filters))
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	reading, err := ParseReading(c.topicPrefix, msg.Topic(), msg.Payload())
	if err != nil {
		c.log.WithError(err).WithField("topic", msg.Topic()).Warn("Ignoring telemetry message")
		return
	}
	c.handler(reading)
}

// ParseReading maps a telemetry message to a reading. Payloads are either
// {"value": ..., "timestamp": ...} or a bare JSON value; anything that is not
// JSON is taken as a plain string.
func ParseReading(prefix, topic string, payload []byte) (Reading, error) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return Reading{}, fmt.Errorf("topic %s outside prefix %s", topic, prefix)
	}

	var sensor string
	switch {
	case rest == "status/"+dashboard.SensorPower:
		sensor = dashboard.SensorPower
	case strings.HasPrefix(rest, "sensors/"):
		sensor = strings.TrimPrefix(rest, "sensors/")
	default:
		return Reading{}, fmt.Errorf("unknown telemetry topic %s", topic)
	}

	value, at := decodePayload(payload)
	return Reading{Sensor: sensor, Value: value, Timestamp: at}, nil
}

func decodePayload(payload []byte) (any, time.Time) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, time.Time{}
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(trimmed), time.Time{}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj["value"], parseTimestamp(obj["timestamp"])
	}
	return v, time.Time{}
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds.
func parseTimestamp(raw any) time.Time {
	switch ts := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	case json.Number:
		ms, err := ts.Int64()
		if err != nil || ms <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(ms).UTC()
	default:
		return time.Time{}
	}
}

type syncStatus struct {
	syncer.Result
	Timestamp time.Time `json:"timestamp"`
}

// PublishSyncResult publishes the outcome of a sync cycle as a retained
// message on <prefix>/app/sync.
func (c *Client) PublishSyncResult(res syncer.Result) error {
	if !c.enabled {
		return nil
	}

	payload, err := json.Marshal(syncStatus{Result: res, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal sync status: %w", err)
	}

	topic := c.topic("app", "sync")
	token := c.client.Publish(topic, 0, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) topic(parts ...string) string {
	return c.topicPrefix + "/" + strings.Join(parts, "/")
}

func (c *Client) IsConnected() bool {
	if !c.enabled {
		return false
	}
	return c.client.IsConnected()
}

func (c *Client) Close() {
	if c.enabled && c.client != nil {
		c.client.Disconnect(1000)
	}
}
