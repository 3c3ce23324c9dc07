package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/roomfi/roomfi/pkg/localizer"
	"github.com/roomfi/roomfi/pkg/logx"
	"github.com/roomfi/roomfi/pkg/scan"
	"github.com/roomfi/roomfi/pkg/stats"
)

const publishTimeout = 2 * time.Second

// broker is the part of the paho client the publisher uses.
type broker interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
}

// Client publishes location estimates and telemetry and listens for
// motion events.
type Client struct {
	mu          sync.RWMutex
	client      broker
	logger      *logx.Logger
	config      *Config
	connected   bool
	lastPublish time.Time

	onMotion func(scan.Motion)
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		TopicPrefix: "roomfi",
		QoS:         1,
		Retain:      true,
		Enabled:     false,
	}
}

// Topic joins the configured prefix and a suffix.
func (c *Config) Topic(suffix string) string {
	return strings.TrimSuffix(c.TopicPrefix, "/") + "/" + suffix
}

// NewClient creates a new MQTT client. An empty client id gets a random one
// so several daemons can share a broker.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config.ClientID == "" {
		config.ClientID = "roomfid-" + uuid.NewString()[:8]
	}
	return &Client{
		logger: logger,
		config: config,
	}
}

// OnMotion registers the handler for messages on <prefix>/motion.
func (c *Client) OnMotion(fn func(scan.Motion)) {
	c.mu.Lock()
	c.onMotion = fn
	c.mu.Unlock()
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.config.Topic("status"), "offline", byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := MQTT.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	// with connect retry the token only completes once a connection succeeds
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		c.logger.Warn("MQTT broker unreachable, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
		"client_id", c.config.ClientID,
	)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.connected {
		c.client.Publish(c.config.Topic("status"), byte(c.config.QoS), true, "offline").WaitTimeout(time.Second)
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

// onConnect runs on every (re)connect; subscriptions do not survive a
// clean session so they are renewed here.
func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("MQTT connection established")

	if err := c.publish(c.config.Topic("status"), []byte("online"), true); err != nil {
		c.logger.Warn("publish online status failed", "error", err)
	}
	if err := c.Subscribe(c.config.Topic("motion"), func(_ MQTT.Client, msg MQTT.Message) {
		c.handleMotion(msg.Payload())
	}); err != nil {
		c.logger.Error("subscribe motion topic failed", "error", err)
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", "error", err)
}

// handleMotion accepts either a bare state name or {"state": "..."}.
func (c *Client) handleMotion(payload []byte) {
	raw := strings.TrimSpace(string(payload))
	var msg struct {
		State string `json:"state"`
	}
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("bad motion payload", "payload", raw, "error", err)
			return
		}
		raw = msg.State
	}
	m, err := scan.ParseMotion(strings.ToLower(raw))
	if err != nil {
		c.logger.Warn("unknown motion state", "state", raw)
		return
	}

	c.mu.RLock()
	fn := c.onMotion
	c.mu.RUnlock()
	c.logger.Debug("motion change received", "state", m.String())
	if fn != nil {
		fn(m)
	}
}

// PublishEstimate publishes the estimate to <prefix>/estimate. It satisfies
// localizer.Publisher.
func (c *Client) PublishEstimate(est localizer.Estimate) error {
	if !c.ready() {
		return nil
	}
	payload := struct {
		localizer.Estimate
		Known bool `json:"known"`
	}{est, est.Known()}
	return c.publishJSON(c.config.Topic("estimate"), payload)
}

// PublishStats publishes a telemetry snapshot to <prefix>/stats.
func (c *Client) PublishStats(snap stats.Snapshot) error {
	if !c.ready() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now().Unix(),
		"stats":     snap,
	}
	return c.publishJSON(c.config.Topic("stats"), payload)
}

func (c *Client) ready() bool {
	if !c.config.Enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.publish(topic, data, c.config.Retain)
}

func (c *Client) publish(topic string, data []byte, retain bool) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil
	}

	// publishes run on the localizer loop, so never wait on a stalled broker
	token := client.Publish(topic, byte(c.config.QoS), retain, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %v", topic, publishTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPublish
}

// Subscribe subscribes to an MQTT topic
func (c *Client) Subscribe(topic string, handler MQTT.MessageHandler) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if !c.config.Enabled || client == nil {
		return nil
	}

	token := client.Subscribe(topic, byte(c.config.QoS), handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}
