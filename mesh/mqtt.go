package mesh

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// CloudHandler is called for every cloud message on a subscribed topic.
// doc is nil when decoding failed; err then says why.
type CloudHandler func(topic string, doc *CloudDocument, err error)

// TriggerHandler is called when a re-registration is requested for a pair.
type TriggerHandler func(pairID string)

// MQTTClient manages the broker connection and the cloud topic subscriptions.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	cloudHandler   CloudHandler
	triggerHandler TriggerHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client for the configured broker and starts
// connecting in the background.
// With no broker from MQTT_BROKER or the config, MQTT is disabled and this
// returns nil, nil.
func InitMQTT(config *Config, handler CloudHandler) (*MQTTClient, error) {
	broker := envOr("MQTT_BROKER", configValue(config, func(c *Config) string { return c.MQTT.Broker }))
	if broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config == nil || len(config.Pairs) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no pairs configured")
	}

	client := &MQTTClient{
		config:       config,
		cloudHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(envOr("MQTT_CLIENT_ID", config.MQTT.ClientID, "cloudmesh"))

	if username := envOr("MQTT_USERNAME", config.MQTT.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.MQTT.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Registrations run in the handler; messages of one topic must stay ordered.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// envOr returns the environment variable if set, else the first non-empty fallback.
func envOr(key string, fallbacks ...string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}

func configValue(c *Config, get func(*Config) string) string {
	if c == nil {
		return ""
	}
	return get(c)
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Info("Connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Info("Connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Warn("MQTT connection failed", "err", token.Error())
		} else {
			log.Warn("MQTT connection timeout")
		}

		log.Info("Retrying MQTT connection", "in", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// Topics returns every distinct cloud topic of the configured pairs, sorted.
func (c *MQTTClient) Topics() []string {
	set := make(map[string]bool)
	for _, p := range c.config.Pairs {
		set[p.SourceTopic] = true
		if p.TargetTopic != "" {
			set[p.TargetTopic] = true
		}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// triggerFilter is the subscription for re-registration requests.
func (c *MQTTClient) triggerFilter() string {
	return fmt.Sprintf("%s/+/register", publishPrefix(c.config))
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Info("MQTT connected, subscribing to cloud topics")
	c.setConnected(true)

	for _, topic := range c.Topics() {
		token := client.Subscribe(topic, 0, c.createCloudHandler())
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Error("Subscribe failed", "topic", topic, "err", token.Error())
		} else {
			log.Debug("Subscribed", "topic", topic)
		}
	}

	filter := c.triggerFilter()
	token := client.Subscribe(filter, 0, c.createTriggerHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Error("Subscribe failed", "topic", filter, "err", token.Error())
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Warn("MQTT connection interrupted, auto-reconnect will retry", "err", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Info("MQTT reconnecting")
}

// createCloudHandler decodes cloud payloads and forwards them.
func (c *MQTTClient) createCloudHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Debug("Received cloud", "topic", msg.Topic(), "bytes", len(payload))

		doc, err := DecodeCloudData(payload)
		if err != nil {
			log.Error("Decoding cloud failed", "topic", msg.Topic(), "err", err)
		}
		if c.cloudHandler != nil {
			c.cloudHandler(msg.Topic(), doc, err)
		}
	}
}

// pairFromTriggerTopic extracts the pair ID from "<prefix>/<pair>/register".
func pairFromTriggerTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/register")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// createTriggerHandler forwards re-registration requests for known pairs.
func (c *MQTTClient) createTriggerHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		id, ok := pairFromTriggerTopic(publishPrefix(c.config), msg.Topic())
		if !ok || c.config.GetPairByID(id) == nil {
			log.Warn("Ignoring registration request for unknown pair", "topic", msg.Topic())
			return
		}
		log.Info("Registration requested", "pair", id)
		if handler := c.getTriggerHandler(); handler != nil {
			handler(id)
		}
	}
}

// SetTriggerHandler registers a callback for re-registration requests
func (c *MQTTClient) SetTriggerHandler(handler TriggerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerHandler = handler
}

func (c *MQTTClient) getTriggerHandler() TriggerHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler CloudHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		cloudHandler: handler,
	}
}

// publishPrefix returns the configured topic prefix or the default.
func publishPrefix(c *Config) string {
	if c != nil && c.MQTT.PublishPrefix != "" {
		return c.MQTT.PublishPrefix
	}
	return "cloudmesh"
}
