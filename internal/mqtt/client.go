// Package mqtt is the node's broker transport: it publishes retained
// telemetry after each reading and feeds remote commands (update triggers,
// factory reset) into a queue that the wake cycle drains synchronously.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/voltlog/battery-node/internal/devconf"
)

// DefaultTopicBase is the prefix for all telemetry and command topics.
const DefaultTopicBase = "battery/monitor"

const (
	publishTimeout = 5 * time.Second
	commandQueue   = 8
)

// CommandKind identifies a remote command.
type CommandKind int

const (
	// CmdUpdateTrigger requests an OTA update. Arg is the artifact path,
	// empty for network-upload mode.
	CmdUpdateTrigger CommandKind = iota
	// CmdFactoryReset wipes the durable store.
	CmdFactoryReset
)

// Command is one validated inbound message.
type Command struct {
	Kind CommandKind
	Arg  string
}

// Telemetry is the per-wake report published to the broker.
type Telemetry struct {
	Voltage     float32 `json:"voltage"`
	Percent     float32 `json:"percentage"`
	Status      string  `json:"status"`
	BatteryType string  `json:"type"`
	BootCount   int     `json:"boot"`
	RSSI        int     `json:"rssi"`
}

// Client wraps the paho MQTT client with the node's topic layout.
type Client struct {
	log       *logrus.Logger
	inner     paho.Client
	topicBase string
	cmds      chan Command
}

func NewClient(log *logrus.Logger, conf *devconf.Config, topicBase string) *Client {
	c := &Client{
		log:       log,
		topicBase: topicBase,
		cmds:      make(chan Command, commandQueue),
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", conf.BrokerHost, conf.BrokerPort)).
		SetClientID(conf.ClientID).
		SetUsername(conf.BrokerUser).
		SetPassword(conf.BrokerPass).
		// Keep the session so QoS 1 commands queued while the device
		// slept are delivered on reconnect.
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	c.inner = paho.NewClient(opts)
	return c
}

// Connect dials the broker and subscribes to the command topics, bounded
// by the given timeout. Failure is expected and non-fatal to the wake.
func (c *Client) Connect(timeout time.Duration) error {
	token := c.inner.Connect()
	if !token.WaitTimeout(timeout) {
		return errors.New("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	subs := map[string]paho.MessageHandler{
		c.topicBase + "/ota":   c.onUpdateMessage,
		c.topicBase + "/reset": c.onResetMessage,
	}
	for topic, handler := range subs {
		t := c.inner.Subscribe(topic, 1, handler)
		if !t.WaitTimeout(timeout) || t.Error() != nil {
			c.inner.Disconnect(0)
			return fmt.Errorf("subscribing to %s failed", topic)
		}
	}
	c.log.Infof("Connected to broker, subscribed under %s", c.topicBase)
	return nil
}

// Connected reports whether the broker session is up.
func (c *Client) Connected() bool {
	return c.inner.IsConnected()
}

func (c *Client) Disconnect() {
	c.inner.Disconnect(250)
}

// Commands is the inbound command queue. The wake-cycle controller drains
// it synchronously during its bounded poll window.
func (c *Client) Commands() <-chan Command {
	return c.cmds
}

// PublishTelemetry publishes the reading as individual retained values
// plus a single JSON document.
func (c *Client) PublishTelemetry(t Telemetry) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	values := []struct {
		topic, value string
	}{
		{"voltage", fmt.Sprintf("%.2f", t.Voltage)},
		{"percentage", fmt.Sprintf("%.1f", t.Percent)},
		{"status", t.Status},
		{"type", t.BatteryType},
		{"boot_count", fmt.Sprintf("%d", t.BootCount)},
		{"rssi", fmt.Sprintf("%d", t.RSSI)},
		{"json", string(payload)},
	}
	for _, v := range values {
		token := c.inner.Publish(c.topicBase+"/"+v.topic, 1, true, v.value)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish of %s timed out", v.topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish of %s: %w", v.topic, err)
		}
	}
	return nil
}

func (c *Client) onUpdateMessage(client paho.Client, msg paho.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	// An empty message is our own retained clear echoed back by the
	// broker; reacting to it would publish another clear and loop forever.
	// Generic updates are triggered with the "update"/"ota" tokens instead.
	if raw == "" {
		return
	}
	c.log.Infof("Update trigger on %s: %q", msg.Topic(), raw)

	// Clear the retained trigger first so a reboot can't replay it.
	client.Publish(msg.Topic(), 1, true, "")

	filename, err := ParseUpdatePayload(raw)
	if err != nil {
		c.log.Errorf("Rejected update trigger: %v", err)
		return
	}
	c.enqueue(Command{Kind: CmdUpdateTrigger, Arg: filename})
}

func (c *Client) onResetMessage(client paho.Client, msg paho.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	if !strings.EqualFold(raw, "nvs") && !strings.EqualFold(raw, "config") {
		c.log.Warnf("Ignoring reset message without confirmation token: %q", raw)
		return
	}
	c.log.Warn("Factory reset requested over broker")
	c.enqueue(Command{Kind: CmdFactoryReset})
}

func (c *Client) enqueue(cmd Command) {
	select {
	case c.cmds <- cmd:
	default:
		c.log.Warn("Command queue full, dropping inbound command")
	}
}

// ParseUpdatePayload validates an update-trigger payload. An empty payload
// or a generic token selects network-upload mode; anything else must be a
// plain artifact path with no backslashes or colons (rejects Windows-style
// paths and full URLs).
func ParseUpdatePayload(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" || strings.EqualFold(payload, "update") || strings.EqualFold(payload, "ota") {
		return "", nil
	}
	if strings.ContainsAny(payload, "\\:") {
		return "", fmt.Errorf("artifact path %q must not contain backslashes or colons", payload)
	}
	return payload, nil
}
