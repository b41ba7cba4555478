// Package mqtt bridges device commands and the device list to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"haptic-controller/internal/config"
	"haptic-controller/internal/core"
)

// Client subscribes to command topics under the configured prefix and
// forwards what it receives to the agent.
//
//	<prefix>/device/<index>/vibrate/set  "0.5" or "0.5,0.2"
//	<prefix>/device/<index>/rotate/set   "0.5" or "0.5,ccw"
//	<prefix>/device/<index>/stop         any payload
//	<prefix>/stop                        any payload
//	<prefix>/pattern/run                 pattern file name
//	<prefix>/pattern/stop                any payload
//
// It publishes the device list to <prefix>/devices, the running pattern to
// <prefix>/pattern/state and its own liveness to <prefix>/availability.
type Client struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	commands core.CommandChannel
	prefix   string
}

// NewClient creates the client, or returns nil when MQTT is disabled.
func NewClient(cfg config.MQTTConfig, commands core.CommandChannel) *Client {
	if !cfg.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep retrying at startup; the broker may come up after us.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		cfg:      cfg,
		commands: commands,
		prefix:   prefix,
	}

	opts.SetOnConnectHandler(c.onConnect)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("[MQTT] Connection lost: %v. Retrying in background...", err)
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		log.Println("[MQTT] Attempting to reconnect...")
	})

	c.client = mqtt.NewClient(opts)

	return c
}

// Connect starts the connection. With connect retry enabled an error here
// points at configuration rather than reachability.
func (c *Client) Connect() error {
	if c == nil || c.client == nil {
		return nil
	}
	log.Printf("[MQTT] Starting connection loop to %s...", c.cfg.Broker)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		log.Printf("[MQTT] Initial connection error: %v", token.Error())
		return token.Error()
	}

	return nil
}

// Disconnect publishes the offline status and closes the connection.
func (c *Client) Disconnect() {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}
	log.Println("[MQTT] Disconnecting...")

	token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
	if token.WaitTimeout(2 * time.Second) {
		if token.Error() != nil {
			log.Printf("[MQTT] Warning: failed to publish offline status: %v", token.Error())
		}
	} else {
		log.Println("[MQTT] Warning: timed out publishing offline status")
	}

	c.client.Disconnect(250)
	log.Println("[MQTT] Disconnected.")
}

// Publish sends payload to <prefix>/<subtopic> without waiting for the
// broker.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	token := c.client.Publish(topic, 0, retained, payload)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				log.Printf("[MQTT] Publish error to %s: %v", topic, token.Error())
			}
		} else {
			log.Printf("[MQTT] Timeout publishing to %s", topic)
		}
	}()
}

// PublishDevices publishes the connected device list as retained JSON.
func (c *Client) PublishDevices(devices []core.DeviceInfo) {
	if c == nil {
		return
	}
	data, err := json.Marshal(devices)
	if err != nil {
		log.Printf("[MQTT] Could not encode device list: %v", err)
		return
	}
	c.Publish("devices", data, true)
}

// PublishPattern publishes the running pattern name; empty when idle.
func (c *Client) PublishPattern(name string) {
	c.Publish("pattern/state", name, true)
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected to broker.")

	topics := []string{
		"device/+/vibrate/set",
		"device/+/rotate/set",
		"device/+/stop",
		"stop",
		"pattern/run",
		"pattern/stop",
	}
	for _, sub := range topics {
		topic := fmt.Sprintf("%s/%s", c.prefix, sub)
		if token := client.Subscribe(topic, 1, c.handleMessage); token.Wait() && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", topic)
		}
	}

	// onConnect runs on paho's event goroutine; do not wait on publishes here.
	go c.Publish("availability", "online", true)
}

func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseMessage(c.prefix, msg.Topic(), msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Ignoring message on %s: %v", msg.Topic(), err)
		return
	}
	reply := make(chan error, 1)
	cmd.Reply = reply
	c.commands <- cmd
	go func() {
		select {
		case err := <-reply:
			if err != nil {
				log.Printf("[MQTT] Command from %s failed: %v", msg.Topic(), err)
			}
		case <-time.After(10 * time.Second):
			log.Printf("[MQTT] No result for command from %s", msg.Topic())
		}
	}()
}

// ParseMessage translates a message on one of the command topics into an
// agent command.
func ParseMessage(prefix, topic string, payload []byte) (core.Command, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return core.Command{}, fmt.Errorf("topic outside %q", prefix)
	}
	body := strings.TrimSpace(string(payload))
	parts := strings.Split(rest, "/")

	switch {
	case rest == "stop":
		return core.Command{Type: core.CmdStopAll}, nil
	case rest == "pattern/run":
		if body == "" {
			return core.Command{}, fmt.Errorf("pattern name expected")
		}
		return core.Command{Type: core.CmdRunPattern, Payload: map[string]interface{}{"name": body}}, nil
	case rest == "pattern/stop":
		return core.Command{Type: core.CmdStopPattern}, nil
	case len(parts) >= 3 && parts[0] == "device":
		idx, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return core.Command{}, fmt.Errorf("bad device index %q", parts[1])
		}
		device := float64(idx)
		switch strings.Join(parts[2:], "/") {
		case "stop":
			return core.Command{Type: core.CmdStopDevice, Payload: map[string]interface{}{"device": device}}, nil
		case "vibrate/set":
			values, err := parseValues(body)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Type: core.CmdVibrate, Payload: map[string]interface{}{"device": device, "values": values}}, nil
		case "rotate/set":
			speedStr, dir, _ := strings.Cut(body, ",")
			speed, err := strconv.ParseFloat(strings.TrimSpace(speedStr), 64)
			if err != nil {
				return core.Command{}, fmt.Errorf("bad speed %q", speedStr)
			}
			clockwise := true
			switch strings.ToLower(strings.TrimSpace(dir)) {
			case "", "cw":
			case "ccw":
				clockwise = false
			default:
				return core.Command{}, fmt.Errorf("bad direction %q", dir)
			}
			return core.Command{Type: core.CmdRotate, Payload: map[string]interface{}{
				"device":    device,
				"speed":     speed,
				"clockwise": clockwise,
			}}, nil
		}
	}
	return core.Command{}, fmt.Errorf("unknown topic %q", topic)
}

func parseValues(body string) ([]interface{}, error) {
	if body == "" {
		return nil, fmt.Errorf("value expected")
	}
	var values []interface{}
	for _, f := range strings.Split(body, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", f)
		}
		values = append(values, v)
	}
	return values, nil
}
