package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleet-dispatch/internal/delivery/application"
)

// Config holds broker connection settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	// TopicPrefix is joined with the device id: <prefix>/<deviceID>.
	TopicPrefix string
	SendTimeout time.Duration
}

// Transport publishes push messages to per-device MQTT topics. It implements
// the delivery engine's push-transport port.
type Transport struct {
	client mqtt.Client
	cfg    Config
	logger *log.Logger
}

// NewTransport builds the client. Connect must be called before Send.
func NewTransport(cfg Config, logger *log.Logger) (*Transport, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleet-dispatch"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fleet/devices"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		logger.Printf("mqtt connected: %s", cfg.BrokerURL)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Printf("mqtt connection lost: %v", err)
	}

	return &Transport{client: mqtt.NewClient(opts), cfg: cfg, logger: logger}, nil
}

// Connect dials the broker, retrying with doubling backoff until the context
// is cancelled.
func (t *Transport) Connect(ctx context.Context, start, max time.Duration) error {
	if t == nil || t.client == nil {
		return errors.New("mqtt: nil client")
	}
	if start <= 0 {
		start = time.Second
	}
	if max < start {
		max = start
	}
	backoff := start
	for {
		token := t.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		t.logger.Printf("mqtt connect error: %v; retrying in %s", token.Error(), backoff)
		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close disconnects from the broker.
func (t *Transport) Close() {
	if t == nil || t.client == nil {
		return
	}
	t.client.Disconnect(250)
}

// Send publishes one message to the device's topic.
func (t *Transport) Send(ctx context.Context, deviceID string, message application.PushMessage) (*application.PushResult, error) {
	if t == nil || t.client == nil {
		return nil, errors.New("mqtt: nil client")
	}
	if deviceID == "" {
		return nil, errors.New("mqtt: device id required")
	}
	if !t.client.IsConnectionOpen() {
		return &application.PushResult{Success: false, Error: "mqtt: not connected"}, nil
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	topic := t.cfg.TopicPrefix + "/" + deviceID
	token := t.client.Publish(topic, t.cfg.QoS, false, body)

	timeout := t.cfg.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return &application.PushResult{Success: false, Error: "mqtt: publish timeout"}, nil
	}
	if err := token.Error(); err != nil {
		return &application.PushResult{Success: false, Error: err.Error()}, nil
	}
	return &application.PushResult{Success: true, MessageID: message.ID}, nil
}
