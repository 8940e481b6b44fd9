package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	commands "fleet-dispatch/internal/commands/domain"
	"fleet-dispatch/internal/enrollment"
	fleetapp "fleet-dispatch/internal/fleet/application"
)

// FleetService is the device-facing surface of the fleet context.
type FleetService interface {
	Enroll(ctx context.Context, enrollmentID string, req enrollment.Request) (*fleetapp.EnrollResult, error)
	Heartbeat(ctx context.Context, req fleetapp.HeartbeatRequest) (*fleetapp.HeartbeatResult, error)
}

// CommandLifecycle is the device-callback surface of the command context.
type CommandLifecycle interface {
	Acknowledge(ctx context.Context, id string) (*commands.Command, error)
	Complete(ctx context.Context, id string, result commands.Result) (*commands.Command, error)
	Fail(ctx context.Context, id, errMsg string) (*commands.Command, error)
}

// Uplink consumes device-originated messages. Devices publish to
// <prefix>-uplink/<deviceID>/<kind> with kind one of enroll, heartbeat, ack
// or result; replies go out on the device's downlink topic.
type Uplink struct {
	transport *Transport
	fleet     FleetService
	cmds      CommandLifecycle
	logger    *log.Logger
}

// NewUplink constructs an uplink consumer.
func NewUplink(transport *Transport, fleet FleetService, cmds CommandLifecycle, logger *log.Logger) (*Uplink, error) {
	if transport == nil {
		return nil, errors.New("mqtt uplink: nil transport")
	}
	if fleet == nil {
		return nil, errors.New("mqtt uplink: nil fleet service")
	}
	if cmds == nil {
		return nil, errors.New("mqtt uplink: nil command lifecycle")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Uplink{transport: transport, fleet: fleet, cmds: cmds, logger: logger}, nil
}

func (u *Uplink) uplinkPrefix() string {
	return u.transport.cfg.TopicPrefix + "-uplink"
}

// Subscribe registers the uplink handler with the broker. Call after the
// transport connected.
func (u *Uplink) Subscribe() error {
	if u == nil || u.transport == nil || u.transport.client == nil {
		return errors.New("mqtt uplink: nil client")
	}
	topic := u.uplinkPrefix() + "/#"
	token := u.transport.client.Subscribe(topic, u.transport.cfg.QoS, u.handle)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	u.logger.Printf("mqtt subscribed: %s", topic)
	return nil
}

func (u *Uplink) handle(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rest := strings.TrimPrefix(msg.Topic(), u.uplinkPrefix()+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		u.logger.Printf("mqtt uplink: unexpected topic %s", msg.Topic())
		return
	}
	deviceID, kind := parts[0], parts[1]

	var err error
	switch kind {
	case "enroll":
		err = u.handleEnroll(ctx, deviceID, msg.Payload())
	case "heartbeat":
		err = u.handleHeartbeat(ctx, deviceID, msg.Payload())
	case "ack":
		err = u.handleAck(ctx, msg.Payload())
	case "result":
		err = u.handleResult(ctx, msg.Payload())
	default:
		u.logger.Printf("mqtt uplink: unknown kind %q device=%s", kind, deviceID)
		return
	}
	if err != nil {
		u.logger.Printf("mqtt uplink: %s failed device=%s: %v", kind, deviceID, err)
	}
}

// The enrollment topic's device segment carries the enrollment id: the
// device does not have a fleet id yet.
func (u *Uplink) handleEnroll(ctx context.Context, enrollmentID string, payload []byte) error {
	var req enrollment.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	result, err := u.fleet.Enroll(ctx, enrollmentID, req)
	if err != nil {
		return err
	}
	reply, err := json.Marshal(map[string]string{
		"device_id":  result.Device.ID,
		"credential": result.Credential,
	})
	if err != nil {
		return err
	}
	return u.reply(result.Device.ID, reply)
}

func (u *Uplink) handleHeartbeat(ctx context.Context, deviceID string, payload []byte) error {
	req := fleetapp.HeartbeatRequest{DeviceID: deviceID}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		req.DeviceID = deviceID
	}
	result, err := u.fleet.Heartbeat(ctx, req)
	if err != nil {
		return err
	}
	if len(result.PendingCommands) == 0 {
		return nil
	}
	reply, err := json.Marshal(map[string]any{
		"pending_commands": result.PendingCommands,
		"policy_id":        result.PolicyID,
	})
	if err != nil {
		return err
	}
	return u.reply(deviceID, reply)
}

type ackPayload struct {
	CommandID string `json:"command_id"`
}

func (u *Uplink) handleAck(ctx context.Context, payload []byte) error {
	var ack ackPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}
	if ack.CommandID == "" {
		return errors.New("mqtt uplink: ack without command id")
	}
	_, err := u.cmds.Acknowledge(ctx, ack.CommandID)
	return err
}

type resultPayload struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (u *Uplink) handleResult(ctx context.Context, payload []byte) error {
	var result resultPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	if result.CommandID == "" {
		return errors.New("mqtt uplink: result without command id")
	}
	if !result.Success {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = result.Message
		}
		_, err := u.cmds.Fail(ctx, result.CommandID, errMsg)
		return err
	}
	_, err := u.cmds.Complete(ctx, result.CommandID, commands.Result{
		Success: true,
		Message: result.Message,
		Data:    result.Data,
	})
	return err
}

func (u *Uplink) reply(deviceID string, payload []byte) error {
	topic := u.transport.cfg.TopicPrefix + "/" + deviceID
	token := u.transport.client.Publish(topic, u.transport.cfg.QoS, false, payload)
	if !token.WaitTimeout(u.transport.cfg.SendTimeout) {
		return errors.New("mqtt uplink: reply publish timeout")
	}
	return token.Error()
}
