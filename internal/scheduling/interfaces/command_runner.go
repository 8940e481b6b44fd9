package interfaces

import (
	"context"
	"errors"
	"fmt"
	"log"

	commandsapp "fleet-dispatch/internal/commands/application"
	commands "fleet-dispatch/internal/commands/domain"
	fleet "fleet-dispatch/internal/fleet/domain"
	scheduling "fleet-dispatch/internal/scheduling/domain"
)

// CommandSender queues a device command.
type CommandSender interface {
	Send(ctx context.Context, req commandsapp.SendRequest) (*commands.Command, error)
}

// DeviceReader resolves a task target to devices.
type DeviceReader interface {
	Get(ctx context.Context, id string) (*fleet.Device, error)
	List(ctx context.Context, status string) ([]fleet.Device, error)
}

// ErrTargetNotSupported is returned for target selectors this deployment
// cannot resolve.
var ErrTargetNotSupported = errors.New("scheduling: target selector not supported")

// CommandTaskRunner fires a scheduled task by queuing its task type as a
// command to every targeted device.
type CommandTaskRunner struct {
	cmds    CommandSender
	devices DeviceReader
	logger  *log.Logger
}

// NewCommandTaskRunner constructs a runner.
func NewCommandTaskRunner(cmds CommandSender, devices DeviceReader, logger *log.Logger) (*CommandTaskRunner, error) {
	if cmds == nil {
		return nil, errors.New("scheduling: nil command sender")
	}
	if devices == nil {
		return nil, errors.New("scheduling: nil device reader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandTaskRunner{cmds: cmds, devices: devices, logger: logger}, nil
}

// Run resolves the target and queues one command per device. Per-device
// failures are counted, not fatal; an unresolvable target fails the run.
func (r *CommandTaskRunner) Run(ctx context.Context, task scheduling.ScheduledTask) (int, int, error) {
	targets, err := r.resolve(ctx, task.Target)
	if err != nil {
		return 0, 0, err
	}

	successCount, failureCount := 0, 0
	for _, deviceID := range targets {
		_, err := r.cmds.Send(ctx, commandsapp.SendRequest{
			DeviceID:       deviceID,
			CommandType:    task.TaskType,
			Payload:        task.Payload,
			IdempotencyKey: fmt.Sprintf("%s|%s|%d", task.ID, deviceID, task.NextRunAt.Unix()),
		})
		if err != nil {
			failureCount++
			r.logger.Printf("scheduling: command send failed task=%s device=%s: %v", task.ID, deviceID, err)
			continue
		}
		successCount++
	}
	return successCount, failureCount, nil
}

func (r *CommandTaskRunner) resolve(ctx context.Context, target scheduling.Target) ([]string, error) {
	switch {
	case target.DeviceID != "":
		device, err := r.devices.Get(ctx, target.DeviceID)
		if err != nil {
			return nil, err
		}
		if device.Terminal() {
			return nil, nil
		}
		return []string{device.ID}, nil
	case target.PolicyID != "":
		devices, err := r.devices.List(ctx, fleet.StatusEnrolled)
		if err != nil {
			return nil, err
		}
		var targets []string
		for _, device := range devices {
			if device.PolicyID == target.PolicyID {
				targets = append(targets, device.ID)
			}
		}
		return targets, nil
	case target.GroupID != "":
		// Device groups live outside this deployment's store.
		return nil, ErrTargetNotSupported
	}
	return nil, errors.New("scheduling: task target required")
}
