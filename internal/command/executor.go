// Package command executes relay toggle commands against the cloud provider
// with optimistic local feedback.
//
// A toggle applies the desired switch position to the state store before the
// provider has acknowledged it, so the UI reacts instantly. If the command
// then fails, or the device turns out to have no live session, the overlay is
// rolled back to the value read before the command. Successful commands are
// followed by a delayed status confirmation so physical failures still
// surface shortly after.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/plugsync-core/internal/device"
)

// Logger defines the logging interface used by the executor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SessionResolver resolves a device's current cloud session ID.
type SessionResolver interface {
	ResolveSession(deviceID string) (string, bool)
}

// ControlSender issues a relay control command for a live session.
type ControlSender interface {
	SendControl(ctx context.Context, sessionID string, turnOn bool) error
}

// Confirmer schedules a delayed authoritative status check after a command
// was acknowledged, to catch plugs that acknowledged but did not act.
type Confirmer interface {
	ScheduleConfirm(deviceID string)
}

// Deps holds the dependencies required by the executor.
type Deps struct {
	Store     *device.Store
	Sessions  SessionResolver
	Sender    ControlSender
	Confirmer Confirmer

	// CommandTimeout bounds the provider round-trip for one command.
	CommandTimeout time.Duration

	Logger Logger
}

// defaultCommandTimeout applies when no timeout is configured.
const defaultCommandTimeout = 10 * time.Second

// Executor runs toggle commands with optimistic apply and rollback.
//
// Thread Safety: all methods are safe for concurrent use. No store lock is
// held across the network call.
type Executor struct {
	store          *device.Store
	sessions       SessionResolver
	sender         ControlSender
	confirmer      Confirmer
	commandTimeout time.Duration
	logger         Logger
}

// NewExecutor creates a command executor.
func NewExecutor(deps Deps) (*Executor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session resolver is required")
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("control sender is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	timeout := deps.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	return &Executor{
		store:          deps.Store,
		sessions:       deps.Sessions,
		sender:         deps.Sender,
		confirmer:      deps.Confirmer,
		commandTimeout: timeout,
		logger:         logger,
	}, nil
}

// Toggle drives the device's relay to the desired position.
//
// The desired state is applied to the cache optimistically before the
// provider call. On any failure the cache is restored to the switch position
// read before the command, unless a fresher write (a device event or a
// reconciliation pass) has already superseded the optimistic value, in which
// case the rollback loses conflict resolution and the fresher truth stands.
//
// Returns:
//   - error: nil on acknowledged commands; ErrUnmappedDevice when the device
//     has no live session (no network call is made); ErrCommandFailed when
//     the provider rejected the command or the round-trip timed out;
//     device.ErrDeviceNotFound for unknown devices
func (e *Executor) Toggle(ctx context.Context, deviceID string, desiredOn bool) error {
	cmdID := uuid.New().String()

	prev, err := e.store.Get(deviceID)
	if err != nil {
		return err
	}
	prevOn := prev.RelayOn

	// Optimistic overlay. Stamped now so the later rollback (also stamped at
	// its own wall time) is admitted by conflict resolution.
	on := desiredOn
	if _, err := e.store.Apply(deviceID, device.Patch{RelayOn: &on}, device.SourceOptimistic); err != nil {
		return err
	}

	e.logger.Info("toggle command issued",
		"command_id", cmdID,
		"device_id", deviceID,
		"desired_on", desiredOn,
	)

	sessionID, ok := e.sessions.ResolveSession(deviceID)
	if !ok {
		e.rollback(deviceID, prevOn, cmdID)
		e.logger.Warn("toggle rejected, no live session", "command_id", cmdID, "device_id", deviceID)
		return fmt.Errorf("%w: %s", ErrUnmappedDevice, deviceID)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()

	if err := e.sender.SendControl(callCtx, sessionID, desiredOn); err != nil {
		e.rollback(deviceID, prevOn, cmdID)
		e.logger.Warn("toggle failed",
			"command_id", cmdID,
			"device_id", deviceID,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	e.logger.Debug("toggle acknowledged", "command_id", cmdID, "device_id", deviceID)

	if e.confirmer != nil {
		e.confirmer.ScheduleConfirm(deviceID)
	}
	return nil
}

// rollback restores the pre-command switch position.
func (e *Executor) rollback(deviceID string, prevOn bool, cmdID string) {
	if _, err := e.store.Apply(deviceID, device.Patch{RelayOn: &prevOn}, device.SourceOptimistic); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return
		}
		e.logger.Error("rollback failed",
			"command_id", cmdID,
			"device_id", deviceID,
			"error", err,
		)
	}
}
