package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Device Controller
// ============================================================================
// Translates high-level playback intents into CEC bridge commands against a
// single audio device discovered at startup, and provides debounced
// power-down via a cancellable delayed standby.
// ============================================================================

// ConstructionError indicates the controller could not be set up: the bridge
// process was unreachable or no audio device was discovered on the bus.
type ConstructionError struct {
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("device controller setup: %v", e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// DeviceController drives one audio device on the CEC bus.
//
// The mutex guards the pending-timer reference, which is touched from two
// execution contexts: callers of PowerOn/Standby/DelayedStandby and the fired
// timer callback. Cancel-then-replace is always done under the lock, so a
// cancelled timer's callback can never standby the device after a newer
// request superseded it.
type DeviceController struct {
	mu           sync.Mutex
	bridge       cecBridge
	address      int
	standbyTimer *time.Timer
	closed       bool
	logger       *slog.Logger
}

// NewDeviceController discovers the audio device behind the bridge and
// returns a controller bound to its logical address.
func NewDeviceController(bridge cecBridge, logger *slog.Logger) (*DeviceController, error) {
	out, err := bridge.Request(cmdListActiveDevices)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	addr, err := parseLogicalAddress(out)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	logger.Info("audio device discovered", "logical_address", addr)

	return &DeviceController{
		bridge:  bridge,
		address: addr,
		logger:  logger,
	}, nil
}

// parseLogicalAddress scans bridge output for a "logical address" line and
// extracts the address as the line's trailing token.
func parseLogicalAddress(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(strings.ToLower(line), logicalAddressToken) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		addr, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || addr < 0 {
			continue
		}
		return addr, nil
	}
	return 0, errors.New("no audio device logical address in bridge output")
}

// Address returns the discovered CEC logical address.
func (c *DeviceController) Address() int { return c.address }

// PowerOn wakes the audio device. A pending delayed standby is cancelled
// unconditionally before the command is sent.
func (c *DeviceController) PowerOn() error {
	c.cancelPendingStandby()
	_, err := c.bridge.Request(fmt.Sprintf("on %d", c.address))
	return err
}

// Standby puts the audio device on standby immediately. A pending delayed
// standby is cancelled unconditionally before the command is sent.
func (c *DeviceController) Standby() error {
	c.cancelPendingStandby()
	_, err := c.bridge.Request(fmt.Sprintf("standby %d", c.address))
	return err
}

// DelayedStandby schedules a standby after the given delay, superseding any
// pending one. At most one timer is ever live.
func (c *DeviceController) DelayedStandby(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelPendingLocked()

	var t *time.Timer
	t = time.AfterFunc(delay, func() { c.fireStandby(t) })
	c.standbyTimer = t

	c.logger.Debug("standby scheduled", "delay", delay)
}

// fireStandby runs on the timer's goroutine. The identity check under the
// lock is what makes cancellation atomic with respect to firing: a timer that
// was cancelled or superseded between scheduling and firing finds it is no
// longer the pending timer and does nothing.
func (c *DeviceController) fireStandby(t *time.Timer) {
	c.mu.Lock()
	if c.closed || c.standbyTimer != t {
		c.mu.Unlock()
		return
	}
	c.standbyTimer = nil
	c.mu.Unlock()

	if err := c.Standby(); err != nil {
		c.logger.Error("delayed standby failed", "error", err)
	}
}

func (c *DeviceController) cancelPendingStandby() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked()
}

func (c *DeviceController) cancelPendingLocked() {
	if c.standbyTimer == nil {
		return
	}
	c.standbyTimer.Stop()
	c.standbyTimer = nil
	c.logger.Debug("pending standby cancelled")
}

// Close cancels any pending standby and releases the bridge process.
// Idempotent; safe to call at shutdown regardless of timer state.
func (c *DeviceController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelPendingLocked()
	c.mu.Unlock()

	return c.bridge.Close()
}
