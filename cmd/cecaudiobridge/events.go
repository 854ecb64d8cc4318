package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ============================================================================
// Event Handler
// ============================================================================
// Polls the media-server event feed and translates each recognized playback
// notification into exactly one device controller call. The feed's field
// names, status codes and notification codes are all configuration-supplied
// so different media-server conventions can be accommodated.
// ============================================================================

const malformedResponseMsg = "JSON response malformed."

// EventError indicates a malformed event payload or an unresponsive event
// endpoint. The caller decides whether to poll again.
type EventError struct {
	Msg string
	Err error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *EventError) Unwrap() error { return e.Err }

// playbackAction enumerates what a recognized notification does to the device.
type playbackAction int

const (
	actionStop playbackAction = iota
	actionPlay
	actionPause
	actionActiveDevice
	actionInactiveDevice
)

// audioController is the slice of DeviceController the event handler needs.
type audioController interface {
	PowerOn() error
	Standby() error
	DelayedStandby(delay time.Duration)
}

// httpDoer is the one-request HTTP surface (satisfied by *http.Client), so
// tests can stand in for the network.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EventHandler fetches and interprets the remote event feed. It borrows the
// controller and config; it owns no resources and has no teardown.
type EventHandler struct {
	controller audioController
	client     httpDoer
	cfg        EventFeedConfig
	table      map[int]playbackAction
	logger     *slog.Logger
}

// NewEventHandler builds the notification-code table once from config.
func NewEventHandler(controller audioController, client httpDoer, cfg EventFeedConfig, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		controller: controller,
		client:     client,
		cfg:        cfg,
		table: map[int]playbackAction{
			cfg.Codes.Stop:           actionStop,
			cfg.Codes.Play:           actionPlay,
			cfg.Codes.Pause:          actionPause,
			cfg.Codes.ActiveDevice:   actionActiveDevice,
			cfg.Codes.InactiveDevice: actionInactiveDevice,
		},
		logger: logger,
	}
}

// ListenForEvents issues a single blocking GET against the configured
// endpoint and dispatches whatever events the response carries. Exactly one
// request per call; looping is the supervisor's concern.
func (h *EventHandler) ListenForEvents(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return &EventError{Msg: fmt.Sprintf("build request for %s", h.cfg.URL), Err: err}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &EventError{Msg: fmt.Sprintf("event endpoint %s does not respond", h.cfg.URL), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != h.cfg.SuccessCode {
		return &EventError{Msg: fmt.Sprintf("event endpoint %s does not respond: status code %d", h.cfg.URL, resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &EventError{Msg: malformedResponseMsg, Err: err}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return &EventError{Msg: malformedResponseMsg, Err: err}
	}

	return h.ProcessJSONResponse(payload)
}

// ProcessJSONResponse dispatches every event in a decoded feed payload, in
// order, one controller call per recognized notification code. Unrecognized
// codes are skipped; structural problems fail the whole payload.
func (h *EventHandler) ProcessJSONResponse(payload map[string]any) error {
	raw, ok := payload[h.cfg.EventsField]
	if !ok {
		return &EventError{Msg: malformedResponseMsg, Err: fmt.Errorf("missing %q field", h.cfg.EventsField)}
	}

	list, ok := raw.([]any)
	if !ok {
		return &EventError{Msg: malformedResponseMsg, Err: fmt.Errorf("%q is not an event list", h.cfg.EventsField)}
	}

	for i, el := range list {
		ev, ok := el.(map[string]any)
		if !ok {
			return &EventError{Msg: malformedResponseMsg, Err: fmt.Errorf("event %d is not an object", i)}
		}

		codeRaw, ok := ev[h.cfg.NotificationField]
		if !ok {
			return &EventError{Msg: malformedResponseMsg, Err: fmt.Errorf("event %d missing %q field", i, h.cfg.NotificationField)}
		}
		codeNum, ok := codeRaw.(float64)
		if !ok {
			return &EventError{Msg: malformedResponseMsg, Err: fmt.Errorf("event %d field %q is not a number", i, h.cfg.NotificationField)}
		}
		code := int(codeNum)

		action, known := h.table[code]
		if !known {
			h.logger.Debug("ignoring unknown notification code", "code", code)
			continue
		}

		if err := h.dispatch(action); err != nil {
			return err
		}
	}

	return nil
}

// dispatch maps one playback action to its controller call.
func (h *EventHandler) dispatch(action playbackAction) error {
	switch action {
	case actionStop:
		h.logger.Debug("playback stopped, standby")
		return h.controller.Standby()

	case actionPlay, actionActiveDevice:
		h.logger.Debug("playback active, power on")
		return h.controller.PowerOn()

	case actionPause:
		delay := time.Duration(h.cfg.PowerOffDelayMins*60) * time.Second
		h.logger.Debug("playback paused, standby deferred", "delay", delay)
		h.controller.DelayedStandby(delay)

	case actionInactiveDevice:
		// The configured value is applied as raw seconds here, unlike the
		// pause path above. Kept as-is to preserve the established
		// power-off timing of the feed's inactive notification.
		delay := time.Duration(h.cfg.PowerOffDelayMins) * time.Second
		h.logger.Debug("device inactive, standby deferred", "delay", delay)
		h.controller.DelayedStandby(delay)
	}

	return nil
}
