package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeController is a test double for the DeviceController.
type fakeController struct {
	mu           sync.Mutex
	powerOnCalls int
	standbyCalls int
	delayedCalls []time.Duration
	err          error
}

func (f *fakeController) PowerOn() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOnCalls++
	return f.err
}

func (f *fakeController) Standby() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.standbyCalls++
	return f.err
}

func (f *fakeController) DelayedStandby(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayedCalls = append(f.delayedCalls, delay)
}

// doerFunc adapts a function to the httpDoer interface.
type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func testFeedConfig() EventFeedConfig {
	return EventFeedConfig{
		URL:               "http://localhost:4444/test",
		SuccessCode:       200,
		NotFoundCode:      404,
		EventsField:       "Events",
		NotificationField: "Notification",
		Codes: NotificationCodes{
			Stop:           0,
			Play:           1,
			Pause:          2,
			ActiveDevice:   3,
			InactiveDevice: 4,
		},
		PowerOffDelayMins: 10,
		PollIntervalMS:    2000,
	}
}

func newTestHandler(client httpDoer) (*EventHandler, *fakeController) {
	ctrl := &fakeController{}
	return NewEventHandler(ctrl, client, testFeedConfig(), testLogger()), ctrl
}

// eventPayload builds a decoded feed payload the way encoding/json would
// (numbers as float64).
func eventPayload(cfg EventFeedConfig, codes ...int) map[string]any {
	list := make([]any, 0, len(codes))
	for _, code := range codes {
		list = append(list, map[string]any{cfg.NotificationField: float64(code)})
	}
	return map[string]any{cfg.EventsField: list}
}

func assertEventError(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var evErr *EventError
	if !errors.As(err, &evErr) {
		t.Fatalf("expected EventError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("expected error to contain %q, got %q", substr, err.Error())
	}
}

func TestProcessJSONResponse_MissingEventsField(t *testing.T) {
	handler, ctrl := newTestHandler(http.DefaultClient)

	err := handler.ProcessJSONResponse(map[string]any{
		"Ev": []any{map[string]any{"Notif": float64(0)}},
	})
	assertEventError(t, err, "JSON response malformed.")

	if ctrl.powerOnCalls != 0 || ctrl.standbyCalls != 0 || len(ctrl.delayedCalls) != 0 {
		t.Error("expected no controller calls for a malformed payload")
	}
}

func TestProcessJSONResponse_SingleKnownEvents(t *testing.T) {
	cfg := testFeedConfig()

	t.Run("stop", func(t *testing.T) {
		handler, ctrl := newTestHandler(http.DefaultClient)
		if err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.Stop)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ctrl.standbyCalls != 1 || ctrl.powerOnCalls != 0 || len(ctrl.delayedCalls) != 0 {
			t.Errorf("expected exactly one Standby, got %+v", ctrl)
		}
	})

	t.Run("play", func(t *testing.T) {
		handler, ctrl := newTestHandler(http.DefaultClient)
		if err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.Play)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ctrl.powerOnCalls != 1 || ctrl.standbyCalls != 0 || len(ctrl.delayedCalls) != 0 {
			t.Errorf("expected exactly one PowerOn, got %+v", ctrl)
		}
	})

	t.Run("pause", func(t *testing.T) {
		handler, ctrl := newTestHandler(http.DefaultClient)
		if err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.Pause)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Duration(cfg.PowerOffDelayMins*60) * time.Second
		if len(ctrl.delayedCalls) != 1 || ctrl.delayedCalls[0] != want {
			t.Errorf("expected DelayedStandby(%v), got %v", want, ctrl.delayedCalls)
		}
	})

	t.Run("active_device", func(t *testing.T) {
		handler, ctrl := newTestHandler(http.DefaultClient)
		if err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.ActiveDevice)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ctrl.powerOnCalls != 1 || ctrl.standbyCalls != 0 || len(ctrl.delayedCalls) != 0 {
			t.Errorf("expected exactly one PowerOn, got %+v", ctrl)
		}
	})

	t.Run("inactive_device", func(t *testing.T) {
		handler, ctrl := newTestHandler(http.DefaultClient)
		if err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.InactiveDevice)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Raw seconds, not minutes converted: see dispatch.
		want := time.Duration(cfg.PowerOffDelayMins) * time.Second
		if len(ctrl.delayedCalls) != 1 || ctrl.delayedCalls[0] != want {
			t.Errorf("expected DelayedStandby(%v), got %v", want, ctrl.delayedCalls)
		}
	})
}

func TestProcessJSONResponse_EventBatch(t *testing.T) {
	cfg := testFeedConfig()
	handler, ctrl := newTestHandler(http.DefaultClient)

	payload := eventPayload(cfg,
		cfg.Codes.Stop,
		cfg.Codes.Play,
		cfg.Codes.Pause,
		cfg.Codes.ActiveDevice,
		cfg.Codes.InactiveDevice,
	)
	if err := handler.ProcessJSONResponse(payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ctrl.powerOnCalls != 2 {
		t.Errorf("expected 2 PowerOn calls, got %d", ctrl.powerOnCalls)
	}
	if ctrl.standbyCalls != 1 {
		t.Errorf("expected 1 Standby call, got %d", ctrl.standbyCalls)
	}
	if len(ctrl.delayedCalls) != 2 {
		t.Fatalf("expected 2 DelayedStandby calls, got %d", len(ctrl.delayedCalls))
	}
	// Feed order: pause first (minutes converted to seconds), inactive second.
	if ctrl.delayedCalls[0] != 600*time.Second || ctrl.delayedCalls[1] != 10*time.Second {
		t.Errorf("expected delays [600s 10s], got %v", ctrl.delayedCalls)
	}
}

func TestProcessJSONResponse_UnknownCode(t *testing.T) {
	cfg := testFeedConfig()
	handler, ctrl := newTestHandler(http.DefaultClient)

	if err := handler.ProcessJSONResponse(eventPayload(cfg, -1)); err != nil {
		t.Fatalf("expected unknown codes to be ignored, got %v", err)
	}
	if ctrl.powerOnCalls != 0 || ctrl.standbyCalls != 0 || len(ctrl.delayedCalls) != 0 {
		t.Error("expected no controller calls for an unknown code")
	}
}

func TestProcessJSONResponse_MalformedShapes(t *testing.T) {
	cfg := testFeedConfig()

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"events field not a list", map[string]any{cfg.EventsField: "nope"}},
		{"event not an object", map[string]any{cfg.EventsField: []any{float64(1)}}},
		{"event missing notification field", map[string]any{cfg.EventsField: []any{map[string]any{"Other": float64(1)}}}},
		{"notification not a number", map[string]any{cfg.EventsField: []any{map[string]any{cfg.NotificationField: "play"}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, ctrl := newTestHandler(http.DefaultClient)
			err := handler.ProcessJSONResponse(tc.payload)
			assertEventError(t, err, "JSON response malformed.")
			if ctrl.powerOnCalls != 0 || ctrl.standbyCalls != 0 || len(ctrl.delayedCalls) != 0 {
				t.Error("expected no controller calls for a malformed payload")
			}
		})
	}
}

func TestProcessJSONResponse_ControllerErrorPropagates(t *testing.T) {
	cfg := testFeedConfig()
	ctrl := &fakeController{err: errors.New("bridge down")}
	handler := NewEventHandler(ctrl, http.DefaultClient, cfg, testLogger())

	err := handler.ProcessJSONResponse(eventPayload(cfg, cfg.Codes.Play))
	if !errors.Is(err, ctrl.err) {
		t.Errorf("expected the controller error to propagate unchanged, got %v", err)
	}
}

func TestListenForEvents_Success(t *testing.T) {
	cfg := testFeedConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "{%q: [{%q: %d}]}", cfg.EventsField, cfg.NotificationField, cfg.Codes.Play)
	}))
	defer srv.Close()

	cfg.URL = srv.URL
	ctrl := &fakeController{}
	handler := NewEventHandler(ctrl, srv.Client(), cfg, testLogger())

	if err := handler.ListenForEvents(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.powerOnCalls != 1 {
		t.Errorf("expected 1 PowerOn call, got %d", ctrl.powerOnCalls)
	}
}

func TestListenForEvents_NotFoundStatus(t *testing.T) {
	cfg := testFeedConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(cfg.NotFoundCode)
	}))
	defer srv.Close()

	cfg.URL = srv.URL
	ctrl := &fakeController{}
	handler := NewEventHandler(ctrl, srv.Client(), cfg, testLogger())

	err := handler.ListenForEvents(context.Background())
	assertEventError(t, err, "does not respond")
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected the status code in the error, got %q", err.Error())
	}
	if ctrl.powerOnCalls != 0 || ctrl.standbyCalls != 0 {
		t.Error("expected no controller calls on endpoint failure")
	}
}

func TestListenForEvents_MalformedBody(t *testing.T) {
	cfg := testFeedConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not json")
	}))
	defer srv.Close()

	cfg.URL = srv.URL
	ctrl := &fakeController{}
	handler := NewEventHandler(ctrl, srv.Client(), cfg, testLogger())

	assertEventError(t, handler.ListenForEvents(context.Background()), "JSON response malformed.")
}

func TestListenForEvents_TransportError(t *testing.T) {
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	handler, ctrl := newTestHandler(client)

	assertEventError(t, handler.ListenForEvents(context.Background()), "does not respond")
	if ctrl.powerOnCalls != 0 || ctrl.standbyCalls != 0 {
		t.Error("expected no controller calls on transport failure")
	}
}
