package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("cecaudiobridge v%s\n", version)
	fmt.Println("Media-server event bridge for HDMI-CEC audio device control")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  cecaudiobridge [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that polls a media-server's REST event feed and drives an")
	fmt.Println("  HDMI-CEC-connected audio device through a cec-client bridge process.")
	fmt.Println("  Play/stop notifications power the device on and off; pause and")
	fmt.Println("  inactive notifications defer the power-down behind a cancellable")
	fmt.Println("  timer so brief interruptions leave the device alone.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file")
	fmt.Println()
	fmt.Println("  -events-url string")
	fmt.Println("        Event feed URL (overrides events.url)")
	fmt.Println()
	fmt.Println("  -power-off-delay-mins int")
	fmt.Println("        Deferred power-down delay in minutes (overrides events.power_off_delay_mins)")
	fmt.Println()
	fmt.Println("  -poll-interval-ms int")
	fmt.Println("        Event feed poll cadence in ms (overrides events.poll_interval_ms)")
	fmt.Println()
	fmt.Println("  -cec-command string")
	fmt.Println("        CEC bridge executable (overrides cec.command, default \"cec-client\")")
	fmt.Println()
	fmt.Println("  -cec-timeout-sec int")
	fmt.Printf("        Bridge request timeout in seconds (default %d)\n", defaultRequestTimeoutSec)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with a config file")
	fmt.Println("  cecaudiobridge -config /etc/cecaudiobridge.yaml")
	fmt.Println()
	fmt.Println("  # Ad-hoc run against a local media server")
	fmt.Println("  cecaudiobridge -events-url http://localhost:8080/emby/events")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires a working cec-client (libcec) installation")
	fmt.Println("  - The audio device's CEC logical address is discovered once at startup")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		eventsURL     = flag.String("events-url", "", "Event feed URL")
		powerOffDelay = flag.Int("power-off-delay-mins", 10, "Deferred power-down delay in minutes")
		pollInterval  = flag.Int("poll-interval-ms", 2000, "Event feed poll cadence in ms")
		cecCommand    = flag.String("cec-command", "cec-client", "CEC bridge executable")
		cecTimeout    = flag.Int("cec-timeout-sec", defaultRequestTimeoutSec, "Bridge request timeout in seconds")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	)

	flag.Usage = printUsage
	flag.Parse()

	// Config file is the primary configuration surface; flags override it,
	// but only the flags that were actually set.
	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "events-url":
			overrides.EventsURL = eventsURL
		case "power-off-delay-mins":
			overrides.PowerOffDelayMins = powerOffDelay
		case "poll-interval-ms":
			overrides.PollIntervalMS = pollInterval
		case "cec-command":
			overrides.CECCommand = cecCommand
		case "cec-timeout-sec":
			overrides.CECRequestTimeoutSec = cecTimeout
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	// Spawn the bridge and discover the audio device. Both are fatal here:
	// there is nothing to supervise without a controllable device.
	bridge, err := StartCECProcess(cfg.CEC.Command, cfg.RequestTimeout(), logger)
	if err != nil {
		logger.Error("failed to start CEC bridge", "command", cfg.CEC.Command, "error", err)
		os.Exit(1)
	}

	controller, err := NewDeviceController(bridge, logger)
	if err != nil {
		bridge.Close()
		logger.Error("audio device discovery failed", "error", err)
		os.Exit(1)
	}
	defer controller.Close()

	handler := NewEventHandler(controller, &http.Client{Timeout: httpRequestTimeout}, cfg.Events, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("listening",
		"events_url", cfg.Events.URL,
		"poll_interval", cfg.PollInterval(),
		"cec_logical_address", controller.Address(),
		"power_off_delay_mins", cfg.Events.PowerOffDelayMins)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runPollLoop(ctx, handler, cfg.PollInterval(), logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poll loop stopped", "error", err)
		controller.Close()
		os.Exit(1)
	}

	logger.Info("shutting down")
}

// runPollLoop calls ListenForEvents once per interval until ctx is canceled.
//
// Poll failures are logged and the loop keeps going; the next tick is the
// whole retry policy. Feed trouble (EventError) is routine, anything else
// means the bridge side is failing and is logged at error level.
func runPollLoop(ctx context.Context, handler *EventHandler, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := handler.ListenForEvents(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var evErr *EventError
				if errors.As(err, &evErr) {
					logger.Warn("event poll failed", "error", err)
				} else {
					logger.Error("event dispatch failed", "error", err)
				}
			}
		}
	}
}
