package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// CEC Bridge Process Client
// ============================================================================
// The CEC bridge is an external command-line process (cec-client) that
// translates text commands into HDMI-CEC bus operations. This client owns the
// child process and serializes synchronous request/response exchanges over
// its stdin/stdout pipes.
// ============================================================================

// CommandError indicates a send/receive exchange with the bridge process
// failed or timed out. It is never retried here; callers decide.
type CommandError struct {
	Cmd string
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("cec bridge command %q: %v", e.Cmd, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// cecBridge is the narrow seam between the device controller and the bridge
// process, so the controller can be tested with an in-memory fake.
type cecBridge interface {
	// Request sends one text command and returns the textual response,
	// bounded by the client's timeout.
	Request(cmd string) (string, error)
	Close() error
}

// CECProcess manages a long-lived CEC bridge child process.
//
// One reader goroutine pumps stdout lines into a channel for the lifetime of
// the process; Request exchanges are serialized by the mutex, so commands can
// never interleave on the pipe.
type CECProcess struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan string
	timeout time.Duration
	logger  *slog.Logger
	closed  bool
}

// StartCECProcess spawns the bridge command (no arguments, per the bridge's
// interactive mode) and starts reading its output.
func StartCECProcess(command string, timeout time.Duration, logger *slog.Logger) (*CECProcess, error) {
	cmd := exec.Command(command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open bridge stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", command, err)
	}

	p := &CECProcess{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan string, 64),
		timeout: timeout,
		logger:  logger,
	}

	go p.readOutput(stdout)

	logger.Debug("cec bridge started", "command", command, "pid", cmd.Process.Pid)

	return p, nil
}

// readOutput pumps bridge output lines into p.lines until the pipe closes.
func (p *CECProcess) readOutput(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}

// Request sends one command to the bridge and collects its response.
//
// The bridge has no response framing, so the response is taken to be every
// output line until a quiet gap of responseIdleWindow. The whole exchange is
// bounded by the client timeout; hitting it is a CommandError.
func (p *CECProcess) Request(cmd string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", &CommandError{Cmd: cmd, Err: errors.New("bridge process is closed")}
	}

	// Discard output that arrived since the previous exchange (the bridge
	// reports unsolicited bus traffic).
drain:
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return "", &CommandError{Cmd: cmd, Err: errors.New("bridge process closed its output")}
			}
		default:
			break drain
		}
	}

	if _, err := io.WriteString(p.stdin, cmd+"\n"); err != nil {
		return "", &CommandError{Cmd: cmd, Err: fmt.Errorf("write: %w", err)}
	}

	p.logger.Debug("cec bridge request", "cmd", cmd)

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	idle := time.NewTimer(responseIdleWindow)
	defer idle.Stop()

	var b strings.Builder
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				if b.Len() > 0 {
					return b.String(), nil
				}
				return "", &CommandError{Cmd: cmd, Err: errors.New("bridge process closed its output")}
			}
			b.WriteString(line)
			b.WriteByte('\n')
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(responseIdleWindow)

		case <-idle.C:
			return b.String(), nil

		case <-deadline.C:
			return "", &CommandError{Cmd: cmd, Err: fmt.Errorf("timed out after %s", p.timeout)}
		}
	}
}

// Close terminates the bridge process and releases its pipes. Idempotent.
func (p *CECProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// Closing stdin asks the bridge to exit; the kill covers bridges that
	// ignore it. Wait reaps the child either way.
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()

	p.logger.Debug("cec bridge stopped")

	return nil
}
