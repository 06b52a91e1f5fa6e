package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/devmux/portless/routes"
)

var (
	// ErrNotRunning is returned by Stop when no live daemon is recorded in
	// the state directory.
	ErrNotRunning = errors.New("proxy is not running")

	// ErrDaemonStartTimeout is wrapped by StartTimeoutError.
	ErrDaemonStartTimeout = errors.New("proxy failed to start")
)

// StartTimeoutError is returned by EnsureRunning when a spawned daemon doesn't
// accept connections in time. It points at the daemon's log.
type StartTimeoutError struct {
	Port    int
	LogPath string
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("proxy failed to start on port %d, check logs: %s", e.Port, e.LogPath)
}

func (e *StartTimeoutError) Unwrap() error { return ErrDaemonStartTimeout }

const (
	// DefaultStartTimeout bounds how long EnsureRunning waits for a spawned
	// daemon to accept connections.
	DefaultStartTimeout = 5 * time.Second

	// DefaultPollInterval is the delay between readiness probes while
	// waiting for a spawned daemon.
	DefaultPollInterval = 150 * time.Millisecond
)

// Manager starts, inspects, and stops the proxy daemon for one port.
type Manager struct {
	// StateDir holds the daemon's markers and log.
	//
	// Required.
	StateDir StateDir

	// Port the daemon listens on.
	//
	// Required.
	Port int

	// Disabled makes EnsureRunning a no-op.
	Disabled bool

	// Command is the daemon program and its leading arguments. The flags
	// -port and -state-dir are appended.
	//
	// Optional. By default, the portless binary next to the running
	// executable, or on PATH, is run with the "daemon" subcommand.
	Command []string

	// StartTimeout bounds how long EnsureRunning waits for a spawned daemon.
	//
	// Optional. The default value is DefaultStartTimeout.
	StartTimeout time.Duration

	// PollInterval is the delay between readiness probes.
	//
	// Optional. The default value is DefaultPollInterval.
	PollInterval time.Duration

	// ProbeTimeout bounds a single readiness probe.
	//
	// Optional. The default value is DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Logger reports daemon lifecycle events.
	//
	// Optional. By default, nothing is logged.
	Logger *log.Logger
}

// Status describes the daemon as recorded in the state directory.
type Status struct {
	Running bool
	PID     int
	Port    int
}

// EnsureRunning returns once something is listening on the proxy port,
// spawning a detached daemon first if nothing is. The spawned daemon outlives
// the caller. A daemon that doesn't come up in time yields a
// *StartTimeoutError.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.Disabled {
		return nil
	}

	if PortListening(ctx, m.Port, m.probeTimeout()) {
		return nil
	}

	if err := m.StateDir.Ensure(); err != nil {
		return err
	}

	if err := m.spawn(); err != nil {
		return err
	}

	deadline := time.Now().Add(m.startTimeout())
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()

	for {
		if PortListening(ctx, m.Port, m.probeTimeout()) {
			m.logger().Printf("proxy listening on port %d", m.Port)
			return nil
		}

		if time.Now().After(deadline) {
			return &StartTimeoutError{Port: m.Port, LogPath: m.StateDir.LogPath()}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) spawn() error {
	logFile, err := os.OpenFile(m.StateDir.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	argv := m.command()
	args := append(argv[1:len(argv):len(argv)],
		"-port="+strconv.Itoa(m.Port),
		"-state-dir="+m.StateDir.Path(),
	)

	cmd := exec.Command(argv[0], args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start proxy daemon: %w", err)
	}

	m.logger().Printf("started proxy daemon (pid %d), logging to %s", cmd.Process.Pid, m.StateDir.LogPath())

	go cmd.Wait() // reap the daemon if it exits while we're still around

	return nil
}

// Status reports whether the daemon recorded in the state directory is alive.
// A marker left behind by a dead daemon is removed.
func (m *Manager) Status() Status {
	state, err := m.StateDir.ReadState()
	if err != nil {
		return Status{Port: m.Port}
	}

	if !routes.ProcessAlive(state.PID) {
		m.StateDir.RemoveState()
		return Status{Port: m.Port}
	}

	return Status{Running: true, PID: state.PID, Port: m.Port}
}

// Stop sends SIGTERM to the recorded daemon and removes its markers. It
// returns ErrNotRunning if there is no live daemon.
func (m *Manager) Stop() (Status, error) {
	status := m.Status()
	if !status.Running {
		return status, ErrNotRunning
	}

	if err := unix.Kill(status.PID, unix.SIGTERM); err != nil {
		return status, fmt.Errorf("signal proxy daemon (pid %d): %w", status.PID, err)
	}

	m.StateDir.RemoveState()
	m.logger().Printf("stopped proxy daemon (pid %d)", status.PID)

	return status, nil
}

func (m *Manager) command() []string {
	if len(m.Command) > 0 {
		return m.Command
	}

	bin := "portless"
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "portless")
		if _, err := os.Stat(candidate); err == nil {
			bin = candidate
		}
	}
	return []string{bin, "daemon"}
}

func (m *Manager) startTimeout() time.Duration {
	if m.StartTimeout > 0 {
		return m.StartTimeout
	}
	return DefaultStartTimeout
}

func (m *Manager) pollInterval() time.Duration {
	if m.PollInterval > 0 {
		return m.PollInterval
	}
	return DefaultPollInterval
}

func (m *Manager) probeTimeout() time.Duration {
	if m.ProbeTimeout > 0 {
		return m.ProbeTimeout
	}
	return DefaultProbeTimeout
}

func (m *Manager) logger() *log.Logger {
	if m.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return m.Logger
}
