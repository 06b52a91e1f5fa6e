package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devmux/portless/routes"
)

// StateDirEnv names the environment variable that overrides the state
// directory, regardless of port.
const StateDirEnv = "PORTLESS_STATE_DIR"

const (
	pidFileName  = "proxy.pid"
	portFileName = "proxy.port"
	logFileName  = "proxy.log"
)

// StateDir is the directory holding everything shared between the proxy
// daemon and its clients: the route table, the route lock, the daemon's pid
// and port markers, and the daemon's log.
type StateDir string

// ResolveStateDir returns the state directory for a proxy on port. The
// PORTLESS_STATE_DIR environment variable takes precedence. Otherwise,
// privileged ports, whose daemon is typically started by root, share a
// machine-wide directory, and other ports use a per-user directory.
func ResolveStateDir(port int) StateDir {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return StateDir(dir)
	}

	if port < 1024 {
		return StateDir("/tmp/portless")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return StateDir(filepath.Join(os.TempDir(), "portless-"+strconv.Itoa(os.Getuid())))
	}
	return StateDir(filepath.Join(home, ".portless"))
}

// Path returns the directory as a string.
func (d StateDir) Path() string { return string(d) }

// PIDPath is the file recording the daemon's process id.
func (d StateDir) PIDPath() string { return filepath.Join(string(d), pidFileName) }

// PortPath is the file recording the daemon's listen port.
func (d StateDir) PortPath() string { return filepath.Join(string(d), portFileName) }

// LogPath is the file receiving the daemon's output.
func (d StateDir) LogPath() string { return filepath.Join(string(d), logFileName) }

// RoutesStore returns a route store over the directory.
func (d StateDir) RoutesStore() *routes.Store { return routes.NewStore(string(d)) }

// Ensure creates the directory if it doesn't exist.
func (d StateDir) Ensure() error {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

// State is what a running daemon records about itself.
type State struct {
	PID  int
	Port int
}

// errNoState is returned by ReadState when the markers are missing or
// unreadable.
var errNoState = errors.New("no daemon state")

// ReadState reads the daemon's markers. A missing or malformed pid marker is
// an error; a missing or malformed port marker yields a zero Port.
func (d StateDir) ReadState() (State, error) {
	pid, err := readInt(d.PIDPath())
	if err != nil || pid <= 0 {
		return State{}, fmt.Errorf("%w: %s", errNoState, d.PIDPath())
	}

	port, _ := readInt(d.PortPath())
	return State{PID: pid, Port: port}, nil
}

// WriteState records s in the daemon's markers.
func (d StateDir) WriteState(s State) error {
	if err := os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(s.PID)), 0o644); err != nil {
		return fmt.Errorf("write pid marker: %w", err)
	}
	if err := os.WriteFile(d.PortPath(), []byte(strconv.Itoa(s.Port)), 0o644); err != nil {
		return fmt.Errorf("write port marker: %w", err)
	}
	return nil
}

// RemoveState deletes the daemon's markers, if they exist.
func (d StateDir) RemoveState() {
	os.Remove(d.PIDPath())
	os.Remove(d.PortPath())
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
