// Package routes implements the route table shared by every process that
// talks to the proxy: CLI invocations that register and deregister services,
// and the proxy daemon that reads it on every request.
//
// The table lives in a single JSON file in a state directory. Mutations are
// serialized across processes by a lock directory (see [Lock]); reads never
// take the lock. A route is only considered live while the process that
// registered it is running, so routes left behind by crashed processes
// disappear on their own.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	routesFileName = "routes.json"
	lockDirName    = "routes.lock"

	fileMode = 0o644
	dirMode  = 0o755
)

// Route maps a hostname to a local port. PID is the process that owns the
// route; the route is dropped once that process is gone.
type Route struct {
	Hostname string `json:"hostname"`
	Port     uint16 `json:"port"`
	PID      uint32 `json:"pid"`
}

// record is the on-disk shape of a route. Pointer fields distinguish missing
// fields from zero values.
type record struct {
	Hostname *string `json:"hostname"`
	Port     *uint16 `json:"port"`
	PID      *uint32 `json:"pid"`
}

// Store is a handle to the route table in a state directory. Any number of
// Stores, in any number of processes, may refer to the same directory.
type Store struct {
	dir        string
	routesPath string
	lock       *Lock
}

// NewStore returns a Store for the route table in dir. The directory isn't
// created until it's needed, or EnsureDir is called.
func NewStore(dir string) *Store {
	return &Store{
		dir:        dir,
		routesPath: filepath.Join(dir, routesFileName),
		lock:       NewLock(filepath.Join(dir, lockDirName)),
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// RoutesPath returns the path of the routes file.
func (s *Store) RoutesPath() string { return s.routesPath }

// LockPath returns the path of the lock directory.
func (s *Store) LockPath() string { return s.lock.Path() }

// EnsureDir creates the state directory and any parents, if they don't exist.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}

// LoadRoutes returns the live routes in the table. It never fails: a missing,
// unreadable, or malformed routes file yields no routes, and malformed
// entries are skipped.
//
// If persistCleanup is true and some entries were dropped, the remaining
// entries are written back to the file. That write is best-effort.
func (s *Store) LoadRoutes(persistCleanup bool) []Route {
	data, err := os.ReadFile(s.routesPath)
	if err != nil {
		return []Route{}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return []Route{}
	}

	live := make([]Route, 0, len(raw))
	for _, entry := range raw {
		route, ok := decodeRoute(entry)
		if !ok || !ProcessAlive(int(route.PID)) {
			continue
		}
		live = append(live, route)
	}

	if persistCleanup && len(live) != len(raw) {
		_ = s.write(live)
	}

	return live
}

func decodeRoute(data json.RawMessage) (Route, bool) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Route{}, false
	}
	if rec.Hostname == nil || rec.Port == nil || rec.PID == nil {
		return Route{}, false
	}
	return Route{Hostname: *rec.Hostname, Port: *rec.Port, PID: *rec.PID}, true
}

// AddRoute registers hostname at port, owned by pid. An existing route for
// the same hostname is replaced.
func (s *Store) AddRoute(hostname string, port uint16, pid uint32) error {
	return s.update(func(routes []Route) []Route {
		routes = without(routes, hostname)
		return append(routes, Route{Hostname: hostname, Port: port, PID: pid})
	})
}

// RemoveRoute removes the route for hostname, if any.
func (s *Store) RemoveRoute(hostname string) error {
	return s.update(func(routes []Route) []Route {
		return without(routes, hostname)
	})
}

// update runs a read-modify-write of the routes file while holding the lock.
func (s *Store) update(modify func([]Route) []Route) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}

	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	routes := modify(s.LoadRoutes(true))
	if err := s.write(routes); err != nil {
		return fmt.Errorf("write routes: %w", err)
	}

	return nil
}

// write replaces the routes file atomically, so concurrent readers see either
// the old or the new table, never a partial one.
func (s *Store) write(routes []Route) (err error) {
	if routes == nil {
		routes = []Route{}
	}

	data, err := json.MarshalIndent(routes, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.dir, routesFileName+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(fileMode); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), s.routesPath)
}

// Init creates an empty routes file if none exists.
func (s *Store) Init() error {
	if err := s.EnsureDir(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.routesPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	switch {
	case errors.Is(err, os.ErrExist):
		return nil
	case err != nil:
		return fmt.Errorf("create routes file: %w", err)
	}

	if _, err := f.WriteString("[]\n"); err != nil {
		f.Close()
		return fmt.Errorf("create routes file: %w", err)
	}
	return f.Close()
}

func without(routes []Route, hostname string) []Route {
	kept := routes[:0]
	for _, r := range routes {
		if r.Hostname != hostname {
			kept = append(kept, r)
		}
	}
	return kept
}
