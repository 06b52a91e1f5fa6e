// Package manager is the face of the proxy presented to a service
// orchestrator. It answers questions about a project's services (is this
// service routed, under which hostname and URL), keeps the route table in
// step with the services the orchestrator starts and stops, and manages the
// proxy daemon those routes are served by.
package manager

import (
	"context"
	"fmt"
	"io"
	"log"
	"text/tabwriter"

	"github.com/devmux/portless"
	"github.com/devmux/portless/config"
	"github.com/devmux/portless/daemon"
	"github.com/devmux/portless/routes"
)

// Manager binds a project configuration to its proxy.
type Manager struct {
	config *config.Config
	dir    daemon.StateDir
	store  *routes.Store
	daemon *daemon.Manager
}

// New returns a Manager for cfg. The state directory is resolved from the
// configured proxy port. A nil logger is valid and results in no log output.
func New(cfg *config.Config, logger *log.Logger) *Manager {
	var (
		port = cfg.ProxyPort()
		dir  = daemon.ResolveStateDir(port)
	)
	return &Manager{
		config: cfg,
		dir:    dir,
		store:  dir.RoutesStore(),
		daemon: &daemon.Manager{
			StateDir: dir,
			Port:     port,
			Disabled: !cfg.Proxy.Enabled,
			Logger:   logger,
		},
	}
}

// StateDir returns the state directory shared with the daemon.
func (m *Manager) StateDir() daemon.StateDir { return m.dir }

// Daemon returns the daemon manager, for callers that need to adjust how the
// daemon is spawned.
func (m *Manager) Daemon() *daemon.Manager { return m.daemon }

// IsServiceProxied reports whether a service should be routed through the
// proxy: the proxy must be enabled, the service must exist and not opt out,
// and it must have a port, explicit or implied by its health check.
func (m *Manager) IsServiceProxied(name string) bool {
	if !m.config.Proxy.Enabled {
		return false
	}

	svc, err := m.config.Service(name)
	if err != nil {
		return false
	}

	if !svc.Proxied() {
		return false
	}

	if _, ok := m.config.ResolvedPort(name); !ok && svc.Health == nil {
		return false
	}

	return true
}

// ServiceHostname returns the hostname a service is routed under.
func (m *Manager) ServiceHostname(name string) (string, error) {
	return m.config.Hostname(name)
}

// ServiceProxyURL returns the URL a service is reachable at through the
// proxy.
func (m *Manager) ServiceProxyURL(name string) (string, error) {
	hostname, err := m.ServiceHostname(name)
	if err != nil {
		return "", err
	}
	return portless.FormatURL(hostname, m.config.ProxyPort()), nil
}

// RegisterRoute routes hostname to port on behalf of pid. Any existing route
// for hostname is replaced.
func (m *Manager) RegisterRoute(hostname string, port uint16, pid uint32) error {
	return m.store.AddRoute(hostname, port, pid)
}

// DeregisterRoute removes the route for hostname, if any.
func (m *Manager) DeregisterRoute(hostname string) error {
	return m.store.RemoveRoute(hostname)
}

// RegisterService routes a service's hostname to port on behalf of pid.
func (m *Manager) RegisterService(name string, port uint16, pid uint32) error {
	hostname, err := m.ServiceHostname(name)
	if err != nil {
		return err
	}
	if err := m.RegisterRoute(hostname, port, pid); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

// DeregisterService removes a service's route.
func (m *Manager) DeregisterService(name string) error {
	hostname, err := m.ServiceHostname(name)
	if err != nil {
		return err
	}
	if err := m.DeregisterRoute(hostname); err != nil {
		return fmt.Errorf("deregister %s: %w", name, err)
	}
	return nil
}

// EnsureProxyRunning starts the proxy daemon if the proxy is enabled and
// nothing is listening on its port yet.
func (m *Manager) EnsureProxyRunning(ctx context.Context) error {
	return m.daemon.EnsureRunning(ctx)
}

// StopProxy stops the proxy daemon. It returns daemon.ErrNotRunning if there
// is none.
func (m *Manager) StopProxy() error {
	_, err := m.daemon.Stop()
	return err
}

// ProxyStatus reports on the proxy daemon.
func (m *Manager) ProxyStatus() daemon.Status {
	return m.daemon.Status()
}

// FindFreePort returns a bindable port in [min, max].
func (m *Manager) FindFreePort(min, max int) (int, error) {
	return daemon.FindFreePort(min, max)
}

// Routes returns the live routes.
func (m *Manager) Routes() []routes.Route {
	return m.store.LoadRoutes(false)
}

// ListProxyRoutes writes a human-readable listing of the live routes to w.
func (m *Manager) ListProxyRoutes(w io.Writer) error {
	table := m.Routes()
	if len(table) == 0 {
		_, err := fmt.Fprintln(w, "No active proxy routes.")
		return err
	}

	fmt.Fprintf(w, "\nActive proxy routes:\n\n")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, route := range table {
		url := portless.FormatURL(route.Hostname, m.config.ProxyPort())
		fmt.Fprintf(tw, "  %s\t->  localhost:%d\t(pid %d)\n", url, route.Port, route.PID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

// RouteURL returns the URL hostname is reachable at through the proxy.
func (m *Manager) RouteURL(hostname string) string {
	return portless.FormatURL(hostname, m.config.ProxyPort())
}
