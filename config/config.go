// Package config loads the project configuration that decides which services
// are routed through the proxy, on which ports, and under which hostnames.
//
// A project is described by a devmux.yaml file (or, equivalently, a
// devmux.config.json file, or a "devmux" key in package.json) in the project
// directory or one of its parents. A minimal example:
//
//	version: 1
//	project: myapp
//	proxy:
//	  enabled: true
//	services:
//	  api:
//	    port: 4000
//	  web:
//	    health: {type: http, url: "http://localhost:3000/health"}
//
// With the default hostname pattern, those services are reachable at
// http://api.myapp.localhost:1355 and http://web.myapp.localhost:1355.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/devmux/portless"
)

const (
	// DefaultProxyPort is the proxy port used when none is configured.
	DefaultProxyPort = 1355

	// DefaultHostnamePattern is the hostname pattern used when none is
	// configured. {service} and {project} are substituted.
	DefaultHostnamePattern = "{service}.{project}.localhost"
)

var (
	// ErrNoConfig is returned when no configuration file can be found.
	ErrNoConfig = errors.New("no devmux config found")

	// ErrInvalidConfig is returned for configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid devmux config")

	// ErrUnknownService is returned for service names not in the
	// configuration.
	ErrUnknownService = errors.New("unknown service")
)

// Config is a project configuration.
type Config struct {
	Version  int                `yaml:"version"`
	Project  string             `yaml:"project"`
	Proxy    Proxy              `yaml:"proxy"`
	Services map[string]Service `yaml:"services"`

	// Root is the directory containing the configuration file.
	Root string `yaml:"-"`

	// InstanceID distinguishes concurrent checkouts of the same project.
	// When set, every resolved port is shifted by PortOffset(InstanceID).
	InstanceID string `yaml:"-"`
}

// Proxy configures routing through the proxy.
type Proxy struct {
	Enabled         bool   `yaml:"enabled"`
	Port            int    `yaml:"port"`
	HostnamePattern string `yaml:"hostnamePattern"`
}

// Service is a single service in a project.
type Service struct {
	// Port the service listens on. Optional if Health implies one.
	Port int `yaml:"port"`

	// Proxy opts the service out of routing when explicitly false.
	Proxy *bool `yaml:"proxy"`

	// Health describes how readiness is checked. It also implies the
	// service's port when Port isn't set.
	Health *Health `yaml:"health"`
}

// Health is a readiness check: either a TCP port, or an HTTP URL.
type Health struct {
	Type         string `yaml:"type"`
	Port         int    `yaml:"port"`
	Host         string `yaml:"host"`
	URL          string `yaml:"url"`
	ExpectStatus int    `yaml:"expectStatus"`
}

// Validate checks c for errors that would make it unusable.
func (c *Config) Validate() error {
	if c.Version != 0 && c.Version != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidConfig, c.Version)
	}
	if c.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidConfig)
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("%w: proxy port %d out of range", ErrInvalidConfig, c.Proxy.Port)
	}

	for _, name := range c.ServiceNames() {
		svc := c.Services[name]
		if svc.Proxy != nil && !*svc.Proxy && svc.Port == 0 {
			return fmt.Errorf("%w: service %q has proxy: false but no port; when proxy is disabled, a port is required", ErrInvalidConfig, name)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return fmt.Errorf("%w: service %q port %d out of range", ErrInvalidConfig, name, svc.Port)
		}
	}

	return nil
}

// ServiceNames returns the configured service names in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service returns the named service.
func (c *Config) Service(name string) (Service, error) {
	svc, ok := c.Services[name]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return svc, nil
}

// ProxyPort returns the configured proxy port, or DefaultProxyPort.
func (c *Config) ProxyPort() int {
	if c.Proxy.Port > 0 {
		return c.Proxy.Port
	}
	return DefaultProxyPort
}

// HostnamePattern returns the configured hostname pattern, or
// DefaultHostnamePattern.
func (c *Config) HostnamePattern() string {
	if c.Proxy.HostnamePattern != "" {
		return c.Proxy.HostnamePattern
	}
	return DefaultHostnamePattern
}

// Hostname returns the normalized hostname for a service, produced from the
// hostname pattern.
func (c *Config) Hostname(service string) (string, error) {
	if _, err := c.Service(service); err != nil {
		return "", err
	}

	hostname := strings.NewReplacer(
		"{service}", service,
		"{project}", c.Project,
	).Replace(c.HostnamePattern())

	return portless.ParseHostname(hostname)
}

// ResolvedPort returns the port a service listens on, including the instance
// offset, and false if no port can be determined.
func (c *Config) ResolvedPort(service string) (int, bool) {
	svc, ok := c.Services[service]
	if !ok {
		return 0, false
	}

	base, ok := svc.BasePort()
	if !ok {
		return 0, false
	}

	return base + PortOffset(c.InstanceID), true
}

// BasePort returns the explicit port, or the port implied by the health
// check, and false if there is neither.
func (s Service) BasePort() (int, bool) {
	if s.Port > 0 {
		return s.Port, true
	}

	if s.Health == nil {
		return 0, false
	}

	switch s.Health.Type {
	case "port":
		return s.Health.Port, s.Health.Port > 0
	case "http":
		u, err := url.Parse(s.Health.URL)
		if err != nil || u.Host == "" {
			return 0, false
		}
		if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
			return p, true
		}
		if u.Scheme == "https" {
			return 443, true
		}
		return 80, true
	default:
		return 0, false
	}
}

// Proxied reports whether the service hasn't opted out of routing.
func (s Service) Proxied() bool {
	return s.Proxy == nil || *s.Proxy
}
