package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/devmux/portless/config"
	"github.com/devmux/portless/daemon"
	"github.com/devmux/portless/manager"
)

type loadFunc func() (*manager.Manager, error)

var envOptions = []ff.Option{ff.WithEnvVarPrefix("PORTLESS")}

func newProxyCommand(stdout io.Writer, load loadFunc) *ffcli.Command {
	var (
		startFlags = flag.NewFlagSet("portless proxy start", flag.ContinueOnError)
		dnsFlag    = startFlags.String("dns", "", "listen address for optional local DNS resolver (e.g. ':5354')")
	)

	start := &ffcli.Command{
		Name:       "start",
		ShortUsage: "portless proxy start [-dns ADDR]",
		ShortHelp:  "start the proxy daemon if it isn't running",
		FlagSet:    startFlags,
		Options:    envOptions,
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			m, err := load()
			if err != nil {
				return err
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate portless executable: %w", err)
			}

			d := m.Daemon()
			d.Disabled = false
			d.Command = []string{exe, "daemon"}
			if *dnsFlag != "" {
				d.Command = append(d.Command, "-dns="+*dnsFlag)
			}

			if err := m.EnsureProxyRunning(ctx); err != nil {
				return err
			}

			printStatus(stdout, m)
			return nil
		},
	}

	stop := &ffcli.Command{
		Name:       "stop",
		ShortUsage: "portless proxy stop",
		ShortHelp:  "stop the proxy daemon",
		FlagSet:    flag.NewFlagSet("portless proxy stop", flag.ContinueOnError),
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			m, err := load()
			if err != nil {
				return err
			}

			switch err := m.StopProxy(); {
			case errors.Is(err, daemon.ErrNotRunning):
				fmt.Fprintln(stdout, "Proxy is not running.")
				return nil
			case err != nil:
				return fmt.Errorf("failed to stop proxy: %w", err)
			}

			fmt.Fprintln(stdout, "Proxy stopped.")
			return nil
		},
	}

	status := &ffcli.Command{
		Name:       "status",
		ShortUsage: "portless proxy status",
		ShortHelp:  "report whether the proxy daemon is running",
		FlagSet:    flag.NewFlagSet("portless proxy status", flag.ContinueOnError),
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			m, err := load()
			if err != nil {
				return err
			}
			printStatus(stdout, m)
			return nil
		},
	}

	routes := &ffcli.Command{
		Name:       "routes",
		ShortUsage: "portless proxy routes",
		ShortHelp:  "list active routes",
		FlagSet:    flag.NewFlagSet("portless proxy routes", flag.ContinueOnError),
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			m, err := load()
			if err != nil {
				return err
			}
			return m.ListProxyRoutes(stdout)
		},
	}

	return &ffcli.Command{
		Name:        "proxy",
		ShortUsage:  "portless proxy <start|stop|status|routes>",
		ShortHelp:   "manage the proxy daemon",
		FlagSet:     flag.NewFlagSet("portless proxy", flag.ContinueOnError),
		UsageFunc:   usageFor(nil),
		Subcommands: []*ffcli.Command{start, stop, status, routes},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func printStatus(w io.Writer, m *manager.Manager) {
	status := m.ProxyStatus()
	if !status.Running {
		fmt.Fprintf(w, "Proxy is not running (port %d).\n", status.Port)
		return
	}
	fmt.Fprintf(w, "Proxy running on port %d (pid %d).\n", status.Port, status.PID)
	fmt.Fprintf(w, "State directory: %s\n", m.StateDir().Path())
}

func newRouteCommand(stdout io.Writer, load loadFunc) *ffcli.Command {
	var (
		addFlags   = flag.NewFlagSet("portless route add", flag.ContinueOnError)
		addHost    = addFlags.String("host", "", "hostname, with or without the .localhost suffix")
		addService = addFlags.String("service", "", "project service whose hostname to use, instead of -host")
		addPort    = addFlags.Int("port", 0, "local port the app listens on")
		addPID     = addFlags.Int("pid", os.Getppid(), "process owning the route; the route goes away when it exits")
		rmFlags    = flag.NewFlagSet("portless route rm", flag.ContinueOnError)
		rmHost     = rmFlags.String("host", "", "hostname, with or without the .localhost suffix")
		rmService  = rmFlags.String("service", "", "project service whose hostname to use, instead of -host")
	)

	hostname := func(m *manager.Manager, host, service string) (string, error) {
		if service != "" {
			return m.ServiceHostname(service)
		}
		return parseHost(host)
	}

	add := &ffcli.Command{
		Name:       "add",
		ShortUsage: "portless route add (-host H | -service S) -port P [-pid N]",
		ShortHelp:  "route a hostname to a local port",
		FlagSet:    addFlags,
		Options:    envOptions,
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			if *addPort < 1 || *addPort > 65535 {
				return fmt.Errorf("-port must be between 1 and 65535")
			}
			if *addPID < 1 {
				return fmt.Errorf("-pid must be positive")
			}

			m, err := load()
			if err != nil {
				return err
			}

			host, err := hostname(m, *addHost, *addService)
			if err != nil {
				return err
			}

			if err := m.RegisterRoute(host, uint16(*addPort), uint32(*addPID)); err != nil {
				return err
			}

			fmt.Fprintf(stdout, "%s -> localhost:%d\n", m.RouteURL(host), *addPort)
			return nil
		},
	}

	rm := &ffcli.Command{
		Name:       "rm",
		ShortUsage: "portless route rm (-host H | -service S)",
		ShortHelp:  "remove a route",
		FlagSet:    rmFlags,
		Options:    envOptions,
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			m, err := load()
			if err != nil {
				return err
			}

			host, err := hostname(m, *rmHost, *rmService)
			if err != nil {
				return err
			}

			return m.DeregisterRoute(host)
		},
	}

	return &ffcli.Command{
		Name:        "route",
		ShortUsage:  "portless route <add|rm>",
		ShortHelp:   "register and remove routes",
		FlagSet:     flag.NewFlagSet("portless route", flag.ContinueOnError),
		UsageFunc:   usageFor(nil),
		Subcommands: []*ffcli.Command{add, rm},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func newFreePortCommand(stdout io.Writer) *ffcli.Command {
	var (
		fs      = flag.NewFlagSet("portless free-port", flag.ContinueOnError)
		minFlag = fs.Int("min", daemon.DefaultMinPort, "lowest candidate port")
		maxFlag = fs.Int("max", daemon.DefaultMaxPort, "highest candidate port")
	)

	return &ffcli.Command{
		Name:       "free-port",
		ShortUsage: "portless free-port [-min N] [-max N]",
		ShortHelp:  "print a port that is free to listen on",
		FlagSet:    fs,
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			port, err := daemon.FindFreePort(*minFlag, *maxFlag)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, port)
			return nil
		},
	}
}

func newDaemonCommand(stderr io.Writer) *ffcli.Command {
	var (
		fs           = flag.NewFlagSet("portless daemon", flag.ContinueOnError)
		portFlag     = fs.Int("port", config.DefaultProxyPort, "proxy listen port")
		addrFlag     = fs.String("addr", "", "listen URI for the proxy, e.g. tcp://127.0.0.1:1355 (default all interfaces on -port)")
		stateDirFlag = fs.String("state-dir", "", "state directory (default depends on -port)")
		dnsFlag      = fs.String("dns", "", "listen address for optional local DNS resolver (e.g. ':5354')")
	)

	return &ffcli.Command{
		Name:       "daemon",
		ShortUsage: "portless daemon [-port N] [-addr URI] [-state-dir DIR] [-dns ADDR]",
		ShortHelp:  "run the proxy in the foreground (normally started by 'proxy start')",
		FlagSet:    fs,
		Options:    envOptions,
		UsageFunc:  usageFor(nil),
		Exec: func(ctx context.Context, args []string) error {
			dir := daemon.StateDir(*stateDirFlag)
			if dir == "" {
				dir = daemon.ResolveStateDir(*portFlag)
			}

			logger := log.New(stderr, "", log.LstdFlags)
			logger.Printf("portless daemon starting (pid %d)", os.Getpid())

			return daemon.Serve(ctx, daemon.ServeConfig{
				StateDir: dir,
				Port:     *portFlag,
				Addr:     *addrFlag,
				DNSAddr:  *dnsFlag,
				Logger:   logger,
			})
		},
	}
}
