package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/devmux/portless"
	"github.com/devmux/portless/config"
	"github.com/devmux/portless/manager"
)

func main() {
	err := exe(
		context.Background(),
		os.Stdin,
		os.Stdout,
		os.Stderr,
		os.Args[1:],
	)
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var (
		rootFlags     = flag.NewFlagSet("portless", flag.ContinueOnError)
		configFlag    = rootFlags.String("config", ".", "project config file, or a directory to search upwards from")
		proxyPortFlag = rootFlags.Int("proxy-port", 0, "proxy port (default from project config, else 1355)")
		verboseFlag   = rootFlags.Bool("v", false, "log daemon lifecycle events")
	)
	rootFlags.SetOutput(stderr)

	logger := log.New(io.Discard, "", 0)

	load := func() (*manager.Manager, error) {
		if *verboseFlag {
			logger.SetOutput(stderr)
		}

		cfg, err := loadConfig(*configFlag)
		if err != nil {
			return nil, err
		}
		if *proxyPortFlag > 0 {
			cfg.Proxy.Port = *proxyPortFlag
		}
		return manager.New(cfg, logger), nil
	}

	proxy := newProxyCommand(stdout, load)
	route := newRouteCommand(stdout, load)
	freePort := newFreePortCommand(stdout)
	daemonCmd := newDaemonCommand(stderr)

	root := &ffcli.Command{
		Name:        "portless",
		ShortUsage:  "portless [flags] <subcommand> [flags] [<arg>...]",
		FlagSet:     rootFlags,
		Options:     envOptions,
		UsageFunc:   usageFor(rootExamples),
		Subcommands: []*ffcli.Command{proxy, route, freePort, daemonCmd},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	for _, c := range []*ffcli.Command{proxy, route, freePort, daemonCmd} {
		c.FlagSet.SetOutput(stderr)
	}

	if err := root.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("parse flags: %w", err)
	}

	return root.Run(ctx)
}

// loadConfig loads the project config at path, which may be a file or a
// directory to search from. Without a project config, a config with the
// proxy enabled on the default port is used, so that the proxy can be driven
// by hand.
func loadConfig(path string) (*config.Config, error) {
	fi, err := os.Stat(path)
	switch {
	case err != nil:
		return nil, fmt.Errorf("config: %w", err)
	case fi.IsDir():
		cfg, err := config.Load(path)
		if errors.Is(err, config.ErrNoConfig) {
			return &config.Config{Project: filepath.Base(path), Proxy: config.Proxy{Enabled: true}}, nil
		}
		return cfg, err
	default:
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.InstanceID = config.ResolveInstanceID(cfg.Root)
		return cfg, nil
	}
}

var rootExamples = []string{
	"Start the proxy, route a dev server to http://api.myapp.localhost:1355, and list routes",
	"",
	"  portless proxy start",
	"  portless route add -host api.myapp -port 4000 -pid $$",
	"  portless proxy routes",
	"",
	"Resolve *.localhost for tools that don't (macOS)",
	"",
	`  sudo printf "nameserver 127.0.0.1\nport 5354\n" > /etc/resolver/localhost`,
	"  portless proxy stop && PORTLESS_DNS=:5354 portless proxy start",
}

func usageFor(examples []string) func(*ffcli.Command) string {
	return func(c *ffcli.Command) string {
		buf := &bytes.Buffer{}
		fmt.Fprintf(buf, "USAGE\n")
		fmt.Fprintf(buf, "  %s\n", firstNonEmpty(c.ShortUsage, c.Name+" [flags]"))
		fmt.Fprintf(buf, "\n")

		if c.LongHelp != "" {
			fmt.Fprintf(buf, "%s\n\n", c.LongHelp)
		}

		if len(c.Subcommands) > 0 {
			fmt.Fprintf(buf, "SUBCOMMANDS\n")
			tw := tabwriter.NewWriter(buf, 0, 4, 2, ' ', 0)
			for _, sub := range c.Subcommands {
				fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.ShortHelp)
			}
			tw.Flush()
			fmt.Fprintf(buf, "\n")
		}

		if c.FlagSet != nil {
			var hasFlags bool
			c.FlagSet.VisitAll(func(*flag.Flag) { hasFlags = true })
			if hasFlags {
				fmt.Fprintf(buf, "FLAGS\n")
				tw := tabwriter.NewWriter(buf, 0, 4, 2, ' ', 0)
				c.FlagSet.VisitAll(func(f *flag.Flag) {
					def := f.DefValue
					if def == "" {
						def = "..."
					}
					fmt.Fprintf(tw, "  -%s=%s\t%s\n", f.Name, def, f.Usage)
				})
				tw.Flush()
				fmt.Fprintf(buf, "\n")
			}
		}

		if len(examples) > 0 {
			fmt.Fprintf(buf, "EXAMPLES\n")
			for _, line := range examples {
				fmt.Fprintf(buf, "  %s\n", line)
			}
			fmt.Fprintf(buf, "\n")
		}

		return strings.TrimRight(buf.String(), "\n") + "\n"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseHost accepts a bare name like "api.myapp" and normalizes it.
func parseHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("-host is required")
	}
	return portless.ParseHostname(host)
}
