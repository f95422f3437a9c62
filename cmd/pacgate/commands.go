package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/yolkispalkis/pacgate/pkg/config"
	"github.com/yolkispalkis/pacgate/pkg/driver"
	"github.com/yolkispalkis/pacgate/pkg/gateway"
	"github.com/yolkispalkis/pacgate/pkg/ipc"
	"github.com/yolkispalkis/pacgate/pkg/kerb"
	"github.com/yolkispalkis/pacgate/pkg/logging"
	"github.com/yolkispalkis/pacgate/pkg/manager"
	"github.com/yolkispalkis/pacgate/pkg/pac"
	"github.com/yolkispalkis/pacgate/pkg/signals"
	"github.com/yolkispalkis/pacgate/pkg/source"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

type app struct {
	flags  rootFlags
	cfg    *config.Config
	logOut io.Closer
	krb    *kerb.Authenticator // set by newManager when kerberos is enabled
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "pacgate",
		Short:        "Evaluate PAC scripts and connect through the proxies they choose",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logOut != nil {
				a.logOut.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.flags.configPath, "config", "c", config.DefaultConfigPath, "Path to config file")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")

	root.AddCommand(
		a.evalCommand(),
		a.resolveCommand(),
		a.connectCommand(),
		a.serveCommand(),
		a.statusCommand(),
		a.reloadCommand(),
		a.configCommand(),
		versionCommand(),
	)
	return root
}

func (a *app) load() error {
	// Log to stderr until the configured destination is known.
	logging.Setup(a.flags.logLevel, "", os.Stderr)
	cfg, err := config.LoadConfig(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	a.cfg = cfg
	a.logOut = logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)
	return nil
}

// newManager builds the manager with Kerberos proxy authentication when
// enabled. The returned cleanup closes both.
func (a *app) newManager(ctx context.Context) (*manager.Manager, func(), error) {
	var auth driver.ProxyAuthenticator
	var authenticator *kerb.Authenticator
	if a.cfg.Kerberos.Enabled {
		authenticator = kerb.New(kerb.Options{CCachePath: a.cfg.Kerberos.CachePath, Krb5Conf: a.cfg.Kerberos.Krb5Conf})
		auth = authenticator
		a.krb = authenticator
	}
	m, err := manager.FromConfig(ctx, a.cfg, auth)
	if err != nil {
		if authenticator != nil {
			authenticator.Close()
		}
		return nil, nil, err
	}
	return m, func() {
		m.Close()
		if authenticator != nil {
			authenticator.Close()
		}
	}, nil
}

func (a *app) evalCommand() *cobra.Command {
	var scriptPath string
	cmd := &cobra.Command{
		Use:   "eval --script FILE|URL URL [HOST]",
		Short: "Evaluate FindProxyForURL from a script and print the raw and parsed result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target := args[0]
			host := ""
			if len(args) == 2 {
				host = args[1]
			} else {
				host = hostOf(target)
			}

			fetcher := source.NewFetcher(source.FetcherOptions{
				Timeout: config.Seconds(a.cfg.Proxy.FetchTimeout),
				Charset: a.cfg.Proxy.Charset,
			})
			doc, err := fetcher.Fetch(ctx, scriptPath, "")
			if err != nil {
				return err
			}

			hosts, err := a.cfg.Engine.HostTable()
			if err != nil {
				return err
			}
			engine := pac.NewEngine(pac.EngineOptions{
				ExecTimeout:   config.Seconds(a.cfg.Engine.ExecutionTimeout),
				MyIPAddresses: a.cfg.Engine.MyIPAddress,
				Hosts:         hosts,
			})
			script, err := engine.LoadScript(ctx, doc.Content)
			if err != nil {
				return err
			}
			raw, err := engine.Evaluate(ctx, script, target, host)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Result: %s\n", raw)
			chain, err := pac.ParseDirectives(raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Chain:  %s\n", chain)
			for i, uri := range chain.URIs() {
				fmt.Fprintf(out, "  %d. %s\n", i+1, uri)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "PAC script path or URL")
	cmd.MarkFlagRequired("script")
	return cmd
}

func (a *app) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve URL...",
		Short: "Print the proxy chain chosen for each URL under the current configuration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, cleanup, err := a.newManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var failed error
			for _, target := range args {
				chain, err := m.ChainForURL(ctx, target)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> error: %v\n", target, err)
					failed = errors.Join(failed, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", target, chain)
			}
			return failed
		},
	}
}

func (a *app) connectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect URL",
		Short: "Walk the proxy chain for URL and report which hop connected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, cleanup, err := a.newManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			result, err := m.Connect(ctx, args[0])
			if err != nil {
				var exhausted *driver.ExhaustedError
				if errors.As(err, &exhausted) {
					for _, f := range exhausted.Failures {
						fmt.Fprintf(out, "  failed %s: %s (%v)\n", f.Hop, f.Reason, f.Err)
					}
				}
				return err
			}
			defer result.Conn.Close()

			fmt.Fprintf(out, "Connected via %s\n", result.Via)
			attempted := make([]string, len(result.Attempted))
			for i, hop := range result.Attempted {
				attempted[i] = hop.String()
			}
			fmt.Fprintf(out, "Attempted: %s\n", strings.Join(attempted, " -> "))
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP proxy gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var shutdownOnce sync.Once
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			slog.Info("Starting pacgate", "version", version, "commit", commit, "pid", os.Getpid(), "mode", a.cfg.Proxy.Mode)

			m, cleanup, err := a.newManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			signals.SetupHandler(ctx, cancel, &shutdownOnce, func() {
				if err := m.Refresh(ctx); err != nil {
					slog.Error("Reload failed", "error", err)
				}
			})

			gw := gateway.New(m, gateway.Options{
				ListenAddr:     a.cfg.Gateway.ListenAddr,
				MaxConnections: int64(a.cfg.Gateway.MaxConnections),
			})
			if err := gw.Start(); err != nil {
				return err
			}

			if path := a.cfg.Control.SocketPath; path != "" {
				backend := &controlBackend{started: time.Now(), m: m, gw: gw, krb: a.krb}
				ctl, err := ipc.Listen(path, backend)
				if err != nil {
					slog.Warn("Control socket unavailable, status and reload commands will not work", "error", err)
				} else {
					ctl.Run(ctx)
					defer func() {
						cancel()
						ctl.Wait()
					}()
				}
			}

			done := make(chan error, 1)
			go func() { done <- gw.Serve(ctx) }()

			select {
			case err := <-done:
				signals.TriggerShutdown(&shutdownOnce, cancel)
				return err
			case <-ctx.Done():
			}

			select {
			case err := <-done:
				slog.Info("Gateway stopped gracefully")
				return err
			case <-time.After(a.cfg.ShutdownTimeout):
				slog.Warn("Shutdown timeout exceeded, abandoning active connections", "active", gw.ActiveConnections())
				return nil
			}
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	var output string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration, or save it as YAML with --output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "" {
				return config.SaveConfig(a.cfg, output)
			}
			settings, err := config.Settings(a.cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}
	dump.Flags().StringVarP(&output, "output", "o", "", "Write YAML to this file instead of printing")
	cmd.AddCommand(dump)
	return cmd
}

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pacgate %s, commit %s, built at %s (%s)\n", version, commit, date, runtime.Version())
		},
	}
	// No config needed.
	cmd.PersistentPreRun = func(*cobra.Command, []string) {}
	return cmd
}

// hostOf extracts the host from a URL for eval when none is given.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
