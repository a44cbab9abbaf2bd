// ============================================================================
// fieldbus-bridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a bridge and driving a running one
//
// Command Structure:
//   bridge                         # Root command
//   ├── run                        # Start the bridge, its devices and servers
//   ├── validate                   # Load and validate the config file only
//   ├── status                     # Query a running bridge
//   ├── read <address>             # Schedule (or --stop) a read
//   ├── write <address> <kind> <value>
//   ├── --config, -c               # Config file (all commands that need one)
//   └── --version, --help
//
// status, read and write talk to the admin gRPC service of a running bridge
// (--admin host:port, default localhost:50051).
//
// run Command:
//   1. Load config and configure logging
//   2. Build metrics collector, bridge and devices
//   3. Under an errgroup: connect (retrying every auto_reconnect_period),
//      serve /metrics and the admin service
//   4. On SIGINT/SIGTERM: stop servers, detach devices, close the bridge
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/fieldbus-bridge/internal/bridge"
	"github.com/ChuLiYu/fieldbus-bridge/internal/config"
	"github.com/ChuLiYu/fieldbus-bridge/internal/device"
	"github.com/ChuLiYu/fieldbus-bridge/internal/log"
	"github.com/ChuLiYu/fieldbus-bridge/internal/mapper"
	"github.com/ChuLiYu/fieldbus-bridge/internal/metrics"
	"github.com/ChuLiYu/fieldbus-bridge/internal/server"
	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

const (
	defaultConfigFile = "configs/bridge.yaml"
	defaultAdminAddr  = "localhost:50051"
	callTimeout       = 10 * time.Second
)

var (
	configFile string
	adminAddr  string
)

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "fieldbus-bridge: a supervised link and read scheduler for a building bus",
		Long: `fieldbus-bridge keeps a link to a group-addressed building bus open with:
- automatic reconnection after transport failures
- throttled cyclic reads of configured group addresses
- suppression of its own write echoes
- Prometheus metrics and a gRPC admin service`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildReadCommand())
	rootCmd.AddCommand(buildWriteCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Long:  "Connect to the bus, attach the configured devices and serve metrics and the admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, cfg)
		},
	}
}

// runBridge runs until ctx is cancelled or a server fails.
func runBridge(ctx context.Context, cfg *config.Config) error {
	log.Configure(log.Config{Level: cfg.Log.Level, Console: cfg.Log.Console})
	logger := log.WithComponent("cli")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	b, err := bridge.New(cfg.BridgeConfig(), dialer, bridge.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	defer b.Close()

	cancelStatus := b.OnStatus(func(st types.Status) {
		logger.Info().Str("status", st.String()).Msg("bridge status")
	})
	defer cancelStatus()

	devices := make([]*device.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.DeviceConfigs() {
		id := dc.ID
		d, err := device.New(dc, func(channelID string, v mapper.Value) {
			logger.Info().Str("device", id).Str("channel", channelID).Str("value", v.String()).Msg("state")
		})
		if err != nil {
			return err
		}
		d.Attach(b)
		devices = append(devices, d)
	}
	defer func() {
		for _, d := range devices {
			d.Detach()
		}
	}()

	logger.Info().
		Str("transport", dialer.Endpoint()).
		Int("devices", len(devices)).
		Msg("starting bridge")

	var adminLis net.Listener
	if cfg.Admin.Enabled {
		adminLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Admin.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Admin.Port, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return connect(gctx, b, cfg.BridgeConfig().Supervisor.AutoReconnectPeriod)
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if adminLis != nil {
		lis := adminLis
		grpcServer := grpc.NewServer()
		server.Register(grpcServer, server.NewServer(b))
		g.Go(func() error {
			logger.Info().Str("addr", lis.Addr().String()).Msg("admin server listening")
			if err := grpcServer.Serve(lis); err != nil {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}

// connect opens the link, retrying every period until it succeeds or ctx
// ends. A zero period makes the first failure fatal. Once connected the
// supervisor owns reconnection.
func connect(ctx context.Context, b *bridge.Bridge, period time.Duration) error {
	logger := log.WithComponent("cli")
	for {
		err := b.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if period <= 0 {
			return fmt.Errorf("failed to connect: %w", err)
		}
		logger.Warn().Err(err).Dur("retry_in", period).Msg("connect failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(period):
		}
	}
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			d, err := cfg.Dialer()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			channels := 0
			for _, dev := range cfg.Devices {
				channels += len(dev.Channels)
			}
			fmt.Fprintf(out, "config %s is valid\n", configFile)
			fmt.Fprintf(out, "  transport: %s\n", d.Endpoint())
			fmt.Fprintf(out, "  devices:   %d (%d channels)\n", len(cfg.Devices), channels)
			return nil
		},
	}
}

// ============================================================================
// Admin client commands
// ============================================================================

func addAdminFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&adminAddr, "admin", defaultAdminAddr, "admin service address (host:port)")
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(adminAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to admin service: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.GetStatus(ctx)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				jobs, err := c.ListJobs(ctx)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				printStatus(cmd.OutOrStdout(), st, jobs)
				return nil
			})
		},
	}
	addAdminFlag(cmd)
	return cmd
}

func printStatus(out io.Writer, st map[string]interface{}, jobs []interface{}) {
	fmt.Fprintln(out, "Bridge:")
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-13s %v\n", k+":", st[k])
	}

	fmt.Fprintf(out, "Read jobs (%d):\n", len(jobs))
	for _, j := range jobs {
		m, ok := j.(map[string]interface{})
		if !ok {
			continue
		}
		kind := "once"
		if periodic, _ := m["periodic"].(bool); periodic {
			kind = fmt.Sprintf("every %vs", m["interval_seconds"])
		}
		fmt.Fprintf(out, "  %-10v %-12s due %v\n", m["address"], kind, m["due"])
	}
}

func buildReadCommand() *cobra.Command {
	var interval time.Duration
	var stop bool

	cmd := &cobra.Command{
		Use:   "read <address>",
		Short: "Schedule a read of a group address",
		Long:  "Schedule a one-shot read (default) or a cyclic read (--interval) on a running bridge. --stop removes the address's read job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if stop {
					if err := c.UnscheduleRead(ctx, address); err != nil {
						return fmt.Errorf("failed to unschedule %s: %w", address, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "read of %s unscheduled\n", address)
					return nil
				}
				if err := c.ScheduleRead(ctx, address, interval); err != nil {
					return fmt.Errorf("failed to schedule %s: %w", address, err)
				}
				if interval > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "reading %s every %s\n", address, interval)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "reading %s once\n", address)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "cyclic read interval (0 reads once)")
	cmd.Flags().BoolVar(&stop, "stop", false, "unschedule the address instead")
	addAdminFlag(cmd)
	return cmd
}

func buildWriteCommand() *cobra.Command {
	var dpt string

	cmd := &cobra.Command{
		Use:   "write <address> <kind> <value>",
		Short: "Write a value to a group address",
		Long:  "Write a value on a running bridge. kind is one of OnOff, Percent, Decimal, String, IncreaseDecrease, UpDown.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				sent, err := c.WriteValue(ctx, args[0], args[1], args[2], dpt)
				if err != nil {
					return fmt.Errorf("failed to write %s: %w", args[0], err)
				}
				if !sent {
					return fmt.Errorf("write to %s was not sent (bridge offline or value rejected)", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", args[2], args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&dpt, "dpt", "", "datapoint type, e.g. 5.001 (default of the kind when empty)")
	addAdminFlag(cmd)
	return cmd
}
