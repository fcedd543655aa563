package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/devicefactory"
	"github.com/srg/bedrest/internal/dispatch"
	"github.com/srg/bedrest/internal/groutine"
	"github.com/srg/bedrest/internal/httpapi"
	"github.com/srg/bedrest/internal/manager"
	"github.com/srg/bedrest/internal/mdns"
	"github.com/srg/bedrest/internal/session"
	"github.com/srg/bedrest/pkg/config"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured beds and serve the HTTP API",
	Long: `Scan for every bed listed in the configuration, connect them once all have
been found, and accept commands over HTTP until interrupted.

Examples:
  bedrest serve -c /etc/bedrest.yaml
  BEDREST_LISTEN=:9000 bedrest serve -c bedrest.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "HTTP listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	table, err := cfg.CommandTable()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, table, devicefactory.NewCentralFactory(logger), logger)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// app wires the connection manager, dispatcher and HTTP server for one serve run.
type app struct {
	cfg      *config.Config
	registry *session.Registry
	manager  *manager.Manager
	server   *httpapi.Server
	logger   *logrus.Logger
}

func newApp(cfg *config.Config, table *command.Table, open device.CentralFactory, logger *logrus.Logger) (*app, error) {
	registry := session.NewRegistry()

	mgr, err := manager.New(open, registry, managerOptions(cfg), logger)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, cfg.Beds.Len())
	for _, b := range cfg.Beds.List() {
		labels = append(labels, b.Label)
	}
	d := dispatch.New(registry, labels, table, cfg.WriteTimeout, logger)
	handler := httpapi.NewHandler(d, mgr, registry, table, logger)
	srv := httpapi.NewServer(handler, httpapi.ServerOptions{
		Addr:              cfg.Listen,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		ShutdownTimeout:   shutdownTimeout,
	}, logger)

	return &app{cfg: cfg, registry: registry, manager: mgr, server: srv, logger: logger}, nil
}

func managerOptions(cfg *config.Config) manager.Options {
	beds := make([]manager.Bed, 0, cfg.Beds.Len())
	for _, b := range cfg.Beds.List() {
		beds = append(beds, manager.Bed{Address: b.Address, Label: b.Label})
	}
	return manager.Options{
		ServiceUUID:          cfg.ServiceUUID,
		CharacteristicUUID:   cfg.CharacteristicUUID,
		Beds:                 beds,
		ConnectTimeout:       cfg.ConnectTimeout,
		DiscoveryTimeout:     cfg.DiscoveryTimeout,
		AdapterRetryInterval: cfg.AdapterRetryInterval,
		Retry: manager.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	}
}

// run serves until ctx is done or the manager stops, then drains HTTP before
// the manager closes the bed links.
func (a *app) run(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group groutine.Group
	managerDone := make(chan error, 1)
	group.Go(runCtx, "bed-manager", func(ctx context.Context) {
		managerDone <- a.manager.Run(ctx)
	})
	if a.cfg.MDNS.Enabled {
		a.advertise(runCtx, &group)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case runErr = <-managerDone:
		a.logger.WithField("error", runErr).Error("Connection manager stopped unexpectedly")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	cancel()
	group.Wait()
	return runErr
}

func (a *app) advertise(ctx context.Context, group *groutine.Group) {
	_, portStr, err := net.SplitHostPort(a.server.Addr())
	if err != nil {
		a.logger.WithField("error", err).Warn("mDNS disabled: cannot determine HTTP port")
		return
	}
	port, _ := strconv.Atoi(portStr)

	advertiser := mdns.NewAdvertiser(a.cfg.MDNS.Instance, a.logger)
	meta := map[string]string{
		"version": formatVersion(version),
		"beds":    strconv.Itoa(a.cfg.Beds.Len()),
	}
	group.Go(ctx, "mdns-advertiser", func(ctx context.Context) {
		if err := advertiser.Advertise(ctx, port, meta); err != nil {
			a.logger.WithField("error", err).Warn("mDNS advertisement failed")
		}
	})
}
