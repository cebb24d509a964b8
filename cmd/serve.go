package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"adoconnect/internal/config"
	"adoconnect/internal/events"
	"adoconnect/internal/metrics"
	"adoconnect/internal/supervisor"
	"adoconnect/pkg/logging"
)

// Serve-specific flags
var (
	serveMetricsAddress string
	serveStateEvents    bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep every configured connection connected and refreshed",
		Long: `Connect every configured connection and keep it authenticated until
interrupted. Tokens are refreshed ahead of expiry, failed static-token
refreshes are retried with backoff and OAuth connections that need a new
sign-in print a prompt.

The connections file is watched: added connections are connected, removed
ones are disconnected and edited ones reconnect.

When a metrics address is configured, Prometheus metrics are served at
/metrics.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveMetricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address (overrides metrics.listenAddress)")
	cmd.Flags().BoolVar(&serveStateEvents, "state-events", false, "Log every state transition")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	names := newDisplayNames(env.connections)
	m := metrics.NewMetrics()
	gen := events.NewEventGenerator(logEvent, names.lookup)
	gen.IncludeStateChanges = serveStateEvents
	p := newPresenter(cmd.ErrOrStderr(), env.cfg.OAuth.OpenBrowser, names)

	sup := env.newSupervisor(m.Observe, gen.Listener(), p.listen)
	defer sup.Close()

	ctx := commandContext(cmd)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	sup.Apply(env.connections)
	logging.Info("CLI", "Managing %d connection(s) from %s", len(env.connections), env.cfg.ConnectionsFile)

	if err := os.MkdirAll(filepath.Dir(env.cfg.ConnectionsFile), 0o700); err != nil {
		return fmt.Errorf("failed to create connections directory: %w", err)
	}
	watcher := config.NewConnectionsWatcher(env.cfg.ConnectionsFile, func(conns []config.ConnectionConfig) {
		applyConnections(sup, m, names, conns)
	})
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	addr := serveMetricsAddress
	if addr == "" {
		addr = env.cfg.Metrics.ListenAddress
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logging.Info("CLI", "Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logging.Info("CLI", "Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// applyConnections reconciles the supervisor with a reloaded connections
// file and drops the metrics of removed connections.
func applyConnections(sup *supervisor.Supervisor, m *metrics.Metrics, names *displayNames, conns []config.ConnectionConfig) {
	keep := make(map[string]bool, len(conns))
	for _, c := range conns {
		keep[c.ID] = true
	}
	removed := []string{}
	for _, id := range sup.IDs() {
		if !keep[id] {
			removed = append(removed, id)
		}
	}

	names.set(conns)
	sup.Apply(conns)
	for _, id := range removed {
		m.Forget(id)
	}
	logging.Info("CLI", "Reloaded connections: %d configured, %d removed", len(conns), len(removed))
}

// logEvent writes rendered connection events to the log.
func logEvent(ev events.Event) {
	if ev.Type == events.EventTypeWarning {
		logging.Warn("Events", "%s", ev.Message)
		return
	}
	logging.Info("Events", "%s", ev.Message)
}
