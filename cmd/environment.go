package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"adoconnect/internal/auth"
	"adoconnect/internal/azdo"
	"adoconnect/internal/config"
	"adoconnect/internal/connection"
	"adoconnect/internal/credentials"
	"adoconnect/internal/supervisor"
	"adoconnect/pkg/logging"
)

const activeConnectionFile = "active-connection"

// environment bundles what every command loads before it does anything.
type environment struct {
	dir         string
	cfg         config.AppConfig
	store       credentials.Store
	auth        *auth.Engine
	connections []config.ConnectionConfig
}

// loadEnvironment reads config.yaml and the connections file from the
// configuration directory. The connections file is normalized and written
// back when normalization synthesized fields.
func loadEnvironment() (*environment, error) {
	dir, err := resolveConfigDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, config.FormatValidationError("configuration", filepath.Join(dir, "config.yaml"), err)
	}

	store, err := credentials.NewFromConfig(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	conns, report, err := config.LoadAndNormalizeConnections(cfg.ConnectionsFile)
	if err != nil {
		return nil, err
	}
	if report.RequiresSave() {
		logging.Info("ConfigLoader", "Normalized %d connection(s) in %s", len(conns), cfg.ConnectionsFile)
	}

	return &environment{
		dir:         dir,
		cfg:         cfg,
		store:       store,
		auth:        auth.NewEngine(store, auth.WithProvider(auth.NewEntraProvider(cfg.OAuth))),
		connections: conns,
	}, nil
}

// newSupervisor wires the authentication engine, the Azure DevOps factory
// and the configured policy into a supervisor.
func (e *environment) newSupervisor(listeners ...connection.Listener) *supervisor.Supervisor {
	factory := azdo.NewFactory()
	opts := []supervisor.Option{
		supervisor.WithPolicy(connection.PolicyFromConfig(e.cfg)),
		supervisor.WithMinimumRefreshInterval(e.cfg.Refresh.MinimumInterval),
	}
	for _, l := range listeners {
		opts = append(opts, supervisor.WithListener(l))
	}
	return supervisor.New(connection.Dependencies{
		Authenticator: e.auth,
		Clients:       factory,
		Providers:     factory,
	}, opts...)
}

// findConnection matches ref against ids first, then labels and
// organization/project display names, case-insensitively.
func findConnection(conns []config.ConnectionConfig, ref string) (config.ConnectionConfig, error) {
	for _, c := range conns {
		if c.ID == ref {
			return c, nil
		}
	}
	var matches []config.ConnectionConfig
	for _, c := range conns {
		if strings.EqualFold(c.DisplayName(), ref) || strings.EqualFold(c.Organization+"/"+c.Project, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return config.ConnectionConfig{}, fmt.Errorf("no connection matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return config.ConnectionConfig{}, fmt.Errorf("%q matches %d connections; use the connection id", ref, len(matches))
	}
}

// activeConnection returns the persisted active connection, falling back to
// the first configured connection.
func (e *environment) activeConnection() (config.ConnectionConfig, bool) {
	persisted := ""
	if data, err := os.ReadFile(filepath.Join(e.dir, activeConnectionFile)); err == nil {
		persisted = strings.TrimSpace(string(data))
	}
	id, reason := config.ResolveActiveConnectionID(e.connections, persisted)
	if reason == config.ActiveCleared {
		return config.ConnectionConfig{}, false
	}
	if reason == config.ActiveDefaulted && persisted != "" {
		logging.Info("ConfigLoader", "Active connection %s no longer exists; using %s", persisted, id)
	}
	c, err := findConnection(e.connections, id)
	return c, err == nil
}

// setActiveConnection persists id as the active connection.
func (e *environment) setActiveConnection(id string) error {
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", e.dir, err)
	}
	return os.WriteFile(filepath.Join(e.dir, activeConnectionFile), []byte(id+"\n"), 0o600)
}

// displayNames maps connection ids to display names for event messages.
// It is read from engine goroutines and replaced when connections reload.
type displayNames struct {
	mu    sync.RWMutex
	names map[string]string
}

func newDisplayNames(conns []config.ConnectionConfig) *displayNames {
	d := &displayNames{}
	d.set(conns)
	return d
}

func (d *displayNames) set(conns []config.ConnectionConfig) {
	names := make(map[string]string, len(conns))
	for _, c := range conns {
		names[c.ID] = c.DisplayName()
	}
	d.mu.Lock()
	d.names = names
	d.mu.Unlock()
}

func (d *displayNames) lookup(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[id]
}

// connectionError turns a settled failure state into the error returned by
// a command, keeping the api error for exit code mapping.
func connectionError(st connection.RuntimeState) error {
	if st.LastError != nil {
		return fmt.Errorf("connection %s: %w", st.Config.DisplayName(), st.LastError)
	}
	return fmt.Errorf("connection %s ended in state %s", st.Config.DisplayName(), st.State)
}

var errNoConnections = errors.New("no connections configured; add one to the connections file")
