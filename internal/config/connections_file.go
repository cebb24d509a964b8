package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"adoconnect/pkg/logging"
)

// LoadConnections reads the persisted JSON array of connections. A missing
// file yields an empty list.
func LoadConnections(path string) ([]ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Debug("ConfigLoader", "No connections file at %s", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var conns []ConnectionConfig
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("failed to parse connections file %s: %w", path, err)
	}
	return conns, nil
}

// SaveConnections writes the connections atomically with owner-only
// permissions.
func SaveConnections(path string, conns []ConnectionConfig) error {
	if conns == nil {
		conns = []ConnectionConfig{}
	}
	data, err := json.MarshalIndent(conns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connections: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".connections-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write connections: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	logging.Info("ConfigLoader", "Saved %d connections to %s", len(conns), path)
	return nil
}

// LoadAndNormalizeConnections loads the connections file, normalizes it and
// writes it back when normalization synthesized anything.
func LoadAndNormalizeConnections(path string) ([]ConnectionConfig, NormalizeReport, error) {
	raw, err := LoadConnections(path)
	if err != nil {
		return nil, NormalizeReport{}, err
	}
	conns, report := NormalizeAll(raw, nil)
	if report.RequiresSave() {
		if err := SaveConnections(path, conns); err != nil {
			return conns, report, err
		}
	}
	return conns, report, nil
}
