package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adoconnect/internal/config"
	"adoconnect/internal/credentials"
	pkgoauth "adoconnect/pkg/oauth"
)

// executeCommand runs the root command with args against a fresh flag state
// and returns what it printed to stdout.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	logLevel = "warn"
	configDir = ""
	normalizeDryRun = false
	credentialFromStdin = false
	connectAll = false
	connectForce = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func writeConnections(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "connections.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNormalizeCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConnections(t, dir, `[{"organization":"contoso","project":"web","authMethod":"pat"}]`)

	out, err := executeCommand(t, "", "--config-dir", dir, "normalize", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Generated ids")
	assert.Contains(t, out, "Dry run")

	raw, err := config.LoadConnections(path)
	require.NoError(t, err)
	assert.Empty(t, raw[0].ID, "dry run must not write")

	out, err = executeCommand(t, "", "--config-dir", dir, "normalize")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 1 connection(s)")

	conns, err := config.LoadConnections(path)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.NotEmpty(t, conns[0].ID)
	assert.Equal(t, config.AuthMethodStatic, conns[0].AuthMethod)
	assert.Equal(t, config.CredentialKeyFor(conns[0].ID), conns[0].CredentialKey)

	out, err = executeCommand(t, "", "--config-dir", dir, "normalize")
	require.NoError(t, err)
	assert.Contains(t, out, "already normalized")
}

func TestCredentialLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeConnections(t, dir, `[
		{"id":"c1","organization":"contoso","project":"web","authMethod":"pat"},
		{"id":"c2","organization":"contoso","project":"api","authMethod":"entra"}
	]`)

	out, err := executeCommand(t, "", "--config-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "missing")
	assert.Contains(t, out, "sign-in required")

	out, err = executeCommand(t, "pat-secret-value\n", "--config-dir", dir, "credential", "set", "contoso/web", "--stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored personal access token for contoso/web")

	store, err := credentials.NewFileStore(filepath.Join(dir, "credentials"))
	require.NoError(t, err)
	got, err := store.Get(context.Background(), config.CredentialKeyFor("c1"))
	require.NoError(t, err)
	assert.Equal(t, "pat-secret-value", got)

	out, err = executeCommand(t, "", "--config-dir", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stored")

	_, err = executeCommand(t, "token\n", "--config-dir", dir, "credential", "set", "c2", "--stdin")
	assert.Error(t, err, "OAuth connections have no personal access token")

	out, err = executeCommand(t, "", "--config-dir", dir, "credential", "delete", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted personal access token")

	out, err = executeCommand(t, "", "--config-dir", dir, "credential", "delete", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "No personal access token stored")
}

func TestConnectWithoutConnections(t *testing.T) {
	_, err := executeCommand(t, "", "--config-dir", t.TempDir(), "connect")
	assert.ErrorIs(t, err, errNoConnections)
}

func TestFindConnection(t *testing.T) {
	conns := []config.ConnectionConfig{
		{ID: "c1", Organization: "contoso", Project: "web"},
		{ID: "c2", Organization: "contoso", Project: "api", Label: "API"},
		{ID: "c3", Organization: "fabrikam", Project: "web", Label: "shared"},
		{ID: "c4", Organization: "northwind", Project: "web", Label: "shared"},
	}

	c, err := findConnection(conns, "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID)

	c, err = findConnection(conns, "CONTOSO/WEB")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	c, err = findConnection(conns, "contoso/api")
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID, "organization/project matches even when a label is set")

	_, err = findConnection(conns, "shared")
	assert.ErrorContains(t, err, "matches 2 connections")

	_, err = findConnection(conns, "nope")
	assert.Error(t, err)
}

func TestActiveConnection(t *testing.T) {
	env := &environment{
		dir: t.TempDir(),
		connections: []config.ConnectionConfig{
			{ID: "c1", Organization: "contoso", Project: "web"},
			{ID: "c2", Organization: "contoso", Project: "api"},
		},
	}

	c, ok := env.activeConnection()
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)

	require.NoError(t, env.setActiveConnection("c2"))
	c, ok = env.activeConnection()
	require.True(t, ok)
	assert.Equal(t, "c2", c.ID)

	env.connections = env.connections[:1]
	c, ok = env.activeConnection()
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID)

	env.connections = nil
	_, ok = env.activeConnection()
	assert.False(t, ok)
}

func TestDescribeToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Contains(t, describeToken(nil, now), "sign-in required")
	assert.Contains(t, describeToken(&pkgoauth.Token{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}, now), "valid until")
	assert.Contains(t, describeToken(&pkgoauth.Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(time.Minute)}, now), "expired, refreshable")
	assert.Contains(t, describeToken(&pkgoauth.Token{AccessToken: "a", ExpiresAt: now.Add(-time.Minute)}, now), "sign-in required")
}
