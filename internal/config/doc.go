// Package config holds connection definitions and application settings.
//
// Connections are persisted by the caller as a JSON array of
// ConnectionConfig. Before use every record goes through Normalize, which
// generates missing ids, derives the auth method, assigns credential keys
// and computes baseUrl/apiBaseUrl from organization and project using the
// host-specific rules of dev.azure.com, *.visualstudio.com and on-premises
// servers. Normalize reports what it synthesized so the caller knows
// whether to save.
//
// Application settings (retry policy, OAuth flow, refresh interval,
// credential backend) come from config.yaml in the user config directory,
// loaded with gopkg.in/yaml.v3 on top of GetDefaultConfig.
package config
