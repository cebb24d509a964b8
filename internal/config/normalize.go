package config

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// CredentialKeyPrefix namespaces personal access tokens in the credential store.
const CredentialKeyPrefix = "adoconnect.pat."

// CredentialKeyFor returns the credential store key of a static connection.
func CredentialKeyFor(connectionID string) string {
	return CredentialKeyPrefix + connectionID
}

// NormalizeReport lists, by connection id, every field Normalize had to
// synthesize. A caller persists the connections when RequiresSave is true.
type NormalizeReport struct {
	GeneratedIDs        []string
	AddedCredentialKeys []string
	AddedBaseURLs       []string
	AddedAPIBaseURLs    []string
	DerivedAuthMethods  []string
	RecoveredFromURL    []string
	DroppedDuplicates   []string
}

// RequiresSave reports whether any field was synthesized or any record dropped.
func (r NormalizeReport) RequiresSave() bool {
	return len(r.GeneratedIDs) > 0 ||
		len(r.AddedCredentialKeys) > 0 ||
		len(r.AddedBaseURLs) > 0 ||
		len(r.AddedAPIBaseURLs) > 0 ||
		len(r.DerivedAuthMethods) > 0 ||
		len(r.RecoveredFromURL) > 0 ||
		len(r.DroppedDuplicates) > 0
}

func (r *NormalizeReport) merge(o NormalizeReport) {
	r.GeneratedIDs = append(r.GeneratedIDs, o.GeneratedIDs...)
	r.AddedCredentialKeys = append(r.AddedCredentialKeys, o.AddedCredentialKeys...)
	r.AddedBaseURLs = append(r.AddedBaseURLs, o.AddedBaseURLs...)
	r.AddedAPIBaseURLs = append(r.AddedAPIBaseURLs, o.AddedAPIBaseURLs...)
	r.DerivedAuthMethods = append(r.DerivedAuthMethods, o.DerivedAuthMethods...)
	r.RecoveredFromURL = append(r.RecoveredFromURL, o.RecoveredFromURL...)
	r.DroppedDuplicates = append(r.DroppedDuplicates, o.DroppedDuplicates...)
}

// IDGenerator produces ids for records that lack one.
type IDGenerator func() string

// NewUUID is the default IDGenerator.
func NewUUID() string {
	return uuid.NewString()
}

// Normalize fills in everything a connection needs from a possibly partial
// record. It is idempotent: normalizing its own output changes nothing and
// reports nothing. A nil newID uses NewUUID.
func Normalize(raw ConnectionConfig, newID IDGenerator) (ConnectionConfig, NormalizeReport) {
	if newID == nil {
		newID = NewUUID
	}
	var report NormalizeReport
	c := raw

	c.ID = strings.TrimSpace(c.ID)
	c.Organization = decodeIdentifier(c.Organization)
	c.Project = decodeIdentifier(c.Project)
	c.Team = decodeIdentifier(c.Team)
	c.Label = strings.TrimSpace(c.Label)
	c.TenantID = strings.TrimSpace(c.TenantID)
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.CredentialKey = strings.TrimSpace(c.CredentialKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.APIBaseURL = strings.TrimSpace(c.APIBaseURL)

	if c.ID == "" {
		c.ID = newID()
		report.GeneratedIDs = append(report.GeneratedIDs, c.ID)
	}

	if c.BaseURL != "" && (c.Organization == "" || c.Project == "" || hasSpecialFolder(c.BaseURL)) {
		if recoverFromURL(&c) {
			report.RecoveredFromURL = append(report.RecoveredFromURL, c.ID)
		}
	}

	if method, ok := ParseAuthMethod(string(c.AuthMethod)); ok {
		if method != c.AuthMethod {
			c.AuthMethod = method
			report.DerivedAuthMethods = append(report.DerivedAuthMethods, c.ID)
		}
	} else if strings.TrimSpace(string(c.AuthMethod)) == "" {
		if c.TenantID != "" {
			c.AuthMethod = AuthMethodOAuth
		} else {
			c.AuthMethod = AuthMethodStatic
		}
		report.DerivedAuthMethods = append(report.DerivedAuthMethods, c.ID)
	}

	if c.AuthMethod == AuthMethodStatic && c.CredentialKey == "" {
		c.CredentialKey = CredentialKeyFor(c.ID)
		report.AddedCredentialKeys = append(report.AddedCredentialKeys, c.ID)
	}

	if c.BaseURL == "" && c.Organization != "" {
		c.BaseURL = DefaultBaseURL(c.Organization)
		report.AddedBaseURLs = append(report.AddedBaseURLs, c.ID)
	}

	switch {
	case c.APIBaseURL == "" && c.Organization != "" && c.Project != "":
		c.APIBaseURL = DeriveAPIBaseURL(c.BaseURL, c.Organization, c.Project)
		report.AddedAPIBaseURLs = append(report.AddedAPIBaseURLs, c.ID)
	case c.APIBaseURL != "":
		if fixed := EnsureAPISuffix(c.APIBaseURL); fixed != c.APIBaseURL {
			c.APIBaseURL = fixed
			report.AddedAPIBaseURLs = append(report.AddedAPIBaseURLs, c.ID)
		}
	}

	return c, report
}

// recoverFromURL fills organization and project from the base URL, and
// rewrites a deep link base URL to its organization or collection root.
func recoverFromURL(c *ConnectionConfig) bool {
	parsed, err := ParseURL(c.BaseURL)
	if err != nil {
		return false
	}
	// A URL whose organization disagrees with the record says nothing
	// reliable about the project either.
	if c.Organization != "" && !strings.EqualFold(c.Organization, parsed.Organization) {
		return false
	}
	changed := false
	recoveredProject := false
	if c.Organization == "" && parsed.Organization != "" {
		c.Organization = parsed.Organization
		changed = true
	}
	if c.Project == "" && parsed.Project != "" {
		c.Project = parsed.Project
		recoveredProject = true
		changed = true
	}
	if parsed.BaseURL != "" && parsed.BaseURL != c.BaseURL && (recoveredProject || hasSpecialFolder(c.BaseURL)) {
		c.BaseURL = parsed.BaseURL
		changed = true
	}
	return changed
}

// decodeIdentifier trims and percent-decodes names that an upstream URL
// parser may have left encoded ("My%20Org"). Values that are not valid
// escapes are kept as-is.
func decodeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(decoded)
}

// NormalizeAll normalizes every record and drops later duplicates of the same
// organization, project and base URL.
func NormalizeAll(raws []ConnectionConfig, newID IDGenerator) ([]ConnectionConfig, NormalizeReport) {
	var report NormalizeReport
	out := make([]ConnectionConfig, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))

	for _, raw := range raws {
		c, r := Normalize(raw, newID)
		key := strings.ToLower(c.Organization) + "|" + strings.ToLower(c.Project) + "|" + strings.ToLower(c.BaseURL)
		if _, dup := seen[key]; dup {
			report.DroppedDuplicates = append(report.DroppedDuplicates, c.ID)
			continue
		}
		seen[key] = struct{}{}
		report.merge(r)
		out = append(out, c)
	}
	return out, report
}

// ActiveReason explains how ResolveActiveConnectionID picked its result.
type ActiveReason string

const (
	ActivePersisted ActiveReason = "persisted"
	ActiveDefaulted ActiveReason = "defaulted-first"
	ActiveCleared   ActiveReason = "cleared"
)

// ResolveActiveConnectionID keeps the persisted active id while it still
// names a connection, otherwise falls back to the first connection, otherwise
// clears it.
func ResolveActiveConnectionID(connections []ConnectionConfig, persisted string) (string, ActiveReason) {
	if len(connections) == 0 {
		return "", ActiveCleared
	}
	for _, c := range connections {
		if persisted != "" && c.ID == persisted {
			return persisted, ActivePersisted
		}
	}
	return connections[0].ID, ActiveDefaulted
}
