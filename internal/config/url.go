package config

import (
	"fmt"
	"net/url"
	"strings"
)

// HostKind distinguishes the three Azure DevOps hosting shapes, which lay out
// organization and project differently in their URLs.
type HostKind int

const (
	// HostCloud is https://dev.azure.com/{org}/{project}.
	HostCloud HostKind = iota
	// HostLegacy is https://{org}.visualstudio.com/{project}.
	HostLegacy
	// HostOnPremises is https://{host}/{prefix...}/{collection}/{project}.
	HostOnPremises
)

// String makes HostKind satisfy the fmt.Stringer interface.
func (k HostKind) String() string {
	switch k {
	case HostCloud:
		return "cloud"
	case HostLegacy:
		return "legacy"
	case HostOnPremises:
		return "on-premises"
	default:
		return "unknown"
	}
}

const (
	cloudHost          = "dev.azure.com"
	legacyHostSuffix   = ".visualstudio.com"
	apiPathSuffix      = "/_apis"
	defaultCloudScheme = "https://"
)

// specialFolders are path segments that always follow the project in an
// Azure DevOps URL. Scan order matters: the first match wins.
var specialFolders = []string{
	"_workitems",
	"_git",
	"_apis",
	"_boards",
	"_backlogs",
	"_sprints",
	"_queries",
	"_wiki",
	"_build",
	"_release",
	"_test",
}

func isSpecialFolder(segment string) bool {
	lower := strings.ToLower(segment)
	for _, f := range specialFolders {
		if lower == f {
			return true
		}
	}
	return false
}

func classifyHost(hostname string) HostKind {
	h := strings.ToLower(hostname)
	switch {
	case h == cloudHost:
		return HostCloud
	case strings.HasSuffix(h, legacyHostSuffix):
		return HostLegacy
	default:
		return HostOnPremises
	}
}

// ParsedURL is the organization/project split recovered from an Azure DevOps
// URL, together with the canonical base and API URLs.
type ParsedURL struct {
	Kind         HostKind
	Organization string
	Project      string
	BaseURL      string
	APIBaseURL   string
}

// ParseURL extracts organization and project from any Azure DevOps URL: a
// bare organization URL, a project URL, or a deep link to a work item,
// repository or board. Project is empty when the URL does not name one.
//
// On-premises hosts have an unknown number of path segments before the
// project. The first special folder segment (_workitems, _git, _apis, ...)
// marks the project as the segment before it and the collection as the one
// before that. Without a special folder the last segment is taken as the
// project. Ambiguous layouts, such as nested collections, are resolved by that
// rule alone.
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", raw)
	}

	segments := pathSegments(u)
	origin := u.Scheme + "://" + u.Host

	switch classifyHost(u.Hostname()) {
	case HostCloud:
		if len(segments) == 0 {
			return nil, fmt.Errorf("cloud URL %q does not name an organization", raw)
		}
		p := &ParsedURL{
			Kind:         HostCloud,
			Organization: segments[0],
			BaseURL:      origin + "/" + url.PathEscape(segments[0]),
		}
		if len(segments) > 1 && !isSpecialFolder(segments[1]) {
			p.Project = segments[1]
			p.APIBaseURL = DeriveAPIBaseURL(p.BaseURL, p.Organization, p.Project)
		}
		return p, nil

	case HostLegacy:
		org := strings.SplitN(u.Hostname(), ".", 2)[0]
		p := &ParsedURL{
			Kind:         HostLegacy,
			Organization: org,
			BaseURL:      origin,
		}
		if len(segments) > 0 && !isSpecialFolder(segments[0]) {
			p.Project = segments[0]
			p.APIBaseURL = DeriveAPIBaseURL(p.BaseURL, p.Organization, p.Project)
		}
		return p, nil

	default:
		return parseOnPremises(origin, segments, raw)
	}
}

func parseOnPremises(origin string, segments []string, raw string) (*ParsedURL, error) {
	projectIndex := -1
	for i, s := range segments {
		if isSpecialFolder(s) {
			projectIndex = i - 1
			break
		}
		if i == len(segments)-1 {
			projectIndex = i
		}
	}
	if projectIndex < 1 {
		return nil, fmt.Errorf("could not determine collection and project from URL %q", raw)
	}

	escaped := make([]string, 0, projectIndex+1)
	for _, s := range segments[:projectIndex+1] {
		escaped = append(escaped, url.PathEscape(s))
	}

	return &ParsedURL{
		Kind:         HostOnPremises,
		Organization: segments[projectIndex-1],
		Project:      segments[projectIndex],
		BaseURL:      origin + "/" + strings.Join(escaped[:projectIndex], "/"),
		APIBaseURL:   origin + "/" + strings.Join(escaped, "/") + apiPathSuffix,
	}, nil
}

// pathSegments splits the decoded URL path into non-empty trimmed segments.
func pathSegments(u *url.URL) []string {
	var out []string
	for _, s := range strings.Split(u.Path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultBaseURL is the cloud organization URL used when a connection does not
// name its host.
func DefaultBaseURL(organization string) string {
	return defaultCloudScheme + cloudHost + "/" + url.PathEscape(organization)
}

// DeriveAPIBaseURL builds the REST root for a project:
//
//   - dev.azure.com: {baseUrl}[/{org}]/{project}/_apis, adding the organization
//     only when the base URL does not already start with it
//   - *.visualstudio.com: {baseUrl}/{project}/_apis
//   - on-premises: {baseUrl}/{project}/_apis, where baseUrl ends with the
//     collection
//
// An unparsable baseUrl falls back to the cloud default for organization.
func DeriveAPIBaseURL(baseURL, organization, project string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		base = DefaultBaseURL(organization)
		u, _ = url.Parse(base)
	}

	if classifyHost(u.Hostname()) == HostCloud {
		segments := pathSegments(u)
		if len(segments) == 0 || !strings.EqualFold(segments[0], organization) {
			base += "/" + url.PathEscape(organization)
		}
	}

	return base + "/" + url.PathEscape(project) + apiPathSuffix
}

// EnsureAPISuffix appends /_apis to a REST root that lacks it.
func EnsureAPISuffix(apiBaseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(apiBaseURL), "/")
	if strings.HasSuffix(strings.ToLower(trimmed), apiPathSuffix) {
		return trimmed
	}
	return trimmed + apiPathSuffix
}

// hasSpecialFolder reports whether the URL path contains any special folder,
// which means it is a deep link rather than an organization or collection root.
func hasSpecialFolder(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	for _, s := range pathSegments(u) {
		if isSpecialFolder(s) {
			return true
		}
	}
	return false
}
