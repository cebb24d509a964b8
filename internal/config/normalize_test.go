package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestNormalize_MinimalCloudRecord(t *testing.T) {
	got, report := Normalize(ConnectionConfig{Organization: "acme", Project: "P"}, sequentialIDs())

	assert.Equal(t, ConnectionConfig{
		ID:            "id-1",
		Organization:  "acme",
		Project:       "P",
		AuthMethod:    AuthMethodStatic,
		CredentialKey: "adoconnect.pat.id-1",
		BaseURL:       "https://dev.azure.com/acme",
		APIBaseURL:    "https://dev.azure.com/acme/P/_apis",
	}, got)

	assert.Equal(t, []string{"id-1"}, report.GeneratedIDs)
	assert.Equal(t, []string{"id-1"}, report.AddedCredentialKeys)
	assert.Equal(t, []string{"id-1"}, report.AddedBaseURLs)
	assert.Equal(t, []string{"id-1"}, report.AddedAPIBaseURLs)
	assert.Equal(t, []string{"id-1"}, report.DerivedAuthMethods)
	assert.True(t, report.RequiresSave())
	assert.NoError(t, got.Validate())
}

func TestNormalize_OnPremisesDeepLink(t *testing.T) {
	got, report := Normalize(ConnectionConfig{
		ID:      "onprem",
		BaseURL: "https://host/tfs/Collection/Proj/_workitems/edit/1",
	}, nil)

	assert.Equal(t, "Collection", got.Organization)
	assert.Equal(t, "Proj", got.Project)
	assert.Equal(t, "https://host/tfs/Collection", got.BaseURL)
	assert.Equal(t, "https://host/tfs/Collection/Proj/_apis", got.APIBaseURL)
	assert.True(t, got.IsOnPremises())
	assert.Equal(t, []string{"onprem"}, report.RecoveredFromURL)
	assert.Empty(t, report.GeneratedIDs)
}

func TestNormalize_OnPremisesProjectURL(t *testing.T) {
	got, _ := Normalize(ConnectionConfig{
		ID:      "c",
		BaseURL: "https://tfs.corp/tfs/Coll/Proj/",
	}, nil)

	assert.Equal(t, "Coll", got.Organization)
	assert.Equal(t, "Proj", got.Project)
	assert.Equal(t, "https://tfs.corp/tfs/Coll", got.BaseURL)
	assert.Equal(t, "https://tfs.corp/tfs/Coll/Proj/_apis", got.APIBaseURL)
}

func TestNormalize_RecoveryIgnoresMismatchedOrganization(t *testing.T) {
	got, report := Normalize(ConnectionConfig{
		ID:           "c",
		Organization: "other",
		BaseURL:      "https://dev.azure.com/acme/Proj",
	}, nil)

	assert.Empty(t, got.Project)
	assert.Empty(t, report.RecoveredFromURL)
	assert.Empty(t, got.APIBaseURL)
	assert.Error(t, got.Validate())
}

func TestNormalize_AuthMethodDerivation(t *testing.T) {
	tests := []struct {
		name     string
		in       ConnectionConfig
		want     AuthMethod
		derived  bool
		wantsKey bool
	}{
		{"tenant implies oauth", ConnectionConfig{ID: "a", Organization: "o", Project: "p", TenantID: "t"}, AuthMethodOAuth, true, false},
		{"no tenant implies static", ConnectionConfig{ID: "a", Organization: "o", Project: "p"}, AuthMethodStatic, true, true},
		{"pat alias", ConnectionConfig{ID: "a", Organization: "o", Project: "p", AuthMethod: "pat"}, AuthMethodStatic, true, true},
		{"entra alias", ConnectionConfig{ID: "a", Organization: "o", Project: "p", AuthMethod: "entra"}, AuthMethodOAuth, true, false},
		{"explicit oauth kept", ConnectionConfig{ID: "a", Organization: "o", Project: "p", AuthMethod: AuthMethodOAuth}, AuthMethodOAuth, false, false},
		{"explicit static wins over tenant", ConnectionConfig{ID: "a", Organization: "o", Project: "p", AuthMethod: AuthMethodStatic, TenantID: "t"}, AuthMethodStatic, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, report := Normalize(tt.in, nil)
			assert.Equal(t, tt.want, got.AuthMethod)
			assert.Equal(t, tt.derived, len(report.DerivedAuthMethods) == 1)
			assert.Equal(t, tt.wantsKey, got.CredentialKey != "")
		})
	}
}

func TestNormalize_PercentDecoding(t *testing.T) {
	got, _ := Normalize(ConnectionConfig{
		ID:           "c",
		Organization: " My%20Org ",
		Project:      "Team%20Project",
		Team:         "Blue%20Team",
	}, nil)

	assert.Equal(t, "My Org", got.Organization)
	assert.Equal(t, "Team Project", got.Project)
	assert.Equal(t, "Blue Team", got.Team)
	assert.Equal(t, "https://dev.azure.com/My%20Org", got.BaseURL)
	assert.Equal(t, "https://dev.azure.com/My%20Org/Team%20Project/_apis", got.APIBaseURL)

	invalid, _ := Normalize(ConnectionConfig{ID: "c", Organization: "100%", Project: "p"}, nil)
	assert.Equal(t, "100%", invalid.Organization)
}

func TestNormalize_APIBaseURLSuffix(t *testing.T) {
	got, report := Normalize(ConnectionConfig{
		ID:           "c",
		Organization: "o",
		Project:      "p",
		BaseURL:      "https://dev.azure.com/o",
		APIBaseURL:   "https://dev.azure.com/o/p",
		AuthMethod:   AuthMethodOAuth,
	}, nil)

	assert.Equal(t, "https://dev.azure.com/o/p/_apis", got.APIBaseURL)
	assert.Equal(t, []string{"c"}, report.AddedAPIBaseURLs)
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []ConnectionConfig{
		{Organization: "acme", Project: "P"},
		{BaseURL: "https://host/tfs/Collection/Proj/_workitems/edit/1"},
		{Organization: "My%20Org", Project: "Team%20Project", TenantID: "tenant"},
		{Organization: "acme", Project: "P", BaseURL: "https://acme.visualstudio.com/", AuthMethod: "pat"},
		{BaseURL: "https://dev.azure.com/acme/Proj/_git/repo"},
	}

	for i, in := range inputs {
		t.Run(fmt.Sprintf("record-%d", i), func(t *testing.T) {
			once, _ := Normalize(in, sequentialIDs())
			twice, report := Normalize(once, sequentialIDs())

			assert.Equal(t, once, twice)
			assert.False(t, report.RequiresSave(), "second pass reported %+v", report)
			require.NoError(t, twice.Validate())
		})
	}
}

func TestNormalizeAll_Deduplicates(t *testing.T) {
	conns, report := NormalizeAll([]ConnectionConfig{
		{ID: "a", Organization: "acme", Project: "P"},
		{ID: "b", Organization: "ACME", Project: "p"},
		{ID: "c", Organization: "acme", Project: "Q"},
	}, nil)

	require.Len(t, conns, 2)
	assert.Equal(t, "a", conns[0].ID)
	assert.Equal(t, "c", conns[1].ID)
	assert.Equal(t, []string{"b"}, report.DroppedDuplicates)
	assert.Equal(t, []string{"a", "c"}, report.AddedBaseURLs)
	assert.True(t, report.RequiresSave())

	again, report2 := NormalizeAll(conns, nil)
	assert.Equal(t, conns, again)
	assert.False(t, report2.RequiresSave())
}

func TestResolveActiveConnectionID(t *testing.T) {
	conns := []ConnectionConfig{{ID: "a"}, {ID: "b"}}

	id, reason := ResolveActiveConnectionID(conns, "b")
	assert.Equal(t, "b", id)
	assert.Equal(t, ActivePersisted, reason)

	id, reason = ResolveActiveConnectionID(conns, "gone")
	assert.Equal(t, "a", id)
	assert.Equal(t, ActiveDefaulted, reason)

	id, reason = ResolveActiveConnectionID(conns, "")
	assert.Equal(t, "a", id)
	assert.Equal(t, ActiveDefaulted, reason)

	id, reason = ResolveActiveConnectionID(nil, "a")
	assert.Empty(t, id)
	assert.Equal(t, ActiveCleared, reason)
}

func TestConnectionConfig_Validate(t *testing.T) {
	valid := ConnectionConfig{
		ID:            "c",
		Organization:  "o",
		Project:       "p",
		AuthMethod:    AuthMethodStatic,
		CredentialKey: "k",
		BaseURL:       "https://dev.azure.com/o",
		APIBaseURL:    "https://dev.azure.com/o/p/_apis",
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Organization = ""
	missing.CredentialKey = ""
	missing.APIBaseURL = "relative/path"
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organization")
	assert.Contains(t, err.Error(), "credentialKey")
	assert.Contains(t, err.Error(), "apiBaseUrl")

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{"organization", "credentialKey", "apiBaseUrl"}, verrs.Fields())

	oauth := valid
	oauth.AuthMethod = AuthMethodOAuth
	oauth.CredentialKey = ""
	assert.NoError(t, oauth.Validate())
}

func TestConnectionConfig_DisplayName(t *testing.T) {
	assert.Equal(t, "acme/P", ConnectionConfig{Organization: "acme", Project: "P"}.DisplayName())
	assert.Equal(t, "Work", ConnectionConfig{Organization: "acme", Project: "P", Label: "Work"}.DisplayName())
}
