package azdo

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"adoconnect/internal/api"
	"adoconnect/internal/config"
	"adoconnect/internal/connection"
)

// WorkItemType is one entry of the project's work item types.
type WorkItemType struct {
	Name          string `json:"name"`
	ReferenceName string `json:"referenceName"`
	Description   string `json:"description,omitempty"`
}

// Provider is the data-access façade of a connected project. Constructing
// it proves that the credential can read the project.
type Provider struct {
	client        *Client
	workItemTypes []WorkItemType
}

// NewProvider probes the project and returns a provider on success.
func NewProvider(ctx context.Context, client *Client) (*Provider, error) {
	var body struct {
		Count int            `json:"count"`
		Value []WorkItemType `json:"value"`
	}
	if err := client.Get(ctx, "wit/workitemtypes", nil, &body); err != nil {
		return nil, probeError(client.Project(), err)
	}
	return &Provider{client: client, workItemTypes: body.Value}, nil
}

// probeError classifies a failed probe. Authorization failures will not go
// away on retry.
func probeError(project string, err error) *api.Error {
	var se *StatusError
	if errors.As(err, &se) {
		e := api.New(api.KindProviderConstruction, fmt.Sprintf("cannot access project %s", project), err)
		e.Hint = se.Hint
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			e.Recoverable = false
		}
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return api.New(api.KindProviderConstruction, fmt.Sprintf("probing project %s timed out", project), err)
	}
	return api.NewNetworkError(fmt.Sprintf("cannot reach project %s", project), err)
}

// Project returns the project name.
func (p *Provider) Project() string { return p.client.Project() }

// Client returns the underlying API client.
func (p *Provider) Client() *Client { return p.client }

// WorkItemTypes returns the work item types found by the probe.
func (p *Provider) WorkItemTypes() []WorkItemType {
	return append([]WorkItemType(nil), p.workItemTypes...)
}

// Factory builds clients and providers for the connection engine.
type Factory struct {
	opts []ClientOption
}

// NewFactory creates a factory passing opts to every client.
func NewFactory(opts ...ClientOption) *Factory {
	return &Factory{opts: opts}
}

// CreateClient implements connection.ClientFactory.
func (f *Factory) CreateClient(_ context.Context, params connection.ClientParams) (connection.Client, error) {
	c, err := NewClient(params, f.opts...)
	if err != nil {
		return nil, api.New(api.KindClientConstruction, "failed to create Azure DevOps client", err)
	}
	return c, nil
}

// CreateProvider implements connection.ProviderFactory.
func (f *Factory) CreateProvider(ctx context.Context, client connection.Client, _ config.ConnectionConfig) (connection.Provider, error) {
	c, ok := client.(*Client)
	if !ok {
		return nil, api.New(api.KindProviderConstruction, fmt.Sprintf("unsupported client type %T", client), nil)
	}
	p, err := NewProvider(ctx, c)
	if err != nil {
		return nil, err
	}
	return p, nil
}
