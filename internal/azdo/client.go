package azdo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"adoconnect/internal/auth"
	"adoconnect/internal/connection"
	"adoconnect/pkg/logging"
)

// APIVersion is the REST API version sent with every request.
const APIVersion = "7.0"

// ClientOption configures a Client.
type ClientOption func(*retryablehttp.Client)

// WithRetryMax sets how often a failed request is retried.
func WithRetryMax(n int) ClientOption {
	return func(c *retryablehttp.Client) { c.RetryMax = n }
}

// WithRetryWait bounds the wait between retries.
func WithRetryWait(min, max time.Duration) ClientOption {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *retryablehttp.Client) { c.HTTPClient = hc }
}

// Client talks to the REST API of one Azure DevOps project. Requests are
// retried on network errors and 5xx responses.
type Client struct {
	organization string
	project      string
	baseURL      string
	apiBaseURL   string
	authType     connection.AuthType

	mu         sync.RWMutex
	credential string

	http *retryablehttp.Client
}

// NewClient builds a client from the parameters assembled by the
// connection engine.
func NewClient(params connection.ClientParams, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(params.Credential) == "" {
		return nil, fmt.Errorf("credential is empty")
	}
	u, err := url.Parse(params.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", params.APIBaseURL)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = leveledLogger{}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(rc)
	}

	return &Client{
		organization: params.Organization,
		project:      params.Project,
		baseURL:      strings.TrimRight(params.BaseURL, "/"),
		apiBaseURL:   strings.TrimRight(params.APIBaseURL, "/"),
		authType:     params.AuthType,
		credential:   params.Credential,
		http:         rc,
	}, nil
}

func (c *Client) Organization() string          { return c.organization }
func (c *Client) Project() string               { return c.project }
func (c *Client) BaseURL() string               { return c.baseURL }
func (c *Client) APIBaseURL() string            { return c.apiBaseURL }
func (c *Client) AuthType() connection.AuthType { return c.authType }

// UpdateCredential swaps the credential used by later requests.
func (c *Client) UpdateCredential(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
}

func (c *Client) authorize(req *retryablehttp.Request) {
	c.mu.RLock()
	credential := c.credential
	c.mu.RUnlock()

	if c.authType == connection.AuthTypeBearer {
		req.Header.Set("Authorization", "Bearer "+credential)
		return
	}
	// Personal access tokens use basic auth with an empty user name.
	req.SetBasicAuth("", credential)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
	Hint       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("azure devops returned %d", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Get fetches path below the API base URL and decodes the JSON response
// into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	if query.Get("api-version") == "" {
		query.Set("api-version", APIVersion)
	}
	reqURL := c.apiBaseURL + "/" + strings.TrimLeft(path, "/") + "?" + query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
			Hint:       auth.HintForStatus(resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage extracts the message of an Azure DevOps error body.
func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}

// leveledLogger routes retryablehttp logs into the application logger.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) {
	logging.Warn("AzureDevOpsClient", "%s %v", msg, kv)
}

func (leveledLogger) Warn(msg string, kv ...interface{}) {
	logging.Warn("AzureDevOpsClient", "%s %v", msg, kv)
}

func (leveledLogger) Info(msg string, kv ...interface{}) {
	logging.Debug("AzureDevOpsClient", "%s %v", msg, kv)
}

func (leveledLogger) Debug(msg string, kv ...interface{}) {
	logging.Debug("AzureDevOpsClient", "%s %v", msg, kv)
}
