package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 20
)

// SearchConfig points at the search cluster that indexes batches. When set,
// bulk delete goes through its _delete_by_query endpoint.
type SearchConfig struct {
	URL      string
	Username string
	Password string
}

// HTTPClient talks to the management API.
type HTTPClient struct {
	baseURL    string
	search     *SearchConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures the HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets a custom rate limit (requests per second).
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *HTTPClient) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithSearch enables bulk delete through the search cluster.
func WithSearch(cfg SearchConfig) Option {
	return func(c *HTTPClient) {
		if cfg.URL == "" {
			return
		}
		cfg.URL = strings.TrimRight(cfg.URL, "/")
		c.search = &cfg
	}
}

// NewHTTPClient creates a registry client for the management API at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBatch implements Client.
func (c *HTTPClient) CreateBatch(ctx context.Context, cred types.Credential, tenant string, tmpl Template) (types.BatchID, error) {
	var out struct {
		ID string `json:"id"`
	}
	endpoint := c.baseURL + "/tenants/" + url.PathEscape(tenant) + "/batches"
	req, err := c.newJSONRequest(ctx, http.MethodPost, endpoint, tmpl)
	if err != nil {
		return "", err
	}
	setBearer(req, cred)

	if err := c.do(req, []int{http.StatusCreated, http.StatusOK}, &out); err != nil {
		return "", fmt.Errorf("failed to create batch %s: %w", tmpl.Name, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("failed to create batch %s: empty id in response", tmpl.Name)
	}
	return types.BatchID(out.ID), nil
}

// TransitionStatus implements Client.
func (c *HTTPClient) TransitionStatus(ctx context.Context, cred types.Credential, tenant string, id types.BatchID, action string, expectedRecordCount int64) error {
	body := map[string]int64{"expectedRecordCount": expectedRecordCount}
	endpoint := fmt.Sprintf("%s/tenants/%s/batches/%s/action/%s",
		c.baseURL, url.PathEscape(tenant), url.PathEscape(string(id)), url.PathEscape(action))
	req, err := c.newJSONRequest(ctx, http.MethodPut, endpoint, body)
	if err != nil {
		return err
	}
	setBearer(req, cred)

	if err := c.do(req, []int{http.StatusOK}, nil); err != nil {
		return fmt.Errorf("failed to apply %s to batch %s: %w", action, id, err)
	}
	return nil
}

// BulkDeleteByNamePrefix implements Client. Without a search cluster the
// management API's delete-by-prefix endpoint is used instead.
func (c *HTTPClient) BulkDeleteByNamePrefix(ctx context.Context, cred types.Credential, tenant, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("refusing bulk delete with an empty name prefix")
	}

	var req *http.Request
	var err error
	if c.search != nil {
		q := url.Values{}
		q.Set("q", "name:"+prefix+"*")
		endpoint := fmt.Sprintf("%s/%s-batches/_delete_by_query?%s", c.search.URL, url.PathEscape(tenant), q.Encode())
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.SetBasicAuth(c.search.Username, c.search.Password)
	} else {
		q := url.Values{}
		q.Set("namePrefix", prefix)
		endpoint := fmt.Sprintf("%s/tenants/%s/batches?%s", c.baseURL, url.PathEscape(tenant), q.Encode())
		req, err = http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		setBearer(req, cred)
	}

	if err := c.do(req, []int{http.StatusOK}, nil); err != nil {
		return fmt.Errorf("failed to delete batches with prefix %s: %w", prefix, err)
	}
	return nil
}

func (c *HTTPClient) newJSONRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func setBearer(req *http.Request, cred types.Credential) {
	if auth := cred.AuthorizationHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
}

func (c *HTTPClient) do(req *http.Request, accept []int, result interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %d from %s %s: %s", ErrUnexpectedStatus, resp.StatusCode, req.Method, req.URL.Path, strings.TrimSpace(string(msg)))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
