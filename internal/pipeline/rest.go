package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10
)

// RESTClient talks to the Flink REST API.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// RESTOption configures the RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) RESTOption {
	return func(c *RESTClient) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) RESTOption {
	return func(c *RESTClient) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewRESTClient creates a Flink REST client for baseURL (e.g. https://flink:8081).
func NewRESTClient(baseURL string, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents an unexpected response from the Flink REST API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flink API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

type runRequest struct {
	EntryClass      string   `json:"entryClass,omitempty"`
	Parallelism     int      `json:"parallelism,omitempty"`
	ProgramArgsList []string `json:"programArgsList"`
}

type runResponse struct {
	JobID string `json:"jobid"`
}

type jobResponse struct {
	State types.PipelineState `json:"state"`
}

type exceptionsResponse struct {
	RootException string `json:"root-exception"`
	Timestamp     int64  `json:"timestamp"`
	AllExceptions []struct {
		Exception string `json:"exception"`
	} `json:"all-exceptions"`
}

// ProgramArgs renders StartParams as program arguments.
func ProgramArgs(p StartParams) []string {
	args := []string{"--input", p.Channels.Input}
	if p.Channels.Output != "" {
		args = append(args, "--output", p.Channels.Output)
	}
	if p.Channels.Notification != "" {
		args = append(args, "--notification", p.Channels.Notification)
	}
	if p.Channels.Invalid != "" {
		args = append(args, "--invalid", p.Channels.Invalid)
	}
	args = append(args, "--batch-completion-delay", strconv.FormatInt(p.CompletionDelay.Milliseconds(), 10))

	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, p.Properties[k])
	}
	return args
}

// Start implements Client.
func (c *RESTClient) Start(ctx context.Context, cred types.Credential, params StartParams) (string, error) {
	if params.ArtifactID == "" {
		return "", fmt.Errorf("artifact id is required")
	}
	body := runRequest{
		EntryClass:      params.EntryClass,
		Parallelism:     params.Parallelism,
		ProgramArgsList: ProgramArgs(params),
	}
	var out runResponse
	path := "/jars/" + url.PathEscape(params.ArtifactID) + "/run"
	if err := c.do(ctx, http.MethodPost, path, nil, cred, body, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("failed to start pipeline: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("failed to start pipeline: empty job id in response")
	}
	return out.JobID, nil
}

// Stop implements Client. Flink answers a cancel request with 202.
func (c *RESTClient) Stop(ctx context.Context, cred types.Credential, runID string) error {
	params := url.Values{}
	params.Set("mode", "cancel")
	if err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(runID), params, cred, nil, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("failed to stop pipeline run %s: %w", runID, err)
	}
	return nil
}

// State implements Client.
func (c *RESTClient) State(ctx context.Context, cred types.Credential, runID string) (types.PipelineState, error) {
	var out jobResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(runID), nil, cred, nil, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("failed to get state of pipeline run %s: %w", runID, err)
	}
	return out.State, nil
}

// Exceptions implements Client.
func (c *RESTClient) Exceptions(ctx context.Context, cred types.Credential, runID string) (types.Exceptions, error) {
	var out exceptionsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(runID)+"/exceptions", nil, cred, nil, http.StatusOK, &out); err != nil {
		return types.Exceptions{}, fmt.Errorf("failed to get pipeline exceptions: %w", err)
	}
	exc := types.Exceptions{RootException: out.RootException, Timestamp: out.Timestamp}
	for _, e := range out.AllExceptions {
		exc.AllExceptions = append(exc.AllExceptions, e.Exception)
	}
	return exc, nil
}

// Checkpoints implements Client.
func (c *RESTClient) Checkpoints(ctx context.Context, cred types.Credential, runID string) (types.Checkpoints, error) {
	var out types.Checkpoints
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(runID)+"/checkpoints", nil, cred, nil, http.StatusOK, &out); err != nil {
		return types.Checkpoints{}, fmt.Errorf("failed to get pipeline checkpoints: %w", err)
	}
	return out, nil
}

// do performs one request and decodes a JSON result when result is non-nil.
func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, cred types.Credential, body interface{}, wantStatus int, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth := cred.AuthorizationHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
