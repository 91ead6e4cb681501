// Package notify posts test failure alerts to a Slack incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Failure describes a failed test run.
type Failure struct {
	TestType   string // "Load", "Performance", "Smoke"
	Repository string
	Branch     string
	BuildURL   string
	Reason     string
	Time       time.Time
}

// Notifier sends failure alerts.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// Nop drops every alert; used when no webhook is configured.
type Nop struct{}

func (Nop) NotifyFailure(context.Context, Failure) error { return nil }

// SlackNotifier posts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures the SlackNotifier.
type Option func(*SlackNotifier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *SlackNotifier) {
		s.httpClient = httpClient
	}
}

// NewSlackNotifier creates a notifier posting to webhookURL. Slack allows
// roughly one message per second per webhook.
func NewSlackNotifier(webhookURL string, opts ...Option) *SlackNotifier {
	s := &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FormatMessage renders the alert text.
func FormatMessage(f Failure) string {
	ts := f.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s Test Failure:*\n", f.TestType)
	fmt.Fprintf(&sb, "Repository: %s\n", f.Repository)
	fmt.Fprintf(&sb, "Branch: %s\n", f.Branch)
	fmt.Fprintf(&sb, "Time: %s\n", ts.Format("01/02/2006 15:04"))
	if f.BuildURL != "" {
		fmt.Fprintf(&sb, "Build Link: %s\n", f.BuildURL)
	}
	if f.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", f.Reason)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// NotifyFailure implements Notifier.
func (s *SlackNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit exceeded: %w", err)
	}

	data, err := json.Marshal(map[string]string{"text": FormatMessage(f)})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
