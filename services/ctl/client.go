package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// RunStatus is the body of GET /run/{id}.
type RunStatus struct {
	RunID      string `json:"run_id" yaml:"run_id"`
	JobID      int64  `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Status     string `json:"status" yaml:"status"`
	PlanText   string `json:"plan_text,omitempty" yaml:"plan_text,omitempty"`
	LogExcerpt string `json:"log_excerpt,omitempty" yaml:"log_excerpt,omitempty"`
	LogURL     string `json:"log_url,omitempty" yaml:"log_url,omitempty"`
}

// Client calls the tfgate API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client for baseURL. token is sent as a bearer token
// when non-empty.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: u.String(), token: token, http: httpClient}, nil
}

// GetRun polls a run once. jobID binds an unknown run on first use.
func (c *Client) GetRun(ctx context.Context, runID string, jobID int64) (RunStatus, error) {
	endpoint := c.baseURL + "/run/" + url.PathEscape(runID)
	if jobID > 0 {
		endpoint += fmt.Sprintf("?job_id=%d", jobID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return RunStatus{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return RunStatus{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return RunStatus{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return RunStatus{}, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var rs RunStatus
	if err := json.Unmarshal(body, &rs); err != nil {
		return RunStatus{}, fmt.Errorf("decode run: %w", err)
	}
	return rs, nil
}

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// WaitOptions tunes WaitRun. Zero values fall back to defaults.
type WaitOptions struct {
	JobID    int64
	MinDelay time.Duration
	MaxDelay time.Duration
	// OnPoll is called with every pending response.
	OnPoll func(RunStatus)
}

// WaitRun polls until the run leaves pending or ctx ends. Server errors and
// rate limiting are retried; other API errors abort.
func (c *Client) WaitRun(ctx context.Context, runID string, opts WaitOptions) (RunStatus, error) {
	b := &backoff.Backoff{
		Min:    opts.MinDelay,
		Max:    opts.MaxDelay,
		Factor: 2,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 2 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}

	for {
		rs, err := c.GetRun(ctx, runID, opts.JobID)
		switch {
		case err == nil && rs.Status != "pending":
			return rs, nil
		case err == nil:
			if opts.OnPoll != nil {
				opts.OnPoll(rs)
			}
		case !retryable(err):
			return RunStatus{}, err
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			if err != nil {
				return RunStatus{}, errors.Join(ctx.Err(), err)
			}
			return RunStatus{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}
