// Package upstream is the REST client for the paid generation provider.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	ErrHostNotAllowed = errors.New("polling host not allowed")
)

// Model selects the generation tier.
type Model string

const (
	ModelPro Model = "pro"
	ModelMax Model = "max"
)

// path returns the submit endpoint for the tier.
func (m Model) path() string {
	if m == ModelMax {
		return "/v1/generate-max"
	}
	return "/v1/generate-pro"
}

// Request is the normalized submission forwarded upstream.
type Request struct {
	Prompt      string `json:"prompt"`
	InputImage  string `json:"input_image,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Submission is the provider's accepted-job handle.
type Submission struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

// State of a generation as reported by the polling endpoint.
type State string

const (
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// Status is the parsed result of one poll.
type Status struct {
	ID        string `json:"id"`
	State     State  `json:"status"`
	SampleURL string `json:"sample_url,omitempty"`
}

// Client talks to the generation provider. The API key never leaves this
// package; handlers pass normalized requests in and get typed results back.
type Client struct {
	baseURL   string
	apiKey    string
	pollHosts []string
	http      *http.Client
}

func NewClient(baseURL, apiKey string, pollHosts []string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		pollHosts: pollHosts,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit forwards a generation request and returns the provider's job handle.
func (c *Client) Submit(ctx context.Context, model Model, genReq Request) (*Submission, error) {
	payload, err := json.Marshal(genReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+model.path(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("%w: submit status %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var sub Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("upstream submit decode: %w", err)
	}
	if sub.ID == "" || sub.PollingURL == "" {
		return nil, fmt.Errorf("%w: submit response missing id or polling_url", ErrUpstreamStatus)
	}
	return &sub, nil
}

// Poll fetches the status behind pollingURL. The URL is client-supplied, so
// its host must match the provider allow-list before any request is made.
func (c *Client) Poll(ctx context.Context, pollingURL string) (*Status, error) {
	u, err := url.Parse(pollingURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostNotAllowed, err)
	}
	if u.Scheme != "https" || !c.hostAllowed(u.Hostname()) {
		return nil, ErrHostNotAllowed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("%w: poll status %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var raw struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result struct {
			Sample string `json:"sample"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("upstream poll decode: %w", err)
	}

	st := &Status{ID: raw.ID}
	switch raw.Status {
	case "Ready":
		st.State = StateReady
		st.SampleURL = raw.Result.Sample
	case "Error", "Failed", "Content Moderated", "Request Moderated":
		st.State = StateFailed
	default:
		st.State = StateProcessing
	}
	return st, nil
}

func (c *Client) hostAllowed(host string) bool {
	for _, allowed := range c.pollHosts {
		if strings.EqualFold(host, allowed) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

// BaseURL returns the configured provider base URL.
func (c *Client) BaseURL() string { return c.baseURL }
