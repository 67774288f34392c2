package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/deltaupdate/internal/httputil"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

const maxErrorBody = 4096

type Client struct {
	baseURL    string
	authToken  string
	packageID  string
	userAgent  string
	retry      httputil.RetryConfig
	httpClient *http.Client
}

// CheckResponse is the update server's answer to a check. Fields beyond the
// descriptor are informational.
type CheckResponse struct {
	update.Descriptor `yaml:",inline"`
	LatestVersion     string `json:"latestVersion,omitempty" yaml:"latestVersion,omitempty"`
}

// ResultReport tells the server how an attempt ended.
type ResultReport struct {
	Attempt    uint64           `json:"attempt"`
	State      update.State     `json:"state"`
	Kind       update.Kind      `json:"kind"`
	Version    string           `json:"version,omitempty"`
	Code       update.ErrorCode `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
	Dispatched bool             `json:"dispatched"`
	Installed  *bool            `json:"installed,omitempty"`
}

func NewClient(baseURL, authToken, packageID string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		packageID: packageID,
		userAgent: "deltaupdate",
		retry:     httputil.DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the HTTP client, e.g. one carrying an mTLS
// identity.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithRetry overrides the retry policy used for server calls.
func (c *Client) WithRetry(cfg httputil.RetryConfig) *Client {
	c.retry = cfg
	return c
}

// WithUserAgent sets the User-Agent sent with every request.
func (c *Client) WithUserAgent(ua string) *Client {
	c.userAgent = ua
	return c
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", c.userAgent)
	if c.authToken != "" {
		h.Set("Authorization", "Bearer "+c.authToken)
	}
	return h
}

// CheckUpdate asks the server whether a newer build exists for the installed
// version. 204 No Content means there is nothing to install.
func (c *Client) CheckUpdate(ctx context.Context, currentVersion string) (update.Descriptor, error) {
	endpoint := fmt.Sprintf("%s/api/v1/updates/%s", c.baseURL, url.PathEscape(c.packageID))
	if currentVersion != "" {
		endpoint += "?currentVersion=" + url.QueryEscape(currentVersion)
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, endpoint, nil, c.headers(), c.retry)
	if err != nil {
		return update.Descriptor{}, fmt.Errorf("check update: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return update.Descriptor{}, nil
	case http.StatusOK:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return update.Descriptor{}, fmt.Errorf("check update failed with status %d: %s", resp.StatusCode, string(body))
	}

	var checkResp CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkResp); err != nil {
		return update.Descriptor{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return checkResp.Descriptor, nil
}

// ReportResult posts the outcome of an attempt.
func (c *Client) ReportResult(ctx context.Context, report ResultReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/updates/%s/results", c.baseURL, url.PathEscape(c.packageID))
	h := c.headers()
	h.Set("Content-Type", "application/json")

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, endpoint, body, h, c.retry)
	if err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("report result failed with status %d", resp.StatusCode)
	}
	return nil
}

// LoadDescriptor reads a descriptor from a YAML or JSON file. JSON parses
// as YAML, so one decoder handles both.
func LoadDescriptor(path string) (update.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return update.Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor decodes a YAML or JSON descriptor document.
func ParseDescriptor(data []byte) (update.Descriptor, error) {
	var d update.Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return update.Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	return d, nil
}
