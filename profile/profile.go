/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package profile talks to the chat backend's phone-profile endpoint. The
// profile carries the SIP provisioning for the signed-in user (domain,
// extension, SIP password) and accepts registration status reports so other
// clients can see whether this endpoint is reachable by phone.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Profile is the SIP provisioning for one user. HasPassword distinguishes "no
// phone service" from "service without credentials"; a complete profile has
// domain, extension and password all set.
type Profile struct {
	HasPassword bool   `json:"hasPassword"`
	Domain      string `json:"domain"`
	Extension   string `json:"extension"`
	Password    string `json:"password"`
}

// Complete reports whether the profile carries everything a SIP registration
// needs.
func (p *Profile) Complete() bool {
	return p != nil && p.Domain != "" && p.Extension != "" && p.Password != ""
}

// Config holds the profile client configuration.
type Config struct {
	// BaseURL of the phone-profile API, e.g. https://chat.example.com/api.
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	// Timeout for API requests.
	Timeout time.Duration

	// HttpClient overrides the default client when set.
	HttpClient *http.Client

	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// DefaultConfig returns a default profile client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
		Logger:  zerolog.Nop(),
	}
}

// Client is the phone-profile API client.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a profile client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("profile: base URL cannot be empty")
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("profile: parse base URL: %w", err)
	}

	httpClient := cfg.HttpClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		log:        cfg.Logger,
	}, nil
}

// Fetch retrieves the SIP profile for the authenticated user.
func (c *Client) Fetch(ctx context.Context) (*Profile, error) {
	resp, err := c.do(ctx, http.MethodGet, "/phone/me", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile: fetch returned %s", resp.Status)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("profile: decode response: %w", err)
	}
	return &p, nil
}

// StatusReport is the registration state pushed to the backend.
type StatusReport struct {
	Registered bool   `json:"registered"`
	Status     string `json:"status"`
}

// ReportStatus pushes the current registration state. Failures are returned
// but are safe to treat as non-fatal; the report is informational.
func (c *Client) ReportStatus(ctx context.Context, report StatusReport) error {
	resp, err := c.do(ctx, http.MethodPost, "/phone/me/status", report)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("profile: status report returned %s", resp.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("profile: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("profile: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile: %s %s: %w", method, path, err)
	}
	return resp, nil
}
