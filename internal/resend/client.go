// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resend retrieves received emails and their attachments from the
// Resend receiving API.
package resend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the Resend API root.
const DefaultBaseURL = "https://api.resend.com"

// ErrNotConfigured means no API key was supplied.
var ErrNotConfigured = errors.New("resend API key not configured")

// Client calls the Resend API with a bearer token.
type Client struct {
	httpClient     *http.Client // authenticated, for api.resend.com
	downloadClient *http.Client // unauthenticated, for signed download URLs
	baseURL        string
}

// NewClient creates a client authenticated with apiKey. An empty baseURL
// selects DefaultBaseURL.
func NewClient(ctx context.Context, apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = 30 * time.Second

	return &Client{
		httpClient:     httpClient,
		downloadClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:        strings.TrimRight(baseURL, "/"),
	}, nil
}

// GetReceivedEmail fetches a received email. It returns nil, nil when the
// email does not exist.
func (c *Client) GetReceivedEmail(ctx context.Context, emailID string) (*ReceivedEmail, error) {
	endpoint := fmt.Sprintf("%s/emails/receiving/%s", c.baseURL, url.PathEscape(emailID))

	var email ReceivedEmail
	found, err := c.getJSON(ctx, endpoint, &email)
	if err != nil {
		return nil, fmt.Errorf("get received email %s: %w", emailID, err)
	}
	if !found {
		slog.Warn("received email not found", "email_id", emailID)
		return nil, nil
	}
	return &email, nil
}

// ListAttachments lists the attachments of a received email.
func (c *Client) ListAttachments(ctx context.Context, emailID string) ([]Attachment, error) {
	endpoint := fmt.Sprintf("%s/emails/receiving/%s/attachments", c.baseURL, url.PathEscape(emailID))

	var list attachmentList
	found, err := c.getJSON(ctx, endpoint, &list)
	if err != nil {
		return nil, fmt.Errorf("list attachments for %s: %w", emailID, err)
	}
	if !found {
		return nil, nil
	}
	return list.Data, nil
}

// Download fetches an attachment's bytes from its signed download URL,
// reading at most limit bytes.
func (c *Client) Download(ctx context.Context, downloadURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("attachment exceeds %d bytes", limit)
	}
	return data, nil
}

// getJSON GETs endpoint into out. found is false on HTTP 404.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}
	if err := decodeJSON(resp.Body, out); err != nil {
		return false, err
	}
	return true, nil
}
