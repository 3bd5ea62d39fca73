// Package client provides a REST client for the annotation platform's export API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/models"
)

// acceptHeader selects the versioned JSON representation of the API.
const acceptHeader = "application/vnd.cvat+json"

// maxErrorBody caps how much of an error response is kept in APIError.Message.
const maxErrorBody = 4 << 10

// Client talks to one platform server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	auth         Authenticator
	downloadAuth Authenticator
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithDownloadAuth sets a separate Authenticator for archive downloads.
// By default downloads reuse the API authenticator.
func WithDownloadAuth(a Authenticator) Option {
	return func(c *Client) {
		c.downloadAuth = a
	}
}

// New creates a client for baseURL. A nil auth sends no credentials.
func New(baseURL string, auth Authenticator, opts ...Option) *Client {
	if auth == nil {
		auth = NoAuth{}
	}

	// No overall timeout: archives can be large. Only the wait for headers is bounded.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 2 * time.Minute

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport},
		auth:       auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.downloadAuth == nil {
		c.downloadAuth = c.auth
	}
	return c
}

// Config describes how to reach and authenticate against a server.
type Config struct {
	BaseURL      string
	Auth         Scheme
	DownloadAuth Scheme // empty means same as Auth
	Credentials  Credentials
	HTTPClient   *http.Client
}

// Dial builds a Client from cfg, logging in first when a session scheme is used.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	var opts []Option
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	bootstrap := New(cfg.BaseURL, nil, opts...)

	apiAuth, err := NewAuthenticator(ctx, bootstrap, cfg.Auth, cfg.Credentials)
	if err != nil {
		return nil, err
	}

	dlAuth := apiAuth
	if cfg.DownloadAuth != "" && cfg.DownloadAuth != cfg.Auth {
		dlAuth, err = NewAuthenticator(ctx, bootstrap, cfg.DownloadAuth, cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("download auth: %w", err)
		}
	}

	return New(cfg.BaseURL, apiAuth, append(opts, WithDownloadAuth(dlAuth))...), nil
}

// CheckBaseURL reports whether raw is an absolute http or https URL.
func CheckBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	return nil
}

// BaseURL returns the server URL without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends an API request and decodes a 2xx JSON body into result.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, auth Authenticator, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.Authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// StartExport asks the platform to export the dataset of taskID in format and
// returns the request id to poll.
func (c *Client) StartExport(ctx context.Context, taskID int64, format string, includeMedia bool) (string, error) {
	op := fmt.Sprintf("start export of task %d", taskID)
	endpoint := c.endpoint(
		"/api/tasks/"+strconv.FormatInt(taskID, 10)+"/dataset/export",
		url.Values{
			"format":      {format},
			"save_images": {strconv.FormatBool(includeMedia)},
		},
	)

	var result struct {
		RqID string `json:"rq_id"`
	}
	if err := c.do(ctx, op, http.MethodPost, endpoint, nil, c.auth, &result); err != nil {
		return "", err
	}
	if result.RqID == "" {
		return "", &APIError{Op: op, StatusCode: http.StatusAccepted, Message: "response has no rq_id"}
	}
	return result.RqID, nil
}

// GetRequest returns the current state of an export request.
func (c *Client) GetRequest(ctx context.Context, rqID string) (*models.Request, error) {
	op := "get request " + rqID
	endpoint := c.endpoint("/api/requests/"+url.PathEscape(rqID), nil)

	var rq models.Request
	if err := c.do(ctx, op, http.MethodGet, endpoint, nil, c.auth, &rq); err != nil {
		return nil, err
	}
	if rq.ID == "" {
		rq.ID = rqID
	}
	return &rq, nil
}

// Login exchanges username and password for an API key.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	input := map[string]string{"username": username, "password": password}

	var result struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, "login", http.MethodPost, c.endpoint("/api/auth/login", nil), input, NoAuth{}, &result); err != nil {
		return "", err
	}
	if result.Key == "" {
		return "", &APIError{Op: "login", StatusCode: http.StatusOK, Message: "response has no key"}
	}
	return result.Key, nil
}

// Open starts a credential-bearing GET of an absolute URL and returns the body
// and its Content-Length (-1 if unknown). The caller must close the body.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create download request: %w", err)
	}
	c.downloadAuth.Authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: "download " + rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, 0, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}
