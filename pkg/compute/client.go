// Package compute is a client for the remote imagery compute service.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/oauth2/clientcredentials"
)

// Client defines the compute service operations.
type Client interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error)
	StartExport(ctx context.Context, req ExportRequest) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ActiveTasks(ctx context.Context) (int, error)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithToken authenticates with a static bearer token.
func WithToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

// WithClientCredentials authenticates with the OAuth2 client credentials
// flow. Tokens are fetched and refreshed by the underlying HTTP client.
func WithClientCredentials(tokenURL, clientID, clientSecret string, scopes ...string) Option {
	return func(c *httpClient) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		hc := cfg.Client(context.Background())
		hc.Timeout = c.http.Timeout
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a compute service client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var resp EvaluateResponse
	if err := c.post(ctx, "/v1/evaluate", req, &resp); err != nil {
		return nil, eris.Wrap(err, "compute: evaluate")
	}
	for _, f := range req.Fields {
		if _, ok := resp.Columns[f]; !ok {
			return nil, eris.Errorf("compute: evaluate: response missing column %q", f)
		}
	}
	n := resp.Rows()
	for name, col := range resp.Columns {
		if len(col) != n {
			return nil, eris.Errorf("compute: evaluate: column %q has %d rows, want %d", name, len(col), n)
		}
	}
	return &resp, nil
}

func (c *httpClient) StartExport(ctx context.Context, req ExportRequest) (*Task, error) {
	var resp Task
	if err := c.post(ctx, "/v1/exports", req, &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("compute: start export %s", req.TileID))
	}
	return &resp, nil
}

func (c *httpClient) GetTask(ctx context.Context, id string) (*Task, error) {
	var resp Task
	if err := c.get(ctx, "/v1/tasks/"+url.PathEscape(id), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("compute: get task %s", id))
	}
	return &resp, nil
}

func (c *httpClient) ActiveTasks(ctx context.Context) (int, error) {
	var resp TaskList
	if err := c.get(ctx, "/v1/tasks?state=active", &resp); err != nil {
		return 0, eris.Wrap(err, "compute: list active tasks")
	}
	n := 0
	for _, t := range resp.Tasks {
		if t.Active() {
			n++
		}
	}
	return n, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
