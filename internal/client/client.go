// Package client is the HTTP transport for the captcha API. It knows URLs and
// JSON shapes only; payload encryption belongs to the caller.
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

	"chemcaptcha/internal/captcha"
	"chemcaptcha/internal/payload"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL, e.g. "http://localhost:8000". A nil
// httpClient gets a client with a 15 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// List returns the registered module slugs.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var slugs []string
	if err := c.getJSON(ctx, "/api/captcha/list", nil, &slugs); err != nil {
		return nil, err
	}
	return slugs, nil
}

// Random asks the server to pick a module.
func (c *Client) Random(ctx context.Context, width, height int) (*captcha.Challenge, error) {
	return c.generate(ctx, captcha.RandomModule, "/api/captcha/random", sizeQuery(width, height))
}

// Generate requests a fresh challenge from one module.
func (c *Client) Generate(ctx context.Context, slug string, width, height int) (*captcha.Challenge, error) {
	return c.generate(ctx, slug, "/api/captcha/"+url.PathEscape(slug)+"/generate", sizeQuery(width, height))
}

// GenerateCustom requests the challenge for one catalog path.
func (c *Client) GenerateCustom(ctx context.Context, slug, path string, width, height int) (*captcha.Challenge, error) {
	q := sizeQuery(width, height)
	q.Set("path", path)
	return c.generate(ctx, slug, "/api/captcha/"+url.PathEscape(slug)+"/generate_custom", q)
}

// Catalog fetches one page of a module catalog. Page numbers are 1-based.
func (c *Client) Catalog(ctx context.Context, slug string, page, limit int) (*captcha.CatalogResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var resp captcha.CatalogResponse
	if err := c.getJSON(ctx, "/api/captcha/"+url.PathEscape(slug)+"/catalog", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify posts a sealed envelope and returns the sealed reply.
func (c *Client) Verify(ctx context.Context, env payload.Envelope) (payload.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return payload.Envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/captcha/verify", bytes.NewReader(body))
	if err != nil {
		return payload.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out payload.Envelope
	if err := c.do(req, &out); err != nil {
		return payload.Envelope{}, err
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, module, path string, q url.Values) (*captcha.Challenge, error) {
	var resp captcha.GenerateResponse
	if err := c.getJSON(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("generate %s: response has no token", module)
	}
	return resp.Challenge(module), nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func sizeQuery(width, height int) url.Values {
	q := url.Values{}
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	return q
}
