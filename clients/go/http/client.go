// Package http provides an HTTP client for the admin3 rules service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	rules "github.com/matt-riley/admin3-rules/clients/go"
)

const sessionHeader = "X-Session-ID"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the rules server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the admin bearer token in "id.secret" format. Only the /v1
	// authoring calls send it.
	APIKey string
	// SessionID pins the checkout session. When empty the client adopts the
	// session the server issues on the first storefront call.
	SessionID string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements rules.Executor, rules.Checkout and rules.RuleManager
// over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

var (
	_ rules.Executor    = (*Client)(nil)
	_ rules.Checkout    = (*Client)(nil)
	_ rules.RuleManager = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the rules service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc, sessionID: cfg.SessionID}
}

// SessionID returns the checkout session the client is bound to, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
	// Body is the raw response body, useful for 409 responses that carry the
	// current checkout state.
	Body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rules: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: body, Message: strings.TrimSpace(string(body))}
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		apiErr.Message = wire.Error
	}
	return apiErr
}

// -- helpers -----------------------------------------------------------------

type scope int

const (
	scopePublic scope = iota
	scopeAdmin
)

func (c *Client) do(ctx context.Context, s scope, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rules: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("rules: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch s {
	case scopeAdmin:
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	case scopePublic:
		if id := c.SessionID(); id != "" {
			req.Header.Set(sessionHeader, id)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rules: http: %w", err)
	}
	defer resp.Body.Close()

	if s == scopePublic {
		if id := resp.Header.Get(sessionHeader); id != "" {
			c.mu.Lock()
			if c.sessionID == "" {
				c.sessionID = id
			}
			c.mu.Unlock()
		}
	}

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rules: decode response: %w", err)
	}
	return nil
}

type executeRequest struct {
	EntryPoint string `json:"entryPoint"`
	Context    any    `json:"context"`
}

func contextOrEmpty(data any) any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// -- Executor ----------------------------------------------------------------

// Execute runs an entry point. Checkout entry points advance the client's
// checkout session.
func (c *Client) Execute(ctx context.Context, entryPoint string, data any) (rules.Result, error) {
	var out rules.Result
	err := c.do(ctx, scopePublic, http.MethodPost, "/rules/engine/execute",
		executeRequest{EntryPoint: entryPoint, Context: contextOrEmpty(data)}, &out)
	return out, err
}

// -- Checkout ----------------------------------------------------------------

type checkoutResponse struct {
	Success  bool          `json:"success"`
	Checkout rules.Session `json:"checkout"`
}

func (c *Client) Acknowledge(ctx context.Context, ack rules.Acknowledgment) (rules.Session, error) {
	var out checkoutResponse
	if err := c.do(ctx, scopePublic, http.MethodPost, "/rules/acknowledge", ack, &out); err != nil {
		return rules.Session{}, err
	}
	return out.Checkout, nil
}

func (c *Client) SetPreferences(ctx context.Context, prefs map[string]any) (rules.Session, error) {
	var out checkoutResponse
	body := map[string]any{"preferences": prefs}
	if err := c.do(ctx, scopePublic, http.MethodPost, "/rules/preferences", body, &out); err != nil {
		return rules.Session{}, err
	}
	return out.Checkout, nil
}

// SubmitOrder places the order. A blocked submission is not an error: the
// result reports the missing acknowledgments.
func (c *Client) SubmitOrder(ctx context.Context, order rules.OrderRequest) (rules.SubmitResult, error) {
	var out rules.SubmitResult
	err := c.do(ctx, scopePublic, http.MethodPost, "/orders/checkout", order, &out)
	return out, err
}

func (c *Client) CheckoutState(ctx context.Context) (rules.Session, error) {
	var out rules.Session
	err := c.do(ctx, scopePublic, http.MethodGet, "/checkout/state", nil, &out)
	return out, err
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRule(ctx context.Context, rule rules.Rule) (rules.Rule, error) {
	var out rules.Rule
	err := c.do(ctx, scopeAdmin, http.MethodPost, "/v1/rules", rule, &out)
	return out, err
}

func (c *Client) GetRule(ctx context.Context, code string) (rules.Rule, error) {
	var out rules.Rule
	err := c.do(ctx, scopeAdmin, http.MethodGet, "/v1/rules/"+url.PathEscape(code), nil, &out)
	return out, err
}

func (c *Client) ListRules(ctx context.Context, entryPoint string) ([]rules.Rule, error) {
	path := "/v1/rules"
	if entryPoint != "" {
		path += "?entry_point=" + url.QueryEscape(entryPoint)
	}
	var out []rules.Rule
	if err := c.do(ctx, scopeAdmin, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateRule(ctx context.Context, rule rules.Rule) (rules.Rule, error) {
	var out rules.Rule
	err := c.do(ctx, scopeAdmin, http.MethodPut, "/v1/rules/"+url.PathEscape(rule.Code), rule, &out)
	return out, err
}

func (c *Client) DeleteRule(ctx context.Context, code string) error {
	return c.do(ctx, scopeAdmin, http.MethodDelete, "/v1/rules/"+url.PathEscape(code), nil, nil)
}

// DryRun executes an entry point without side effects.
func (c *Client) DryRun(ctx context.Context, entryPoint string, data any) (rules.Result, error) {
	var out rules.Result
	err := c.do(ctx, scopeAdmin, http.MethodPost, "/v1/engine/dry-run",
		executeRequest{EntryPoint: entryPoint, Context: contextOrEmpty(data)}, &out)
	return out, err
}
