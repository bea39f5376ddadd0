package zabbix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const apiPath = "/api_jsonrpc.php"

// Methods callable without an auth token.
func unauthenticated(method string) bool {
	return method == "apiinfo.version" || method == "user.login"
}

// ErrNoSession is returned when an authenticated call is attempted on a
// client that holds no token (never logged in, or already logged out).
var ErrNoSession = errors.New("zabbix: no active session")

// APIError is an application-level error payload returned by the Zabbix API.
// The platform answered the request, so API errors are never retried.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// AuthError wraps a failed login attempt: rejected credentials or an
// unreachable instance. Fatal for the affected instance.
type AuthError struct {
	URL string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("zabbix: login to %s failed: %v", e.URL, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
	Auth    string `json:"auth,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// Client issues JSON-RPC calls to a single Zabbix instance and owns the
// session lifecycle for it. Transient transport failures are retried with
// exponential backoff; API error responses are surfaced immediately.
// A Client is used by exactly one pipeline and is not safe for concurrent use.
type Client struct {
	http    *resty.Client
	log     *zap.SugaredLogger
	url     string
	token   string
	version string
	nextID  atomic.Int64
}

// Option adjusts client construction. Used by tests to shrink retry waits.
type Option func(*resty.Client)

// WithRetry overrides the retry schedule: attempts is the total call budget
// (attempts-1 retries), waits follow resty's exponential backoff between
// wait and maxWait.
func WithRetry(attempts int, wait, maxWait time.Duration) Option {
	return func(rc *resty.Client) {
		rc.SetRetryCount(attempts - 1).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(maxWait)
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(rc *resty.Client) { rc.SetTimeout(d) }
}

// NewClient returns a client for the instance at baseURL.
// Default policy: 15s per request, 3 attempts, backoff between 4s and 10s.
// Only transport failures (connection refused/reset, timeout) are retried;
// any HTTP response, including an error payload, ends the retry loop.
func NewClient(baseURL string, log *zap.SugaredLogger, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(4 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(_ *resty.Response, err error) bool {
			return err != nil
		})

	for _, opt := range opts {
		opt(rc)
	}

	return &Client{
		http: rc,
		log:  log,
		url:  strings.TrimRight(baseURL, "/"),
	}
}

// URL returns the instance base URL the client was built for.
func (c *Client) URL() string { return c.url }

// SetToken installs a pre-issued API token. No validation call is made;
// a bad token surfaces on the first real API call.
func (c *Client) SetToken(token string) { c.token = token }

// Call executes one JSON-RPC request and returns the raw result payload.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.token == "" && !unauthenticated(method) {
		return nil, fmt.Errorf("zabbix: %s: %w", method, ErrNoSession)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	if !unauthenticated(method) {
		req.Auth = c.token
	}

	var out rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json-rpc").
		SetBody(req).
		SetResult(&out).
		Post(apiPath)
	if err != nil {
		return nil, fmt.Errorf("zabbix: %s: %w", method, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("zabbix: %s: unexpected status %s", method, resp.Status())
	}
	if out.Error != nil {
		return nil, fmt.Errorf("zabbix: %s: %w", method, out.Error)
	}
	return out.Result, nil
}

// Version returns the platform version string (e.g. "6.0.21"), cached after
// the first call. apiinfo.version is the one call that needs no session.
func (c *Client) Version(ctx context.Context) (string, error) {
	if c.version != "" {
		return c.version, nil
	}
	raw, err := c.Call(ctx, "apiinfo.version", []any{})
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("zabbix: apiinfo.version: decode result: %w", err)
	}
	c.version = v
	return v, nil
}

// majorVersion parses the leading component of a version string.
// Returns 0 when it cannot be parsed.
func majorVersion(v string) int {
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// Login exchanges username/password for a session token. The login parameter
// key changed from "user" to "username" in Zabbix 6.0, so the platform
// version is probed first; if the chosen key is rejected as an unexpected
// parameter the other key is attempted before giving up.
func (c *Client) Login(ctx context.Context, username, password string) error {
	key := "username"
	if v, err := c.Version(ctx); err == nil {
		if majorVersion(v) <= 5 {
			key = "user"
		}
	} else {
		c.log.Warnw("version probe failed, assuming current login parameter",
			"url", c.url, "error", err)
	}

	token, err := c.login(ctx, key, username, password)
	if err != nil && isUnexpectedParam(err) {
		if key == "username" {
			key = "user"
		} else {
			key = "username"
		}
		token, err = c.login(ctx, key, username, password)
	}
	if err != nil {
		return &AuthError{URL: c.url, Err: err}
	}

	c.token = token
	return nil
}

func (c *Client) login(ctx context.Context, paramKey, username, password string) (string, error) {
	raw, err := c.Call(ctx, "user.login", map[string]string{
		paramKey:   username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("zabbix: user.login: decode result: %w", err)
	}
	if token == "" {
		return "", errors.New("zabbix: user.login: empty token in result")
	}
	return token, nil
}

func isUnexpectedParam(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Data, `unexpected parameter`) ||
		strings.Contains(apiErr.Data, `"user" is missing`) ||
		strings.Contains(apiErr.Data, `"username" is missing`)
}

// Logout ends the session. Best effort: failures are logged, never returned,
// and the token is cleared regardless, so calling Logout twice or on a
// client that never logged in is a no-op.
func (c *Client) Logout(ctx context.Context) {
	if c.token == "" {
		return
	}
	if _, err := c.Call(ctx, "user.logout", []any{}); err != nil {
		c.log.Warnw("logout failed", "url", c.url, "error", err)
	}
	c.token = ""
}
