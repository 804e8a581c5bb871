// Package client is a Go client for the Warden workload supervisor. The
// supervisor is reachable only over a unix domain socket on the local host;
// the client speaks its HTTP/JSON API, streams files in and out with
// multipart/form-data, waits on asynchronous changes, and runs remote
// processes with live I/O over multiplexed websockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultSocket is the supervisor's default socket path, used when
// Config.Socket is empty.
const DefaultSocket = "/run/warden/warden.socket"

const defaultDialTimeout = 5 * time.Second

// Config holds the configuration for New.
type Config struct {
	// Socket is the path of the supervisor's unix domain socket.
	Socket string
}

// Client is a client for the supervisor API. Methods are safe for concurrent
// use; each plain request/response call opens its own connection.
type Client struct {
	log        *zap.SugaredLogger
	socketPath string
	baseURL    string

	// jsonClient serves plain JSON calls; rawClient serves multipart and
	// websocket traffic, which must not be buffered for retries.
	jsonClient *http.Client
	rawClient  *http.Client

	dialTimeout              time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithLogger directs the client's debug logging to the given logger. The
// default is a nop logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithDialTimeout bounds how long each call may spend connecting to the
// socket. It does not bound request bodies or caller-level waits.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithCustomizeRetryableClient exposes the underlying retryable HTTP client
// used for JSON calls. Retries are disabled by default; this hook lets
// callers opt in.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New returns a client talking to the supervisor at cfg.Socket.
func New(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	socket := cfg.Socket
	if socket == "" {
		socket = DefaultSocket
	}

	c := &Client{
		log:        zap.NewNop().Sugar(),
		socketPath: socket,
		// The host is a placeholder: requests are routed by the dialer,
		// never resolved.
		baseURL:     "http://localhost",
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		DialContext: c.dialSocket,
		// One fresh connection per call.
		DisableKeepAlives: true,
	}
	c.rawClient = &http.Client{Transport: transport}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.RetryMax = 0
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.jsonClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) dialSocket(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if _, statErr := os.Stat(c.socketPath); errors.Is(statErr, fs.ErrNotExist) {
			return nil, &ConnectionError{Err: fmt.Errorf("socket %q not found: is the supervisor running? (%w)", c.socketPath, err)}
		}
		return nil, &ConnectionError{Err: err}
	}
	return conn, nil
}

// response is the server's uniform response envelope.
type response struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status-code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	Change     string          `json:"change"`
}

type errorResult struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// raw issues a request and returns the unparsed response. The caller owns the
// body. Used for multipart traffic; JSON calls go through do.
func (c *Client) raw(ctx context.Context, method, path string, query url.Values, headers map[string]string, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.log.Debugw("sending request", "method", method, "path", path)
	rsp, err := c.rawClient.Do(req)
	if err != nil {
		return nil, connectionError(err)
	}
	return rsp, nil
}

// do issues a JSON request and decodes the response envelope, converting
// non-2xx responses into APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debugw("sending request", "method", method, "path", path)
	rsp, err := c.jsonClient.Do(req)
	if err != nil {
		return nil, connectionError(err)
	}
	defer rsp.Body.Close()

	return decodeResponse(rsp)
}

func decodeResponse(rsp *http.Response) (*response, error) {
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, protocolErrorf("cannot read response body: %v", err)
	}

	mediaType, _, _ := mime.ParseMediaType(rsp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, protocolErrorf("server returned unexpected content type %q (status %d)", rsp.Header.Get("Content-Type"), rsp.StatusCode)
	}

	var envelope response
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, protocolErrorf("cannot decode response body: %v", err)
	}

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 || envelope.Type == "error" {
		return nil, apiError(rsp, &envelope, data)
	}
	return &envelope, nil
}

func apiError(rsp *http.Response, envelope *response, body []byte) error {
	var result errorResult
	// Best effort: an envelope without a decodable error result still
	// produces an APIError carrying the raw body.
	_ = json.Unmarshal(envelope.Result, &result)
	message := result.Message
	if message == "" {
		message = fmt.Sprintf("server error: %s", http.StatusText(rsp.StatusCode))
	}
	status := envelope.Status
	if status == "" {
		status = http.StatusText(rsp.StatusCode)
	}
	return &APIError{
		Code:    rsp.StatusCode,
		Status:  status,
		Message: message,
		Kind:    result.Kind,
		Body:    body,
	}
}

// doSync issues a JSON request expecting a synchronous result and unmarshals
// the result into v if non-nil.
func (c *Client) doSync(ctx context.Context, method, path string, query url.Values, body, v interface{}) error {
	rsp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if rsp.Type != "sync" {
		return protocolErrorf("expected sync response, got %q", rsp.Type)
	}
	if v != nil {
		if err := json.Unmarshal(rsp.Result, v); err != nil {
			return protocolErrorf("cannot unmarshal result: %v", err)
		}
	}
	return nil
}

// doAsync issues a JSON request expecting an asynchronous response and
// returns the change id tracking it. The result, if any, is unmarshaled
// into v.
func (c *Client) doAsync(ctx context.Context, method, path string, query url.Values, body, v interface{}) (ChangeID, error) {
	rsp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return "", err
	}
	if rsp.Type != "async" {
		return "", protocolErrorf("expected async response, got %q", rsp.Type)
	}
	if rsp.StatusCode != http.StatusAccepted {
		return "", protocolErrorf("expected 202 Accepted, got %d", rsp.StatusCode)
	}
	if rsp.Change == "" {
		return "", protocolErrorf("async response without change id")
	}
	if v != nil && len(rsp.Result) > 0 {
		if err := json.Unmarshal(rsp.Result, v); err != nil {
			return "", protocolErrorf("cannot unmarshal result: %v", err)
		}
	}
	return ChangeID(rsp.Change), nil
}

// connectionError maps a transport failure onto the typed hierarchy,
// preserving a ConnectionError raised by the dialer.
func connectionError(err error) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return &ConnectionError{Err: err}
}

// multiValues builds query values with one entry per element, for endpoints
// taking repeated keys.
func multiValues(query url.Values, key string, values []string) {
	for _, v := range values {
		query.Add(key, v)
	}
}

// formatDuration renders a duration the way the API expects timeouts:
// seconds with millisecond resolution, e.g. "4.000s".
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// SysInfo holds the information reported by the system-info endpoint.
type SysInfo struct {
	Version string `json:"version"`
	BootID  string `json:"boot-id,omitempty"`
}

// SysInfo identifies the server.
func (c *Client) SysInfo(ctx context.Context) (*SysInfo, error) {
	var info SysInfo
	if err := c.doSync(ctx, "GET", "/v1/system-info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// commaSeparated joins values for endpoints taking comma-separated lists.
func commaSeparated(values []string) string {
	return strings.Join(values, ",")
}
