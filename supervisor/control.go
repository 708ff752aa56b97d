package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrNotReady is returned when the engine has not announced its port yet.
var ErrNotReady = errors.New("engine not ready: port not announced")

const (
	DefaultControlTimeout  = 5 * time.Second
	DefaultControlRetryMax = 3

	unknownError    = "Unknown error"
	maxErrorBodyLen = 64 << 10
)

// ControlError is a non-2xx response from the engine.
type ControlError struct {
	StatusCode int
	Message    string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("engine returned HTTP %d: %s", e.StatusCode, e.Message)
}

type KillRequest struct {
	PID   uint32 `json:"pid"`
	Force bool   `json:"force"`
}

type KillResult struct {
	Success bool   `json:"success"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
}

// ControlClient talks to the engine's loopback control endpoint, on the port held in State.
type ControlClient struct {
	log        *zap.SugaredLogger
	state      *State
	host       string
	timeout    time.Duration
	retryMax   int
	httpClient *http.Client
}

type ControlOption func(c *ControlClient)

func WithControlLogger(l *zap.Logger) ControlOption {
	return func(c *ControlClient) {
		c.log = l.Named("control").Sugar()
	}
}

// WithControlTimeout bounds each call, including retries.
func WithControlTimeout(d time.Duration) ControlOption {
	return func(c *ControlClient) {
		c.timeout = d
	}
}

// WithControlRetryMax sets how often idempotent requests are retried.
func WithControlRetryMax(n int) ControlOption {
	return func(c *ControlClient) {
		c.retryMax = n
	}
}

func WithControlHost(host string) ControlOption {
	return func(c *ControlClient) {
		c.host = host
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

type noRetryKey struct{}

// checkRetry retries like the default policy, except for requests marked as not idempotent.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func NewControlClient(state *State, opts ...ControlOption) *ControlClient {
	c := &ControlClient{
		log:      zap.NewNop().Sugar(),
		state:    state,
		host:     "127.0.0.1",
		timeout:  DefaultControlTimeout,
		retryMax: DefaultControlRetryMax,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			// loopback only, never proxied
			Proxy:       nil,
			DialContext: dialer.DialContext,
		},
	}
	retryClient.RetryMax = c.retryMax
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}

	c.httpClient = retryClient.StandardClient()
	return c
}

func (c *ControlClient) url(port uint16, path string) string {
	return "http://" + net.JoinHostPort(c.host, strconv.Itoa(int(port))) + path
}

func (c *ControlClient) prepReq(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Request-Id", uuid.NewString())
}

// Kill asks the engine to terminate pid. Kill requests are never retried.
func (c *ControlClient) Kill(ctx context.Context, pid uint32, force bool) error {
	port, ok := c.state.Port()
	if !ok {
		return ErrNotReady
	}

	body, err := json.Marshal(KillRequest{PID: pid, Force: force})
	if err != nil {
		return fmt.Errorf("encoding kill request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithValue(ctx, noRetryKey{}, true), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, "/kill"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	c.log.Debugf("sending kill for pid %d (force=%v) to port %d", pid, force, port)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending kill request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ControlError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	var result KillResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.log.Debugf("decoding kill result: %s", err)
		return nil
	}
	c.log.Debugf("kill result for pid %d: %+v", pid, result)
	return nil
}

// Health checks that the engine answers on its control port.
func (c *ControlClient) Health(ctx context.Context) (HealthResult, error) {
	var result HealthResult
	port, ok := c.state.Port()
	if !ok {
		return result, ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/health"), nil)
	if err != nil {
		return result, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("sending health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, &ControlError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decoding health result: %w", err)
	}
	return result, nil
}

func readMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodyLen))
	if err != nil {
		return unknownError
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return unknownError
	}
	return msg
}
