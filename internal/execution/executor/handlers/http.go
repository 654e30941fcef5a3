package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
)

const maxResponseBody = 1 << 20

type HTTPConfig struct {
	Client *http.Client
	// BreakerFailures consecutive failures against one host open its breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
}

// HTTP calls an external API. Each host gets its own circuit breaker.
type HTTP struct {
	client   *http.Client
	failures uint32
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		client:   client,
		failures: failures,
		timeout:  timeout,
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

type httpParams struct {
	Method  string
	URL     *url.URL
	Headers map[string]string
	Body    any
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// Execute sends params.method (default GET) to params.url with optional
// params.headers and a JSON params.body. 4xx responses are not retried.
func (h *HTTP) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	p, err := parseHTTPParams(req.Params)
	if err != nil {
		return executor.Result{}, executor.Permanent(err)
	}

	out, err := h.breaker(p.URL.Host).Execute(func() (interface{}, error) {
		return h.do(ctx, req, p)
	})
	if err != nil {
		var se statusError
		if errors.As(err, &se) && se.code < 500 {
			return executor.Result{}, executor.Permanent(err)
		}
		return executor.Result{}, err
	}
	return out.(executor.Result), nil
}

func (h *HTTP) do(ctx context.Context, req executor.Request, p httpParams) (executor.Result, error) {
	var body io.Reader
	if p.Body != nil {
		raw, err := json.Marshal(p.Body)
		if err != nil {
			return executor.Result{}, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, p.Method, p.URL.String(), body)
	if err != nil {
		return executor.Result{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("X-Operation-Id", req.OperationID)
	httpReq.Header.Set("X-Step-Id", req.StepID)
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", req.OperationID, req.StepID))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return executor.Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return executor.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return executor.Result{}, statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	data := map[string]any{"status": resp.StatusCode}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		data["body"] = decoded
	} else if len(raw) > 0 {
		data["body"] = string(raw)
	}
	result := executor.Result{Data: data}
	if obj, ok := decoded.(map[string]any); ok {
		if vars, ok := obj["variables"].(map[string]any); ok {
			result.Variables = vars
		}
	}
	return result, nil
}

func (h *HTTP) breaker(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "http:" + host,
		MaxRequests: 1,
		Timeout:     h.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.failures
		},
		IsSuccessful: func(err error) bool {
			var se statusError
			if errors.As(err, &se) {
				return se.code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("http step breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	h.breakers[host] = cb
	return cb
}

func parseHTTPParams(params map[string]any) (httpParams, error) {
	rawURL, _ := params["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return httpParams{}, errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return httpParams{}, fmt.Errorf("invalid url %q", rawURL)
	}
	method, _ := params["method"].(string)
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	headers := map[string]string{}
	if raw, ok := params["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprint(v)
		}
	}
	return httpParams{Method: method, URL: u, Headers: headers, Body: params["body"]}, nil
}
