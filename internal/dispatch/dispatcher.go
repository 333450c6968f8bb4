// Package dispatch sends data operations to whichever backend the connection
// manager currently selects and normalizes every failure into *Error.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/logging"
	"github.com/austinbrady/Assist-sub001/internal/metrics"
)

const maxResponseBytes = 16 << 20

// Selector reports the backend data operations should use right now.
type Selector interface {
	Selection() (backend.ConnectionStatus, backend.Candidate, bool)
}

// TokenSource yields the stored auth token. It is consulted on every call.
type TokenSource interface {
	Token(ctx context.Context) (string, bool, error)
}

// Operation is one logical data request. An empty Name means chat.
type Operation struct {
	Name string          `json:"operation"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Result is the decoded backend reply. Data is the raw JSON body, or null
// when the backend answered without one.
type Result struct {
	Operation string          `json:"operation"`
	Backend   backend.Kind    `json:"backend"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data"`
}

type Options struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// Routes adds or overrides operation routes.
	Routes map[string]Route
	Logger *slog.Logger
}

type Dispatcher struct {
	selector   Selector
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	routes     map[string]Route
	logger     *slog.Logger
}

func New(selector Selector, tokens TokenSource, opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Assist-Bridge/1.0.0"
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("dispatch")
	}

	routes := defaultRoutes()
	for name, r := range opts.Routes {
		routes[name] = r
	}

	return &Dispatcher{
		selector:   selector,
		tokens:     tokens,
		httpClient: opts.Client,
		timeout:    opts.Timeout,
		userAgent:  opts.UserAgent,
		routes:     routes,
		logger:     opts.Logger,
	}
}

// Dispatch performs op against the selected backend. It never retries;
// callers should re-check the connection before trying again.
func (d *Dispatcher) Dispatch(ctx context.Context, op Operation) (*Result, error) {
	name, route, ok := d.route(op.Name)
	if !ok {
		metrics.DispatchTotal.WithLabelValues("unknown", "", string(CodeInvalidOperation)).Inc()
		return nil, invalidOperation(op.Name)
	}

	status, cand, ok := d.selector.Selection()
	if !ok {
		metrics.DispatchTotal.WithLabelValues(name, "", string(CodeNoBackendAvailable)).Inc()
		return nil, noBackend(status.LastError)
	}

	start := time.Now()
	res, err := d.do(ctx, name, route, cand, op.Data)
	metrics.DispatchLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = string(CodeTransport)
		d.logger.Warn("Dispatch failed", "operation", name, "backend", cand.Kind, "error", err)
	} else {
		d.logger.Debug("Dispatch finished", "operation", name, "backend", cand.Kind, "status", res.Status, "duration", time.Since(start))
	}
	metrics.DispatchTotal.WithLabelValues(name, string(cand.Kind), outcome).Inc()
	return res, err
}

func (d *Dispatcher) do(ctx context.Context, name string, route Route, cand backend.Candidate, data json.RawMessage) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader
	if route.Method != http.MethodGet && route.Method != http.MethodHead {
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		body = bytes.NewReader(data)
	}

	url := strings.TrimRight(cand.URL, "/") + route.Path
	req, err := http.NewRequestWithContext(ctx, route.Method, url, body)
	if err != nil {
		return nil, &Error{Code: CodeTransport, Message: "failed to create request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.userAgent)

	token, ok, err := d.tokens.Token(ctx)
	if err != nil {
		// A broken token store should not block anonymous operations.
		d.logger.Warn("Failed to read auth token, sending without credentials", "error", err)
	} else if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, networkError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, errorMessage(raw))
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	} else if !json.Valid(raw) {
		return nil, malformedResponse(resp.StatusCode, fmt.Errorf("%d bytes of invalid JSON", len(raw)))
	}

	return &Result{
		Operation: name,
		Backend:   cand.Kind,
		Status:    resp.StatusCode,
		Data:      json.RawMessage(raw),
	}, nil
}

// errorMessage pulls a readable message out of a JSON error body. Backends
// use "error", "message" or FastAPI-style "detail".
func errorMessage(raw []byte) string {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, key := range []string{"error", "message", "detail"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
