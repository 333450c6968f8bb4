package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/metrics"
)

// Result is the outcome of one liveness probe. A failed probe carries a
// human-readable Error; Probe never returns a Go error.
type Result struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Prober issues GET {url}{path} and treats any 2xx as reachable.
type Prober struct {
	client    *http.Client
	path      string
	userAgent string
	logger    *slog.Logger
}

// NewProber creates a prober. client may be nil; timeouts come from the
// per-call context, not from the client.
func NewProber(path string, client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if path == "" {
		path = "/health"
	}
	return &Prober{
		client:    client,
		path:      path,
		userAgent: "Assist-Bridge/1.0.0",
		logger:    logger,
	}
}

// Probe checks the candidate within timeout.
func (p *Prober) Probe(ctx context.Context, c backend.Candidate, timeout time.Duration) Result {
	start := time.Now()
	res := p.probe(ctx, c, timeout)
	res.Latency = time.Since(start)

	outcome := "up"
	if !res.Reachable {
		outcome = "down"
	}
	metrics.ProbeTotal.WithLabelValues(string(c.Kind), outcome).Inc()
	metrics.ProbeLatency.WithLabelValues(string(c.Kind)).Observe(res.Latency.Seconds())
	p.logger.Debug("Probe finished", "backend", c.Kind, "url", c.URL, "reachable", res.Reachable, "latency", res.Latency, "error", res.Error)
	return res
}

func (p *Prober) probe(ctx context.Context, c backend.Candidate, timeout time.Duration) Result {
	if c.URL == "" {
		return Result{Error: "no url configured"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimRight(c.URL, "/") + p.path
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return Result{Error: fmt.Sprintf("invalid url: %v", err)}
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{Error: "probe cancelled"}
		case errors.Is(err, context.DeadlineExceeded) || probeCtx.Err() != nil:
			return Result{Error: fmt.Sprintf("timeout after %s", timeout)}
		default:
			return Result{Error: err.Error()}
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Result{Reachable: true}
}
