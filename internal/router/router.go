// Package router is the single entry point for extension messages. It maps
// each typed request onto the connection manager, the dispatcher or the
// settings store and shapes the reply.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/config"
	"github.com/austinbrady/Assist-sub001/internal/connection"
	"github.com/austinbrady/Assist-sub001/internal/dispatch"
	"github.com/austinbrady/Assist-sub001/internal/logging"
	"github.com/austinbrady/Assist-sub001/internal/metrics"
	"github.com/austinbrady/Assist-sub001/internal/storage"
)

type ConnectionManager interface {
	CheckConnection(ctx context.Context) (backend.ConnectionStatus, error)
	Status() backend.ConnectionStatus
	StartHealthChecks(interval time.Duration) error
	StopHealthChecks()
	Reconfigure(cands backend.Candidates) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, op dispatch.Operation) (*dispatch.Result, error)
}

type Settings interface {
	Token(ctx context.Context) (string, bool, error)
	SetToken(ctx context.Context, token *string) error
	APIConfig(ctx context.Context) (storage.APIConfig, error)
	UpdateAPIConfig(ctx context.Context, patch storage.APIConfig) (storage.APIConfig, error)
}

type Options struct {
	// Defaults are the candidates used where the stored apiConfig is silent.
	Defaults backend.Candidates
	// Interval is used by START_HEALTH_CHECKS when the payload omits one.
	Interval time.Duration
	Logger   *slog.Logger
}

// Router holds no state besides the set of requests awaiting a reply.
type Router struct {
	manager    ConnectionManager
	dispatcher Dispatcher
	settings   Settings
	defaults   backend.Candidates
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]MessageType
	wg      sync.WaitGroup
}

func New(manager ConnectionManager, dispatcher Dispatcher, settings Settings, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("router")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Router{
		manager:    manager,
		dispatcher: dispatcher,
		settings:   settings,
		defaults:   opts.Defaults,
		interval:   opts.Interval,
		logger:     opts.Logger,
		pending:    make(map[string]MessageType),
	}
}

// Bootstrap applies the stored apiConfig to the manager. Call it once before
// health checks start.
func (r *Router) Bootstrap(ctx context.Context) error {
	cfg, err := r.settings.APIConfig(ctx)
	if err != nil {
		return fmt.Errorf("load api config: %w", err)
	}
	cands := cfg.Candidates(r.defaults)
	r.manager.Reconfigure(cands)
	r.logger.Info("Backends loaded", "local_url", cands.LocalURL, "cloud_url", cands.CloudURL, "stored", cfg != nil)
	return nil
}

// Serve handles req asynchronously and calls reply exactly once when the
// outcome settles. It returns the request id used in the reply.
func (r *Router) Serve(ctx context.Context, req Request, reply ReplyFunc) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r.mu.Lock()
	r.pending[req.ID] = req.Type
	r.wg.Add(1)
	r.mu.Unlock()
	metrics.PendingRequests.Inc()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.pending, req.ID)
			r.mu.Unlock()
			metrics.PendingRequests.Dec()
			r.wg.Done()
		}()

		result, err := r.Handle(ctx, req)
		reply(NewReply(req.ID, result, err))
	}()
	return req.ID
}

// Pending returns the number of requests still awaiting a reply.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain waits for outstanding replies, bounded by ctx.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain with %d pending requests: %w", r.Pending(), ctx.Err())
	}
}

// Handle processes one request synchronously.
func (r *Router) Handle(ctx context.Context, req Request) (interface{}, error) {
	start := time.Now()
	result, err := r.handle(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Debug("Message failed", "id", req.ID, "type", req.Type, "error", err, "duration", time.Since(start))
	} else {
		r.logger.Debug("Message handled", "id", req.ID, "type", req.Type, "duration", time.Since(start))
	}
	label := string(req.Type)
	if errors.Is(err, ErrUnknownMessageType) {
		label = "unknown"
	}
	metrics.MessagesTotal.WithLabelValues(label, outcome).Inc()
	return result, err
}

func (r *Router) handle(ctx context.Context, req Request) (interface{}, error) {
	switch req.Type {
	case TypeSendMessage:
		return r.sendMessage(ctx, req.Payload)
	case TypeCheckConnection:
		return r.checkConnection(ctx)
	case TypeGetConnectionStatus:
		return StatusResponse{Status: r.manager.Status()}, nil
	case TypeSetToken:
		return r.setToken(ctx, req.Payload)
	case TypeGetToken:
		return r.getToken(ctx)
	case TypeUpdateConfig:
		return r.updateConfig(ctx, req.Payload)
	case TypeGetConfig:
		cfg, err := r.settings.APIConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load api config: %w", err)
		}
		return ConfigResponse{Config: cfg}, nil
	case TypeStartHealthChecks:
		return r.startHealthChecks(req.Payload)
	case TypeStopHealthChecks:
		r.manager.StopHealthChecks()
		return SuccessResponse{Success: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, req.Type)
	}
}

// sendMessage accepts {operation, data}. A payload with neither key is taken
// as the data of a chat operation.
func (r *Router) sendMessage(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	op := dispatch.Operation{Name: dispatch.OpChat}
	if !isEmpty(payload) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: SEND_MESSAGE payload must be an object: %v", ErrInvalidPayload, err)
		}
		rawOp, hasOp := fields["operation"]
		rawData, hasData := fields["data"]
		if hasOp || hasData {
			if hasOp && !isEmpty(rawOp) {
				if err := json.Unmarshal(rawOp, &op.Name); err != nil {
					return nil, fmt.Errorf("%w: operation must be a string", ErrInvalidPayload)
				}
			}
			op.Data = rawData
		} else {
			op.Data = payload
		}
	}

	res, err := r.dispatcher.Dispatch(ctx, op)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Router) checkConnection(ctx context.Context) (interface{}, error) {
	status, err := r.manager.CheckConnection(ctx)
	if err != nil && !errors.Is(err, connection.ErrCycleCancelled) {
		return nil, fmt.Errorf("check connection: %w", err)
	}
	if err != nil {
		status = r.manager.Status()
	}
	return StatusResponse{Status: status}, nil
}

func (r *Router) setToken(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: SET_TOKEN payload must be an object", ErrInvalidPayload)
	}
	raw, ok := fields["token"]
	if !ok {
		return nil, fmt.Errorf("%w: SET_TOKEN payload needs a token field", ErrInvalidPayload)
	}

	var token *string
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("%w: token must be a string or null", ErrInvalidPayload)
	}
	if err := r.settings.SetToken(ctx, token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	r.logger.Info("Auth token updated", "present", token != nil && *token != "")
	return SuccessResponse{Success: true}, nil
}

func (r *Router) getToken(ctx context.Context) (interface{}, error) {
	token, ok, err := r.settings.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return TokenResponse{}, nil
	}
	return TokenResponse{Token: &token}, nil
}

// updateConfig merges the patch into the stored apiConfig, points the
// manager at the resulting candidates and runs a check right away.
func (r *Router) updateConfig(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var patch storage.APIConfig
	if err := json.Unmarshal(payload, &patch); err != nil || patch == nil {
		return nil, fmt.Errorf("%w: UPDATE_CONFIG payload must be an object", ErrInvalidPayload)
	}
	for _, key := range []string{"localBackendUrl", "cloudBackendUrl"} {
		v, ok := patch[key]
		if !ok || v == nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, key)
		}
		if s == "" {
			continue
		}
		if err := config.ValidateBackendURL(s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
	}

	merged, err := r.settings.UpdateAPIConfig(ctx, patch)
	if err != nil {
		return nil, fmt.Errorf("store api config: %w", err)
	}

	r.manager.Reconfigure(merged.Candidates(r.defaults))
	if _, err := r.manager.CheckConnection(ctx); err != nil && !errors.Is(err, connection.ErrCycleCancelled) {
		r.logger.Warn("Connection check after config update failed", "error", err)
	}
	return SuccessResponse{Success: true}, nil
}

func (r *Router) startHealthChecks(payload json.RawMessage) (interface{}, error) {
	interval := r.interval
	if !isEmpty(payload) {
		var body struct {
			IntervalMs *int64 `json:"intervalMs"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("%w: START_HEALTH_CHECKS payload: %v", ErrInvalidPayload, err)
		}
		if body.IntervalMs != nil {
			if *body.IntervalMs <= 0 {
				return nil, fmt.Errorf("%w: intervalMs must be positive", ErrInvalidPayload)
			}
			interval = time.Duration(*body.IntervalMs) * time.Millisecond
		}
	}
	if err := r.manager.StartHealthChecks(interval); err != nil {
		return nil, fmt.Errorf("start health checks: %w", err)
	}
	return SuccessResponse{Success: true}, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
