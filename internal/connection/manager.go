// Package connection owns the process-wide connection status and decides,
// local first, which backend data operations are routed to.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/logging"
	"github.com/austinbrady/Assist-sub001/internal/metrics"
	"github.com/austinbrady/Assist-sub001/internal/probe"
	"github.com/austinbrady/Assist-sub001/internal/scheduler"
)

var (
	// ErrCycleCancelled is returned to callers whose cycle was superseded by
	// StopHealthChecks, Reconfigure or Close. The cycle wrote nothing.
	ErrCycleCancelled = errors.New("probe cycle cancelled")
	ErrClosed         = errors.New("connection manager closed")
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultStaleAfter   = 5 * time.Minute
	subscriberBuffer    = 8
	lastErrorStale      = "status stale"
	lastErrorNoBackends = "no backend configured"
)

// Prober checks one candidate. Implementations never return an error; a
// failure is reported in the result.
type Prober interface {
	Probe(ctx context.Context, c backend.Candidate, timeout time.Duration) probe.Result
}

type Options struct {
	ProbeTimeout time.Duration
	// StaleAfter bounds how long a successful result stays valid when no
	// periodic checks are running. With checks running the window is twice
	// the interval.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager is the single writer of the connection status.
type Manager struct {
	prober       Prober
	sched        *scheduler.Scheduler
	probeTimeout time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	logger       *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	status    backend.ConnectionStatus
	settled   backend.ConnectionStatus
	cands     backend.Candidates
	epoch     uint64
	schedGen  uint64
	interval  time.Duration
	runCtx    context.Context
	runCancel context.CancelFunc
	closed    bool

	subMu   sync.Mutex
	subs    map[int]chan backend.ConnectionStatus
	nextSub int
}

// NewManager creates a manager in the unprobed state. No probe runs until
// CheckConnection or StartHealthChecks is called.
func NewManager(prober Prober, cands backend.Candidates, opts Options) *Manager {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("connection")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	initial := backend.Disconnected(backend.StateUnprobed, time.Time{}, "")
	m := &Manager{
		prober:       prober,
		sched:        scheduler.New(opts.Logger),
		probeTimeout: opts.ProbeTimeout,
		staleAfter:   opts.StaleAfter,
		now:          opts.Now,
		logger:       opts.Logger,
		status:       initial,
		settled:      initial,
		cands:        cands,
		subs:         make(map[int]chan backend.ConnectionStatus),
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	return m
}

// CheckConnection runs a probe cycle and returns the resulting status. A call
// made while a cycle is in flight joins that cycle instead of starting another.
// ctx only bounds the wait; the shared cycle keeps running for other callers.
func (m *Manager) CheckConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	m.mu.RLock()
	closed, epoch := m.closed, m.epoch
	m.mu.RUnlock()
	if closed {
		return m.Status(), ErrClosed
	}
	return m.join(ctx, epoch)
}

func (m *Manager) join(ctx context.Context, epoch uint64) (backend.ConnectionStatus, error) {
	ch := m.group.DoChan(cycleKey(epoch), func() (interface{}, error) {
		return m.runCycle(epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return m.Status(), res.Err
		}
		return res.Val.(backend.ConnectionStatus), nil
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
}

func cycleKey(epoch uint64) string {
	return "cycle-" + strconv.FormatUint(epoch, 10)
}

// runCycle probes candidates in order, stopping at the first reachable one.
// Every write is conditional on epoch still being current.
func (m *Manager) runCycle(epoch uint64) (backend.ConnectionStatus, error) {
	m.mu.RLock()
	if m.closed || m.epoch != epoch {
		m.mu.RUnlock()
		return backend.ConnectionStatus{}, ErrCycleCancelled
	}
	ctx, cands := m.runCtx, m.cands
	m.mu.RUnlock()

	var failures []string
	for _, cand := range cands.Ordered() {
		if !m.update(epoch, func(s *backend.ConnectionStatus) {
			s.State = backend.ProbingState(cand.Kind)
		}) {
			return backend.ConnectionStatus{}, ErrCycleCancelled
		}

		res := m.prober.Probe(ctx, cand, m.probeTimeout)
		if res.Reachable {
			next := backend.ConnectionStatus{
				Connected:     true,
				Backend:       cand.Kind,
				State:         backend.UpState(cand.Kind),
				LastCheckedAt: m.now(),
				Latency:       res.Latency,
			}
			if !m.commit(epoch, next) {
				return backend.ConnectionStatus{}, ErrCycleCancelled
			}
			return next, nil
		}

		failures = append(failures, fmt.Sprintf("%s: %s", cand.Kind, res.Error))
		// The selected backend just failed; stop advertising it.
		if !m.update(epoch, func(s *backend.ConnectionStatus) {
			if s.Backend == cand.Kind {
				s.Connected = false
				s.Backend = backend.KindNone
				s.LastError = res.Error
			}
		}) {
			return backend.ConnectionStatus{}, ErrCycleCancelled
		}
	}

	lastError := lastErrorNoBackends
	if len(failures) > 0 {
		lastError = strings.Join(failures, "; ")
	}
	next := backend.Disconnected(backend.StateAllDown, m.now(), lastError)
	if !m.commit(epoch, next) {
		return backend.ConnectionStatus{}, ErrCycleCancelled
	}
	return next, nil
}

// update mutates the in-flight status if epoch is still current.
func (m *Manager) update(epoch uint64, fn func(*backend.ConnectionStatus)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.epoch != epoch {
		return false
	}
	fn(&m.status)
	return true
}

// commit settles a cycle's final status if epoch is still current.
func (m *Manager) commit(epoch uint64, next backend.ConnectionStatus) bool {
	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	prev := m.settled
	m.status = next
	m.settled = next
	m.mu.Unlock()

	metrics.CycleTotal.WithLabelValues(string(next.State)).Inc()
	for _, k := range []backend.Kind{backend.KindLocal, backend.KindCloud} {
		v := 0.0
		if next.Backend == k {
			v = 1
		}
		metrics.BackendSelected.WithLabelValues(string(k)).Set(v)
	}

	if changed(prev, next) {
		m.logger.Info("Connection status changed",
			"state", next.State,
			"backend", next.Backend,
			"connected", next.Connected,
			"last_error", next.LastError)
		m.publish(next)
	} else {
		m.logger.Debug("Probe cycle finished", "state", next.State, "latency", next.Latency)
	}
	return true
}

func changed(a, b backend.ConnectionStatus) bool {
	return a.Connected != b.Connected || a.Backend != b.Backend || a.State != b.State || a.LastError != b.LastError
}

// Status returns a copy of the current status without any I/O. A connected
// status older than the staleness window is reported as disconnected.
func (m *Manager) Status() backend.ConnectionStatus {
	m.mu.RLock()
	s, interval := m.status, m.interval
	m.mu.RUnlock()
	return m.fresh(s, interval)
}

func (m *Manager) fresh(s backend.ConnectionStatus, interval time.Duration) backend.ConnectionStatus {
	if !s.Connected {
		return s
	}
	window := m.staleAfter
	if interval > 0 {
		window = 2 * interval
	}
	if m.now().Sub(s.LastCheckedAt) > window {
		return backend.Disconnected(backend.StateUnprobed, s.LastCheckedAt, lastErrorStale)
	}
	return s
}

// Selection returns the status together with the candidate data operations
// should go to. ok is false when no backend is currently usable.
func (m *Manager) Selection() (backend.ConnectionStatus, backend.Candidate, bool) {
	m.mu.RLock()
	s, interval, cands := m.status, m.interval, m.cands
	m.mu.RUnlock()

	s = m.fresh(s, interval)
	if !s.Connected {
		return s, backend.Candidate{}, false
	}
	cand, ok := cands.Get(s.Backend)
	return s, cand, ok
}

func (m *Manager) Candidates() backend.Candidates {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cands
}

// Interval returns the health-check interval, or 0 when checks are stopped.
func (m *Manager) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// StartHealthChecks replaces any existing schedule with one firing every
// interval and starts a cycle immediately.
func (m *Manager) StartHealthChecks(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %s", interval)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.schedGen++
	gen := m.schedGen
	m.interval = interval
	m.mu.Unlock()

	if err := m.sched.Replace(interval, func() { m.tick(gen) }); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	m.logger.Info("Health checks started", "interval", interval)
	go m.tick(gen)
	return nil
}

// tick runs a scheduled cycle unless the schedule that fired it was replaced
// or stopped in the meantime.
func (m *Manager) tick(gen uint64) {
	m.mu.RLock()
	current := !m.closed && m.schedGen == gen && m.interval > 0
	epoch := m.epoch
	m.mu.RUnlock()
	if !current {
		return
	}

	if _, err := m.join(context.Background(), epoch); err != nil {
		if errors.Is(err, ErrCycleCancelled) {
			m.logger.Debug("Scheduled cycle cancelled")
			return
		}
		m.logger.Warn("Scheduled cycle failed", "error", err)
	}
}

// StopHealthChecks removes the schedule and cancels any in-flight cycle.
// The cancelled cycle leaves the status as it was before it started.
func (m *Manager) StopHealthChecks() {
	m.mu.Lock()
	m.schedGen++
	m.interval = 0
	m.cancelInFlightLocked()
	m.mu.Unlock()

	if m.sched.Cancel() {
		m.logger.Info("Health checks stopped")
	}
}

// cancelInFlightLocked retires the current epoch. Callers hold m.mu.
func (m *Manager) cancelInFlightLocked() {
	m.group.Forget(cycleKey(m.epoch))
	m.epoch++
	m.runCancel()
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	if m.status.State.Probing() {
		m.status = m.settled
	}
}

// Reconfigure swaps the candidate set. An in-flight cycle is cancelled, the
// status drops back to unprobed and a running schedule is recreated at the
// same interval. It reports whether anything changed.
func (m *Manager) Reconfigure(cands backend.Candidates) bool {
	m.mu.Lock()
	if m.closed || m.cands == cands {
		m.mu.Unlock()
		return false
	}
	m.cands = cands
	m.cancelInFlightLocked()
	reset := backend.Disconnected(backend.StateUnprobed, time.Time{}, "")
	m.status = reset
	m.settled = reset
	interval := m.interval
	m.mu.Unlock()

	m.logger.Info("Backends reconfigured", "local_url", cands.LocalURL, "cloud_url", cands.CloudURL)
	m.publish(reset)

	if interval > 0 {
		if err := m.StartHealthChecks(interval); err != nil {
			m.logger.Warn("Failed to recreate health checks", "error", err)
		}
	}
	return true
}

// Subscribe returns a channel receiving every settled status change. The
// channel is buffered; a slow reader loses the oldest pending updates.
// Call the returned func to unsubscribe.
func (m *Manager) Subscribe() (<-chan backend.ConnectionStatus, func()) {
	ch := make(chan backend.ConnectionStatus, subscriberBuffer)

	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

func (m *Manager) publish(s backend.ConnectionStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Close stops the schedule, cancels in-flight work and closes subscriber
// channels. The manager cannot be restarted.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.schedGen++
	m.interval = 0
	m.cancelInFlightLocked()
	m.closed = true
	m.runCancel()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.sched.Stop(ctx)

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subs = nil
	m.subMu.Unlock()
	return nil
}
