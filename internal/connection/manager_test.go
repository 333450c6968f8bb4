package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/logging"
	"github.com/austinbrady/Assist-sub001/internal/probe"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[backend.Kind]probe.Result
	calls   map[backend.Kind]int
	block   chan struct{}
	started chan backend.Kind
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: make(map[backend.Kind]probe.Result),
		calls:   make(map[backend.Kind]int),
	}
}

func (f *fakeProber) set(kind backend.Kind, reachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reachable {
		f.results[kind] = probe.Result{Reachable: true, Latency: 3 * time.Millisecond}
	} else {
		f.results[kind] = probe.Result{Error: "connection refused"}
	}
}

func (f *fakeProber) count(kind backend.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeProber) total() int {
	return f.count(backend.KindLocal) + f.count(backend.KindCloud)
}

func (f *fakeProber) Probe(ctx context.Context, c backend.Candidate, _ time.Duration) probe.Result {
	f.mu.Lock()
	f.calls[c.Kind]++
	res, ok := f.results[c.Kind]
	block, started := f.block, f.started
	f.mu.Unlock()

	if !ok {
		res = probe.Result{Error: "unreachable"}
	}
	if started != nil {
		started <- c.Kind
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return probe.Result{Error: "probe cancelled"}
		}
	}
	return res
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var bothCandidates = backend.Candidates{LocalURL: "http://127.0.0.1:8000", CloudURL: "https://cloud.example.com"}

func newTestManager(t *testing.T, p Prober, cands backend.Candidates) *Manager {
	t.Helper()
	m := NewManager(p, cands, Options{ProbeTimeout: time.Second, Logger: logging.Discard()})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestInitialStatusUnprobed(t *testing.T) {
	m := newTestManager(t, newFakeProber(), bothCandidates)

	s := m.Status()
	assert.False(t, s.Connected)
	assert.Equal(t, backend.KindNone, s.Backend)
	assert.Equal(t, backend.StateUnprobed, s.State)
	assert.True(t, s.LastCheckedAt.IsZero())
}

func TestCloudOnlySelectsCloud(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindCloud, true)
	m := newTestManager(t, p, backend.Candidates{CloudURL: "https://cloud.example.com"})

	s, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected)
	assert.Equal(t, backend.KindCloud, s.Backend)
	assert.Equal(t, backend.StateCloudUp, s.State)
	assert.Equal(t, 0, p.count(backend.KindLocal))
	assert.Equal(t, 1, p.count(backend.KindCloud))

	_, cand, ok := m.Selection()
	require.True(t, ok)
	assert.Equal(t, "https://cloud.example.com", cand.URL)
}

func TestBothReachablePrefersLocal(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, false)
	p.set(backend.KindCloud, true)
	m := newTestManager(t, p, bothCandidates)

	s, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.KindCloud, s.Backend)

	p.set(backend.KindLocal, true)
	s, err = m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected)
	assert.Equal(t, backend.KindLocal, s.Backend)
	assert.Equal(t, backend.StateLocalUp, s.State)
	// Local answered, so cloud was not probed on the second cycle.
	assert.Equal(t, 1, p.count(backend.KindCloud))
}

func TestAllUnreachable(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, false)
	p.set(backend.KindCloud, false)
	m := newTestManager(t, p, bothCandidates)

	s, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Connected)
	assert.Equal(t, backend.KindNone, s.Backend)
	assert.Equal(t, backend.StateAllDown, s.State)
	assert.Contains(t, s.LastError, "local: connection refused")
	assert.Contains(t, s.LastError, "cloud: connection refused")
	assert.False(t, s.LastCheckedAt.IsZero())

	_, _, ok := m.Selection()
	assert.False(t, ok)
}

func TestNoCandidatesConfigured(t *testing.T) {
	p := newFakeProber()
	m := newTestManager(t, p, backend.Candidates{})

	s, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Connected)
	assert.Equal(t, backend.StateAllDown, s.State)
	assert.Equal(t, "no backend configured", s.LastError)
	assert.Equal(t, 0, p.total())
}

func TestLocalTimeoutFallsBackToCloud(t *testing.T) {
	release := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer local.Close()
	defer close(release)

	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer cloud.Close()

	prober := probe.NewProber("/health", nil, logging.Discard())
	m := NewManager(prober, backend.Candidates{LocalURL: local.URL, CloudURL: cloud.URL}, Options{
		ProbeTimeout: 50 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	defer m.Close()

	s, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected)
	assert.Equal(t, backend.KindCloud, s.Backend)
}

func TestSelectedBackendFailingIsNotAdvertised(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := newTestManager(t, p, bothCandidates)

	_, err := m.CheckConnection(context.Background())
	require.NoError(t, err)

	p.set(backend.KindLocal, false)
	p.mu.Lock()
	p.block = make(chan struct{})
	p.started = make(chan backend.Kind, 4)
	block, started := p.block, p.started
	p.mu.Unlock()

	done := make(chan backend.ConnectionStatus, 1)
	go func() {
		s, _ := m.CheckConnection(context.Background())
		done <- s
	}()

	assert.Equal(t, backend.KindLocal, <-started)
	assert.Equal(t, backend.StateProbingLocal, m.Status().State)
	assert.True(t, m.Status().Connected)

	block <- struct{}{}
	assert.Equal(t, backend.KindCloud, <-started)
	s := m.Status()
	assert.Equal(t, backend.StateProbingCloud, s.State)
	assert.False(t, s.Connected)
	assert.Equal(t, backend.KindNone, s.Backend)

	close(block)
	final := <-done
	assert.Equal(t, backend.StateAllDown, final.State)
}

func TestConcurrentChecksShareCycle(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	p.block = make(chan struct{})
	p.started = make(chan backend.Kind, 4)
	m := newTestManager(t, p, bothCandidates)

	results := make(chan backend.ConnectionStatus, 2)
	check := func() {
		s, err := m.CheckConnection(context.Background())
		assert.NoError(t, err)
		results <- s
	}

	go check()
	<-p.started
	go check()
	time.Sleep(20 * time.Millisecond)
	close(p.block)

	a, b := <-results, <-results
	assert.Equal(t, a, b)
	assert.Equal(t, 1, p.count(backend.KindLocal))
}

func TestCheckConnectionContextOnlyBoundsWait(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	p.block = make(chan struct{})
	p.started = make(chan backend.Kind, 4)
	m := newTestManager(t, p, bothCandidates)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.CheckConnection(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(p.block)
	assert.Eventually(t, func() bool { return m.Status().Connected }, time.Second, 5*time.Millisecond)
}

func TestStopCancelsInFlightCycleWithoutWriting(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, false)
	p.set(backend.KindCloud, true)
	m := newTestManager(t, p, bothCandidates)

	before, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	require.Equal(t, backend.KindCloud, before.Backend)

	p.set(backend.KindLocal, true)
	p.mu.Lock()
	p.block = make(chan struct{})
	p.started = make(chan backend.Kind, 4)
	p.mu.Unlock()

	errs := make(chan error, 1)
	go func() {
		_, err := m.CheckConnection(context.Background())
		errs <- err
	}()
	<-p.started
	assert.Equal(t, backend.StateProbingLocal, m.Status().State)

	m.StopHealthChecks()

	assert.ErrorIs(t, <-errs, ErrCycleCancelled)
	assert.Equal(t, before, m.Status())
}

func TestStartHealthChecksKeepsSingleSchedule(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := newTestManager(t, p, bothCandidates)

	require.NoError(t, m.StartHealthChecks(time.Hour))
	require.NoError(t, m.StartHealthChecks(time.Hour))

	assert.Equal(t, 1, m.sched.Active())
	assert.Equal(t, time.Hour, m.Interval())
	// The immediate kick settles the status without waiting for the interval.
	assert.Eventually(t, func() bool { return m.Status().Connected }, time.Second, 5*time.Millisecond)

	assert.Error(t, m.StartHealthChecks(0))
}

func TestStopHealthChecksHaltsProbing(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := newTestManager(t, p, bothCandidates)

	require.NoError(t, m.StartHealthChecks(20*time.Millisecond))
	assert.Eventually(t, func() bool { return p.total() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.StopHealthChecks()
	assert.Equal(t, 0, m.sched.Active())
	assert.Equal(t, time.Duration(0), m.Interval())

	time.Sleep(30 * time.Millisecond)
	before := p.total()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, p.total())
}

func TestStaleStatusReportedDisconnected(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := NewManager(p, bothCandidates, Options{
		StaleAfter: time.Minute,
		Logger:     logging.Discard(),
		Now:        clk.Now,
	})
	defer m.Close()

	_, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Status().Connected)

	clk.Advance(59 * time.Second)
	assert.True(t, m.Status().Connected)

	clk.Advance(2 * time.Second)
	s := m.Status()
	assert.False(t, s.Connected)
	assert.Equal(t, backend.KindNone, s.Backend)
	assert.Equal(t, "status stale", s.LastError)

	_, _, ok := m.Selection()
	assert.False(t, ok)
}

func TestReconfigureResetsStatus(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := newTestManager(t, p, bothCandidates)

	_, err := m.CheckConnection(context.Background())
	require.NoError(t, err)

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.Reconfigure(bothCandidates))

	next := backend.Candidates{CloudURL: "https://eu.example.com"}
	assert.True(t, m.Reconfigure(next))
	assert.Equal(t, next, m.Candidates())

	s := <-updates
	assert.Equal(t, backend.StateUnprobed, s.State)
	assert.False(t, m.Status().Connected)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	p := newFakeProber()
	p.set(backend.KindLocal, true)
	m := NewManager(p, bothCandidates, Options{Logger: logging.Discard()})

	updates, unsubscribe := m.Subscribe()

	_, err := m.CheckConnection(context.Background())
	require.NoError(t, err)
	s := <-updates
	assert.Equal(t, backend.KindLocal, s.Backend)

	// Same outcome again is not a change.
	_, err = m.CheckConnection(context.Background())
	require.NoError(t, err)
	select {
	case s := <-updates:
		t.Fatalf("unexpected update %+v", s)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-updates
	assert.False(t, open)

	require.NoError(t, m.Close())
}

func TestClosedManager(t *testing.T) {
	p := newFakeProber()
	m := NewManager(p, bothCandidates, Options{Logger: logging.Discard()})
	updates, _ := m.Subscribe()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.CheckConnection(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.StartHealthChecks(time.Second), ErrClosed)

	_, open := <-updates
	assert.False(t, open)
	assert.Equal(t, 0, p.total())
}
