package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the single recurring health-check entry. Replacing the
// schedule removes the previous entry first, so at most one is ever active.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	stopped  bool
}

// New creates and starts a scheduler. A job that is still running when its
// next tick fires is skipped rather than overlapped.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// Replace installs fn to run every interval, dropping any previous entry.
func (s *Scheduler) Replace(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.entry = s.cron.Schedule(every(interval), cron.FuncJob(fn))
	s.interval = interval
	return nil
}

// Cancel removes the active entry. It reports whether one existed.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == 0 {
		return false
	}
	s.cron.Remove(s.entry)
	s.entry = 0
	s.interval = 0
	return true
}

// Interval returns the active interval, or 0 when nothing is scheduled.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Active returns the number of entries registered with cron.
func (s *Scheduler) Active() int {
	return len(s.cron.Entries())
}

// Next returns when the active entry fires next.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()

	if id == 0 {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	return e.Next, e.Valid()
}

// Stop cancels the entry and waits for a running job to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
		s.interval = 0
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// every is a fixed-delay schedule. Unlike cron.Every it keeps sub-second
// intervals instead of rounding them up to one second.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// cronLogger routes cron's internal logging through slog. cron logs every
// wake-up at info, which is debug noise for us.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
