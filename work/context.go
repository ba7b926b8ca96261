// Package work provides the state shared by every indexing executor of a
// database: the running flag, the cancellation signal, the index handles and
// the notification mechanism that wakes idle executors when work arrives.
//
// A Context is constructed when the database opens and stopped when it closes.
package work

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/docindex/index"
)

// Config holds executor timing settings.
type Config struct {
	// IdleTimeout is how long an executor without work waits before running
	// its periodic flush and starting an idle pass. If 0, defaults to 5s.
	IdleTimeout time.Duration

	// AbandonedAfter is how long an abandoned-priority index must have gone
	// without indexing before idle passes pick it up. If 0, defaults to 3h.
	AbandonedAfter time.Duration
}

// DefaultConfig returns the default timing settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    5 * time.Second,
		AbandonedAfter: 3 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.AbandonedAfter <= 0 {
		c.AbandonedAfter = d.AbandonedAfter
	}
	return c
}

// Stats is a snapshot of the context counters.
type Stats struct {
	WorkCounter   int64
	FoundWork     int64
	Notifications int64
	IdleTimeouts  int64
}

// Context is the shared executor state.
type Context struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     Config
	indexes *index.Registry
	defs    *index.Definitions
	logger  *slog.Logger

	running atomic.Bool

	mu               sync.Mutex
	workCounter      int64
	wake             chan struct{}
	pending          []func() string
	lastNotification []string

	foundWork     atomic.Int64
	notifications atomic.Int64
	idleTimeouts  atomic.Int64
}

// New creates a running context derived from parent.
func New(parent context.Context, cfg Config, indexes *index.Registry, defs *index.Definitions, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Context{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg.withDefaults(),
		indexes: indexes,
		defs:    defs,
		logger:  logger,
		wake:    make(chan struct{}),
	}
	c.running.Store(true)
	return c
}

// ShouldRun reports whether executors should keep going.
func (c *Context) ShouldRun() bool {
	return c.running.Load() && c.ctx.Err() == nil
}

// Context returns the cancellation signal of the executors.
func (c *Context) Context() context.Context { return c.ctx }

// Indexes returns the live index registry.
func (c *Context) Indexes() *index.Registry { return c.indexes }

// Definitions returns the index definition guard.
func (c *Context) Definitions() *index.Definitions { return c.defs }

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// WaitForWork blocks the calling executor until there is work to do.
//
// counter is the executor's view of the shared work counter. If the counter
// moved since the last call, WaitForWork updates it and returns false at once.
// Otherwise it waits until notified or stopped (returns false) or until timeout
// elapses, in which case onTimeout runs and WaitForWork returns true: the
// executor is idle.
func (c *Context) WaitForWork(timeout time.Duration, counter *int64, onTimeout func(), label string) bool {
	if !c.ShouldRun() {
		return false
	}

	c.mu.Lock()
	if c.workCounter != *counter {
		*counter = c.workCounter
		c.mu.Unlock()
		return false
	}
	wake := c.wake
	c.mu.Unlock()

	c.logger.Debug("No work found, waiting", "executor", label, "counter", *counter, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
		c.mu.Lock()
		*counter = c.workCounter
		c.mu.Unlock()
		return false
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		c.idleTimeouts.Add(1)
		if onTimeout != nil {
			onTimeout()
		}
		return true
	}
}

// NotifyAboutWork advances the work counter and wakes every waiter.
func (c *Context) NotifyAboutWork() {
	c.mu.Lock()
	c.workCounter++
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

// ShouldNotify records a pending notification. The reason is evaluated, and
// waiters are woken, by the next HandleWorkNotifications.
func (c *Context) ShouldNotify(reason func() string) {
	c.mu.Lock()
	c.pending = append(c.pending, reason)
	c.mu.Unlock()
}

// HandleWorkNotifications delivers pending notifications. It is installed as
// the storage commit hook.
func (c *Context) HandleWorkNotifications() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	reasons := make([]string, 0, len(pending))
	for _, fn := range pending {
		if fn != nil {
			reasons = append(reasons, fn())
		}
	}

	c.mu.Lock()
	c.lastNotification = reasons
	c.mu.Unlock()

	c.notifications.Add(1)
	c.logger.Debug("Work notification", "reasons", reasons)
	c.NotifyAboutWork()
}

// LastNotification returns the reasons of the last delivered notification.
func (c *Context) LastNotification() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lastNotification...)
}

// UpdateFoundWork records that an executor found work.
func (c *Context) UpdateFoundWork() {
	c.foundWork.Add(1)
}

// StopWork clears the running flag, cancels the context and wakes waiters.
func (c *Context) StopWork() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.NotifyAboutWork()
}

// Stats returns a snapshot of the counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	wc := c.workCounter
	c.mu.Unlock()
	return Stats{
		WorkCounter:   wc,
		FoundWork:     c.foundWork.Load(),
		Notifications: c.notifications.Load(),
		IdleTimeouts:  c.idleTimeouts.Load(),
	}
}
