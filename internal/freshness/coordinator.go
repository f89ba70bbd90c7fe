package freshness

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/events"
)

const (
	defaultTickInterval     = 3 * time.Second
	defaultStaleAfter       = 30 * time.Second
	defaultEventDelay       = time.Second
	defaultRemoteEventDelay = 2 * time.Second
)

var errMissingRefresh = errors.New("freshness: refresh function is required")

// RefreshFunc re-fetches authoritative state for the session. It must be
// idempotent: running it twice in quick succession yields the same final
// state.
type RefreshFunc func(ctx context.Context) error

// Config describes one client session's freshness coordinator.
type Config struct {
	// Email identifies the session; only broadcast events addressed to it
	// trigger a refresh.
	Email   string
	Refresh RefreshFunc
	// Events is the session's bus subscription. Closing it stops the loop.
	Events           <-chan events.Event
	Clock            func() time.Time
	TickInterval     time.Duration
	StaleAfter       time.Duration
	EventDelay       time.Duration
	RemoteEventDelay time.Duration
	Logger           *zap.Logger
}

// Coordinator bounds the staleness of a session's permission-dependent view
// without a push channel for ACL changes. Three triggers feed one coalesced
// refresh path: the interval tick (refresh when stale), regained focus
// (refresh immediately), and matching broadcast events (refresh after a
// short delay so the write settles before it is read back).
type Coordinator struct {
	email            string
	refreshFn        RefreshFunc
	eventStream      <-chan events.Event
	clock            func() time.Time
	tickInterval     time.Duration
	staleAfter       time.Duration
	eventDelay       time.Duration
	remoteEventDelay time.Duration
	logger           *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastRefresh time.Time
	scheduled   bool
	pending     *time.Timer
	stopped     bool
}

// NewCoordinator validates configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Refresh == nil {
		return nil, errMissingRefresh
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		email:            cfg.Email,
		refreshFn:        cfg.Refresh,
		eventStream:      cfg.Events,
		clock:            clock,
		tickInterval:     cfg.TickInterval,
		staleAfter:       cfg.StaleAfter,
		eventDelay:       cfg.EventDelay,
		remoteEventDelay: cfg.RemoteEventDelay,
		logger:           logger,
	}
	if c.tickInterval <= 0 {
		c.tickInterval = defaultTickInterval
	}
	if c.staleAfter <= 0 {
		c.staleAfter = defaultStaleAfter
	}
	if c.eventDelay <= 0 {
		c.eventDelay = defaultEventDelay
	}
	if c.remoteEventDelay <= 0 {
		c.remoteEventDelay = defaultRemoteEventDelay
	}
	c.lastRefresh = clock()
	return c, nil
}

// Start launches the trigger loop. The staleness counter is reset so the
// first interval-driven refresh happens a full window after mount.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Lock()
	c.lastRefresh = c.clock()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			case event, ok := <-c.eventStream:
				if !ok {
					return
				}
				c.handleEvent(event)
			}
		}
	}()
}

// Stop deterministically tears the coordinator down: the loop exits, any
// pending delayed refresh is cancelled, and no refresh fires afterwards.
// Safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Focus signals that the user returned to the view; state is reconciled
// immediately regardless of staleness.
func (c *Coordinator) Focus() {
	c.refresh()
}

// tick refreshes only when the elapsed time since the last successful
// refresh exceeds the staleness threshold.
func (c *Coordinator) tick() {
	c.mu.Lock()
	stale := c.clock().Sub(c.lastRefresh) >= c.staleAfter
	c.mu.Unlock()
	if stale {
		c.refresh()
	}
}

// handleEvent schedules a delayed refresh for events addressed to this
// session. Remote (cross-process) events wait longer, since the write
// happened further away. An already-scheduled refresh absorbs the trigger.
func (c *Coordinator) handleEvent(event events.Event) {
	if event.Email != c.email {
		return
	}
	delay := c.eventDelay
	if event.Remote {
		delay = c.remoteEventDelay
	}
	c.scheduleRefresh(delay)
}

func (c *Coordinator) scheduleRefresh(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.scheduled {
		return
	}
	c.scheduled = true
	c.pending = time.AfterFunc(delay, c.refresh)
}

// refresh runs the re-fetch. Failures retain the last-known-good state and
// do not advance the staleness counter, so the interval loop retries on its
// next tick.
func (c *Coordinator) refresh() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.scheduled = false
	c.pending = nil
	c.mu.Unlock()

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.refreshFn(ctx); err != nil {
		c.logger.Warn("refresh failed; keeping last known state",
			zap.String("email", c.email),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lastRefresh = c.clock()
	c.mu.Unlock()
}
