// Package poll drives the refresh cycle against the vendor portal:
// one timer-driven loop, on-demand refreshes collapsed into a single
// in-flight cycle, and a cached last-good snapshot with explicit
// staleness. Consumers never see raw portal errors; they see either a
// fresh snapshot or the previous one marked stale with a reason.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nugget/softwatch/internal/config"
	"github.com/nugget/softwatch/internal/events"
	"github.com/nugget/softwatch/internal/portal"
)

// FailureKind classifies why a refresh cycle failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureAuth      FailureKind = "auth"
	FailureTransport FailureKind = "transport"
	FailureParse     FailureKind = "parse"
)

// Status is the coordinator's view of the cache, safe to read at any
// time without touching the network.
type Status struct {
	HasSnapshot         bool          `json:"has_snapshot"`
	Stale               bool          `json:"stale"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastAttempt         time.Time     `json:"last_attempt,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastFailureKind     FailureKind   `json:"last_failure_kind,omitempty"`
	Interval            time.Duration `json:"-"`
}

// Coordinator owns the poll loop and the cached snapshot. The portal
// session and its cookies are a singly-owned resource, so all refresh
// paths funnel through one singleflight group: concurrent callers
// join the in-flight cycle instead of racing the session.
type Coordinator struct {
	session *portal.Session
	fetcher *portal.Fetcher
	bus     *events.Bus
	logger  *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	snapshot    *portal.Snapshot
	cycleStart  time.Time // start of the cycle that produced snapshot
	stale       bool
	lastSuccess time.Time
	lastAttempt time.Time
	failures    int
	lastErr     error
	lastKind    FailureKind
	interval    time.Duration

	intervalCh chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a coordinator. interval is clamped to the configured
// polling range.
func New(session *portal.Session, fetcher *portal.Fetcher, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		session:    session,
		fetcher:    fetcher,
		bus:        bus,
		logger:     logger,
		interval:   clampInterval(interval, logger),
		intervalCh: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Refresh runs one full cycle (auth-check, live metrics, configuration
// page, parse) or joins the cycle already in flight. All concurrent
// callers observe the same snapshot or the same failure.
func (c *Coordinator) Refresh(ctx context.Context) (*portal.Snapshot, error) {
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		return c.cycle(ctx)
	})
	if shared {
		c.logger.Debug("refresh joined in-flight cycle")
	}
	if err != nil {
		return nil, err
	}
	return v.(*portal.Snapshot), nil
}

func (c *Coordinator) cycle(ctx context.Context) (*portal.Snapshot, error) {
	start := c.now()
	cycleID := uuid.NewString()

	c.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourcePoller,
		Kind:      events.KindRefreshStart,
		Data:      map[string]any{"cycle_id": cycleID},
	})
	c.logger.Debug("refresh cycle starting", "cycle_id", cycleID)

	snap, err := c.fetchAndParse(ctx, start)
	if err != nil {
		// A torn-down process abandons the cycle without touching the
		// cache; the next poll owns the outcome.
		if ctx.Err() != nil {
			c.logger.Debug("refresh cycle abandoned", "cycle_id", cycleID, "cause", ctx.Err())
			return nil, err
		}
		c.recordFailure(start, err, cycleID)
		return nil, err
	}

	c.recordSuccess(start, snap, cycleID)
	return snap, nil
}

func (c *Coordinator) fetchAndParse(ctx context.Context, start time.Time) (*portal.Snapshot, error) {
	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	ajax, err := c.fetcher.FetchLiveMetrics(ctx)
	if err != nil {
		return nil, err
	}
	page, err := c.fetcher.FetchConfigurationPage(ctx)
	if err != nil {
		return nil, err
	}
	return portal.ParseSnapshot(ajax, page, start)
}

func (c *Coordinator) recordSuccess(start time.Time, snap *portal.Snapshot, cycleID string) {
	c.mu.Lock()
	// Completions never reorder: a cycle that started earlier must not
	// overwrite the result of one that started later.
	if start.Before(c.cycleStart) {
		c.mu.Unlock()
		c.logger.Warn("discarding out-of-order cycle result", "cycle_id", cycleID)
		return
	}
	c.snapshot = snap
	c.cycleStart = start
	c.stale = false
	c.lastSuccess = start
	c.lastAttempt = start
	c.failures = 0
	c.lastErr = nil
	c.lastKind = FailureNone
	c.mu.Unlock()

	duration := c.now().Sub(start)
	c.logger.Info("refresh cycle complete",
		"cycle_id", cycleID,
		"serial", snap.SerialNumber,
		"duration", duration.Round(time.Millisecond))
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourcePoller,
		Kind:      events.KindRefreshComplete,
		Data: map[string]any{
			"cycle_id":    cycleID,
			"duration_ms": duration.Milliseconds(),
			"serial":      snap.SerialNumber,
		},
	})
}

func (c *Coordinator) recordFailure(start time.Time, err error, cycleID string) {
	kind := classify(err)

	c.mu.Lock()
	c.stale = c.snapshot != nil
	c.lastAttempt = start
	c.failures++
	c.lastErr = err
	c.lastKind = kind
	failures := c.failures
	c.mu.Unlock()

	c.logger.Warn("refresh cycle failed",
		"cycle_id", cycleID,
		"kind", string(kind),
		"consecutive_failures", failures,
		"error", err)
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourcePoller,
		Kind:      events.KindRefreshFailed,
		Data: map[string]any{
			"cycle_id":             cycleID,
			"kind":                 string(kind),
			"error":                err.Error(),
			"consecutive_failures": failures,
		},
	})
}

// Latest returns the cached snapshot (nil when no cycle has succeeded
// yet) and the coordinator status. Never blocks on network I/O.
func (c *Coordinator) Latest() (*portal.Snapshot, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		HasSnapshot:         c.snapshot != nil,
		Stale:               c.stale,
		LastSuccess:         c.lastSuccess,
		LastAttempt:         c.lastAttempt,
		ConsecutiveFailures: c.failures,
		LastFailureKind:     c.lastKind,
		Interval:            c.interval,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return c.snapshot, st
}

// SetInterval changes the poll cadence at runtime, clamped to the
// valid range. Takes effect without restarting the loop.
func (c *Coordinator) SetInterval(d time.Duration) {
	d = clampInterval(d, c.logger)

	c.mu.Lock()
	if d == c.interval {
		c.mu.Unlock()
		return
	}
	c.interval = d
	c.mu.Unlock()

	select {
	case c.intervalCh <- struct{}{}:
	default:
	}

	c.logger.Info("poll interval changed", "interval", d)
	c.bus.Publish(events.Event{
		Timestamp: c.now(),
		Source:    events.SourcePoller,
		Kind:      events.KindIntervalChange,
		Data:      map[string]any{"interval_minutes": int(d.Minutes())},
	})
}

// Interval returns the current poll cadence.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Run polls immediately, then on the configured cadence until ctx is
// cancelled. It blocks. Failures are recorded and logged; the loop
// itself never stops on portal errors.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("initial refresh failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.intervalCh:
			ticker.Reset(c.Interval())
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("scheduled refresh failed", "error", err)
			}
		}
	}
}

// classify maps the portal error taxonomy onto a failure kind for
// status reporting. Unknown errors count as transport failures.
func classify(err error) FailureKind {
	var authErr *portal.AuthError
	if errors.As(err, &authErr) {
		return FailureAuth
	}
	var parseErr *portal.ParseError
	if errors.As(err, &parseErr) {
		return FailureParse
	}
	return FailureTransport
}

func clampInterval(d time.Duration, logger *slog.Logger) time.Duration {
	const (
		floor = config.MinPollIntervalMinutes * time.Minute
		ceil  = config.MaxPollIntervalMinutes * time.Minute
	)
	switch {
	case d == 0:
		return config.DefaultPollIntervalMinutes * time.Minute
	case d < floor:
		logger.Warn("poll interval below minimum, clamping", "requested", d, "clamped", floor)
		return floor
	case d > ceil:
		logger.Warn("poll interval above maximum, clamping", "requested", d, "clamped", ceil)
		return ceil
	default:
		return d
	}
}
