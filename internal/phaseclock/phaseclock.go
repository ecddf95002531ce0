// Package phaseclock tracks countdowns for running phase instances and
// signals completion exactly once per start. It has no knowledge of cycles
// or phase rules; callers decide what a completion means.
package phaseclock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sterilcore/internal/clock"
)

// ErrAlreadyRunning is returned when Start is called for an id that still
// has a live countdown. Restarting requires an explicit Cancel.
var ErrAlreadyRunning = errors.New("phase clock already running")

// ErrNotRunning is returned for ids without a live countdown.
var ErrNotRunning = errors.New("phase clock not running")

// Signal is delivered when a countdown reaches zero.
type Signal struct {
	PhaseID   string
	StartedAt time.Time
	Duration  time.Duration
	FiredAt   time.Time
}

// Handler receives completion signals. It runs on the timer's goroutine
// (or inside Fake.Advance in tests) and must not block for long.
type Handler func(Signal)

type entry struct {
	started  time.Time
	duration time.Duration
	timer    clock.Timer
}

// Clock owns the countdowns for any number of phase instances.
type Clock struct {
	mu      sync.Mutex
	clk     clock.Clock
	running map[string]*entry
	handler Handler
}

// New constructs a phase clock. A nil handler discards signals.
func New(clk clock.Clock, handler Handler) *Clock {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Clock{clk: clk, running: make(map[string]*entry), handler: handler}
}

// Start begins counting down duration for phaseID.
func (c *Clock) Start(phaseID string, duration time.Duration) error {
	if phaseID == "" {
		return fmt.Errorf("phase clock: empty phase id")
	}
	if duration <= 0 {
		return fmt.Errorf("phase clock: duration must be positive, got %s", duration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[phaseID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, phaseID)
	}
	e := &entry{started: c.clk.Now(), duration: duration}
	e.timer = c.clk.AfterFunc(duration, func() { c.fire(phaseID, e) })
	c.running[phaseID] = e
	return nil
}

func (c *Clock) fire(phaseID string, e *entry) {
	c.mu.Lock()
	current, ok := c.running[phaseID]
	if !ok || current != e {
		// cancelled, or superseded after a cancel+start
		c.mu.Unlock()
		return
	}
	delete(c.running, phaseID)
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(Signal{PhaseID: phaseID, StartedAt: e.started, Duration: e.duration, FiredAt: c.clk.Now()})
	}
}

// Remaining returns the time left for phaseID.
func (c *Clock) Remaining(phaseID string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.running[phaseID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRunning, phaseID)
	}
	left := e.duration - c.clk.Now().Sub(e.started)
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Cancel stops and discards the countdown. It reports whether one existed.
func (c *Clock) Cancel(phaseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.running[phaseID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.running, phaseID)
	return true
}

// Running lists the ids with live countdowns, sorted.
func (c *Clock) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.running))
	for id := range c.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every countdown without signalling.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.running {
		e.timer.Stop()
		delete(c.running, id)
	}
}
