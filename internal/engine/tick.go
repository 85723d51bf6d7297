// Package engine provides the tick loop that drives idle price motion and
// periodic saves.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine drives the market forward on a fixed interval.
type Engine struct {
	Tick      uint64        // Current tick counter (monotonic, never resets)
	Interval  time.Duration // Wall-clock time between ticks
	SaveEvery uint64        // Ticks between saves; 0 disables autosave

	// Callbacks, populated during setup.
	OnTick func(tick uint64)       // Every tick
	OnSave func(tick uint64) error // Every SaveEvery ticks

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	current atomic.Uint64
}

// NewEngine creates an engine ticking every interval.
func NewEngine(interval time.Duration) *Engine {
	return &Engine{Interval: interval}
}

// Run starts the tick loop. Blocks until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.current.Store(e.Tick)
	stop := e.stop
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	slog.Info("market engine started", "tick", e.Tick, "interval", e.Interval)

	if e.Interval <= 0 {
		// Price motion disabled; idle until told to stop.
		select {
		case <-ctx.Done():
		case <-stop:
		}
		slog.Info("market engine stopped", "tick", e.Tick)
		return
	}

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("market engine stopped", "tick", e.Tick, "reason", ctx.Err())
			return
		case <-stop:
			slog.Info("market engine stopped", "tick", e.Tick)
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

// Stop halts the tick loop. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// CurrentTick is the last completed tick, safe to read while Run is active.
func (e *Engine) CurrentTick() uint64 {
	return e.current.Load()
}

// Step advances the market by one tick.
func (e *Engine) Step() {
	e.Tick++
	e.current.Store(e.Tick)

	if e.OnTick != nil {
		e.OnTick(e.Tick)
	}

	if e.SaveEvery > 0 && e.Tick%e.SaveEvery == 0 && e.OnSave != nil {
		if err := e.OnSave(e.Tick); err != nil {
			slog.Error("autosave failed", "tick", e.Tick, "error", err)
		}
	}
}
