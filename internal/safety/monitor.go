package safety

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arm-control/acc/internal/realtime"
)

// StatusSource answers the dashboard safetymode query. Implemented by the
// dashboard client.
type StatusSource interface {
	SafetyMode(ctx context.Context) (string, error)
}

// Transition is published whenever the merged state changes.
type Transition struct {
	Old State
	New State
	// Snapshot is the telemetry record that triggered the change, zero
	// when the dashboard side triggered it.
	Snapshot realtime.Snapshot
	At       time.Time
}

// Monitor fuses the telemetry classification with a periodic dashboard poll.
// Observe is the hot path and never blocks on I/O; the dashboard value is a
// cached last read, refreshed by Run.
type Monitor struct {
	source StatusSource
	log    *zap.Logger

	pollInterval time.Duration
	// pollStaleAfter expires a cached dashboard reading that Run has not
	// been able to refresh; an expired reading no longer vetoes telemetry.
	pollStaleAfter time.Duration

	mu        sync.Mutex
	telemetry State
	dashboard State
	dashAt    time.Time
	merged    State
	onChange  []func(Transition)
}

// NewMonitor builds a monitor. source may be nil when no dashboard poll is
// wanted; the merge then follows telemetry alone.
func NewMonitor(source StatusSource, pollInterval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Monitor{
		source:         source,
		log:            log.Named("safety"),
		pollInterval:   pollInterval,
		pollStaleAfter: 5 * pollInterval,
		telemetry:      Unknown,
		dashboard:      Unknown,
		merged:         Unknown,
	}
}

// OnTransition registers fn for merged-state changes. Callbacks run on the
// observing goroutine and must not block.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Current returns the merged safety state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merged
}

// Observe feeds one telemetry snapshot through classification and the merge.
// Wired as a receiver sink.
func (m *Monitor) Observe(snap realtime.Snapshot) {
	m.update(Classify(snap), snap, true)
}

// Run polls the dashboard until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.source == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		m.poll(ctx)
	}
}

func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, m.pollInterval)
	reply, err := m.source.SafetyMode(pollCtx)
	cancel()
	if err != nil {
		// A failed poll ages the cached value out rather than flipping to
		// Unknown outright; telemetry keeps the picture in the meantime.
		m.log.Debug("dashboard safety poll failed", zap.Error(err))
		m.expireStale()
		return
	}
	state := ParseReply(reply)
	m.mu.Lock()
	m.dashboard = state
	m.dashAt = time.Now()
	m.mu.Unlock()
	m.update(state, realtime.Snapshot{}, false)
}

func (m *Monitor) expireStale() {
	m.mu.Lock()
	stale := !m.dashAt.IsZero() && time.Since(m.dashAt) > m.pollStaleAfter
	if stale {
		m.dashboard = Normal // severity floor, defers fully to telemetry
		m.dashAt = time.Time{}
	}
	m.mu.Unlock()
	if stale {
		m.recompute(realtime.Snapshot{})
	}
}

// update stores one side's new reading and recomputes the merge.
func (m *Monitor) update(s State, snap realtime.Snapshot, fromTelemetry bool) {
	m.mu.Lock()
	if fromTelemetry {
		m.telemetry = s
	} else {
		m.dashboard = s
	}
	m.mu.Unlock()
	m.recompute(snap)
}

func (m *Monitor) recompute(snap realtime.Snapshot) {
	m.mu.Lock()
	dash := m.dashboard
	if m.dashAt.IsZero() && m.source != nil {
		// Never polled successfully; do not let the initial Unknown veto a
		// healthy telemetry reading.
		dash = Normal
	}
	if m.source == nil {
		dash = Normal
	}
	merged := Merge(m.telemetry, dash)
	old := m.merged
	if merged == old {
		m.mu.Unlock()
		return
	}
	m.merged = merged
	cbs := m.onChange
	m.mu.Unlock()

	tr := Transition{Old: old, New: merged, Snapshot: snap, At: time.Now()}
	m.log.Info("safety transition",
		zap.Stringer("old", old),
		zap.Stringer("new", merged))
	for _, fn := range cbs {
		fn(tr)
	}
}
