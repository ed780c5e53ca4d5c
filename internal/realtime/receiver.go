package realtime

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StreamSource provides the live telemetry byte stream. Implemented by the
// channel manager; narrow on purpose so tests can feed canned streams.
type StreamSource interface {
	// TelemetryStream returns the current stream and its session counter.
	// The session increments on every reconnect.
	TelemetryStream() (io.Reader, uint64, error)
	// RecoverTelemetry blocks until the telemetry channel is connected
	// again or ctx is done.
	RecoverTelemetry(ctx context.Context) error
}

// Receiver pumps the telemetry stream through a Decoder and fans decoded
// snapshots out to registered sinks. One Decoder per connection session, so
// a partial frame never bridges a reconnect.
type Receiver struct {
	source StreamSource
	log    *zap.Logger

	mu    sync.RWMutex
	sinks []func(Snapshot)
	last  atomic.Pointer[Snapshot]

	malformed atomic.Uint64
	decoded   atomic.Uint64
}

// NewReceiver builds a receiver over source. Sinks must be registered before
// Run; they are invoked from the receive goroutine and must not block.
func NewReceiver(source StreamSource, log *zap.Logger) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{source: source, log: log.Named("realtime")}
}

// AddSink registers fn for every decoded snapshot.
func (r *Receiver) AddSink(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, fn)
}

// Last returns the most recently decoded snapshot, or false before the
// first frame of the process lifetime.
func (r *Receiver) Last() (Snapshot, bool) {
	p := r.last.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// MalformedCount returns the running count of dropped records.
func (r *Receiver) MalformedCount() uint64 { return r.malformed.Load() }

// DecodedCount returns the running count of delivered snapshots.
func (r *Receiver) DecodedCount() uint64 { return r.decoded.Load() }

// Run consumes the telemetry stream until ctx is done. Stream-level errors
// trigger a reconnect through the source; per-record errors are counted and
// skipped.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stream, session, err := r.source.TelemetryStream()
		if err != nil {
			r.log.Warn("telemetry stream unavailable", zap.Error(err))
			if err := r.source.RecoverTelemetry(ctx); err != nil {
				return err
			}
			continue
		}

		err = r.pump(ctx, stream, session)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("telemetry session ended", zap.Uint64("session", session), zap.Error(err))
		if err := r.source.RecoverTelemetry(ctx); err != nil {
			return err
		}
	}
}

// pump drains one connection session. Returns the stream error that ended it.
func (r *Receiver) pump(ctx context.Context, stream io.Reader, session uint64) error {
	dec := NewDecoder(stream)
	// Controller time must not run backwards within a session; a regressing
	// record is treated as corrupt.
	lastTime := -1.0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap, err := dec.Next()
		if err != nil {
			if IsMalformed(err) {
				r.malformed.Add(1)
				r.log.Debug("dropped malformed frame", zap.Error(err), zap.Uint64("session", session))
				continue
			}
			return err
		}
		if snap.Time < lastTime {
			r.malformed.Add(1)
			r.log.Debug("dropped time-regressing frame",
				zap.Float64("time", snap.Time),
				zap.Float64("last", lastTime),
				zap.Uint64("session", session))
			continue
		}
		lastTime = snap.Time
		snap.Session = session

		r.last.Store(snap)
		r.decoded.Add(1)
		r.deliver(*snap)
	}
}

func (r *Receiver) deliver(snap Snapshot) {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	for _, fn := range sinks {
		fn(snap)
	}
}
