package jog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/realtime"
	"github.com/arm-control/acc/internal/safety"
	"github.com/arm-control/acc/internal/urscript"
)

// CommandPort sends one script statement to the robot. Implemented by the
// channel manager.
type CommandPort interface {
	SendScript(ctx context.Context, script string) error
}

// SafetyPort exposes the merged safety state. Implemented by the safety
// monitor.
type SafetyPort interface {
	Current() safety.State
}

// Engine owns jog sessions. Every mutation of engine state, including the
// cadence tick, takes the same mutex, so a latched fault can never be
// overwritten by a stale re-send racing it.
type Engine struct {
	cmd    CommandPort
	safety SafetyPort
	params Params
	log    *zap.Logger

	mu       sync.Mutex
	state    EngineState
	sessions map[urscript.Target]*session
	// latest telemetry reading; step moves and speed scaling come from it.
	lastSnap    realtime.Snapshot
	haveSnap    bool
	chanStates  map[channel.Kind]channel.State
	faultReason string

	cbMu     sync.RWMutex
	onChange []func(StateChange)

	sendTimeout time.Duration
	now         func() time.Time
}

// New builds an engine. It starts Idle; snapshots and connection state feed
// the arming decision.
func New(cmd CommandPort, safetyPort SafetyPort, params Params, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cmd:      cmd,
		safety:   safetyPort,
		params:   params,
		log:      log.Named("jog"),
		state:    Idle,
		sessions: map[urscript.Target]*session{},
		chanStates: map[channel.Kind]channel.State{
			channel.Command:   channel.Disconnected,
			channel.Telemetry: channel.Disconnected,
			channel.Dashboard: channel.Disconnected,
		},
		sendTimeout: time.Second,
		now:         time.Now,
	}
}

// OnStateChange registers fn for engine state transitions. Callbacks run on
// the mutating goroutine and must not block.
func (e *Engine) OnStateChange(fn func(StateChange)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// State returns the current engine state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FaultReason returns what latched the current fault, empty outside Faulted.
func (e *Engine) FaultReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faultReason
}

// ActiveTargets lists the targets with live sessions.
func (e *Engine) ActiveTargets() []urscript.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]urscript.Target, 0, len(e.sessions))
	for t := range e.sessions {
		out = append(out, t)
	}
	return out
}

// Run drives the cadence ticker until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.params.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stopAll("shutdown")
			return ctx.Err()
		case <-ticker.C:
			e.tick()
		}
	}
}

// BeginJog starts a session for the intent's target. Restarting a target
// that already has a session supersedes it: the old motion is stopped before
// the new one starts. Step intents send one bounded move and do not retain a
// session.
func (e *Engine) BeginJog(in urscript.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.motionAllowed(); err != nil {
		return err
	}

	if old, ok := e.sessions[in.Target]; ok {
		if err := e.send(urscript.Stop(old.intent.Mode, e.params.StopDeceleration)); err != nil {
			e.faultLocked("command send failed: " + err.Error())
			return fmt.Errorf("%w: superseding stop: %v", ErrFaulted, err)
		}
		delete(e.sessions, in.Target)
	}

	if in.Style == urscript.StyleStep {
		return e.sendStepLocked(in)
	}

	script, err := e.renderContinuousLocked(in)
	if err != nil {
		return err
	}
	if err := e.send(script); err != nil {
		e.faultLocked("command send failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	}

	now := e.now()
	e.sessions[in.Target] = &session{
		intent:   in,
		started:  now,
		lastSent: now,
		deadline: now.Add(e.params.StaleWindow),
		seq:      1,
	}
	e.setStateLocked(Jogging, "session started: "+in.Target.String())
	return nil
}

// UpdateJog refreshes the target's session with a new intent, pushing its
// stale deadline forward. The target and style must match the live session.
func (e *Engine) UpdateJog(in urscript.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.motionAllowed(); err != nil {
		return err
	}
	s, ok := e.sessions[in.Target]
	if !ok {
		return fmt.Errorf("%w: no session for target %s", ErrNotReady, in.Target)
	}
	if s.intent.Style != in.Style {
		return fmt.Errorf("%w: session style is %s", ErrInvalidIntent, s.intent.Style)
	}
	s.intent = in
	s.deadline = e.now().Add(e.params.StaleWindow)
	return nil
}

// EndJog stops the target's session. Ending a target with no session is a
// no-op.
func (e *Engine) EndJog(target urscript.Target) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[target]
	if !ok {
		return nil
	}
	delete(e.sessions, target)
	// Stop first, then transition: observers must see the state change only
	// after the halt is on the wire.
	if err := e.send(urscript.Stop(s.intent.Mode, e.params.StopDeceleration)); err != nil {
		e.faultLocked("command send failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	}
	if len(e.sessions) == 0 && e.state == Jogging {
		e.setStateLocked(Armed, "last session ended")
	}
	return nil
}

// Reset clears the fault latch. It requires Faulted, a healthy safety state,
// and a connected command channel; the engine returns to Armed.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Faulted {
		return fmt.Errorf("%w: reset from %s", ErrNotReady, e.state)
	}
	if st := e.safety.Current(); !st.OK() {
		return fmt.Errorf("%w: safety state is %s", ErrNotReady, st)
	}
	if e.chanStates[channel.Command] != channel.Connected {
		return fmt.Errorf("%w: command channel is %s", ErrNotReady, e.chanStates[channel.Command])
	}
	e.faultReason = ""
	e.setStateLocked(Armed, "reset")
	return nil
}

// OnSnapshot is wired as a receiver sink. It caches the latest reading and
// drives the Idle to Armed promotion.
func (e *Engine) OnSnapshot(snap realtime.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSnap = snap
	e.haveSnap = true
	e.maybeArmLocked()
}

// OnSafetyTransition is wired to the safety monitor. Leaving a healthy state
// faults every live session; a later healthy reading never clears the latch
// on its own.
func (e *Engine) OnSafetyTransition(tr safety.Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !tr.New.OK() {
		if e.state == Jogging || e.state == Armed {
			e.faultLocked("safety transition to " + tr.New.String())
		}
		return
	}
	e.maybeArmLocked()
}

// OnConnectionState is wired to the channel manager. Losing the command
// channel mid-session faults; a telemetry loss during continuous motion
// also faults, because speed scaling and step readings go blind.
func (e *Engine) OnConnectionState(sc channel.StateChange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chanStates[sc.Channel] = sc.New

	if sc.New == channel.Connected {
		e.maybeArmLocked()
		return
	}
	if len(e.sessions) == 0 {
		if e.state == Armed && !e.allConnectedLocked() {
			e.setStateLocked(Idle, "channel "+sc.Channel.String()+" "+sc.New.String())
		}
		return
	}
	if sc.Channel == channel.Command || sc.Channel == channel.Telemetry {
		e.faultLocked("channel " + sc.Channel.String() + " " + sc.New.String() + " during active session")
	}
}

// tick re-sends every live continuous session with the latest speed scaling
// and retires sessions past their stale deadline.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Jogging || len(e.sessions) == 0 {
		return
	}

	now := e.now()
	for target, s := range e.sessions {
		if now.After(s.deadline) {
			delete(e.sessions, target)
			if err := e.send(urscript.Stop(s.intent.Mode, e.params.StopDeceleration)); err != nil {
				e.faultLocked("command send failed: " + err.Error())
				return
			}
			e.log.Info("session expired", zap.Stringer("target", target))
			continue
		}

		script, err := e.renderContinuousLocked(s.intent)
		if err != nil {
			delete(e.sessions, target)
			e.log.Error("render failed, session dropped", zap.Stringer("target", target), zap.Error(err))
			continue
		}
		if err := e.send(script); err != nil {
			e.faultLocked("command send failed: " + err.Error())
			return
		}
		s.lastSent = now
		s.seq++
	}

	if len(e.sessions) == 0 && e.state == Jogging {
		e.setStateLocked(Armed, "all sessions expired")
	}
}

// motionAllowed gates BeginJog/UpdateJog. Caller holds the mutex.
func (e *Engine) motionAllowed() error {
	switch e.state {
	case Faulted:
		return fmt.Errorf("%w: %s", ErrFaulted, e.faultReason)
	case Armed, Jogging:
	default:
		return fmt.Errorf("%w: engine is %s", ErrNotReady, e.state)
	}
	if st := e.safety.Current(); !st.OK() {
		return fmt.Errorf("%w: safety state is %s", ErrNotReady, st)
	}
	return nil
}

// renderContinuousLocked computes the safety-scaled velocity for the intent
// and renders its speed command. Caller holds the mutex.
func (e *Engine) renderContinuousLocked(in urscript.Intent) (string, error) {
	fraction := in.Speed
	if fraction == 0 {
		fraction = e.params.DefaultSpeedFraction
	}
	if fraction > 1 {
		fraction = 1
	}
	scaling := 1.0
	if e.haveSnap {
		scaling = e.lastSnap.SpeedScaling
		if scaling > 1 {
			scaling = 1
		}
		if scaling < 0 {
			scaling = 0
		}
	}
	velocity := e.params.maxSpeed(in.Target) * fraction * scaling
	return urscript.Continuous(in, velocity, e.params.accel(in.Mode), e.params.Cadence.Seconds())
}

// sendStepLocked renders and sends a single bounded move from the latest
// telemetry reading. Caller holds the mutex.
func (e *Engine) sendStepLocked(in urscript.Intent) error {
	if !e.haveSnap {
		return fmt.Errorf("%w: no telemetry reading for step move", ErrNotReady)
	}
	current := e.lastSnap.TCPPose
	if in.Mode == urscript.ModeJoint {
		current = e.lastSnap.JointPositions
	}
	fraction := in.Speed
	if fraction == 0 {
		fraction = e.params.DefaultSpeedFraction
	}
	if fraction > 1 {
		fraction = 1
	}
	speed := e.params.maxSpeed(in.Target) * fraction
	script, err := urscript.Step(in, current, e.params.step(in), e.params.accel(in.Mode), speed)
	if err != nil {
		return err
	}
	if err := e.send(script); err != nil {
		e.faultLocked("command send failed: " + err.Error())
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	}
	return nil
}

// faultLocked latches Faulted: one stop per active target, best effort, then
// all sessions are cleared. Caller holds the mutex.
func (e *Engine) faultLocked(reason string) {
	if e.state == Faulted {
		return
	}
	for target, s := range e.sessions {
		if err := e.send(urscript.Stop(s.intent.Mode, e.params.StopDeceleration)); err != nil {
			e.log.Error("fault stop failed", zap.Stringer("target", target), zap.Error(err))
		}
		delete(e.sessions, target)
	}
	e.faultReason = reason
	e.setStateLocked(Faulted, reason)
}

// stopAll stops every session without latching a fault. Used on shutdown.
func (e *Engine) stopAll(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for target, s := range e.sessions {
		if err := e.send(urscript.Stop(s.intent.Mode, e.params.StopDeceleration)); err != nil {
			e.log.Error("shutdown stop failed", zap.Stringer("target", target), zap.Error(err))
		}
		delete(e.sessions, target)
	}
	if e.state == Jogging {
		e.setStateLocked(Armed, reason)
	}
}

// maybeArmLocked promotes Idle to Armed once every channel is connected and
// safety reads healthy. Never touches Faulted. Caller holds the mutex.
func (e *Engine) maybeArmLocked() {
	if e.state != Idle {
		return
	}
	if !e.allConnectedLocked() {
		return
	}
	if !e.safety.Current().OK() {
		return
	}
	e.setStateLocked(Armed, "prerequisites met")
}

func (e *Engine) allConnectedLocked() bool {
	for _, kind := range channel.Kinds {
		if e.chanStates[kind] != channel.Connected {
			return false
		}
	}
	return true
}

func (e *Engine) send(script string) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
	defer cancel()
	return e.cmd.SendScript(ctx, script)
}

func (e *Engine) setStateLocked(s EngineState, reason string) {
	if e.state == s {
		return
	}
	old := e.state
	e.state = s
	e.log.Info("engine state",
		zap.Stringer("old", old),
		zap.Stringer("new", s),
		zap.String("reason", reason))

	change := StateChange{Old: old, New: s, Reason: reason, At: e.now()}
	e.cbMu.RLock()
	cbs := e.onChange
	e.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(change)
	}
}
