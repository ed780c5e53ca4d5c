// Package jog is the motion state machine. It turns operator intents into
// script commands on the command channel, re-arms them on a fixed cadence,
// and latches a fault whenever safety or the command path degrades while
// motion could be in flight.
package jog

import (
	"errors"
	"fmt"
	"time"

	"github.com/arm-control/acc/internal/urscript"
)

// EngineState is the engine's lifecycle phase.
type EngineState int

const (
	// Idle means prerequisites are not met: channels down or safety not OK.
	Idle EngineState = iota
	// Armed means jogging is permitted but no session is live.
	Armed
	// Jogging means at least one session is live.
	Jogging
	// Faulted is latched on a safety stop or a command send failure during
	// an active session. Only an explicit Reset leaves it.
	Faulted
)

func (s EngineState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Jogging:
		return "jogging"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("engineState(%d)", int(s))
	}
}

// Sentinel errors for the engine boundary.
var (
	// ErrFaulted rejects motion requests while the fault latch is set.
	ErrFaulted = errors.New("FAULTED")
	// ErrNotReady rejects motion requests outside Armed/Jogging, and
	// Reset calls whose preconditions do not hold.
	ErrNotReady = errors.New("NOT_READY")
	// ErrInvalidIntent mirrors the encoder's validation sentinel.
	ErrInvalidIntent = urscript.ErrInvalidIntent
)

// Params are the engine's motion limits and timing knobs.
type Params struct {
	// Speed ceilings, before the operator fraction and the controller's
	// live speed scaling are applied.
	MaxLinearSpeed  float64 // m/s, Cartesian x/y/z
	MaxAngularSpeed float64 // rad/s, Cartesian rx/ry/rz
	MaxJointSpeed   float64 // rad/s, joints

	LinearAcceleration float64 // m/s^2, Cartesian commands
	JointAcceleration  float64 // rad/s^2, joint commands
	// StopDeceleration bounds every halt, including fault stops.
	StopDeceleration float64

	// DefaultSpeedFraction applies when an intent leaves Speed at zero.
	DefaultSpeedFraction float64

	// Step distances when an intent leaves StepDistance at zero.
	LinearStep  float64 // m
	AngularStep float64 // rad

	// Cadence is the re-send period for continuous sessions. The rendered
	// speed command's min-time argument matches it, so the arm coasts to a
	// stop on its own if the engine dies mid-session.
	Cadence time.Duration
	// StaleWindow ends a continuous session that has not been refreshed.
	StaleWindow time.Duration
}

// session is one live continuous jog. Step jogs never retain a session.
type session struct {
	intent   urscript.Intent
	started  time.Time
	lastSent time.Time
	// deadline is pushed forward by BeginJog/UpdateJog; a tick past it
	// stops the session.
	deadline time.Time
	seq      uint64
}

// StateChange is published on every engine state transition.
type StateChange struct {
	Old    EngineState
	New    EngineState
	Reason string
	At     time.Time
}

func (p Params) accel(mode urscript.Mode) float64 {
	if mode == urscript.ModeJoint {
		return p.JointAcceleration
	}
	return p.LinearAcceleration
}

func (p Params) maxSpeed(target urscript.Target) float64 {
	switch {
	case target.Mode() == urscript.ModeJoint:
		return p.MaxJointSpeed
	case target.Rotational():
		return p.MaxAngularSpeed
	default:
		return p.MaxLinearSpeed
	}
}

func (p Params) step(in urscript.Intent) float64 {
	if in.StepDistance > 0 {
		return in.StepDistance
	}
	if in.Target.Rotational() {
		return p.AngularStep
	}
	return p.LinearStep
}
