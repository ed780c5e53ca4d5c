// Package urscript renders jog intents as URScript statements.
//
// Everything in this package is pure: the encoder maps an Intent (plus, for
// step moves, the current pose or joint reading) to a single newline-free
// script statement. It never touches a socket and never holds state, so the
// Jog Engine can call it from its send path without synchronization.
package urscript

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects the motion primitive family.
type Mode int

const (
	// ModeCartesian drives the tool center point (speedl/movel/stopl).
	ModeCartesian Mode = iota
	// ModeJoint drives individual joints (speedj/movej/stopj).
	ModeJoint
)

func (m Mode) String() string {
	switch m {
	case ModeCartesian:
		return "cartesian"
	case ModeJoint:
		return "joint"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Style is the closed set of jog styles.
type Style int

const (
	// StyleContinuous keeps the target moving while the intent is refreshed.
	StyleContinuous Style = iota
	// StyleStep performs a single bounded move and settles.
	StyleStep
)

func (s Style) String() string {
	switch s {
	case StyleContinuous:
		return "continuous"
	case StyleStep:
		return "step"
	default:
		return fmt.Sprintf("style(%d)", int(s))
	}
}

// Target identifies one Cartesian axis or one joint. The Cartesian axes and
// the joints share a single enumeration so the Jog Engine can key sessions by
// target without caring about the mode.
type Target int

const (
	TargetX Target = iota
	TargetY
	TargetZ
	TargetRx
	TargetRy
	TargetRz
	TargetJ1
	TargetJ2
	TargetJ3
	TargetJ4
	TargetJ5
	TargetJ6
)

// CartesianTargets lists the six Cartesian axes in vector order.
var CartesianTargets = []Target{TargetX, TargetY, TargetZ, TargetRx, TargetRy, TargetRz}

// JointTargets lists the six joints in vector order.
var JointTargets = []Target{TargetJ1, TargetJ2, TargetJ3, TargetJ4, TargetJ5, TargetJ6}

var targetNames = [...]string{"x", "y", "z", "rx", "ry", "rz", "j1", "j2", "j3", "j4", "j5", "j6"}

func (t Target) String() string {
	if t < TargetX || t > TargetJ6 {
		return fmt.Sprintf("target(%d)", int(t))
	}
	return targetNames[t]
}

// Mode returns the primitive family the target belongs to.
func (t Target) Mode() Mode {
	if t >= TargetJ1 {
		return ModeJoint
	}
	return ModeCartesian
}

// Index returns the target's position in its six-element vector.
func (t Target) Index() int {
	if t >= TargetJ1 {
		return int(t - TargetJ1)
	}
	return int(t)
}

// Rotational reports whether the target is a rotational Cartesian axis.
// Joints are always rotational.
func (t Target) Rotational() bool {
	return t >= TargetRx
}

// ParseTarget resolves a lowercase target name ("x".."rz", "j1".."j6").
func ParseTarget(name string) (Target, error) {
	for i, n := range targetNames {
		if n == strings.ToLower(name) {
			return Target(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown target %q", ErrInvalidIntent, name)
}

// ErrInvalidIntent indicates a caller-contract violation: the intent's mode,
// target, direction, style, or speed is outside the closed valid set.
var ErrInvalidIntent = errors.New("INVALID_INTENT")

// Intent is an operator-authored jog directive. It exists only for the
// duration of a jog gesture; the Jog Engine owns its lifecycle.
type Intent struct {
	Mode      Mode
	Target    Target
	Direction int // +1 or -1
	Style     Style
	// StepDistance is the signed-magnitude step for StyleStep, in meters for
	// linear axes and radians for rotational axes and joints. Zero means
	// "use the configured default".
	StepDistance float64
	// Speed is the operator-requested fraction of the configured maximum,
	// in [0,1].
	Speed float64
}

// Validate checks the intent against the closed enumerations.
func (in Intent) Validate() error {
	if in.Mode != ModeCartesian && in.Mode != ModeJoint {
		return fmt.Errorf("%w: bad mode %d", ErrInvalidIntent, int(in.Mode))
	}
	if in.Target < TargetX || in.Target > TargetJ6 {
		return fmt.Errorf("%w: bad target %d", ErrInvalidIntent, int(in.Target))
	}
	if in.Target.Mode() != in.Mode {
		return fmt.Errorf("%w: target %s does not belong to mode %s", ErrInvalidIntent, in.Target, in.Mode)
	}
	if in.Direction != 1 && in.Direction != -1 {
		return fmt.Errorf("%w: direction must be +1 or -1, got %d", ErrInvalidIntent, in.Direction)
	}
	if in.Style != StyleContinuous && in.Style != StyleStep {
		return fmt.Errorf("%w: bad style %d", ErrInvalidIntent, int(in.Style))
	}
	if in.Speed < 0 || in.Speed > 1 {
		return fmt.Errorf("%w: speed fraction %v outside [0,1]", ErrInvalidIntent, in.Speed)
	}
	if in.StepDistance < 0 {
		return fmt.Errorf("%w: step distance must be non-negative", ErrInvalidIntent)
	}
	return nil
}

// Speed renders a continuous velocity command: speedl for Cartesian,
// speedj for joints. minTime bounds how long the controller keeps moving
// without a refreshed command.
func Speed(mode Mode, velocities [6]float64, accel, minTime float64) string {
	switch mode {
	case ModeJoint:
		return fmt.Sprintf("speedj(%s, %s, %s)", vector(velocities), num(accel), num(minTime))
	default:
		return fmt.Sprintf("speedl(%s, %s, %s)", vector(velocities), num(accel), num(minTime))
	}
}

// Move renders an absolute bounded-speed move: movel takes a pose literal,
// movej a plain joint vector.
func Move(mode Mode, target [6]float64, accel, speed float64) string {
	switch mode {
	case ModeJoint:
		return fmt.Sprintf("movej(%s, %s, %s)", vector(target), num(accel), num(speed))
	default:
		return fmt.Sprintf("movel(p%s, %s, %s)", vector(target), num(accel), num(speed))
	}
}

// Stop renders a deceleration-bounded halt for the active primitive family.
func Stop(mode Mode, decel float64) string {
	switch mode {
	case ModeJoint:
		return fmt.Sprintf("stopj(%s)", num(decel))
	default:
		return fmt.Sprintf("stopl(%s)", num(decel))
	}
}

// Continuous renders the velocity command for a continuous jog: the signed
// velocity lands on the intent's target component, every other component is
// exactly zero.
func Continuous(in Intent, velocity, accel, minTime float64) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.Style != StyleContinuous {
		return "", fmt.Errorf("%w: continuous command for %s intent", ErrInvalidIntent, in.Style)
	}
	var vel [6]float64
	vel[in.Target.Index()] = float64(in.Direction) * velocity
	return Speed(in.Mode, vel, accel, minTime), nil
}

// Step renders the absolute move for a step jog: the current reading plus the
// signed step distance on the one active component.
func Step(in Intent, current [6]float64, distance, accel, speed float64) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	if in.Style != StyleStep {
		return "", fmt.Errorf("%w: step command for %s intent", ErrInvalidIntent, in.Style)
	}
	target := current
	target[in.Target.Index()] += float64(in.Direction) * distance
	return Move(in.Mode, target, accel, speed), nil
}

// vector formats a 6-element vector without spaces, matching the compact
// argument shape the controller's script parser accepts.
func vector(v [6]float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = num(f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
