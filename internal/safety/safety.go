// Package safety classifies controller state into the safety vocabulary the
// jog engine acts on. Classification is pure; the Monitor adds a dashboard
// poll and merges both sources fail-safe.
package safety

import (
	"strings"

	"github.com/arm-control/acc/internal/realtime"
)

// State is the merged safety classification.
type State int

const (
	// Unknown means the sources do not support a confident classification.
	// Treated as unsafe: jogging is blocked but no fault is latched.
	Unknown State = iota
	Normal
	Reduced
	ProtectiveStop
	SafeguardStop
	RobotEmergencyStop
	SystemEmergencyStop
	Violation
	Fault
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Reduced:
		return "reduced"
	case ProtectiveStop:
		return "protectiveStop"
	case SafeguardStop:
		return "safeguardStop"
	case RobotEmergencyStop:
		return "robotEmergencyStop"
	case SystemEmergencyStop:
		return "systemEmergencyStop"
	case Violation:
		return "violation"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// severity orders states for the fail-safe merge. Higher wins.
func (s State) severity() int {
	switch s {
	case Normal:
		return 0
	case Reduced:
		return 1
	case Unknown:
		return 2
	case ProtectiveStop:
		return 3
	case SafeguardStop:
		return 4
	case RobotEmergencyStop:
		return 5
	case SystemEmergencyStop:
		return 6
	case Violation:
		return 7
	case Fault:
		return 8
	default:
		return 2
	}
}

// OK reports whether motion commands are permitted in this state. Reduced
// allows motion; the controller's speed scaling handles the slowdown.
func (s State) OK() bool {
	return s == Normal || s == Reduced
}

// Merge combines two classifications fail-safe: the higher severity wins, so
// a stop or fault from either source beats Normal from the other.
func Merge(a, b State) State {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// Classify maps a telemetry snapshot to a safety state. Pure function, no
// I/O, no clock.
func Classify(snap realtime.Snapshot) State {
	s := classifySafetyMode(snap.SafetyMode)
	if !s.OK() {
		return s
	}
	// The safety field can read nominal while the arm cannot actually move
	// (booting, powered off, firmware update). Those count as Unknown so
	// jogging stays blocked without latching a fault.
	switch snap.RobotMode {
	case realtime.RobotModeRunning, realtime.RobotModeIdle, realtime.RobotModeBackdrive:
		return s
	default:
		return Unknown
	}
}

func classifySafetyMode(m realtime.SafetyMode) State {
	switch m {
	case realtime.SafetyModeNormal:
		return Normal
	case realtime.SafetyModeReduced:
		return Reduced
	case realtime.SafetyModeProtectiveStop, realtime.SafetyModeRecovery:
		return ProtectiveStop
	case realtime.SafetyModeSafeguardStop,
		realtime.SafetyModeAutomaticModeSafeguardStop,
		realtime.SafetyModeSystemThreePositionEnabling:
		return SafeguardStop
	case realtime.SafetyModeRobotEmergencyStop:
		return RobotEmergencyStop
	case realtime.SafetyModeSystemEmergencyStop:
		return SystemEmergencyStop
	case realtime.SafetyModeViolation:
		return Violation
	case realtime.SafetyModeFault:
		return Fault
	default:
		return Unknown
	}
}

// ParseReply classifies a dashboard safetymode reply, e.g.
// "Safetymode: PROTECTIVE_STOP". Unrecognized tokens map to Unknown.
func ParseReply(reply string) State {
	token := strings.TrimSpace(reply)
	if i := strings.IndexByte(token, ':'); i >= 0 {
		token = strings.TrimSpace(token[i+1:])
	}
	switch strings.ToUpper(token) {
	case "NORMAL":
		return Normal
	case "REDUCED":
		return Reduced
	case "PROTECTIVE_STOP", "RECOVERY":
		return ProtectiveStop
	case "SAFEGUARD_STOP", "AUTOMATIC_MODE_SAFEGUARD_STOP", "SYSTEM_THREE_POSITION_ENABLING":
		return SafeguardStop
	case "ROBOT_EMERGENCY_STOP":
		return RobotEmergencyStop
	case "SYSTEM_EMERGENCY_STOP":
		return SystemEmergencyStop
	case "VIOLATION":
		return Violation
	case "FAULT":
		return Fault
	default:
		return Unknown
	}
}
