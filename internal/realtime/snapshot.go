// Package realtime decodes the controller's real-time state stream.
//
// The controller publishes binary frames on its real-time port at the native
// control rate: a 4-byte big-endian length prefix (the declared length counts
// the prefix itself) followed by a payload of big-endian float64 fields at
// fixed offsets. This package turns that stream into Snapshot values and
// keeps one corrupt record from poisoning the rest of the stream.
package realtime

import "fmt"

// Payload offsets of the fields we read, in bytes from the start of the
// payload (declared length minus the 4-byte prefix). CB-series real-time
// interface layout.
const (
	offTime            = 0
	offJointPositions  = 248
	offJointVelocities = 296
	offTCPPose         = 440
	offRobotMode       = 752
	offSafetyMode      = 808
	offSpeedScaling    = 936

	// minPayload is the smallest payload that carries every field above.
	minPayload = offSpeedScaling + 8

	// MaxFrameSize bounds a plausible declared length. Controller frames are
	// on the order of 1 KiB; anything past this is treated as stream
	// corruption rather than a giant record.
	MaxFrameSize = 4096
)

// Snapshot is one decoded state record. Snapshots are immutable values;
// consumers receive copies, never shared references.
type Snapshot struct {
	// Time is the controller's own clock, seconds since controller start.
	// Monotonically non-decreasing within a connection session.
	Time float64

	JointPositions  [6]float64 // rad
	JointVelocities [6]float64 // rad/s
	TCPPose         [6]float64 // x,y,z in m; rx,ry,rz rotation vector in rad

	RobotMode  RobotMode
	SafetyMode SafetyMode

	// SpeedScaling is the controller's live speed fraction in [0,1]
	// (values slightly above 1 occur during transients and are accepted).
	SpeedScaling float64

	// Session increments on every reconnect of the telemetry channel.
	// Time continuity is only meaningful within one session.
	Session uint64
}

// RobotMode is the controller's operational mode as reported on the wire
// (a float64 there; integral values only).
type RobotMode int32

const (
	RobotModeDisconnected     RobotMode = -1
	RobotModeConfirmSafety    RobotMode = 0
	RobotModeBooting          RobotMode = 1
	RobotModePowerOff         RobotMode = 2
	RobotModePowerOn          RobotMode = 3
	RobotModeIdle             RobotMode = 4
	RobotModeBackdrive        RobotMode = 5
	RobotModeRunning          RobotMode = 6
	RobotModeUpdatingFirmware RobotMode = 7
)

func (m RobotMode) String() string {
	switch m {
	case RobotModeDisconnected:
		return "DISCONNECTED"
	case RobotModeConfirmSafety:
		return "CONFIRM_SAFETY"
	case RobotModeBooting:
		return "BOOTING"
	case RobotModePowerOff:
		return "POWER_OFF"
	case RobotModePowerOn:
		return "POWER_ON"
	case RobotModeIdle:
		return "IDLE"
	case RobotModeBackdrive:
		return "BACKDRIVE"
	case RobotModeRunning:
		return "RUNNING"
	case RobotModeUpdatingFirmware:
		return "UPDATING_FIRMWARE"
	default:
		return fmt.Sprintf("ROBOT_MODE(%d)", int32(m))
	}
}

// SafetyMode is the controller's safety state as reported on the wire.
type SafetyMode int32

const (
	SafetyModeNormal                      SafetyMode = 1
	SafetyModeReduced                     SafetyMode = 2
	SafetyModeProtectiveStop              SafetyMode = 3
	SafetyModeRecovery                    SafetyMode = 4
	SafetyModeSafeguardStop               SafetyMode = 5
	SafetyModeSystemEmergencyStop         SafetyMode = 6
	SafetyModeRobotEmergencyStop          SafetyMode = 7
	SafetyModeViolation                   SafetyMode = 8
	SafetyModeFault                       SafetyMode = 9
	SafetyModeAutomaticModeSafeguardStop  SafetyMode = 10
	SafetyModeSystemThreePositionEnabling SafetyMode = 11
)

func (m SafetyMode) String() string {
	switch m {
	case SafetyModeNormal:
		return "NORMAL"
	case SafetyModeReduced:
		return "REDUCED"
	case SafetyModeProtectiveStop:
		return "PROTECTIVE_STOP"
	case SafetyModeRecovery:
		return "RECOVERY"
	case SafetyModeSafeguardStop:
		return "SAFEGUARD_STOP"
	case SafetyModeSystemEmergencyStop:
		return "SYSTEM_EMERGENCY_STOP"
	case SafetyModeRobotEmergencyStop:
		return "ROBOT_EMERGENCY_STOP"
	case SafetyModeViolation:
		return "VIOLATION"
	case SafetyModeFault:
		return "FAULT"
	case SafetyModeAutomaticModeSafeguardStop:
		return "AUTOMATIC_MODE_SAFEGUARD_STOP"
	case SafetyModeSystemThreePositionEnabling:
		return "SYSTEM_THREE_POSITION_ENABLING"
	default:
		return fmt.Sprintf("SAFETY_MODE(%d)", int32(m))
	}
}
