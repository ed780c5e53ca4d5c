// Package channel owns the three TCP connections to the robot controller:
// the script command port, the real-time telemetry port, and the dashboard
// line-protocol port. Each connection has its own lifecycle; a stall on one
// never blocks the others.
package channel

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the controller's three server ports.
type Kind int

const (
	// Command carries newline-terminated script statements (port 30001).
	Command Kind = iota
	// Telemetry carries binary state frames at the control rate (port 30003).
	Telemetry
	// Dashboard carries line-based query verbs with line replies (port 29999).
	Dashboard
)

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Telemetry:
		return "telemetry"
	case Dashboard:
		return "dashboard"
	default:
		return fmt.Sprintf("channel(%d)", int(k))
	}
}

// Kinds lists every channel in open order. Dashboard goes first so the
// welcome banner is consumed before anything queries it.
var Kinds = []Kind{Dashboard, Command, Telemetry}

// State is a channel's lifecycle phase.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means the connection exists but liveness is in doubt: a
	// receive timeout or write error was observed and reconnect is pending.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is published on every channel state transition.
type StateChange struct {
	Channel Kind
	Old     State
	New     State
	// Err carries the error that caused a downward transition, nil otherwise.
	Err error
	At  time.Time
}

// Sentinel errors for the channel boundary.
var (
	// ErrConnectFailed is returned when the retry budget is exhausted
	// without establishing a connection.
	ErrConnectFailed = errors.New("CONNECT_FAILED")
	// ErrSendFailed is returned when a write on an open connection fails.
	ErrSendFailed = errors.New("SEND_FAILED")
	// ErrNotConnected is returned for operations on a channel that is not
	// currently Connected.
	ErrNotConnected = errors.New("NOT_CONNECTED")
)

// Config carries the connection parameters for one controller.
type Config struct {
	Host          string
	CommandPort   int
	TelemetryPort int
	DashboardPort int

	DialTimeout    time.Duration
	ReceiveTimeout time.Duration

	// RetryCount is the number of dial attempts per Open call.
	RetryCount int
	// RetryBackoff is the initial delay between attempts; it grows by
	// BackoffFactor per failure up to MaxBackoff.
	RetryBackoff  time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

func (c Config) port(kind Kind) int {
	switch kind {
	case Command:
		return c.CommandPort
	case Telemetry:
		return c.TelemetryPort
	default:
		return c.DashboardPort
	}
}

func (c Config) addr(kind Kind) string {
	return fmt.Sprintf("%s:%d", c.Host, c.port(kind))
}

// nextBackoff grows delay by the configured factor, capped at MaxBackoff.
func (c Config) nextBackoff(delay time.Duration) time.Duration {
	if delay <= 0 {
		delay = c.RetryBackoff
	}
	next := time.Duration(float64(delay) * c.BackoffFactor)
	if next > c.MaxBackoff && c.MaxBackoff > 0 {
		next = c.MaxBackoff
	}
	if next < delay {
		next = delay
	}
	return next
}
