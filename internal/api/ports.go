// Package api defines ports (interfaces) for API server dependencies.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/dashboard"
	"github.com/arm-control/acc/internal/jog"
	"github.com/arm-control/acc/internal/realtime"
	"github.com/arm-control/acc/internal/safety"
	"github.com/arm-control/acc/internal/telemetry"
	"github.com/arm-control/acc/internal/urscript"
)

// EnginePort is the minimal interface the API needs from the jog engine.
type EnginePort interface {
	BeginJog(in urscript.Intent) error
	UpdateJog(in urscript.Intent) error
	EndJog(target urscript.Target) error
	Reset() error
	State() jog.EngineState
	FaultReason() string
	ActiveTargets() []urscript.Target
}

// TelemetryPort is the minimal interface the API needs from the event hub.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// RobotPort is the minimal interface the API needs from the dashboard
// client.
type RobotPort interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	BrakeRelease(ctx context.Context) error
	UnlockProtectiveStop(ctx context.Context) error
	RobotMode(ctx context.Context) (string, error)
}

// ChannelPort exposes connection lifecycle state for the state endpoint.
type ChannelPort interface {
	State(kind channel.Kind) channel.State
}

// SafetyPort exposes the merged safety state.
type SafetyPort interface {
	Current() safety.State
}

// SnapshotPort exposes the latest decoded telemetry.
type SnapshotPort interface {
	Last() (realtime.Snapshot, bool)
	MalformedCount() uint64
}

// AuditPort records operator actions.
type AuditPort interface {
	LogAction(ctx context.Context, action, target string, params map[string]interface{}, err error, latency time.Duration)
}

// Compile-time assertions for port conformance.
var _ EnginePort = (*jog.Engine)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)
var _ RobotPort = (*dashboard.Client)(nil)
var _ ChannelPort = (*channel.Manager)(nil)
var _ SafetyPort = (*safety.Monitor)(nil)
var _ SnapshotPort = (*realtime.Receiver)(nil)
